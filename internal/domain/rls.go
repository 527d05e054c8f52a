package domain

import "time"

// RLSFilterType distinguishes regular filters from base filters.
//
// Regular filters in the same group are OR-joined for a user who matches more
// than one of them through different roles; distinct groups (and base filters)
// are AND-joined.
type RLSFilterType string

// RLS filter types.
const (
	RLSRegular RLSFilterType = "regular"
	RLSBase    RLSFilterType = "base"
)

// RLSFilter is a row-level-security predicate bound to one or more datasets
// and scoped to roles or groups.
type RLSFilter struct {
	ID         int64
	Name       string
	FilterType RLSFilterType
	GroupKey   string // filters sharing a group key OR together
	Clause     string // raw SQL predicate, template-expandable
	RoleNames  []string
	GroupNames []string
	DatasetIDs []int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AppliesTo reports whether the filter is bound to the given dataset.
func (f *RLSFilter) AppliesTo(datasetID int64) bool {
	for _, id := range f.DatasetIDs {
		if id == datasetID {
			return true
		}
	}
	return false
}

// MatchesUser reports whether any of the user's roles or groups are in scope.
// A filter with no role and no group binding applies to everyone.
func (f *RLSFilter) MatchesUser(u *UserContext) bool {
	if len(f.RoleNames) == 0 && len(f.GroupNames) == 0 {
		return true
	}
	for _, role := range f.RoleNames {
		if u.HasRole(role) {
			return true
		}
	}
	for _, group := range f.GroupNames {
		if u.InGroup(group) {
			return true
		}
	}
	return false
}

// UserContext identifies the requesting user for RLS binding and template
// expansion. It is extracted from the verified JWT by the API layer and
// treated as trusted input here.
type UserContext struct {
	ID       int64
	Username string
	Email    string
	Roles    []string
	Groups   []string
}

// HasRole reports whether the user holds the named role.
func (u *UserContext) HasRole(name string) bool {
	for _, r := range u.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// InGroup reports whether the user belongs to the named group.
func (u *UserContext) InGroup(name string) bool {
	for _, g := range u.Groups {
		if g == name {
			return true
		}
	}
	return false
}
