package semantic

import (
	"sort"
	"strings"

	"querydeck/internal/domain"
)

// RLSPredicates composes the row-level-security predicates applicable to the
// user into AND-joined SQL snippets.
//
// Regular filters the user matches through roles or groups are bucketed by
// group key (filters with no explicit key share one bucket) and OR-joined
// within a bucket, so a user in roles A and B sees (pred_A OR pred_B). Base
// filters and the buckets themselves AND-join. Every clause is canonicalized
// before composition so the emitted WHERE is deterministic.
func (s *Snapshot) RLSPredicates(user *domain.UserContext) ([]string, error) {
	if user == nil {
		return nil, nil
	}

	groups := map[string][]string{}
	var base []string

	for i := range s.RLS {
		f := &s.RLS[i]
		if !f.AppliesTo(s.Dataset.ID) || !f.MatchesUser(user) {
			continue
		}
		clause, err := CanonicalizePredicate(f.Clause)
		if err != nil {
			return nil, err
		}
		if f.FilterType == domain.RLSBase {
			base = append(base, clause)
			continue
		}
		groups[f.GroupKey] = append(groups[f.GroupKey], clause)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var predicates []string
	for _, k := range keys {
		clauses := groups[k]
		if len(clauses) == 1 {
			predicates = append(predicates, clauses[0])
			continue
		}
		parts := make([]string, len(clauses))
		for i, c := range clauses {
			parts[i] = "(" + c + ")"
		}
		predicates = append(predicates, "("+strings.Join(parts, " OR ")+")")
	}
	predicates = append(predicates, base...)

	return predicates, nil
}
