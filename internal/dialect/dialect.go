// Package dialect specializes SQL generation per database engine.
//
// A dialect is a value in a registry table, not a class hierarchy: every
// capability is a field, and adding an engine is adding a row in registry.go.
package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"querydeck/internal/domain"
)

// limitStyle selects how LIMIT/OFFSET is rendered.
type limitStyle int

const (
	// limitOffset renders "LIMIT n OFFSET m".
	limitOffset limitStyle = iota
	// fetchNext renders "OFFSET m ROWS FETCH NEXT n ROWS ONLY".
	fetchNext
	// rowNumber wraps the statement in a ROW_NUMBER() subquery for engines
	// without native OFFSET.
	rowNumber
)

// cancelStyle selects the server-side cancellation mechanism.
type cancelStyle int

const (
	cancelNone cancelStyle = iota
	// cancelKill issues "KILL QUERY <id>".
	cancelKill
	// cancelPGBackend issues "SELECT pg_cancel_backend(<id>)".
	cancelPGBackend
)

// Dialect carries the full capability table for one engine.
type Dialect struct {
	Name string

	// Identifier quoting. QuoteClose differs from QuoteOpen only for
	// bracket-quoting engines (MSSQL).
	QuoteOpen  rune
	QuoteClose rune

	SupportsCTEs                   bool
	SupportsColumnAliasesInOrderBy bool
	GroupByOrdinal                 bool
	// ForceOrderByForOffset marks engines that require a deterministic ORDER BY
	// whenever OFFSET is present; the builder adds a synthetic ORDER BY 1.
	ForceOrderByForOffset bool
	// MaxInListLength caps IN (...) literal lists; 0 means unlimited.
	MaxInListLength int
	// RegexOp is the binary regex-match operator, empty when unsupported.
	RegexOp string
	// ILikeNative marks engines with a native ILIKE operator; others get
	// LOWER(col) LIKE LOWER(pattern).
	ILikeNative bool

	AllowCTAS bool
	// CTASMethod is the DDL verb pattern, e.g. "CREATE TABLE %s AS %s".
	CTASMethod string

	limit  limitStyle
	cancel cancelStyle

	// grains maps ISO-8601 duration grains to SQL templates with a {col}
	// placeholder. Unknown grains fall back to the raw column.
	grains map[string]string
	// epochS / epochMS convert numeric epoch columns to timestamps.
	epochS  string
	epochMS string
	// timestampLiteral renders a UTC ISO instant as a typed literal; the
	// default is a plain quoted string.
	timestampLiteral string
}

// Quote returns the identifier wrapped in the dialect's quote characters,
// doubling embedded closers.
func (d *Dialect) Quote(ident string) string {
	closer := string(d.QuoteClose)
	escaped := strings.ReplaceAll(ident, closer, closer+closer)
	return string(d.QuoteOpen) + escaped + string(d.QuoteClose)
}

// Qualify renders the fully-qualified, quoted relation name.
func (d *Dialect) Qualify(catalog, schema, table string) string {
	parts := make([]string, 0, 3)
	if catalog != "" {
		parts = append(parts, d.Quote(catalog))
	}
	if schema != "" {
		parts = append(parts, d.Quote(schema))
	}
	parts = append(parts, d.Quote(table))
	return strings.Join(parts, ".")
}

// TimeGrainExpr returns the SQL bucketing expression for the grain, and false
// when the dialect has no expression for it (callers fall back to the raw
// column).
func (d *Dialect) TimeGrainExpr(grain, columnSQL string) (string, bool) {
	tmpl, ok := d.grains[grain]
	if !ok {
		return columnSQL, false
	}
	return strings.ReplaceAll(tmpl, "{col}", columnSQL), true
}

// EpochToDttm wraps a numeric epoch column in the dialect's conversion.
// unit is "epoch_s" or "epoch_ms".
func (d *Dialect) EpochToDttm(columnSQL, unit string) (string, error) {
	var tmpl string
	switch unit {
	case "epoch_s":
		tmpl = d.epochS
	case "epoch_ms":
		tmpl = d.epochMS
	default:
		return "", domain.ErrValidation("unknown epoch unit %q", unit)
	}
	if tmpl == "" {
		return "", domain.ErrUnsupported(d.Name, "epoch conversion")
	}
	return strings.ReplaceAll(tmpl, "{col}", columnSQL), nil
}

// TimestampLiteral renders a UTC instant (ISO "2006-01-02 15:04:05" form) as
// a SQL literal for time-range predicates.
func (d *Dialect) TimestampLiteral(iso string) string {
	if d.timestampLiteral == "" {
		return "'" + iso + "'"
	}
	return strings.ReplaceAll(d.timestampLiteral, "{ts}", iso)
}

// LimitClause applies limit/offset to a complete SELECT statement. limit < 0
// means unlimited; offset 0 is omitted where the style allows.
func (d *Dialect) LimitClause(sqlText string, limit, offset int) string {
	if limit < 0 && offset <= 0 {
		return sqlText
	}
	switch d.limit {
	case fetchNext:
		clause := fmt.Sprintf(" OFFSET %d ROWS", offset)
		if limit >= 0 {
			clause += fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit)
		}
		return sqlText + clause
	case rowNumber:
		lower := offset
		upper := -1
		if limit >= 0 {
			upper = offset + limit
		}
		inner := fmt.Sprintf("SELECT ROW_NUMBER() OVER () AS %s, q.* FROM (%s) q", d.Quote("__rn"), sqlText)
		cond := fmt.Sprintf("%s > %d", d.Quote("__rn"), lower)
		if upper >= 0 {
			cond += fmt.Sprintf(" AND %s <= %d", d.Quote("__rn"), upper)
		}
		return fmt.Sprintf("SELECT * FROM (%s) w WHERE %s", inner, cond)
	default:
		clause := ""
		if limit >= 0 {
			clause += fmt.Sprintf(" LIMIT %d", limit)
		}
		if offset > 0 {
			clause += fmt.Sprintf(" OFFSET %d", offset)
		}
		return sqlText + clause
	}
}

// SupportsCancel reports whether the dialect exposes server-side cancel.
func (d *Dialect) SupportsCancel() bool { return d.cancel != cancelNone }

// SessionIDQuery returns the statement yielding the current session's
// server-side id, the value CancelQuery later takes. Empty when the dialect
// has no cancel support.
func (d *Dialect) SessionIDQuery() string {
	switch d.cancel {
	case cancelKill:
		return "SELECT CONNECTION_ID()"
	case cancelPGBackend:
		return "SELECT pg_backend_pid()"
	default:
		return ""
	}
}

// CancelQuery attempts a server-side cancel of the session identified by
// serverQueryID on the given connection pool. Callers close the client
// connection regardless of the outcome.
func (d *Dialect) CancelQuery(ctx context.Context, db *sql.DB, serverQueryID string) error {
	switch d.cancel {
	case cancelKill:
		_, err := db.ExecContext(ctx, fmt.Sprintf("KILL QUERY %s", serverQueryID))
		return err
	case cancelPGBackend:
		_, err := db.ExecContext(ctx, "SELECT pg_cancel_backend($1)", serverQueryID)
		return err
	default:
		return domain.ErrUnsupported(d.Name, "server-side cancel")
	}
}

// MaskedURL returns the connection string with the password elided.
func (d *Dialect) MaskedURL(uri string) string {
	return domain.MaskURI(uri)
}

var registry = map[string]*Dialect{}

func register(d *Dialect) *Dialect {
	registry[d.Name] = d
	return d
}

// Get returns the named dialect.
func Get(name string) (*Dialect, error) {
	d, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, domain.ErrValidation("unknown dialect %q", name)
	}
	return d, nil
}

// Names returns all registered dialect names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
