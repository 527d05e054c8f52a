// Package semantic exposes datasets, columns, metrics and RLS filters as
// read-only snapshots with resolution helpers for the query builder.
package semantic

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"querydeck/internal/domain"
)

// CanonicalizeExpr parses an adhoc SQL expression and re-renders it in a
// dialect-agnostic canonical form: normalized whitespace, case-folded bare
// identifiers and function names, stable operator spelling.
//
// Canonicalization happens exactly once, at validation time. Every downstream
// consumer (cache-key hashing, SELECT emission, ORDER BY emission) reads the
// canonical string and never mutates it, so "sum(num)" and "SUM( num )"
// produce the same cache key and the same executed SQL.
func CanonicalizeExpr(expr string) (string, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return "", domain.ErrValidation("empty SQL expression")
	}
	if strings.Contains(trimmed, ";") {
		return "", domain.ErrValidation("SQL expression must not contain semicolons")
	}

	wrapped := "SELECT " + trimmed
	parsed, err := pg_query.Parse(wrapped)
	if err != nil {
		return "", domain.ErrValidation("invalid SQL expression %q: %v", trimmed, err)
	}
	if len(parsed.Stmts) != 1 {
		return "", domain.ErrValidation("SQL expression %q must be a single expression", trimmed)
	}
	sel, ok := parsed.Stmts[0].Stmt.Node.(*pg_query.Node_SelectStmt)
	if !ok || len(sel.SelectStmt.FromClause) > 0 || sel.SelectStmt.WhereClause != nil {
		return "", domain.ErrValidation("SQL expression %q must not embed clauses", trimmed)
	}
	if len(sel.SelectStmt.TargetList) != 1 {
		return "", domain.ErrValidation("SQL expression %q must be a single expression", trimmed)
	}

	out, err := pg_query.Deparse(parsed)
	if err != nil {
		return "", domain.ErrValidation("cannot render SQL expression %q: %v", trimmed, err)
	}
	return strings.TrimPrefix(out, "SELECT "), nil
}

// CanonicalizePredicate canonicalizes a boolean SQL fragment (WHERE/HAVING
// snippets, RLS clauses) the same way CanonicalizeExpr treats expressions.
func CanonicalizePredicate(clause string) (string, error) {
	trimmed := strings.TrimSpace(clause)
	if trimmed == "" {
		return "", domain.ErrValidation("empty SQL predicate")
	}
	if strings.Contains(trimmed, ";") {
		return "", domain.ErrValidation("SQL predicate must not contain semicolons")
	}

	wrapped := "SELECT 1 WHERE " + trimmed
	parsed, err := pg_query.Parse(wrapped)
	if err != nil {
		return "", domain.ErrValidation("invalid SQL predicate %q: %v", trimmed, err)
	}
	out, err := pg_query.Deparse(parsed)
	if err != nil {
		return "", domain.ErrValidation("cannot render SQL predicate %q: %v", trimmed, err)
	}
	return strings.TrimPrefix(out, "SELECT 1 WHERE "), nil
}

// aggregateFunctions is the set of function names accepted as aggregates when
// validating metric expressions.
var aggregateFunctions = map[string]bool{
	"sum": true, "avg": true, "min": true, "max": true, "count": true,
	"stddev": true, "stddev_pop": true, "stddev_samp": true,
	"variance": true, "var_pop": true, "var_samp": true,
	"percentile_cont": true, "percentile_disc": true, "median": true,
	"array_agg": true, "string_agg": true, "bool_and": true, "bool_or": true,
	"approx_count_distinct": true, "approx_distinct": true,
}

// ValidateAggregateExpression checks that the expression contains at least one
// aggregate function call, so it is legal under the SELECT clause of a
// grouped query.
func ValidateAggregateExpression(expr string) error {
	canonical, err := CanonicalizeExpr(expr)
	if err != nil {
		return err
	}
	parsed, err := pg_query.Parse("SELECT " + canonical)
	if err != nil {
		return domain.ErrValidation("invalid aggregate expression %q: %v", expr, err)
	}
	if containsAggregate(parsed.Stmts[0].Stmt) {
		return nil
	}
	return domain.ErrValidation("expression %q is not an aggregate", expr)
}

func containsAggregate(node *pg_query.Node) bool {
	if node == nil {
		return false
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		for _, target := range n.SelectStmt.TargetList {
			if containsAggregate(target) {
				return true
			}
		}
	case *pg_query.Node_ResTarget:
		return containsAggregate(n.ResTarget.Val)
	case *pg_query.Node_FuncCall:
		name := funcCallName(n.FuncCall)
		if aggregateFunctions[name] {
			return true
		}
		for _, arg := range n.FuncCall.Args {
			if containsAggregate(arg) {
				return true
			}
		}
	case *pg_query.Node_AExpr:
		return containsAggregate(n.AExpr.Lexpr) || containsAggregate(n.AExpr.Rexpr)
	case *pg_query.Node_TypeCast:
		return containsAggregate(n.TypeCast.Arg)
	case *pg_query.Node_CoalesceExpr:
		for _, arg := range n.CoalesceExpr.Args {
			if containsAggregate(arg) {
				return true
			}
		}
	case *pg_query.Node_CaseExpr:
		for _, when := range n.CaseExpr.Args {
			if containsAggregate(when) {
				return true
			}
		}
		return containsAggregate(n.CaseExpr.Defresult)
	case *pg_query.Node_CaseWhen:
		return containsAggregate(n.CaseWhen.Expr) || containsAggregate(n.CaseWhen.Result)
	}
	return false
}

func funcCallName(fc *pg_query.FuncCall) string {
	if len(fc.Funcname) == 0 {
		return ""
	}
	last := fc.Funcname[len(fc.Funcname)-1]
	if s, ok := last.Node.(*pg_query.Node_String_); ok {
		return strings.ToLower(s.String_.Sval)
	}
	return ""
}
