// Package sqltemplate expands {{ ... }} expressions inside raw SQL fragments
// (virtual-dataset SQL, calculated columns, metric expressions, SQL-Lab user
// SQL) under a sandboxed, closed evaluation context.
//
// Expressions run in Starlark with a fixed predeclared environment: the
// enumerated template functions and variables, and the dataset's registered
// template params. There is no load, no module access, and any unknown name
// is a TemplateError, never a lookup against the host process.
package sqltemplate

import (
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"querydeck/internal/domain"
)

const (
	maxExecutionSteps = uint64(50_000)
	evalTimeout       = 2 * time.Second
	maxExpandedBytes  = 512 * 1024
)

// Engine expands templates. It is stateless and safe for concurrent use.
type Engine struct{}

// New creates a template Engine.
func New() *Engine { return &Engine{} }

// Expand replaces every {{ expression }} in sql with its evaluated value.
// Expansion happens before the builder composes identifiers and clauses; the
// expanded string is re-parsed and re-quoted downstream.
func (e *Engine) Expand(sql string, tctx *Context) (string, error) {
	if !strings.Contains(sql, "{{") {
		if strings.Contains(sql, "}}") {
			return "", domain.ErrTemplate("unbalanced '}}' in template")
		}
		return sql, nil
	}

	predeclared := tctx.predeclared()

	var out strings.Builder
	rest := sql
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if strings.Contains(rest, "}}") {
				return "", domain.ErrTemplate("unbalanced '}}' in template")
			}
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:open])
		rest = rest[open+2:]

		closing := strings.Index(rest, "}}")
		if closing < 0 {
			return "", domain.ErrTemplate("unterminated '{{' in template")
		}
		expr := strings.TrimSpace(rest[:closing])
		rest = rest[closing+2:]

		if expr == "" {
			return "", domain.ErrTemplate("empty template expression")
		}

		value, err := evalExpr(expr, predeclared)
		if err != nil {
			return "", err
		}
		out.WriteString(value)

		if out.Len() > maxExpandedBytes {
			return "", domain.ErrTemplate("expanded template exceeds %d bytes", maxExpandedBytes)
		}
	}

	return out.String(), nil
}

func evalExpr(expr string, predeclared starlark.StringDict) (string, error) {
	thread := &starlark.Thread{Name: "sql-template"}
	thread.SetMaxExecutionSteps(maxExecutionSteps)

	type evalResult struct {
		value starlark.Value
		err   error
	}
	done := make(chan evalResult, 1)
	go func() {
		v, err := starlark.EvalOptions(&syntax.FileOptions{}, thread, "template", expr, predeclared)
		done <- evalResult{value: v, err: err}
	}()

	timer := time.NewTimer(evalTimeout)
	defer timer.Stop()

	var res evalResult
	select {
	case res = <-done:
	case <-timer.C:
		thread.Cancel("template evaluation timed out")
		res = <-done
		if res.err == nil {
			return "", domain.ErrTemplate("template expression timed out after %s", evalTimeout)
		}
	}
	if res.err != nil {
		return "", templateError(expr, res.err)
	}

	return renderValue(res.value)
}

// templateError converts a Starlark error into a TemplateError, keeping
// position information when the failure is a resolve/syntax error.
func templateError(expr string, err error) *domain.TemplateError {
	terr := domain.ErrTemplate("template expression %q: %v", expr, err)
	if evalErr, ok := err.(*starlark.EvalError); ok && len(evalErr.CallStack) > 0 {
		pos := evalErr.CallStack.At(0).Pos
		terr.Line = int(pos.Line)
		terr.Col = int(pos.Col)
	}
	return terr
}

// renderValue converts an evaluated template value into SQL text.
//
// Strings interpolate raw (templates build SQL, not literals); lists render
// as quoted, comma-separated literals ready for IN (...); None renders NULL.
func renderValue(v starlark.Value) (string, error) {
	switch val := v.(type) {
	case starlark.String:
		return string(val), nil
	case starlark.Int:
		return val.String(), nil
	case starlark.Float:
		return val.String(), nil
	case starlark.Bool:
		if bool(val) {
			return "TRUE", nil
		}
		return "FALSE", nil
	case starlark.NoneType:
		return "NULL", nil
	case *starlark.List:
		return renderSequence(val.Len(), val.Index)
	case starlark.Tuple:
		return renderSequence(val.Len(), val.Index)
	default:
		return "", domain.ErrTemplate("template produced unsupported type %s", v.Type())
	}
}

func renderSequence(n int, at func(int) starlark.Value) (string, error) {
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		switch item := at(i).(type) {
		case starlark.String:
			parts = append(parts, "'"+strings.ReplaceAll(string(item), "'", "''")+"'")
		case starlark.Int:
			parts = append(parts, item.String())
		case starlark.Float:
			parts = append(parts, item.String())
		default:
			return "", domain.ErrTemplate("list items must be strings or numbers, got %s", item.Type())
		}
	}
	return strings.Join(parts, ", "), nil
}

// quoteLiteral renders a Go value as a SQL literal for filter_values output.
func quoteLiteral(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case bool:
		return starlark.Bool(val), nil
	case nil:
		return starlark.None, nil
	default:
		return nil, domain.ErrTemplate("unsupported filter value type %T", v)
	}
}
