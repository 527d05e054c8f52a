package sqltemplate

import (
	"sync"
	"time"

	"go.starlark.net/starlark"

	"querydeck/internal/domain"
)

// Context carries the enumerated template environment for one expansion.
//
// Values recorded through cache_key_wrapper are collected here so the cache
// layer can fold them into the fingerprint.
type Context struct {
	User           *domain.UserContext
	FromDttm       *time.Time
	ToDttm         *time.Time
	FilterValues   map[string][]interface{}
	URLParams      map[string]string
	TemplateParams map[string]string

	mu             sync.Mutex
	cacheKeyValues []string
}

// CacheKeyValues returns the values wrapped with cache_key_wrapper during
// expansion, in call order.
func (c *Context) CacheKeyValues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.cacheKeyValues))
	copy(out, c.cacheKeyValues)
	return out
}

func (c *Context) recordCacheKeyValue(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheKeyValues = append(c.cacheKeyValues, v)
}

// predeclared builds the closed Starlark environment. Only the names returned
// here resolve inside template expressions.
func (c *Context) predeclared() starlark.StringDict {
	env := starlark.StringDict{
		"filter_values":      starlark.NewBuiltin("filter_values", c.builtinFilterValues),
		"current_user_id":    starlark.NewBuiltin("current_user_id", c.builtinCurrentUserID),
		"current_username":   starlark.NewBuiltin("current_username", c.builtinCurrentUsername),
		"current_user_email": starlark.NewBuiltin("current_user_email", c.builtinCurrentUserEmail),
		"url_param":          starlark.NewBuiltin("url_param", c.builtinURLParam),
		"cache_key_wrapper":  starlark.NewBuiltin("cache_key_wrapper", c.builtinCacheKeyWrapper),
		"from_dttm":          isoOrNone(c.FromDttm),
		"to_dttm":            isoOrNone(c.ToDttm),
	}
	// Dataset template params are plain string variables; they cannot shadow
	// the built-in names.
	for name, value := range c.TemplateParams {
		if _, taken := env[name]; taken {
			continue
		}
		env[name] = starlark.String(value)
	}
	return env
}

func isoOrNone(t *time.Time) starlark.Value {
	if t == nil {
		return starlark.None
	}
	return starlark.String(t.UTC().Format(time.RFC3339))
}

func (c *Context) builtinFilterValues(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var column string
	var fallback starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "column", &column, "default?", &fallback); err != nil {
		return nil, err
	}

	values := c.FilterValues[column]
	if len(values) == 0 {
		if fallback == starlark.None {
			return starlark.NewList(nil), nil
		}
		return starlark.NewList([]starlark.Value{fallback}), nil
	}

	items := make([]starlark.Value, 0, len(values))
	for _, v := range values {
		sv, err := quoteLiteral(v)
		if err != nil {
			return nil, err
		}
		items = append(items, sv)
	}
	return starlark.NewList(items), nil
}

func (c *Context) builtinCurrentUserID(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	if c.User == nil {
		return starlark.None, nil
	}
	return starlark.MakeInt64(c.User.ID), nil
}

func (c *Context) builtinCurrentUsername(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	if c.User == nil {
		return starlark.None, nil
	}
	return starlark.String(c.User.Username), nil
}

func (c *Context) builtinCurrentUserEmail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	if c.User == nil {
		return starlark.None, nil
	}
	return starlark.String(c.User.Email), nil
}

func (c *Context) builtinURLParam(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var fallback starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &fallback); err != nil {
		return nil, err
	}
	if v, ok := c.URLParams[name]; ok {
		return starlark.String(v), nil
	}
	return fallback, nil
}

// builtinCacheKeyWrapper returns its argument unchanged and records its
// rendered form for the cache fingerprint.
func (c *Context) builtinCacheKeyWrapper(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value); err != nil {
		return nil, err
	}
	rendered, err := renderValue(value)
	if err != nil {
		return nil, err
	}
	c.recordCacheKeyValue(rendered)
	return value, nil
}
