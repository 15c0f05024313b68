package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Params holds estimator constructor parameters as decoded from JSON. Numbers
// may be float64, int or json.Number.
type Params map[string]any

// paramReader pulls typed values out of Params and remembers which keys were
// consumed so leftovers can be rejected. The first error sticks.
type paramReader struct {
	params Params
	used   map[string]bool
	err    error
}

func newParamReader(params Params) *paramReader {
	return &paramReader{params: params, used: make(map[string]bool)}
}

func (r *paramReader) lookup(key string) (any, bool) {
	r.used[key] = true
	v, ok := r.params[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func (r *paramReader) fail(key, format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s: %s", ErrInvalidParams, key, fmt.Sprintf(format, args...))
	}
}

func (r *paramReader) float(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		r.fail(key, "expected a number, got %T", v)
		return def
	}
	return f
}

func (r *paramReader) integer(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, ok := toInt(v)
	if !ok {
		r.fail(key, "expected an integer, got %v", v)
		return def
	}
	return n
}

// optionalInt reads an integer that may be absent or null.
func (r *paramReader) optionalInt(key string) *int {
	v, ok := r.lookup(key)
	if !ok {
		return nil
	}
	n, ok := toInt(v)
	if !ok {
		r.fail(key, "expected an integer or null, got %v", v)
		return nil
	}
	return &n
}

func (r *paramReader) boolean(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		r.fail(key, "expected a boolean, got %T", v)
		return def
	}
	return b
}

// choice reads a string restricted to allowed values. A JSON null yields def.
func (r *paramReader) choice(key, def string, allowed ...string) string {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		r.fail(key, "expected a string, got %T", v)
		return def
	}
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	r.fail(key, "%q is not one of %s", s, strings.Join(allowed, ", "))
	return def
}

// ints reads either a single integer or a list of integers.
func (r *paramReader) ints(key string, def []int) []int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	if n, ok := toInt(v); ok {
		return []int{n}
	}
	list, ok := v.([]any)
	if !ok {
		r.fail(key, "expected an integer or a list of integers, got %T", v)
		return def
	}
	out := make([]int, len(list))
	for i, item := range list {
		n, ok := toInt(item)
		if !ok {
			r.fail(key, "element %d is not an integer", i)
			return def
		}
		out[i] = n
	}
	return out
}

func (r *paramReader) floats(key string) []float64 {
	v, ok := r.lookup(key)
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		r.fail(key, "expected a list of numbers, got %T", v)
		return nil
	}
	out := make([]float64, len(list))
	for i, item := range list {
		f, ok := toFloat(item)
		if !ok {
			r.fail(key, "element %d is not a number", i)
			return nil
		}
		out[i] = f
	}
	return out
}

// finish reports the first read error or any key that was never consumed.
func (r *paramReader) finish() error {
	if r.err != nil {
		return r.err
	}
	var unexpected []string
	for key := range r.params {
		if !r.used[key] {
			unexpected = append(unexpected, key)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return fmt.Errorf("%w: unexpected keyword arguments: %s", ErrInvalidParams, strings.Join(unexpected, ", "))
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}
