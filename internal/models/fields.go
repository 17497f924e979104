package models

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnsupportedValue is returned for values that have no JSON representation.
var ErrUnsupportedValue = errors.New("unsupported setting value")

// Fields maps a setting name to its value.
type Fields map[string]any

// NormalizeValue converts v to its JSON-compatible normal form: nil, bool,
// float64, string, []any or map[string]any.
func NormalizeValue(v any) (any, error) {
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return pv.AsInterface(), nil
}

// Normalize returns a normalized deep copy of f.
func (f Fields) Normalize() (Fields, error) {
	out := make(Fields, len(f))
	for k, v := range f {
		if k == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrUnsupportedValue)
		}
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Clone returns a deep copy of f. Values are expected in normal form.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subset returns a copy of f restricted to keys present in f.
func (f Fields) Subset(keys []string) Fields {
	out := make(Fields, len(keys))
	for _, k := range keys {
		if v, ok := f[k]; ok {
			out[k] = cloneValue(v)
		}
	}
	return out
}

// ValuesEqual reports whether two normalized values are deeply equal.
func ValuesEqual(a, b any) bool {
	return cmp.Equal(a, b)
}

// SameValue compares key in a and b, treating "absent" as a distinct value.
func SameValue(a, b Fields, key string) bool {
	av, aok := a[key]
	bv, bok := b[key]
	if aok != bok {
		return false
	}
	return !aok || ValuesEqual(av, bv)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
