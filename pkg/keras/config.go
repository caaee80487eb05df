package keras

import "fmt"

// Config is a layer's decoded JSON configuration. Numbers are float64, lists
// are []any and JSON null is nil, as produced by encoding/json.
type Config map[string]any

// Has reports whether key is present and not null.
func (c Config) Has(key string) bool {
	v, ok := c[key]
	return ok && v != nil
}

func (c Config) String(key, def string) string {
	if s, ok := c[key].(string); ok {
		return s
	}
	return def
}

func (c Config) Bool(key string, def bool) bool {
	if b, ok := c[key].(bool); ok {
		return b
	}
	return def
}

func (c Config) Float(key string, def float64) float64 {
	if f, ok := toFloat(c[key]); ok {
		return f
	}
	return def
}

func (c Config) Int(key string, def int) int {
	if f, ok := toFloat(c[key]); ok {
		return int(f)
	}
	return def
}

// Ints returns key as an int list. A scalar is returned as a one-element list.
func (c Config) Ints(key string) ([]int, bool) {
	v, ok := c[key]
	if !ok || v == nil {
		return nil, false
	}
	return toInts(v)
}

// Nested returns key as a nested configuration object.
func (c Config) Nested(key string) (Config, bool) {
	switch v := c[key].(type) {
	case map[string]any:
		return Config(v), true
	case Config:
		return v, true
	}
	return nil, false
}

// Raw returns the undecoded value stored under key.
func (c Config) Raw(key string) any { return c[key] }

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
	}
	return 0, false
}

func toInts(v any) ([]int, bool) {
	if f, ok := toFloat(v); ok {
		return []int{int(f)}, true
	}
	switch l := v.(type) {
	case []int:
		return l, true
	case []any:
		out := make([]int, len(l))
		for i, e := range l {
			f, ok := toFloat(e)
			if !ok {
				return nil, false
			}
			out[i] = int(f)
		}
		return out, true
	}
	return nil, false
}

// ParseShape converts a decoded JSON shape (a list of ints and nulls) into a
// Shape.
func ParseShape(v any) (Shape, error) {
	l, ok := v.([]any)
	if !ok {
		if ints, ok := v.([]int); ok {
			return Shape(ints), nil
		}
		return nil, fmt.Errorf("shape must be a list, got %T", v)
	}
	s := make(Shape, len(l))
	for i, e := range l {
		if e == nil {
			s[i] = Unbound
			continue
		}
		f, ok := toFloat(e)
		if !ok {
			return nil, fmt.Errorf("shape entry %d must be an int or null, got %T", i, e)
		}
		s[i] = int(f)
	}
	return s, nil
}

// ParseShapes accepts either a single shape or a list of shapes.
func ParseShapes(v any) ([]Shape, error) {
	l, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("shape must be a list, got %T", v)
	}
	if len(l) > 0 {
		if _, nested := l[0].([]any); nested {
			shapes := make([]Shape, len(l))
			for i, e := range l {
				s, err := ParseShape(e)
				if err != nil {
					return nil, err
				}
				shapes[i] = s
			}
			return shapes, nil
		}
	}
	s, err := ParseShape(v)
	if err != nil {
		return nil, err
	}
	return []Shape{s}, nil
}
