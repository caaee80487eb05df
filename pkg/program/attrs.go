package program

// Attrs holds a record's typed parameters. Values are int64, float32,
// string, []int64, []float32 or []string; booleans are stored as int64.
type Attrs map[string]any

func (a Attrs) SetInt(key string, v int) { a[key] = int64(v) }

func (a Attrs) SetFloat(key string, v float32) { a[key] = v }

func (a Attrs) SetString(key, v string) { a[key] = v }

func (a Attrs) SetBool(key string, v bool) {
	if v {
		a[key] = int64(1)
		return
	}
	a[key] = int64(0)
}

func (a Attrs) SetInts(key string, v ...int) {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	a[key] = out
}

func (a Attrs) SetFloats(key string, v ...float32) { a[key] = append([]float32(nil), v...) }

func (a Attrs) SetStrings(key string, v ...string) { a[key] = append([]string(nil), v...) }

func (a Attrs) Int(key string) int {
	if v, ok := a[key].(int64); ok {
		return int(v)
	}
	return 0
}

func (a Attrs) Float(key string) float32 {
	if v, ok := a[key].(float32); ok {
		return v
	}
	return 0
}

func (a Attrs) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

func (a Attrs) Bool(key string) bool { return a.Int(key) != 0 }

func (a Attrs) Ints(key string) []int {
	v, ok := a[key].([]int64)
	if !ok {
		return nil
	}
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

func (a Attrs) Floats(key string) []float32 {
	v, _ := a[key].([]float32)
	return v
}

func (a Attrs) Strings(key string) []string {
	v, _ := a[key].([]string)
	return v
}
