package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zkeras/pkg/keras"
)

func TestVersionGating(t *testing.T) {
	var called string
	entries := []Entry{
		{Kind: keras.KindDense, Convert: func(*Call) error { called = "dense"; return nil }},
		{Kind: keras.KindReLU, Since: "2.2.1", Convert: func(*Call) error { called = "relu"; return nil }},
	}

	tests := []struct {
		version  string
		wantReLU bool
	}{
		{"2.1.6", false},
		{"2.2.0", false},
		{"2.2.1", true},
		{"2.10.0", true},
		{"2.2.4-tf", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			r := New(tt.version, entries...)
			assert.Equal(t, tt.wantReLU, r.Supports(keras.KindReLU))
			assert.True(t, r.Supports(keras.KindDense))
		})
	}

	r := New("", entries...)
	fn, ok := r.Lookup(keras.NewLayer("r", "ReLU", nil))
	require.True(t, ok)
	require.NoError(t, fn(nil))
	assert.Equal(t, "relu", called)
	assert.Equal(t, []string{"Dense", "ReLU"}, r.SupportedKinds())
}

func TestLookupRefinesAndUnwraps(t *testing.T) {
	known := func(l *keras.Layer) bool { return l.Activation() != "swish" }
	r := New("", Entry{Kind: keras.KindActivation, Refine: known, Convert: func(*Call) error { return nil }},
		Entry{Kind: keras.KindDense, Convert: func(*Call) error { return nil }})

	_, ok := r.Lookup(keras.NewActivation("a", "relu"))
	assert.True(t, ok)
	_, ok = r.Lookup(keras.NewActivation("b", "swish"))
	assert.False(t, ok)
	assert.True(t, r.Supports(keras.KindActivation))

	td := keras.NewLayer("td", "TimeDistributed", nil)
	td.Wrapped = keras.NewLayer("inner", "Dense", nil)
	_, ok = r.Lookup(td)
	assert.True(t, ok)

	_, ok = r.Lookup(keras.NewLayer("l", "Lambda", nil))
	assert.False(t, ok)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, compareVersions("2.2", "2.2.0"))
	assert.Equal(t, -1, compareVersions("2.1.9", "2.2.0"))
	assert.Equal(t, 1, compareVersions("3", "2.9.9"))
}
