package keras

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		class string
		want  Kind
	}{
		{"Dense", KindDense},
		{"Functional", KindModel},
		{"Sequential", KindModel},
		{"Convolution2D", KindConv2D},
		{"MaxPool2D", KindMaxPooling2D},
		{"Lambda", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.class))
		})
	}
	assert.Equal(t, "GlobalAveragePooling1D", KindGlobalAveragePooling1D.String())
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, KindConv1D.Is1D())
	assert.False(t, KindConv2D.Is1D())
	assert.True(t, KindLeakyReLU.IsActivation())
	assert.False(t, KindSoftmax.IsActivation())
	assert.True(t, KindConcatenate.IsMerge())
	assert.True(t, KindBidirectional.IsRecurrent())
	assert.True(t, KindSpatialDropout2D.IsSkip())
}

func TestShapeBound(t *testing.T) {
	s := Shape{Unbound, 224, 224, 3}
	assert.Equal(t, []int{224, 224, 3}, s.Bound())
	assert.Equal(t, "(None, 224, 224, 3)", s.String())
}

func TestParseShapes(t *testing.T) {
	single, err := ParseShapes([]any{nil, 10.0})
	require.NoError(t, err)
	assert.Equal(t, []Shape{{Unbound, 10}}, single)

	multi, err := ParseShapes([]any{[]any{nil, 4.0}, []any{nil, 5.0}})
	require.NoError(t, err)
	assert.Equal(t, []Shape{{Unbound, 4}, {Unbound, 5}}, multi)

	_, err = ParseShapes("nope")
	assert.Error(t, err)
}

func TestConfigAccessors(t *testing.T) {
	cfg := Config{
		"units":       8.0,
		"use_bias":    false,
		"padding":     "same",
		"strides":     []any{2.0, 1.0},
		"size":        3.0,
		"momentum":    0.9,
		"constraints": nil,
		"layer":       map[string]any{"class_name": "LSTM"},
	}
	assert.Equal(t, 8, cfg.Int("units", 0))
	assert.False(t, cfg.Bool("use_bias", true))
	assert.Equal(t, "same", cfg.String("padding", "valid"))
	assert.InDelta(t, 0.9, cfg.Float("momentum", 0), 1e-9)

	strides, ok := cfg.Ints("strides")
	require.True(t, ok)
	assert.Equal(t, []int{2, 1}, strides)

	size, ok := cfg.Ints("size")
	require.True(t, ok)
	assert.Equal(t, []int{3}, size)

	assert.False(t, cfg.Has("constraints"))
	inner, ok := cfg.Nested("layer")
	require.True(t, ok)
	assert.Equal(t, "LSTM", inner.String("class_name", ""))
}

func TestModelOutputLayersRecurseIntoNestedModels(t *testing.T) {
	innerOut := NewLayer("inner_dense", "Dense", nil, "inner_input")
	inner := &Model{
		Name:    "encoder",
		Layers:  []*Layer{NewLayer("inner_input", "InputLayer", nil), innerOut},
		Inputs:  []string{"inner_input"},
		Outputs: []string{"inner_dense"},
	}
	nested := NewLayer("encoder", "Functional", nil, "input_1")
	nested.Model = inner
	outer := &Model{
		Layers:  []*Layer{NewLayer("input_1", "InputLayer", nil), nested},
		Inputs:  []string{"input_1"},
		Outputs: []string{"encoder"},
	}

	out := outer.OutputLayers()
	require.Len(t, out, 1)
	assert.Same(t, innerOut, out[0])

	var seen []string
	require.NoError(t, outer.Walk(func(l *Layer) error {
		seen = append(seen, l.Name)
		return nil
	}))
	assert.Equal(t, []string{"input_1", "encoder", "inner_input", "inner_dense"}, seen)
}

func TestLayerHelpers(t *testing.T) {
	dense := NewLayer("d", "Dense", Config{"activation": "relu"}, "x")
	td := NewLayer("td", "TimeDistributed", nil, "x")
	td.Wrapped = dense
	assert.Same(t, dense, td.Unwrap())
	assert.Same(t, dense, dense.Unwrap())
	assert.Equal(t, "relu", td.Unwrap().Activation())
	assert.Equal(t, 1, dense.CallCount())

	_, err := dense.Weight(0)
	assert.Error(t, err)

	p := NewPermute("p", 3, 1, 2, 0)
	dims, ok := p.Config.Ints("dims")
	require.True(t, ok)
	assert.Equal(t, []int{3, 1, 2, 0}, dims)
}
