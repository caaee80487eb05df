package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/quantization"
)

const profileYAML = `
input_names: [image]
output_names: [probs]
input_shapes:
  image: [null, 224, 224, 3]
image_input_names: [image]
is_bgr: true
red_bias: -123.68
image_scale: 0.017
class_labels_path: labels.txt
add_custom_layers: true
source_version: "2.2.4"
quantization:
  nbits: 8
  mode: linear_symmetric
  skip_kinds: [bias]
  min_conv_weight_count: 1024
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profileYAML), 0o644))

	p, err := Load(path)
	require.NoError(t, err)

	opts := p.ConverterOptions()
	assert.Equal(t, []string{"image"}, opts.InputNames)
	assert.Equal(t, []string{"probs"}, opts.OutputNames)
	assert.Equal(t, keras.Shape{keras.Unbound, 224, 224, 3}, opts.InputShapes["image"])
	assert.True(t, opts.IsBGR)
	assert.InDelta(t, -123.68, opts.RedBias, 1e-4)
	assert.InDelta(t, 0.017, opts.ImageScale, 1e-6)
	assert.Equal(t, "labels.txt", opts.ClassLabelsPath)
	assert.True(t, opts.AddCustomLayers)
	assert.Equal(t, "2.2.4", opts.SourceVersion)

	nbits, mode, qopts, err := p.Quantization.Options()
	require.NoError(t, err)
	assert.Equal(t, 8, nbits)
	assert.Equal(t, quantization.ModeLinearSymmetric, mode)
	require.Len(t, qopts, 1)
}

func TestQuantizationDefaults(t *testing.T) {
	q := &Quantization{NBits: 4}
	nbits, mode, opts, err := q.Options()
	require.NoError(t, err)
	assert.Equal(t, 4, nbits)
	assert.Equal(t, quantization.ModeLinear, mode)
	assert.Nil(t, opts)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "input_nmes: [x]\n", "field input_nmes not found"},
		{"bad nbits", "quantization:\n  nbits: 12\n", "1 to 8-bit"},
		{"symmetric bits", "quantization:\n  nbits: 4\n  mode: linear_symmetric\n", "symmetric"},
		{"skip kind", "quantization:\n  nbits: 8\n  skip_kinds: [pooling]\n", "(pooling)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Parse(strings.NewReader("quantization:\n  nbits: 3\n  mode: cubic\n"))
	assert.True(t, errors.Is(err, converr.ErrQuantizationConfig))
}

func TestParseEmpty(t *testing.T) {
	p, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Nil(t, p.Quantization)
	assert.Nil(t, p.ConverterOptions().InputShapes)
}

func TestMarshalRoundTrip(t *testing.T) {
	p, err := Parse(strings.NewReader(profileYAML))
	require.NoError(t, err)
	data, err := p.Marshal()
	require.NoError(t, err)
	back, err := Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, p.ConverterOptions(), back.ConverterOptions())
}

func TestParseInputShape(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		shape   keras.Shape
		wantErr bool
	}{
		{in: "image=None,224,224,3", name: "image", shape: keras.Shape{keras.Unbound, 224, 224, 3}},
		{in: "seq=-1, 10", name: "seq", shape: keras.Shape{keras.Unbound, 10}},
		{in: "x=4", name: "x", shape: keras.Shape{4}},
		{in: "noshape", wantErr: true},
		{in: "=1,2", wantErr: true},
		{in: "x=1,a", wantErr: true},
		{in: "x=0", wantErr: true},
		{in: "x=-3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, shape, err := ParseInputShape(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.shape, shape)
		})
	}
}
