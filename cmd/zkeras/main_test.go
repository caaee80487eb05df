package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/importer"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/program"
)

func TestMain(m *testing.M) {
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// writeModel writes a Sequential Dense(3 -> 2) model directory.
func writeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	doc := `{"class_name": "Sequential", "keras_version": "2.4.0", "config": {
	  "name": "net",
	  "layers": [
	    {"class_name": "Dense",
	     "config": {"name": "dense", "units": 2, "activation": "linear", "batch_input_shape": [null, 3]}}
	  ]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, importer.ConfigFile), []byte(doc), 0o644))

	tensors := []struct {
		name  string
		shape []int
		data  []float32
	}{
		{"dense/0", []int{3, 2}, []float32{0.1, -0.2, 0.3, -0.4, 0.5, -0.6}},
		{"dense/1", []int{2}, []float32{0.05, -0.05}},
	}
	header := map[string]any{}
	var data []byte
	for _, tt := range tensors {
		start := len(data)
		for _, v := range tt.data {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
		}
		header[tt.name] = map[string]any{"dtype": "F32", "shape": tt.shape, "data_offsets": []int{start, len(data)}}
	}
	h, err := json.Marshal(header)
	require.NoError(t, err)
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(h)))
	buf = append(buf, h...)
	buf = append(buf, data...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors"), buf, 0o644))
	return dir
}

func weightStates(p *program.Program) []program.State {
	var states []program.State
	for _, r := range p.Records {
		for _, field := range r.WeightFields() {
			states = append(states, r.Weights[field].State())
		}
	}
	return states
}

func TestConvertQuantizeDequantize(t *testing.T) {
	dir := writeModel(t)
	out := filepath.Join(t.TempDir(), "net.zmf")

	require.NoError(t, run("convert", []string{"-output", out, "-input-names", "features", dir}))
	p, err := program.Load(out)
	require.NoError(t, err)
	require.Len(t, p.Inputs, 1)
	assert.Equal(t, "features", p.Inputs[0].Name)
	assert.Equal(t, []int{3}, p.Inputs[0].Shape)
	assert.Equal(t, []int{2}, p.Outputs[0].Shape)
	r := p.Record("dense")
	require.NotNil(t, r)
	assert.Equal(t, program.OpInnerProduct, r.Op)
	assert.Equal(t, []program.State{program.StateFloat32, program.StateFloat32}, weightStates(p))
	assert.Equal(t, program.SpecVersionBase, p.SpecVersion)

	require.NoError(t, run("quantize", []string{"-nbits", "4", out}))
	quantized := filepath.Join(filepath.Dir(out), "net_4bit.zmf")
	q, err := program.Load(quantized)
	require.NoError(t, err)
	assert.Equal(t, program.SpecVersionQuantized, q.SpecVersion)
	assert.Equal(t, []program.State{program.StateQuantized, program.StateQuantized}, weightStates(q))

	require.NoError(t, run("dequantize", []string{quantized}))
	restored, err := program.Load(filepath.Join(filepath.Dir(out), "net_4bit_float.zmf"))
	require.NoError(t, err)
	assert.Equal(t, []program.State{program.StateFloat32, program.StateFloat32}, weightStates(restored))
	w := restored.Record("dense").Weights["weights"].Floats
	orig := r.Weights["weights"].Floats
	require.Len(t, w, len(orig))
	for i := range orig {
		// Per channel 4-bit steps over a range of at most 0.8.
		assert.InDelta(t, orig[i], w[i], 0.8/15/2+1e-5)
	}
}

func TestConvertWithProfile(t *testing.T) {
	dir := writeModel(t)
	tmp := t.TempDir()
	profile := filepath.Join(tmp, "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(`
output_names: [scores]
input_shapes:
  input1: [null, 3]
quantization:
  nbits: 16
`), 0o644))
	out := filepath.Join(tmp, "half.zmf")

	require.NoError(t, run("convert", []string{"-config", profile, "-output", out, dir}))
	p, err := program.Load(out)
	require.NoError(t, err)
	assert.Equal(t, "scores", p.Outputs[0].Name)
	assert.Equal(t, program.SpecVersionHalf, p.SpecVersion)
	assert.Equal(t, []program.State{program.StateFloat16, program.StateFloat16}, weightStates(p))

	// Flags win over the profile.
	require.NoError(t, run("convert", []string{"-config", profile, "-output-names", "probs", "-nbits", "8", "-output", out, dir}))
	p, err = program.Load(out)
	require.NoError(t, err)
	assert.Equal(t, "probs", p.Outputs[0].Name)
	assert.Equal(t, program.SpecVersionQuantized, p.SpecVersion)
}

func TestInspectCommand(t *testing.T) {
	dir := writeModel(t)
	out := filepath.Join(t.TempDir(), "net.zmf")
	require.NoError(t, run("convert", []string{"-output", out, dir}))

	assert.NoError(t, run("inspect", []string{dir}))
	assert.NoError(t, run("inspect", []string{out}))
	assert.NoError(t, run("inspect", []string{"-type", "zmf", out}))
	assert.ErrorContains(t, run("inspect", []string{"-type", "onnx", out}), "unsupported model type 'onnx'")
	assert.ErrorContains(t, run("inspect", []string{filepath.Join(dir, "model.safetensors")}), "could not infer model type")
}

func TestRunErrors(t *testing.T) {
	dir := writeModel(t)
	tmp := t.TempDir()

	assert.ErrorContains(t, run("import", nil), `unknown command "import"`)
	assert.ErrorContains(t, run("convert", nil), "model directory is required")
	assert.ErrorContains(t, run("quantize", nil), "input file is required")
	assert.ErrorContains(t, run("dequantize", nil), "input file is required")
	assert.ErrorContains(t, run("inspect", nil), "input path is required")
	assert.ErrorContains(t, run("download", nil), "-model flag is required")
	assert.Error(t, run("convert", []string{"-input-shape", "bad", dir}))

	err := run("convert", []string{"-output", filepath.Join(tmp, "x.zmf"), "-nbits", "4", "-mode", "linear_symmetric", dir})
	assert.True(t, errors.Is(err, converr.ErrQuantizationConfig), "got %v", err)

	out := filepath.Join(tmp, "net.zmf")
	require.NoError(t, run("convert", []string{"-output", out, dir}))
	err = run("quantize", []string{"-nbits", "8", "-skip", "pooling", out})
	assert.True(t, errors.Is(err, converr.ErrQuantizationConfig), "got %v", err)

	assert.NoError(t, run("version", nil))
	assert.NoError(t, run("convert", []string{"-h"}))
}

func TestShapeFlags(t *testing.T) {
	s := shapeFlags{}
	require.NoError(t, s.Set("b=None,4"))
	require.NoError(t, s.Set("a=1,2"))
	assert.Error(t, s.Set("c"))
	assert.Equal(t, keras.Shape{keras.Unbound, 4}, s["b"])
	assert.Equal(t, "a=(1, 2) b=(None, 4)", s.String())
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList("a, b"))
}
