package importer

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/zerfoo/zkeras/pkg/keras"
)

type fixtureTensor struct {
	dtype string
	shape []int
	data  []float64
}

// safetensorsFile encodes tensors in the safetensors layout: a little
// endian header length, the JSON header, then the packed data.
func safetensorsFile(t *testing.T, tensors map[string]fixtureTensor) []byte {
	t.Helper()
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := map[string]any{}
	var data []byte
	for _, name := range names {
		ft := tensors[name]
		start := len(data)
		for _, v := range ft.data {
			switch ft.dtype {
			case "F32":
				data = binary.LittleEndian.AppendUint32(data, math.Float32bits(float32(v)))
			case "F16":
				data = binary.LittleEndian.AppendUint16(data, float16.Fromfloat32(float32(v)).Bits())
			case "F64":
				data = binary.LittleEndian.AppendUint64(data, math.Float64bits(v))
			case "I32":
				data = binary.LittleEndian.AppendUint32(data, uint32(int32(v)))
			}
		}
		header[name] = map[string]any{
			"dtype":        ft.dtype,
			"shape":        ft.shape,
			"data_offsets": []int{start, len(data)},
		}
	}
	h, err := json.Marshal(header)
	require.NoError(t, err)
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(h)))
	out = append(out, h...)
	return append(out, data...)
}

const functionalConfig = `{
  "class_name": "Functional",
  "keras_version": "2.4.0",
  "config": {
    "name": "net",
    "layers": [
      {"class_name": "InputLayer", "name": "input_1",
       "config": {"name": "input_1", "batch_input_shape": [null, 3]}, "inbound_nodes": []},
      {"class_name": "Dense", "name": "dense",
       "config": {"name": "dense", "units": 2, "activation": "relu", "trainable": false},
       "inbound_nodes": [[["input_1", 0, 0, {}]]],
       "output_shape": [null, 2]},
      {"class_name": "TimeDistributed", "name": "td",
       "config": {"name": "td", "layer": {"class_name": "Dense", "config": {"name": "inner", "units": 1}}},
       "inbound_nodes": [[["dense", 0, 0, {}]]]}
    ],
    "input_layers": [["input_1", 0, 0]],
    "output_layers": [["td", 0, 0]]
  },
  "training_config": {"loss": "mean_squared_error"}
}`

func TestReadConfigFunctional(t *testing.T) {
	m, err := ReadConfig([]byte(functionalConfig))
	require.NoError(t, err)
	assert.Equal(t, "net", m.Name)
	assert.Equal(t, "Functional", m.Class)
	assert.Equal(t, "2.4.0", m.Version)
	assert.Equal(t, []string{"input_1"}, m.Inputs)
	assert.Equal(t, []string{"td"}, m.Outputs)
	assert.Equal(t, "mean_squared_error", m.Training.String("loss", ""))
	require.Len(t, m.Layers, 3)

	in := m.Layer("input_1")
	assert.Equal(t, keras.KindInputLayer, in.Kind)
	assert.Equal(t, keras.Shape{keras.Unbound, 3}, in.OutputShape())

	dense := m.Layer("dense")
	assert.Equal(t, [][]string{{"input_1"}}, dense.Inbound)
	assert.Equal(t, keras.Shape{keras.Unbound, 2}, dense.OutputShape())
	assert.False(t, dense.Trainable)
	assert.Equal(t, "relu", dense.Activation())

	td := m.Layer("td")
	require.NotNil(t, td.Wrapped)
	assert.Equal(t, "inner", td.Wrapped.Name)
	assert.Equal(t, keras.KindDense, td.Unwrap().Kind)
	assert.True(t, td.Trainable)
}

func TestReadConfigSequential(t *testing.T) {
	doc := `{"class_name": "Sequential", "keras_version": "2.2.4", "config": {
	  "name": "seq",
	  "layers": [
	    {"class_name": "Dense", "config": {"name": "d1", "units": 4, "batch_input_shape": [null, 8]}},
	    {"class_name": "Dropout", "config": {"name": "drop", "rate": 0.5}},
	    {"class_name": "Dense", "config": {"name": "d2", "units": 1}}
	  ]}}`
	m, err := ReadConfig([]byte(doc))
	require.NoError(t, err)
	require.Len(t, m.Layers, 4)
	assert.Equal(t, "seq_input", m.Layers[0].Name)
	assert.Equal(t, keras.KindInputLayer, m.Layers[0].Kind)
	assert.Equal(t, keras.Shape{keras.Unbound, 8}, m.Layers[0].OutputShape())
	assert.Equal(t, [][]string{{"seq_input"}}, m.Layer("d1").Inbound)
	assert.Equal(t, [][]string{{"drop"}}, m.Layer("d2").Inbound)
	assert.Equal(t, []string{"seq_input"}, m.Inputs)
	assert.Equal(t, []string{"d2"}, m.Outputs)

	// Keras 1 style: the config is the bare layer list.
	legacy := `{"class_name": "Sequential", "config": [
	  {"class_name": "Dense", "config": {"name": "only", "units": 1}}]}`
	m, err = ReadConfig([]byte(legacy))
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, m.Inputs)
	assert.Equal(t, []string{"only"}, m.Outputs)
}

func TestReadConfigInfersSequentialShapes(t *testing.T) {
	// Plain model.to_json output: only the first layer carries a shape.
	doc := `{"class_name": "Sequential", "keras_version": "2.4.0", "config": {
	  "name": "cnn",
	  "layers": [
	    {"class_name": "Conv2D", "config": {"name": "conv", "filters": 8, "kernel_size": [3, 3], "strides": [1, 1],
	     "padding": "valid", "dilation_rate": [1, 1], "batch_input_shape": [null, 28, 28, 1]}},
	    {"class_name": "BatchNormalization", "config": {"name": "bn", "axis": -1}},
	    {"class_name": "MaxPooling2D", "config": {"name": "pool", "pool_size": [2, 2], "strides": null, "padding": "valid"}},
	    {"class_name": "Flatten", "config": {"name": "flat"}},
	    {"class_name": "Dropout", "config": {"name": "drop", "rate": 0.5}},
	    {"class_name": "Dense", "config": {"name": "logits", "units": 10, "activation": "softmax"}}
	  ]}}`
	m, err := ReadConfig([]byte(doc))
	require.NoError(t, err)

	n := keras.Unbound
	assert.Equal(t, keras.Shape{n, 28, 28, 1}, m.Layer("conv").InputShape())
	assert.Equal(t, keras.Shape{n, 26, 26, 8}, m.Layer("conv").OutputShape())
	assert.Equal(t, keras.Shape{n, 26, 26, 8}, m.Layer("bn").InputShape())
	assert.Equal(t, keras.Shape{n, 13, 13, 8}, m.Layer("pool").OutputShape())
	assert.Equal(t, keras.Shape{n, 1352}, m.Layer("flat").OutputShape())
	assert.Equal(t, keras.Shape{n, 1352}, m.Layer("logits").InputShape())
	assert.Equal(t, []keras.Shape{{n, 10}}, m.OutputShapes())
	assert.Equal(t, []keras.Shape{{n, 28, 28, 1}}, m.InputShapes())
}

func TestReadConfigInfersKeras3Shapes(t *testing.T) {
	doc := `{"class_name": "Sequential", "config": {
	  "name": "seq",
	  "layers": [
	    {"class_name": "InputLayer", "config": {"name": "input_layer", "batch_shape": [null, 5, 3]}},
	    {"class_name": "LSTM", "config": {"name": "lstm", "units": 6, "return_sequences": true}},
	    {"class_name": "GlobalAveragePooling1D", "config": {"name": "gap"}},
	    {"class_name": "Dense", "config": {"name": "out", "units": 2}}
	  ]}}`
	m, err := ReadConfig([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, keras.Shape{keras.Unbound, 5, 6}, m.Layer("lstm").OutputShape())
	assert.Equal(t, keras.Shape{keras.Unbound, 5, 6}, m.Layer("gap").InputShape())
	assert.Equal(t, []keras.Shape{{keras.Unbound, 2}}, m.OutputShapes())
}

func TestReadConfigInfersFunctionalShapes(t *testing.T) {
	// The head is listed before the merge that feeds it.
	doc := `{"class_name": "Functional", "keras_version": "2.4.0", "config": {
	  "name": "merge",
	  "layers": [
	    {"class_name": "InputLayer", "name": "a", "config": {"name": "a", "batch_input_shape": [null, 4]}, "inbound_nodes": []},
	    {"class_name": "InputLayer", "name": "b", "config": {"name": "b", "batch_input_shape": [null, 6]}, "inbound_nodes": []},
	    {"class_name": "Dense", "name": "head", "config": {"name": "head", "units": 2},
	     "inbound_nodes": [[["cat", 0, 0, {}]]]},
	    {"class_name": "Concatenate", "name": "cat", "config": {"name": "cat", "axis": -1},
	     "inbound_nodes": [[["a", 0, 0, {}], ["b", 0, 0, {}]]]},
	    {"class_name": "Sequential", "name": "block",
	     "config": {"name": "block", "layers": [
	       {"class_name": "Dense", "config": {"name": "proj", "units": 5}}
	     ]},
	     "inbound_nodes": [[["head", 0, 0, {}]]]}
	  ],
	  "input_layers": [["a", 0, 0], ["b", 0, 0]],
	  "output_layers": [["head", 0, 0], ["block", 0, 0]]}}`
	m, err := ReadConfig([]byte(doc))
	require.NoError(t, err)

	n := keras.Unbound
	cat := m.Layer("cat")
	assert.Equal(t, []keras.Shape{{n, 4}, {n, 6}}, cat.InputShapes)
	assert.Equal(t, keras.Shape{n, 10}, cat.OutputShape())
	assert.Equal(t, keras.Shape{n, 2}, m.Layer("head").OutputShape())
	assert.Equal(t, keras.Shape{n, 2}, m.Layer("block").Model.Layer("proj").InputShape())
	assert.Equal(t, []keras.Shape{{n, 2}, {n, 5}}, m.OutputShapes())
}

func TestReadConfigNestedModel(t *testing.T) {
	doc := `{"class_name": "Functional", "config": {
	  "name": "outer",
	  "layers": [
	    {"class_name": "InputLayer", "name": "x", "config": {"name": "x", "batch_input_shape": [null, 2]}, "inbound_nodes": []},
	    {"class_name": "Sequential", "name": "block",
	     "config": {"name": "block", "layers": [
	       {"class_name": "InputLayer", "config": {"name": "block_in", "batch_input_shape": [null, 2]}},
	       {"class_name": "Dense", "config": {"name": "proj", "units": 2}}
	     ]},
	     "inbound_nodes": [[["x", 0, 0, {}]]]}
	  ],
	  "input_layers": [["x", 0, 0]],
	  "output_layers": [["block", 0, 0]]}}`
	m, err := ReadConfig([]byte(doc))
	require.NoError(t, err)
	block := m.Layer("block")
	require.NotNil(t, block.Model)
	assert.Equal(t, keras.KindModel, block.Kind)
	assert.Equal(t, []string{"block_in"}, block.Model.Inputs)
	assert.Equal(t, []string{"proj"}, block.Model.Outputs)
	assert.Equal(t, [][]string{{"block_in"}}, block.Model.Layer("proj").Inbound)
	assert.Equal(t, "proj", m.OutputLayers()[0].Name)
}

func TestReadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"no layers", `{"class_name": "Functional", "config": {"name": "m", "layers": []}}`},
		{"no class", `{"class_name": "Functional", "config": {"layers": [{"config": {"name": "a"}}]}}`},
		{"bad shape", `{"class_name": "Functional", "config": {"layers": [
		  {"class_name": "InputLayer", "config": {"name": "a", "batch_input_shape": "x"}}]}}`},
		{"wrapper without layer", `{"class_name": "Sequential", "config": {"layers": [
		  {"class_name": "TimeDistributed", "config": {"name": "td"}}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadConfig([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestReadWeights(t *testing.T) {
	m, err := ReadConfig([]byte(functionalConfig))
	require.NoError(t, err)

	buf := safetensorsFile(t, map[string]fixtureTensor{
		"dense/0": {dtype: "F32", shape: []int{3, 2}, data: []float64{1, 2, 3, 4, 5, 6}},
		"dense/1": {dtype: "F16", shape: []int{2}, data: []float64{0.5, -1}},
		"td/0":    {dtype: "F64", shape: []int{2, 1}, data: []float64{7, 8}},
		"stray/0": {dtype: "F32", shape: []int{1}, data: []float64{0}},
	})
	require.NoError(t, ReadWeights(m, buf))

	dense := m.Layer("dense")
	require.Len(t, dense.Weights, 2)
	assert.Equal(t, []int{3, 2}, dense.Weights[0].Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, dense.Weights[0].Data)
	assert.Equal(t, []float32{0.5, -1}, dense.Weights[1].Data)

	td := m.Layer("td")
	assert.Empty(t, td.Weights)
	require.Len(t, td.Wrapped.Weights, 1)
	assert.Equal(t, []float32{7, 8}, td.Wrapped.Weights[0].Data)
}

func TestReadWeightsRejectsIntegerTensors(t *testing.T) {
	m, err := ReadConfig([]byte(functionalConfig))
	require.NoError(t, err)
	buf := safetensorsFile(t, map[string]fixtureTensor{
		"dense/0": {dtype: "I32", shape: []int{2}, data: []float64{1, 2}},
	})
	err = ReadWeights(m, buf)
	assert.ErrorContains(t, err, "tensor 'dense/0'")

	assert.Error(t, ReadWeights(m, []byte{1, 2, 3}))
}

func TestLoadDirectoryWithNestedWeights(t *testing.T) {
	dir := t.TempDir()
	doc := `{"class_name": "Functional", "config": {
	  "name": "outer",
	  "layers": [
	    {"class_name": "InputLayer", "name": "x", "config": {"name": "x", "batch_input_shape": [null, 1]}, "inbound_nodes": []},
	    {"class_name": "Sequential", "name": "block",
	     "config": {"name": "block", "layers": [
	       {"class_name": "Dense", "config": {"name": "proj", "units": 1, "batch_input_shape": [null, 1]}}
	     ]},
	     "inbound_nodes": [[["x", 0, 0, {}]]]}
	  ],
	  "input_layers": [["x", 0, 0]],
	  "output_layers": [["block", 0, 0]]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(doc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.safetensors"), safetensorsFile(t, map[string]fixtureTensor{
		"block/proj/0": {dtype: "F32", shape: []int{1, 1}, data: []float64{3}},
	}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.safetensors"), safetensorsFile(t, map[string]fixtureTensor{
		"block/proj/1": {dtype: "F32", shape: []int{1}, data: []float64{-1}},
	}), 0o644))

	m, err := Load(dir)
	require.NoError(t, err)
	proj := m.Layer("block").Model.Layer("proj")
	require.Len(t, proj.Weights, 2)
	assert.Equal(t, []float32{3}, proj.Weights[0].Data)
	assert.Equal(t, []float32{-1}, proj.Weights[1].Data)
}

func TestLoadFilesReportsMissingWeight(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, ConfigFile)
	require.NoError(t, os.WriteFile(cfg, []byte(functionalConfig), 0o644))
	w := filepath.Join(dir, "w.safetensors")
	require.NoError(t, os.WriteFile(w, safetensorsFile(t, map[string]fixtureTensor{
		"dense/1": {dtype: "F32", shape: []int{2}, data: []float64{1, 1}},
	}), 0o644))

	_, err := LoadFiles(cfg, w)
	assert.ErrorContains(t, err, "layer 'dense' is missing weight 0")
}

func TestLoadMissingConfig(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "failed to read model config")
}
