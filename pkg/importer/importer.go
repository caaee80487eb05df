// Package importer loads a Keras model saved as a config.json document
// (the output of model.to_json) plus safetensors weight files.
package importer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/zerfoo/zkeras/pkg/keras"
)

// ConfigFile is the name of the architecture document in a model
// directory.
const ConfigFile = "config.json"

// Load reads dir/config.json and every dir/*.safetensors file, in name
// order.
func Load(dir string) (*keras.Model, error) {
	weights, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	sort.Strings(weights)
	return LoadFiles(filepath.Join(dir, ConfigFile), weights...)
}

// LoadFiles reads a config document and the given weight files.
func LoadFiles(configPath string, weightPaths ...string) (*keras.Model, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	m, err := ReadConfig(data)
	if err != nil {
		return nil, err
	}
	for _, path := range weightPaths {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read weights file: %w", err)
		}
		if err := ReadWeights(m, buf); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	if err := CheckWeights(m); err != nil {
		return nil, err
	}
	return m, nil
}

// document is the top level of a config.json file.
type document struct {
	ClassName      string         `json:"class_name"`
	Config         json.RawMessage `json:"config"`
	KerasVersion   string         `json:"keras_version"`
	TrainingConfig map[string]any `json:"training_config"`
}

// ReadConfig parses a config document into a model without weights.
// Layer shapes the document does not declare are inferred from the input
// layers.
func ReadConfig(data []byte) (*keras.Model, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	var cfg any
	if err := json.Unmarshal(doc.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	m, err := decodeModel(doc.ClassName, cfg)
	if err != nil {
		return nil, err
	}
	m.Version = doc.KerasVersion
	if doc.TrainingConfig != nil {
		m.Training = keras.Config(doc.TrainingConfig)
	}
	m.InferShapes()
	return m, nil
}

// decodeModel builds a model from the config of a Sequential or functional
// model. Old Sequential configs are a bare list of layers.
func decodeModel(class string, raw any) (*keras.Model, error) {
	var cfg keras.Config
	switch v := raw.(type) {
	case map[string]any:
		cfg = v
	case []any:
		cfg = keras.Config{"layers": v}
	default:
		return nil, fmt.Errorf("model config must be an object, got %T", raw)
	}
	m := &keras.Model{Name: cfg.String("name", "model"), Class: class}
	entries, _ := cfg.Raw("layers").([]any)
	if len(entries) == 0 {
		return nil, fmt.Errorf("model '%s' has no layers", m.Name)
	}
	for i, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("model '%s': layer %d is not an object", m.Name, i)
		}
		l, err := decodeLayer(keras.Config(entry))
		if err != nil {
			return nil, fmt.Errorf("model '%s': %w", m.Name, err)
		}
		m.Layers = append(m.Layers, l)
	}

	if class == "Sequential" {
		return sequential(m)
	}
	var err error
	if m.Inputs, err = endpoints(cfg.Raw("input_layers")); err != nil {
		return nil, fmt.Errorf("model '%s' input_layers: %w", m.Name, err)
	}
	if m.Outputs, err = endpoints(cfg.Raw("output_layers")); err != nil {
		return nil, fmt.Errorf("model '%s' output_layers: %w", m.Name, err)
	}
	return m, nil
}

// sequential chains the layers of a Sequential model. When the first layer
// declares its batch input shape an InputLayer named <model>_input is put
// in front of it.
func sequential(m *keras.Model) (*keras.Model, error) {
	first := m.Layers[0]
	if first.Kind != keras.KindInputLayer {
		if v := first.Config.Raw("batch_input_shape"); v != nil {
			s, err := keras.ParseShape(v)
			if err != nil {
				return nil, fmt.Errorf("layer '%s' batch_input_shape: %w", first.Name, err)
			}
			in := keras.NewLayer(m.Name+"_input", "InputLayer", keras.Config{"batch_input_shape": v})
			in.InputShapes = []keras.Shape{s}
			in.OutputShapes = []keras.Shape{s}
			m.Layers = append([]*keras.Layer{in}, m.Layers...)
			if first.InputShapes == nil {
				first.InputShapes = []keras.Shape{s}
			}
		}
	}
	for i := 1; i < len(m.Layers); i++ {
		m.Layers[i].Inbound = [][]string{{m.Layers[i-1].Name}}
	}
	m.Inputs = []string{m.Layers[0].Name}
	m.Outputs = []string{m.Layers[len(m.Layers)-1].Name}
	return m, nil
}

// endpoints reads [[name, node, tensor], ...]. A single [name, node,
// tensor] triple is accepted too.
func endpoints(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	if len(list) > 0 {
		if name, ok := list[0].(string); ok {
			return []string{name}, nil
		}
	}
	names := make([]string, 0, len(list))
	for _, e := range list {
		triple, ok := e.([]any)
		if !ok || len(triple) == 0 {
			return nil, fmt.Errorf("malformed endpoint %v", e)
		}
		name, ok := triple[0].(string)
		if !ok {
			return nil, fmt.Errorf("malformed endpoint %v", e)
		}
		names = append(names, name)
	}
	return names, nil
}

// inbound reads the inbound_nodes of a layer entry: one list per call,
// each holding [name, node, tensor, kwargs] items.
func inbound(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	calls, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("inbound_nodes must be a list, got %T", v)
	}
	out := make([][]string, 0, len(calls))
	for _, c := range calls {
		items, ok := c.([]any)
		if !ok {
			return nil, fmt.Errorf("malformed inbound node %v", c)
		}
		names, err := endpoints(items)
		if err != nil {
			return nil, err
		}
		out = append(out, names)
	}
	return out, nil
}
