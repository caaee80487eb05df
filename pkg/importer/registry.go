package importer

import (
	"fmt"

	"github.com/zerfoo/zkeras/pkg/keras"
)

// Decoder completes a layer whose config carries more than plain
// options: wrapped layers, nested models or declared input shapes.
type Decoder func(l *keras.Layer) error

var decoders = map[string]Decoder{}

func init() {
	Register("InputLayer", decodeInputLayer)
	Register("TimeDistributed", decodeWrapper)
	Register("Bidirectional", decodeWrapper)
	Register("Functional", decodeNestedModel)
	Register("Model", decodeNestedModel)
	Register("Sequential", decodeNestedModel)
}

// Register adds the decoder of a Keras class name.
func Register(class string, d Decoder) {
	decoders[class] = d
}

// decodeLayer builds a layer from one entry of a model's layer list.
func decodeLayer(entry keras.Config) (*keras.Layer, error) {
	class := entry.String("class_name", "")
	if class == "" {
		return nil, fmt.Errorf("layer entry without class_name")
	}
	cfg, ok := entry.Nested("config")
	if !ok {
		cfg = keras.Config{}
	}
	name := entry.String("name", cfg.String("name", ""))
	if name == "" {
		return nil, fmt.Errorf("%s layer without a name", class)
	}

	l := keras.NewLayer(name, class, cfg)
	l.Trainable = cfg.Bool("trainable", true)
	var err error
	if l.Inbound, err = inbound(entry.Raw("inbound_nodes")); err != nil {
		return nil, fmt.Errorf("layer '%s': %w", name, err)
	}
	if v := entry.Raw("input_shape"); v != nil {
		if l.InputShapes, err = keras.ParseShapes(v); err != nil {
			return nil, fmt.Errorf("layer '%s' input_shape: %w", name, err)
		}
	}
	if v := entry.Raw("output_shape"); v != nil {
		if l.OutputShapes, err = keras.ParseShapes(v); err != nil {
			return nil, fmt.Errorf("layer '%s' output_shape: %w", name, err)
		}
	}
	if d := decoders[class]; d != nil {
		if err := d(l); err != nil {
			return nil, fmt.Errorf("layer '%s': %w", name, err)
		}
	}
	return l, nil
}

// decodeInputLayer takes the layer's shapes from batch_input_shape (Keras
// 2) or batch_shape (Keras 3) unless they were given explicitly.
func decodeInputLayer(l *keras.Layer) error {
	v := l.Config.Raw("batch_input_shape")
	if v == nil {
		v = l.Config.Raw("batch_shape")
	}
	if v == nil {
		return nil
	}
	s, err := keras.ParseShape(v)
	if err != nil {
		return fmt.Errorf("batch_input_shape: %w", err)
	}
	if l.OutputShapes == nil {
		l.OutputShapes = []keras.Shape{s}
	}
	if l.InputShapes == nil {
		l.InputShapes = []keras.Shape{s}
	}
	return nil
}

// decodeWrapper decodes the layer wrapped by TimeDistributed or
// Bidirectional. The wrapped layer has no inbound nodes of its own.
func decodeWrapper(l *keras.Layer) error {
	inner, ok := l.Config.Nested("layer")
	if !ok {
		return fmt.Errorf("%s without a wrapped layer", l.Class)
	}
	w, err := decodeLayer(inner)
	if err != nil {
		return err
	}
	w.InputShapes = l.InputShapes
	w.OutputShapes = l.OutputShapes
	l.Wrapped = w
	return nil
}

// decodeNestedModel decodes a model used as a layer.
func decodeNestedModel(l *keras.Layer) error {
	m, err := decodeModel(l.Class, map[string]any(l.Config))
	if err != nil {
		return err
	}
	l.Model = m
	if l.OutputShapes == nil {
		for _, out := range m.OutputLayers() {
			if s := out.OutputShape(); s != nil {
				l.OutputShapes = append(l.OutputShapes, s)
			}
		}
	}
	return nil
}
