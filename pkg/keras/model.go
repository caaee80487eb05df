// Package keras describes a trained Keras model as the converter consumes it:
// named layers with a kind, inbound connections, declared shapes and weights.
package keras

import (
	"fmt"
	"strings"
)

// Unbound marks an axis whose size is not fixed (None in Keras).
const Unbound = -1

// Shape is a Keras tensor shape, batch axis included.
type Shape []int

// Bound returns the dimensions that are fixed, in order.
func (s Shape) Bound() []int {
	out := make([]int, 0, len(s))
	for _, d := range s {
		if d != Unbound {
			out = append(out, d)
		}
	}
	return out
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		if d == Unbound {
			parts[i] = "None"
		} else {
			parts[i] = fmt.Sprint(d)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Tensor is a dense float32 weight array in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor wraps data with the given shape. It panics if the element count
// does not match.
func NewTensor(shape []int, data []float32) *Tensor {
	if n := numElements(shape); n != len(data) {
		panic(fmt.Sprintf("keras: tensor shape %v holds %d elements, got %d", shape, n, len(data)))
	}
	return &Tensor{Shape: shape, Data: data}
}

func (t *Tensor) Len() int { return len(t.Data) }

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Layer is one Keras layer.
type Layer struct {
	Name   string
	Class  string
	Kind   Kind
	Config Config
	// Inbound holds, for every call of the layer, the names of the layers
	// feeding that call.
	Inbound      [][]string
	InputShapes  []Shape
	OutputShapes []Shape
	Weights      []*Tensor
	// Wrapped is the inner layer of a TimeDistributed or Bidirectional
	// wrapper.
	Wrapped *Layer
	// Model is set when the layer is itself a model.
	Model     *Model
	Trainable bool
}

// NewLayer creates a layer of the given class. Inbound lists the predecessors
// of a single call.
func NewLayer(name, class string, cfg Config, inbound ...string) *Layer {
	if cfg == nil {
		cfg = Config{}
	}
	l := &Layer{Name: name, Class: class, Kind: KindOf(class), Config: cfg}
	if len(inbound) > 0 {
		l.Inbound = [][]string{inbound}
	}
	return l
}

// NewActivation synthesizes a standalone Activation layer.
func NewActivation(name, function string) *Layer {
	return NewLayer(name, "Activation", Config{"activation": function})
}

// NewPermute synthesizes a Permute layer with the given 1-based dims.
func NewPermute(name string, dims ...int) *Layer {
	d := make([]any, len(dims))
	for i, v := range dims {
		d[i] = float64(v)
	}
	return NewLayer(name, "Permute", Config{"dims": d})
}

// Unwrap returns the layer a TimeDistributed wrapper applies, or l itself.
func (l *Layer) Unwrap() *Layer {
	if l.Kind == KindTimeDistributed && l.Wrapped != nil {
		return l.Wrapped
	}
	return l
}

func (l *Layer) InputShape() Shape {
	if len(l.InputShapes) == 0 {
		return nil
	}
	return l.InputShapes[0]
}

func (l *Layer) OutputShape() Shape {
	if len(l.OutputShapes) == 0 {
		return nil
	}
	return l.OutputShapes[0]
}

// Activation returns the name of the layer's activation function, "linear"
// when none is configured.
func (l *Layer) Activation() string {
	return l.Config.String("activation", "linear")
}

// Weight returns the i-th weight tensor.
func (l *Layer) Weight(i int) (*Tensor, error) {
	if i < 0 || i >= len(l.Weights) {
		return nil, fmt.Errorf("layer '%s' has %d weights, weight %d requested", l.Name, len(l.Weights), i)
	}
	return l.Weights[i], nil
}

// CallCount returns the number of calls with at least one inbound layer.
func (l *Layer) CallCount() int {
	n := 0
	for _, call := range l.Inbound {
		if len(call) > 0 {
			n++
		}
	}
	return n
}

// Model is a Keras Sequential or functional model.
type Model struct {
	Name    string
	Class   string
	Version string
	Layers  []*Layer
	// Inputs and Outputs name the declared input and output layers in
	// order.
	Inputs   []string
	Outputs  []string
	Training Config

	byName map[string]*Layer
}

// Layer returns the layer with the given name or nil.
func (m *Model) Layer(name string) *Layer {
	if m.byName == nil || len(m.byName) != len(m.Layers) {
		m.byName = make(map[string]*Layer, len(m.Layers))
		for _, l := range m.Layers {
			m.byName[l.Name] = l
		}
	}
	return m.byName[name]
}

// InputShapes returns the declared shape of every model input.
func (m *Model) InputShapes() []Shape {
	shapes := make([]Shape, 0, len(m.Inputs))
	for _, name := range m.Inputs {
		if l := m.Layer(name); l != nil {
			shapes = append(shapes, l.OutputShape())
		}
	}
	return shapes
}

// OutputLayers returns the declared output layers, replacing nested models
// by their own output layers.
func (m *Model) OutputLayers() []*Layer {
	var out []*Layer
	for _, name := range m.Outputs {
		l := m.Layer(name)
		if l == nil {
			continue
		}
		if l.Model != nil {
			out = append(out, l.Model.OutputLayers()...)
			continue
		}
		out = append(out, l)
	}
	return out
}

// OutputShapes returns the declared shape of every model output.
func (m *Model) OutputShapes() []Shape {
	var shapes []Shape
	for _, name := range m.Outputs {
		if l := m.Layer(name); l != nil {
			shapes = append(shapes, l.OutputShape())
		}
	}
	return shapes
}

// Walk calls fn for every layer, descending into nested models.
func (m *Model) Walk(fn func(*Layer) error) error {
	for _, l := range m.Layers {
		if err := fn(l); err != nil {
			return err
		}
		if l.Model != nil {
			if err := l.Model.Walk(fn); err != nil {
				return err
			}
		}
	}
	return nil
}
