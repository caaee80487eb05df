// Package program holds the converted network: an ordered list of operator
// records wired by blob names, plus the model interface.
package program

import "fmt"

// Op is the discriminator of a Record.
type Op string

const (
	OpInnerProduct       Op = "innerProduct"
	OpEmbedding          Op = "embedding"
	OpConvolution        Op = "convolution"
	OpActivation         Op = "activation"
	OpSoftmax            Op = "softmax"
	OpPooling            Op = "pooling"
	OpPadding            Op = "padding"
	OpCrop               Op = "crop"
	OpUpsample           Op = "upsample"
	OpBatchnorm          Op = "batchnorm"
	OpScale              Op = "scale"
	OpBias               Op = "bias"
	OpLoadConstant       Op = "loadConstant"
	OpFlatten            Op = "flatten"
	OpReshape            Op = "reshape"
	OpPermute            Op = "permute"
	OpSequenceRepeat     Op = "sequenceRepeat"
	OpAdd                Op = "add"
	OpMultiply           Op = "multiply"
	OpAverage            Op = "average"
	OpMax                Op = "max"
	OpConcat             Op = "concat"
	OpDot                Op = "dot"
	OpUnary              Op = "unary"
	OpSplit              Op = "split"
	OpSimpleRecurrent    Op = "simpleRecurrent"
	OpGRU                Op = "gru"
	OpUniDirectionalLSTM Op = "uniDirectionalLSTM"
	OpBiDirectionalLSTM  Op = "biDirectionalLSTM"
	OpCustom             Op = "custom"
)

// Spec versions a program can require.
const (
	SpecVersionBase      = 1
	SpecVersionHalf      = 2
	SpecVersionQuantized = 3
	SpecVersionUpdatable = 4
)

// Feature is one named input or output of the program.
type Feature struct {
	Name  string
	Shape []int
	// Optional features are recurrent state blobs a caller may omit.
	Optional bool
}

// ImagePreprocessing describes how an image input is scaled and biased
// before it reaches the network.
type ImagePreprocessing struct {
	Input     string
	IsBGR     bool
	RedBias   float32
	GreenBias float32
	BlueBias  float32
	GrayBias  float32
	Scale     float32
}

// Classifier turns the program's first output into class probabilities and
// a predicted label.
type Classifier struct {
	Labels               []string
	PredictedFeatureName string
	ProbabilitiesOutput  string
}

// Training records the updatable-model information carried over from the
// source model.
type Training struct {
	Loss      string
	Optimizer string
	Params    map[string]float32
	Epochs    int
}

// Program is a converted network.
type Program struct {
	SpecVersion   int
	Inputs        []Feature
	Outputs       []Feature
	Records       []*Record
	Classifier    *Classifier
	Preprocessing []ImagePreprocessing
	Training      *Training
}

// New returns an empty program at the base spec version.
func New() *Program {
	return &Program{SpecVersion: SpecVersionBase}
}

// RequireSpecVersion raises the spec version to at least v.
func (p *Program) RequireSpecVersion(v int) {
	if v > p.SpecVersion {
		p.SpecVersion = v
	}
}

// Record returns the record with the given name or nil.
func (p *Program) Record(name string) *Record {
	for _, r := range p.Records {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Producers returns the records writing blob.
func (p *Program) Producers(blob string) []*Record {
	var out []*Record
	for _, r := range p.Records {
		for _, o := range r.Outputs {
			if o == blob {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// Consumers returns the records reading blob.
func (p *Program) Consumers(blob string) []*Record {
	var out []*Record
	for _, r := range p.Records {
		for _, in := range r.Inputs {
			if in == blob {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// Remove deletes the named record.
func (p *Program) Remove(name string) {
	for i, r := range p.Records {
		if r.Name == name {
			p.Records = append(p.Records[:i], p.Records[i+1:]...)
			return
		}
	}
}

// RenameBlob replaces every use of a blob name in record inputs and
// outputs.
func (p *Program) RenameBlob(old, name string) {
	for _, r := range p.Records {
		for i, b := range r.Inputs {
			if b == old {
				r.Inputs[i] = name
			}
		}
		for i, b := range r.Outputs {
			if b == old {
				r.Outputs[i] = name
			}
		}
	}
}

// IsInterface reports whether blob is a program input or output.
func (p *Program) IsInterface(blob string) bool {
	for _, f := range p.Inputs {
		if f.Name == blob {
			return true
		}
	}
	for _, f := range p.Outputs {
		if f.Name == blob {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the program. Attribute values are shared;
// setters replace them rather than mutate them.
func (p *Program) Clone() *Program {
	c := &Program{
		SpecVersion:   p.SpecVersion,
		Inputs:        cloneFeatures(p.Inputs),
		Outputs:       cloneFeatures(p.Outputs),
		Records:       make([]*Record, len(p.Records)),
		Preprocessing: append([]ImagePreprocessing(nil), p.Preprocessing...),
	}
	for i, r := range p.Records {
		c.Records[i] = r.Clone()
	}
	if p.Classifier != nil {
		cl := *p.Classifier
		cl.Labels = append([]string(nil), p.Classifier.Labels...)
		c.Classifier = &cl
	}
	if p.Training != nil {
		t := *p.Training
		if p.Training.Params != nil {
			t.Params = make(map[string]float32, len(p.Training.Params))
			for k, v := range p.Training.Params {
				t.Params[k] = v
			}
		}
		c.Training = &t
	}
	return c
}

func cloneFeatures(fs []Feature) []Feature {
	if fs == nil {
		return nil
	}
	out := make([]Feature, len(fs))
	for i, f := range fs {
		f.Shape = append([]int(nil), f.Shape...)
		out[i] = f
	}
	return out
}

// Record is one emitted operator.
type Record struct {
	Name    string
	Op      Op
	Inputs  []string
	Outputs []string
	Attrs   Attrs
	Weights map[string]*WeightBuffer
	// fields keeps weight field insertion order for stable encoding.
	fields []string
}

// NewRecord creates a record with empty attributes.
func NewRecord(name string, op Op, inputs, outputs []string) *Record {
	return &Record{
		Name:    name,
		Op:      op,
		Inputs:  inputs,
		Outputs: outputs,
		Attrs:   Attrs{},
		Weights: map[string]*WeightBuffer{},
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := &Record{
		Name:    r.Name,
		Op:      r.Op,
		Inputs:  append([]string(nil), r.Inputs...),
		Outputs: append([]string(nil), r.Outputs...),
		Attrs:   make(Attrs, len(r.Attrs)),
		Weights: make(map[string]*WeightBuffer, len(r.Weights)),
		fields:  append([]string(nil), r.fields...),
	}
	for k, v := range r.Attrs {
		c.Attrs[k] = v
	}
	for k, w := range r.Weights {
		c.Weights[k] = w.Clone()
	}
	return c
}

// SetWeights stores a weight buffer under field.
func (r *Record) SetWeights(field string, w *WeightBuffer) {
	if r.Weights == nil {
		r.Weights = map[string]*WeightBuffer{}
	}
	if _, ok := r.Weights[field]; !ok {
		r.fields = append(r.fields, field)
	}
	r.Weights[field] = w
}

// DeleteWeights drops a weight field.
func (r *Record) DeleteWeights(field string) {
	delete(r.Weights, field)
	for i, f := range r.fields {
		if f == field {
			r.fields = append(r.fields[:i], r.fields[i+1:]...)
			return
		}
	}
}

// WeightFields returns the record's weight fields in insertion order.
func (r *Record) WeightFields() []string {
	out := make([]string, 0, len(r.fields))
	for _, f := range r.fields {
		if _, ok := r.Weights[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

func (r *Record) String() string {
	return fmt.Sprintf("%s(%s) %v -> %v", r.Op, r.Name, r.Inputs, r.Outputs)
}
