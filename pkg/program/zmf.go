package program

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/x448/float16"
	"github.com/zerfoo/zmf"
)

const (
	// ProducerName is written to the metadata of every encoded program.
	ProducerName    = "zkeras"
	ProducerVersion = "0.1.0"

	metadataOp   = "Metadata"
	metadataNode = "program"
	weightsAttr  = "weights"
)

// ToZMF encodes the program as a ZMF model. Every record becomes a node
// whose weight fields are stored as graph parameters named
// "<record>/<field>".
func ToZMF(p *Program) (*zmf.Model, error) {
	m := &zmf.Model{
		Graph: &zmf.Graph{
			Nodes:      make([]*zmf.Node, 0, len(p.Records)+1),
			Parameters: make(map[string]*zmf.Tensor),
			Inputs:     convertFeatures(p.Inputs),
			Outputs:    convertFeatures(p.Outputs),
		},
		Metadata: &zmf.Metadata{
			ProducerName:    ProducerName,
			ProducerVersion: ProducerVersion,
			OpsetVersion:    int64(p.SpecVersion),
		},
	}
	m.Graph.Nodes = append(m.Graph.Nodes, metadataToNode(p))

	for _, r := range p.Records {
		node, err := recordToNode(r, m.Graph.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to encode record '%s': %w", r.Name, err)
		}
		m.Graph.Nodes = append(m.Graph.Nodes, node)
	}
	return m, nil
}

// FromZMF decodes a model written by ToZMF.
func FromZMF(m *zmf.Model) (*Program, error) {
	g := m.GetGraph()
	if g == nil {
		return nil, fmt.Errorf("model graph is nil")
	}
	p := New()
	if v := m.GetMetadata().GetOpsetVersion(); v > 0 {
		p.SpecVersion = int(v)
	}
	p.Inputs = featuresFromValueInfos(g.GetInputs())
	p.Outputs = featuresFromValueInfos(g.GetOutputs())

	for _, node := range g.GetNodes() {
		if node.GetOpType() == metadataOp {
			metadataFromNode(p, node)
			continue
		}
		r, err := nodeToRecord(node, g.GetParameters())
		if err != nil {
			return nil, fmt.Errorf("failed to decode node '%s': %w", node.GetName(), err)
		}
		p.Records = append(p.Records, r)
	}
	return p, nil
}

func convertFeatures(features []Feature) []*zmf.ValueInfo {
	infos := make([]*zmf.ValueInfo, len(features))
	for i, f := range features {
		infos[i] = &zmf.ValueInfo{Name: f.Name, Shape: toInt64s(f.Shape)}
	}
	return infos
}

func featuresFromValueInfos(infos []*zmf.ValueInfo) []Feature {
	features := make([]Feature, len(infos))
	for i, info := range infos {
		features[i] = Feature{Name: info.GetName(), Shape: toInts(info.GetShape())}
	}
	return features
}

func metadataToNode(p *Program) *zmf.Node {
	a := Attrs{}
	var optIn, optOut []string
	for _, f := range p.Inputs {
		if f.Optional {
			optIn = append(optIn, f.Name)
		}
	}
	for _, f := range p.Outputs {
		if f.Optional {
			optOut = append(optOut, f.Name)
		}
	}
	if optIn != nil {
		a.SetStrings("optionalInputs", optIn...)
	}
	if optOut != nil {
		a.SetStrings("optionalOutputs", optOut...)
	}
	if c := p.Classifier; c != nil {
		a.SetStrings("classLabels", c.Labels...)
		a.SetString("predictedFeatureName", c.PredictedFeatureName)
		a.SetString("probabilitiesOutput", c.ProbabilitiesOutput)
	}
	images := make([]string, 0, len(p.Preprocessing))
	for _, pre := range p.Preprocessing {
		images = append(images, pre.Input)
		prefix := "image." + pre.Input + "."
		a.SetBool(prefix+"isBGR", pre.IsBGR)
		a.SetFloat(prefix+"redBias", pre.RedBias)
		a.SetFloat(prefix+"greenBias", pre.GreenBias)
		a.SetFloat(prefix+"blueBias", pre.BlueBias)
		a.SetFloat(prefix+"grayBias", pre.GrayBias)
		a.SetFloat(prefix+"scale", pre.Scale)
	}
	if len(images) > 0 {
		a.SetStrings("images", images...)
	}
	if t := p.Training; t != nil {
		a.SetString("training.loss", t.Loss)
		a.SetString("training.optimizer", t.Optimizer)
		a.SetInt("training.epochs", t.Epochs)
		for k, v := range t.Params {
			a.SetFloat("training.param."+k, v)
		}
	}
	return &zmf.Node{Name: metadataNode, OpType: metadataOp, Attributes: encodeAttrs(a)}
}

func metadataFromNode(p *Program, node *zmf.Node) {
	a := decodeAttrs(node.GetAttributes())
	markOptional(p.Inputs, a.Strings("optionalInputs"))
	markOptional(p.Outputs, a.Strings("optionalOutputs"))
	if _, ok := a["classLabels"]; ok {
		p.Classifier = &Classifier{
			Labels:               a.Strings("classLabels"),
			PredictedFeatureName: a.String("predictedFeatureName"),
			ProbabilitiesOutput:  a.String("probabilitiesOutput"),
		}
	}
	for _, in := range a.Strings("images") {
		prefix := "image." + in + "."
		p.Preprocessing = append(p.Preprocessing, ImagePreprocessing{
			Input:     in,
			IsBGR:     a.Bool(prefix + "isBGR"),
			RedBias:   a.Float(prefix + "redBias"),
			GreenBias: a.Float(prefix + "greenBias"),
			BlueBias:  a.Float(prefix + "blueBias"),
			GrayBias:  a.Float(prefix + "grayBias"),
			Scale:     a.Float(prefix + "scale"),
		})
	}
	if _, ok := a["training.loss"]; ok {
		t := &Training{
			Loss:      a.String("training.loss"),
			Optimizer: a.String("training.optimizer"),
			Epochs:    a.Int("training.epochs"),
			Params:    map[string]float32{},
		}
		for k := range a {
			if name, ok := strings.CutPrefix(k, "training.param."); ok {
				t.Params[name] = a.Float(k)
			}
		}
		p.Training = t
	}
}

func markOptional(features []Feature, names []string) {
	for _, n := range names {
		for i := range features {
			if features[i].Name == n {
				features[i].Optional = true
			}
		}
	}
}

func recordToNode(r *Record, params map[string]*zmf.Tensor) (*zmf.Node, error) {
	a := Attrs{}
	for k, v := range r.Attrs {
		a[k] = v
	}
	fields := r.WeightFields()
	for _, field := range fields {
		w := r.Weights[field]
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("weight field '%s': %w", field, err)
		}
		t, err := encodeWeights(w)
		if err != nil {
			return nil, fmt.Errorf("weight field '%s': %w", field, err)
		}
		if q := w.Quant; q != nil {
			a.SetString(field+".quantization", string(q.Kind))
			a.SetInt(field+".nbits", q.NBits)
			if q.Kind == QuantLinear {
				a.SetFloats(field+".scale", q.Scale...)
				a.SetFloats(field+".bias", q.Bias...)
			} else {
				a.SetFloats(field+".lut", q.LUT...)
			}
		}
		params[r.Name+"/"+field] = t
	}
	if len(fields) > 0 {
		a.SetStrings(weightsAttr, fields...)
	}
	return &zmf.Node{
		Name:       r.Name,
		OpType:     string(r.Op),
		Inputs:     append([]string(nil), r.Inputs...),
		Outputs:    append([]string(nil), r.Outputs...),
		Attributes: encodeAttrs(a),
	}, nil
}

func nodeToRecord(node *zmf.Node, params map[string]*zmf.Tensor) (*Record, error) {
	a := decodeAttrs(node.GetAttributes())
	r := NewRecord(node.GetName(), Op(node.GetOpType()), append([]string(nil), node.GetInputs()...), append([]string(nil), node.GetOutputs()...))
	fields := a.Strings(weightsAttr)
	delete(a, weightsAttr)
	for _, field := range fields {
		t, ok := params[node.GetName()+"/"+field]
		if !ok {
			return nil, fmt.Errorf("parameter for weight field '%s' not found", field)
		}
		w, err := decodeWeights(t, a, field)
		if err != nil {
			return nil, fmt.Errorf("weight field '%s': %w", field, err)
		}
		for _, suffix := range []string{".quantization", ".nbits", ".scale", ".bias", ".lut"} {
			delete(a, field+suffix)
		}
		r.SetWeights(field, w)
	}
	r.Attrs = a
	return r, nil
}

func encodeWeights(w *WeightBuffer) (*zmf.Tensor, error) {
	t := &zmf.Tensor{Shape: toInt64s(w.Shape)}
	switch w.State() {
	case StateFloat32:
		t.Dtype = zmf.Tensor_FLOAT32
		t.Data = make([]byte, 4*len(w.Floats))
		for i, f := range w.Floats {
			binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(f))
		}
	case StateFloat16:
		t.Dtype = zmf.Tensor_FLOAT16
		t.Data = make([]byte, 2*len(w.Half))
		for i, h := range w.Half {
			binary.LittleEndian.PutUint16(t.Data[i*2:], h.Bits())
		}
	case StateQuantized:
		t.Data = append([]byte(nil), w.Quant.Raw...)
	default:
		return nil, fmt.Errorf("weight buffer is empty")
	}
	return t, nil
}

func decodeWeights(t *zmf.Tensor, a Attrs, field string) (*WeightBuffer, error) {
	w := &WeightBuffer{Shape: toInts(t.GetShape())}
	data := t.GetData()
	if kind := a.String(field + ".quantization"); kind != "" {
		w.Quant = &Quantization{
			Kind:  QuantizationKind(kind),
			NBits: a.Int(field + ".nbits"),
			Scale: a.Floats(field + ".scale"),
			Bias:  a.Floats(field + ".bias"),
			LUT:   a.Floats(field + ".lut"),
			Raw:   append([]byte(nil), data...),
		}
		return w, w.Validate()
	}
	switch t.GetDtype() {
	case zmf.Tensor_FLOAT32:
		if len(data)%4 != 0 {
			return nil, fmt.Errorf("raw data length %d is not a multiple of 4 for FLOAT32", len(data))
		}
		w.Floats = make([]float32, len(data)/4)
		for i := range w.Floats {
			w.Floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case zmf.Tensor_FLOAT16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("raw data length %d is not a multiple of 2 for FLOAT16", len(data))
		}
		w.Half = make([]float16.Float16, len(data)/2)
		for i := range w.Half {
			w.Half[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:]))
		}
	default:
		return nil, fmt.Errorf("unsupported tensor data type: %s", t.GetDtype())
	}
	return w, w.Validate()
}

func encodeAttrs(a Attrs) map[string]*zmf.Attribute {
	out := make(map[string]*zmf.Attribute, len(a))
	for k, v := range a {
		attr := &zmf.Attribute{}
		switch x := v.(type) {
		case int64:
			attr.Value = &zmf.Attribute_I{I: x}
		case float32:
			attr.Value = &zmf.Attribute_F{F: x}
		case string:
			attr.Value = &zmf.Attribute_S{S: x}
		case []int64:
			attr.Value = &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: x}}
		case []float32:
			attr.Value = &zmf.Attribute_Floats{Floats: &zmf.Floats{Val: x}}
		case []string:
			attr.Value = &zmf.Attribute_Strings{Strings: &zmf.Strings{Val: x}}
		default:
			continue
		}
		out[k] = attr
	}
	return out
}

func decodeAttrs(attrs map[string]*zmf.Attribute) Attrs {
	a := make(Attrs, len(attrs))
	for k, attr := range attrs {
		switch v := attr.GetValue().(type) {
		case *zmf.Attribute_I:
			a[k] = v.I
		case *zmf.Attribute_F:
			a[k] = v.F
		case *zmf.Attribute_S:
			a[k] = v.S
		case *zmf.Attribute_Ints:
			a[k] = append([]int64(nil), v.Ints.GetVal()...)
		case *zmf.Attribute_Floats:
			a[k] = append([]float32(nil), v.Floats.GetVal()...)
		case *zmf.Attribute_Strings:
			a[k] = append([]string(nil), v.Strings.GetVal()...)
		}
	}
	return a
}

func toInt64s(v []int) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

func toInts(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
