package program

import (
	"fmt"
	"strings"
)

// Builder appends records to a program in emission order.
type Builder struct {
	p *Program
}

// NewBuilder starts a program with the given interface.
func NewBuilder(inputs, outputs []Feature) *Builder {
	p := New()
	p.Inputs = inputs
	p.Outputs = outputs
	return &Builder{p: p}
}

// Program returns the program built so far.
func (b *Builder) Program() *Program { return b.p }

func (b *Builder) add(name string, op Op, inputs, outputs []string) *Record {
	r := NewRecord(name, op, append([]string(nil), inputs...), append([]string(nil), outputs...))
	b.p.Records = append(b.p.Records, r)
	return r
}

// AddInnerProduct appends a fully connected layer. w is (outCh, inCh).
func (b *Builder) AddInnerProduct(name string, w, bias []float32, inCh, outCh int, in, out string) *Record {
	r := b.add(name, OpInnerProduct, []string{in}, []string{out})
	r.Attrs.SetInt("inputChannels", inCh)
	r.Attrs.SetInt("outputChannels", outCh)
	r.Attrs.SetBool("hasBias", bias != nil)
	r.SetWeights("weights", NewWeights([]int{outCh, inCh}, w))
	if bias != nil {
		r.SetWeights("bias", NewWeights(nil, bias))
	}
	return r
}

// AddEmbedding appends a lookup table layer. w is (outCh, inputDim).
func (b *Builder) AddEmbedding(name string, w, bias []float32, inputDim, outCh int, in, out string) *Record {
	r := b.add(name, OpEmbedding, []string{in}, []string{out})
	r.Attrs.SetInt("inputDim", inputDim)
	r.Attrs.SetInt("outputChannels", outCh)
	r.Attrs.SetBool("hasBias", bias != nil)
	r.SetWeights("weights", NewWeights([]int{outCh, inputDim}, w))
	if bias != nil {
		r.SetWeights("bias", NewWeights(nil, bias))
	}
	return r
}

// ConvParams describes a convolution. W is laid out (Height, Width,
// KernelChannels, OutputChannels) for a convolution and (Height, Width,
// KernelChannels, OutputChannels/Groups) for a deconvolution.
type ConvParams struct {
	KernelChannels int
	OutputChannels int
	Height         int
	Width          int
	Groups         int
	Stride         []int
	Dilation       []int
	Padding        string
	Deconv         bool
	OutputShape    []int
	W              []float32
	Bias           []float32
}

// AddConvolution appends a convolution. Weights are stored (oc, kc, h, w)
// for convolution and (kc, oc/groups, h, w) for deconvolution.
func (b *Builder) AddConvolution(name string, c ConvParams, in, out string) (*Record, error) {
	padding := strings.ToLower(c.Padding)
	if padding != "valid" && padding != "same" {
		return nil, fmt.Errorf("border mode %s not supported", c.Padding)
	}
	if c.Groups == 0 {
		c.Groups = 1
	}
	if c.Stride == nil {
		c.Stride = []int{1, 1}
	}
	if c.Dilation == nil {
		c.Dilation = []int{1, 1}
	}

	ocPerGroup := c.OutputChannels / c.Groups
	kshape := []int{c.Height, c.Width, c.KernelChannels, c.OutputChannels}
	if c.Deconv {
		kshape = []int{c.Height, c.Width, c.KernelChannels, ocPerGroup}
	}
	perm := []int{3, 2, 0, 1}
	if c.Deconv {
		perm = []int{2, 3, 0, 1}
	}
	w, err := Transpose(c.W, kshape, perm)
	if err != nil {
		return nil, fmt.Errorf("convolution '%s': %w", name, err)
	}
	wshape := []int{c.OutputChannels, c.KernelChannels, c.Height, c.Width}
	if c.Deconv {
		wshape = []int{c.KernelChannels, ocPerGroup, c.Height, c.Width}
	}

	r := b.add(name, OpConvolution, []string{in}, []string{out})
	r.Attrs.SetInt("outputChannels", c.OutputChannels)
	r.Attrs.SetInt("kernelChannels", c.KernelChannels)
	r.Attrs.SetInts("kernelSize", c.Height, c.Width)
	r.Attrs.SetInts("stride", c.Stride...)
	r.Attrs.SetInts("dilationFactor", c.Dilation...)
	r.Attrs.SetInt("nGroups", c.Groups)
	r.Attrs.SetString("padding", padding)
	r.Attrs.SetBool("isDeconvolution", c.Deconv)
	r.Attrs.SetBool("hasBias", c.Bias != nil)
	if c.Deconv && c.OutputShape != nil {
		r.Attrs.SetInts("outputShape", c.OutputShape...)
	}
	r.SetWeights("weights", NewWeights(wshape, w))
	if c.Bias != nil {
		r.SetWeights("bias", NewWeights(nil, c.Bias))
	}
	return r, nil
}

// AddActivation appends a non-linearity. For PRELU params are the per
// channel slopes; for the others they are alpha and beta.
func (b *Builder) AddActivation(name, kind, in, out string, params ...float32) *Record {
	r := b.add(name, OpActivation, []string{in}, []string{out})
	r.Attrs.SetString("type", kind)
	switch kind {
	case "PRELU":
		r.SetWeights("alpha", NewWeights(nil, append([]float32(nil), params...)))
	case "SIGMOID_HARD":
		alpha, beta := float32(0.2), float32(0.5)
		if len(params) > 1 {
			alpha, beta = params[0], params[1]
		}
		r.Attrs.SetFloat("alpha", alpha)
		r.Attrs.SetFloat("beta", beta)
	default:
		if len(params) > 0 {
			r.Attrs.SetFloat("alpha", params[0])
		}
		if len(params) > 1 {
			r.Attrs.SetFloat("beta", params[1])
		}
	}
	return r
}

func (b *Builder) AddSoftmax(name, in, out string) *Record {
	return b.add(name, OpSoftmax, []string{in}, []string{out})
}

// PoolingParams describes a pooling layer.
type PoolingParams struct {
	Type           string
	Height, Width  int
	StrideH        int
	StrideW        int
	Padding        string
	ExcludePadArea bool
	Global         bool
}

func (b *Builder) AddPooling(name string, p PoolingParams, in, out string) (*Record, error) {
	padding := strings.ToUpper(p.Padding)
	if padding != "VALID" && padding != "SAME" {
		return nil, fmt.Errorf("border mode %s not supported", p.Padding)
	}
	r := b.add(name, OpPooling, []string{in}, []string{out})
	r.Attrs.SetString("type", p.Type)
	r.Attrs.SetInts("kernelSize", p.Height, p.Width)
	r.Attrs.SetInts("stride", p.StrideH, p.StrideW)
	r.Attrs.SetString("padding", padding)
	r.Attrs.SetBool("avgPoolExcludePadding", p.ExcludePadArea)
	r.Attrs.SetBool("globalPooling", p.Global)
	return r, nil
}

func (b *Builder) AddPadding(name string, left, right, top, bottom int, value float32, in, out string) *Record {
	r := b.add(name, OpPadding, []string{in}, []string{out})
	r.Attrs.SetInts("paddingAmounts", top, bottom, left, right)
	r.Attrs.SetFloat("value", value)
	return r
}

func (b *Builder) AddCrop(name string, left, right, top, bottom int, offset []int, inputs []string, out string) *Record {
	r := b.add(name, OpCrop, inputs, []string{out})
	r.Attrs.SetInts("cropAmounts", top, bottom, left, right)
	r.Attrs.SetInts("offset", offset...)
	return r
}

func (b *Builder) AddUpsample(name string, fh, fw int, mode, in, out string) *Record {
	r := b.add(name, OpUpsample, []string{in}, []string{out})
	r.Attrs.SetInts("scalingFactor", fh, fw)
	r.Attrs.SetString("mode", mode)
	return r
}

// AddBatchnorm appends a batch normalization with precomputed statistics.
func (b *Builder) AddBatchnorm(name string, channels int, gamma, beta, mean, variance []float32, eps float32, in, out string) *Record {
	r := b.add(name, OpBatchnorm, []string{in}, []string{out})
	r.Attrs.SetInt("channels", channels)
	r.Attrs.SetFloat("epsilon", eps)
	r.SetWeights("gamma", NewWeights(nil, gamma))
	r.SetWeights("beta", NewWeights(nil, beta))
	r.SetWeights("mean", NewWeights(nil, mean))
	r.SetWeights("variance", NewWeights(nil, variance))
	return r
}

// AddFlatten appends a flatten. Mode 0 flattens channel first, mode 1
// channel last.
func (b *Builder) AddFlatten(name string, mode int, in, out string) *Record {
	r := b.add(name, OpFlatten, []string{in}, []string{out})
	r.Attrs.SetInt("mode", mode)
	return r
}

func (b *Builder) AddReshape(name, in, out string, target []int, mode int) *Record {
	r := b.add(name, OpReshape, []string{in}, []string{out})
	r.Attrs.SetInts("targetShape", target...)
	r.Attrs.SetInt("mode", mode)
	return r
}

func (b *Builder) AddPermute(name string, dims []int, in, out string) *Record {
	r := b.add(name, OpPermute, []string{in}, []string{out})
	r.Attrs.SetInts("axis", dims...)
	return r
}

func (b *Builder) AddSequenceRepeat(name string, nrep int, in, out string) *Record {
	r := b.add(name, OpSequenceRepeat, []string{in}, []string{out})
	r.Attrs.SetInt("nRepetitions", nrep)
	return r
}

// AddElementwise appends a multi-input combination. Mode is one of ADD,
// MULTIPLY, AVE, MAX, CONCAT, SEQUENCE_CONCAT, DOT, COS.
func (b *Builder) AddElementwise(name string, inputs []string, out, mode string, alpha ...float32) (*Record, error) {
	var r *Record
	switch mode {
	case "ADD":
		r = b.add(name, OpAdd, inputs, []string{out})
	case "MULTIPLY":
		r = b.add(name, OpMultiply, inputs, []string{out})
	case "AVE":
		r = b.add(name, OpAverage, inputs, []string{out})
	case "MAX":
		r = b.add(name, OpMax, inputs, []string{out})
	case "CONCAT", "SEQUENCE_CONCAT":
		r = b.add(name, OpConcat, inputs, []string{out})
		r.Attrs.SetBool("sequenceConcat", mode == "SEQUENCE_CONCAT")
	case "DOT", "COS":
		r = b.add(name, OpDot, inputs, []string{out})
		r.Attrs.SetBool("cosineSimilarity", mode == "COS")
	default:
		return nil, fmt.Errorf("unsupported elementwise mode %s", mode)
	}
	if len(alpha) > 0 {
		r.Attrs.SetFloat("alpha", alpha[0])
	}
	return r, nil
}

// AddUnary appends an elementwise unary function. THRESHOLD computes
// max(x, alpha).
func (b *Builder) AddUnary(name, in, out, mode string, alpha float32) *Record {
	r := b.add(name, OpUnary, []string{in}, []string{out})
	r.Attrs.SetString("type", mode)
	r.Attrs.SetFloat("alpha", alpha)
	r.Attrs.SetFloat("epsilon", 1e-6)
	r.Attrs.SetFloat("shift", 0)
	r.Attrs.SetFloat("scale", 1)
	return r
}

func (b *Builder) AddSplit(name, in string, outs []string) *Record {
	r := b.add(name, OpSplit, []string{in}, outs)
	r.Attrs.SetInt("nOutputs", len(outs))
	return r
}

func (b *Builder) AddScale(name string, gamma, beta []float32, shape []int, in, out string) *Record {
	r := b.add(name, OpScale, []string{in}, []string{out})
	r.Attrs.SetInts("shapeScale", shape...)
	r.Attrs.SetBool("hasBias", beta != nil)
	r.SetWeights("scale", NewWeights(nil, gamma))
	if beta != nil {
		r.SetWeights("bias", NewWeights(nil, beta))
	}
	return r
}

func (b *Builder) AddBias(name string, bias []float32, shape []int, in, out string) *Record {
	r := b.add(name, OpBias, []string{in}, []string{out})
	r.Attrs.SetInts("shape", shape...)
	r.SetWeights("bias", NewWeights(nil, bias))
	return r
}

func (b *Builder) AddLoadConstant(name string, data []float32, shape []int, out string) *Record {
	r := b.add(name, OpLoadConstant, nil, []string{out})
	r.Attrs.SetInts("shape", shape...)
	r.SetWeights("data", NewWeights(shape, data))
	return r
}

// RecurrentParams describes a recurrent layer. Gate matrices are listed in
// the program's gate order: W holds the input weights (hidden x input), R
// the recursion weights (hidden x hidden) and B the biases, nil when absent.
type RecurrentParams struct {
	HiddenSize int
	InputSize  int
	W, R, B    [][]float32
	// Activations are, in order: the gate activation, the cell update
	// activation and the output activation. SimpleRNN uses the first only.
	Activations []string
	OutputAll   bool
	Reverse     bool
	ForgetBias  bool
}

func (rp RecurrentParams) setWeights(r *Record, prefix string, gates []string) error {
	if len(rp.W) != len(gates) || len(rp.R) != len(gates) {
		return fmt.Errorf("recurrent layer '%s' needs %d gate matrices", r.Name, len(gates))
	}
	if rp.B != nil && len(rp.B) != len(gates) {
		return fmt.Errorf("recurrent layer '%s' needs %d gate biases", r.Name, len(gates))
	}
	for i, g := range gates {
		r.SetWeights(prefix+"W"+g, NewWeights([]int{rp.HiddenSize, rp.InputSize}, rp.W[i]))
	}
	for i, g := range gates {
		r.SetWeights(prefix+"R"+g, NewWeights([]int{rp.HiddenSize, rp.HiddenSize}, rp.R[i]))
	}
	if rp.B != nil {
		for i, g := range gates {
			r.SetWeights(prefix+"b"+g, NewWeights(nil, rp.B[i]))
		}
	}
	return nil
}

func (b *Builder) addRecurrent(name string, op Op, rp RecurrentParams, inputs, outputs []string) *Record {
	r := b.add(name, op, inputs, outputs)
	r.Attrs.SetInt("inputVectorSize", rp.InputSize)
	r.Attrs.SetInt("outputVectorSize", rp.HiddenSize)
	r.Attrs.SetStrings("activations", rp.Activations...)
	r.Attrs.SetBool("sequenceOutput", rp.OutputAll)
	r.Attrs.SetBool("hasBiasVectors", rp.B != nil)
	if op != OpBiDirectionalLSTM {
		r.Attrs.SetBool("reverseInput", rp.Reverse)
	}
	return r
}

// LSTMGates and GRUGates are the gate suffixes of the recurrent weight
// fields, in program order.
var (
	LSTMGates = []string{"i", "f", "o", "z"}
	GRUGates  = []string{"z", "r", "o"}
)

func (b *Builder) AddSimpleRNN(name string, rp RecurrentParams, inputs, outputs []string) (*Record, error) {
	r := b.addRecurrent(name, OpSimpleRecurrent, rp, inputs, outputs)
	if err := rp.setWeights(r, "", []string{""}); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Builder) AddGRU(name string, rp RecurrentParams, inputs, outputs []string) (*Record, error) {
	r := b.addRecurrent(name, OpGRU, rp, inputs, outputs)
	if err := rp.setWeights(r, "", GRUGates); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Builder) AddUniLSTM(name string, rp RecurrentParams, inputs, outputs []string) (*Record, error) {
	r := b.addRecurrent(name, OpUniDirectionalLSTM, rp, inputs, outputs)
	r.Attrs.SetBool("forgetBias", rp.ForgetBias)
	if err := rp.setWeights(r, "", LSTMGates); err != nil {
		return nil, err
	}
	return r, nil
}

// AddBiLSTM appends a bidirectional LSTM. Backward weights are stored with
// a "back." prefix.
func (b *Builder) AddBiLSTM(name string, fwd, back RecurrentParams, inputs, outputs []string) (*Record, error) {
	if (fwd.B == nil) != (back.B == nil) {
		return nil, fmt.Errorf("bias must be enabled/disabled for both directions")
	}
	r := b.addRecurrent(name, OpBiDirectionalLSTM, fwd, inputs, outputs)
	r.Attrs.SetBool("forgetBias", fwd.ForgetBias)
	if err := fwd.setWeights(r, "", LSTMGates); err != nil {
		return nil, err
	}
	if err := back.setWeights(r, "back.", LSTMGates); err != nil {
		return nil, err
	}
	return r, nil
}

// AddCustom appends an opaque record for a layer the converter does not
// know. className tags the original layer.
func (b *Builder) AddCustom(name, className string, inputs, outputs []string, attrs Attrs, weights map[string]*WeightBuffer) *Record {
	r := b.add(name, OpCustom, inputs, outputs)
	r.Attrs.SetString("className", className)
	for k, v := range attrs {
		r.Attrs[k] = v
	}
	for _, k := range sortedKeys(weights) {
		r.SetWeights(k, weights[k])
	}
	return r
}

// MarkUpdatable flags a record as trainable on device.
func (b *Builder) MarkUpdatable(r *Record) {
	r.Attrs.SetBool("updatable", true)
	b.p.RequireSpecVersion(SpecVersionUpdatable)
}

// AddOptionals appends optional recurrent state features to the program
// interface.
func (b *Builder) AddOptionals(inputs, outputs []Feature) {
	for _, f := range inputs {
		f.Optional = true
		b.p.Inputs = append(b.p.Inputs, f)
	}
	for _, f := range outputs {
		f.Optional = true
		b.p.Outputs = append(b.p.Outputs, f)
	}
}

func (b *Builder) SetClassifier(c *Classifier) { b.p.Classifier = c }

func (b *Builder) SetPreprocessing(pre ImagePreprocessing) {
	b.p.Preprocessing = append(b.p.Preprocessing, pre)
}
