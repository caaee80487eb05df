package layers

import (
	"slices"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/program"
	"github.com/zerfoo/zkeras/pkg/registry"
)

// Dense weights are (input, units) in Keras and (units, input) in the
// program.
func convertDense(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	w, err := weight(c, l, 0, 2)
	if err != nil {
		return err
	}
	inCh, outCh := w.Shape[0], w.Shape[1]
	wt, err := program.Transpose2D(w.Data, inCh, outCh)
	if err != nil {
		return err
	}
	var bias []float32
	if l.Config.Bool("use_bias", true) {
		b, err := weight(c, l, 1, 1)
		if err != nil {
			return err
		}
		bias = b.Data
	}
	r := c.Builder.AddInnerProduct(c.Name, wt, bias, inCh, outCh, in, out)
	if updatable(c) {
		c.Builder.MarkUpdatable(r)
	}
	return nil
}

func convertEmbedding(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	w, err := weight(c, l, 0, 2)
	if err != nil {
		return err
	}
	inputDim := l.Config.Int("input_dim", w.Shape[0])
	outputDim := l.Config.Int("output_dim", w.Shape[1])
	wt, err := program.Transpose2D(w.Data, w.Shape[0], w.Shape[1])
	if err != nil {
		return err
	}
	c.Builder.AddEmbedding(c.Name, wt, nil, inputDim, outputDim, in, out)
	frozen(c, "Embedding")
	return nil
}

func convertRepeatVector(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	n := c.Layer.Unwrap().Config.Int("n", 0)
	if n <= 0 {
		return converr.Configf(c.Name, "RepeatVector needs a positive 'n'")
	}
	c.Builder.AddSequenceRepeat(c.Name, n, in, out)
	return nil
}

// activationNames maps Keras activation function names to program
// activation types.
var activationNames = map[string]string{
	"softmax":      "SOFTMAX",
	"sigmoid":      "SIGMOID",
	"tanh":         "TANH",
	"relu":         "RELU",
	"relu6":        "RELU6",
	"softplus":     "SOFTPLUS",
	"softsign":     "SOFTSIGN",
	"hard_sigmoid": "SIGMOID_HARD",
	"elu":          "UNIT_ELU",
	"linear":       "LINEAR",
	"selu":         "SELU",
}

// ActivationType returns the program activation type of an activation
// layer, or "CUSTOM" when its function is unknown.
func ActivationType(l *keras.Layer) string {
	switch l.Kind {
	case keras.KindLeakyReLU:
		return "LEAKYRELU"
	case keras.KindPReLU:
		return "PRELU"
	case keras.KindELU:
		return "ELU"
	case keras.KindThresholdedReLU:
		return "THRESHOLDEDRELU"
	case keras.KindSoftmax:
		return "SOFTMAX"
	}
	if t, ok := activationNames[l.Activation()]; ok {
		return t
	}
	return "CUSTOM"
}

func convertActivation(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	b := c.Builder

	switch kind := ActivationType(l); kind {
	case "SOFTMAX":
		b.AddSoftmax(c.Name, in, out)
	case "RELU6":
		clampedReLU(c, in, out, 6)
	case "SELU":
		elu := out + "_elu"
		b.AddActivation(c.Name+"__elu__", "ELU", in, elu, 1.6732)
		if _, err := b.AddElementwise(c.Name, []string{elu}, out, "MULTIPLY", 1.0507); err != nil {
			return err
		}
	case "UNIT_ELU":
		b.AddActivation(c.Name, "ELU", in, out, 1)
	case "LEAKYRELU":
		b.AddActivation(c.Name, kind, in, out, float32(l.Config.Float("alpha", 0.3)))
	case "PRELU":
		axes, _ := l.Config.Ints("shared_axes")
		if !slices.Equal(axes, []int{1, 2, 3}) && !slices.Equal(axes, []int{1, 2}) {
			return converr.Configf(c.Name, "PReLU shared_axes %v not supported, want [1,2,3] or [1,2]", axes)
		}
		alpha, err := weight(c, l, 0, 0)
		if err != nil {
			return err
		}
		b.AddActivation(c.Name, kind, in, out, alpha.Data...)
	case "ELU":
		b.AddActivation(c.Name, kind, in, out, float32(l.Config.Float("alpha", 1)))
	case "THRESHOLDEDRELU":
		b.AddActivation(c.Name, kind, in, out, float32(l.Config.Float("theta", 1)))
	case "CUSTOM":
		return converr.Configf(c.Name, "activation '%s' not supported", l.Activation())
	default:
		b.AddActivation(c.Name, kind, in, out)
	}
	return nil
}

// convertReLU handles the standalone ReLU layer. A max_value is expressed
// as relu, negate, threshold, negate.
func convertReLU(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	if !l.Config.Has("max_value") {
		c.Builder.AddActivation(c.Name, "RELU", in, out)
		return nil
	}
	clampedReLU(c, in, out, float32(l.Config.Float("max_value", 0)))
	return nil
}

func clampedReLU(c *registry.Call, in, out string, limit float32) {
	b := c.Builder
	relu := out + "_relu"
	b.AddActivation(c.Name, "RELU", in, relu)
	neg := relu + "_neg"
	b.AddActivation(c.Name+"__neg__", "LINEAR", relu, neg, -1, 0)
	clip := relu + "_clip"
	b.AddUnary(c.Name+"__clip__", neg, clip, "THRESHOLD", -limit)
	b.AddActivation(c.Name+"_neg2", "LINEAR", clip, out, -1, 0)
}
