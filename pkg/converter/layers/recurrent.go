package layers

import (
	"slices"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/program"
	"github.com/zerfoo/zkeras/pkg/registry"
)

var recurrentActivations = map[string]string{
	"sigmoid":      "SIGMOID",
	"hard_sigmoid": "SIGMOID_HARD",
	"tanh":         "TANH",
	"relu":         "RELU",
	"linear":       "LINEAR",
}

func recurrentActivation(c *registry.Call, l *keras.Layer, key, def string) (string, error) {
	name := l.Config.String(key, def)
	a, ok := recurrentActivations[name]
	if !ok {
		return "", converr.Configf(c.Name, "activation %s not supported for recurrent layer", name)
	}
	return a, nil
}

// lstmGateOrder maps program gates (i, f, o, z) to Keras blocks (i, f, c, o).
var lstmGateOrder = []int{0, 1, 3, 2}

// gateWeights splits Keras kernel (input, n*hidden), recurrent kernel
// (hidden, n*hidden) and bias (n*hidden) into per-gate blocks, picked in
// the given order. b is nil when bias is nil.
func gateWeights(kernel, recurrent, bias *keras.Tensor, hidden int, order []int) (w, r, b [][]float32, err error) {
	input := kernel.Shape[0]
	wt, err := program.Transpose2D(kernel.Data, input, kernel.Shape[1])
	if err != nil {
		return nil, nil, nil, err
	}
	rt, err := program.Transpose2D(recurrent.Data, recurrent.Shape[0], recurrent.Shape[1])
	if err != nil {
		return nil, nil, nil, err
	}
	for _, g := range order {
		w = append(w, program.Rows(wt, input, g*hidden, hidden))
		r = append(r, program.Rows(rt, hidden, g*hidden, hidden))
		if bias != nil {
			b = append(b, program.Rows(bias.Data, 1, g*hidden, hidden))
		}
	}
	return w, r, b, nil
}

// recurrentWeights reads kernel, recurrent kernel and optional bias
// starting at weight index from, checking their shapes against the gate
// count.
func recurrentWeights(c *registry.Call, l *keras.Layer, from, gates, hidden int, useBias bool) (kernel, recurrent, bias *keras.Tensor, err error) {
	if kernel, err = weight(c, l, from, 2); err != nil {
		return
	}
	if recurrent, err = weight(c, l, from+1, 2); err != nil {
		return
	}
	if kernel.Shape[1] != gates*hidden || recurrent.Shape[0] != hidden || recurrent.Shape[1] != gates*hidden {
		err = converr.Configf(c.Name, "recurrent weights %v and %v do not match %d units", kernel.Shape, recurrent.Shape, hidden)
		return
	}
	if useBias {
		if bias, err = weight(c, l, from+2, 1); err != nil {
			return
		}
		if len(bias.Data) != gates*hidden {
			err = converr.Configf(c.Name, "recurrent bias of length %d does not match %d units", len(bias.Data), hidden)
		}
	}
	return
}

func convertSimpleRNN(c *registry.Call) error {
	l := c.Layer.Unwrap()
	hidden := l.Config.Int("units", 0)
	kernel, recurrent, bias, err := recurrentWeights(c, l, 0, 1, hidden, l.Config.Bool("use_bias", true))
	if err != nil {
		return err
	}
	act, err := recurrentActivation(c, l, "activation", "tanh")
	if err != nil {
		return err
	}
	w, r, b, err := gateWeights(kernel, recurrent, bias, hidden, []int{0})
	if err != nil {
		return err
	}
	rp := program.RecurrentParams{
		HiddenSize:  hidden,
		InputSize:   kernel.Shape[0],
		W:           w,
		R:           r,
		B:           b,
		Activations: []string{act},
		OutputAll:   l.Config.Bool("return_sequences", false),
		Reverse:     l.Config.Bool("go_backwards", false),
	}
	if _, err := c.Builder.AddSimpleRNN(c.Name, rp, c.Inputs, c.Outputs); err != nil {
		return err
	}
	frozen(c, "RNN")
	return nil
}

// lstmParams builds one LSTM direction from weights starting at from.
func lstmParams(c *registry.Call, cfg *keras.Layer, weights *keras.Layer, from int, useBias bool) (program.RecurrentParams, error) {
	hidden := cfg.Config.Int("units", 0)
	kernel, recurrent, bias, err := recurrentWeights(c, weights, from, 4, hidden, useBias)
	if err != nil {
		return program.RecurrentParams{}, err
	}
	inner, err := recurrentActivation(c, cfg, "recurrent_activation", "hard_sigmoid")
	if err != nil {
		return program.RecurrentParams{}, err
	}
	act, err := recurrentActivation(c, cfg, "activation", "tanh")
	if err != nil {
		return program.RecurrentParams{}, err
	}
	w, r, b, err := gateWeights(kernel, recurrent, bias, hidden, lstmGateOrder)
	if err != nil {
		return program.RecurrentParams{}, err
	}
	return program.RecurrentParams{
		HiddenSize:  hidden,
		InputSize:   kernel.Shape[0],
		W:           w,
		R:           r,
		B:           b,
		Activations: []string{inner, act, act},
		OutputAll:   cfg.Config.Bool("return_sequences", false),
		Reverse:     cfg.Config.Bool("go_backwards", false),
		ForgetBias:  cfg.Config.Bool("unit_forget_bias", true),
	}, nil
}

func convertLSTM(c *registry.Call) error {
	l := c.Layer.Unwrap()
	rp, err := lstmParams(c, l, l, 0, l.Config.Bool("use_bias", true))
	if err != nil {
		return err
	}
	if _, err := c.Builder.AddUniLSTM(c.Name, rp, c.Inputs, c.Outputs); err != nil {
		return err
	}
	frozen(c, "LSTM")
	return nil
}

func convertGRU(c *registry.Call) error {
	l := c.Layer.Unwrap()
	hidden := l.Config.Int("units", 0)
	kernel, recurrent, bias, err := recurrentWeights(c, l, 0, 3, hidden, l.Config.Bool("use_bias", true))
	if err != nil {
		return err
	}
	inner, err := recurrentActivation(c, l, "recurrent_activation", "hard_sigmoid")
	if err != nil {
		return err
	}
	act, err := recurrentActivation(c, l, "activation", "tanh")
	if err != nil {
		return err
	}
	w, r, b, err := gateWeights(kernel, recurrent, bias, hidden, []int{0, 1, 2})
	if err != nil {
		return err
	}
	rp := program.RecurrentParams{
		HiddenSize:  hidden,
		InputSize:   kernel.Shape[0],
		W:           w,
		R:           r,
		B:           b,
		Activations: []string{inner, act},
		OutputAll:   l.Config.Bool("return_sequences", false),
		Reverse:     l.Config.Bool("go_backwards", false),
	}
	if _, err := c.Builder.AddGRU(c.Name, rp, c.Inputs, c.Outputs); err != nil {
		return err
	}
	frozen(c, "GRU")
	return nil
}

var biMergeModes = map[string]string{"concat": "CONCAT", "sum": "ADD", "mul": "MULTIPLY", "ave": "AVE"}

// convertBidirectional emits a bidirectional LSTM. The layer's weights
// hold the forward direction followed by the backward one. Merge modes
// other than concat split the concatenated output and combine the halves.
func convertBidirectional(c *registry.Call) error {
	l := c.Layer
	inner := l.Wrapped
	if inner == nil || inner.Kind != keras.KindLSTM {
		return converr.Configf(c.Name, "Bidirectional layers only supported with LSTM")
	}
	if inner.Config.Bool("go_backwards", false) {
		return converr.Configf(c.Name, "'go_backwards' mode not supported with Bidirectional layers")
	}
	if len(c.Outputs) == 0 {
		return converr.Configf(c.Name, "Bidirectional layer has no output")
	}

	mode := "concat"
	if v, ok := l.Config["merge_mode"]; ok {
		mode, _ = v.(string)
	}
	elementwise, ok := biMergeModes[mode]
	if !ok {
		return converr.Configf(c.Name, "merge_mode '%s' in Bidirectional LSTM not supported", mode)
	}

	fwdBias := inner.Config.Bool("use_bias", true)
	backBias := fwdBias
	if back, ok := l.Config.Nested("backward_layer"); ok {
		if cfg, ok := back.Nested("config"); ok {
			backBias = cfg.Bool("use_bias", fwdBias)
		}
	}
	if fwdBias != backBias {
		return converr.Configf(c.Name, "bias must be enabled/disabled for both directions")
	}

	fwd, err := lstmParams(c, inner, l, 0, fwdBias)
	if err != nil {
		return err
	}
	n := 2
	if fwdBias {
		n = 3
	}
	back, err := lstmParams(c, inner, l, n, backBias)
	if err != nil {
		return err
	}

	out := c.Outputs[0]
	outputs := slices.Clone(c.Outputs)
	if mode != "concat" {
		outputs[0] = out + "_concatenated_bilstm_output"
	}
	if _, err := c.Builder.AddBiLSTM(c.Name, fwd, back, c.Inputs, outputs); err != nil {
		return converr.Configf(c.Name, "%v", err)
	}
	if mode != "concat" {
		halves := []string{out + "_forward", out + "_backward"}
		c.Builder.AddSplit(c.Name+"_split", outputs[0], halves)
		if _, err := c.Builder.AddElementwise(c.Name+"_elementwise", halves, out, elementwise); err != nil {
			return err
		}
	}
	frozen(c, "Bidirectional")
	return nil
}
