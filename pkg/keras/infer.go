package keras

// InferShapes fills in the shapes Keras computes when it loads a model:
// every layer without declared shapes gets the output shapes of its first
// call's inbound layers as input shapes and an output shape derived from
// its kind and config. Layers are visited in dependency order starting
// from the model inputs, and nested models are inferred from the shapes
// that feed them. Declared shapes are kept. A layer whose output cannot be
// derived, such as a custom layer, is left without one, and so are the
// layers it feeds.
func (m *Model) InferShapes() {
	done := make(map[string]bool, len(m.Layers))
	for progress := true; progress; {
		progress = false
		for _, l := range m.Layers {
			if done[l.Name] {
				continue
			}
			in, ready := m.callInputs(l, done)
			if !ready {
				continue
			}
			if l.InputShapes == nil && in != nil {
				l.InputShapes = in
			}
			if l.Model != nil {
				if out := inferNested(l.Model, l.InputShapes); l.OutputShapes == nil {
					l.OutputShapes = out
				}
			} else if l.OutputShapes == nil {
				if out := outputShape(l, l.InputShapes); out != nil {
					l.OutputShapes = []Shape{out}
				}
			}
			if w := l.Wrapped; w != nil && w.InputShapes == nil {
				w.InputShapes = l.InputShapes
				w.OutputShapes = l.OutputShapes
			}
			done[l.Name] = true
			progress = true
		}
	}
}

// callInputs returns the output shapes of the layers feeding the first
// call of l. ready is false while one of them has not been visited. A
// source layer, or one fed by a layer without a known shape, has no
// inferred inputs.
func (m *Model) callInputs(l *Layer, done map[string]bool) (in []Shape, ready bool) {
	var call []string
	for _, c := range l.Inbound {
		if len(c) > 0 {
			call = c
			break
		}
	}
	if call == nil {
		return nil, true
	}
	in = make([]Shape, len(call))
	for i, name := range call {
		p := m.Layer(name)
		if p == nil {
			return nil, true
		}
		if !done[name] {
			return nil, false
		}
		if in[i] = p.OutputShape(); in[i] == nil {
			return nil, true
		}
	}
	return in, true
}

// inferNested seeds the inputs of a nested model with the shapes feeding
// it and returns the shapes of its outputs, or nil when one is unknown.
func inferNested(inner *Model, in []Shape) []Shape {
	for i, name := range inner.Inputs {
		l := inner.Layer(name)
		if l == nil || i >= len(in) || in[i] == nil {
			continue
		}
		if l.InputShapes == nil {
			l.InputShapes = []Shape{in[i]}
		}
		if l.Kind == KindInputLayer && l.OutputShapes == nil {
			l.OutputShapes = []Shape{in[i]}
		}
	}
	inner.InferShapes()
	var out []Shape
	for _, l := range inner.OutputLayers() {
		s := l.OutputShape()
		if s == nil {
			return nil
		}
		out = append(out, s)
	}
	return out
}

// outputShape derives the output shape of a single-output layer from its
// input shapes. It returns nil when the kind is unknown or the inputs do
// not fit it.
func outputShape(l *Layer, in []Shape) Shape {
	if len(in) == 0 || in[0] == nil {
		return nil
	}
	s := in[0]
	c := l.Config
	switch l.Kind {
	case KindInputLayer, KindActivation, KindLeakyReLU, KindPReLU, KindELU, KindThresholdedReLU,
		KindSoftmax, KindReLU, KindBatchNormalization, KindDropout, KindSpatialDropout1D, KindSpatialDropout2D:
		return clone(s)
	case KindAdd, KindMultiply, KindAverage, KindMaximum:
		return clone(s)
	case KindDense:
		if len(s) < 2 {
			return nil
		}
		out := clone(s)
		out[len(out)-1] = c.Int("units", 0)
		return out
	case KindEmbedding:
		return append(clone(s), c.Int("output_dim", 0))
	case KindConv1D, KindSeparableConv1D:
		if len(s) != 3 {
			return nil
		}
		k, st, d := dims(c, "kernel_size", 1, 1), dims(c, "strides", 1, 1), dims(c, "dilation_rate", 1, 1)
		return Shape{s[0], convLength(s[1], k[0], st[0], d[0], c.String("padding", "valid")), c.Int("filters", 0)}
	case KindConv2D, KindSeparableConv2D, KindDepthwiseConv2D:
		if len(s) != 4 {
			return nil
		}
		k, st, d := dims(c, "kernel_size", 2, 1), dims(c, "strides", 2, 1), dims(c, "dilation_rate", 2, 1)
		pad := c.String("padding", "valid")
		channels := c.Int("filters", 0)
		if l.Kind == KindDepthwiseConv2D {
			channels = scale(s[3], c.Int("depth_multiplier", 1))
		}
		return Shape{s[0], convLength(s[1], k[0], st[0], d[0], pad), convLength(s[2], k[1], st[1], d[1], pad), channels}
	case KindConv2DTranspose:
		if len(s) != 4 {
			return nil
		}
		k, st := dims(c, "kernel_size", 2, 1), dims(c, "strides", 2, 1)
		op, hasPad := c.Ints("output_padding")
		if hasPad && len(op) == 1 {
			op = []int{op[0], op[0]}
		}
		if !hasPad || len(op) != 2 {
			op = nil
		}
		pad := c.String("padding", "valid")
		h, w := deconvLength(s[1], k[0], st[0], pad, op, 0), deconvLength(s[2], k[1], st[1], pad, op, 1)
		return Shape{s[0], h, w, c.Int("filters", 0)}
	case KindMaxPooling1D, KindAveragePooling1D:
		if len(s) != 3 {
			return nil
		}
		size := dims(c, "pool_size", 1, 2)
		st := dims(c, "strides", 1, size[0])
		return Shape{s[0], convLength(s[1], size[0], st[0], 1, c.String("padding", "valid")), s[2]}
	case KindMaxPooling2D, KindAveragePooling2D:
		if len(s) != 4 {
			return nil
		}
		size := dims(c, "pool_size", 2, 2)
		st := size
		if c.Has("strides") {
			st = dims(c, "strides", 2, 1)
		}
		pad := c.String("padding", "valid")
		return Shape{s[0], convLength(s[1], size[0], st[0], 1, pad), convLength(s[2], size[1], st[1], 1, pad), s[3]}
	case KindGlobalMaxPooling1D, KindGlobalAveragePooling1D:
		if len(s) != 3 {
			return nil
		}
		if c.Bool("keepdims", false) {
			return Shape{s[0], 1, s[2]}
		}
		return Shape{s[0], s[2]}
	case KindGlobalMaxPooling2D, KindGlobalAveragePooling2D:
		if len(s) != 4 {
			return nil
		}
		if c.Bool("keepdims", false) {
			return Shape{s[0], 1, 1, s[3]}
		}
		return Shape{s[0], s[3]}
	case KindZeroPadding1D, KindCropping1D, KindZeroPadding2D, KindCropping2D:
		return padded(l.Kind, c, s)
	case KindUpSampling1D:
		if len(s) != 3 {
			return nil
		}
		return Shape{s[0], scale(s[1], c.Int("size", 2)), s[2]}
	case KindUpSampling2D:
		if len(s) != 4 {
			return nil
		}
		size := dims(c, "size", 2, 2)
		return Shape{s[0], scale(s[1], size[0]), scale(s[2], size[1]), s[3]}
	case KindFlatten:
		return Shape{s[0], product(s[1:])}
	case KindReshape:
		target, ok := c.Ints("target_shape")
		if !ok {
			return nil
		}
		return append(Shape{s[0]}, reshape(s[1:], target)...)
	case KindPermute:
		perm, ok := c.Ints("dims")
		if !ok || len(perm) != len(s)-1 {
			return nil
		}
		out := Shape{s[0]}
		for _, d := range perm {
			if d < 1 || d >= len(s) {
				return nil
			}
			out = append(out, s[d])
		}
		return out
	case KindRepeatVector:
		if len(s) != 2 {
			return nil
		}
		return Shape{s[0], c.Int("n", 1), s[1]}
	case KindConcatenate:
		return concatenated(c.Int("axis", -1), in)
	case KindDot:
		return dotted(c, in)
	case KindSimpleRNN, KindLSTM, KindGRU:
		return recurrent(c, s, 1)
	case KindBidirectional:
		if l.Wrapped == nil {
			return nil
		}
		// A null merge_mode returns the two directions separately.
		factor := 1
		if v, ok := c["merge_mode"]; !ok || v != nil {
			if c.String("merge_mode", "concat") == "concat" {
				factor = 2
			}
		}
		return recurrent(l.Wrapped.Config, s, factor)
	case KindTimeDistributed:
		if l.Wrapped == nil || len(s) < 3 {
			return nil
		}
		step := append(Shape{s[0]}, s[2:]...)
		o := outputShape(l.Wrapped, []Shape{step})
		if o == nil {
			return nil
		}
		return append(Shape{o[0], s[1]}, o[1:]...)
	}
	return nil
}

func clone(s Shape) Shape { return append(Shape(nil), s...) }

// dims reads an int or an n-element list, repeating a single value.
func dims(c Config, key string, n, def int) []int {
	v, ok := c.Ints(key)
	if !ok || len(v) == 0 {
		v = []int{def}
	}
	if len(v) == 1 && n > 1 {
		out := make([]int, n)
		for i := range out {
			out[i] = v[0]
		}
		return out
	}
	return v
}

func scale(n, f int) int {
	if n == Unbound {
		return Unbound
	}
	return n * f
}

func product(s Shape) int {
	n := 1
	for _, d := range s {
		if d == Unbound {
			return Unbound
		}
		n *= d
	}
	return n
}

// convLength is the length of a convolved or pooled axis.
func convLength(n, kernel, stride, dilation int, padding string) int {
	if n == Unbound {
		return Unbound
	}
	if stride < 1 {
		stride = 1
	}
	if padding != "same" && padding != "causal" {
		n -= (kernel - 1) * dilation
	}
	if n < 0 {
		return 0
	}
	return (n + stride - 1) / stride
}

// deconvLength is the length of a transposed convolution axis. outPad is
// the per axis output_padding, nil when unset.
func deconvLength(n, kernel, stride int, padding string, outPad []int, axis int) int {
	if n == Unbound {
		return Unbound
	}
	if outPad == nil {
		if padding == "same" {
			return n * stride
		}
		return n*stride + max(kernel-stride, 0)
	}
	pad := 0
	if padding == "same" {
		pad = kernel / 2
	}
	return (n-1)*stride + kernel - 2*pad + outPad[axis]
}

// padded applies ZeroPadding or Cropping amounts to the spatial axes.
func padded(kind Kind, c Config, s Shape) Shape {
	axes, key, def := 1, "padding", 1
	switch kind {
	case KindZeroPadding2D:
		axes = 2
	case KindCropping1D:
		key = "cropping"
	case KindCropping2D:
		axes, key, def = 2, "cropping", 0
	}
	if len(s) != axes+2 {
		return nil
	}
	amounts, ok := padAmounts(c.Raw(key), axes, def)
	if !ok {
		return nil
	}
	sign := 1
	if kind == KindCropping1D || kind == KindCropping2D {
		sign = -1
	}
	out := clone(s)
	for i, a := range amounts {
		if out[i+1] != Unbound {
			out[i+1] += sign * (a[0] + a[1])
		}
	}
	return out
}

// padAmounts reads the (before, after) amounts of every spatial axis from
// an int, a 1-D (before, after) pair, a per axis list of ints, or a per
// axis list of pairs.
func padAmounts(v any, axes, def int) ([][2]int, bool) {
	out := make([][2]int, axes)
	if v == nil {
		for i := range out {
			out[i] = [2]int{def, def}
		}
		return out, true
	}
	if f, ok := toFloat(v); ok {
		for i := range out {
			out[i] = [2]int{int(f), int(f)}
		}
		return out, true
	}
	if axes == 1 {
		ints, ok := toInts(v)
		if !ok || len(ints) != 2 {
			return nil, false
		}
		out[0] = [2]int{ints[0], ints[1]}
		return out, true
	}
	list, ok := v.([]any)
	if !ok || len(list) != axes {
		return nil, false
	}
	for i, e := range list {
		ints, ok := toInts(e)
		if !ok {
			return nil, false
		}
		switch len(ints) {
		case 1:
			out[i] = [2]int{ints[0], ints[0]}
		case 2:
			out[i] = [2]int{ints[0], ints[1]}
		default:
			return nil, false
		}
	}
	return out, true
}

// reshape resolves a -1 entry of target against the element count of s.
func reshape(s Shape, target []int) Shape {
	out := make(Shape, len(target))
	free := -1
	known := 1
	for i, d := range target {
		if d == -1 {
			free = i
			continue
		}
		out[i] = d
		known *= d
	}
	if free >= 0 {
		n := product(s)
		if n == Unbound || known == 0 {
			out[free] = Unbound
		} else {
			out[free] = n / known
		}
	}
	return out
}

func concatenated(axis int, in []Shape) Shape {
	rank := len(in[0])
	if axis < 0 {
		axis += rank
	}
	if axis < 1 || axis >= rank {
		return nil
	}
	out := clone(in[0])
	for _, s := range in[1:] {
		if len(s) != rank {
			return nil
		}
		if out[axis] == Unbound || s[axis] == Unbound {
			out[axis] = Unbound
		} else {
			out[axis] += s[axis]
		}
	}
	return out
}

// dotted follows batch_dot: the non-batch axes of both inputs except the
// contracted ones, with a trailing 1 when nothing else remains.
func dotted(c Config, in []Shape) Shape {
	if len(in) != 2 || in[1] == nil {
		return nil
	}
	x, y := in[0], in[1]
	axes, ok := c.Ints("axes")
	if !ok || len(axes) == 0 {
		axes = []int{-1}
	}
	if len(axes) == 1 {
		axes = []int{axes[0], axes[0]}
	}
	ax, ay := axes[0], axes[1]
	if ax < 0 {
		ax += len(x)
	}
	if ay < 0 {
		ay += len(y)
	}
	out := Shape{x[0]}
	for i := 1; i < len(x); i++ {
		if i != ax {
			out = append(out, x[i])
		}
	}
	for i := 1; i < len(y); i++ {
		if i != ay {
			out = append(out, y[i])
		}
	}
	if len(out) == 1 {
		out = append(out, 1)
	}
	return out
}

// recurrent shapes the first output of a recurrent layer over
// (batch, steps, features) input.
func recurrent(c Config, s Shape, factor int) Shape {
	if len(s) != 3 {
		return nil
	}
	units := c.Int("units", 0) * factor
	if c.Bool("return_sequences", false) {
		return Shape{s[0], s[1], units}
	}
	return Shape{s[0], units}
}
