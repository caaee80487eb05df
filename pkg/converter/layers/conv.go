package layers

import (
	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/program"
	"github.com/zerfoo/zkeras/pkg/registry"
)

// convertConvolution handles Conv2D, Conv2DTranspose and DepthwiseConv2D.
func convertConvolution(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	if err := checkDataFormat(c, l); err != nil {
		return err
	}
	w, err := weight(c, l, 0, 4)
	if err != nil {
		return err
	}
	deconv := l.Kind == keras.KindConv2DTranspose

	p := program.ConvParams{
		Padding: l.Config.String("padding", "valid"),
		Deconv:  deconv,
		Groups:  1,
	}
	var channels, filters int
	if deconv {
		// Keras stores (H, W, filters, channels).
		p.Height, p.Width, filters, channels = w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
		p.W, err = program.Transpose(w.Data, w.Shape, []int{0, 1, 3, 2})
		if err != nil {
			return err
		}
		if s := l.OutputShape(); s != nil {
			if bound := s.Bound(); len(bound) > 0 {
				p.OutputShape = bound[:len(bound)-1]
			}
		}
	} else {
		p.Height, p.Width, channels, filters = w.Shape[0], w.Shape[1], w.Shape[2], w.Shape[3]
		p.W = w.Data
	}
	p.KernelChannels = channels
	p.OutputChannels = filters

	sh, sw := pair(l.Config, "strides", 1)
	p.Stride = []int{sh, sw}
	dh, dw := pair(l.Config, "dilation_rate", 1)
	p.Dilation = []int{dh, dw}
	if deconv && (dh != 1 || dw != 1) {
		return converr.Configf(c.Name, "non-unity dilation %v not supported for Conv2DTranspose", p.Dilation)
	}

	if l.Kind == keras.KindDepthwiseConv2D {
		// (H, W, channels, multiplier) read as (H, W, 1, channels*multiplier).
		mult := l.Config.Int("depth_multiplier", filters)
		p.Groups = channels
		p.KernelChannels = 1
		p.OutputChannels = channels * mult
	}

	if l.Config.Bool("use_bias", true) {
		b, err := weight(c, l, 1, 1)
		if err != nil {
			return err
		}
		p.Bias = b.Data
	}

	r, err := c.Builder.AddConvolution(c.Name, p, in, out)
	if err != nil {
		return converr.Configf(c.Name, "%v", err)
	}
	if updatable(c) {
		c.Builder.MarkUpdatable(r)
	}
	return nil
}

// convertConvolution1D emits a 1xN convolution. Causal padding becomes an
// explicit left padding followed by a valid convolution.
func convertConvolution1D(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	w, err := weight(c, l, 0, 3)
	if err != nil {
		return err
	}
	length, inputDim, filters := w.Shape[0], w.Shape[1], w.Shape[2]

	p := program.ConvParams{
		KernelChannels: inputDim,
		OutputChannels: filters,
		Height:         1,
		Width:          length,
		Groups:         1,
		Stride:         []int{1, first(l.Config, "strides", 1)},
		Dilation:       []int{1, first(l.Config, "dilation_rate", 1)},
		Padding:        l.Config.String("padding", "valid"),
		W:              w.Data,
	}
	if l.Config.Bool("use_bias", true) {
		b, err := weight(c, l, 1, 1)
		if err != nil {
			return err
		}
		p.Bias = b.Data
	}

	if p.Padding == "causal" {
		padded := in + "__causal_pad__"
		c.Builder.AddPadding(c.Name+"__causal_pad__", length-1, 0, 0, 0, 0, in, padded)
		in = padded
		p.Padding = "valid"
	}

	r, err := c.Builder.AddConvolution(c.Name, p, in, out)
	if err != nil {
		return converr.Configf(c.Name, "%v", err)
	}
	if updatable(c) {
		c.Builder.MarkUpdatable(r)
	}
	return nil
}

// convertSeparableConvolution emits a depthwise step followed by a 1x1
// pointwise step.
func convertSeparableConvolution(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	if err := checkDataFormat(c, l); err != nil {
		return err
	}
	depthwise, err := weight(c, l, 0, 4)
	if err != nil {
		return err
	}
	pointwise, err := weight(c, l, 1, 4)
	if err != nil {
		return err
	}
	height, width, channels, mult := depthwise.Shape[0], depthwise.Shape[1], depthwise.Shape[2], depthwise.Shape[3]
	outCh := pointwise.Shape[3]
	padding := l.Config.String("padding", "valid")
	sh, sw := pair(l.Config, "strides", 1)
	dh, dw := pair(l.Config, "dilation_rate", 1)

	var bias []float32
	if l.Config.Bool("use_bias", true) {
		b, err := weight(c, l, 2, 1)
		if err != nil {
			return err
		}
		bias = b.Data
	}

	mid := out + "_intermin_"
	step1, err := c.Builder.AddConvolution(c.Name+"_step_1", program.ConvParams{
		KernelChannels: 1,
		OutputChannels: channels * mult,
		Height:         height,
		Width:          width,
		Groups:         channels,
		Stride:         []int{sh, sw},
		Dilation:       []int{dh, dw},
		Padding:        padding,
		W:              depthwise.Data,
	}, in, mid)
	if err != nil {
		return converr.Configf(c.Name, "%v", err)
	}
	step2, err := c.Builder.AddConvolution(c.Name+"_step_2", program.ConvParams{
		KernelChannels: channels * mult,
		OutputChannels: outCh,
		Height:         1,
		Width:          1,
		Groups:         1,
		Padding:        padding,
		W:              pointwise.Data,
		Bias:           bias,
	}, mid, out)
	if err != nil {
		return converr.Configf(c.Name, "%v", err)
	}
	if updatable(c) {
		c.Builder.MarkUpdatable(step1)
		c.Builder.MarkUpdatable(step2)
	}
	return nil
}
