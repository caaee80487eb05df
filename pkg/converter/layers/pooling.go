package layers

import (
	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/program"
	"github.com/zerfoo/zkeras/pkg/registry"
)

func poolingType(k keras.Kind) string {
	switch k {
	case keras.KindMaxPooling1D, keras.KindMaxPooling2D, keras.KindGlobalMaxPooling1D, keras.KindGlobalMaxPooling2D:
		return "MAX"
	case keras.KindAveragePooling1D, keras.KindAveragePooling2D, keras.KindGlobalAveragePooling1D, keras.KindGlobalAveragePooling2D:
		return "AVERAGE"
	}
	return ""
}

// convertPooling handles the local and global pooling layers in one and
// two dimensions. Global 1-D pooling is a local pooling over the whole
// sequence.
func convertPooling(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	if err := checkDataFormat(c, l); err != nil {
		return err
	}
	p := program.PoolingParams{Type: poolingType(l.Kind), ExcludePadArea: true}
	if p.Type == "" {
		return converr.Configf(c.Name, "pooling type %s not supported", l.Kind)
	}

	switch l.Kind {
	case keras.KindGlobalMaxPooling2D, keras.KindGlobalAveragePooling2D:
		p.Global = true
		p.Padding = "VALID"
	case keras.KindGlobalMaxPooling1D, keras.KindGlobalAveragePooling1D:
		s := l.InputShape()
		if len(s) != 3 || s[1] == keras.Unbound {
			return converr.Configf(c.Name, "global 1-D pooling needs a bound (batch, steps, channels) input shape, got %s", s)
		}
		p.Height, p.Width = 1, s[1]
		p.StrideH, p.StrideW = 1, s[1]
		p.Padding = "VALID"
	case keras.KindMaxPooling1D, keras.KindAveragePooling1D:
		size := first(l.Config, "pool_size", 2)
		p.Height, p.Width = 1, size
		p.StrideH, p.StrideW = 1, first(l.Config, "strides", size)
		p.Padding = l.Config.String("padding", "valid")
	default:
		p.Height, p.Width = pair(l.Config, "pool_size", 2)
		p.StrideH, p.StrideW = p.Height, p.Width
		if l.Config.Has("strides") {
			p.StrideH, p.StrideW = pair(l.Config, "strides", 1)
		}
		p.Padding = l.Config.String("padding", "valid")
	}

	if _, err := c.Builder.AddPooling(c.Name, p, in, out); err != nil {
		return converr.Configf(c.Name, "%v", err)
	}
	return nil
}
