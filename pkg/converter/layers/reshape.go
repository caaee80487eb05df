package layers

import (
	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/registry"
)

// amounts holds the (top, bottom, left, right) sizes of a padding or
// cropping layer.
type amounts struct{ top, bottom, left, right int }

// parseAmounts reads a Keras padding or cropping option. A 1-D layer takes
// an int, (left, right) or ((left, right),); a 2-D layer an int,
// (rows, cols) or ((top, bottom), (left, right)).
func parseAmounts(c *registry.Call, v any, oneD bool) (amounts, error) {
	var a amounts
	if n, ok := toInt(v); ok {
		if oneD {
			a.left, a.right = n, n
		} else {
			a = amounts{n, n, n, n}
		}
		return a, nil
	}
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return a, converr.Configf(c.Name, "unrecognized padding option %v", v)
	}
	if _, nested := list[0].([]any); !nested {
		p, ok := ints(list)
		if !ok || len(p) != 2 {
			return a, converr.Configf(c.Name, "unrecognized padding option %v", v)
		}
		if oneD {
			a.left, a.right = p[0], p[1]
		} else {
			a = amounts{top: p[0], bottom: p[0], left: p[1], right: p[1]}
		}
		return a, nil
	}

	rows, ok := ints(list[0].([]any))
	if !ok || len(rows) != 2 {
		return a, converr.Configf(c.Name, "unrecognized padding option %v", v)
	}
	if oneD {
		a.left, a.right = rows[0], rows[1]
		return a, nil
	}
	if len(list) != 2 {
		return a, converr.Configf(c.Name, "unrecognized padding option %v", v)
	}
	inner, _ := list[1].([]any)
	cols, ok := ints(inner)
	if !ok || len(cols) != 2 {
		return a, converr.Configf(c.Name, "unrecognized padding option %v", v)
	}
	return amounts{top: rows[0], bottom: rows[1], left: cols[0], right: cols[1]}, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func ints(list []any) ([]int, bool) {
	out := make([]int, len(list))
	for i, e := range list {
		n, ok := toInt(e)
		if !ok {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

func convertPadding(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	if err := checkDataFormat(c, l); err != nil {
		return err
	}
	a, err := parseAmounts(c, l.Config.Raw("padding"), l.Kind == keras.KindZeroPadding1D)
	if err != nil {
		return err
	}
	c.Builder.AddPadding(c.Name, a.left, a.right, a.top, a.bottom, 0, in, out)
	return nil
}

func convertCropping(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	if err := checkDataFormat(c, l); err != nil {
		return err
	}
	a, err := parseAmounts(c, l.Config.Raw("cropping"), l.Kind == keras.KindCropping1D)
	if err != nil {
		return err
	}
	c.Builder.AddCrop(c.Name, a.left, a.right, a.top, a.bottom, []int{0, 0}, []string{in}, out)
	return nil
}

var upsampleModes = map[string]string{"nearest": "NN", "bilinear": "BILINEAR"}

func convertUpsample(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	if err := checkDataFormat(c, l); err != nil {
		return err
	}
	size, ok := l.Config.Ints("size")
	if !ok || len(size) == 0 {
		return converr.Configf(c.Name, "unrecognized upsample factor %v", l.Config.Raw("size"))
	}
	fh, fw := 1, size[0]
	if l.Kind == keras.KindUpSampling2D {
		fh, fw = size[0], size[0]
		if len(size) == 2 {
			if size[0] != size[1] {
				return converr.Configf(c.Name, "upsample with different rows and columns %v not supported", size)
			}
			fw = size[1]
		}
	}
	mode, ok := upsampleModes[l.Config.String("interpolation", "nearest")]
	if !ok {
		return converr.Configf(c.Name, "interpolation '%s' not supported, want nearest or bilinear", l.Config.String("interpolation", ""))
	}
	c.Builder.AddUpsample(c.Name, fh, fw, mode, in, out)
	return nil
}

// convertFlatten picks the flatten order from the input rank. A rank-3
// (batch, steps, channels) input is permuted first so that the steps end
// up innermost.
func convertFlatten(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	s := c.Layer.Unwrap().InputShape()
	switch {
	case s == nil:
		c.Builder.AddFlatten(c.Name, 1, in, out)
	case len(s) == 3 && s[0] == keras.Unbound:
		permuted := out + "__permute__"
		c.Builder.AddPermute(c.Name+"__permute__", []int{2, 1, 0, 3}, in, permuted)
		c.Builder.AddFlatten(c.Name, 1, permuted, out)
	case len(s) == 4:
		c.Builder.AddFlatten(c.Name, 1, in, out)
	default:
		c.Builder.AddFlatten(c.Name, 0, in, out)
	}
	return nil
}

// convertReshape maps a Keras target shape onto the program's
// (seq, C, H, W) layout.
func convertReshape(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	target, ok := l.Config.Ints("target_shape")
	if !ok {
		return converr.Configf(c.Name, "Reshape has no target_shape")
	}
	var shape []int
	switch len(target) {
	case 1:
		shape = []int{1, target[0], 1, 1}
	case 2:
		shape = []int{target[0], target[1], 1, 1}
	case 3:
		shape = []int{1, target[2], target[0], target[1]}
	default:
		return converr.Configf(c.Name, "reshape to %v not supported for input shape %s", target, l.InputShape())
	}
	mode := 0
	if s := l.InputShape(); len(s) == 4 || len(target) == 3 {
		mode = 1
	}
	c.Builder.AddReshape(c.Name, in, out, shape, mode)
	return nil
}

// convertPermute converts 1-based Keras dims over (H, W, C) into program
// axes over (seq, C, H, W). Four dims are layout adapters inserted by the
// graph normalizer and pass through.
func convertPermute(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	dims, _ := c.Layer.Unwrap().Config.Ints("dims")
	switch len(dims) {
	case 3:
		hwc := []int{2, 3, 1}
		p := make([]int, 3)
		for i, d := range dims {
			if d < 1 || d > 3 {
				return converr.Configf(c.Name, "invalid Permute dims %v", dims)
			}
			p[i] = hwc[d-1]
		}
		c.Builder.AddPermute(c.Name, []int{0, p[2], p[0], p[1]}, in, out)
	case 4:
		c.Builder.AddPermute(c.Name, dims, in, out)
	default:
		return converr.Configf(c.Name, "Permute with %d dims not supported, only 3-D permutation", len(dims))
	}
	return nil
}
