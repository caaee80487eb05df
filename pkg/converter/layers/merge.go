package layers

import (
	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/registry"
)

// mergeMode returns the elementwise mode of a merge layer. Concatenate
// supports the channel axis and, on rank-3 inputs, the sequence axis; Dot
// supports vector products only.
func mergeMode(c *registry.Call, l *keras.Layer) (string, error) {
	switch l.Kind {
	case keras.KindAdd:
		return "ADD", nil
	case keras.KindMultiply:
		return "MULTIPLY", nil
	case keras.KindMaximum:
		return "MAX", nil
	case keras.KindAverage:
		return "AVE", nil
	case keras.KindConcatenate:
		rank := len(l.InputShape())
		axis := l.Config.Int("axis", -1)
		switch {
		case rank == 3 && (axis == 1 || axis == -2):
			return "SEQUENCE_CONCAT", nil
		case rank == 3 && (axis == 2 || axis == -1),
			rank == 4 && (axis == 3 || axis == -1),
			rank == 2 && (axis == 1 || axis == -1):
			return "CONCAT", nil
		}
		return "", converr.Configf(c.Name, "concatenation on axis %d of rank %d inputs not supported, only channel and sequence concatenation", axis, rank)
	case keras.KindDot:
		if len(l.InputShape()) != 2 {
			return "", converr.Configf(c.Name, "only vector dot-product is supported")
		}
		axes, ok := l.Config.Ints("axes")
		if !ok || len(axes) == 0 {
			axes = []int{-1}
		}
		if len(axes) > 1 || (axes[0] != -1 && axes[0] != 1) {
			return "", converr.Configf(c.Name, "only vector dot-product is supported")
		}
		if l.Config.Bool("normalize", false) {
			return "COS", nil
		}
		return "DOT", nil
	}
	return "", converr.Unsupported(l.Class, c.Name)
}

func convertMerge(c *registry.Call) error {
	if len(c.Outputs) == 0 {
		return converr.Configf(c.Name, "merge layer has no output")
	}
	l := c.Layer.Unwrap()
	mode, err := mergeMode(c, l)
	if err != nil {
		return err
	}
	_, err = c.Builder.AddElementwise(c.Name, c.Inputs, c.Outputs[0], mode)
	return err
}
