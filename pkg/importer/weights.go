package importer

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nlpodyssey/safetensors"
	"github.com/sirupsen/logrus"
	"github.com/x448/float16"

	"github.com/zerfoo/zkeras/pkg/keras"
)

// ReadWeights attaches the tensors of a safetensors buffer to the layers
// of m. Tensors are keyed <layer>/<index> in get_weights order, with one
// more <outer>/ prefix per level of model nesting. The weights of a
// TimeDistributed layer go to the layer it wraps.
func ReadWeights(m *keras.Model, data []byte) error {
	st, err := safetensors.Deserialize(data)
	if err != nil {
		return fmt.Errorf("failed to parse safetensors: %w", err)
	}
	tensors := make(map[string]*keras.Tensor)
	for _, name := range st.Names() {
		view, ok := st.Tensor(name)
		if !ok {
			return fmt.Errorf("tensor '%s' listed but not found", name)
		}
		t, err := decodeTensor(view.DType(), view.Shape(), view.Data())
		if err != nil {
			return fmt.Errorf("tensor '%s': %w", name, err)
		}
		tensors[name] = t
	}

	paths := map[string]*keras.Layer{}
	layerPaths(m, "", paths)
	unmatched := 0
	for name, t := range tensors {
		i := strings.LastIndex(name, "/")
		if i < 0 {
			unmatched++
			continue
		}
		l := paths[name[:i]]
		idx, err := strconv.Atoi(name[i+1:])
		if l == nil || err != nil || idx < 0 {
			unmatched++
			continue
		}
		for len(l.Weights) <= idx {
			l.Weights = append(l.Weights, nil)
		}
		l.Weights[idx] = t
	}
	if unmatched > 0 {
		logrus.WithField("component", "importer").Warnf("%d of %d weight tensors match no layer", unmatched, len(tensors))
	}
	return nil
}

// layerPaths maps the weight key prefix of every layer to the layer that
// owns the weights.
func layerPaths(m *keras.Model, prefix string, out map[string]*keras.Layer) {
	for _, l := range m.Layers {
		if l.Model != nil {
			layerPaths(l.Model, prefix+l.Name+"/", out)
			continue
		}
		out[prefix+l.Name] = l.Unwrap()
	}
}

// CheckWeights reports a layer whose weight indices have gaps.
func CheckWeights(m *keras.Model) error {
	return m.Walk(func(l *keras.Layer) error {
		for _, target := range []*keras.Layer{l, l.Wrapped} {
			if target == nil {
				continue
			}
			for i, w := range target.Weights {
				if w == nil {
					return fmt.Errorf("layer '%s' is missing weight %d", l.Name, i)
				}
			}
		}
		return nil
	})
}

func decodeTensor(dtype safetensors.DType, shape []uint64, data []byte) (*keras.Tensor, error) {
	dims := make([]int, len(shape))
	n := 1
	for i, d := range shape {
		dims[i] = int(d)
		n *= int(d)
	}
	out := make([]float32, n)
	var size int
	switch dtype {
	case safetensors.F32:
		size = 4
	case safetensors.F16:
		size = 2
	case safetensors.F64:
		size = 8
	default:
		return nil, fmt.Errorf("unsupported dtype %v, want F32, F16 or F64", dtype)
	}
	if len(data) != n*size {
		return nil, fmt.Errorf("shape %v needs %d bytes, has %d", dims, n*size, len(data))
	}
	for i := range out {
		switch size {
		case 4:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		case 2:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		case 8:
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:])))
		}
	}
	return keras.NewTensor(dims, out), nil
}
