package quantization

import (
	"fmt"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/program"
)

// Mode selects how float weights are mapped to indices.
type Mode string

const (
	ModeLinear          Mode = "linear"
	ModeLinearSymmetric Mode = "linear_symmetric"
	ModeLinearLUT       Mode = "linear_lut"
	ModeKMeansLUT       Mode = "kmeans_lut"
	ModeCustomLUT       Mode = "custom_lut"
)

// Modes lists every supported mode.
var Modes = []Mode{ModeLinear, ModeLinearSymmetric, ModeLinearLUT, ModeKMeansLUT, ModeCustomLUT}

func (m Mode) valid() bool {
	for _, v := range Modes {
		if m == v {
			return true
		}
	}
	return false
}

func (m Mode) linear() bool { return m == ModeLinear || m == ModeLinearSymmetric }

// QuantizeBuffer moves a float32 buffer to the quantized state, or to half
// precision when nbits is 16. Buffers in any other state are left alone. A
// nil shape uses the buffer's own shape. lut is only used by
// ModeCustomLUT.
func QuantizeBuffer(buf *program.WeightBuffer, shape []int, nbits int, mode Mode, axis int, lut LUTFunc) error {
	if buf.State() != program.StateFloat32 {
		return nil
	}
	if nbits == 16 {
		buf.ToHalf()
		return nil
	}
	if nbits < 1 || nbits > 8 {
		return converr.Quantf("only half precision (16-bit) and 1 to 8-bit quantization is supported, got %d bits", nbits)
	}
	if !mode.valid() {
		return converr.Quantf("quantization mode %s not supported", mode)
	}
	if shape == nil {
		shape = buf.Shape
	}
	if elements(shape) != len(buf.Floats) {
		return fmt.Errorf("shape %v does not match %d weights", shape, len(buf.Floats))
	}

	quant := &program.Quantization{NBits: nbits}
	var q []uint8
	switch mode {
	case ModeLinear, ModeLinearSymmetric:
		var err error
		q, quant.Scale, quant.Bias, err = QuantizeLinear(buf.Floats, shape, nbits, axis, mode == ModeLinearSymmetric)
		if err != nil {
			return err
		}
		quant.Kind = program.QuantLinear
	default:
		fn := LinearLUT
		switch mode {
		case ModeKMeansLUT:
			fn = KMeansLUT
		case ModeCustomLUT:
			if lut == nil {
				return converr.Quantf("custom lookup table quantization mode selected but no lookup table function passed")
			}
			fn = lut
		}
		table, idx, err := fn(nbits, buf.Floats)
		if err != nil {
			return fmt.Errorf("call to lookup table function failed: %w", err)
		}
		if table, err = fitTable(table, idx, nbits, len(buf.Floats)); err != nil {
			return err
		}
		q = idx
		quant.Kind = program.QuantLookupTable
		quant.LUT = table
	}

	if nbits == 8 {
		quant.Raw = append([]byte(nil), q...)
	} else {
		quant.Raw = Pack(q, nbits)
	}
	buf.Floats = nil
	buf.Quant = quant
	return nil
}

// fitTable checks a lookup table result and pads the table with zeros to
// 2^nbits entries.
func fitTable(table []float32, idx []uint8, nbits, n int) ([]float32, error) {
	size := 1 << nbits
	if len(table) > size {
		return nil, converr.Quantf("lookup table has %d entries, at most %d allowed", len(table), size)
	}
	if len(idx) != n {
		return nil, fmt.Errorf("lookup table function returned %d indices for %d weights", len(idx), n)
	}
	for _, i := range idx {
		if int(i) >= size {
			return nil, fmt.Errorf("lookup table index %d out of range for %d bits", i, nbits)
		}
	}
	out := make([]float32, size)
	copy(out, table)
	return out, nil
}

// DequantizeBuffer restores float32 weights from a quantized or half
// precision buffer. The quantization kind stored on the buffer selects the
// inverse; float32 and empty buffers are left alone.
func DequantizeBuffer(buf *program.WeightBuffer, shape []int, axis int) error {
	switch buf.State() {
	case program.StateFloat16:
		buf.FromHalf()
		return nil
	case program.StateQuantized:
	default:
		return nil
	}
	if err := buf.Validate(); err != nil {
		return err
	}
	if shape == nil {
		shape = buf.Shape
	}
	quant := buf.Quant
	n := elements(shape)
	var q []uint8
	if quant.NBits == 8 {
		q = quant.Raw[:n]
	} else {
		q = Unpack(quant.Raw, n, quant.NBits)
	}

	var out []float32
	switch quant.Kind {
	case program.QuantLinear:
		var err error
		if out, err = DequantizeLinear(q, shape, quant.Scale, quant.Bias, axis); err != nil {
			return err
		}
	case program.QuantLookupTable:
		out = make([]float32, n)
		for i, v := range q {
			out[i] = quant.LUT[v]
		}
	default:
		return fmt.Errorf("unknown quantization kind %q", quant.Kind)
	}
	buf.Floats = out
	buf.Quant = nil
	return nil
}
