package program

import (
	"fmt"

	"github.com/x448/float16"
)

// State tells which representation a WeightBuffer currently holds.
type State int

const (
	StateEmpty State = iota
	StateFloat32
	StateFloat16
	StateQuantized
)

func (s State) String() string {
	switch s {
	case StateFloat32:
		return "float32"
	case StateFloat16:
		return "float16"
	case StateQuantized:
		return "quantized"
	}
	return "empty"
}

// QuantizationKind discriminates the two quantized representations.
type QuantizationKind string

const (
	QuantLinear      QuantizationKind = "linear"
	QuantLookupTable QuantizationKind = "lut"
)

// Quantization is the quantized form of a weight buffer. Raw holds the
// indices packed MSB-first, NBits per element.
type Quantization struct {
	Kind  QuantizationKind
	NBits int
	// Scale and Bias are per channel, set for QuantLinear.
	Scale []float32
	Bias  []float32
	// LUT has 2^NBits entries, set for QuantLookupTable.
	LUT []float32
	Raw []byte
}

// WeightBuffer is a flat weight array with a logical shape. Exactly one of
// Floats, Half and Quant is set.
type WeightBuffer struct {
	Shape  []int
	Floats []float32
	Half   []float16.Float16
	Quant  *Quantization
}

// NewWeights creates a float32 buffer. A nil shape means a vector.
func NewWeights(shape []int, data []float32) *WeightBuffer {
	if shape == nil {
		shape = []int{len(data)}
	}
	return &WeightBuffer{Shape: append([]int(nil), shape...), Floats: data}
}

// Len returns the logical element count.
func (w *WeightBuffer) Len() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

func (w *WeightBuffer) State() State {
	switch {
	case w.Quant != nil:
		return StateQuantized
	case w.Half != nil:
		return StateFloat16
	case w.Floats != nil:
		return StateFloat32
	}
	return StateEmpty
}

// Validate checks that exactly one representation is populated and that it
// holds Len elements.
func (w *WeightBuffer) Validate() error {
	set := 0
	if w.Floats != nil {
		set++
	}
	if w.Half != nil {
		set++
	}
	if w.Quant != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("weight buffer holds %d representations", set)
	}
	n := w.Len()
	switch w.State() {
	case StateFloat32:
		if len(w.Floats) != n {
			return fmt.Errorf("weight buffer shape %v needs %d floats, has %d", w.Shape, n, len(w.Floats))
		}
	case StateFloat16:
		if len(w.Half) != n {
			return fmt.Errorf("weight buffer shape %v needs %d halfs, has %d", w.Shape, n, len(w.Half))
		}
	case StateQuantized:
		q := w.Quant
		if q.NBits < 1 || q.NBits > 8 {
			return fmt.Errorf("quantized buffer has %d bits", q.NBits)
		}
		if want := (n*q.NBits + 7) / 8; len(q.Raw) < want {
			return fmt.Errorf("quantized buffer needs %d bytes, has %d", want, len(q.Raw))
		}
		if q.Kind == QuantLinear && len(q.Scale) != len(q.Bias) {
			return fmt.Errorf("linear quantization scale and bias vectors are different lengths")
		}
		if q.Kind == QuantLookupTable && len(q.LUT) != 1<<q.NBits {
			return fmt.Errorf("lookup table has %d entries, want %d", len(q.LUT), 1<<q.NBits)
		}
	}
	return nil
}

// ToHalf converts a float32 buffer to half precision in place.
func (w *WeightBuffer) ToHalf() {
	if w.Floats == nil {
		return
	}
	w.Half = make([]float16.Float16, len(w.Floats))
	for i, f := range w.Floats {
		w.Half[i] = float16.Fromfloat32(f)
	}
	w.Floats = nil
}

// FromHalf converts a half precision buffer back to float32 in place.
func (w *WeightBuffer) FromHalf() {
	if w.Half == nil {
		return
	}
	w.Floats = make([]float32, len(w.Half))
	for i, h := range w.Half {
		w.Floats[i] = h.Float32()
	}
	w.Half = nil
}

// Clone returns a deep copy.
func (w *WeightBuffer) Clone() *WeightBuffer {
	c := &WeightBuffer{Shape: append([]int(nil), w.Shape...)}
	if w.Floats != nil {
		c.Floats = append([]float32(nil), w.Floats...)
	}
	if w.Half != nil {
		c.Half = append([]float16.Float16(nil), w.Half...)
	}
	if w.Quant != nil {
		q := *w.Quant
		q.Scale = append([]float32(nil), w.Quant.Scale...)
		q.Bias = append([]float32(nil), w.Quant.Bias...)
		q.LUT = append([]float32(nil), w.Quant.LUT...)
		q.Raw = append([]byte(nil), w.Quant.Raw...)
		c.Quant = &q
	}
	return c
}
