package quantization

import (
	"slices"
	"strings"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/program"
)

// depthwiseConv is a pseudo kind that skips grouped convolutions with one
// kernel channel.
const depthwiseConv = "depthwiseConv"

var quantizable = map[program.Op]bool{
	program.OpConvolution:        true,
	program.OpInnerProduct:       true,
	program.OpEmbedding:          true,
	program.OpBatchnorm:          true,
	program.OpScale:              true,
	program.OpBias:               true,
	program.OpLoadConstant:       true,
	program.OpSimpleRecurrent:    true,
	program.OpGRU:                true,
	program.OpUniDirectionalLSTM: true,
	program.OpBiDirectionalLSTM:  true,
}

// Selector decides which records, and which weight fields of a record, are
// quantized. An empty field asks about the record as a whole.
type Selector interface {
	Select(r *program.Record, field string) bool
}

// DefaultSelector selects every record kind that carries weights.
type DefaultSelector struct{}

func (DefaultSelector) Select(r *program.Record, field string) bool {
	return quantizable[r.Op]
}

// AdvancedSelector skips whole record kinds and small convolutions.
type AdvancedSelector struct {
	// SkipKinds are record ops, "depthwiseConv", or "bias" to keep the
	// bias of convolutions and inner products in float.
	SkipKinds             []string
	MinConvKernelChannels int
	MinConvWeightCount    int
}

// NewAdvancedSelector returns a selector with the usual thresholds of 4
// kernel channels and 4096 weights.
func NewAdvancedSelector(skip ...string) (*AdvancedSelector, error) {
	s := &AdvancedSelector{SkipKinds: skip, MinConvKernelChannels: 4, MinConvWeightCount: 4096}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects skip kinds that are not quantizable.
func (s *AdvancedSelector) Validate() error {
	var invalid []string
	for _, k := range s.SkipKinds {
		if k != depthwiseConv && !quantizable[program.Op(k)] {
			invalid = append(invalid, k)
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	supported := []string{depthwiseConv}
	for op := range quantizable {
		supported = append(supported, string(op))
	}
	slices.Sort(supported)
	return converr.Quantf("skip quantization layer types (%s) not supported, supported: (%s)",
		strings.Join(invalid, ","), strings.Join(supported, ","))
}

func (s *AdvancedSelector) skips(kind string) bool { return slices.Contains(s.SkipKinds, kind) }

func (s *AdvancedSelector) Select(r *program.Record, field string) bool {
	if !quantizable[r.Op] || s.skips(string(r.Op)) {
		return false
	}
	switch r.Op {
	case program.OpConvolution:
		if field == "bias" {
			return !s.skips("bias")
		}
		kc := r.Attrs.Int("kernelChannels")
		count := r.Attrs.Int("outputChannels") * kc
		for _, k := range r.Attrs.Ints("kernelSize") {
			count *= k
		}
		if s.skips(depthwiseConv) && kc == 1 && r.Attrs.Int("nGroups") > 1 {
			return false
		}
		return kc >= s.MinConvKernelChannels && count >= s.MinConvWeightCount
	case program.OpInnerProduct:
		if field == "bias" {
			return !s.skips("bias")
		}
	}
	return true
}
