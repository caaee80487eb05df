package quantization

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/program"
)

type settings struct {
	selector Selector
	lut      LUTFunc
	log      *logrus.Entry
}

// Option configures Quantize and Dequantize.
type Option func(*settings)

// WithSelector replaces DefaultSelector.
func WithSelector(s Selector) Option { return func(o *settings) { o.selector = s } }

// WithLUTFunc sets the table builder of ModeCustomLUT.
func WithLUTFunc(fn LUTFunc) Option { return func(o *settings) { o.lut = fn } }

func WithLogger(log *logrus.Entry) Option { return func(o *settings) { o.log = log } }

func newSettings(opts []Option) *settings {
	s := &settings{selector: DefaultSelector{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	s.log = s.log.WithField("run", uuid.New().String())
	return s
}

// Validate checks a quantization request without touching any weights.
func Validate(nbits int, mode Mode, opts ...Option) error {
	s := &settings{selector: DefaultSelector{}}
	for _, opt := range opts {
		opt(s)
	}
	return validate(nbits, mode, s)
}

func validate(nbits int, mode Mode, s *settings) error {
	if nbits != 16 && (nbits < 1 || nbits > 8) {
		return converr.Quantf("only half precision (16-bit) and 1 to 8-bit quantization is supported, got %d bits", nbits)
	}
	if !mode.valid() {
		return converr.Quantf("quantization mode %s not supported", mode)
	}
	if mode == ModeLinearSymmetric && nbits != 8 {
		return converr.Quantf("symmetric quantization is only applicable for 8 bit linear")
	}
	if mode == ModeCustomLUT && nbits != 16 && s.lut == nil {
		return converr.Quantf("custom lookup table quantization mode selected but no lookup table function passed")
	}
	if v, ok := s.selector.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			if errors.Is(err, converr.ErrQuantizationConfig) {
				return err
			}
			return converr.Quantf("%v", err)
		}
	}
	return nil
}

// axis returns the channel axis of a weight field: deconvolution weights
// are stored input channel first.
func axis(r *program.Record, field string) int {
	if r.Op == program.OpConvolution && field == "weights" && r.Attrs.Bool("isDeconvolution") {
		return 1
	}
	return 0
}

// Quantize compresses the weights of every selected record in place. With
// nbits of 16 the weights become half precision; otherwise the program is
// fused first and each weight field is quantized to nbits. The request is
// validated before any weight changes, and p is left as it was when any
// record fails.
func Quantize(p *program.Program, nbits int, mode Mode, opts ...Option) error {
	s := newSettings(opts)
	if err := validate(nbits, mode, s); err != nil {
		return err
	}

	snapshot := p.Clone()
	quantized, err := quantizeRecords(p, nbits, mode, s)
	if err != nil {
		*p = *snapshot
		return err
	}

	if nbits == 16 {
		p.RequireSpecVersion(program.SpecVersionHalf)
	} else {
		p.RequireSpecVersion(program.SpecVersionQuantized)
	}
	s.log.Infof("quantized %d of %d records to %d bits (%s)", quantized, len(p.Records), nbits, mode)
	return nil
}

func quantizeRecords(p *program.Program, nbits int, mode Mode, s *settings) (int, error) {
	if nbits < 16 {
		if n := Fuse(p); n > 0 {
			s.log.Infof("fused %d records into their producers", n)
		}
	}

	quantized := 0
	for _, r := range p.Records {
		if r.Op == program.OpCustom && len(r.Weights) > 0 {
			s.log.Warnf("skipping custom layer '%s'; its weights need to be converted manually", r.Name)
			continue
		}
		if !s.selector.Select(r, "") {
			continue
		}
		s.log.Debugf("quantizing layer '%s'", r.Name)
		for _, field := range r.WeightFields() {
			if field == "bias" && (r.Op == program.OpConvolution || r.Op == program.OpInnerProduct) && !s.selector.Select(r, field) {
				continue
			}
			if err := QuantizeBuffer(r.Weights[field], nil, nbits, mode, axis(r, field), s.lut); err != nil {
				return 0, fmt.Errorf("failed to quantize '%s.%s': %w", r.Name, field, err)
			}
		}
		quantized++
	}
	return quantized, nil
}

// Dequantize restores float32 weights in every record.
func Dequantize(p *program.Program, opts ...Option) error {
	s := newSettings(opts)
	restored := 0
	for _, r := range p.Records {
		for _, field := range r.WeightFields() {
			w := r.Weights[field]
			if st := w.State(); st != program.StateQuantized && st != program.StateFloat16 {
				continue
			}
			if err := DequantizeBuffer(w, nil, axis(r, field)); err != nil {
				return fmt.Errorf("failed to dequantize '%s.%s': %w", r.Name, field, err)
			}
			restored++
		}
	}
	s.log.Infof("restored %d weight fields", restored)
	return nil
}
