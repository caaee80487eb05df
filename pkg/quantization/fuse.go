package quantization

import (
	"math"

	"github.com/zerfoo/zkeras/pkg/program"
)

// Fuse folds batchnorm, scale and bias records into the convolution or
// inner product that feeds them, until no more folds apply. A fold needs
// the connecting blob to have one producer and one consumer and not to be
// part of the program interface. It returns the number of records removed.
func Fuse(p *program.Program) int {
	fused := 0
	for {
		r, prev := nextFusion(p)
		if r == nil {
			return fused
		}
		fold(prev, r)
		prev.Outputs[0] = r.Outputs[0]
		p.Remove(r.Name)
		fused++
	}
}

func nextFusion(p *program.Program) (*program.Record, *program.Record) {
	for _, r := range p.Records {
		if r.Op != program.OpBatchnorm && r.Op != program.OpScale && r.Op != program.OpBias {
			continue
		}
		if len(r.Inputs) != 1 || len(r.Outputs) != 1 || !floats(r) {
			continue
		}
		blob := r.Inputs[0]
		if p.IsInterface(blob) {
			continue
		}
		producers, consumers := p.Producers(blob), p.Consumers(blob)
		if len(producers) != 1 || len(consumers) != 1 {
			continue
		}
		prev := producers[0]
		if canFold(prev, r) {
			return r, prev
		}
	}
	return nil, nil
}

func canFold(prev, r *program.Record) bool {
	switch prev.Op {
	case program.OpConvolution:
		if prev.Attrs.Bool("isDeconvolution") {
			return false
		}
	case program.OpInnerProduct:
	default:
		return false
	}
	channels := outputChannels(prev)
	w := prev.Weights["weights"]
	if len(prev.Outputs) != 1 || !floats(prev) || channels == 0 || w == nil || len(w.Floats)%channels != 0 {
		return false
	}
	if b := prev.Weights["bias"]; b != nil && len(b.Floats) != channels {
		return false
	}
	return factors(r, channels) != nil
}

func floats(r *program.Record) bool {
	for _, w := range r.Weights {
		if w.State() != program.StateFloat32 {
			return false
		}
	}
	return true
}

func outputChannels(r *program.Record) int { return r.Attrs.Int("outputChannels") }

type affine struct{ mul, add []float32 }

// factors returns the per channel multiplier and offset r applies, or nil
// when its weights do not broadcast to channels.
func factors(r *program.Record, channels int) *affine {
	broadcast := func(w *program.WeightBuffer, def float32) []float32 {
		out := make([]float32, channels)
		switch {
		case w == nil:
			for i := range out {
				out[i] = def
			}
		case len(w.Floats) == 1:
			for i := range out {
				out[i] = w.Floats[0]
			}
		case len(w.Floats) == channels:
			copy(out, w.Floats)
		default:
			return nil
		}
		return out
	}

	switch r.Op {
	case program.OpBatchnorm:
		if r.Attrs.Int("channels") != channels {
			return nil
		}
		gamma := broadcast(r.Weights["gamma"], 1)
		beta := broadcast(r.Weights["beta"], 0)
		mean := broadcast(r.Weights["mean"], 0)
		variance := broadcast(r.Weights["variance"], 1)
		if gamma == nil || beta == nil || mean == nil || variance == nil {
			return nil
		}
		eps := float64(r.Attrs.Float("epsilon"))
		a := &affine{mul: make([]float32, channels), add: make([]float32, channels)}
		for c := range a.mul {
			a.mul[c] = gamma[c] / float32(math.Sqrt(float64(variance[c])+eps))
			a.add[c] = beta[c] - mean[c]*a.mul[c]
		}
		return a
	case program.OpScale:
		mul := broadcast(r.Weights["scale"], 1)
		add := broadcast(r.Weights["bias"], 0)
		if mul == nil || add == nil {
			return nil
		}
		return &affine{mul: mul, add: add}
	case program.OpBias:
		mul := broadcast(nil, 1)
		add := broadcast(r.Weights["bias"], 0)
		if add == nil {
			return nil
		}
		return &affine{mul: mul, add: add}
	}
	return nil
}

// fold applies r's affine transform to prev's weights and bias. Weights are
// laid out output channel first.
func fold(prev, r *program.Record) {
	channels := outputChannels(prev)
	a := factors(r, channels)
	w := prev.Weights["weights"]
	per := len(w.Floats) / channels
	for i := range w.Floats {
		w.Floats[i] *= a.mul[i/per]
	}
	bias := prev.Weights["bias"]
	if bias == nil {
		bias = program.NewWeights(nil, make([]float32, channels))
		prev.SetWeights("bias", bias)
	}
	for c := range bias.Floats {
		bias.Floats[c] = bias.Floats[c]*a.mul[c] + a.add[c]
	}
	prev.Attrs.SetBool("hasBias", true)
}
