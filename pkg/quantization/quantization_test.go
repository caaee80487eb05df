package quantization

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/program"
)

func TestPack(t *testing.T) {
	assert.Equal(t, []byte{0xA0}, Pack([]uint8{1, 0, 1}, 1))
	// 101 011 00
	assert.Equal(t, []byte{0xAC}, Pack([]uint8{5, 3}, 3))
	assert.Equal(t, []byte{0x00}, Pack(nil, 4))
	assert.Equal(t, []byte{7, 200}, Pack([]uint8{7, 200}, 8))
}

func TestPackUnpackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for nbits := 1; nbits <= 8; nbits++ {
		t.Run(fmt.Sprintf("%d bits", nbits), func(t *testing.T) {
			in := make([]uint8, 1+rng.Intn(50))
			for i := range in {
				in[i] = uint8(rng.Intn(1 << nbits))
			}
			packed := Pack(in, nbits)
			assert.Len(t, packed, (len(in)*nbits+7)/8)
			assert.Equal(t, in, Unpack(packed, len(in), nbits))
		})
	}
}

func span(w []float32) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range w {
		lo = math.Min(lo, float64(v))
		hi = math.Max(hi, float64(v))
	}
	return hi - lo
}

func TestLinearRoundTripBound(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for nbits := 1; nbits <= 8; nbits++ {
		for trial := 0; trial < 20; trial++ {
			w := make([]float32, 1+rng.Intn(200))
			for i := range w {
				w[i] = float32(rng.Float64()*20 - 10)
			}
			shape := []int{len(w)}
			if len(w)%2 == 0 {
				shape = []int{2, len(w) / 2}
			}
			q, scale, bias, err := QuantizeLinear(w, shape, nbits, 0, false)
			require.NoError(t, err)
			out, err := DequantizeLinear(q, shape, scale, bias, 0)
			require.NoError(t, err)

			step := span(w) / float64(int(1)<<nbits-1)
			for i := range w {
				require.LessOrEqual(t, math.Abs(float64(out[i]-w[i])), step+1e-5,
					"nbits %d element %d", nbits, i)
				require.Less(t, int(q[i]), 1<<nbits)
			}
		}
	}
}

func TestQuantizeLinearChannels(t *testing.T) {
	w := []float32{0, 1, 2, 3, 10, 20, 30, 40}
	q, scale, bias, err := QuantizeLinear(w, []int{2, 4}, 8, 0, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{3.0 / 255, 30.0 / 255}, scale, 1e-7)
	assert.Equal(t, []float32{0, 10}, bias)
	assert.Equal(t, uint8(0), q[0])
	assert.Equal(t, uint8(255), q[3])
	assert.Equal(t, uint8(255), q[7])

	// Rank 4, channels on the second axis: (1, 2, 1, 2).
	w = []float32{0, 1, 5, 9}
	q, scale, bias, err = QuantizeLinear(w, []int{1, 2, 1, 2}, 8, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 5}, bias)
	out, err := DequantizeLinear(q, []int{1, 2, 1, 2}, scale, bias, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, w, out, 1e-5)

	_, _, _, err = QuantizeLinear(w, []int{2, 2}, 8, 1, false)
	assert.Error(t, err)
	_, _, _, err = QuantizeLinear(w, []int{4}, 8, 2, false)
	assert.Error(t, err)
	_, _, _, err = QuantizeLinear(w, []int{5}, 8, 0, false)
	assert.Error(t, err)
}

func TestQuantizeLinearSymmetric(t *testing.T) {
	w := []float32{-1, 0.25, 1}
	q, scale, bias, err := QuantizeLinear(w, nil, 8, 0, true)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/127, scale[0], 1e-7)
	assert.InDelta(t, -128.0/127, bias[0], 1e-6)
	assert.Equal(t, uint8(1), q[0])
	assert.Equal(t, uint8(255), q[2])

	out, err := DequantizeLinear(q, nil, scale, bias, 0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, w, out, float64(scale[0]))
}

func TestConstantChannel(t *testing.T) {
	w := []float32{3, 3, 3}
	q, scale, bias, err := QuantizeLinear(w, nil, 4, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 0, 0}, q)
	out, err := DequantizeLinear(q, nil, scale, bias, 0)
	require.NoError(t, err)
	assert.Equal(t, w, out)
}

func TestLinearLUT(t *testing.T) {
	lut, q, err := LinearLUT(2, []float32{0, 1, 2, 3})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 1, 2, 3}, lut, 1e-6)
	assert.Equal(t, []uint8{0, 1, 2, 3}, q)
}

func TestKMeansLUT(t *testing.T) {
	lut, q, err := KMeansLUT(1, []float32{1, 7, 1, 7, 1, 7})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 7}, lut)
	assert.Equal(t, []uint8{0, 1, 0, 1, 0, 1}, q)

	// Fewer weights than table entries.
	lut, q, err = KMeansLUT(2, []float32{4, 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 0, 0}, lut)
	assert.Equal(t, []uint8{1, 0}, q)

	rng := rand.New(rand.NewSource(3))
	w := make([]float32, 500)
	for i := range w {
		w[i] = float32(rng.NormFloat64())
	}
	lut1, q1, err := KMeansLUT(3, w)
	require.NoError(t, err)
	lut2, q2, err := KMeansLUT(3, w)
	require.NoError(t, err)
	assert.Equal(t, lut1, lut2)
	assert.Equal(t, q1, q2)
	assert.Len(t, lut1, 8)
}

func TestQuantizeBufferStates(t *testing.T) {
	w := []float32{-2, -1, 0, 1, 2, 3}
	buf := program.NewWeights([]int{2, 3}, append([]float32(nil), w...))

	require.NoError(t, QuantizeBuffer(buf, nil, 4, ModeLinear, 0, nil))
	assert.Equal(t, program.StateQuantized, buf.State())
	assert.Nil(t, buf.Floats)
	require.NoError(t, buf.Validate())
	assert.Len(t, buf.Quant.Raw, 3)
	assert.Len(t, buf.Quant.Scale, 2)

	// Already quantized buffers are left alone.
	raw := append([]byte(nil), buf.Quant.Raw...)
	require.NoError(t, QuantizeBuffer(buf, nil, 2, ModeKMeansLUT, 0, nil))
	assert.Equal(t, raw, buf.Quant.Raw)

	require.NoError(t, DequantizeBuffer(buf, nil, 0))
	assert.Equal(t, program.StateFloat32, buf.State())
	assert.InDeltaSlice(t, w, buf.Floats, 2.0/15+1e-6)

	require.NoError(t, QuantizeBuffer(buf, nil, 16, ModeLinear, 0, nil))
	assert.Equal(t, program.StateFloat16, buf.State())
	require.NoError(t, DequantizeBuffer(buf, nil, 0))
	assert.InDeltaSlice(t, w, buf.Floats, 1e-2)
}

func TestQuantizeBufferLookupTable(t *testing.T) {
	buf := program.NewWeights(nil, []float32{0.5, 0.5, 9, 9})
	require.NoError(t, QuantizeBuffer(buf, nil, 2, ModeKMeansLUT, 0, nil))
	assert.Equal(t, program.QuantLookupTable, buf.Quant.Kind)
	require.NoError(t, DequantizeBuffer(buf, nil, 0))
	assert.Equal(t, []float32{0.5, 0.5, 9, 9}, buf.Floats)

	custom := func(nbits int, w []float32) ([]float32, []uint8, error) {
		q := make([]uint8, len(w))
		for i, v := range w {
			if v > 0 {
				q[i] = 1
			}
		}
		return []float32{-1, 1}, q, nil
	}
	buf = program.NewWeights(nil, []float32{-3, 2, 5})
	require.NoError(t, QuantizeBuffer(buf, nil, 3, ModeCustomLUT, 0, custom))
	assert.Len(t, buf.Quant.LUT, 8)
	require.NoError(t, DequantizeBuffer(buf, nil, 0))
	assert.Equal(t, []float32{-1, 1, 1}, buf.Floats)

	bad := func(nbits int, w []float32) ([]float32, []uint8, error) {
		return []float32{0}, []uint8{0, 9, 0}, nil
	}
	buf = program.NewWeights(nil, []float32{-3, 2, 5})
	assert.Error(t, QuantizeBuffer(buf, nil, 2, ModeCustomLUT, 0, bad))
	assert.Equal(t, program.StateFloat32, buf.State())

	long := func(nbits int, w []float32) ([]float32, []uint8, error) {
		return make([]float32, 5), []uint8{0, 1, 2}, nil
	}
	err := QuantizeBuffer(buf, nil, 2, ModeCustomLUT, 0, long)
	assert.True(t, errors.Is(err, converr.ErrQuantizationConfig), "got %v", err)

	failing := func(nbits int, w []float32) ([]float32, []uint8, error) {
		return nil, nil, errors.New("boom")
	}
	err = QuantizeBuffer(buf, nil, 2, ModeCustomLUT, 0, failing)
	assert.ErrorContains(t, err, "call to lookup table function failed: boom")

	err = QuantizeBuffer(buf, nil, 2, ModeCustomLUT, 0, nil)
	assert.True(t, errors.Is(err, converr.ErrQuantizationConfig))
}

func denseWithBatchnorm() *program.Program {
	b := program.NewBuilder(
		[]program.Feature{{Name: "in", Shape: []int{2}}},
		[]program.Feature{{Name: "out", Shape: []int{2}}},
	)
	b.AddInnerProduct("fc", []float32{1, 2, 3, 4}, []float32{1, 1}, 2, 2, "in", "fc_out")
	b.AddBatchnorm("bn", 2, []float32{2, 4}, []float32{1, 0}, []float32{0, 1}, []float32{3, 3}, 1, "fc_out", "out")
	return b.Program()
}

func TestFuseBatchnorm(t *testing.T) {
	p := denseWithBatchnorm()
	assert.Equal(t, 1, Fuse(p))
	require.Len(t, p.Records, 1)

	fc := p.Records[0]
	assert.Equal(t, []string{"out"}, fc.Outputs)
	// mul = gamma/sqrt(var+eps) = [1, 2], add = beta-mean*mul = [1, -2]
	assert.Equal(t, []float32{1, 2, 6, 8}, fc.Weights["weights"].Floats)
	assert.Equal(t, []float32{2, 0}, fc.Weights["bias"].Floats)
}

func TestFuseChain(t *testing.T) {
	b := program.NewBuilder(
		[]program.Feature{{Name: "in", Shape: []int{2}}},
		[]program.Feature{{Name: "out", Shape: []int{2}}},
	)
	b.AddInnerProduct("fc", []float32{1, 2, 3, 4}, nil, 2, 2, "in", "a")
	b.AddScale("scale", []float32{2}, nil, []int{1}, "a", "b")
	b.AddBias("bias", []float32{1, -1}, []int{2}, "b", "out")
	p := b.Program()

	assert.Equal(t, 2, Fuse(p))
	require.Len(t, p.Records, 1)
	fc := p.Records[0]
	assert.True(t, fc.Attrs.Bool("hasBias"))
	assert.Equal(t, []float32{2, 4, 6, 8}, fc.Weights["weights"].Floats)
	assert.Equal(t, []float32{1, -1}, fc.Weights["bias"].Floats)
	assert.Equal(t, []string{"out"}, fc.Outputs)
}

func TestFuseBlocked(t *testing.T) {
	t.Run("interface blob", func(t *testing.T) {
		p := denseWithBatchnorm()
		p.Outputs = append(p.Outputs, program.Feature{Name: "fc_out"})
		assert.Equal(t, 0, Fuse(p))
		assert.Len(t, p.Records, 2)
	})
	t.Run("second consumer", func(t *testing.T) {
		p := denseWithBatchnorm()
		p.Records = append(p.Records, program.NewRecord("act", program.OpActivation, []string{"fc_out"}, []string{"act_out"}))
		assert.Equal(t, 0, Fuse(p))
		assert.Len(t, p.Records, 3)
	})
	t.Run("channel mismatch", func(t *testing.T) {
		p := denseWithBatchnorm()
		p.Records[1].Attrs.SetInt("channels", 3)
		assert.Equal(t, 0, Fuse(p))
	})
}

func convRecord(kc, oc, k, groups int) *program.Record {
	r := program.NewRecord("conv", program.OpConvolution, []string{"x"}, []string{"y"})
	r.Attrs.SetInt("kernelChannels", kc)
	r.Attrs.SetInt("outputChannels", oc)
	r.Attrs.SetInts("kernelSize", k, k)
	r.Attrs.SetInt("nGroups", groups)
	return r
}

func TestSelectors(t *testing.T) {
	act := program.NewRecord("act", program.OpActivation, []string{"x"}, []string{"y"})
	assert.False(t, DefaultSelector{}.Select(act, ""))
	assert.True(t, DefaultSelector{}.Select(convRecord(1, 1, 1, 1), ""))

	_, err := NewAdvancedSelector("softmax")
	assert.ErrorContains(t, err, "skip quantization layer types (softmax) not supported")

	s, err := NewAdvancedSelector("bias", "depthwiseConv")
	require.NoError(t, err)
	tests := []struct {
		name  string
		rec   *program.Record
		field string
		want  bool
	}{
		{"large convolution", convRecord(16, 32, 3, 1), "", true},
		{"few kernel channels", convRecord(2, 1024, 3, 1), "", false},
		{"few weights", convRecord(8, 8, 3, 1), "", false},
		{"depthwise", convRecord(1, 4096, 3, 4096), "", false},
		{"convolution bias", convRecord(16, 32, 3, 1), "bias", false},
		{"inner product", program.NewRecord("fc", program.OpInnerProduct, nil, nil), "weights", true},
		{"bias record", program.NewRecord("b", program.OpBias, nil, nil), "", false},
		{"batchnorm", program.NewRecord("bn", program.OpBatchnorm, nil, nil), "", true},
		{"activation", act, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Select(tt.rec, tt.field))
		})
	}
}

func quietLogger() (Option, *test.Hook) {
	logger, hook := test.NewNullLogger()
	return WithLogger(logrus.NewEntry(logger)), hook
}

func TestQuantizeConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		nbits int
		mode  Mode
		opts  []Option
	}{
		{"too many bits", 12, ModeLinear, nil},
		{"zero bits", 0, ModeLinear, nil},
		{"unknown mode", 8, Mode("cubic"), nil},
		{"symmetric below 8 bits", 4, ModeLinearSymmetric, nil},
		{"custom without function", 4, ModeCustomLUT, nil},
		{"invalid skip kind", 8, ModeLinear, []Option{WithSelector(&AdvancedSelector{SkipKinds: []string{"pooling"}})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := denseWithBatchnorm()
			log, _ := quietLogger()
			err := Quantize(p, tt.nbits, tt.mode, append(tt.opts, log)...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, converr.ErrQuantizationConfig))
			assert.Len(t, p.Records, 2)
			assert.Equal(t, program.StateFloat32, p.Records[0].Weights["weights"].State())
			assert.Equal(t, program.SpecVersionBase, p.SpecVersion)
			assert.Error(t, Validate(tt.nbits, tt.mode, tt.opts...))
		})
	}
}

func TestQuantizeProgram(t *testing.T) {
	p := denseWithBatchnorm()
	p.Records = append(p.Records, program.NewRecord("act", program.OpActivation, []string{"out"}, []string{"act_out"}))
	custom := program.NewRecord("lambda", program.OpCustom, []string{"act_out"}, []string{"z"})
	custom.SetWeights("kernel", program.NewWeights(nil, []float32{1, 2}))
	p.Records = append(p.Records, custom)

	log, hook := quietLogger()
	require.NoError(t, Quantize(p, 8, ModeLinear, log))
	assert.Equal(t, program.SpecVersionQuantized, p.SpecVersion)
	require.Len(t, p.Records, 3)
	fc := p.Record("fc")
	assert.Equal(t, program.StateQuantized, fc.Weights["weights"].State())
	assert.Equal(t, program.StateQuantized, fc.Weights["bias"].State())
	assert.Equal(t, program.StateFloat32, custom.Weights["kernel"].State())

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "skipping custom layer 'lambda'; its weights need to be converted manually" {
			warned = true
		}
	}
	assert.True(t, warned)

	require.NoError(t, Dequantize(p, log))
	assert.InDeltaSlice(t, []float32{1, 2, 6, 8}, fc.Weights["weights"].Floats, 7.0/255+1e-6)
	assert.InDeltaSlice(t, []float32{2, 0}, fc.Weights["bias"].Floats, 2.0/255+1e-6)
}

func TestQuantizeFailureLeavesProgram(t *testing.T) {
	p := denseWithBatchnorm()
	// Valid for the weights, too long a table for the bias.
	lut := func(nbits int, w []float32) ([]float32, []uint8, error) {
		idx := make([]uint8, len(w))
		if len(w) == 2 {
			return make([]float32, 1<<nbits+1), idx, nil
		}
		return make([]float32, 1<<nbits), idx, nil
	}

	log, _ := quietLogger()
	err := Quantize(p, 2, ModeCustomLUT, WithLUTFunc(lut), log)
	require.Error(t, err)
	assert.True(t, errors.Is(err, converr.ErrQuantizationConfig), "got %v", err)
	assert.ErrorContains(t, err, "failed to quantize 'fc.bias'")

	require.Len(t, p.Records, 2)
	fc := p.Record("fc")
	assert.Equal(t, []string{"fc_out"}, fc.Outputs)
	assert.Equal(t, program.StateFloat32, fc.Weights["weights"].State())
	assert.Equal(t, []float32{1, 2, 3, 4}, fc.Weights["weights"].Floats)
	assert.Equal(t, []float32{1, 1}, fc.Weights["bias"].Floats)
	assert.Equal(t, program.SpecVersionBase, p.SpecVersion)
}

func TestQuantizeHalfPrecision(t *testing.T) {
	p := denseWithBatchnorm()
	log, _ := quietLogger()
	require.NoError(t, Quantize(p, 16, ModeLinear, log))
	assert.Equal(t, program.SpecVersionHalf, p.SpecVersion)
	// Half precision does not fuse.
	require.Len(t, p.Records, 2)
	for _, r := range p.Records {
		for _, f := range r.WeightFields() {
			assert.Equal(t, program.StateFloat16, r.Weights[f].State(), "%s.%s", r.Name, f)
		}
	}
}

func TestQuantizeDeconvolutionAxis(t *testing.T) {
	b := program.NewBuilder(nil, nil)
	p := b.Program()
	r := program.NewRecord("deconv", program.OpConvolution, []string{"x"}, []string{"y"})
	r.Attrs.SetBool("isDeconvolution", true)
	r.Attrs.SetInt("kernelChannels", 2)
	r.Attrs.SetInt("outputChannels", 3)
	r.Attrs.SetInts("kernelSize", 1, 1)
	r.SetWeights("weights", program.NewWeights([]int{2, 3, 1, 1}, []float32{0, 10, 100, 1, 20, 200}))
	p.Records = append(p.Records, r)

	log, _ := quietLogger()
	require.NoError(t, Quantize(p, 8, ModeLinear, log))
	q := r.Weights["weights"].Quant
	assert.Equal(t, []float32{0, 10, 100}, q.Bias)
	require.NoError(t, Dequantize(p, log))
	assert.InDeltaSlice(t, []float32{0, 10, 100, 1, 20, 200}, r.Weights["weights"].Floats, 1e-4)
}

func TestDequantizeStoredProgram(t *testing.T) {
	p := denseWithBatchnorm()
	log, _ := quietLogger()
	require.NoError(t, Quantize(p, 3, ModeLinearLUT, log))

	m, err := program.ToZMF(p)
	require.NoError(t, err)
	loaded, err := program.FromZMF(m)
	require.NoError(t, err)
	fc := loaded.Record("fc")
	require.NotNil(t, fc)
	require.Equal(t, program.StateQuantized, fc.Weights["weights"].State())
	assert.Equal(t, program.QuantLookupTable, fc.Weights["weights"].Quant.Kind)

	require.NoError(t, Dequantize(loaded, log))
	assert.InDeltaSlice(t, []float32{1, 2, 6, 8}, fc.Weights["weights"].Floats, 7.0/7+1e-6)
}
