// Package quantization compresses the weight buffers of a converted program
// to half precision or to 1 to 8 bit indices, and expands them back.
package quantization

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
)

// LUTFunc builds a lookup table of at most 2^nbits entries for w, plus the
// table index of every element.
type LUTFunc func(nbits int, w []float32) (lut []float32, q []uint8, err error)

// Pack stores nbits per index, most significant bit first. The result is
// zero padded to a byte boundary and is never empty.
func Pack(indices []uint8, nbits int) []byte {
	size := (len(indices)*nbits + 7) / 8
	if size == 0 {
		size = 1
	}
	out := make([]byte, size)
	bit := 0
	for _, v := range indices {
		for i := nbits - 1; i >= 0; i-- {
			if v>>uint(i)&1 == 1 {
				out[bit/8] |= 1 << uint(7-bit%8)
			}
			bit++
		}
	}
	return out
}

// Unpack reads n indices of nbits each from data.
func Unpack(data []byte, n, nbits int) []uint8 {
	out := make([]uint8, n)
	bit := 0
	for k := range out {
		var v uint8
		for i := 0; i < nbits; i++ {
			v <<= 1
			if idx := bit / 8; idx < len(data) {
				v |= data[idx] >> uint(7-bit%8) & 1
			}
			bit++
		}
		out[k] = v
	}
	return out
}

// channels returns the number of quantization channels of a tensor and a
// function mapping a flat element index to its channel. Vectors are a
// single channel; axis 1 is only valid for rank-4 tensors.
func channels(shape []int, axis int) (int, func(int) int, error) {
	if axis != 0 && axis != 1 {
		return 0, nil, fmt.Errorf("invalid quantization axis %d, allowed values are 0 and 1", axis)
	}
	if axis == 1 && len(shape) != 4 {
		return 0, nil, fmt.Errorf("quantization on the second axis is only supported for rank-4 weights")
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if len(shape) <= 1 || n == 0 {
		return 1, func(int) int { return 0 }, nil
	}
	if axis == 0 {
		per := n / shape[0]
		return shape[0], func(i int) int { return i / per }, nil
	}
	inner := n / (shape[0] * shape[1])
	c := shape[1]
	return c, func(i int) int { return i / inner % c }, nil
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// QuantizeLinear maps w to nbits indices channel by channel. Each channel
// gets scale = (max-min)/(2^nbits-1) and bias = min; with symmetric the
// range is [-r, r] for the channel's largest magnitude r and bias is
// -(2^nbits)/2*scale.
func QuantizeLinear(w []float32, shape []int, nbits, axis int, symmetric bool) (q []uint8, scale, bias []float32, err error) {
	if shape == nil {
		shape = []int{len(w)}
	}
	if elements(shape) != len(w) {
		return nil, nil, nil, fmt.Errorf("shape %v does not match %d weights", shape, len(w))
	}
	nc, channelOf, err := channels(shape, axis)
	if err != nil {
		return nil, nil, nil, err
	}

	lo := make([]float64, nc)
	hi := make([]float64, nc)
	for c := range lo {
		lo[c], hi[c] = math.Inf(1), math.Inf(-1)
	}
	for i, v := range w {
		c := channelOf(i)
		lo[c] = math.Min(lo[c], float64(v))
		hi[c] = math.Max(hi[c], float64(v))
	}

	levels := float64(int(1)<<nbits - 1)
	s := make([]float64, nc)
	b := make([]float64, nc)
	for c := range s {
		if math.IsInf(lo[c], 1) {
			lo[c], hi[c] = 0, 0
		}
		if symmetric {
			r := math.Max(math.Abs(lo[c]), math.Abs(hi[c]))
			s[c] = r / (float64(int(1)<<nbits)/2 - 1)
			b[c] = -float64(int(1)<<nbits) / 2 * s[c]
		} else {
			s[c] = (hi[c] - lo[c]) / levels
			b[c] = lo[c]
		}
	}

	q = make([]uint8, len(w))
	for i, v := range w {
		c := channelOf(i)
		if math.Abs(s[c]) <= 1e-6 {
			continue
		}
		x := math.Round((float64(v) - b[c]) / s[c])
		q[i] = uint8(math.Max(0, math.Min(levels, x)))
	}
	scale = make([]float32, nc)
	bias = make([]float32, nc)
	for c := range s {
		scale[c] = float32(s[c])
		bias[c] = float32(b[c])
	}
	return q, scale, bias, nil
}

// DequantizeLinear expands indices produced by QuantizeLinear. A single
// scale and bias apply to every element.
func DequantizeLinear(q []uint8, shape []int, scale, bias []float32, axis int) ([]float32, error) {
	if len(scale) != len(bias) {
		return nil, fmt.Errorf("linear quantization scale and bias vectors are different lengths")
	}
	if len(scale) == 0 {
		return nil, fmt.Errorf("linear quantization has no scale")
	}
	channelOf := func(int) int { return 0 }
	if len(scale) > 1 {
		nc, fn, err := channels(shape, axis)
		if err != nil {
			return nil, err
		}
		if nc != len(scale) {
			return nil, fmt.Errorf("%d scales for %d channels", len(scale), nc)
		}
		channelOf = fn
	}
	out := make([]float32, len(q))
	for i, v := range q {
		c := channelOf(i)
		out[i] = float32(v)*scale[c] + bias[c]
	}
	return out, nil
}

// LinearLUT quantizes w as one linear channel and writes the 2^nbits
// dequantized levels out as a table.
func LinearLUT(nbits int, w []float32) ([]float32, []uint8, error) {
	q, scale, bias, err := QuantizeLinear(w, []int{len(w)}, nbits, 0, false)
	if err != nil {
		return nil, nil, err
	}
	lut := make([]float32, 1<<nbits)
	for i := range lut {
		lut[i] = float32(i)*scale[0] + bias[0]
	}
	return lut, q, nil
}

const (
	kmeansSeed    = 0
	kmeansTol     = 1e-2
	kmeansMaxIter = 300
)

// KMeansLUT clusters w into at most 2^nbits centroids with Lloyd's
// algorithm. Seeding is k-means++ from a fixed seed, so the table is
// reproducible. Unused table entries are zero.
func KMeansLUT(nbits int, w []float32) ([]float32, []uint8, error) {
	lut := make([]float32, 1<<nbits)
	if len(w) == 0 {
		return lut, nil, nil
	}
	k := min(len(w), len(lut))
	data := make([]float64, len(w))
	var mean float64
	for i, v := range w {
		data[i] = float64(v)
		mean += data[i]
	}
	mean /= float64(len(data))
	var variance float64
	for _, v := range data {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(data))
	tol := kmeansTol * variance

	centroids := seedCentroids(data, k, rand.New(rand.NewSource(kmeansSeed)))
	assign := make([]int, len(data))
	for iter := 0; iter < kmeansMaxIter; iter++ {
		sort.Float64s(centroids)
		for i, v := range data {
			assign[i] = nearest(centroids, v)
		}
		sums := make([]float64, k)
		counts := make([]int, k)
		for i, c := range assign {
			sums[c] += data[i]
			counts[c]++
		}
		var shift float64
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			next := sums[c] / float64(counts[c])
			shift += (next - centroids[c]) * (next - centroids[c])
			centroids[c] = next
		}
		if shift <= tol {
			break
		}
	}

	sort.Float64s(centroids)
	q := make([]uint8, len(data))
	for i, v := range data {
		q[i] = uint8(nearest(centroids, v))
	}
	for c, v := range centroids {
		lut[c] = float32(v)
	}
	return lut, q, nil
}

// seedCentroids picks k starting centroids, each new one drawn with
// probability proportional to its squared distance from the closest one
// already chosen.
func seedCentroids(data []float64, k int, rng *rand.Rand) []float64 {
	centroids := []float64{data[rng.Intn(len(data))]}
	dist := make([]float64, len(data))
	for len(centroids) < k {
		var total float64
		for i, v := range data {
			d := math.Inf(1)
			for _, c := range centroids {
				d = math.Min(d, (v-c)*(v-c))
			}
			dist[i] = d
			total += d
		}
		if total == 0 {
			centroids = append(centroids, data[rng.Intn(len(data))])
			continue
		}
		target := rng.Float64() * total
		pick := len(data) - 1
		for i, d := range dist {
			if target -= d; target <= 0 && d > 0 {
				pick = i
				break
			}
		}
		centroids = append(centroids, data[pick])
	}
	return centroids
}

// nearest returns the index of the centroid closest to v. centroids must
// be sorted.
func nearest(centroids []float64, v float64) int {
	i, _ := slices.BinarySearch(centroids, v)
	switch {
	case i == 0:
		return 0
	case i == len(centroids):
		return len(centroids) - 1
	case v-centroids[i-1] <= centroids[i]-v:
		return i - 1
	}
	return i
}
