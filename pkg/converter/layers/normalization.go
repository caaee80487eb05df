package layers

import (
	"math"

	"github.com/zerfoo/zkeras/pkg/registry"
)

// FoldBatchNorm folds the running statistics into gamma and beta. The
// returned mean and variance make the runtime's own normalization step an
// identity up to eps.
func FoldBatchNorm(gamma, beta, mean, variance []float32, eps float64) (g, b, m, v []float32) {
	n := len(mean)
	g = make([]float32, n)
	b = make([]float32, n)
	m = make([]float32, n)
	v = make([]float32, n)
	for i := 0; i < n; i++ {
		gi, bi := float64(1), float64(0)
		if gamma != nil {
			gi = float64(gamma[i])
		}
		if beta != nil {
			bi = float64(beta[i])
		}
		f := 1 / math.Sqrt(float64(variance[i])+eps)
		g[i] = float32(gi * f)
		b[i] = float32(bi - gi*float64(mean[i])*f)
		v[i] = 1 - 1e-5
	}
	return g, b, m, v
}

// convertBatchNorm reads gamma, beta, mean and variance in Keras order;
// gamma and beta are absent when scale or center is off.
func convertBatchNorm(c *registry.Call) error {
	in, out, err := blobs(c)
	if err != nil {
		return err
	}
	l := c.Layer.Unwrap()
	idx := 0
	var gamma, beta []float32
	if l.Config.Bool("scale", true) {
		w, err := weight(c, l, idx, 1)
		if err != nil {
			return err
		}
		gamma = w.Data
		idx++
	}
	if l.Config.Bool("center", true) {
		w, err := weight(c, l, idx, 1)
		if err != nil {
			return err
		}
		beta = w.Data
		idx++
	}
	mean, err := weight(c, l, idx, 1)
	if err != nil {
		return err
	}
	variance, err := weight(c, l, idx+1, 1)
	if err != nil {
		return err
	}

	eps := l.Config.Float("epsilon", 1e-3)
	g, b, m, v := FoldBatchNorm(gamma, beta, mean.Data, variance.Data, eps)
	c.Builder.AddBatchnorm(c.Name, len(m), g, b, m, v, float32(eps), in, out)
	frozen(c, "BatchNorm")
	return nil
}
