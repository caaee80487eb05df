package program

import "fmt"

// Transpose permutes the axes of a row-major array. The result has shape
// shape[perm[0]], shape[perm[1]], ...
func Transpose(data []float32, shape, perm []int) ([]float32, error) {
	if len(shape) != len(perm) {
		return nil, fmt.Errorf("transpose of rank %d array with %d axes", len(shape), len(perm))
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("transpose: shape %v holds %d elements, got %d", shape, n, len(data))
	}
	rank := len(shape)
	strides := make([]int, rank)
	s := 1
	for i := rank - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	outShape := make([]int, rank)
	seen := make([]bool, rank)
	for i, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			return nil, fmt.Errorf("transpose: invalid permutation %v", perm)
		}
		seen[p] = true
		outShape[i] = shape[p]
	}

	out := make([]float32, n)
	idx := make([]int, rank)
	for o := 0; o < n; o++ {
		src := 0
		for i := 0; i < rank; i++ {
			src += idx[i] * strides[perm[i]]
		}
		out[o] = data[src]
		for i := rank - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < outShape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out, nil
}

// Transpose2D transposes a rows x cols matrix.
func Transpose2D(data []float32, rows, cols int) ([]float32, error) {
	return Transpose(data, []int{rows, cols}, []int{1, 0})
}

// Rows returns rows [from, from+count) of a row-major matrix with the given
// number of columns.
func Rows(data []float32, cols, from, count int) []float32 {
	out := make([]float32, count*cols)
	copy(out, data[from*cols:(from+count)*cols])
	return out
}
