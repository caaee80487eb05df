// Package shape maps Keras tensor shapes, which carry unbound batch and
// sequence axes, onto the fixed-rank feature shapes of a ZMF program.
package shape

import (
	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/graph"
	"github.com/zerfoo/zkeras/pkg/keras"
)

// Resolver resolves input and output feature shapes. Overrides replace the
// declared shape of the input with the same feature name.
type Resolver struct {
	overrides map[string]keras.Shape
}

func NewResolver(overrides map[string]keras.Shape) *Resolver {
	return &Resolver{overrides: overrides}
}

// ResolveInput maps the declared shape of one model input to its target
// shape. feedsEmbedding marks an input whose first consumer is an Embedding
// layer; its single bound dim is then a sequence length.
func (r *Resolver) ResolveInput(name string, unfiltered keras.Shape, feedsEmbedding bool) ([]int, error) {
	if o, ok := r.overrides[name]; ok {
		unfiltered = o
	}
	dim := unfiltered.Bound()

	switch len(unfiltered) {
	case 1:
		if len(dim) == 1 {
			return dim, nil
		}
		return nil, invalidInput(name, unfiltered, "a finite channel value [D]")
	case 2:
		switch len(dim) {
		case 2:
			return []int{dim[1]}, nil
		case 1:
			if feedsEmbedding {
				return []int{1}, nil
			}
			return dim, nil
		default:
			// Unknown sequence length.
			return []int{1}, nil
		}
	case 3:
		switch len(dim) {
		case 3:
			return []int{dim[2]}, nil
		case 2:
			return []int{dim[1]}, nil
		case 1:
			return dim, nil
		}
		return nil, invalidInput(name, unfiltered, "a finite channel value [None,None,D]")
	case 4:
		if len(dim) == 3 {
			return []int{dim[2], dim[0], dim[1]}, nil
		}
		return nil, invalidInput(name, unfiltered, "a finite height, width and channel value [None,H,W,C]")
	case 5:
		if len(dim) == 4 {
			return []int{dim[3], dim[1], dim[2]}, nil
		}
		return nil, invalidInput(name, unfiltered, "[None,Seq,H,W,C]")
	}
	return nil, converr.Shapef(name, "input shape %s has rank %d which cannot be mapped", unfiltered, len(unfiltered))
}

func invalidInput(name string, s keras.Shape, want string) error {
	return converr.Shapef(name, "invalid input shape %s: provide %s with input_shapes (-input-shape %s=...)", s, want, name)
}

// ResolveOutput maps the declared shape of one model output. The batch axis
// is dropped, then the bound dims map 1 -> [D], 2 -> [D2], 3 -> [C,H,W].
func (r *Resolver) ResolveOutput(name string, unfiltered keras.Shape) ([]int, error) {
	var dim []int
	if len(unfiltered) > 0 {
		dim = unfiltered[1:].Bound()
	}
	switch len(dim) {
	case 1:
		return dim, nil
	case 2:
		return []int{dim[1]}, nil
	case 3:
		return []int{dim[2], dim[0], dim[1]}, nil
	}
	return nil, converr.Shapef(name, "output shape %s has %d bound dims, want 1 to 3", unfiltered, len(dim))
}

// ResolveInputs resolves every graph input in order. names and shapes are
// parallel to g.Inputs.
func (r *Resolver) ResolveInputs(g *graph.Graph, names []string, shapes []keras.Shape) ([][]int, error) {
	if len(names) != len(g.Inputs) || len(shapes) != len(g.Inputs) {
		return nil, converr.Integrityf("%d inputs, %d names and %d shapes", len(g.Inputs), len(names), len(shapes))
	}
	out := make([][]int, len(g.Inputs))
	for i, id := range g.Inputs {
		dims, err := r.ResolveInput(names[i], shapes[i], feedsEmbedding(g, id))
		if err != nil {
			return nil, err
		}
		out[i] = dims
	}
	return out, nil
}

// ResolveOutputs resolves every declared output shape in order.
func (r *Resolver) ResolveOutputs(names []string, shapes []keras.Shape) ([][]int, error) {
	if len(names) != len(shapes) {
		return nil, converr.Integrityf("%d output names for %d output shapes", len(names), len(shapes))
	}
	out := make([][]int, len(shapes))
	for i, s := range shapes {
		dims, err := r.ResolveOutput(names[i], s)
		if err != nil {
			return nil, err
		}
		out[i] = dims
	}
	return out, nil
}

func feedsEmbedding(g *graph.Graph, id string) bool {
	succs := g.Successors(id)
	if len(succs) == 0 {
		return false
	}
	l := g.Layer(succs[0])
	return l != nil && l.Kind == keras.KindEmbedding
}
