package graph

import (
	"fmt"

	"github.com/zerfoo/zkeras/pkg/keras"
)

// Pass is one graph rewrite of the normalizer.
type Pass interface {
	Name() string
	Run(g *Graph) error
}

// DefaultPasses returns the normalizer passes in the order they must run.
func DefaultPasses() []Pass {
	return []Pass{
		skipLayersPass{},
		permute1DPass{},
		spatialBatchNormPass{},
		defuseActivationPass{},
		internalInputsPass{},
	}
}

// Normalize runs the default passes over a top-level graph.
func Normalize(g *Graph) error {
	for _, p := range DefaultPasses() {
		before := len(g.Layers)
		if err := p.Run(g); err != nil {
			return fmt.Errorf("graph pass %s failed: %w", p.Name(), err)
		}
		g.log.WithField("pass", p.Name()).Debugf("%d -> %d nodes", before, len(g.Layers))
	}
	return nil
}

// skipLayersPass removes inference no-ops such as dropout.
type skipLayersPass struct{}

func (skipLayersPass) Name() string { return "skip_layers" }

func (skipLayersPass) Run(g *Graph) error {
	for _, kind := range []keras.Kind{keras.KindDropout, keras.KindSpatialDropout1D, keras.KindSpatialDropout2D} {
		for idx := g.firstOfKind(kind); idx >= 0; idx = g.firstOfKind(kind) {
			g.removeLayerAndReconnect(g.Layers[idx])
		}
	}
	return nil
}

func (g *Graph) firstOfKind(kind keras.Kind) int {
	for i, id := range g.Layers {
		if g.nodes[id].Kind == kind {
			return i
		}
	}
	return -1
}

// permute1DPass wraps every 1-D region in Permute(3,1,2,0) nodes that swap
// the sequence axis with the width axis.
type permute1DPass struct{}

func (permute1DPass) Name() string { return "permute_1d" }

func (permute1DPass) Run(g *Graph) error {
	in, out := g.interfaceEdges1D()
	for _, e := range in {
		name := e.src + "_permute_" + e.snk
		if e.src == "" {
			name = "_permute_" + e.snk
		}
		g.insertAdapter(e.src, e.snk, name, 3, 1, 2, 0)
	}
	for _, e := range out {
		name := e.src + "_permute_" + e.snk
		g.insertAdapter(e.src, e.snk, name, 3, 1, 2, 0)
	}
	return nil
}

// insertAdapter splices a layout Permute into src -> snk and remembers it,
// so a later run sees the boundary as already adapted.
func (g *Graph) insertAdapter(src, snk, name string, dims ...int) {
	g.insertLayerBetween(src, snk, name, keras.NewPermute(name, dims...))
	g.adapters[name] = true
}

type edge struct{ src, snk string }

// edgeSet keeps insertion order and drops duplicates.
type edgeSet struct {
	list []edge
	seen map[edge]bool
}

func (s *edgeSet) add(e edge) {
	if s.seen == nil {
		s.seen = map[edge]bool{}
	}
	if !s.seen[e] {
		s.seen[e] = true
		s.list = append(s.list, e)
	}
}

func (g *Graph) is1D(id string) bool {
	l := g.nodes[id]
	return l != nil && l.Kind.Is1D()
}

func (g *Graph) isActivation(id string) bool {
	l := g.nodes[id]
	return l != nil && l.Kind.IsActivation()
}

func (g *Graph) isNormalization(id string) bool {
	l := g.nodes[id]
	return l != nil && l.Kind.IsNormalization()
}

// interfaceEdges1D returns the edges entering and leaving 1-D regions. An
// empty src marks a 1-D model input; an empty snk a 1-D model output.
func (g *Graph) interfaceEdges1D() (in, out []edge) {
	var ins, outs edgeSet
	for _, id := range g.Layers {
		if !g.is1D(id) {
			continue
		}
		preds := g.pred[id]
		if len(preds) == 0 {
			ins.add(edge{"", id})
			continue
		}
		u, v := preds[0], id
		for u != "" && (g.isActivation(u) || g.isNormalization(u)) {
			v = u
			u = ""
			if p := g.pred[v]; len(p) > 0 {
				u = p[0]
			}
		}
		if g.adapters[u] {
			continue
		}
		if u == "" || !g.is1D(u) {
			ins.add(edge{u, v})
		}
	}

	for _, id := range g.Layers {
		if !g.is1D(id) {
			continue
		}
		if indexOf(g.Outputs, id) >= 0 {
			outs.add(edge{id, ""})
		}
		succs := g.succ[id]
		if len(succs) == 0 {
			continue
		}
		if !g.isActivation(succs[0]) {
			for _, s := range succs {
				if !g.is1D(s) && !g.adapters[s] {
					outs.add(edge{id, s})
				}
			}
			continue
		}
		act := succs[0]
		actSuccs := g.succ[act]
		if len(actSuccs) == 0 {
			outs.add(edge{act, ""})
			continue
		}
		for _, s := range actSuccs {
			if !g.is1D(s) && !g.adapters[s] {
				outs.add(edge{act, s})
			}
		}
	}
	return ins.list, outs.list
}

// spatialBatchNormPass moves a spatially applied batch normalization onto
// the channel axis and back.
type spatialBatchNormPass struct{}

func (spatialBatchNormPass) Name() string { return "spatial_batchnorm" }

func (spatialBatchNormPass) Run(g *Graph) error {
	var spatial []string
	for _, id := range g.Layers {
		l := g.nodes[id]
		if l.Kind != keras.KindBatchNormalization || len(l.InputShape()) != 4 {
			continue
		}
		if preds := g.pred[id]; len(preds) > 0 && g.adapters[preds[0]] {
			continue
		}
		if axis := batchNormAxis(l); axis == 1 || axis == 2 {
			spatial = append(spatial, id)
		}
	}
	for _, bn := range spatial {
		dims := []int{0, 3, 2, 1}
		if batchNormAxis(g.nodes[bn]) == 1 {
			dims = []int{0, 2, 1, 3}
		}
		preds := g.pred[bn]
		if len(preds) == 0 {
			return fmt.Errorf("batch normalization '%s' has no input", bn)
		}
		pred := preds[0]
		g.insertAdapter(pred, bn, pred+"_permute_"+bn, dims...)

		succs := g.Successors(bn)
		if len(succs) == 0 {
			g.insertAdapter(bn, "", bn+"_permute_", dims...)
			continue
		}
		for _, s := range succs {
			g.insertAdapter(bn, s, bn+"_permute_"+s, dims...)
		}
	}
	return nil
}

func batchNormAxis(l *keras.Layer) int {
	if axes, ok := l.Config.Ints("axis"); ok && len(axes) > 0 {
		return axes[0]
	}
	return -1
}

// defuseActivationPass splits a fused activation off dense and
// convolutional layers into its own Activation node.
type defuseActivationPass struct{}

func (defuseActivationPass) Name() string { return "defuse_activation" }

func (defuseActivationPass) Run(g *Graph) error {
	for idx := 0; idx < len(g.Layers); idx++ {
		id := g.Layers[idx]
		l := g.nodes[id].Unwrap()
		if !hasFusedActivation(l.Kind) {
			continue
		}
		fn := l.Activation()
		if fn == "linear" {
			continue
		}
		name := id + "__activation__"
		if g.Has(name) {
			continue
		}
		g.insertLayerAfter(idx, name, keras.NewActivation(name, fn))
		idx++
	}
	return nil
}

func hasFusedActivation(k keras.Kind) bool {
	switch k {
	case keras.KindDense, keras.KindConv1D, keras.KindConv2D, keras.KindConv2DTranspose,
		keras.KindDepthwiseConv2D, keras.KindSeparableConv1D, keras.KindSeparableConv2D:
		return true
	}
	return false
}

// internalInputsPass removes InputLayer nodes left fed by outer layers after
// inlining.
type internalInputsPass struct{}

func (internalInputsPass) Name() string { return "internal_inputs" }

func (internalInputsPass) Run(g *Graph) error {
	for idx := 0; idx < len(g.Layers); idx++ {
		id := g.Layers[idx]
		if g.nodes[id].Kind == keras.KindInputLayer && len(g.pred[id]) > 0 {
			g.removeLayerAndReconnect(id)
			idx--
		}
	}
	return nil
}
