package graph

import (
	"strconv"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/keras"
)

// Build constructs the top-level graph of a model and runs the normalizer.
func Build(m *keras.Model, opts ...Option) (*Graph, error) {
	g, err := build(m, opts)
	if err != nil {
		return nil, err
	}
	if err := Normalize(g); err != nil {
		return nil, err
	}
	return g, nil
}

// BuildNested constructs the graph of a model embedded in another one.
// Normalization is left to the outer graph.
func BuildNested(m *keras.Model, opts ...Option) (*Graph, error) {
	return build(m, opts)
}

func build(m *keras.Model, opts []Option) (*Graph, error) {
	g := newGraph(m)
	for _, opt := range opts {
		opt(g)
	}
	for _, l := range m.Layers {
		for _, call := range l.Inbound {
			for _, name := range call {
				p := m.Layer(name)
				if p == nil {
					return nil, converr.Integrityf("layer '%s' has unknown inbound layer '%s'", l.Name, name)
				}
				g.addNode(p.Name, p)
				g.addEdge(p.Name, l.Name)
			}
		}
		g.addNode(l.Name, l)
	}

	for idx := g.firstSharedLayer(); idx >= 0; idx = g.firstSharedLayer() {
		g.duplicateShared(idx)
	}
	for idx := g.firstEmbeddedModel(); idx >= 0; idx = g.firstEmbeddedModel() {
		if err := g.inlineModel(idx); err != nil {
			return nil, err
		}
	}

	if err := g.makeInputLayers(); err != nil {
		return nil, err
	}
	if err := g.makeOutputLayers(); err != nil {
		return nil, err
	}
	return g, nil
}

// firstSharedLayer finds a non-merge node called from more than one
// position, each call with its own predecessor.
func (g *Graph) firstSharedLayer() int {
	for i, id := range g.Layers {
		l := g.nodes[id]
		if !l.Kind.IsMerge() && len(g.pred[id]) > 1 && l.CallCount() > 1 {
			return i
		}
	}
	return -1
}

// duplicateShared replaces the node at idx with one copy per predecessor.
// Every copy keeps the full successor set.
func (g *Graph) duplicateShared(idx int) {
	id := g.Layers[idx]
	l := g.nodes[id]
	preds := g.Predecessors(id)
	succs := g.Successors(id)

	copies := make([]string, len(preds))
	taken := map[string]bool{}
	for i := range preds {
		copies[i] = g.uniqueID(id+"_"+strconv.Itoa(i), taken)
		taken[copies[i]] = true
	}
	g.Layers = splice(g.Layers, idx, copies)
	for i, c := range copies {
		g.nodes[c] = l
		g.addEdge(preds[i], c)
		for _, s := range succs {
			g.addEdge(c, s)
		}
	}
	g.removeOldEdges(id)
	delete(g.nodes, id)
	g.log.Debugf("duplicated shared layer '%s' into %v", id, copies)
}

func (g *Graph) firstEmbeddedModel() int {
	for i, id := range g.Layers {
		if g.nodes[id].Model != nil {
			return i
		}
	}
	return -1
}

// inlineModel splices the graph of the nested model at idx in place of its
// placeholder node. Inner nodes are renamed "<outer>_<inner>".
func (g *Graph) inlineModel(idx int) error {
	outer := g.Layers[idx]
	inner, err := BuildNested(g.nodes[outer].Model, WithLogger(g.log.WithField("nested", outer)))
	if err != nil {
		return err
	}

	rename := make(map[string]string, len(inner.Layers))
	taken := map[string]bool{}
	for _, id := range inner.Layers {
		name := g.uniqueID(outer+"_"+id, taken)
		taken[name] = true
		rename[id] = name
	}

	added := make([]string, 0, len(inner.Layers))
	for _, id := range inner.Layers {
		name := rename[id]
		added = append(added, name)
		g.nodes[name] = inner.nodes[id]
		for _, s := range inner.succ[id] {
			g.addEdge(name, rename[s])
		}
		for _, p := range inner.pred[id] {
			g.addEdge(rename[p], name)
		}
	}
	g.Layers = append(g.Layers[:idx+1], append(added, g.Layers[idx+1:]...)...)

	preds := g.Predecessors(outer)
	if len(preds) > len(inner.Inputs) {
		return converr.Integrityf("nested model '%s' has %d inputs but is fed by %d layers", outer, len(inner.Inputs), len(preds))
	}
	for i, p := range preds {
		g.addEdge(p, rename[inner.Inputs[i]])
	}
	succs := g.Successors(outer)
	if len(succs) > len(inner.Outputs) {
		if len(inner.Outputs) == 0 {
			return converr.Integrityf("nested model '%s' has no outputs", outer)
		}
		// A single output may feed several consumers.
		for _, s := range succs {
			g.addEdge(rename[inner.Outputs[0]], s)
		}
	} else {
		for i, s := range succs {
			g.addEdge(rename[inner.Outputs[i]], s)
		}
	}
	g.removeLayer(outer)
	g.log.Debugf("inlined nested model '%s' (%d layers)", outer, len(added))
	return nil
}

// makeInputLayers orders the InputLayer nodes by the model's declared
// inputs.
func (g *Graph) makeInputLayers() error {
	g.Inputs = make([]string, 0, len(g.model.Inputs))
	for _, name := range g.model.Inputs {
		want := g.model.Layer(name)
		found := ""
		for _, id := range g.Layers {
			if l := g.nodes[id]; l == want && l.Kind == keras.KindInputLayer {
				found = id
				break
			}
		}
		if found == "" {
			return converr.Integrityf("input '%s' cannot be identified", name)
		}
		g.Inputs = append(g.Inputs, found)
	}
	return nil
}

// makeOutputLayers maps every declared output layer, nested models
// included, to all nodes that emit it.
func (g *Graph) makeOutputLayers() error {
	g.Outputs = nil
	for _, l := range g.model.OutputLayers() {
		g.Outputs = append(g.Outputs, g.Nodes(l)...)
	}
	if len(g.Outputs) == 0 {
		return converr.Integrityf("No outputs can be identified")
	}
	return nil
}
