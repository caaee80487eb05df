// Package graph turns a Keras model into the flat, wired node list the
// emitter walks: shared layers are duplicated, nested models inlined,
// layout adapters inserted and every edge given a blob name.
package graph

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/zerfoo/zkeras/pkg/keras"
)

// Graph is a mutable directed graph of named nodes. Every node id maps to
// the Keras layer it emits; adjacency is kept both forward and reverse.
type Graph struct {
	// Layers is the node list in emission order.
	Layers []string
	// Inputs and Outputs are the ids of the model interface nodes in order.
	Inputs  []string
	Outputs []string

	model *keras.Model
	nodes map[string]*keras.Layer
	succ  map[string][]string
	pred  map[string][]string

	layersInputs    map[string][]string
	layersOutputs   map[string][]string
	layerOptInputs  map[string][]string
	layerOptOutputs map[string][]string
	optionalInputs  []StateBlob
	optionalOutputs []StateBlob
	// adapters holds the layout Permute nodes inserted by the normalizer.
	adapters map[string]bool

	log *logrus.Entry
}

func newGraph(m *keras.Model) *Graph {
	return &Graph{
		model:           m,
		nodes:           make(map[string]*keras.Layer),
		succ:            make(map[string][]string),
		pred:            make(map[string][]string),
		layersInputs:    make(map[string][]string),
		layersOutputs:   make(map[string][]string),
		layerOptInputs:  make(map[string][]string),
		layerOptOutputs: make(map[string][]string),
		adapters:        make(map[string]bool),
		log:             logrus.WithField("component", "graph"),
	}
}

// Option configures Build.
type Option func(*Graph)

// WithLogger sets the entry used for build, pass and naming diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(g *Graph) {
		if log != nil {
			g.log = log
		}
	}
}

// Layer returns the Keras layer a node emits.
func (g *Graph) Layer(id string) *keras.Layer { return g.nodes[id] }

// Has reports whether id names a node.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Predecessors returns a copy of the node's predecessor list.
func (g *Graph) Predecessors(id string) []string {
	return append([]string(nil), g.pred[id]...)
}

// Successors returns a copy of the node's successor list.
func (g *Graph) Successors(id string) []string {
	return append([]string(nil), g.succ[id]...)
}

// Index returns the position of id in Layers or -1.
func (g *Graph) Index(id string) int {
	return indexOf(g.Layers, id)
}

// Nodes returns the ids of every node that emits l.
func (g *Graph) Nodes(l *keras.Layer) []string {
	var ids []string
	for _, id := range g.Layers {
		if g.nodes[id] == l {
			ids = append(ids, id)
		}
	}
	return ids
}

func (g *Graph) addNode(id string, l *keras.Layer) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.Layers = append(g.Layers, id)
	g.nodes[id] = l
}

func (g *Graph) addEdge(src, snk string) {
	g.succ[src] = appendUnique(g.succ[src], snk)
	g.pred[snk] = appendUnique(g.pred[snk], src)
}

func (g *Graph) removeEdge(src, snk string) {
	g.succ[src] = remove(g.succ[src], snk)
	if len(g.succ[src]) == 0 {
		delete(g.succ, src)
	}
	g.pred[snk] = remove(g.pred[snk], src)
	if len(g.pred[snk]) == 0 {
		delete(g.pred, snk)
	}
}

func (g *Graph) removeOldEdges(id string) {
	for _, p := range g.Predecessors(id) {
		g.removeEdge(p, id)
	}
	for _, s := range g.Successors(id) {
		g.removeEdge(id, s)
	}
}

// removeLayer drops a node and its edges without reconnecting.
func (g *Graph) removeLayer(id string) {
	g.removeOldEdges(id)
	delete(g.nodes, id)
	g.Layers = remove(g.Layers, id)
}

// removeLayerAndReconnect drops a node, wires every predecessor to every
// successor and splices the neighbours into its interface positions.
func (g *Graph) removeLayerAndReconnect(id string) {
	preds := g.Predecessors(id)
	succs := g.Successors(id)
	g.removeOldEdges(id)
	for _, p := range preds {
		for _, s := range succs {
			g.addEdge(p, s)
		}
	}
	g.Layers = remove(g.Layers, id)
	delete(g.nodes, id)

	if idx := indexOf(g.Inputs, id); idx >= 0 {
		g.Inputs = splice(g.Inputs, idx, preds)
	}
	if idx := indexOf(g.Outputs, id); idx >= 0 {
		g.Outputs = splice(g.Outputs, idx, succs)
	}
}

// insertLayerAfter places a new node right after Layers[idx] and moves the
// node's successors and output slot to it.
func (g *Graph) insertLayerAfter(idx int, id string, l *keras.Layer) {
	layer := g.Layers[idx]
	g.Layers = insertAt(g.Layers, idx+1, id)
	g.nodes[id] = l
	succs := g.Successors(layer)
	g.addEdge(layer, id)
	for _, s := range succs {
		g.addEdge(id, s)
		g.removeEdge(layer, s)
	}
	if i := indexOf(g.Outputs, layer); i >= 0 {
		g.Outputs[i] = id
	}
}

// insertLayerBetween splices a new node into the edge src -> snk. An empty
// src inserts in front of snk; an empty snk appends after src.
func (g *Graph) insertLayerBetween(src, snk, id string, l *keras.Layer) {
	pos := g.Index(snk)
	if snk == "" {
		pos = g.Index(src) + 1
	}
	g.Layers = insertAt(g.Layers, pos, id)
	g.nodes[id] = l
	switch {
	case src == "":
		g.addEdge(id, snk)
	case snk == "":
		g.addEdge(src, id)
	default:
		g.addEdge(src, id)
		g.addEdge(id, snk)
		g.removeEdge(src, snk)
	}
	if i := indexOf(g.Outputs, src); src != "" && i >= 0 {
		g.Outputs[i] = id
	}
}

// uniqueID returns id, or id with the smallest "_<n>" suffix not yet used.
func (g *Graph) uniqueID(id string, taken map[string]bool) string {
	if !g.Has(id) && !taken[id] {
		return id
	}
	for n := 1; ; n++ {
		cand := fmt.Sprintf("%s_%d", id, n)
		if !g.Has(cand) && !taken[cand] {
			return cand
		}
	}
}

// Validate checks the structural invariants: every listed node is known
// exactly once, the forward and reverse maps agree, there are no
// self-loops and no edge references a removed node.
func (g *Graph) Validate() error {
	seen := make(map[string]bool, len(g.Layers))
	for _, id := range g.Layers {
		if seen[id] {
			return fmt.Errorf("node '%s' listed twice", id)
		}
		seen[id] = true
		if _, ok := g.nodes[id]; !ok {
			return fmt.Errorf("node '%s' has no layer", id)
		}
	}
	if len(g.nodes) != len(g.Layers) {
		return fmt.Errorf("%d layers mapped for %d listed nodes", len(g.nodes), len(g.Layers))
	}
	for src, succs := range g.succ {
		if !seen[src] {
			return fmt.Errorf("edge from removed node '%s'", src)
		}
		for _, snk := range succs {
			if src == snk {
				return fmt.Errorf("self-loop on '%s'", src)
			}
			if !seen[snk] {
				return fmt.Errorf("edge %s -> %s to removed node", src, snk)
			}
			if indexOf(g.pred[snk], src) < 0 {
				return fmt.Errorf("edge %s -> %s missing from reverse map", src, snk)
			}
		}
	}
	for snk, preds := range g.pred {
		if !seen[snk] {
			return fmt.Errorf("edge into removed node '%s'", snk)
		}
		for _, src := range preds {
			if indexOf(g.succ[src], snk) < 0 {
				return fmt.Errorf("edge %s -> %s missing from forward map", src, snk)
			}
		}
	}
	for _, id := range append(append([]string(nil), g.Inputs...), g.Outputs...) {
		if !seen[id] {
			return fmt.Errorf("interface node '%s' is not in the graph", id)
		}
	}
	return nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func appendUnique(list []string, s string) []string {
	if indexOf(list, s) >= 0 {
		return list
	}
	return append(list, s)
}

func remove(list []string, s string) []string {
	i := indexOf(list, s)
	if i < 0 {
		return list
	}
	return append(list[:i:i], list[i+1:]...)
}

func insertAt(list []string, i int, s string) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, s)
	return append(out, list[i:]...)
}

// splice replaces list[i] by repl.
func splice(list []string, i int, repl []string) []string {
	out := make([]string, 0, len(list)-1+len(repl))
	out = append(out, list[:i]...)
	out = append(out, repl...)
	return append(out, list[i+1:]...)
}
