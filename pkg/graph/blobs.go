package graph

import "github.com/zerfoo/zkeras/pkg/keras"

// StateBlob is an optional recurrent state input or output.
type StateBlob struct {
	Name  string
	Width int
}

// OutputBlob is the default name of a node's output blob.
func OutputBlob(id string) string { return id + "_output" }

// GenerateBlobNames gives every non-input node the inputs "<pred>_output"
// and the output "<id>_output".
func (g *Graph) GenerateBlobNames() {
	for _, id := range g.Layers {
		if g.nodes[id].Kind == keras.KindInputLayer {
			continue
		}
		for _, p := range g.pred[id] {
			g.layersInputs[id] = appendUnique(g.layersInputs[id], OutputBlob(p))
		}
		g.layersOutputs[id] = appendUnique(g.layersOutputs[id], OutputBlob(id))
	}
}

// LayerBlobs returns the input and output blob names of a node, optional
// state blobs appended. Input layers have none.
func (g *Graph) LayerBlobs(id string) (inputs, outputs []string) {
	if g.nodes[id].Kind == keras.KindInputLayer {
		return nil, nil
	}
	inputs = append(append([]string(nil), g.layersInputs[id]...), g.layerOptInputs[id]...)
	outputs = append(append([]string(nil), g.layersOutputs[id]...), g.layerOptOutputs[id]...)
	return inputs, outputs
}

// ResetInputNames renames the blobs the model inputs feed to their
// consumers. A nil names leaves the graph alone; a length mismatch is
// logged and ignored.
func (g *Graph) ResetInputNames(names []string) {
	if names == nil {
		return
	}
	if len(names) != len(g.Inputs) {
		g.log.Warnf("input name length mismatch: %d names for %d inputs", len(names), len(g.Inputs))
		return
	}
	for i, in := range g.Inputs {
		old := OutputBlob(in)
		for _, s := range g.succ[in] {
			if j := indexOf(g.layersInputs[s], old); j >= 0 {
				g.layersInputs[s][j] = names[i]
			}
		}
	}
}

// ResetOutputNames renames the output blob of every model output
// everywhere it appears. A length mismatch is logged and ignored.
func (g *Graph) ResetOutputNames(names []string) {
	if names == nil {
		return
	}
	if len(names) != len(g.Outputs) {
		g.log.Warnf("output name length mismatch: %d names for %d outputs", len(names), len(g.Outputs))
		return
	}
	for i, out := range g.Outputs {
		blobs := g.layersOutputs[out]
		if len(blobs) == 0 {
			continue
		}
		g.replaceBlobName(blobs[0], names[i])
	}
}

func (g *Graph) replaceBlobName(old, name string) {
	for _, blobs := range g.layersOutputs {
		for i, b := range blobs {
			if b == old {
				blobs[i] = name
			}
		}
	}
	for _, blobs := range g.layersInputs {
		for i, b := range blobs {
			if b == old {
				blobs[i] = name
			}
		}
	}
}

// AddRecurrentOptionals registers the hidden and cell state blobs of every
// recurrent node.
func (g *Graph) AddRecurrentOptionals() {
	for _, id := range g.Layers {
		l := g.nodes[id]
		if !l.Kind.IsRecurrent() {
			continue
		}
		hidden := l.Config.Int("units", 0)
		if l.Kind == keras.KindBidirectional && l.Wrapped != nil {
			hidden = l.Wrapped.Config.Int("units", 0)
		}

		g.addOptional(id, id+"_h_in", id+"_h_out", hidden)
		switch l.Kind {
		case keras.KindLSTM:
			g.addOptional(id, id+"_c_in", id+"_c_out", hidden)
		case keras.KindBidirectional:
			g.addOptional(id, id+"_c_in", id+"_c_out", hidden)
			g.addOptional(id, id+"_h_in_rev", id+"_h_out_rev", hidden)
			g.addOptional(id, id+"_c_in_rev", id+"_c_out_rev", hidden)
		}
	}
}

func (g *Graph) addOptional(id, in, out string, width int) {
	g.optionalInputs = append(g.optionalInputs, StateBlob{Name: in, Width: width})
	g.optionalOutputs = append(g.optionalOutputs, StateBlob{Name: out, Width: width})
	g.layerOptInputs[id] = appendUnique(g.layerOptInputs[id], in)
	g.layerOptOutputs[id] = appendUnique(g.layerOptOutputs[id], out)
}

// OptionalInputs returns the recurrent state inputs in registration order.
func (g *Graph) OptionalInputs() []StateBlob {
	return append([]StateBlob(nil), g.optionalInputs...)
}

func (g *Graph) OptionalOutputs() []StateBlob {
	return append([]StateBlob(nil), g.optionalOutputs...)
}
