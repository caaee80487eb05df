// Package layers holds one converter per Keras layer family. Every converter
// reads the layer's configuration and weights and appends the program
// records for one graph node.
package layers

import (
	"fmt"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/registry"
)

// blobs returns the primary input and output blob of a node.
func blobs(c *registry.Call) (string, string, error) {
	if len(c.Inputs) == 0 || len(c.Outputs) == 0 {
		return "", "", fmt.Errorf("layer '%s' has %d inputs and %d outputs", c.Name, len(c.Inputs), len(c.Outputs))
	}
	return c.Inputs[0], c.Outputs[0], nil
}

// weight returns weight i of l and checks its rank.
func weight(c *registry.Call, l *keras.Layer, i, rank int) (*keras.Tensor, error) {
	w, err := l.Weight(i)
	if err != nil {
		return nil, fmt.Errorf("layer '%s': %w", c.Name, err)
	}
	if rank > 0 && len(w.Shape) != rank {
		return nil, fmt.Errorf("layer '%s': weight %d has shape %v, want rank %d", c.Name, i, w.Shape, rank)
	}
	return w, nil
}

// pair reads an int or a two-element list, like Keras kernel_size or
// strides.
func pair(cfg keras.Config, key string, def int) (int, int) {
	v, ok := cfg.Ints(key)
	switch {
	case !ok || len(v) == 0:
		return def, def
	case len(v) == 1:
		return v[0], v[0]
	}
	return v[0], v[1]
}

// first reads an int or the first element of a list.
func first(cfg keras.Config, key string, def int) int {
	v, ok := cfg.Ints(key)
	if !ok || len(v) == 0 {
		return def
	}
	return v[0]
}

func checkDataFormat(c *registry.Call, l *keras.Layer) error {
	if f := l.Config.String("data_format", "channels_last"); f != "channels_last" {
		return converr.Configf(c.Name, "data_format '%s' not supported, only 'channels_last'", f)
	}
	return nil
}

// frozen logs that a trainable layer kind cannot be updated on device.
func frozen(c *registry.Call, kind string) {
	if c.RespectTrainable && c.Layer.Unwrap().Trainable && c.Log != nil {
		c.Log.Warnf("%s layer '%s' is marked updatable, but updating layers of this type is not supported; the layer will be frozen", kind, c.Name)
	}
}

func updatable(c *registry.Call) bool {
	return c.RespectTrainable && c.Layer.Unwrap().Trainable
}

// skip is the converter of layers that emit nothing.
func skip(*registry.Call) error { return nil }
