package inspector

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zerfoo/zkeras/pkg/converter/layers"
	"github.com/zerfoo/zkeras/pkg/importer"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/registry"
	"github.com/zerfoo/zkeras/pkg/zmf_inspector"
)

// InspectKeras inspects a Keras model directory and prints its summary.
func InspectKeras(dir string) error {
	fmt.Printf("Inspecting Keras model from: %s\n", dir)

	model, err := importer.Load(dir)
	if err != nil {
		return fmt.Errorf("failed to load Keras model: %w", err)
	}

	fmt.Printf("Successfully loaded %s model '%s'\n", model.Class, model.Name)
	if model.Version != "" {
		fmt.Printf("Keras version: %s\n", model.Version)
	}
	fmt.Printf("Inputs: %s\n", strings.Join(model.Inputs, ", "))
	fmt.Printf("Outputs: %s\n", strings.Join(model.Outputs, ", "))
	if loss := model.Training.String("loss", ""); loss != "" {
		fmt.Printf("Training loss: %s\n", loss)
	}

	reg := layers.Registry(model.Version)
	unsupported := printLayers(os.Stdout, model, reg, "")
	if unsupported > 0 {
		fmt.Printf("%d layers have no converter.\n", unsupported)
	}
	return nil
}

// printLayers lists the layers of m, indenting nested models, and returns
// how many of them the registry cannot convert.
func printLayers(w io.Writer, m *keras.Model, reg *registry.Registry, indent string) int {
	fmt.Fprintf(w, "%sModel has %d layers.\n", indent, len(m.Layers))
	unsupported := 0
	for _, l := range m.Layers {
		fmt.Fprintf(w, "%s- Layer: %s, Class: %s", indent, l.Name, l.Class)
		if l.Wrapped != nil {
			fmt.Fprintf(w, "(%s)", l.Wrapped.Class)
		}
		if s := l.OutputShape(); s != nil {
			fmt.Fprintf(w, ", Output: %s", s)
		}
		if l.Kind != keras.KindModel && !reg.Supports(l.Unwrap().Kind) {
			fmt.Fprint(w, " [unsupported]")
			unsupported++
		}
		fmt.Fprintln(w)
		for _, call := range l.Inbound {
			fmt.Fprintf(w, "%s  Inbound: %v\n", indent, call)
		}
		for i, t := range l.Unwrap().Weights {
			fmt.Fprintf(w, "%s  Weight %d: %v\n", indent, i, t.Shape)
		}
		if l.Model != nil {
			unsupported += printLayers(w, l.Model, reg, indent+"  ")
		}
	}
	return unsupported
}

// InspectZMF inspects a ZMF model and prints its summary.
func InspectZMF(inputFile string) error {
	fmt.Printf("Inspecting ZMF model from: %s\n", inputFile)

	model, err := zmf_inspector.Load(inputFile)
	if err != nil {
		return fmt.Errorf("failed to load ZMF model: %w", err)
	}

	zmf_inspector.Inspect(os.Stdout, model)

	return nil
}
