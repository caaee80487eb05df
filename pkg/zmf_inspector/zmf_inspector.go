package zmf_inspector

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/zerfoo/zmf"

	"github.com/zerfoo/zkeras/pkg/program"
)

// Load reads and deserializes a ZMF model from a file.
func Load(file string) (*zmf.Model, error) {
	return program.LoadModel(file)
}

// WeightCounts tallies the weight buffers of a decoded program by
// representation. Quantized buffers are also counted per bit width.
type WeightCounts struct {
	Float32   int
	Float16   int
	Quantized int
	ByBits    map[int]int
}

// CountWeights walks every weight field of p.
func CountWeights(p *program.Program) WeightCounts {
	c := WeightCounts{ByBits: map[int]int{}}
	for _, r := range p.Records {
		for _, field := range r.WeightFields() {
			w := r.Weights[field]
			switch w.State() {
			case program.StateFloat32:
				c.Float32++
			case program.StateFloat16:
				c.Float16++
			case program.StateQuantized:
				c.Quantized++
				c.ByBits[w.Quant.NBits]++
			}
		}
	}
	return c
}

// Inspect writes a human-readable summary of a ZMF model to w. Models
// written by this converter also get a program section.
func Inspect(w io.Writer, model *zmf.Model) {
	meta := model.GetMetadata()
	graph := model.GetGraph()
	fmt.Fprintf(w, "Producer: %s %s\n", meta.GetProducerName(), meta.GetProducerVersion())
	fmt.Fprintf(w, "Opset version: %d\n", meta.GetOpsetVersion())
	fmt.Fprintf(w, "Graph has %d nodes.\n", len(graph.GetNodes()))
	fmt.Fprintf(w, "Graph has %d parameters.\n", len(graph.GetParameters()))
	for _, in := range graph.GetInputs() {
		fmt.Fprintf(w, "Input: %s %v\n", in.GetName(), in.GetShape())
	}
	for _, out := range graph.GetOutputs() {
		fmt.Fprintf(w, "Output: %s %v\n", out.GetName(), out.GetShape())
	}

	if meta.GetProducerName() == program.ProducerName {
		if p, err := program.FromZMF(model); err != nil {
			fmt.Fprintf(w, "Program: undecodable (%v)\n", err)
		} else {
			inspectProgram(w, p)
		}
	}

	fmt.Fprintln(w, "\nNodes:")
	for _, node := range graph.GetNodes() {
		fmt.Fprintf(w, "- Node: %s, OpType: %s\n", node.GetName(), node.GetOpType())
		fmt.Fprintf(w, "  Inputs: %v\n", node.GetInputs())
		fmt.Fprintf(w, "  Outputs: %v\n", node.GetOutputs())
		attrs := node.GetAttributes()
		if len(attrs) == 0 {
			continue
		}
		names := make([]string, 0, len(attrs))
		for name := range attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "  Attributes:")
		for _, name := range names {
			fmt.Fprintf(w, "    - %s: %v\n", name, attrs[name].GetValue())
		}
	}
}

func inspectProgram(w io.Writer, p *program.Program) {
	fmt.Fprintf(w, "Spec version: %d\n", p.SpecVersion)
	fmt.Fprintf(w, "Program has %d records.\n", len(p.Records))
	c := CountWeights(p)
	fmt.Fprintf(w, "Weights: %d float32, %d float16, %d quantized\n", c.Float32, c.Float16, c.Quantized)
	if c.Quantized > 0 {
		bits := make([]int, 0, len(c.ByBits))
		for b := range c.ByBits {
			bits = append(bits, b)
		}
		sort.Ints(bits)
		parts := make([]string, len(bits))
		for i, b := range bits {
			parts[i] = fmt.Sprintf("%d-bit x%d", b, c.ByBits[b])
		}
		fmt.Fprintf(w, "Quantized weights: %s\n", strings.Join(parts, ", "))
	}
	if cl := p.Classifier; cl != nil {
		fmt.Fprintf(w, "Classifier: %d labels, predicted feature %s\n", len(cl.Labels), cl.PredictedFeatureName)
	}
	if t := p.Training; t != nil {
		fmt.Fprintf(w, "Training: loss %s, optimizer %s\n", t.Loss, t.Optimizer)
	}
}
