// Package converter turns a Keras model into a program: it builds and
// normalizes the layer graph, names every blob, resolves the interface
// shapes and emits the records of each node in order.
package converter

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zerfoo/zkeras/pkg/converr"
	"github.com/zerfoo/zkeras/pkg/converter/layers"
	"github.com/zerfoo/zkeras/pkg/graph"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/program"
	"github.com/zerfoo/zkeras/pkg/registry"
	"github.com/zerfoo/zkeras/pkg/shape"
)

// DefaultPredictedFeatureName names the predicted label of a classifier.
const DefaultPredictedFeatureName = "classLabel"

// CustomFunc describes a layer the converter has no entry for. The
// returned attributes and weights are stored on its custom record.
type CustomFunc func(l *keras.Layer) (program.Attrs, map[string]*program.WeightBuffer, error)

// Options controls a conversion. The zero value converts a plain network
// with generated interface names.
type Options struct {
	InputNames  []string
	OutputNames []string
	// InputShapes overrides the declared shape of an input, keyed by input
	// name.
	InputShapes map[string]keras.Shape

	ImageInputNames []string
	IsBGR           bool
	RedBias         float32
	GreenBias       float32
	BlueBias        float32
	GrayBias        float32
	// ImageScale multiplies image inputs. Zero means 1.
	ImageScale float32

	// ClassLabels or ClassLabelsPath, a file with one label per line, turn
	// the program into a classifier.
	ClassLabels                  []string
	ClassLabelsPath              string
	PredictedFeatureName         string
	PredictedProbabilitiesOutput string

	// AddCustomLayers emits a custom record for layers without a converter
	// instead of failing. CustomConversions, keyed by class or activation
	// name, fill in those records and imply AddCustomLayers.
	AddCustomLayers   bool
	CustomConversions map[string]CustomFunc

	// SourceVersion selects the registry table. Empty uses the model's
	// own Keras version.
	SourceVersion    string
	RespectTrainable bool

	Log *logrus.Entry
}

func (o Options) customLayers() bool {
	return o.AddCustomLayers || o.CustomConversions != nil
}

// Convert converts model into a program. Layer shapes the model does not
// declare are inferred first.
func Convert(model *keras.Model, opts Options) (*program.Program, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"run": uuid.New().String(), "model": model.Name})

	version := opts.SourceVersion
	if version == "" {
		version = model.Version
	}
	reg := layers.Registry(version)
	if err := checkUnsupported(model, reg, opts.customLayers()); err != nil {
		return nil, err
	}
	model.InferShapes()

	g, err := graph.Build(model, graph.WithLogger(log.WithField("component", "graph")))
	if err != nil {
		return nil, err
	}
	g.GenerateBlobNames()
	g.AddRecurrentOptionals()

	inputNames := interfaceNames(log, "input", opts.InputNames, len(g.Inputs))
	outputNames := interfaceNames(log, "output", opts.OutputNames, len(g.Outputs))
	g.ResetInputNames(inputNames)
	g.ResetOutputNames(outputNames)

	resolver := shape.NewResolver(opts.InputShapes)
	inShapes := make([]keras.Shape, len(g.Inputs))
	for i, id := range g.Inputs {
		l := g.Layer(id)
		inShapes[i] = l.OutputShape()
		if inShapes[i] == nil {
			inShapes[i] = l.InputShape()
		}
	}
	inDims, err := resolver.ResolveInputs(g, inputNames, inShapes)
	if err != nil {
		return nil, err
	}
	// A shared output layer has one graph output per call.
	outShapes := make([]keras.Shape, len(g.Outputs))
	for i, id := range g.Outputs {
		outShapes[i] = g.Layer(id).OutputShape()
	}
	outDims, err := resolver.ResolveOutputs(outputNames, outShapes)
	if err != nil {
		return nil, err
	}

	b := program.NewBuilder(features(inputNames, inDims), features(outputNames, outDims))
	for i, id := range g.Layers {
		if err := emit(b, reg, g, id, opts, log); err != nil {
			return nil, fmt.Errorf("failed to convert layer '%s': %w", id, err)
		}
		log.Debugf("%d : %s, %s", i, id, g.Layer(id).Class)
	}
	b.AddOptionals(stateFeatures(g.OptionalInputs()), stateFeatures(g.OptionalOutputs()))

	if opts.ClassLabels != nil || opts.ClassLabelsPath != "" {
		c, err := classifier(opts, outputNames)
		if err != nil {
			return nil, err
		}
		b.SetClassifier(c)
	}
	scale := opts.ImageScale
	if scale == 0 {
		scale = 1
	}
	for _, name := range opts.ImageInputNames {
		b.SetPreprocessing(program.ImagePreprocessing{
			Input:     name,
			IsBGR:     opts.IsBGR,
			RedBias:   opts.RedBias,
			GreenBias: opts.GreenBias,
			BlueBias:  opts.BlueBias,
			GrayBias:  opts.GrayBias,
			Scale:     scale,
		})
	}
	p := b.Program()
	if opts.RespectTrainable {
		p.Training = trainingInfo(model.Training, log)
	}
	log.Infof("converted %d layers into %d records", len(g.Layers), len(p.Records))
	return p, nil
}

// checkUnsupported rejects layers no converter handles before any work is
// done, descending into nested models.
func checkUnsupported(model *keras.Model, reg *registry.Registry, custom bool) error {
	return model.Walk(func(l *keras.Layer) error {
		if l.Kind == keras.KindModel {
			return nil
		}
		if !custom && !reg.Supports(l.Kind) {
			return converr.Unsupported(l.Class, l.Name)
		}
		if inner := l.Unwrap(); inner != l && !custom && !reg.Supports(inner.Kind) {
			return converr.Unsupported(inner.Class, l.Name)
		}
		if l.Kind == keras.KindBidirectional && (l.Wrapped == nil || l.Wrapped.Kind != keras.KindLSTM) {
			return converr.Configf(l.Name, "Bidirectional layers only supported with LSTM")
		}
		return nil
	})
}

func emit(b *program.Builder, reg *registry.Registry, g *graph.Graph, id string, opts Options, log *logrus.Entry) error {
	l := g.Layer(id)
	inputs, outputs := g.LayerBlobs(id)
	fn, ok := reg.Lookup(l)
	if ok {
		return fn(&registry.Call{
			Builder:          b,
			Name:             id,
			Layer:            l,
			Inputs:           inputs,
			Outputs:          outputs,
			RespectTrainable: opts.RespectTrainable,
			Log:              log.WithField("layer", id),
		})
	}

	inner := l.Unwrap()
	if !opts.customLayers() {
		return converr.Unsupported(inner.Class, id)
	}
	name := inner.Class
	if inner.Kind == keras.KindActivation {
		name = inner.Activation()
	}
	var (
		attrs   program.Attrs
		weights map[string]*program.WeightBuffer
	)
	if fn := opts.CustomConversions[name]; fn != nil {
		var err error
		if attrs, weights, err = fn(inner); err != nil {
			return err
		}
	}
	log.Warnf("layer '%s' (%s) emitted as a custom layer", id, name)
	b.AddCustom(id, name, inputs, outputs, attrs, weights)
	return nil
}

// interfaceNames returns the caller's names when they cover every
// interface slot, and "<prefix><n>" otherwise.
func interfaceNames(log *logrus.Entry, prefix string, names []string, n int) []string {
	if names != nil {
		if len(names) == n {
			return names
		}
		log.Warnf("%d %s names given for %d %ss, using generated names", len(names), prefix, n, prefix)
	}
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return out
}

func features(names []string, dims [][]int) []program.Feature {
	out := make([]program.Feature, len(names))
	for i, name := range names {
		out[i] = program.Feature{Name: name, Shape: dims[i]}
	}
	return out
}

func stateFeatures(blobs []graph.StateBlob) []program.Feature {
	out := make([]program.Feature, len(blobs))
	for i, s := range blobs {
		out[i] = program.Feature{Name: s.Name, Shape: []int{s.Width}}
	}
	return out
}

func classifier(opts Options, outputNames []string) (*program.Classifier, error) {
	labels := opts.ClassLabels
	if labels == nil {
		data, err := os.ReadFile(opts.ClassLabelsPath)
		if os.IsNotExist(err) {
			return nil, converr.Integrityf("path to class labels (%s) does not exist", opts.ClassLabelsPath)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read class labels: %w", err)
		}
		labels = strings.Split(strings.TrimRight(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n"), "\n")
	}
	c := &program.Classifier{
		Labels:               labels,
		PredictedFeatureName: opts.PredictedFeatureName,
		ProbabilitiesOutput:  opts.PredictedProbabilitiesOutput,
	}
	if c.PredictedFeatureName == "" {
		c.PredictedFeatureName = DefaultPredictedFeatureName
	}
	if c.ProbabilitiesOutput == "" && len(outputNames) > 0 {
		c.ProbabilitiesOutput = outputNames[0]
	}
	return c, nil
}
