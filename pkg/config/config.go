// Package config reads conversion profiles: YAML files holding the
// converter and quantization options of a model, so a conversion can be
// repeated without a long command line.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zerfoo/zkeras/pkg/converter"
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/quantization"
)

// Profile is the YAML form of a conversion. Axes of input_shapes may be
// null for unbound dims.
type Profile struct {
	InputNames  []string          `yaml:"input_names,omitempty"`
	OutputNames []string          `yaml:"output_names,omitempty"`
	InputShapes map[string][]*int `yaml:"input_shapes,omitempty"`

	ImageInputNames []string `yaml:"image_input_names,omitempty"`
	IsBGR           bool     `yaml:"is_bgr,omitempty"`
	RedBias         float32  `yaml:"red_bias,omitempty"`
	GreenBias       float32  `yaml:"green_bias,omitempty"`
	BlueBias        float32  `yaml:"blue_bias,omitempty"`
	GrayBias        float32  `yaml:"gray_bias,omitempty"`
	ImageScale      float32  `yaml:"image_scale,omitempty"`

	ClassLabels                  []string `yaml:"class_labels,omitempty"`
	ClassLabelsPath              string   `yaml:"class_labels_path,omitempty"`
	PredictedFeatureName         string   `yaml:"predicted_feature_name,omitempty"`
	PredictedProbabilitiesOutput string   `yaml:"predicted_probabilities_output,omitempty"`

	AddCustomLayers  bool   `yaml:"add_custom_layers,omitempty"`
	RespectTrainable bool   `yaml:"respect_trainable,omitempty"`
	SourceVersion    string `yaml:"source_version,omitempty"`

	Quantization *Quantization `yaml:"quantization,omitempty"`
}

// Quantization is the optional post-conversion weight compression.
type Quantization struct {
	NBits                 int      `yaml:"nbits"`
	Mode                  string   `yaml:"mode,omitempty"`
	SkipKinds             []string `yaml:"skip_kinds,omitempty"`
	MinConvKernelChannels *int     `yaml:"min_conv_kernel_channels,omitempty"`
	MinConvWeightCount    *int     `yaml:"min_conv_weight_count,omitempty"`
}

// Load reads a profile from path.
func Load(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse decodes a profile. Unknown keys are errors.
func Parse(r io.Reader) (*Profile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	p := &Profile{}
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Marshal encodes a profile as YAML.
func (p *Profile) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks the quantization section.
func (p *Profile) Validate() error {
	if p.Quantization == nil {
		return nil
	}
	nbits, mode, opts, err := p.Quantization.Options()
	if err != nil {
		return err
	}
	return quantization.Validate(nbits, mode, opts...)
}

// ConverterOptions returns the converter options of the profile.
func (p *Profile) ConverterOptions() converter.Options {
	opts := converter.Options{
		InputNames:                   p.InputNames,
		OutputNames:                  p.OutputNames,
		ImageInputNames:              p.ImageInputNames,
		IsBGR:                        p.IsBGR,
		RedBias:                      p.RedBias,
		GreenBias:                    p.GreenBias,
		BlueBias:                     p.BlueBias,
		GrayBias:                     p.GrayBias,
		ImageScale:                   p.ImageScale,
		ClassLabels:                  p.ClassLabels,
		ClassLabelsPath:              p.ClassLabelsPath,
		PredictedFeatureName:         p.PredictedFeatureName,
		PredictedProbabilitiesOutput: p.PredictedProbabilitiesOutput,
		AddCustomLayers:              p.AddCustomLayers,
		RespectTrainable:             p.RespectTrainable,
		SourceVersion:                p.SourceVersion,
	}
	if len(p.InputShapes) > 0 {
		opts.InputShapes = make(map[string]keras.Shape, len(p.InputShapes))
		for name, dims := range p.InputShapes {
			s := make(keras.Shape, len(dims))
			for i, d := range dims {
				if d == nil {
					s[i] = keras.Unbound
				} else {
					s[i] = *d
				}
			}
			opts.InputShapes[name] = s
		}
	}
	return opts
}

// Options returns the arguments of quantization.Quantize. The mode
// defaults to linear; a skip list or either threshold selects an
// AdvancedSelector.
func (q *Quantization) Options() (int, quantization.Mode, []quantization.Option, error) {
	mode := quantization.Mode(q.Mode)
	if mode == "" {
		mode = quantization.ModeLinear
	}
	if q.SkipKinds == nil && q.MinConvKernelChannels == nil && q.MinConvWeightCount == nil {
		return q.NBits, mode, nil, nil
	}
	s, err := quantization.NewAdvancedSelector(q.SkipKinds...)
	if err != nil {
		return 0, "", nil, err
	}
	if q.MinConvKernelChannels != nil {
		s.MinConvKernelChannels = *q.MinConvKernelChannels
	}
	if q.MinConvWeightCount != nil {
		s.MinConvWeightCount = *q.MinConvWeightCount
	}
	return q.NBits, mode, []quantization.Option{quantization.WithSelector(s)}, nil
}

// ParseInputShape reads a command line shape override of the form
// name=d0,d1,... where an axis is a size, -1 or None.
func ParseInputShape(s string) (string, keras.Shape, error) {
	name, dims, ok := strings.Cut(s, "=")
	if !ok || name == "" || dims == "" {
		return "", nil, fmt.Errorf("invalid input shape %q, want name=d0,d1,...", s)
	}
	parts := strings.Split(dims, ",")
	shape := make(keras.Shape, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if strings.EqualFold(part, "none") {
			shape[i] = keras.Unbound
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < keras.Unbound || d == 0 {
			return "", nil, fmt.Errorf("invalid dimension %q in input shape %q", part, s)
		}
		shape[i] = d
	}
	return name, shape, nil
}
