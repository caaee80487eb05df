// Package converr defines the error kinds surfaced by a conversion or a
// quantization run.
package converr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedLayer is returned when a layer kind has no converter and
	// custom layers are disabled.
	ErrUnsupportedLayer = errors.New("unsupported layer")
	// ErrUnsupportedConfiguration is returned when a known layer kind uses an
	// option the target format cannot express.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")
	// ErrShapeInference is returned when an input or output shape does not
	// fit the rank table.
	ErrShapeInference = errors.New("shape inference failed")
	// ErrGraphIntegrity is returned when the layer graph is not usable, e.g.
	// when no output layer can be identified.
	ErrGraphIntegrity = errors.New("graph integrity")
	// ErrQuantizationConfig is returned for invalid quantization requests.
	ErrQuantizationConfig = errors.New("invalid quantization config")
)

// Error carries one of the sentinel kinds plus the layer or feature it is
// about.
type Error struct {
	Kind  error
	Layer string
	Msg   string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Layer == "" {
		return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
	}
	return fmt.Sprintf("%s: layer '%s': %s", e.Kind.Error(), e.Layer, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// Unsupported reports a layer kind that no converter handles.
func Unsupported(kind, layer string) error {
	return &Error{Kind: ErrUnsupportedLayer, Layer: layer, Msg: fmt.Sprintf("Keras layer '%s' not supported", kind)}
}

// Configf reports an option of a known layer kind that cannot be converted.
func Configf(layer, format string, args ...any) error {
	return &Error{Kind: ErrUnsupportedConfiguration, Layer: layer, Msg: fmt.Sprintf(format, args...)}
}

// Shapef reports an input or output whose shape cannot be resolved. name is
// the feature name, not a layer id.
func Shapef(name, format string, args ...any) error {
	return &Error{Kind: ErrShapeInference, Layer: name, Msg: fmt.Sprintf(format, args...)}
}

func Integrityf(format string, args ...any) error {
	return &Error{Kind: ErrGraphIntegrity, Msg: fmt.Sprintf(format, args...)}
}

func Quantf(format string, args ...any) error {
	return &Error{Kind: ErrQuantizationConfig, Msg: fmt.Sprintf(format, args...)}
}
