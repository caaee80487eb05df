package layers

import (
	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/registry"
)

func knownActivation(l *keras.Layer) bool { return ActivationType(l) != "CUSTOM" }

func entries(fn registry.ConverterFunc, kinds ...keras.Kind) []registry.Entry {
	out := make([]registry.Entry, len(kinds))
	for i, k := range kinds {
		out[i] = registry.Entry{Kind: k, Convert: fn}
	}
	return out
}

// Entries returns the converter table for every supported layer kind.
func Entries() []registry.Entry {
	var table []registry.Entry
	add := func(e ...registry.Entry) { table = append(table, e...) }

	add(entries(convertDense, keras.KindDense)...)
	add(entries(convertEmbedding, keras.KindEmbedding)...)
	add(entries(convertRepeatVector, keras.KindRepeatVector)...)
	add(registry.Entry{Kind: keras.KindActivation, Refine: knownActivation, Convert: convertActivation})
	add(entries(convertActivation,
		keras.KindLeakyReLU, keras.KindPReLU, keras.KindELU,
		keras.KindThresholdedReLU, keras.KindSoftmax)...)
	add(registry.Entry{Kind: keras.KindReLU, Since: "2.2.1", Convert: convertReLU})
	add(entries(convertConvolution, keras.KindConv2D, keras.KindConv2DTranspose, keras.KindDepthwiseConv2D)...)
	add(entries(convertConvolution1D, keras.KindConv1D)...)
	add(entries(convertSeparableConvolution, keras.KindSeparableConv1D, keras.KindSeparableConv2D)...)
	add(entries(convertPooling,
		keras.KindMaxPooling1D, keras.KindMaxPooling2D,
		keras.KindAveragePooling1D, keras.KindAveragePooling2D,
		keras.KindGlobalMaxPooling1D, keras.KindGlobalMaxPooling2D,
		keras.KindGlobalAveragePooling1D, keras.KindGlobalAveragePooling2D)...)
	add(entries(convertPadding, keras.KindZeroPadding1D, keras.KindZeroPadding2D)...)
	add(entries(convertCropping, keras.KindCropping1D, keras.KindCropping2D)...)
	add(entries(convertUpsample, keras.KindUpSampling1D, keras.KindUpSampling2D)...)
	add(entries(convertBatchNorm, keras.KindBatchNormalization)...)
	add(entries(convertFlatten, keras.KindFlatten)...)
	add(entries(convertReshape, keras.KindReshape)...)
	add(entries(convertPermute, keras.KindPermute)...)
	add(entries(convertMerge,
		keras.KindAdd, keras.KindMultiply, keras.KindAverage,
		keras.KindMaximum, keras.KindConcatenate, keras.KindDot)...)
	add(entries(convertSimpleRNN, keras.KindSimpleRNN)...)
	add(entries(convertLSTM, keras.KindLSTM)...)
	add(entries(convertGRU, keras.KindGRU)...)
	add(entries(convertBidirectional, keras.KindBidirectional)...)
	add(entries(skip,
		keras.KindInputLayer, keras.KindDropout, keras.KindSpatialDropout1D,
		keras.KindSpatialDropout2D, keras.KindTimeDistributed)...)
	return table
}

// Registry returns the table for a Keras version; an empty version
// registers every layer.
func Registry(version string) *registry.Registry {
	return registry.New(version, Entries()...)
}
