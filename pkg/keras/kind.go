package keras

// Kind identifies the type of a Keras layer.
type Kind int

const (
	KindUnknown Kind = iota
	KindInputLayer
	KindModel
	KindDense
	KindActivation
	KindLeakyReLU
	KindPReLU
	KindELU
	KindThresholdedReLU
	KindSoftmax
	KindReLU
	KindConv1D
	KindConv2D
	KindConv2DTranspose
	KindDepthwiseConv2D
	KindSeparableConv1D
	KindSeparableConv2D
	KindMaxPooling1D
	KindMaxPooling2D
	KindAveragePooling1D
	KindAveragePooling2D
	KindGlobalMaxPooling1D
	KindGlobalMaxPooling2D
	KindGlobalAveragePooling1D
	KindGlobalAveragePooling2D
	KindZeroPadding1D
	KindZeroPadding2D
	KindCropping1D
	KindCropping2D
	KindUpSampling1D
	KindUpSampling2D
	KindBatchNormalization
	KindFlatten
	KindReshape
	KindPermute
	KindRepeatVector
	KindEmbedding
	KindAdd
	KindMultiply
	KindAverage
	KindMaximum
	KindConcatenate
	KindDot
	KindSimpleRNN
	KindLSTM
	KindGRU
	KindBidirectional
	KindTimeDistributed
	KindDropout
	KindSpatialDropout1D
	KindSpatialDropout2D
)

var kindNames = map[Kind]string{
	KindUnknown:                "Unknown",
	KindInputLayer:             "InputLayer",
	KindModel:                  "Model",
	KindDense:                  "Dense",
	KindActivation:             "Activation",
	KindLeakyReLU:              "LeakyReLU",
	KindPReLU:                  "PReLU",
	KindELU:                    "ELU",
	KindThresholdedReLU:        "ThresholdedReLU",
	KindSoftmax:                "Softmax",
	KindReLU:                   "ReLU",
	KindConv1D:                 "Conv1D",
	KindConv2D:                 "Conv2D",
	KindConv2DTranspose:        "Conv2DTranspose",
	KindDepthwiseConv2D:        "DepthwiseConv2D",
	KindSeparableConv1D:        "SeparableConv1D",
	KindSeparableConv2D:        "SeparableConv2D",
	KindMaxPooling1D:           "MaxPooling1D",
	KindMaxPooling2D:           "MaxPooling2D",
	KindAveragePooling1D:       "AveragePooling1D",
	KindAveragePooling2D:       "AveragePooling2D",
	KindGlobalMaxPooling1D:     "GlobalMaxPooling1D",
	KindGlobalMaxPooling2D:     "GlobalMaxPooling2D",
	KindGlobalAveragePooling1D: "GlobalAveragePooling1D",
	KindGlobalAveragePooling2D: "GlobalAveragePooling2D",
	KindZeroPadding1D:          "ZeroPadding1D",
	KindZeroPadding2D:          "ZeroPadding2D",
	KindCropping1D:             "Cropping1D",
	KindCropping2D:             "Cropping2D",
	KindUpSampling1D:           "UpSampling1D",
	KindUpSampling2D:           "UpSampling2D",
	KindBatchNormalization:     "BatchNormalization",
	KindFlatten:                "Flatten",
	KindReshape:                "Reshape",
	KindPermute:                "Permute",
	KindRepeatVector:           "RepeatVector",
	KindEmbedding:              "Embedding",
	KindAdd:                    "Add",
	KindMultiply:               "Multiply",
	KindAverage:                "Average",
	KindMaximum:                "Maximum",
	KindConcatenate:            "Concatenate",
	KindDot:                    "Dot",
	KindSimpleRNN:              "SimpleRNN",
	KindLSTM:                   "LSTM",
	KindGRU:                    "GRU",
	KindBidirectional:          "Bidirectional",
	KindTimeDistributed:        "TimeDistributed",
	KindDropout:                "Dropout",
	KindSpatialDropout1D:       "SpatialDropout1D",
	KindSpatialDropout2D:       "SpatialDropout2D",
}

// classAliases maps serialized class names that differ from the canonical
// layer name.
var classAliases = map[string]Kind{
	"Functional":             KindModel,
	"Sequential":             KindModel,
	"Convolution1D":          KindConv1D,
	"Convolution2D":          KindConv2D,
	"Deconvolution2D":        KindConv2DTranspose,
	"Convolution2DTranspose": KindConv2DTranspose,
	"SeparableConvolution2D": KindSeparableConv2D,
	"MaxPool1D":              KindMaxPooling1D,
	"MaxPool2D":              KindMaxPooling2D,
	"AvgPool1D":              KindAveragePooling1D,
	"AvgPool2D":              KindAveragePooling2D,
	"GlobalMaxPool1D":        KindGlobalMaxPooling1D,
	"GlobalMaxPool2D":        KindGlobalMaxPooling2D,
	"GlobalAvgPool1D":        KindGlobalAveragePooling1D,
	"GlobalAvgPool2D":        KindGlobalAveragePooling2D,
}

var classKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames)+len(classAliases))
	for k, name := range kindNames {
		if k != KindUnknown {
			m[name] = k
		}
	}
	for name, k := range classAliases {
		m[name] = k
	}
	return m
}()

// KindOf returns the Kind for a serialized Keras class name.
func KindOf(className string) Kind {
	if k, ok := classKinds[className]; ok {
		return k
	}
	return KindUnknown
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Is1D reports whether layers of this kind operate on (batch, steps, channels)
// tensors.
func (k Kind) Is1D() bool {
	switch k {
	case KindConv1D, KindUpSampling1D, KindZeroPadding1D, KindCropping1D,
		KindMaxPooling1D, KindAveragePooling1D, KindGlobalMaxPooling1D, KindGlobalAveragePooling1D:
		return true
	}
	return false
}

// IsActivation reports whether the kind is a standalone activation layer
// that 1-D boundary detection may look through. Softmax is not included.
func (k Kind) IsActivation() bool {
	switch k {
	case KindActivation, KindLeakyReLU, KindPReLU, KindELU, KindThresholdedReLU:
		return true
	}
	return false
}

func (k Kind) IsNormalization() bool { return k == KindBatchNormalization }

func (k Kind) IsMerge() bool {
	switch k {
	case KindAdd, KindMultiply, KindAverage, KindMaximum, KindConcatenate, KindDot:
		return true
	}
	return false
}

func (k Kind) IsRecurrent() bool {
	switch k {
	case KindSimpleRNN, KindLSTM, KindGRU, KindBidirectional:
		return true
	}
	return false
}

// IsSkip reports whether the layer is a no-op at inference time.
func (k Kind) IsSkip() bool {
	switch k {
	case KindDropout, KindSpatialDropout1D, KindSpatialDropout2D:
		return true
	}
	return false
}
