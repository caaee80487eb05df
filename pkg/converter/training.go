package converter

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/zerfoo/zkeras/pkg/keras"
	"github.com/zerfoo/zkeras/pkg/program"
)

// trainingBatch is the batch size recorded for on-device updates; Keras
// models do not carry one.
const trainingBatch = 16

var supportedLosses = map[string]bool{
	"categorical_crossentropy": true,
	"mean_squared_error":       true,
}

// trainingInfo reads the loss and optimizer of a compiled model. Keras
// records no epoch count, so one epoch is used. Unknown losses and
// optimizers are left out with a warning.
func trainingInfo(cfg keras.Config, log *logrus.Entry) *program.Training {
	t := &program.Training{Epochs: 1, Params: map[string]float32{}}
	if cfg == nil {
		log.Warn("model has no training configuration; the converted model includes no loss or optimizer")
		return t
	}

	loss := cfg.String("loss", "")
	if supportedLosses[loss] {
		t.Loss = loss
	} else {
		log.Warnf("loss %q is not supported; the converted model includes no loss", loss)
	}

	opt, ok := cfg.Nested("optimizer_config")
	if !ok {
		log.Warn("model has no optimizer; the converted model includes no optimizer")
		return t
	}
	params, _ := opt.Nested("config")
	if params == nil {
		params = keras.Config{}
	}
	if params.Float("decay", 0) != 0 {
		log.Warn("optimizer 'decay' is not supported and will be ignored")
	}
	lr := learningRate(params)

	switch class := opt.String("class_name", ""); strings.ToLower(class) {
	case "sgd":
		t.Optimizer = "sgd"
		t.Params["learning_rate"] = lr
		t.Params["momentum"] = float32(params.Float("momentum", 0))
		if params.Bool("nesterov", false) {
			log.Warn("SGD 'nesterov' is not supported and will be ignored")
		}
	case "adam":
		t.Optimizer = "adam"
		t.Params["learning_rate"] = lr
		t.Params["beta_1"] = float32(params.Float("beta_1", 0.9))
		t.Params["beta_2"] = float32(params.Float("beta_2", 0.999))
		t.Params["epsilon"] = float32(params.Float("epsilon", 1e-7))
		if params.Bool("amsgrad", false) {
			log.Warn("Adam 'amsgrad' is not supported and will be ignored")
		}
	default:
		log.Warnf("optimizer %q is not supported; the converted model includes no optimizer", class)
		return t
	}
	t.Params["batch_size"] = trainingBatch
	return t
}

// learningRate accepts both the Keras 2.2 "lr" and the later
// "learning_rate" key.
func learningRate(params keras.Config) float32 {
	if params.Has("learning_rate") {
		return float32(params.Float("learning_rate", 0.01))
	}
	return float32(params.Float("lr", 0.01))
}
