// Package classifier turns an uploaded image into class probabilities:
// validate, decode, preprocess, run the model, interpret its output.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/example/lesion-classifier/internal/logging"
)

// Model runs a forward pass. Implementations are loaded once, never mutated
// and must be safe for concurrent use.
type Model interface {
	Predict(ctx context.Context, input Tensor) ([]float32, error)
}

// Stager puts upload bytes on disk for the duration of decoding.
type Stager interface {
	Stage(requestID, filename string, data []byte) (path string, release func(), err error)
}

// Input is one uploaded image.
type Input struct {
	RequestID string
	Filename  string
	Data      []byte
	// Provided is false when the request carried no image field at all.
	Provided bool
}

// Result is the outcome of a successful classification.
type Result struct {
	Label         string
	Confidence    float32
	Probabilities Probabilities
}

// Options configure preprocessing and output interpretation.
type Options struct {
	Size   int
	Order  ChannelOrder
	Labels Labels
	// Logits applies softmax to the raw model output.
	Logits bool
}

// Classifier runs the inference pipeline against one shared model.
type Classifier struct {
	model  Model
	stager Stager
	opts   Options
	logger *zap.Logger
}

// New builds a Classifier. A nil model leaves it degraded: every call fails
// with ModelUnavailable.
func New(model Model, stager Stager, opts Options, logger *zap.Logger) *Classifier {
	if opts.Size <= 0 {
		opts.Size = 224
	}
	if len(opts.Labels) == 0 {
		opts.Labels = SkinLabels
	}
	return &Classifier{
		model:  model,
		stager: stager,
		opts:   opts,
		logger: logger.Named("classifier"),
	}
}

// Ready reports whether a model is loaded.
func (c *Classifier) Ready() bool {
	return c.model != nil
}

// Labels returns the ordered class names.
func (c *Classifier) Labels() Labels {
	return c.opts.Labels
}

// Classify runs in through the pipeline. A non-nil error is always *Error.
func (c *Classifier) Classify(ctx context.Context, in Input) (result *Result, err error) {
	opLogger := logging.WithOperation(c.logger, "classifier.classify", in.RequestID)
	defer func() {
		if r := recover(); r != nil {
			opLogger.Error("pipeline panic", zap.Any("panic", r))
			result, err = nil, internalError(fmt.Errorf("%v", r))
		}
	}()

	if c.model == nil {
		return nil, newError(ModelUnavailable, "Model not loaded", nil)
	}
	if !in.Provided {
		return nil, newError(NoInput, "No image uploaded", nil)
	}
	if in.Filename == "" {
		return nil, newError(NoInput, "No file selected", nil)
	}
	if !AllowedFile(in.Filename) {
		opLogger.Info("rejected upload", zap.String("filename", in.Filename))
		return nil, newError(InvalidFormat, "Invalid image format", nil)
	}

	start := time.Now()
	img, err := c.decode(in)
	if err != nil {
		return nil, err
	}
	decoded := time.Now()

	tensor := Preprocess(img, c.opts.Size, c.opts.Order)
	preprocessed := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, internalError(err)
	}
	output, err := c.model.Predict(ctx, tensor)
	if err != nil {
		opLogger.Error("inference failed", zap.Error(err))
		return nil, internalError(err)
	}
	inferred := time.Now()

	result, err = c.interpret(output)
	if err != nil {
		opLogger.Error("unexpected model output", zap.Error(err))
		return nil, internalError(err)
	}
	if sum := result.Probabilities.Sum(); math.Abs(sum-1) > 1e-3 {
		opLogger.Warn("model output does not sum to 1, check MODEL_OUTPUT_LOGITS", zap.Float64("sum", sum))
	}

	opLogger.Debug("pipeline timings",
		zap.Duration("decode", decoded.Sub(start)),
		zap.Duration("preprocess", preprocessed.Sub(decoded)),
		zap.Duration("inference", inferred.Sub(preprocessed)),
		zap.Duration("total", time.Since(start)),
	)
	opLogger.Info("classified image",
		zap.String("prediction", result.Label),
		zap.Float32("confidence", result.Confidence),
	)
	return result, nil
}

// decode stages the upload on disk and decodes it. The staged file is gone
// when decode returns.
func (c *Classifier) decode(in Input) (image.Image, error) {
	path, release, err := c.stager.Stage(in.RequestID, in.Filename, in.Data)
	if err != nil {
		return nil, internalError(err)
	}
	defer release()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, newError(InvalidImage, "Invalid image", err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, newError(InvalidImage, "Invalid image", errors.New("image has no pixels"))
	}
	return img, nil
}

func (c *Classifier) interpret(output []float32) (*Result, error) {
	labels := c.opts.Labels
	if len(output) != len(labels) {
		return nil, fmt.Errorf("model returned %d values for %d classes", len(output), len(labels))
	}

	values := output
	if c.opts.Logits {
		values = softmax(output)
	}

	probs := make(Probabilities, len(labels))
	for i, label := range labels {
		v := values[i]
		if math.IsNaN(float64(v)) {
			return nil, fmt.Errorf("model returned NaN for %s", label)
		}
		probs[i] = Probability{Label: label, Value: v}
	}

	top := probs.Top()
	return &Result{
		Label:         top.Label,
		Confidence:    top.Value,
		Probabilities: probs,
	}, nil
}

func softmax(logits []float32) []float32 {
	peak := logits[0]
	for _, v := range logits[1:] {
		if v > peak {
			peak = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - peak))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
