// Package onnxmodel serves classifier.Model from an ONNX file through
// onnxruntime.
package onnxmodel

import (
	"context"
	"fmt"
	"os"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/lesion-classifier/internal/classifier"
	"github.com/example/lesion-classifier/internal/logging"
)

// Config describes the model file and its fixed input/output layout.
type Config struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	ImageSize   int
	NumClasses  int
	// Threads bounds intra- and inter-op parallelism; zero uses NumCPU.
	Threads int
}

// Model is a loaded session. A single DynamicAdvancedSession is shared by
// every request: tensors are bound per Run, and onnxruntime sessions allow
// concurrent Run calls.
type Model struct {
	session     *ort.DynamicAdvancedSession
	inputShape  ort.Shape
	outputShape ort.Shape
	logger      *zap.Logger
}

// Load initialises the runtime environment and opens the session.
func Load(cfg Config, logger *zap.Logger) (*Model, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, logging.NewOperationError("onnxmodel.stat", "", err)
	}
	if cfg.ImageSize <= 0 || cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("invalid model layout: size=%d classes=%d", cfg.ImageSize, cfg.NumClasses)
	}

	if !ort.IsInitialized() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, logging.NewOperationError("onnxmodel.init_environment", "", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, logging.NewOperationError("onnxmodel.session_options", "", err)
	}
	defer options.Destroy()

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, logging.NewOperationError("onnxmodel.session_options", "", err)
	}
	if err := options.SetInterOpNumThreads(threads); err != nil {
		return nil, logging.NewOperationError("onnxmodel.session_options", "", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName}, options)
	if err != nil {
		return nil, logging.NewOperationError("onnxmodel.new_session", "", err)
	}

	size := int64(cfg.ImageSize)
	m := &Model{
		session:     session,
		inputShape:  ort.NewShape(1, size, size, 3),
		outputShape: ort.NewShape(1, int64(cfg.NumClasses)),
		logger:      logger.Named("onnxmodel"),
	}
	m.logger.Info("model loaded",
		zap.String("path", cfg.ModelPath),
		zap.String("input", cfg.InputName),
		zap.String("output", cfg.OutputName),
		zap.Int64s("input_shape", m.inputShape),
		zap.Int("threads", threads),
	)
	return m, nil
}

// Predict runs one forward pass. Input and output tensors live only for the
// duration of the call.
func (m *Model) Predict(ctx context.Context, input classifier.Tensor) ([]float32, error) {
	shape := ort.NewShape(input.Shape64()...)
	if !sameShape(shape, m.inputShape) {
		return nil, fmt.Errorf("input shape %v does not match model input %v", shape, m.inputShape)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, err := ort.NewTensor(shape, input.Data)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](m.outputShape)
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := m.session.Run([]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{out}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	result := make([]float32, len(out.GetData()))
	copy(result, out.GetData())
	return result, nil
}

// Close releases the session and the runtime environment.
func (m *Model) Close() {
	if m.session != nil {
		m.session.Destroy()
	}
	if err := ort.DestroyEnvironment(); err != nil {
		m.logger.Warn("failed to destroy onnxruntime environment", zap.Error(err))
	}
}

func sameShape(a, b ort.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
