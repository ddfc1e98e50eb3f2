package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/lesion-classifier/internal/classifier"
	"github.com/example/lesion-classifier/internal/config"
	"github.com/example/lesion-classifier/internal/grpchealth"
	"github.com/example/lesion-classifier/internal/handlers"
	"github.com/example/lesion-classifier/internal/logging"
	"github.com/example/lesion-classifier/internal/modelstore"
	"github.com/example/lesion-classifier/internal/onnxmodel"
	"github.com/example/lesion-classifier/internal/upload"
)

const modelFetchTimeout = 10 * time.Minute

func main() {
	cfg, cfgErr := config.Load()

	logger, err := logging.NewLogger(cfg != nil && cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfgErr != nil {
		logger.Fatal("invalid configuration", zap.Error(cfgErr))
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	stager, err := upload.NewStager(cfg.UploadDir, logger)
	if err != nil {
		logger.Fatal("failed to prepare upload directory", zap.Error(err))
	}
	order, err := classifier.ParseChannelOrder(cfg.ChannelOrder)
	if err != nil {
		logger.Fatal("invalid channel order", zap.Error(err))
	}

	model, closeModel := loadModel(context.Background(), cfg, logger)
	defer closeModel()

	clf := classifier.New(model, stager, classifier.Options{
		Size:   cfg.ImageSize,
		Order:  order,
		Labels: classifier.SkinLabels,
		Logits: cfg.OutputLogits,
	}, logger)

	router := handlers.NewRouter(clf, cfg.MaxUploadBytes, logger)

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
	}

	var beforeDrain []func()
	if cfg.GRPCAddr != "" {
		health, err := startHealthServer(cfg.GRPCAddr, clf.Ready(), logger)
		if err != nil {
			logger.Fatal("failed to start gRPC health server", zap.Error(err))
		}
		defer health.Stop()
		beforeDrain = append(beforeDrain, health.Drain)
	}

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("classifier API listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("upload_dir", stager.Dir()),
		zap.Bool("model_loaded", clf.Ready()),
		zap.Strings("classes", clf.Labels()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runServer(ctx, server, listener, cfg.ShutdownTimeout, logger, beforeDrain...); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// loadModel fetches and opens the model. Any failure is logged and yields a
// nil model so the service runs degraded instead of exiting.
func loadModel(ctx context.Context, cfg *config.Config, logger *zap.Logger) (classifier.Model, func()) {
	ctx, cancel := context.WithTimeout(ctx, modelFetchTimeout)
	defer cancel()

	if err := modelstore.NewFetcher(nil, logger).Ensure(ctx, cfg.ModelURL, cfg.ModelPath); err != nil {
		logger.Error("model fetch failed, serving without a model", zap.Error(err))
		return nil, func() {}
	}

	m, err := onnxmodel.Load(onnxmodel.Config{
		ModelPath:   cfg.ModelPath,
		LibraryPath: cfg.RuntimeLibrary,
		InputName:   cfg.InputName,
		OutputName:  cfg.OutputName,
		ImageSize:   cfg.ImageSize,
		NumClasses:  len(classifier.SkinLabels),
	}, logger)
	if err != nil {
		logger.Error("model load failed, serving without a model", zap.Error(err))
		return nil, func() {}
	}
	return m, m.Close
}

func startHealthServer(addr string, modelLoaded bool, logger *zap.Logger) (*grpchealth.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, logging.NewOperationError("grpchealth.listen", "", err)
	}
	health := grpchealth.New(modelLoaded, logger)
	go func() {
		if err := health.Serve(listener); err != nil {
			logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()
	return health, nil
}

// runServer serves on listener until ctx is done, then gives in-flight
// requests up to drainTimeout to finish. beforeDrain hooks run first so
// health checks stop routing traffic here while the drain is in progress.
func runServer(ctx context.Context, server *http.Server, listener net.Listener, drainTimeout time.Duration, logger *zap.Logger, beforeDrain ...func()) error {
	served := make(chan error, 1)
	go func() { served <- server.Serve(listener) }()

	select {
	case err := <-served:
		return logging.NewOperationError("http.serve", "", err)
	case <-ctx.Done():
	}

	logger.Info("draining HTTP server", zap.Duration("timeout", drainTimeout))
	for _, hook := range beforeDrain {
		hook()
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		return logging.NewOperationError("http.drain", "", err)
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return logging.NewOperationError("http.serve", "", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}
