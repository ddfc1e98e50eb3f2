// Package config reads the service settings from the environment once at
// start-up.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultHTTPAddr        = ":5000"
	DefaultModelPath       = "skin_model.onnx"
	DefaultInputName       = "input"
	DefaultOutputName      = "output"
	DefaultImageSize       = 224
	DefaultUploadDir       = "uploads"
	DefaultMaxUploadBytes  = 10 << 20
	DefaultShutdownTimeout = 15 * time.Second
)

// Config holds everything main needs to wire the service.
type Config struct {
	HTTPAddr string
	// GRPCAddr enables the gRPC health service when non-empty.
	GRPCAddr string

	// ModelURL is fetched into ModelPath when that file is missing. The
	// artifact must be an ONNX export of the classifier.
	ModelURL  string
	ModelPath string
	// RuntimeLibrary is the onnxruntime shared library; empty uses the
	// platform default lookup.
	RuntimeLibrary string
	InputName      string
	OutputName     string
	OutputLogits   bool
	ImageSize      int
	ChannelOrder   string

	UploadDir       string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
	Debug           bool
}

// Load reads Config from the environment. Unparseable values are errors.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", DefaultHTTPAddr),
		GRPCAddr:       os.Getenv("GRPC_ADDR"),
		ModelURL:       os.Getenv("MODEL_URL"),
		ModelPath:      getEnv("MODEL_PATH", DefaultModelPath),
		RuntimeLibrary: os.Getenv("ONNXRUNTIME_LIB"),
		InputName:      getEnv("MODEL_INPUT_NAME", DefaultInputName),
		OutputName:     getEnv("MODEL_OUTPUT_NAME", DefaultOutputName),
		ChannelOrder:   strings.ToUpper(getEnv("CHANNEL_ORDER", "RGB")),
		UploadDir:      getEnv("UPLOAD_DIR", DefaultUploadDir),
	}

	var err error
	if cfg.OutputLogits, err = getBool("MODEL_OUTPUT_LOGITS", false); err != nil {
		return nil, err
	}
	if cfg.Debug, err = getBool("DEBUG", false); err != nil {
		return nil, err
	}
	if cfg.ImageSize, err = getInt("IMAGE_SIZE", DefaultImageSize); err != nil {
		return nil, err
	}
	size, err := getInt("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes)
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadBytes = int64(size)
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ImageSize <= 0 {
		return fmt.Errorf("IMAGE_SIZE must be positive, got %d", c.ImageSize)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.ChannelOrder != "RGB" && c.ChannelOrder != "BGR" {
		return fmt.Errorf("CHANNEL_ORDER must be RGB or BGR, got %q", c.ChannelOrder)
	}
	if c.ModelPath == "" {
		return fmt.Errorf("MODEL_PATH must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
