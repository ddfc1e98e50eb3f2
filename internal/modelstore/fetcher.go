// Package modelstore downloads the model artifact once and reuses the local
// copy afterwards.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/example/lesion-classifier/internal/logging"
)

// ErrNoSource is returned when the model is absent locally and no URL is set.
var ErrNoSource = errors.New("model file missing and no download URL configured")

// StatusError is a non-200 download response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("failed to download model: unexpected status %d", e.StatusCode)
}

// Fetcher downloads model files over HTTP.
type Fetcher struct {
	client         *http.Client
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFetcher uses client, or a client with a generous timeout when nil.
func NewFetcher(client *http.Client, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Fetcher{
		client:         client,
		logger:         logger.Named("modelstore"),
		retryAttempts:  3,
		initialBackoff: 200 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
}

// Ensure makes sure path exists, downloading it from url if it does not.
// The file is written to path+".part" and renamed into place.
func (f *Fetcher) Ensure(ctx context.Context, url, path string) error {
	opLogger := logging.WithOperation(f.logger, "modelstore.ensure", "")
	if _, err := os.Stat(path); err == nil {
		opLogger.Info("model already cached", zap.String("path", path))
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return logging.NewOperationError("modelstore.stat", "", err)
	}
	if url == "" {
		return logging.NewOperationError("modelstore.ensure", "", ErrNoSource)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return logging.NewOperationError("modelstore.mkdir", "", err)
		}
	}

	opLogger.Info("downloading model", zap.String("url", url), zap.String("path", path))
	start := time.Now()
	var written int64
	err := f.withRetry(ctx, "modelstore.download", func() error {
		n, err := f.download(ctx, url, path)
		written = n
		return err
	})
	if err != nil {
		return err
	}
	opLogger.Info("model downloaded", zap.Int64("bytes", written), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (f *Fetcher) download(ctx context.Context, url, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{StatusCode: resp.StatusCode}
	}

	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return n, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return n, err
	}
	return n, nil
}

func (f *Fetcher) withRetry(ctx context.Context, operation string, fn func() error) error {
	backoff := f.initialBackoff
	opLogger := logging.WithOperation(f.logger, operation, "")
	var err error
	for attempt := 0; attempt < f.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewAttemptError(operation, attempt+1, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= f.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("download succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == f.retryAttempts-1 {
			opLogger.Error("download failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewAttemptError(operation, attempt+1, err)
		}

		opLogger.Warn("transient download error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewAttemptError(operation, f.retryAttempts, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
