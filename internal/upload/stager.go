// Package upload keeps uploaded images on disk only while they are decoded.
package upload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/lesion-classifier/internal/logging"
)

// Stager writes uploads into Dir under generated names.
type Stager struct {
	dir    string
	logger *zap.Logger
}

// NewStager creates dir if needed.
func NewStager(dir string, logger *zap.Logger) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, logging.NewOperationError("upload.mkdir", "", err)
	}
	return &Stager{dir: dir, logger: logger.Named("upload")}, nil
}

// Dir is the staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage writes data to a fresh file. Only the extension of the client
// filename is kept. The returned release removes the file and is safe to
// call more than once.
func (s *Stager) Stage(requestID, filename string, data []byte) (string, func(), error) {
	name := "upload-" + uuid.NewString()
	if ext := sanitizeExt(filepath.Ext(filepath.Base(filename))); ext != "" {
		name += ext
	}
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.Remove(path)
		return "", func() {}, logging.NewOperationError("upload.stage", requestID, fmt.Errorf("write %s: %w", name, err))
	}

	release := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.WithOperation(s.logger, "upload.release", requestID).Warn("failed to remove staged upload",
				zap.String("path", path), zap.Error(err))
		}
	}
	return path, release, nil
}

func sanitizeExt(ext string) string {
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}
