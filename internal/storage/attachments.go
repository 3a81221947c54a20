// Package storage keeps uploaded attachment bytes on local disk.
package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/spec-kit/as-dispatch/internal/config"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// Stored describes a file after it landed in the store.
type Stored struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// AttachmentStore is content addressed: identical uploads share one file.
type AttachmentStore struct {
	dir     string
	maxSize int64
	logger  *zap.Logger
}

// NewAttachmentStore creates dir if needed.
func NewAttachmentStore(cfg config.AttachmentsConfig, logger *zap.Logger) (*AttachmentStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	return &AttachmentStore{dir: cfg.Dir, maxSize: cfg.MaxSizeBytes, logger: logger}, nil
}

// Put writes data and returns the stored name: the blake2b-256 digest of the
// content plus the original extension.
func (s *AttachmentStore) Put(ctx context.Context, name string, data []byte) (Stored, error) {
	if err := ctx.Err(); err != nil {
		return Stored{}, err
	}
	if len(data) == 0 {
		return Stored{}, apperrors.NewValidationError("attachment is empty", nil)
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return Stored{}, apperrors.NewValidationError("attachment too large", map[string]any{"max_bytes": s.maxSize})
	}

	sum := blake2b.Sum256(data)
	filename := hex.EncodeToString(sum[:]) + sanitizeExt(name)
	target := filepath.Join(s.dir, filename)

	if info, err := os.Stat(target); err == nil && info.Size() == int64(len(data)) {
		return Stored{Filename: filename, Size: info.Size()}, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Stored{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return Stored{}, fmt.Errorf("write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Stored{}, fmt.Errorf("close attachment: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return Stored{}, fmt.Errorf("store attachment: %w", err)
	}

	s.logger.Debug("attachment stored", zap.String("original", name), zap.String("filename", filename), zap.Int("size", len(data)))
	return Stored{Filename: filename, Size: int64(len(data))}, nil
}

// Path returns the on-disk location of a stored file.
func (s *AttachmentStore) Path(filename string) string {
	return filepath.Join(s.dir, filepath.Base(filename))
}

func sanitizeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) > 10 {
		return ""
	}
	for _, r := range ext[min(1, len(ext)):] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
