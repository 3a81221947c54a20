package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/config"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

func newStore(t *testing.T, max int64) (*AttachmentStore, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "uploads")
	s, err := NewAttachmentStore(config.AttachmentsConfig{Dir: dir, MaxSizeBytes: max}, zap.NewNop())
	require.NoError(t, err)
	return s, dir
}

func TestPutIsContentAddressed(t *testing.T) {
	s, dir := newStore(t, 0)
	ctx := context.Background()

	first, err := s.Put(ctx, "Nozzle.JPG", []byte("jpeg bytes"))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(first.Filename, ".jpg"))
	require.EqualValues(t, len("jpeg bytes"), first.Size)

	again, err := s.Put(ctx, "other-name.jpg", []byte("jpeg bytes"))
	require.NoError(t, err)
	require.Equal(t, first.Filename, again.Filename)

	data, err := os.ReadFile(s.Path(first.Filename))
	require.NoError(t, err)
	require.Equal(t, "jpeg bytes", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPutRejectsBadInput(t *testing.T) {
	s, _ := newStore(t, 4)
	ctx := context.Background()

	_, err := s.Put(ctx, "a.txt", nil)
	require.True(t, apperrors.HasCode(err, apperrors.CodeValidation))

	_, err = s.Put(ctx, "a.txt", []byte("too long"))
	require.True(t, apperrors.HasCode(err, apperrors.CodeValidation))
}

func TestSanitizeExt(t *testing.T) {
	require.Equal(t, ".png", sanitizeExt("photo.PNG"))
	require.Equal(t, "", sanitizeExt("../../etc/passwd"))
	require.Equal(t, "", sanitizeExt("x.p$p"))
	require.Equal(t, "", sanitizeExt("noext"))
}
