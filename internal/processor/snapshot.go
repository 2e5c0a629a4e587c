package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dunamismax/pixelprep/internal/imaging"
)

// SnapshotWriter persists a visual PNG snapshot of an intermediate array and
// returns where it was written.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, name string, a *imaging.Array) (string, error)
}

// EncodeSnapshot renders a as PNG. Float arrays are stretched onto [0, 255],
// integer arrays are rounded and clamped.
func EncodeSnapshot(a *imaging.Array) ([]byte, error) {
	policy := imaging.PolicySaturate
	if a.DType().IsFloat() {
		policy = imaging.PolicyStretch
	}
	g, err := imaging.GridFromArray(a, policy)
	if err != nil {
		return nil, err
	}
	return imaging.Encode(g, imaging.FormatPNG)
}

type FileSnapshotWriter struct {
	Dir string
}

func (w FileSnapshotWriter) WriteSnapshot(ctx context.Context, name string, a *imaging.Array) (string, error) {
	if strings.TrimSpace(w.Dir) == "" {
		return "", errors.New("snapshot directory is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := EncodeSnapshot(a)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	fullPath := filepath.Join(w.Dir, snapshotFilename(name))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot file: %w", err)
	}
	return fullPath, nil
}

// ObjectWriter is the subset of the object storage client snapshots need.
type ObjectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectSnapshotWriter struct {
	Storage ObjectWriter
	Prefix  string
}

func (w ObjectSnapshotWriter) WriteSnapshot(ctx context.Context, name string, a *imaging.Array) (string, error) {
	if w.Storage == nil {
		return "", errors.New("storage client is required")
	}

	data, err := EncodeSnapshot(a)
	if err != nil {
		return "", err
	}

	prefix := strings.Trim(strings.TrimSpace(w.Prefix), "/")
	if prefix == "" {
		prefix = "snapshots"
	}
	objectKey := path.Join(prefix, snapshotFilename(name))
	if err := w.Storage.WriteObject(ctx, objectKey, data, imaging.ContentType(imaging.FormatPNG)); err != nil {
		return "", err
	}
	return objectKey, nil
}

func snapshotFilename(name string) string {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".png")
	return SanitizeToken(name) + ".png"
}

// SanitizeToken maps a caller-supplied name onto [A-Za-z0-9_-].
func SanitizeToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
