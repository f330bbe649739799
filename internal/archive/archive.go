// Package archive stores raw scraped evidence outside the job record.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"

	"github.com/partlabs/eolwatch/internal/eol"
)

// Memory keeps blobs in process memory. Test and development use only.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory constructs a Memory archive.
func NewMemory() *Memory {
	return &Memory{blobs: map[string][]byte{}}
}

// Put implements eol.EvidenceArchive.
func (m *Memory) Put(_ context.Context, path, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

// Get returns a stored blob, for tests.
func (m *Memory) Get(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[path]
	return data, ok
}

// Local writes blobs under a base directory.
type Local struct {
	baseDir string
}

// NewLocal constructs a Local archive rooted at baseDir.
func NewLocal(baseDir string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Local{baseDir: baseDir}, nil
}

// Put implements eol.EvidenceArchive. Path traversal outside the base
// directory is rejected.
func (l *Local) Put(_ context.Context, path, _ string, data []byte) (string, error) {
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", &eol.ValidationError{Reason: "archive path escapes base directory"}
	}
	full := filepath.Join(l.baseDir, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create archive subdir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive blob: %w", err)
	}
	return "file://" + full, nil
}

// GCS writes blobs to a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS constructs a GCS archive.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Put implements eol.EvidenceArchive.
func (g *GCS) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	object := path
	if g.prefix != "" {
		object = g.prefix + "/" + path
	}
	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write archive object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close archive object: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, object), nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}
