// Package blob stores payment evidence files on the local filesystem.
// Obligations hold only the opaque blob id.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrBlobNotFound = errors.New("evidence blob not found")

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"application/pdf": ".pdf",
}

// Store writes evidence bytes under a root directory, one file per blob.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Save persists the evidence and returns its opaque id. The mime type
// picks the file extension; unknown types are stored as-is with none.
func (s *Store) Save(data []byte, mime string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty evidence payload")
	}
	id := uuid.NewString() + extensions[mime]
	if err := os.WriteFile(filepath.Join(s.root, id), data, 0o644); err != nil {
		return "", fmt.Errorf("write evidence blob: %w", err)
	}
	return id, nil
}

// Resolve returns the stored bytes and the mime type inferred from the
// blob id's extension.
func (s *Store) Resolve(blobID string) ([]byte, string, error) {
	if blobID == "" || strings.Contains(blobID, "/") || strings.Contains(blobID, "..") {
		return nil, "", ErrBlobNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.root, blobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", ErrBlobNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read evidence blob: %w", err)
	}
	return data, mimeFor(blobID), nil
}

func mimeFor(blobID string) string {
	ext := filepath.Ext(blobID)
	for mime, e := range extensions {
		if e == ext {
			return mime
		}
	}
	return "application/octet-stream"
}
