// Package blob stores raw document bytes and extracted images on the
// local filesystem, one directory per document. Writes go through a
// temp-file rename so a crashed ingest never leaves a torn blob behind.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
)

// Store writes and reads per-document blobs under a root directory.
//
// Layout:
//
//	<root>/<document_id>/source/<name>
//	<root>/<document_id>/images/<image_id>.<ext>
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

// PutSource stores the original uploaded bytes for a document and
// returns the path written.
func (s *Store) PutSource(documentID, name string, data []byte) (string, error) {
	dir := filepath.Join(s.root, documentID, "source")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create source dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(name))
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write source blob: %w", err)
	}
	return path, nil
}

// SourcePath returns the stored source file for a document, or an error
// if none exists.
func (s *Store) SourcePath(documentID string) (string, error) {
	dir := filepath.Join(s.root, documentID, "source")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("no source blob for %s: %w", documentID, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no source blob for %s", documentID)
}

// PutImage stores one extracted image and returns the path written.
func (s *Store) PutImage(documentID, imageID, ext string, data []byte) (string, error) {
	dir := filepath.Join(s.root, documentID, "images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create images dir: %w", err)
	}
	path := filepath.Join(dir, imageID+ext)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image blob: %w", err)
	}
	return path, nil
}

// ListImages returns the stored image paths for a document, sorted by
// name. A document with no images yields an empty slice, not an error.
func (s *Store) ListImages(documentID string) ([]string, error) {
	dir := filepath.Join(s.root, documentID, "images")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Read returns the contents of a blob previously returned by this store.
func (s *Store) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete removes all blobs for a document.
func (s *Store) Delete(documentID string) error {
	if documentID == "" {
		return fmt.Errorf("document id is required")
	}
	if err := os.RemoveAll(filepath.Join(s.root, documentID)); err != nil {
		return fmt.Errorf("failed to delete blobs for %s: %w", documentID, err)
	}
	return nil
}
