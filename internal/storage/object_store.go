package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// StoredObject points at an uploaded file.
type StoredObject struct {
	URL string
	Key string
}

// ObjectStore persists uploaded attachments. The local-disk
// implementation below serves single-instance deployments; an S3-style
// store can replace it behind the same interface.
type ObjectStore interface {
	Upload(data []byte, folder, filename, mimeType string) (*StoredObject, error)
	Delete(url string) (bool, error)
}

// LocalDiskStore writes objects under a base directory and serves them
// from a static file route.
type LocalDiskStore struct {
	baseDir string
	baseURL string
}

func NewLocalDiskStore(baseDir, baseURL string) (*LocalDiskStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &LocalDiskStore{
		baseDir: baseDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Upload writes the object under a random key that keeps the original
// extension, so filenames from clients never touch the filesystem.
func (s *LocalDiskStore) Upload(data []byte, folder, filename, mimeType string) (*StoredObject, error) {
	ext := filepath.Ext(filename)
	key := filepath.Join(folder, uuid.New().String()+ext)

	path := filepath.Join(s.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write object: %w", err)
	}

	return &StoredObject{
		URL: s.baseURL + "/" + filepath.ToSlash(key),
		Key: key,
	}, nil
}

// Delete removes an object by its URL. Returns false when the URL does
// not belong to this store or the object is already gone.
func (s *LocalDiskStore) Delete(url string) (bool, error) {
	if !strings.HasPrefix(url, s.baseURL+"/") {
		return false, nil
	}
	key := strings.TrimPrefix(url, s.baseURL+"/")

	// Reject traversal out of the base directory
	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false, nil
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete object: %w", err)
	}
	return true, nil
}
