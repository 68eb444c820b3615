// File: internal/storage/store.go
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is a flat JSON document store. Documents are whole files keyed by
// name and overwritten on every save; there is no partial update and no
// transaction. A crash mid-write can lose at most the increment being
// written, never corrupt an existing document, because writes go through a
// temp file followed by a rename.
type Store struct {
	dir string
	log *zap.Logger
}

// New creates the store rooted at dir, creating the directory if needed.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %q: %w", dir, err)
	}
	return &Store{
		dir: dir,
		log: logger.Named("storage"),
	}, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string { return s.dir }

// Save marshals v and atomically replaces the document at key.
func (s *Store) Save(key string, v any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %q: %w", key, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write document %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %q: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace document %q: %w", key, err)
	}

	s.log.Debug("Document saved.", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Load unmarshals the document at key into v. A missing document is reported
// via os.IsNotExist on the returned error so callers can treat it as empty.
func (s *Store) Load(key string, v any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal document %q: %w", key, err)
	}
	return nil
}

// Exists reports whether a document is present for key.
func (s *Store) Exists(key string) bool {
	path, err := s.path(key)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

// path maps a document key to a file path, refusing traversal outside the
// store root.
func (s *Store) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("document key must not be empty")
	}
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("document key %q escapes the store root", key)
	}
	if !strings.HasSuffix(clean, ".json") {
		clean += ".json"
	}
	return filepath.Join(s.dir, clean), nil
}
