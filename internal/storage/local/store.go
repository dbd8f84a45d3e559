// Package local implements an object store on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

const tempPrefix = ".tmp-"

// Config captures the parameters for the local filesystem store.
type Config struct {
	// BaseDir is the root directory where objects will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store maps keys onto files under a base directory. Writes go to a temp file
// in the destination directory and are renamed into place.
type Store struct {
	baseDir string
}

// New creates a filesystem-backed store, creating BaseDir when missing.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &Store{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (s *Store) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected in key %q", key)
	}
	return fullPath, nil
}

// Get reads the file for key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath) //nolint:gosec // path validated by resolve
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("get %s: %w", key, trail.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Put atomically replaces the file for key.
func (s *Store) Put(_ context.Context, key string, _ string, data []byte) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Stat reports size and modification time for key.
func (s *Store) Stat(_ context.Context, key string) (trail.ObjectInfo, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return trail.ObjectInfo{}, err
	}
	info, err := os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return trail.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, trail.ErrNotFound)
	}
	if err != nil {
		return trail.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return objectInfo(key, info), nil
}

// List walks the base directory and returns keys under prefix.
func (s *Store) List(_ context.Context, prefix string) ([]trail.ObjectInfo, error) {
	var out []trail.ObjectInfo
	err := filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, objectInfo(key, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes the file for key. Missing files are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	fullPath, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func objectInfo(key string, info fs.FileInfo) trail.ObjectInfo {
	return trail.ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
		ContentType:  mime.TypeByExtension(path.Ext(key)),
	}
}
