// Package gcs provides an object store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// Store reads and writes objects in one GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func (s *Store) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(key)
}

// Get downloads the object.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("get %s: %w", key, trail.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open reader %s: %w", key, err)
	}
	defer reader.Close() //nolint:errcheck // read-only close
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Put uploads data; GCS finalizes the object only when the writer closes.
func (s *Store) Put(ctx context.Context, key string, contentType string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	writer := s.object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object %s: %w (close writer: %v)", key, err, closeErr)
		}
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer %s: %w", key, err)
	}
	return nil
}

// Stat fetches object attributes.
func (s *Store) Stat(ctx context.Context, key string) (trail.ObjectInfo, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return trail.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, trail.ErrNotFound)
	}
	if err != nil {
		return trail.ObjectInfo{}, fmt.Errorf("object attrs %s: %w", key, err)
	}
	return toInfo(attrs), nil
}

// List iterates objects under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]trail.ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []trail.ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		out = append(out, toInfo(attrs))
	}
	return out, nil
}

// Delete removes the object; a missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func toInfo(attrs *storage.ObjectAttrs) trail.ObjectInfo {
	return trail.ObjectInfo{
		Key:          attrs.Name,
		Size:         attrs.Size,
		LastModified: attrs.Updated.UTC(),
		ContentType:  attrs.ContentType,
	}
}
