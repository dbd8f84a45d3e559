// Package memory provides an in-process object store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// Store keeps objects in a map guarded by a RWMutex. Every Put replaces the
// whole object under the lock, so readers see either the old or new bytes.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
	clock   trail.Clock
	hooks   []func(key string)
}

// NewStore creates an empty store stamped by clk. A nil clock uses time.Now.
func NewStore(clk trail.Clock) *Store {
	return &Store{
		objects: make(map[string]object),
		clock:   clk,
	}
}

// OnPut registers fn to be called asynchronously after every successful Put.
// It models the bucket's object-created notifications.
func (s *Store) OnPut(fn func(key string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

// Get returns a copy of the object bytes.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, trail.ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// Put stores a copy of data under key.
func (s *Store) Put(_ context.Context, key string, contentType string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	s.mu.Lock()
	s.objects[key] = object{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		modified:    s.now(),
	}
	hooks := append([]func(string){}, s.hooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		go fn(key)
	}
	return nil
}

// Stat reports object metadata.
func (s *Store) Stat(_ context.Context, key string) (trail.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return trail.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, trail.ErrNotFound)
	}
	return info(key, obj), nil
}

// List returns metadata for every key under prefix, sorted by key.
func (s *Store) List(_ context.Context, prefix string) ([]trail.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]trail.ObjectInfo, 0, len(s.objects))
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, info(key, obj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// SetModified overrides the last-modified time of an existing key.
func (s *Store) SetModified(key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return fmt.Errorf("set modified %s: %w", key, trail.ErrNotFound)
	}
	obj.modified = at
	s.objects[key] = obj
	return nil
}

func info(key string, obj object) trail.ObjectInfo {
	return trail.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		ContentType:  obj.contentType,
	}
}
