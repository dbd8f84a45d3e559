// Package flight provides non-blocking single-flight gates. A denied
// acquisition returns immediately with trail.ErrConcurrencyDenied.
package flight

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

// Local limits concurrent holders within one process.
type Local struct {
	name string
	sem  *semaphore.Weighted
}

// NewLocal returns a gate admitting up to limit holders (minimum 1).
func NewLocal(name string, limit int64) *Local {
	if limit < 1 {
		limit = 1
	}
	return &Local{name: name, sem: semaphore.NewWeighted(limit)}
}

// TryAcquire takes a slot without waiting.
func (l *Local) TryAcquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.name, err)
	}
	if !l.sem.TryAcquire(1) {
		return nil, fmt.Errorf("acquire %s: %w", l.name, trail.ErrConcurrencyDenied)
	}
	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}

// Chain acquires every gate in order and releases them in reverse. Used to
// combine the in-process gate with a cross-process lease.
type Chain []trail.Gate

// TryAcquire takes every gate or none.
func (c Chain) TryAcquire(ctx context.Context) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, gate := range c {
		release, err := gate.TryAcquire(ctx)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
