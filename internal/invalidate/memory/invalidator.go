// Package memory records cache invalidations in process.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Invalidator remembers every invalidation request. Fail, when set, makes
// the next calls return it.
type Invalidator struct {
	mu    sync.Mutex
	calls [][]string
	fail  error
}

// New returns an empty recorder.
func New() *Invalidator {
	return &Invalidator{}
}

// Invalidate records paths.
func (i *Invalidator) Invalidate(ctx context.Context, paths []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("invalidate canceled: %w", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.fail != nil {
		return "", i.fail
	}
	i.calls = append(i.calls, append([]string(nil), paths...))
	return fmt.Sprintf("inv-%d", len(i.calls)), nil
}

// Fail makes subsequent calls return err; nil restores success.
func (i *Invalidator) Fail(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fail = err
}

// Calls returns a copy of the recorded path lists.
func (i *Invalidator) Calls() [][]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([][]string, len(i.calls))
	copy(out, i.calls)
	return out
}

// Noop discards invalidations, for deployments without a CDN.
type Noop struct{}

// Invalidate does nothing.
func (Noop) Invalidate(context.Context, []string) (string, error) { return "", nil }
