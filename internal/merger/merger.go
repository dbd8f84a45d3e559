// Package merger combines named path datasets into the published merged
// path. At most one merge runs at a time.
package merger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/metrics"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

// Config names the inputs and the output.
type Config struct {
	Datasets      []string
	DatasetPrefix string
	OutputKey     string
}

// Result summarizes one merge.
type Result struct {
	Points         int    `json:"points"`
	Changed        bool   `json:"changed"`
	Hash           string `json:"hash,omitempty"`
	InvalidationID string `json:"invalidation_id,omitempty"`
}

// Merger reads datasets, writes the merged output when it changed, and
// invalidates the cached copy.
type Merger struct {
	cfg         Config
	store       trail.ObjectStore
	invalidator trail.Invalidator
	gate        trail.Gate
	hasher      trail.Hasher
	logger      *zap.Logger
}

// pendingSuffix marks an output whose cached copy was never invalidated. The
// marker lives in the store so a later process retries the invalidation.
const pendingSuffix = ".pending"

// New validates cfg and builds a Merger.
func New(
	cfg Config,
	store trail.ObjectStore,
	invalidator trail.Invalidator,
	gate trail.Gate,
	hasher trail.Hasher,
	logger *zap.Logger,
) (*Merger, error) {
	if len(cfg.Datasets) == 0 {
		return nil, trail.ConfigErr("merger", errors.New("at least one dataset is required"))
	}
	for _, name := range cfg.Datasets {
		if strings.TrimSpace(name) == "" {
			return nil, trail.ConfigErr("merger", errors.New("dataset names must not be empty"))
		}
	}
	if strings.TrimSpace(cfg.OutputKey) == "" {
		return nil, trail.ConfigErr("merger", errors.New("output key is required"))
	}
	if store == nil || invalidator == nil || gate == nil || hasher == nil {
		return nil, errors.New("merger requires a store, invalidator, gate, and hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		cfg:         cfg,
		store:       store,
		invalidator: invalidator,
		gate:        gate,
		hasher:      hasher,
		logger:      logger.Named("merger"),
	}, nil
}

// Run performs one merge. A run that cannot take the gate returns
// trail.ErrConcurrencyDenied without reading or writing anything.
func (m *Merger) Run(ctx context.Context) (Result, error) {
	release, err := m.gate.TryAcquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	datasets := make([]trail.PathDataset, 0, len(m.cfg.Datasets))
	for _, name := range m.cfg.Datasets {
		key := m.cfg.DatasetPrefix + name + ".json"
		data, err := m.store.Get(ctx, key)
		if err != nil {
			return Result{}, trail.Transient("read dataset "+key, err)
		}
		ds, err := trail.DecodeDataset(data)
		if err != nil {
			return Result{}, fmt.Errorf("dataset %s: %w", key, err)
		}
		ds.Name = name
		datasets = append(datasets, ds)
	}

	merged := Merge(datasets)
	output, err := trail.EncodeMerged(merged)
	if err != nil {
		return Result{}, err
	}
	hash, err := m.hasher.Hash(output)
	if err != nil {
		return Result{}, fmt.Errorf("hash output: %w", err)
	}
	result := Result{Points: len(merged.Path), Hash: hash}
	metrics.SetMergePoints(result.Points)

	current, err := m.store.Get(ctx, m.cfg.OutputKey)
	if err != nil && !errors.Is(err, trail.ErrNotFound) {
		return result, trail.Transient("read output", err)
	}
	if err == nil && bytes.Equal(current, output) {
		pending, err := m.pending(ctx)
		if err != nil {
			return result, err
		}
		if !pending {
			m.logger.Debug("Merged output unchanged", zap.Int("points", result.Points))
			return result, nil
		}
		m.logger.Info("Retrying invalidation for unchanged output", zap.String("hash", hash))
		return m.invalidate(ctx, result)
	}

	if err := m.store.Put(ctx, m.cfg.OutputKey, trail.JSONContentType, output); err != nil {
		return result, trail.Transient("write output", err)
	}
	result.Changed = true
	m.logger.Info("Merged output written",
		zap.String("key", m.cfg.OutputKey),
		zap.Int("points", result.Points),
		zap.Int("datasets", len(datasets)),
	)
	return m.invalidate(ctx, result)
}

func (m *Merger) invalidate(ctx context.Context, result Result) (Result, error) {
	id, err := m.invalidator.Invalidate(ctx, []string{"/" + strings.TrimPrefix(m.cfg.OutputKey, "/")})
	if err != nil {
		invErr := trail.Transient("invalidate output", err)
		if putErr := m.store.Put(ctx, m.pendingKey(), "text/plain", []byte(result.Hash)); putErr != nil {
			return result, errors.Join(invErr, trail.Transient("record pending invalidation", putErr))
		}
		return result, invErr
	}
	result.InvalidationID = id
	if err := m.store.Delete(ctx, m.pendingKey()); err != nil && !errors.Is(err, trail.ErrNotFound) {
		// The next unchanged run re-invalidates once more, which is harmless.
		m.logger.Warn("Could not clear pending invalidation", zap.Error(err))
	}
	return result, nil
}

func (m *Merger) pendingKey() string {
	return m.cfg.OutputKey + pendingSuffix
}

func (m *Merger) pending(ctx context.Context) (bool, error) {
	_, err := m.store.Stat(ctx, m.pendingKey())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, trail.ErrNotFound):
		return false, nil
	default:
		return false, trail.Transient("read pending invalidation", err)
	}
}
