// Package imageworker maintains the image location index from upload
// notifications, one message per invocation.
package imageworker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/exifgeo"
	"github.com/JakeFAU/trailnotes/internal/metrics"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

// Outcome labels one handled notification.
type Outcome string

// Outcomes reported per message.
const (
	OutcomeLocated    Outcome = "located"
	OutcomeNoLocation Outcome = "no_location"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDropped    Outcome = "dropped"
	OutcomeRetry      Outcome = "retry"
)

// Config controls which keys are indexed and where.
type Config struct {
	IndexKey string
	Suffixes []string
}

// Result describes one invocation.
type Result struct {
	MessageID string  `json:"message_id,omitempty"`
	Key       string  `json:"key,omitempty"`
	Attempt   int     `json:"attempt,omitempty"`
	Outcome   Outcome `json:"outcome,omitempty"`
}

// Extractor pulls a location out of image bytes.
type Extractor func(data []byte) (*trail.Location, error)

// Worker consumes notifications and updates the location index.
type Worker struct {
	cfg      Config
	receiver trail.Receiver
	store    trail.ObjectStore
	gate     trail.Gate
	extract  Extractor
	logger   *zap.Logger
}

// New validates cfg and builds a Worker. A nil extractor uses EXIF GPS.
func New(
	cfg Config,
	receiver trail.Receiver,
	store trail.ObjectStore,
	gate trail.Gate,
	extract Extractor,
	logger *zap.Logger,
) (*Worker, error) {
	if strings.TrimSpace(cfg.IndexKey) == "" {
		return nil, trail.ConfigErr("image worker", errors.New("index key is required"))
	}
	if receiver == nil || store == nil || gate == nil {
		return nil, errors.New("image worker requires a receiver, store, and gate")
	}
	if extract == nil {
		extract = exifgeo.Extract
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		receiver: receiver,
		store:    store,
		gate:     gate,
		extract:  extract,
		logger:   logger.Named("imageworker"),
	}, nil
}

// RunOnce handles at most one notification. It acknowledges the message
// only once the index holds an entry for its key, or when the message can
// never produce one. Any other failure leaves the message for redelivery.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	release, err := w.gate.TryAcquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	d, err := w.receiver.Receive(ctx)
	if err != nil {
		if d.Ack == nil {
			return Result{}, err
		}
		// Undecodable notification: it will never succeed.
		res := Result{MessageID: d.ID, Attempt: d.Attempt, Outcome: OutcomeDropped}
		return w.finish(ctx, d, res, err)
	}
	res := Result{MessageID: d.ID, Key: d.Key, Attempt: d.Attempt}
	logger := w.logger.With(zap.String("key", d.Key), zap.String("message_id", d.ID), zap.Int("attempt", d.Attempt))

	if d.Key == "" || d.Key == w.cfg.IndexKey || !trail.HasSuffix(d.Key, w.cfg.Suffixes) {
		res.Outcome = OutcomeIgnored
		return w.finish(ctx, d, res, nil)
	}

	idx, err := w.readIndex(ctx)
	if err != nil {
		res.Outcome = OutcomeRetry
		metrics.ObserveImage(string(res.Outcome))
		return res, err
	}
	if _, ok := idx[d.Key]; ok {
		res.Outcome = OutcomeDuplicate
		return w.finish(ctx, d, res, nil)
	}

	image, err := w.store.Get(ctx, d.Key)
	if err != nil {
		res.Outcome = OutcomeRetry
		metrics.ObserveImage(string(res.Outcome))
		logger.Warn("Image fetch failed; leaving message for redelivery", zap.Error(err))
		return res, trail.Transient("get image", err)
	}

	loc, extractErr := w.extract(image)
	switch {
	case extractErr == nil:
		res.Outcome = OutcomeLocated
	case errors.Is(extractErr, trail.ErrData):
		loc = nil
		res.Outcome = OutcomeNoLocation
		logger.Info("No usable location in image", zap.Error(extractErr))
	default:
		res.Outcome = OutcomeRetry
		metrics.ObserveImage(string(res.Outcome))
		return res, trail.Transient("extract location", extractErr)
	}

	idx[d.Key] = loc
	data, err := trail.EncodeIndex(idx)
	if err != nil {
		return res, err
	}
	if err := w.store.Put(ctx, w.cfg.IndexKey, trail.JSONContentType, data); err != nil {
		res.Outcome = OutcomeRetry
		metrics.ObserveImage(string(res.Outcome))
		return res, trail.Transient("write index", err)
	}
	logger.Info("Location index updated", zap.String("outcome", string(res.Outcome)), zap.Int("entries", len(idx)))
	return w.finish(ctx, d, res, nil)
}

// finish acknowledges d and records the outcome. cause is returned so a
// dropped notification is still reported after the ack.
func (w *Worker) finish(ctx context.Context, d trail.Delivery, res Result, cause error) (Result, error) {
	if err := d.Ack(ctx); err != nil {
		metrics.ObserveImage(string(OutcomeRetry))
		return res, trail.Transient("ack message", err)
	}
	metrics.ObserveImage(string(res.Outcome))
	return res, cause
}

func (w *Worker) readIndex(ctx context.Context) (trail.LocationIndex, error) {
	data, err := w.store.Get(ctx, w.cfg.IndexKey)
	if errors.Is(err, trail.ErrNotFound) {
		return trail.LocationIndex{}, nil
	}
	if err != nil {
		return nil, trail.Transient("read index", err)
	}
	idx, err := trail.DecodeIndex(data)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", w.cfg.IndexKey, err)
	}
	return idx, nil
}
