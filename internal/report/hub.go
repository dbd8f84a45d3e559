package report

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 256).
//   - MaxBatch: flush once this many reports queue (default 50).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 1s).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - Logger: optional structured logger used for sink failures.
type Config struct {
	BufferSize   int
	MaxBatch     int
	MaxBatchWait time.Duration
	SinkTimeout  time.Duration
	Logger       *zap.Logger
}

const (
	defaultBufferSize   = 256
	defaultMaxBatch     = 50
	defaultMaxBatchWait = time.Second
	defaultSinkTimeout  = 10 * time.Second
	dropLogInterval     = 5 * time.Second
)

// Hub buffers reports and fans them out to registered sinks in batches. It
// is safe for concurrent use and Report never blocks the job that produced
// the report.
type Hub struct {
	cfg    Config
	sinks  []Sink
	queue  chan Report
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	dropLog  rate.Sometimes
	stopOnce sync.Once
	closeCtx context.Context

	// mu orders enqueues before the close: Report holds it shared, Close
	// exclusively, so nothing lands in the queue after the final drain.
	mu     sync.RWMutex
	closed bool
}

// NewHub starts the background flush goroutine for sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		queue:   make(chan Report, cfg.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  cfg.Logger.Named("report"),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.loop()
	return h
}

// Report enqueues r. When the buffer is full the report is dropped and a
// throttled warning is logged.
func (h *Hub) Report(r Report) {
	if h == nil {
		return
	}
	if err := r.Validate(); err != nil {
		h.logger.Warn("discarding invalid report", zap.String("job", r.Job), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.logger.Debug("report after close discarded", zap.String("job", r.Job))
		return
	}
	select {
	case h.queue <- r:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("reports dropped, hub buffer full", zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Close flushes buffered reports, closes the sinks, and waits for the flush
// goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for report hub: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()

	batch := make([]Report, 0, h.cfg.MaxBatch)
	add := func(r Report) {
		if batch = append(batch, r); len(batch) >= h.cfg.MaxBatch {
			h.deliver(batch)
			batch = batch[:0]
		}
	}
	for {
		select {
		case r := <-h.queue:
			add(r)
		case <-ticker.C:
			h.deliver(batch)
			batch = batch[:0]
		case <-h.stop:
			for len(h.queue) > 0 {
				add(<-h.queue)
			}
			h.deliver(batch)
			h.closeSinks()
			return
		}
	}
}

// deliver hands a copy of batch to every sink. Sink failures are logged and
// never retried.
func (h *Hub) deliver(batch []Report) {
	if len(batch) == 0 {
		return
	}
	out := append([]Report(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		err := sink.Consume(ctx, out)
		cancel()
		if err != nil {
			h.logger.Warn("report sink failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}

func (h *Hub) closeSinks() {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(h.closeCtx); err != nil {
			h.logger.Warn("close report sink", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}
