package trail

import (
	"context"
	"errors"
)

// Sentinel errors shared by every component. Callers test with errors.Is.
var (
	// ErrTransientIO marks network, object-store, and queue failures. The next
	// scheduled tick or a queue redelivery is the retry.
	ErrTransientIO = errors.New("transient i/o failure")
	// ErrData marks malformed source data or an unusable image.
	ErrData = errors.New("data error")
	// ErrConcurrencyDenied is returned when a single-flight slot is taken.
	ErrConcurrencyDenied = errors.New("concurrency slot unavailable")
	// ErrConfiguration marks a missing or invalid setting.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound is returned by object stores for missing keys.
	ErrNotFound = errors.New("object not found")
	// ErrQueueEmpty is returned by receivers when no message is visible.
	ErrQueueEmpty = errors.New("queue empty")
	// ErrRestoreFailed means the watchdog could not apply the snapshot.
	ErrRestoreFailed = errors.New("snapshot restore failed")
	// ErrInvalidationFailed means content was written but the cache purge failed.
	ErrInvalidationFailed = errors.New("cache invalidation failed")
)

// Kind is the reporting classification of an invocation error.
type Kind string

// Error kinds reported to sinks.
const (
	KindNone               Kind = ""
	KindTransientIO        Kind = "transient_io"
	KindData               Kind = "data"
	KindConcurrencyDenied  Kind = "concurrency_denied"
	KindConfiguration      Kind = "configuration"
	KindRestoreFailed      Kind = "restore_failed"
	KindInvalidationFailed Kind = "invalidation_failed"
	KindTimeout            Kind = "timeout"
	KindUnknown            Kind = "unknown"
)

// Classify maps err onto the error taxonomy. More specific kinds win over
// the transient/data split they usually wrap.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConcurrencyDenied):
		return KindConcurrencyDenied
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrRestoreFailed):
		return KindRestoreFailed
	case errors.Is(err, ErrInvalidationFailed):
		return KindInvalidationFailed
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrData):
		return KindData
	case errors.Is(err, ErrTransientIO), errors.Is(err, ErrNotFound), errors.Is(err, ErrQueueEmpty):
		return KindTransientIO
	default:
		return KindUnknown
	}
}

type kindError struct {
	kind error
	op   string
	err  error
}

func (e *kindError) Error() string {
	if e.err == nil {
		return e.op + ": " + e.kind.Error()
	}
	return e.op + ": " + e.err.Error()
}

func (e *kindError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Wrap tags err with kind while keeping err reachable through errors.Is/As.
func Wrap(kind error, op string, err error) error {
	return &kindError{kind: kind, op: op, err: err}
}

// Transient tags err as ErrTransientIO.
func Transient(op string, err error) error {
	return Wrap(ErrTransientIO, op, err)
}

// DataErr tags err as ErrData.
func DataErr(op string, err error) error {
	return Wrap(ErrData, op, err)
}

// ConfigErr tags err as ErrConfiguration.
func ConfigErr(op string, err error) error {
	return Wrap(ErrConfiguration, op, err)
}
