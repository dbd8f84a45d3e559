package trail

import (
	"context"
	"time"
)

// ObjectStore is durable key to bytes storage. Put always replaces the whole
// object; readers never observe a partial write.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, contentType string, data []byte) error
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Receiver hands out one notification at a time. It returns ErrQueueEmpty
// when nothing is visible.
type Receiver interface {
	Receive(ctx context.Context) (Delivery, error)
}

// Delivery is one received notification. Not calling Ack leaves the message
// to reappear after the queue's visibility timeout.
type Delivery struct {
	ID      string
	Key     string
	Attempt int
	Ack     func(ctx context.Context) error
}

// Invalidator purges cached copies of the given paths and returns the
// provider's request ID.
type Invalidator interface {
	Invalidate(ctx context.Context, paths []string) (string, error)
}

// Gate is a non-blocking single-flight slot. TryAcquire returns
// ErrConcurrencyDenied when the slot is held elsewhere.
type Gate interface {
	TryAcquire(ctx context.Context) (release func(), err error)
}

// Fetcher retrieves an external URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
