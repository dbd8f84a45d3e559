package imageworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trailnotes/internal/flight"
	qmemory "github.com/JakeFAU/trailnotes/internal/queue/memory"
	"github.com/JakeFAU/trailnotes/internal/storage/memory"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

const indexKey = "image_locations.json"

var suffixes = []string{".jpg", ".jpeg", ".png"}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExtract treats the image bytes "lat,lon" as a location and anything
// else as having none.
func fakeExtract(data []byte) (*trail.Location, error) {
	var lat, lon float64
	if _, err := fmt.Sscanf(string(data), "%f,%f", &lat, &lon); err != nil {
		return nil, trail.DataErr("extract", err)
	}
	return &trail.Location{Latitude: lat, Longitude: lon}, nil
}

func newWorker(t *testing.T, q trail.Receiver, store trail.ObjectStore, gate trail.Gate) *Worker {
	t.Helper()
	w, err := New(Config{IndexKey: indexKey, Suffixes: suffixes}, q, store, gate, fakeExtract, nil)
	require.NoError(t, err)
	return w
}

func readIndex(t *testing.T, store trail.ObjectStore) trail.LocationIndex {
	t.Helper()
	data, err := store.Get(context.Background(), indexKey)
	require.NoError(t, err)
	idx, err := trail.DecodeIndex(data)
	require.NoError(t, err)
	return idx
}

func TestRunOnceRecordsLocationAndNoLocation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil)
	q := qmemory.NewQueue(10*time.Minute, nil)
	require.NoError(t, store.Put(ctx, "photos/a.jpg", "image/jpeg", []byte("35.5,-83.25")))
	require.NoError(t, store.Put(ctx, "photos/b.png", "image/png", []byte("no gps here")))
	_, _ = q.Send(ctx, "photos/a.jpg")
	_, _ = q.Send(ctx, "photos/b.png")

	w := newWorker(t, q, store, flight.NewLocal("images", 1))

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeLocated, res.Outcome)

	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoLocation, res.Outcome)

	idx := readIndex(t, store)
	require.Len(t, idx, 2)
	require.InDelta(t, -83.25, idx["photos/a.jpg"].Longitude, 1e-9)
	require.Contains(t, idx, "photos/b.png")
	require.Nil(t, idx["photos/b.png"])
	require.Equal(t, 0, q.Len())
	require.Equal(t, 2, q.Acked())

	_, err = w.RunOnce(ctx)
	require.ErrorIs(t, err, trail.ErrQueueEmpty)
}

func TestRunOnceDoesNotOverwriteExistingEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil)
	q := qmemory.NewQueue(time.Minute, nil)
	existing, err := trail.EncodeIndex(trail.LocationIndex{"photos/a.jpg": {Latitude: 1, Longitude: 2}})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, indexKey, trail.JSONContentType, existing))
	require.NoError(t, store.Put(ctx, "photos/a.jpg", "image/jpeg", []byte("10,20")))
	_, _ = q.Send(ctx, "photos/a.jpg")

	res, err := newWorker(t, q, store, flight.NewLocal("images", 1)).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	require.InDelta(t, 1.0, readIndex(t, store)["photos/a.jpg"].Latitude, 1e-9)
	require.Equal(t, 1, q.Acked())
}

func TestRunOnceIgnoresNonImages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil)
	q := qmemory.NewQueue(time.Minute, nil)
	_, _ = q.Send(ctx, "notes/day1.html")

	res, err := newWorker(t, q, store, flight.NewLocal("images", 1)).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)
	require.Equal(t, 1, q.Acked())
	_, err = store.Get(ctx, indexKey)
	require.ErrorIs(t, err, trail.ErrNotFound)
}

// flakyStore fails image reads a set number of times.
type flakyStore struct {
	trail.ObjectStore
	failures atomic.Int32
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if key != indexKey && f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return f.ObjectStore.Get(ctx, key)
}

func TestRedeliveryAfterVisibilityTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := &manualClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	inner := memory.NewStore(nil)
	require.NoError(t, inner.Put(ctx, "photos/a.jpg", "image/jpeg", []byte("35,-83")))
	store := &flakyStore{ObjectStore: inner}
	store.failures.Store(1)
	q := qmemory.NewQueue(10*time.Minute, clk)
	_, _ = q.Send(ctx, "photos/a.jpg")
	w := newWorker(t, q, store, flight.NewLocal("images", 1))

	res, err := w.RunOnce(ctx)
	require.ErrorIs(t, err, trail.ErrTransientIO)
	require.Equal(t, OutcomeRetry, res.Outcome)
	require.Equal(t, 0, q.Acked())

	_, err = w.RunOnce(ctx)
	require.ErrorIs(t, err, trail.ErrQueueEmpty, "message stays hidden until the timeout")

	clk.Advance(10 * time.Minute)
	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeLocated, res.Outcome)
	require.Equal(t, 2, res.Attempt)
	require.Equal(t, 1, q.Acked())
	require.Equal(t, 0, q.Len())
	require.Len(t, readIndex(t, inner), 1)
}

func TestConcurrentNotificationsLoseNoUpdates(t *testing.T) {
	t.Parallel()

	const n = 40
	ctx := context.Background()
	store := memory.NewStore(nil)
	q := qmemory.NewQueue(10*time.Minute, nil)
	for i := range n {
		key := fmt.Sprintf("photos/img-%02d.jpg", i)
		require.NoError(t, store.Put(ctx, key, "image/jpeg", []byte(fmt.Sprintf("%d,%d", i, -i))))
		_, err := q.Send(ctx, key)
		require.NoError(t, err)
	}
	w := newWorker(t, q, store, flight.NewLocal("images", 1))

	var (
		wg     sync.WaitGroup
		denied atomic.Int32
	)
	deadline := time.Now().Add(10 * time.Second)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for q.Len() > 0 && time.Now().Before(deadline) {
				_, err := w.RunOnce(ctx)
				if errors.Is(err, trail.ErrConcurrencyDenied) {
					denied.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	idx := readIndex(t, store)
	require.Len(t, idx, n)
	for i := range n {
		loc := idx[fmt.Sprintf("photos/img-%02d.jpg", i)]
		require.NotNil(t, loc)
		require.InDelta(t, float64(i), loc.Latitude, 1e-9)
	}
	require.Equal(t, n, q.Acked())
	t.Logf("denied invocations: %d", denied.Load())
}

type malformedReceiver struct{ acked bool }

func (m *malformedReceiver) Receive(context.Context) (trail.Delivery, error) {
	return trail.Delivery{ID: "m-1", Attempt: 1, Ack: func(context.Context) error {
		m.acked = true
		return nil
	}}, trail.DataErr("decode s3 event", errors.New("bad json"))
}

func TestRunOnceDropsMalformedNotifications(t *testing.T) {
	t.Parallel()

	r := &malformedReceiver{}
	w := newWorker(t, r, memory.NewStore(nil), flight.NewLocal("images", 1))
	res, err := w.RunOnce(context.Background())
	require.ErrorIs(t, err, trail.ErrData)
	require.Equal(t, OutcomeDropped, res.Outcome)
	require.True(t, r.acked)
}

func TestRunOnceDeniedWhenSlotHeld(t *testing.T) {
	t.Parallel()

	gate := flight.NewLocal("images", 1)
	release, err := gate.TryAcquire(context.Background())
	require.NoError(t, err)
	defer release()

	q := qmemory.NewQueue(time.Minute, nil)
	_, _ = q.Send(context.Background(), "a.jpg")
	_, err = newWorker(t, q, memory.NewStore(nil), gate).RunOnce(context.Background())
	require.ErrorIs(t, err, trail.ErrConcurrencyDenied)
	require.Equal(t, 1, q.Len())
}
