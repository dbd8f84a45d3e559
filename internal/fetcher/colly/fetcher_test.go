package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

func TestCollectorSettings(t *testing.T) {
	t.Parallel()

	c := New(Config{UserAgent: "trailnotes-probe"}).collector()
	assert.Equal(t, "trailnotes-probe", c.UserAgent)
	assert.True(t, c.AllowURLRevisit)
	assert.True(t, c.IgnoreRobotsTxt)
}

func TestVisitCallbacks(t *testing.T) {
	t.Parallel()

	v := &visit{
		request: trail.FetchRequest{URL: "https://share.example.com", Headers: http.Header{"X-Trace": {"yes"}}},
		started: time.Now(),
	}
	hooks := &recordingHooks{}
	v.register(hooks)
	require.NotNil(t, hooks.request)
	require.NotNil(t, hooks.response)
	require.NotNil(t, hooks.failure)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.request(req)
	assert.Equal(t, "yes", req.Headers.Get("X-Trace"))

	u, err := url.Parse("https://share.example.com/final")
	require.NoError(t, err)
	hooks.response(&colly.Response{
		StatusCode: http.StatusAccepted,
		Body:       []byte("track"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: u},
	})
	assert.Equal(t, http.StatusAccepted, v.resp.StatusCode)
	assert.Equal(t, "track", string(v.resp.Body))
	assert.Equal(t, "ok", v.resp.Headers.Get("X-Resp"))
	assert.Equal(t, "https://share.example.com/final", v.resp.URL)

	hooks.failure(nil, errors.New("reset by peer"))
	assert.EqualError(t, v.err, "reset by peer")
}

func TestFetchReturnsErrorStatusesAsResponses(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer server.Close()

	f := New(Config{Timeout: time.Second})
	for range 2 {
		resp, err := f.Fetch(context.Background(), trail.FetchRequest{URL: server.URL})
		require.NoError(t, err)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		require.Equal(t, "down", string(resp.Body))
	}
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchTransportFailureIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), trail.FetchRequest{URL: addr})
	require.ErrorIs(t, err, trail.ErrTransientIO)
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	limiter := &refusingLimiter{}
	f := New(Config{Timeout: time.Second, Limiter: limiter})
	_, err := f.Fetch(context.Background(), trail.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, trail.ErrTransientIO)
	require.Equal(t, int32(1), limiter.calls.Load())
	require.Zero(t, hits.Load(), "a refused request never reaches the host")
}

type recordingHooks struct {
	request  colly.RequestCallback
	response colly.ResponseCallback
	failure  colly.ErrorCallback
}

func (h *recordingHooks) OnRequest(cb colly.RequestCallback)   { h.request = cb }
func (h *recordingHooks) OnResponse(cb colly.ResponseCallback) { h.response = cb }
func (h *recordingHooks) OnError(cb colly.ErrorCallback)       { h.failure = cb }

type refusingLimiter struct{ calls atomic.Int32 }

func (l *refusingLimiter) Wait(context.Context, string) error {
	l.calls.Add(1)
	return errors.New("rate limit wait: context deadline exceeded")
}
