// Package collyfetcher implements trail.Fetcher over plain HTTP with gocolly.
// It serves the status probe, the weather lookup, and non-headless scrapes.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Limiter, when set, paces requests per host.
	Limiter HostLimiter
}

// HostLimiter blocks until a request to rawURL may proceed.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher issues one GET per call. Non-2xx responses come back with their
// status code rather than as errors; only transport failures are errors.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// callbacks is the subset of *colly.Collector a visit registers on.
type callbacks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Every probe hits the same URL, so revisits are
// allowed and robots.txt is not consulted.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base := colly.NewCollector(colly.AllowURLRevisit())
	base.IgnoreRobotsTxt = true
	base.ParseHTTPErrorResponse = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	})
	return &Fetcher{cfg: cfg, base: base}
}

// visit carries the outcome of one collector run.
type visit struct {
	request trail.FetchRequest
	started time.Time
	resp    trail.FetchResponse
	err     error
}

// Fetch executes a single GET.
func (f *Fetcher) Fetch(ctx context.Context, request trail.FetchRequest) (trail.FetchResponse, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return trail.FetchResponse{}, trail.Transient("fetch "+request.URL, err)
		}
	}
	v := &visit{request: request, started: time.Now()}
	c := f.collector()
	v.register(c)

	done := make(chan error, 1)
	go func() { done <- c.Visit(request.URL) }()
	select {
	case <-ctx.Done():
		return trail.FetchResponse{}, trail.Transient("fetch "+request.URL, ctx.Err())
	case err := <-done:
		if err == nil {
			err = v.err
		}
		if err != nil {
			return trail.FetchResponse{}, trail.Transient("fetch "+request.URL, fmt.Errorf("colly: %w", err))
		}
		return v.resp, nil
	}
}

func (f *Fetcher) collector() *colly.Collector {
	c := f.base.Clone()
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.SetRequestTimeout(f.cfg.Timeout)
	return c
}

func (v *visit) register(c callbacks) {
	c.OnRequest(func(r *colly.Request) {
		for name, values := range v.request.Headers {
			for _, value := range values {
				r.Headers.Add(name, value)
			}
		}
	})
	c.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		v.resp = trail.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.started),
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		v.err = err
	})
}
