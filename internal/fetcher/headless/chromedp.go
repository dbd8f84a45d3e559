// Package headless renders live-tracking pages in headless Chrome. Share
// pages draw the hiker's track with JavaScript, so the scraper either reads
// the rendered DOM or evaluates an expression that returns the track JSON.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

const (
	defaultRenderTimeout = 45 * time.Second
	defaultReadySelector = "body"
	settleDelay          = 500 * time.Millisecond
)

// Config controls the headless renderer.
type Config struct {
	// MaxParallel bounds concurrent browser tabs; zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is awaited before capture; defaults to "body".
	WaitSelector string
	// Evaluate, when set, is run in the page after load and its JSON result
	// becomes the response body instead of the rendered DOM.
	Evaluate string
}

// Fetcher implements trail.Fetcher on a shared Chrome allocator.
type Fetcher struct {
	cfg   Config
	tabs  *semaphore.Weighted
	alloc context.Context
	stop  context.CancelFunc
}

// NewChromedp starts an allocator for headless Chrome. The browser process
// itself is launched lazily on the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultRenderTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = defaultReadySelector
	}
	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)
	f.alloc, f.stop = chromedp.NewExecAllocator(context.Background(), flags...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.stop()
}

// Fetch opens request.URL in a fresh tab and returns the page. A render
// failure of any kind is transient: the share page may simply be slow.
func (f *Fetcher) Fetch(ctx context.Context, request trail.FetchRequest) (trail.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return trail.FetchResponse{}, trail.Transient("wait for browser tab", err)
		}
		defer f.tabs.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.alloc)
	defer closeTab()
	// chromedp contexts derive from the allocator, so caller cancellation is
	// forwarded by hand.
	unlink := context.AfterFunc(ctx, closeTab)
	defer unlink()
	tab, cancel := context.WithTimeout(tab, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	started := time.Now()
	body, location, err := f.render(tab, request)
	if err != nil {
		return trail.FetchResponse{}, trail.Transient("render "+request.URL, err)
	}
	status, headers, finalURL := doc.result(request.URL, location)
	return trail.FetchResponse{
		URL:        finalURL,
		StatusCode: status,
		Headers:    headers,
		Body:       body,
		Duration:   time.Since(started),
		Rendered:   true,
	}, nil
}

func (f *Fetcher) render(ctx context.Context, request trail.FetchRequest) ([]byte, string, error) {
	var (
		location string
		dom      string
		result   []byte
	)
	capture := chromedp.OuterHTML("html", &dom, chromedp.ByQuery)
	if f.cfg.Evaluate != "" {
		capture = chromedp.Evaluate(f.cfg.Evaluate, &result)
	}
	err := chromedp.Run(ctx,
		prepareTab(f.cfg.UserAgent, request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&location),
		capture,
	)
	if err != nil {
		return nil, "", fmt.Errorf("chromedp: %w", err)
	}
	if f.cfg.Evaluate != "" {
		return result, location, nil
	}
	return []byte(dom), location, nil
}

// prepareTab enables network events and applies the user agent and any extra
// request headers.
func prepareTab(userAgent string, headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		if err := network.SetExtraHTTPHeaders(cdpHeaders(headers)).Do(ctx); err != nil {
			return fmt.Errorf("extra headers: %w", err)
		}
		return nil
	})
}

// documentResponse records the status and headers of the last top-level
// document the tab received.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := httpHeaders(resp.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.headers = headers
}

// result fills in whatever the browser did not report: the URL falls back to
// the tab location and then the requested URL, the status to 200.
func (d *documentResponse) result(requested, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requested
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func httpHeaders(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for name, raw := range src {
		switch v := raw.(type) {
		case string:
			out.Add(name, v)
		case []string:
			for _, s := range v {
				out.Add(name, s)
			}
		case []any:
			for _, s := range v {
				out.Add(name, fmt.Sprint(s))
			}
		default:
			out.Add(name, fmt.Sprint(v))
		}
	}
	return out
}

func cdpHeaders(src http.Header) network.Headers {
	out := make(network.Headers, len(src))
	for name, values := range src {
		switch len(values) {
		case 0:
		case 1:
			out[name] = values[0]
		default:
			out[name] = append([]string(nil), values...)
		}
	}
	return out
}
