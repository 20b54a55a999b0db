// Package campfire scrapes per-project campaign metrics from camp-fire.jp
// project pages.
package campfire

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/machiya/campsync/internal/report"
)

// Unavailable marks a metric field that was absent on an otherwise
// successful page. Partial data is not a fetch error.
const Unavailable = "取得不可"

// Default scrape selectors for the project view page.
const (
	defaultAmountSelector  = "p.backer-amount"
	defaultBackersSelector = "p.backer"
)

var nonDigits = regexp.MustCompile(`\D`)

// FetchError is the single failure kind the fetcher reports. Transport
// failures (timeout, DNS, non-2xx) and parse failures (no metrics in the
// document) both normalize to it; callers never need to tell them apart.
type FetchError struct {
	ProjectID string
	Detail    string
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch project %s: %s: %v", e.ProjectID, e.Detail, e.Err)
	}
	return fmt.Sprintf("fetch project %s: %s", e.ProjectID, e.Detail)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Throttle gates outbound requests and collects success/error feedback.
// *ratelimit.Limiter satisfies it.
type Throttle interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordError()
}

// Config controls fetcher behavior.
type Config struct {
	// BaseURL is the site root, default https://camp-fire.jp.
	BaseURL   string
	UserAgent string
	// Timeout bounds each request independently of the batch.
	Timeout time.Duration
	// AmountSelector and BackersSelector override the page selectors.
	AmountSelector  string
	BackersSelector string
	// DisableThrottle skips the limiter's Wait for single ad-hoc calls.
	// Success/error recording still happens so the shared history stays
	// accurate. Default is throttled.
	DisableThrottle bool
}

// Fetcher performs one scrape per call. The underlying collector and its
// transport pool are shared; each Fetch clones the collector, so a single
// Fetcher is safe for concurrent use by multiple workers.
type Fetcher struct {
	cfg           Config
	throttle      Throttle
	baseCollector *colly.Collector
	// onFetch observes completed fetch attempts for metrics; may be nil.
	onFetch func(outcome string, dur time.Duration)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithFetchObserver wires a metrics callback for completed fetch attempts.
func WithFetchObserver(fn func(outcome string, dur time.Duration)) Option {
	return func(f *Fetcher) { f.onFetch = fn }
}

// New builds a Fetcher sharing the given throttle.
func New(cfg Config, throttle Throttle, opts ...Option) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://camp-fire.jp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.AmountSelector == "" {
		cfg.AmountSelector = defaultAmountSelector
	}
	if cfg.BackersSelector == "" {
		cfg.BackersSelector = defaultBackersSelector
	}

	// colly v2.1.0's Async option ignores its argument and always enables
	// async mode; rely on the synchronous default instead of Async(false).
	c := colly.NewCollector()
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	f := &Fetcher{
		cfg:           cfg,
		throttle:      throttle,
		baseCollector: c,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Metrics is one project's scraped values. Missing fields hold Unavailable.
type Metrics struct {
	Amount  string
	Backers string
}

// Fields maps the metrics into the row-result vocabulary.
func (m Metrics) Fields() map[report.Field]string {
	return map[report.Field]string{
		report.FieldAmount:  m.Amount,
		report.FieldBackers: m.Backers,
	}
}

// Fetch scrapes one project page. It waits on the throttle before the
// request (unless disabled) and records the outcome after, always.
func (f *Fetcher) Fetch(ctx context.Context, projectID string) (map[report.Field]string, error) {
	if !f.cfg.DisableThrottle {
		if err := f.throttle.Wait(ctx); err != nil {
			return nil, &FetchError{ProjectID: projectID, Detail: "throttle wait", Err: err}
		}
	}

	start := time.Now()
	m, err := f.scrape(ctx, projectID)
	if err != nil {
		f.throttle.RecordError()
		f.observe("error", time.Since(start))
		return nil, err
	}
	f.throttle.RecordSuccess()
	f.observe("ok", time.Since(start))
	return m.Fields(), nil
}

func (f *Fetcher) scrape(ctx context.Context, projectID string) (Metrics, error) {
	url := fmt.Sprintf("%s/projects/%s/view", strings.TrimRight(f.cfg.BaseURL, "/"), projectID)

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	metrics := Metrics{Amount: Unavailable, Backers: Unavailable}
	var (
		fetchErr  error
		responded bool
	)

	collector.OnHTML(f.cfg.AmountSelector, func(e *colly.HTMLElement) {
		if v := digitsOnly(e.Text); v != "" {
			metrics.Amount = v
		}
	})
	collector.OnHTML(f.cfg.BackersSelector, func(e *colly.HTMLElement) {
		if v := digitsOnly(e.Text); v != "" {
			metrics.Backers = v
		}
	})
	collector.OnResponse(func(_ *colly.Response) {
		responded = true
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := f.visit(ctx, collector, url); err != nil {
		return Metrics{}, &FetchError{ProjectID: projectID, Detail: "request failed", Err: err}
	}
	if fetchErr != nil {
		return Metrics{}, &FetchError{ProjectID: projectID, Detail: "request failed", Err: fetchErr}
	}
	if !responded {
		return Metrics{}, &FetchError{ProjectID: projectID, Detail: "no response received"}
	}
	if metrics.Amount == Unavailable && metrics.Backers == Unavailable {
		// A page with neither field is a parse failure, not partial data.
		return Metrics{}, &FetchError{ProjectID: projectID, Detail: "no campaign metrics in page"}
	}
	return metrics, nil
}

func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (f *Fetcher) observe(outcome string, dur time.Duration) {
	if f.onFetch != nil {
		f.onFetch(outcome, dur)
	}
}

func digitsOnly(s string) string {
	return nonDigits.ReplaceAllString(strings.TrimSpace(s), "")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
