package feed

import (
	"context"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"feedsplit/internal/log"
	"feedsplit/internal/metrics"
	"feedsplit/internal/model"
)

const (
	DefaultMinDelay     = 200 * time.Millisecond
	DefaultBackoffFloor = time.Second
	// DefaultBackoffMax is about 17 minutes.
	DefaultBackoffMax = 1024 * time.Second
)

// Fetcher retrieves one feed page. Implementations report a missing
// resource as *NotFoundError.
type Fetcher interface {
	FetchPage(ctx context.Context, url string) (*model.Page, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (*model.Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, url string) (*model.Page, error) {
	return f(ctx, url)
}

// PageHandler processes the items of one page. It must finish before the
// walker moves on; a returned error makes the walker retry the page.
type PageHandler func(ctx context.Context, items []*model.FeedItem) error

// Options tunes pacing and retry.
type Options struct {
	// MinDelay is the pause between successful pages. Zero disables it.
	MinDelay time.Duration
	// BackoffFloor is the first retry wait, restored after every good page.
	BackoffFloor time.Duration
	// BackoffMax is the longest wait; a page still failing after it aborts.
	BackoffMax time.Duration
}

// DefaultOptions returns the standard pacing.
func DefaultOptions() Options {
	return Options{
		MinDelay:     DefaultMinDelay,
		BackoffFloor: DefaultBackoffFloor,
		BackoffMax:   DefaultBackoffMax,
	}
}

// Cursor is the walker's position in a feed.
type Cursor struct {
	URL     string
	Backoff time.Duration
}

// Stats summarizes one walk.
type Stats struct {
	Pages   int
	Items   int
	Retries int
}

// Walker drives sequential pagination over an RPDE feed.
type Walker struct {
	fetcher Fetcher
	opts    Options
	log     *log.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewWalker returns a Walker. m may be nil.
func NewWalker(f Fetcher, opts Options, logger *log.Logger, m *metrics.Metrics) *Walker {
	if opts.BackoffFloor <= 0 {
		opts.BackoffFloor = DefaultBackoffFloor
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.MinDelay < 0 {
		opts.MinDelay = 0
	}
	return &Walker{
		fetcher: f,
		opts:    opts,
		log:     logger,
		metrics: m,
		sleep:   sleepContext,
	}
}

// Walk follows the feed from startURL until a page's next link points back
// at the page itself. Every page is validated and fully handled by onPage
// before the next one is requested.
//
// A *NotFoundError aborts immediately. Any other failure is retried on the
// same URL with exponential backoff; once the wait would exceed
// Options.BackoffMax the walk returns *BackoffExhaustedError.
func (w *Walker) Walk(ctx context.Context, name, startURL string, onPage PageHandler) (Stats, error) {
	var stats Stats
	cur := Cursor{URL: startURL, Backoff: w.opts.BackoffFloor}
	attempts := 0
	logger := w.log.With("feed", name)

	logger.Info("feed walk start", "url", redactURL(startURL))

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		next, items, err := w.step(ctx, cur.URL, onPage)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			var nf *NotFoundError
			if errors.As(err, &nf) {
				logger.Error("feed resource not found", err, "url", redactURL(nf.URL))
				return stats, err
			}

			attempts++
			if cur.Backoff > w.opts.BackoffMax {
				return stats, &BackoffExhaustedError{URL: cur.URL, Attempts: attempts, Last: err}
			}
			logger.Warn("page failed, backing off",
				"url", redactURL(cur.URL),
				"attempt", attempts,
				"backoff", cur.Backoff.String(),
				"err", err,
			)
			w.metrics.IncRetries(name, retryReason(err))
			stats.Retries++
			if err := w.sleep(ctx, cur.Backoff); err != nil {
				return stats, err
			}
			cur.Backoff *= 2
			continue
		}

		stats.Pages++
		stats.Items += items
		w.metrics.IncPages(name, items)

		if next == cur.URL {
			logger.Info("feed walk complete", "pages", stats.Pages, "items", stats.Items, "retries", stats.Retries)
			return stats, nil
		}

		cur = Cursor{URL: next, Backoff: w.opts.BackoffFloor}
		attempts = 0
		if err := w.sleep(ctx, w.opts.MinDelay); err != nil {
			return stats, err
		}
	}
}

// step fetches, validates and handles a single page, returning the resolved
// next URL.
func (w *Walker) step(ctx context.Context, pageURL string, onPage PageHandler) (string, int, error) {
	page, err := w.fetcher.FetchPage(ctx, pageURL)
	if err != nil {
		return "", 0, err
	}
	if err := ValidatePage(pageURL, page); err != nil {
		return "", 0, err
	}
	next, err := resolveNext(pageURL, page.Next)
	if err != nil {
		return "", 0, err
	}
	if err := onPage(ctx, page.Items); err != nil {
		return "", 0, errors.Wrapf(err, "process page %s", redactURL(pageURL))
	}
	return next, len(page.Items), nil
}

// resolveNext makes a relative next link absolute against the current page.
// Absolute links are returned unchanged so the exhaustion check compares
// exactly what the feed published.
func resolveNext(current, next string) (string, error) {
	ref, err := url.Parse(next)
	if err != nil {
		return "", &ValidationError{URL: current, Reason: "next is not a URL: " + err.Error()}
	}
	if ref.IsAbs() {
		return next, nil
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", &ValidationError{URL: current, Reason: "current URL does not parse: " + err.Error()}
	}
	return base.ResolveReference(ref).String(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
