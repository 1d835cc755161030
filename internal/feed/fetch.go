package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"feedsplit/internal/log"
	"feedsplit/internal/model"
)

// DefaultAPIKeyHeader is the header most open-data booking systems expect.
const DefaultAPIKeyHeader = "X-API-KEY"

// maxPageBytes caps a single page body.
const maxPageBytes = 32 << 20

// HTTPFetcher fetches RPDE pages over HTTP.
type HTTPFetcher struct {
	client    *http.Client
	apiKey    string
	keyHeader string
	userAgent string
	maxBytes  int64
	log       *log.Logger
}

// NewHTTPFetcher creates a fetcher. An empty apiKey sends no key header.
func NewHTTPFetcher(apiKey, keyHeader string, timeout time.Duration, logger *log.Logger) *HTTPFetcher {
	if keyHeader == "" {
		keyHeader = DefaultAPIKeyHeader
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		apiKey:    apiKey,
		keyHeader: keyHeader,
		userAgent: "feedsplit/1",
		maxBytes:  maxPageBytes,
		log:       logger,
	}
}

// FetchPage requests a page and decodes it. It does not validate the page.
func (f *HTTPFetcher) FetchPage(ctx context.Context, pageURL string) (*model.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &ValidationError{URL: pageURL, Reason: "bad request URL: " + err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)
	if f.apiKey != "" {
		req.Header.Set(f.keyHeader, f.apiKey)
	}

	f.log.Debug("page fetch start", "url", redactURL(pageURL))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransientError{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{URL: pageURL}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &TransientError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &TransientError{URL: pageURL, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &ValidationError{URL: pageURL, Reason: fmt.Sprintf("page exceeds %d bytes", f.maxBytes)}
	}

	var page model.Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &ValidationError{URL: pageURL, Reason: "decode: " + err.Error()}
	}

	f.log.Debug("page fetch success", "url", redactURL(pageURL), "status", resp.StatusCode, "items", len(page.Items))
	return &page, nil
}

// redactURL hides credential-like query values before a URL is logged.
// Feed cursors (afterTimestamp, afterId) stay visible.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "(unparseable url)"
	}
	if parsed.User != nil {
		parsed.User = url.User("redacted")
	}
	q := parsed.Query()
	changed := false
	for k := range q {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "key") || strings.Contains(lk, "token") || strings.Contains(lk, "secret") {
			q.Set(k, "redacted")
			changed = true
		}
	}
	if changed {
		parsed.RawQuery = q.Encode()
	}
	return parsed.String()
}
