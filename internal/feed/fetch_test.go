package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsplit/internal/log"
	"feedsplit/internal/model"
)

func TestHTTPFetcher_FetchPage(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-KEY")
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[{"id":42,"state":"updated","kind":"ScheduledSession","modified":1700,"data":{"@id":"s1"}}],"next":"/ok?afterId=42","license":"CC"}`))
		case "/missing":
			http.NotFound(w, r)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/garbage":
			_, _ = w.Write([]byte(`<html>`))
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher("secret", "", 5*time.Second, log.Nop())
	ctx := context.Background()

	p, err := f.FetchPage(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	require.Len(t, p.Items, 1)
	assert.Equal(t, model.ItemID("42"), p.Items[0].ID)
	assert.Equal(t, model.StateUpdated, p.Items[0].State)
	assert.Equal(t, "/ok?afterId=42", p.Next)

	_, err = f.FetchPage(ctx, srv.URL+"/missing")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = f.FetchPage(ctx, srv.URL+"/busy")
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)

	_, err = f.FetchPage(ctx, srv.URL+"/garbage")
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestHTTPFetcher_OversizedPage(t *testing.T) {
	const body = `{"items":[],"next":"/feed"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	f := NewHTTPFetcher("", "", time.Second, log.Nop())
	f.maxBytes = int64(len(body))
	_, err := f.FetchPage(context.Background(), srv.URL+"/feed")
	require.NoError(t, err)

	f.maxBytes = int64(len(body)) - 1
	_, err = f.FetchPage(context.Background(), srv.URL+"/feed")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, fmt.Sprintf("page exceeds %d bytes", len(body)-1), ve.Reason)
}

func TestHTTPFetcher_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := NewHTTPFetcher("", "", time.Second, log.Nop())
	_, err := f.FetchPage(context.Background(), addr+"/feed")
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.False(t, IsFatal(err))
}

func TestRedactURL(t *testing.T) {
	got := redactURL("https://user:pw@example.com/feed?afterId=3&apiKey=abc")
	assert.NotContains(t, got, "abc")
	assert.NotContains(t, got, "pw")
	assert.Contains(t, got, "afterId=3")
	assert.Equal(t, "https://example.com/feed?afterTimestamp=1", redactURL("https://example.com/feed?afterTimestamp=1"))
}
