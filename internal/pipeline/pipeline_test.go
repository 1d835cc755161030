package pipeline

import (
	"context"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"feedsplit/internal/feed"
	"feedsplit/internal/log"
	"feedsplit/internal/metrics"
	"feedsplit/internal/model"
	"feedsplit/internal/process"
	"feedsplit/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const seriesPage1 = `{
  "next": "/series?afterId=2",
  "items": [
    {"id": "1", "state": "updated", "kind": "SessionSeries", "modified": 1, "data": {
      "@id": "https://example.org/series/1",
      "@type": "SessionSeries",
      "name": "Yoga",
      "location": {"geo": {"latitude": 51.5, "longitude": -0.12}},
      "eventSchedule": [{
        "@type": "Schedule",
        "byDay": ["https://schema.org/Monday", "https://schema.org/Wednesday"],
        "startTime": "18:00",
        "endTime": "19:00",
        "idTemplate": "https://example.org/yoga/{startDate}",
        "scheduleTimezone": "Europe/London"
      }]
    }},
    {"id": "2", "state": "updated", "kind": "SessionSeries", "modified": 2, "data": {
      "@id": "https://example.org/series/2",
      "name": "Webinar",
      "eventAttendanceMode": "https://schema.org/OnlineEventAttendanceMode"
    }}
  ]
}`

const seriesPage2 = `{"next": "/series?afterId=2", "items": [
  {"id": "3", "state": "deleted", "kind": "SessionSeries", "modified": 3}
]}`

const occurrencesPage = `{"next": "/sessions", "items": [
  {"id": "10", "state": "updated", "kind": "ScheduledSession", "modified": 1, "data": {
    "@id": "https://example.org/sessions/10",
    "superEvent": "https://example.org/series/2",
    "startDate": "2024-01-05T12:00:00Z",
    "endDate": "2024-01-05T13:00:00Z"
  }}
]}`

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.RequestURI() {
		case "/series":
			_, _ = w.Write([]byte(seriesPage1))
		case "/series?afterId=2":
			_, _ = w.Write([]byte(seriesPage2))
		case "/sessions":
			_, _ = w.Write([]byte(occurrencesPage))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

var segments = []model.Segment{
	{Identifier: "london", Latitude: 51.5074, Longitude: -0.1278, RadiusKm: 25, AttendanceModeFilter: model.FilterAll},
	{Identifier: "online", Latitude: 0, Longitude: 0, RadiusKm: 1, AttendanceModeFilter: model.FilterVirtualOnly},
}

func newRunner(t *testing.T, baseURL, dir, occurrencesPath string) *Runner {
	t.Helper()
	logger := log.Nop()
	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	st := store.New(dir, logger)
	proc := process.New(st, process.Options{
		Segments: segments,
		Window:   7 * 24 * time.Hour,
		Location: loc,
		Now:      func() time.Time { return time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC) },
	}, logger, nil)
	walker := feed.NewWalker(
		feed.NewHTTPFetcher("", "", 5*time.Second, logger),
		feed.Options{MinDelay: 0, BackoffFloor: time.Millisecond, BackoffMax: 4 * time.Millisecond},
		logger,
		metrics.New(),
	)
	return NewRunner(Feeds{
		SeriesURL:      baseURL + "/series",
		OccurrencesURL: baseURL + occurrencesPath,
	}, walker, proc, st, segments, logger, metrics.New())
}

func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestRun_Idempotent(t *testing.T) {
	srv := feedServer(t)
	dir := t.TempDir()

	sum, err := newRunner(t, srv.URL, dir, "/sessions").Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 2, sum.Series.Pages)
	assert.Equal(t, 3, sum.Series.Items)
	assert.Equal(t, map[string]int{"london": 3, "online": 1}, sum.Listings)

	first := snapshot(t, dir)
	assert.Contains(t, first, "sessionseries/"+store.Hash("https://example.org/series/1")+".json")
	assert.Contains(t, first, "segments/online/"+store.Hash("https://example.org/sessions/10")+".json")
	assert.Contains(t, first, "segments/london/index.txt")

	// A second process over the same output directory.
	_, err = newRunner(t, srv.URL, dir, "/sessions").Run(context.Background())
	require.NoError(t, err)

	if diff := cmp.Diff(first, snapshot(t, dir)); diff != "" {
		t.Errorf("second run changed output (-first +second):\n%s", diff)
	}
}

func TestRun_MissingFeedIsFatal(t *testing.T) {
	srv := feedServer(t)
	dir := t.TempDir()

	_, err := newRunner(t, srv.URL, dir, "/nope").Run(context.Background())
	require.Error(t, err)
	assert.True(t, feed.IsFatal(err))

	// Series written before the failure are kept.
	n, err := store.New(dir, log.Nop()).Count(process.SeriesNamespace)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
