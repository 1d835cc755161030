package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"feedsplit/internal/feed"
	"feedsplit/internal/log"
	"feedsplit/internal/metrics"
	"feedsplit/internal/model"
	"feedsplit/internal/process"
	"feedsplit/internal/store"
)

// Feeds names the two feed endpoints walked by a run.
type Feeds struct {
	SeriesURL      string
	OccurrencesURL string
}

// Summary describes one finished run.
type Summary struct {
	RunID       string
	Started     time.Time
	Took        time.Duration
	Series      feed.Stats
	Occurrences feed.Stats
	// Listings maps segment identifiers to listing sizes after the run.
	Listings map[string]int
}

// Runner executes full runs: the series feed first, then occurrences.
type Runner struct {
	feeds     Feeds
	walker    *feed.Walker
	processor *process.Processor
	store     *store.Store
	segments  []model.Segment
	log       *log.Logger
	metrics   *metrics.Metrics
}

func NewRunner(feeds Feeds, w *feed.Walker, p *process.Processor, st *store.Store, segments []model.Segment, logger *log.Logger, m *metrics.Metrics) *Runner {
	return &Runner{
		feeds:     feeds,
		walker:    w,
		processor: p,
		store:     st,
		segments:  segments,
		log:       logger,
		metrics:   m,
	}
}

// Run walks both feeds to exhaustion. Any returned error is fatal for the
// run; writes made before it are kept.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: uuid.NewString(), Started: time.Now()}
	logger := r.log.With("run_id", sum.RunID)
	logger.Info("run start")

	err := r.run(ctx, &sum)
	sum.Took = time.Since(sum.Started)
	r.metrics.ObserveRun(err, time.Now(), sum.Took)

	if err != nil {
		logger.Error("run failed", err, "took", sum.Took.String())
		return sum, err
	}
	logger.Info("run complete",
		"took", sum.Took.String(),
		"series_items", sum.Series.Items,
		"occurrence_items", sum.Occurrences.Items,
		"retries", sum.Series.Retries+sum.Occurrences.Retries,
		"listings", sum.Listings,
	)
	return sum, nil
}

func (r *Runner) run(ctx context.Context, sum *Summary) error {
	var err error
	sum.Series, err = r.walker.Walk(ctx, "series", r.feeds.SeriesURL, r.processor.SeriesPage)
	if err != nil {
		return errors.Wrap(err, "series feed")
	}
	sum.Occurrences, err = r.walker.Walk(ctx, "occurrences", r.feeds.OccurrencesURL, r.processor.OccurrencePage)
	if err != nil {
		return errors.Wrap(err, "occurrence feed")
	}

	sum.Listings, err = ListingSizes(r.store, r.segments)
	if err != nil {
		return err
	}
	for id, n := range sum.Listings {
		r.metrics.SetListingSize(id, n)
	}
	return nil
}

// ListingSizes counts the listed occurrences of every segment.
func ListingSizes(st *store.Store, segments []model.Segment) (map[string]int, error) {
	out := make(map[string]int, len(segments))
	for _, seg := range segments {
		keys, err := st.Index(process.SegmentNamespace(seg.Identifier)).Keys()
		if err != nil {
			return nil, errors.Wrapf(err, "read listing of %s", seg.Identifier)
		}
		out[seg.Identifier] = len(keys)
	}
	return out, nil
}
