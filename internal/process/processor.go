package process

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"feedsplit/internal/log"
	"feedsplit/internal/metrics"
	"feedsplit/internal/model"
	"feedsplit/internal/schedule"
	"feedsplit/internal/segment"
	"feedsplit/internal/store"
)

// SeriesNamespace is where series records are stored.
const SeriesNamespace = "sessionseries"

// SegmentNamespace is where a segment's occurrences and listing live.
func SegmentNamespace(id string) string {
	return "segments/" + id
}

const (
	kindSeries     = "series"
	kindOccurrence = "occurrence"
)

const DefaultWorkers = 4

// Options configures a Processor.
type Options struct {
	Segments []model.Segment
	// Window is how far ahead occurrences are kept.
	Window time.Duration
	// Location is used for schedules and dates without a zone.
	Location *time.Location
	// Workers bounds parallel item processing within one page.
	Workers int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Processor turns feed items into stored series and per-segment
// occurrences. SeriesPage and OccurrencePage satisfy feed.PageHandler.
type Processor struct {
	store    *store.Store
	segments []model.Segment
	window   time.Duration
	loc      *time.Location
	workers  int
	now      func() time.Time
	log      *log.Logger
	metrics  *metrics.Metrics
}

func New(st *store.Store, opts Options, logger *log.Logger, m *metrics.Metrics) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		store:    st,
		segments: opts.Segments,
		window:   opts.Window,
		loc:      opts.Location,
		workers:  opts.Workers,
		now:      opts.Now,
		log:      logger,
		metrics:  m,
	}
}

// SeriesPage processes one page of the series feed.
func (p *Processor) SeriesPage(ctx context.Context, items []*model.FeedItem) error {
	return p.each(ctx, items, p.series)
}

// OccurrencePage processes one page of the occurrence feed. It must only
// run once the series feed has been drained.
func (p *Processor) OccurrencePage(ctx context.Context, items []*model.FeedItem) error {
	return p.each(ctx, items, p.occurrence)
}

func (p *Processor) each(ctx context.Context, items []*model.FeedItem, fn func(context.Context, *model.FeedItem) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, it := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, it)
		})
	}
	return g.Wait()
}

func (p *Processor) drop(kind, reason string, id model.ItemID, kv ...any) {
	p.metrics.IncDropped(kind, reason)
	p.log.Debug(kind+" dropped", append([]any{"id", string(id), "reason", reason}, kv...)...)
}

func (p *Processor) series(_ context.Context, it *model.FeedItem) error {
	if it.Deleted() {
		p.drop(kindSeries, "deleted", it.ID)
		return nil
	}
	var rec model.Record
	if err := json.Unmarshal(it.Data, &rec); err != nil {
		p.drop(kindSeries, "malformed", it.ID, "err", err)
		return nil
	}
	if rec.ID == "" {
		p.drop(kindSeries, "missing_id", it.ID)
		return nil
	}

	placement := segment.PlacementOf(rec)
	if !placement.Placeable() {
		p.drop(kindSeries, "no_location", it.ID, "series", rec.ID)
		return nil
	}
	segs := segment.Assign(placement, p.segments)
	if len(segs) == 0 {
		p.drop(kindSeries, "no_segments", it.ID, "series", rec.ID)
		return nil
	}

	now := p.now()
	corrected := make([]model.EventSchedule, 0, len(rec.Schedules))
	var generated []model.Occurrence
	for _, s := range rec.Schedules {
		c, ok := schedule.Correct(s)
		corrected = append(corrected, c)
		if !ok {
			p.log.Debug("partial schedule kept", "series", rec.ID, "err", schedule.Validate(s))
			continue
		}
		seq, err := schedule.Expand(c, now, p.window, p.loc)
		if err != nil {
			p.log.Warn("schedule expansion failed", "series", rec.ID, "err", err)
			continue
		}
		for occ := range seq {
			occ.SuperEventID = rec.ID
			generated = append(generated, occ)
		}
	}

	series := model.SeriesRecord{Record: rec, SegmentIDs: segs, CorrectedSchedules: corrected}
	content, err := json.Marshal(series)
	if err != nil {
		return errors.Wrapf(err, "encode series %s", rec.ID)
	}
	outcome, err := p.store.Put(SeriesNamespace, rec.ID, content)
	if err != nil {
		return err
	}
	p.metrics.IncPut(kindSeries, outcome.String())
	switch outcome {
	case store.CollisionSkipped:
		p.drop(kindSeries, "collision", it.ID, "series", rec.ID)
		return nil
	case store.AlreadyIdentical:
		// The stored record is authoritative; generated occurrences follow
		// its segments so they agree with feed occurrences of the series.
		var stored model.SeriesRecord
		if err := p.store.Lookup(SeriesNamespace, rec.ID, &stored); err != nil {
			return errors.Wrapf(err, "look up stored series %s", rec.ID)
		}
		series = stored
	}

	p.metrics.AddGenerated(len(generated))
	for _, occ := range generated {
		merged, err := Merge(occurrenceRecord(occ), series)
		if err != nil {
			return err
		}
		if err := p.persist(merged, series.SegmentIDs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) occurrence(_ context.Context, it *model.FeedItem) error {
	if it.Deleted() {
		p.drop(kindOccurrence, "deleted", it.ID)
		return nil
	}
	var rec model.Record
	if err := json.Unmarshal(it.Data, &rec); err != nil {
		p.drop(kindOccurrence, "malformed", it.ID, "err", err)
		return nil
	}
	if rec.ID == "" {
		p.drop(kindOccurrence, "missing_id", it.ID)
		return nil
	}
	if rec.StartDate == "" {
		p.drop(kindOccurrence, "missing_start", it.ID)
		return nil
	}
	start, err := schedule.ParseInstant(rec.StartDate, p.loc)
	if err != nil {
		p.drop(kindOccurrence, "bad_start", it.ID, "start_date", rec.StartDate)
		return nil
	}
	now := p.now()
	if start.Before(now) {
		p.drop(kindOccurrence, "past", it.ID)
		return nil
	}
	if start.After(now.Add(p.window)) {
		p.drop(kindOccurrence, "outside_window", it.ID)
		return nil
	}

	parentID := rec.SuperEventID()
	if parentID == "" {
		p.drop(kindOccurrence, "no_parent", it.ID)
		return nil
	}
	var parent model.SeriesRecord
	err = p.store.Lookup(SeriesNamespace, parentID, &parent)
	var collision *store.CollisionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.drop(kindOccurrence, "unknown_parent", it.ID, "parent", parentID)
		return nil
	case errors.As(err, &collision):
		p.log.Warn("parent hash collision, occurrence dropped",
			"occurrence", rec.ID,
			"hash", collision.Hash,
			"stored_id", collision.StoredID,
			"parent_id", collision.RequestedID,
		)
		p.metrics.IncDropped(kindOccurrence, "parent_collision")
		return nil
	case err != nil:
		return errors.Wrapf(err, "look up parent %s", parentID)
	}

	merged, err := Merge(rec, parent)
	if err != nil {
		return err
	}
	return p.persist(merged, parent.SegmentIDs)
}

// persist stores an occurrence under every segment and lists it once.
func (p *Processor) persist(rec model.Record, segs []string) error {
	content, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encode occurrence %s", rec.ID)
	}
	for _, seg := range segs {
		ns := SegmentNamespace(seg)
		outcome, err := p.store.Put(ns, rec.ID, content)
		if err != nil {
			return err
		}
		p.metrics.IncPut(kindOccurrence, outcome.String())
		if outcome == store.CollisionSkipped {
			continue
		}
		if _, err := p.store.Index(ns).Add(p.store.Key(rec.ID)); err != nil {
			return errors.Wrapf(err, "list %s in %s", rec.ID, ns)
		}
	}
	return nil
}
