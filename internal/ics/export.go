package ics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/pkg/errors"

	"feedsplit/internal/log"
	"feedsplit/internal/model"
	"feedsplit/internal/process"
	"feedsplit/internal/schedule"
	"feedsplit/internal/store"
)

// FileName is the calendar written next to a segment's listing.
const FileName = "calendar.ics"

const productID = "-//feedsplit//segment export//EN"

// Build renders every listed occurrence of a segment as a VEVENT.
// Entries whose dates do not parse are skipped and logged. stamp is used
// as DTSTAMP so identical inputs give identical output.
func Build(st *store.Store, segmentID string, stamp time.Time, loc *time.Location, logger *log.Logger) (*ical.Calendar, int, error) {
	ns := process.SegmentNamespace(segmentID)
	keys, err := st.Index(ns).Keys()
	if err != nil {
		return nil, 0, err
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	cal.SetXWRCalName(segmentID)

	n := 0
	for _, key := range keys {
		var rec model.Record
		if err := st.ReadKey(ns, key, &rec); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				logger.Warn("listed occurrence missing", "segment", segmentID, "key", key)
				continue
			}
			return nil, 0, err
		}
		start, err := schedule.ParseInstant(rec.StartDate, loc)
		if err != nil {
			logger.Warn("occurrence skipped in export", "segment", segmentID, "id", rec.ID, "err", err)
			continue
		}
		end, err := schedule.ParseInstant(rec.EndDate, loc)
		if err != nil || end.Before(start) {
			end = start
		}

		ev := cal.AddEvent(rec.ID)
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(start)
		ev.SetEndAt(end)
		if rec.Name != "" {
			ev.SetSummary(rec.Name)
		}
		if place := placeName(rec.Location); place != "" {
			ev.SetLocation(place)
		}
		n++
	}
	return cal, n, nil
}

// WriteSegment builds a segment's calendar and writes it to
// segments/<id>/calendar.ics, returning the path and the event count.
func WriteSegment(st *store.Store, segmentID string, stamp time.Time, loc *time.Location, logger *log.Logger) (string, int, error) {
	cal, n, err := Build(st, segmentID, stamp, loc, logger)
	if err != nil {
		return "", 0, err
	}
	dir := filepath.Join(st.Root(), filepath.FromSlash(process.SegmentNamespace(segmentID)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, errors.WithStack(err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(cal.Serialize()), 0o644); err != nil {
		return "", 0, errors.Wrapf(err, "write %s", path)
	}
	logger.Info("calendar exported", "segment", segmentID, "events", n, "path", path)
	return path, n, nil
}

func placeName(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	var place struct {
		Name    string          `json:"name"`
		Address json.RawMessage `json:"address"`
	}
	if err := json.Unmarshal(raw, &place); err != nil {
		return ""
	}
	if place.Name != "" {
		return place.Name
	}
	var addr string
	if err := json.Unmarshal(place.Address, &addr); err == nil {
		return addr
	}
	return ""
}
