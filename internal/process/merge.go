package process

import (
	"encoding/json"
	"time"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"

	"feedsplit/internal/model"
)

const occurrenceType = "ScheduledSession"

// occurrenceRecord builds the record for an occurrence generated from a
// series schedule.
func occurrenceRecord(occ model.Occurrence) model.Record {
	return model.Record{
		ID:        occ.ID,
		Type:      occurrenceType,
		StartDate: occ.StartDate.Format(time.RFC3339),
		EndDate:   occ.EndDate.Format(time.RFC3339),
		Duration:  occ.Duration,
	}
}

// Merge combines an occurrence with its parent series. Attributes the
// occurrence sets always win; anything it leaves empty is inherited. The
// series' type, schedules and segment bookkeeping are never inherited, superEvent
// becomes the series id, and name falls back from the occurrence to the
// series' own superEvent and then to the series.
func Merge(occ model.Record, parent model.SeriesRecord) (model.Record, error) {
	inherited := parent.Record
	inherited.Type = ""
	inherited.Schedules = nil
	inherited.SuperEvent = nil
	inherited.Extra = nil

	out := occ
	out.Extra = nil
	if err := mergo.Merge(&out, inherited); err != nil {
		return model.Record{}, errors.Wrap(err, "merge series attributes")
	}

	// Extra is merged key by key; a key the occurrence carries is never
	// replaced.
	if len(occ.Extra) > 0 || len(parent.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(occ.Extra)+len(parent.Extra))
		for k, v := range parent.Extra {
			out.Extra[k] = v
		}
		for k, v := range occ.Extra {
			out.Extra[k] = v
		}
	}

	out.Name = displayName(occ, parent.Record)

	superEvent, err := json.Marshal(parent.ID)
	if err != nil {
		return model.Record{}, errors.WithStack(err)
	}
	out.SuperEvent = superEvent
	return out, nil
}

func displayName(occ, series model.Record) string {
	if occ.Name != "" {
		return occ.Name
	}
	if se := series.SuperEventRecord(); se != nil && se.Name != "" {
		return se.Name
	}
	return series.Name
}
