package schedule

import (
	"iter"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/teambition/rrule-go"

	"feedsplit/internal/model"
)

// StartDatePlaceholder is substituted in an idTemplate with the UTC start
// of each generated occurrence.
const StartDatePlaceholder = "{startDate}"

const idDateLayout = "2006-01-02T15:04:05Z"

// Expand turns a weekly schedule into the concrete occurrences that start
// between now and now+window (and within the schedule's own date bounds).
//
// The returned sequence is finite, chronologically increasing, and can be
// ranged over any number of times; each range starts from scratch.
//
// Errors are returned only for values that cannot be parsed. A schedule
// that simply has nothing left to generate yields an empty sequence.
func Expand(s model.EventSchedule, now time.Time, window time.Duration, defaultLoc *time.Location) (iter.Seq[model.Occurrence], error) {
	loc, err := resolveLocation(s.Timezone, defaultLoc)
	if err != nil {
		return nil, err
	}
	startClock, err := parseClock(s.StartTime)
	if err != nil {
		return nil, errors.Wrap(err, "startTime")
	}
	endClock, err := parseClock(s.EndTime)
	if err != nil {
		return nil, errors.Wrap(err, "endTime")
	}

	nowLocal := now.In(loc)
	latest := nowLocal.Add(window)
	if s.EndDate != "" {
		endBound, err := parseBound(s.EndDate, loc, true)
		if err != nil {
			return nil, errors.Wrap(err, "endDate")
		}
		if endBound.Before(nowLocal) {
			return empty, nil
		}
		if endBound.Before(latest) {
			latest = endBound
		}
	}

	// Next instant of startTime at or after now.
	earliest := startClock.on(nowLocal)
	if earliest.Before(nowLocal) {
		earliest = startClock.on(nowLocal.AddDate(0, 0, 1))
	}

	var startBound time.Time
	if s.StartDate != "" {
		sb, err := parseBound(s.StartDate, loc, false)
		if err != nil {
			return nil, errors.Wrap(err, "startDate")
		}
		startBound = startClock.on(sb)
		if startBound.After(earliest) {
			earliest = startBound
		}
	}

	if earliest.After(latest) {
		return empty, nil
	}

	days, err := parseWeekdays(s.ByDay)
	if err != nil {
		return nil, err
	}
	if len(days) == 0 && !startBound.IsZero() {
		days = []rrule.Weekday{weekdayOf(startBound)}
	}
	if len(days) == 0 {
		return empty, nil
	}

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Dtstart:   earliest,
		Until:     latest,
		Byweekday: days,
		Wkst:      rrule.MO,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build recurrence rule")
	}

	return func(yield func(model.Occurrence) bool) {
		next := rule.Iterator()
		for {
			start, ok := next()
			if !ok || start.After(latest) {
				return
			}
			start = start.In(loc)
			occ := model.Occurrence{
				ID:        strings.ReplaceAll(s.IDTemplate, StartDatePlaceholder, start.UTC().Format(idDateLayout)),
				StartDate: start,
				EndDate:   endClock.on(start),
				Duration:  s.Duration,
			}
			if !yield(occ) {
				return
			}
		}
	}, nil
}

func empty(func(model.Occurrence) bool) {}

// Collect drains a sequence into a slice.
func Collect(seq iter.Seq[model.Occurrence]) []model.Occurrence {
	var out []model.Occurrence
	for occ := range seq {
		out = append(out, occ)
	}
	return out
}

func resolveLocation(name string, def *time.Location) (*time.Location, error) {
	if name == "" {
		if def == nil {
			return time.UTC, nil
		}
		return def, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduleTimezone %q", name)
	}
	return loc, nil
}

var weekdayNames = map[string]rrule.Weekday{
	"monday": rrule.MO, "mo": rrule.MO,
	"tuesday": rrule.TU, "tu": rrule.TU,
	"wednesday": rrule.WE, "we": rrule.WE,
	"thursday": rrule.TH, "th": rrule.TH,
	"friday": rrule.FR, "fr": rrule.FR,
	"saturday": rrule.SA, "sa": rrule.SA,
	"sunday": rrule.SU, "su": rrule.SU,
}

// parseWeekdays maps byDay entries (schema.org URLs, prefixed or bare names,
// or iCalendar two-letter codes) to a de-duplicated weekday set.
func parseWeekdays(byDay []string) ([]rrule.Weekday, error) {
	seen := make(map[int]bool, len(byDay))
	out := make([]rrule.Weekday, 0, len(byDay))
	for _, d := range byDay {
		name := d
		if i := strings.LastIndexAny(name, "/:#"); i >= 0 {
			name = name[i+1:]
		}
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, errors.Errorf("unknown byDay value %q", d)
		}
		if !seen[wd.Day()] {
			seen[wd.Day()] = true
			out = append(out, wd)
		}
	}
	return out, nil
}

func weekdayOf(t time.Time) rrule.Weekday {
	// time.Weekday is Sunday=0; rrule is Monday=0.
	return []rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}[t.Weekday()]
}

type clock struct {
	hour, min, sec int
}

func parseClock(v string) (clock, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return clock{}, errors.New("missing time of day")
	}
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return clock{t.Hour(), t.Minute(), t.Second()}, nil
		}
	}
	return clock{}, errors.Errorf("invalid time of day %q", v)
}

// on returns the instant at this wall-clock time on day's calendar date.
func (c clock) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.hour, c.min, c.sec, 0, day.Location())
}

// parseBound parses a schedule startDate/endDate. A bare date means the start
// of that day, or, when endOfDay is set, the last instant of it.
func parseBound(v string, loc *time.Location, endOfDay bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseInLocation("2006-01-02", v, loc); err == nil {
		if endOfDay {
			return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return d, nil
	}
	t, err := ParseInstant(v, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// ParseInstant parses an ISO-8601 date-time. Values without an offset are
// read in loc.
func ParseInstant(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("invalid date-time %q", v)
}
