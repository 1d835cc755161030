package schedule

import (
	"strings"

	"github.com/pkg/errors"

	"feedsplit/internal/model"
)

// Validate reports why a schedule cannot be expanded, or nil if it can.
// A schedule needs a non-empty byDay, startTime, endTime and idTemplate;
// optional fields must parse when present.
func Validate(s model.EventSchedule) error {
	var problems []string

	if len(s.ByDay) == 0 {
		problems = append(problems, "byDay is empty")
	} else if _, err := parseWeekdays(s.ByDay); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := parseClock(s.StartTime); err != nil {
		problems = append(problems, "startTime: "+err.Error())
	}
	if _, err := parseClock(s.EndTime); err != nil {
		problems = append(problems, "endTime: "+err.Error())
	}
	if strings.TrimSpace(s.IDTemplate) == "" {
		problems = append(problems, "idTemplate is missing")
	}
	loc, err := resolveLocation(s.Timezone, nil)
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		if s.StartDate != "" {
			if _, err := parseBound(s.StartDate, loc, false); err != nil {
				problems = append(problems, "startDate: "+err.Error())
			}
		}
		if s.EndDate != "" {
			if _, err := parseBound(s.EndDate, loc, true); err != nil {
				problems = append(problems, "endDate: "+err.Error())
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.Errorf("invalid schedule: %s", strings.Join(problems, "; "))
}

// Correct returns the schedule typed as an expandable Schedule when it
// validates, and as a non-generating PartialSchedule otherwise. The second
// return value reports whether it may be expanded.
func Correct(s model.EventSchedule) (model.EventSchedule, bool) {
	if Validate(s) == nil {
		s.Type = model.TypeSchedule
		return s, true
	}
	s.Type = model.TypePartialSchedule
	return s, false
}
