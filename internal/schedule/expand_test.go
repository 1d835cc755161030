package schedule

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsplit/internal/model"
)

const week = 7 * 24 * time.Hour

// Thursday.
var thursdayMorning = time.Date(2024, 1, 4, 10, 0, 0, 0, time.UTC)

func ids(occs []model.Occurrence) []string {
	out := make([]string, 0, len(occs))
	for _, o := range occs {
		out = append(out, o.ID)
	}
	return out
}

func expandAll(t *testing.T, s model.EventSchedule, now time.Time, window time.Duration) []model.Occurrence {
	t.Helper()
	seq, err := Expand(s, now, window, time.UTC)
	require.NoError(t, err)
	return Collect(seq)
}

func TestExpand_MondayWednesdayExample(t *testing.T) {
	s := model.EventSchedule{
		ByDay:      []string{"https://schema.org/Monday", "https://schema.org/Wednesday"},
		StartTime:  "18:00",
		EndTime:    "19:00",
		IDTemplate: "evt-{startDate}",
		Duration:   "PT1H",
	}

	got := expandAll(t, s, thursdayMorning, week)

	want := []model.Occurrence{
		{
			ID:        "evt-2024-01-08T18:00:00Z",
			StartDate: time.Date(2024, 1, 8, 18, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2024, 1, 8, 19, 0, 0, 0, time.UTC),
			Duration:  "PT1H",
		},
		{
			ID:        "evt-2024-01-10T18:00:00Z",
			StartDate: time.Date(2024, 1, 10, 18, 0, 0, 0, time.UTC),
			EndDate:   time.Date(2024, 1, 10, 19, 0, 0, 0, time.UTC),
			Duration:  "PT1H",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expand mismatch (-want +got):\n%s", diff)
	}
}

func TestExpand_OrderedAndBounded(t *testing.T) {
	s := model.EventSchedule{
		ByDay:      []string{"Sunday", "Saturday", "Friday", "Thursday", "Wednesday", "Tuesday", "Monday"},
		StartTime:  "07:30",
		EndTime:    "08:30",
		IDTemplate: "daily/{startDate}",
	}
	window := 30 * 24 * time.Hour

	got := expandAll(t, s, thursdayMorning, window)

	require.Len(t, got, 30)
	latest := thursdayMorning.Add(window)
	for i, occ := range got {
		assert.False(t, occ.StartDate.Before(thursdayMorning), "occurrence %d is in the past", i)
		assert.False(t, occ.StartDate.After(latest), "occurrence %d is past the window", i)
		if i > 0 {
			assert.True(t, occ.StartDate.After(got[i-1].StartDate), "occurrence %d not strictly after %d", i, i-1)
		}
	}
}

func TestExpand_EmptyWeekdaysYieldsNothing(t *testing.T) {
	s := model.EventSchedule{StartTime: "18:00", EndTime: "19:00", IDTemplate: "x/{startDate}"}

	done := make(chan []model.Occurrence, 1)
	go func() {
		seq, err := Expand(s, thursdayMorning, 365*24*time.Hour, time.UTC)
		if err != nil {
			done <- nil
			return
		}
		done <- Collect(seq)
	}()

	select {
	case got := <-done:
		assert.Empty(t, got)
	case <-time.After(5 * time.Second):
		t.Fatal("expansion with no weekdays did not terminate")
	}
}

func TestExpand_WeekdayFallsBackToStartDate(t *testing.T) {
	s := model.EventSchedule{
		StartDate:  "2024-01-02", // Tuesday
		StartTime:  "09:00",
		EndTime:    "10:00",
		IDTemplate: "tue/{startDate}",
	}

	got := expandAll(t, s, thursdayMorning, 2*week)

	assert.Equal(t, []string{"tue/2024-01-09T09:00:00Z", "tue/2024-01-16T09:00:00Z"}, ids(got))
}

func TestExpand_EndDateBounds(t *testing.T) {
	base := model.EventSchedule{
		ByDay:      []string{"Monday"},
		StartTime:  "18:00",
		EndTime:    "19:00",
		IDTemplate: "m/{startDate}",
	}

	past := base
	past.EndDate = "2024-01-01"
	assert.Empty(t, expandAll(t, past, thursdayMorning, 4*week))

	// A bare end date includes the whole of that day.
	sameDay := base
	sameDay.EndDate = "2024-01-08"
	assert.Equal(t, []string{"m/2024-01-08T18:00:00Z"}, ids(expandAll(t, sameDay, thursdayMorning, 4*week)))
}

func TestExpand_StartDateBeyondWindow(t *testing.T) {
	s := model.EventSchedule{
		ByDay:      []string{"Monday"},
		StartTime:  "18:00",
		EndTime:    "19:00",
		StartDate:  "2024-03-01",
		IDTemplate: "m/{startDate}",
	}
	assert.Empty(t, expandAll(t, s, thursdayMorning, week))

	s.StartDate = "2024-01-10"
	assert.Equal(t, []string{"m/2024-01-15T18:00:00Z"}, ids(expandAll(t, s, thursdayMorning, 2*week)))
}

func TestExpand_TodayOnlyIfNotYetStarted(t *testing.T) {
	s := model.EventSchedule{
		ByDay:      []string{"MO"},
		StartTime:  "18:00",
		EndTime:    "19:00",
		IDTemplate: "m/{startDate}",
	}
	mondayMorning := time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)
	mondayEvening := time.Date(2024, 1, 8, 19, 0, 0, 0, time.UTC)

	assert.Equal(t, []string{"m/2024-01-08T18:00:00Z"}, ids(expandAll(t, s, mondayMorning, 24*time.Hour)))
	assert.Empty(t, expandAll(t, s, mondayEvening, 24*time.Hour))
}

func TestExpand_ScheduleTimezoneKeepsWallClockAcrossDST(t *testing.T) {
	s := model.EventSchedule{
		ByDay:      []string{"schema:Sunday"},
		StartTime:  "18:00",
		EndTime:    "19:00",
		Timezone:   "Europe/London",
		IDTemplate: "sun/{startDate}",
	}
	now := time.Date(2024, 3, 23, 12, 0, 0, 0, time.UTC)

	got := expandAll(t, s, now, 10*24*time.Hour)

	assert.Equal(t, []string{"sun/2024-03-24T18:00:00Z", "sun/2024-03-31T17:00:00Z"}, ids(got))
	for _, occ := range got {
		assert.Equal(t, 18, occ.StartDate.Hour())
		assert.Equal(t, 19, occ.EndDate.Hour())
	}
}

func TestExpand_Restartable(t *testing.T) {
	s := model.EventSchedule{
		ByDay:      []string{"Tuesday", "Friday"},
		StartTime:  "12:00",
		EndTime:    "13:00",
		IDTemplate: "r/{startDate}",
	}
	seq, err := Expand(s, thursdayMorning, 3*week, time.UTC)
	require.NoError(t, err)

	first := Collect(seq)
	second := Collect(seq)
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)

	// Stopping early is honoured.
	n := 0
	for range seq {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestExpand_ParseErrors(t *testing.T) {
	_, err := Expand(model.EventSchedule{ByDay: []string{"Monday"}, StartTime: "6pm", EndTime: "19:00"}, thursdayMorning, week, time.UTC)
	assert.Error(t, err)

	_, err = Expand(model.EventSchedule{ByDay: []string{"Funday"}, StartTime: "18:00", EndTime: "19:00"}, thursdayMorning, week, time.UTC)
	assert.Error(t, err)

	_, err = Expand(model.EventSchedule{ByDay: []string{"Monday"}, StartTime: "18:00", EndTime: "19:00", Timezone: "Mars/Olympus"}, thursdayMorning, week, time.UTC)
	assert.Error(t, err)
}

func TestCorrect(t *testing.T) {
	valid := model.EventSchedule{ByDay: []string{"Monday"}, StartTime: "18:00", EndTime: "19:00", IDTemplate: "x/{startDate}"}
	got, ok := Correct(valid)
	assert.True(t, ok)
	assert.Equal(t, model.TypeSchedule, got.Type)

	for name, s := range map[string]model.EventSchedule{
		"no byDay":       {StartTime: "18:00", EndTime: "19:00", IDTemplate: "x"},
		"no startTime":   {ByDay: []string{"Monday"}, EndTime: "19:00", IDTemplate: "x"},
		"no endTime":     {ByDay: []string{"Monday"}, StartTime: "18:00", IDTemplate: "x"},
		"no idTemplate":  {ByDay: []string{"Monday"}, StartTime: "18:00", EndTime: "19:00"},
		"bad weekday":    {ByDay: []string{"Someday"}, StartTime: "18:00", EndTime: "19:00", IDTemplate: "x"},
		"bad end date":   {ByDay: []string{"Monday"}, StartTime: "18:00", EndTime: "19:00", IDTemplate: "x", EndDate: "soon"},
		"bad time zone":  {ByDay: []string{"Monday"}, StartTime: "18:00", EndTime: "19:00", IDTemplate: "x", Timezone: "Nowhere/Town"},
		"bad start time": {ByDay: []string{"Monday"}, StartTime: "25:61", EndTime: "19:00", IDTemplate: "x"},
	} {
		got, ok := Correct(s)
		assert.False(t, ok, name)
		assert.Equal(t, model.TypePartialSchedule, got.Type, name)
		assert.Error(t, Validate(s), name)
	}
}

func TestParseInstant(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	got, err := ParseInstant("2024-06-01T10:00:00Z", london)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)))

	got, err = ParseInstant("2024-06-01T10:00:00", london)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)))

	_, err = ParseInstant("June 1st", london)
	assert.Error(t, err)
}
