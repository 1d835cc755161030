package model

import (
	"bytes"
	"encoding/json"
	"strconv"
)

const (
	TypeSchedule        = "Schedule"
	TypePartialSchedule = "PartialSchedule"
)

// EventSchedule is a weekly recurrence rule attached to a series.
type EventSchedule struct {
	Type            string   `json:"type,omitempty"`
	ByDay           []string `json:"byDay,omitempty"`
	StartTime       string   `json:"startTime,omitempty"`
	EndTime         string   `json:"endTime,omitempty"`
	StartDate       string   `json:"startDate,omitempty"`
	EndDate         string   `json:"endDate,omitempty"`
	Timezone        string   `json:"scheduleTimezone,omitempty"`
	IDTemplate      string   `json:"idTemplate,omitempty"`
	Duration        string   `json:"duration,omitempty"`
	RepeatFrequency string   `json:"repeatFrequency,omitempty"`
}

// UnmarshalJSON accepts "@type" as well as "type", and a bare string for byDay.
func (s *EventSchedule) UnmarshalJSON(b []byte) error {
	type plain EventSchedule
	var aux struct {
		plain
		AtType string          `json:"@type"`
		ByDay  json.RawMessage `json:"byDay"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*s = EventSchedule(aux.plain)
	if s.Type == "" {
		s.Type = aux.AtType
	}
	s.ByDay = nil
	raw := bytes.TrimSpace(aux.ByDay)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var one string
		if err := json.Unmarshal(raw, &one); err != nil {
			return err
		}
		s.ByDay = []string{one}
	default:
		if err := json.Unmarshal(raw, &s.ByDay); err != nil {
			return err
		}
	}
	return nil
}

// GeoCoordinates is a WGS84 point.
type GeoCoordinates struct {
	Latitude  float64
	Longitude float64
}

// Record is a feed item's data object. Recognized attributes are typed;
// everything else is carried through Extra untouched.
type Record struct {
	ID             string
	Type           string
	Name           string
	StartDate      string
	EndDate        string
	Duration       string
	SuperEvent     json.RawMessage
	Location       json.RawMessage
	AttendanceMode string
	Schedules      []EventSchedule
	Extra          map[string]json.RawMessage
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*r = Record{}

	str := func(keys ...string) (string, error) {
		var out string
		for _, k := range keys {
			v, ok := m[k]
			delete(m, k)
			if !ok || out != "" || bytes.Equal(v, []byte("null")) {
				continue
			}
			if err := json.Unmarshal(v, &out); err != nil {
				return "", err
			}
		}
		return out, nil
	}
	raw := func(key string) json.RawMessage {
		v, ok := m[key]
		delete(m, key)
		if !ok || bytes.Equal(v, []byte("null")) {
			return nil
		}
		return v
	}

	var err error
	if r.ID, err = str("@id", "id"); err != nil {
		return err
	}
	if r.Type, err = str("@type", "type"); err != nil {
		return err
	}
	if r.Name, err = str("name"); err != nil {
		return err
	}
	if r.StartDate, err = str("startDate"); err != nil {
		return err
	}
	if r.EndDate, err = str("endDate"); err != nil {
		return err
	}
	if r.Duration, err = str("duration"); err != nil {
		return err
	}
	if r.AttendanceMode, err = str("eventAttendanceMode"); err != nil {
		return err
	}
	r.SuperEvent = raw("superEvent")
	r.Location = raw("location")
	if sch := raw("eventSchedule"); sch != nil {
		if sch[0] == '{' {
			sch = append(append([]byte{'['}, sch...), ']')
		}
		if err := json.Unmarshal(sch, &r.Schedules); err != nil {
			return err
		}
	}
	if len(m) > 0 {
		r.Extra = m
	}
	return nil
}

func (r Record) fields() map[string]any {
	m := make(map[string]any, len(r.Extra)+10)
	for k, v := range r.Extra {
		m[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set("id", r.ID)
	set("type", r.Type)
	set("name", r.Name)
	set("startDate", r.StartDate)
	set("endDate", r.EndDate)
	set("duration", r.Duration)
	set("eventAttendanceMode", r.AttendanceMode)
	if len(r.SuperEvent) > 0 {
		m["superEvent"] = r.SuperEvent
	}
	if len(r.Location) > 0 {
		m["location"] = r.Location
	}
	if len(r.Schedules) > 0 {
		m["eventSchedule"] = r.Schedules
	}
	return m
}

// MarshalJSON emits a flat object with sorted keys, so equal records always
// serialize to equal bytes.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.fields())
}

// SuperEventID returns the parent reference, whether superEvent is a bare id
// or an embedded object.
func (r Record) SuperEventID() string {
	if len(r.SuperEvent) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.SuperEvent, &s); err == nil {
		return s
	}
	if parent := r.SuperEventRecord(); parent != nil {
		return parent.ID
	}
	return ""
}

// SuperEventRecord decodes an embedded superEvent object, or returns nil.
func (r Record) SuperEventRecord() *Record {
	if len(r.SuperEvent) == 0 || r.SuperEvent[0] != '{' {
		return nil
	}
	var parent Record
	if err := json.Unmarshal(r.SuperEvent, &parent); err != nil {
		return nil
	}
	return &parent
}

// Geo resolves the record's coordinates from location.geo, falling back to
// the embedded superEvent's location.
func (r Record) Geo() *GeoCoordinates {
	if g := geoFromPlace(r.Location); g != nil {
		return g
	}
	if parent := r.SuperEventRecord(); parent != nil {
		return geoFromPlace(parent.Location)
	}
	return nil
}

// Mode resolves the attendance mode, falling back to the embedded superEvent.
func (r Record) Mode() AttendanceMode {
	if m, ok := ParseAttendanceMode(r.AttendanceMode); ok {
		return m
	}
	if parent := r.SuperEventRecord(); parent != nil {
		if m, ok := ParseAttendanceMode(parent.AttendanceMode); ok {
			return m
		}
	}
	return ""
}

func geoFromPlace(place json.RawMessage) *GeoCoordinates {
	if len(place) == 0 || place[0] != '{' {
		return nil
	}
	var p struct {
		Geo *struct {
			Latitude  flexFloat `json:"latitude"`
			Longitude flexFloat `json:"longitude"`
		} `json:"geo"`
	}
	if err := json.Unmarshal(place, &p); err != nil || p.Geo == nil {
		return nil
	}
	if p.Geo.Latitude.ok && p.Geo.Longitude.ok {
		return &GeoCoordinates{Latitude: p.Geo.Latitude.v, Longitude: p.Geo.Longitude.v}
	}
	return nil
}

// flexFloat decodes a number published either as a JSON number or a string.
type flexFloat struct {
	v  float64
	ok bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f.v, f.ok = v, true
		return nil
	}
	if err := json.Unmarshal(b, &f.v); err != nil {
		return err
	}
	f.ok = true
	return nil
}

// SeriesRecord is the persisted form of a series: its data plus the
// segments it was assigned to and its normalized schedules.
type SeriesRecord struct {
	Record
	SegmentIDs         []string
	CorrectedSchedules []EventSchedule
}

func (s SeriesRecord) MarshalJSON() ([]byte, error) {
	m := s.Record.fields()
	m["segmentIds"] = nonNil(s.SegmentIDs)
	m["correctedSchedules"] = nonNilSchedules(s.CorrectedSchedules)
	return json.Marshal(m)
}

func (s *SeriesRecord) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &s.Record); err != nil {
		return err
	}
	s.SegmentIDs = nil
	s.CorrectedSchedules = nil
	if v, ok := s.Extra["segmentIds"]; ok {
		if err := json.Unmarshal(v, &s.SegmentIDs); err != nil {
			return err
		}
		delete(s.Extra, "segmentIds")
	}
	if v, ok := s.Extra["correctedSchedules"]; ok {
		if err := json.Unmarshal(v, &s.CorrectedSchedules); err != nil {
			return err
		}
		delete(s.Extra, "correctedSchedules")
	}
	if len(s.Extra) == 0 {
		s.Extra = nil
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilSchedules(s []EventSchedule) []EventSchedule {
	if s == nil {
		return []EventSchedule{}
	}
	return s
}
