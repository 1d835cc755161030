package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ItemState is the RPDE state of a feed item.
type ItemState string

const (
	StateUpdated ItemState = "updated"
	StateDeleted ItemState = "deleted"
)

// Valid reports whether s is one of the two states RPDE allows.
func (s ItemState) Valid() bool {
	return s == StateUpdated || s == StateDeleted
}

// ItemID is an RPDE item id. Feeds publish it as either a string or a number.
type ItemID string

func (id *ItemID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ItemID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("item id must be a string or a number")
	}
	*id = ItemID(n.String())
	return nil
}

// FeedItem is a single entry of an RPDE page. Immutable once received.
type FeedItem struct {
	ID       ItemID          `json:"id"`
	State    ItemState       `json:"state"`
	Kind     string          `json:"kind"`
	Modified json.Number     `json:"modified,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Deleted reports whether the item is a tombstone.
func (it FeedItem) Deleted() bool {
	return it.State == StateDeleted
}

// Page is one page of an RPDE feed. Items is nil when the page carried no
// items array at all, and non-nil (possibly empty) otherwise.
type Page struct {
	Items   []*FeedItem `json:"items"`
	Next    string      `json:"next"`
	License string      `json:"license,omitempty"`
}

// AttendanceMode describes whether an event can be attended in person,
// online, or both.
type AttendanceMode string

const (
	AttendanceOffline AttendanceMode = "OfflineEventAttendanceMode"
	AttendanceOnline  AttendanceMode = "OnlineEventAttendanceMode"
	AttendanceMixed   AttendanceMode = "MixedEventAttendanceMode"
)

// ParseAttendanceMode accepts the schema.org URL, a prefixed form or the bare
// name. Anything unrecognized (including "") is reported as ok=false.
func ParseAttendanceMode(s string) (AttendanceMode, bool) {
	switch AttendanceMode(lastSegment(s)) {
	case AttendanceOffline:
		return AttendanceOffline, true
	case AttendanceOnline:
		return AttendanceOnline, true
	case AttendanceMixed:
		return AttendanceMixed, true
	}
	return "", false
}

// Offline reports whether the mode permits in-person attendance.
// An unset mode counts as offline.
func (m AttendanceMode) Offline() bool {
	return m == "" || m == AttendanceOffline || m == AttendanceMixed
}

// Online reports whether the mode permits virtual attendance.
func (m AttendanceMode) Online() bool {
	return m == AttendanceOnline || m == AttendanceMixed
}

// lastSegment strips a schema.org URL or "schema:" prefix.
func lastSegment(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexAny(s, "/:#"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// AttendanceFilter is a segment's attendance-mode filter.
type AttendanceFilter string

const (
	FilterAll          AttendanceFilter = "all"
	FilterPhysicalOnly AttendanceFilter = "physical-only"
	FilterVirtualOnly  AttendanceFilter = "virtual-only"
)

func (f AttendanceFilter) Valid() bool {
	switch f {
	case FilterAll, FilterPhysicalOnly, FilterVirtualOnly:
		return true
	}
	return false
}

// Segment is a named output partition. Loaded once from config, read-only.
type Segment struct {
	Identifier           string           `yaml:"identifier" json:"identifier"`
	Latitude             float64          `yaml:"latitude" json:"latitude"`
	Longitude            float64          `yaml:"longitude" json:"longitude"`
	RadiusKm             float64          `yaml:"radius" json:"radius"`
	AttendanceModeFilter AttendanceFilter `yaml:"attendance_mode_filter" json:"attendanceModeFilter"`
}

// Occurrence is a single concrete instance of a series, as produced by
// schedule expansion.
type Occurrence struct {
	ID           string
	StartDate    time.Time
	EndDate      time.Time
	Duration     string
	SuperEventID string
}
