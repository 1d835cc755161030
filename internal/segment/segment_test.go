package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"feedsplit/internal/model"
)

var (
	london     = model.GeoCoordinates{Latitude: 51.5074, Longitude: -0.1278}
	manchester = model.GeoCoordinates{Latitude: 53.4808, Longitude: -2.2426}
	watford    = model.GeoCoordinates{Latitude: 51.6565, Longitude: -0.3903}
)

func testSegments() []model.Segment {
	return []model.Segment{
		{Identifier: "london", Latitude: london.Latitude, Longitude: london.Longitude, RadiusKm: 30, AttendanceModeFilter: model.FilterAll},
		{Identifier: "london-physical", Latitude: london.Latitude, Longitude: london.Longitude, RadiusKm: 30, AttendanceModeFilter: model.FilterPhysicalOnly},
		{Identifier: "london-virtual", Latitude: london.Latitude, Longitude: london.Longitude, RadiusKm: 30, AttendanceModeFilter: model.FilterVirtualOnly},
		{Identifier: "manchester", Latitude: manchester.Latitude, Longitude: manchester.Longitude, RadiusKm: 20, AttendanceModeFilter: model.FilterAll},
	}
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 0, Distance(london, london), 1e-9)
	// London to Manchester is roughly 262 km.
	assert.InDelta(t, 262, Distance(london, manchester), 3)
	assert.InDelta(t, Distance(london, manchester), Distance(manchester, london), 1e-9)
}

func TestAssign(t *testing.T) {
	segs := testSegments()

	tests := []struct {
		name string
		p    Placement
		want []string
	}{
		{
			name: "offline by default inside radius",
			p:    Placement{Geo: &watford},
			want: []string{"london", "london-physical"},
		},
		{
			name: "offline without coordinate is dropped",
			p:    Placement{},
			want: nil,
		},
		{
			name: "mixed without coordinate is dropped",
			p:    Placement{Mode: model.AttendanceMixed},
			want: nil,
		},
		{
			name: "online only without location goes to every non-physical segment",
			p:    Placement{Mode: model.AttendanceOnline},
			want: []string{"london", "london-virtual", "manchester"},
		},
		{
			name: "online only with location is still distance filtered",
			p:    Placement{Mode: model.AttendanceOnline, Geo: &manchester},
			want: []string{"manchester"},
		},
		{
			name: "mixed inside radius matches every filter",
			p:    Placement{Mode: model.AttendanceMixed, Geo: &london},
			want: []string{"london", "london-physical", "london-virtual"},
		},
		{
			name: "far away matches nothing",
			p:    Placement{Geo: &model.GeoCoordinates{Latitude: 40.7, Longitude: -74}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Assign(tt.p, segs))
		})
	}
}

func TestAssign_PhysicalOnlyNeverTakesOnlineOnly(t *testing.T) {
	segs := []model.Segment{{Identifier: "p", Latitude: 0, Longitude: 0, RadiusKm: 20000, AttendanceModeFilter: model.FilterPhysicalOnly}}
	for _, p := range []Placement{
		{Mode: model.AttendanceOnline},
		{Mode: model.AttendanceOnline, Geo: &london},
	} {
		assert.Empty(t, Assign(p, segs))
	}
}

func TestAssign_PreservesConfiguredOrderAndDedupes(t *testing.T) {
	segs := []model.Segment{
		{Identifier: "b", Latitude: london.Latitude, Longitude: london.Longitude, RadiusKm: 10},
		{Identifier: "a", Latitude: london.Latitude, Longitude: london.Longitude, RadiusKm: 10},
		{Identifier: "b", Latitude: london.Latitude, Longitude: london.Longitude, RadiusKm: 10},
	}
	assert.Equal(t, []string{"b", "a"}, Assign(Placement{Geo: &london}, segs))
}

func TestPlacementOf(t *testing.T) {
	r := model.Record{AttendanceMode: "https://schema.org/OnlineEventAttendanceMode"}
	p := PlacementOf(r)
	assert.Nil(t, p.Geo)
	assert.Equal(t, model.AttendanceOnline, p.Mode)
	assert.True(t, p.Placeable())
}
