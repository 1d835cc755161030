package segment

import (
	"math"

	"feedsplit/internal/model"
)

// EarthRadiusKm is the mean earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// Placement is what the segmenter needs to know about an item.
type Placement struct {
	// Geo is nil when the item has no resolvable coordinate.
	Geo *model.GeoCoordinates
	// Mode defaults to offline when unset.
	Mode model.AttendanceMode
}

// PlacementOf extracts a Placement from a record.
func PlacementOf(r model.Record) Placement {
	return Placement{Geo: r.Geo(), Mode: r.Mode()}
}

// Placeable reports whether an item can be assigned anywhere at all:
// offline-capable items need a coordinate, online-only items do not.
func (p Placement) Placeable() bool {
	if p.Mode.Offline() && p.Geo == nil {
		return false
	}
	return p.Geo != nil || p.Mode.Online()
}

// Assign returns the identifiers of the segments the item belongs to, in
// configured segment order. The result is empty when the item is
// offline-capable but has no coordinate.
func Assign(p Placement, segments []model.Segment) []string {
	if !p.Placeable() {
		return nil
	}
	var out []string
	seen := make(map[string]bool, len(segments))
	for _, seg := range segments {
		if seen[seg.Identifier] || !modeAllowed(seg.AttendanceModeFilter, p.Mode) {
			continue
		}
		if p.Geo != nil {
			centre := model.GeoCoordinates{Latitude: seg.Latitude, Longitude: seg.Longitude}
			if Distance(*p.Geo, centre) > seg.RadiusKm {
				continue
			}
		}
		seen[seg.Identifier] = true
		out = append(out, seg.Identifier)
	}
	return out
}

func modeAllowed(f model.AttendanceFilter, m model.AttendanceMode) bool {
	switch f {
	case model.FilterPhysicalOnly:
		return m.Offline()
	case model.FilterVirtualOnly:
		return m.Online()
	default:
		return true
	}
}

// Distance is the haversine great-circle distance in kilometres.
func Distance(a, b model.GeoCoordinates) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := radians(b.Latitude - a.Latitude)
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
