// Package polyline implements the encoded polyline algorithm used by
// OpenRouteService and OSRM route geometries, plus a few great-circle helpers
// for measuring decoded paths.
//
// See https://developers.google.com/maps/documentation/utilities/polylinealgorithm
package polyline

import (
	"math"
)

// Precision5 is the default precision used by ORS and OSRM ("polyline").
// Precision6 matches OSRM's "polyline6" geometries.
const (
	Precision5 = 5
	Precision6 = 6
)

// EarthRadiusMeters is the mean earth radius used for haversine distances.
const EarthRadiusMeters = 6371000.0

// Coordinate is a WGS84 point.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Decode decodes a precision-5 encoded polyline.
func Decode(encoded string) []Coordinate {
	return DecodePrecision(encoded, Precision5)
}

// DecodePrecision decodes an encoded polyline with the given number of
// decimal places. A truncated trailing pair is dropped.
func DecodePrecision(encoded string, precision int) []Coordinate {
	if encoded == "" {
		return nil
	}
	factor := math.Pow10(precision)

	var coords []Coordinate
	index, lat, lon := 0, 0, 0

	for index < len(encoded) {
		latDelta, next, ok := decodeValue(encoded, index)
		if !ok {
			break
		}
		lonDelta, next2, ok := decodeValue(encoded, next)
		if !ok {
			break
		}
		index = next2
		lat += latDelta
		lon += lonDelta

		coords = append(coords, Coordinate{
			Lat: float64(lat) / factor,
			Lon: float64(lon) / factor,
		})
	}

	return coords
}

func decodeValue(encoded string, index int) (int, int, bool) {
	shift, result := 0, 0

	for index < len(encoded) {
		b := int(encoded[index]) - 63
		index++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			if result&1 != 0 {
				return ^(result >> 1), index, true
			}
			return result >> 1, index, true
		}
	}
	return 0, index, false
}

// Encode encodes coordinates at precision 5.
func Encode(coords []Coordinate) string {
	return EncodePrecision(coords, Precision5)
}

// EncodePrecision encodes coordinates with the given number of decimal places.
func EncodePrecision(coords []Coordinate, precision int) string {
	if len(coords) == 0 {
		return ""
	}
	factor := math.Pow10(precision)

	buf := make([]byte, 0, len(coords)*6)
	prevLat, prevLon := 0, 0

	for _, c := range coords {
		lat := int(math.Round(c.Lat * factor))
		lon := int(math.Round(c.Lon * factor))

		buf = encodeValue(buf, lat-prevLat)
		buf = encodeValue(buf, lon-prevLon)

		prevLat, prevLon = lat, lon
	}

	return string(buf)
}

func encodeValue(buf []byte, value int) []byte {
	if value < 0 {
		value = ^(value << 1)
	} else {
		value <<= 1
	}

	for value >= 0x20 {
		buf = append(buf, byte((value&0x1f)|0x20)+63)
		value >>= 5
	}
	return append(buf, byte(value)+63)
}

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)

	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Length returns the haversine length of a path in meters.
func Length(coords []Coordinate) float64 {
	var total float64
	for i := 1; i < len(coords); i++ {
		total += Distance(coords[i-1], coords[i])
	}
	return total
}

// Bounds returns the south-west and north-east corners of the path.
// ok is false for an empty path.
func Bounds(coords []Coordinate) (sw, ne Coordinate, ok bool) {
	if len(coords) == 0 {
		return Coordinate{}, Coordinate{}, false
	}
	sw, ne = coords[0], coords[0]
	for _, c := range coords[1:] {
		sw.Lat = math.Min(sw.Lat, c.Lat)
		sw.Lon = math.Min(sw.Lon, c.Lon)
		ne.Lat = math.Max(ne.Lat, c.Lat)
		ne.Lon = math.Max(ne.Lon, c.Lon)
	}
	return sw, ne, true
}
