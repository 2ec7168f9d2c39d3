package geo

import (
	"math"

	"github.com/fortifyvision/saferoute/internal/domain"
)

// earthRadiusKm is the mean radius used by the haversine formula.
const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance between two coordinates in
// kilometers.
func Haversine(a, b domain.Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lng1 := a.Lng * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	lng2 := b.Lng * math.Pi / 180

	dLat := lat2 - lat1
	dLng := lng2 - lng1

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// DistanceToSegment returns the minimum distance in kilometers from p to the
// segment a-b. Segments in this system are short enough that a local
// equirectangular projection is accurate.
func DistanceToSegment(p, a, b domain.Coordinate) float64 {
	ax, ay := project(a, p.Lat)
	bx, by := project(b, p.Lat)
	px, py := project(p, p.Lat)

	dx := bx - ax
	dy := by - ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return Haversine(p, a)
	}

	t := ((px-ax)*dx + (py-ay)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))

	cx := ax + t*dx
	cy := ay + t*dy
	return math.Hypot(px-cx, py-cy)
}

// DistanceToPath returns the minimum distance in kilometers from p to any
// segment of path. A single-point path degenerates to point distance; an
// empty path returns +Inf.
func DistanceToPath(p domain.Coordinate, path []domain.Coordinate) float64 {
	if len(path) == 0 {
		return math.Inf(1)
	}
	if len(path) == 1 {
		return Haversine(p, path[0])
	}
	min := math.Inf(1)
	for i := 0; i < len(path)-1; i++ {
		if d := DistanceToSegment(p, path[i], path[i+1]); d < min {
			min = d
		}
	}
	return min
}

// KmPerDegreeLat is the approximate north-south span of one degree.
const KmPerDegreeLat = 111.0

// project maps a coordinate onto a local planar frame centered on refLat,
// in kilometers.
func project(c domain.Coordinate, refLat float64) (x, y float64) {
	x = c.Lng * KmPerDegreeLat * math.Cos(refLat*math.Pi/180)
	y = c.Lat * KmPerDegreeLat
	return x, y
}
