package geoindex

import (
	"math"
	"sync"
	"time"

	"github.com/fortifyvision/saferoute/internal/domain"
	"github.com/fortifyvision/saferoute/internal/geo"
)

type bucketKey struct {
	row int
	col int
}

// Index is a bucketed lat/lng grid over threat reports. Proximity queries
// touch only the buckets overlapping the query circle, so cost scales with
// local density rather than total history. Safe for concurrent reporters
// and readers.
type Index struct {
	mu          sync.RWMutex
	buckets     map[bucketKey][]domain.ThreatReport
	seq         uint64
	cellSizeDeg float64
	ttl         time.Duration
}

func New(cellSizeDeg float64, ttl time.Duration) *Index {
	if cellSizeDeg <= 0 {
		cellSizeDeg = 0.01
	}
	return &Index{
		buckets:     make(map[bucketKey][]domain.ThreatReport),
		cellSizeDeg: cellSizeDeg,
		ttl:         ttl,
	}
}

// TTL returns the configured threat time-to-live.
func (x *Index) TTL() time.Duration { return x.ttl }

// IngestThreat validates the report, assigns its ingestion sequence number
// and stores it. The returned report carries the assigned Seq.
func (x *Index) IngestThreat(report domain.ThreatReport) (domain.ThreatReport, error) {
	if !report.Location.Valid() {
		return domain.ThreatReport{}, domain.ErrInvalidCoordinate
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.seq++
	report.Seq = x.seq
	key := x.keyFor(report.Location)
	x.buckets[key] = append(x.buckets[key], report)
	return report, nil
}

// Remove deletes the report from its bucket. Used to roll back an
// ingestion whose database write failed, so scoring never sees a threat
// that was not persisted.
func (x *Index) Remove(report domain.ThreatReport) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := x.keyFor(report.Location)
	reports := x.buckets[key]
	for i, r := range reports {
		if r.ID != report.ID {
			continue
		}
		// Snapshots share the old backing array; the capped append
		// below copies instead of mutating it.
		kept := append(reports[:i:i], reports[i+1:]...)
		if len(kept) == 0 {
			delete(x.buckets, key)
		} else {
			x.buckets[key] = kept
		}
		return true
	}
	return false
}

// Load seeds the index with already-persisted reports, keeping their order.
// Used at startup to rebuild from the database.
func (x *Index) Load(reports []domain.ThreatReport) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, report := range reports {
		x.seq++
		report.Seq = x.seq
		key := x.keyFor(report.Location)
		x.buckets[key] = append(x.buckets[key], report)
	}
}

// ThreatsNear returns unexpired reports within radiusKm of center, in no
// particular order.
func (x *Index) ThreatsNear(center domain.Coordinate, radiusKm float64) []domain.ThreatReport {
	return x.Snapshot().ThreatsNear(center, radiusKm)
}

// Prune drops expired reports from the grid. The reports remain in the
// database for history; only live scoring state is trimmed.
func (x *Index) Prune() int {
	now := time.Now().UTC()

	x.mu.Lock()
	defer x.mu.Unlock()

	removed := 0
	for key, reports := range x.buckets {
		kept := reports[:0]
		for _, report := range reports {
			if report.Expired(now, x.ttl) {
				removed++
				continue
			}
			kept = append(kept, report)
		}
		if len(kept) == 0 {
			delete(x.buckets, key)
			continue
		}
		x.buckets[key] = kept
	}
	return removed
}

// Snapshot freezes the current threat set for one scoring pass. Reports are
// immutable once ingested, so the snapshot shares their backing arrays but
// never observes later appends.
func (x *Index) Snapshot() *Snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()

	frozen := make(map[bucketKey][]domain.ThreatReport, len(x.buckets))
	for key, reports := range x.buckets {
		frozen[key] = reports[:len(reports):len(reports)]
	}
	return &Snapshot{
		buckets:     frozen,
		cellSizeDeg: x.cellSizeDeg,
		ttl:         x.ttl,
		now:         time.Now().UTC(),
		seq:         x.seq,
	}
}

func (x *Index) keyFor(c domain.Coordinate) bucketKey {
	return bucketKey{
		row: int(math.Floor(c.Lat / x.cellSizeDeg)),
		col: int(math.Floor(c.Lng / x.cellSizeDeg)),
	}
}

// Snapshot is an immutable view of the index taken at one instant. All
// queries within a planning pass go through the same snapshot so the pass
// sees a consistent threat set.
type Snapshot struct {
	buckets     map[bucketKey][]domain.ThreatReport
	cellSizeDeg float64
	ttl         time.Duration
	now         time.Time
	seq         uint64
}

// Seq returns the highest ingestion sequence number visible in this
// snapshot.
func (s *Snapshot) Seq() uint64 { return s.seq }

// ThreatsNear returns unexpired reports within radiusKm of center.
func (s *Snapshot) ThreatsNear(center domain.Coordinate, radiusKm float64) []domain.ThreatReport {
	latSpan := radiusKm / geo.KmPerDegreeLat
	cosLat := math.Cos(center.Lat * math.Pi / 180)

	minRow := int(math.Floor((center.Lat - latSpan) / s.cellSizeDeg))
	maxRow := int(math.Floor((center.Lat + latSpan) / s.cellSizeDeg))

	var result []domain.ThreatReport
	collect := func(reports []domain.ThreatReport) {
		for _, report := range reports {
			if report.Expired(s.now, s.ttl) {
				continue
			}
			if geo.Haversine(center, report.Location) <= radiusKm {
				result = append(result, report)
			}
		}
	}

	// This close to a pole a longitude window degenerates: meridians
	// converge and a small circle can span every column. Scan all buckets
	// in the covered rows instead.
	if cosLat <= 0.01 {
		for key, reports := range s.buckets {
			if key.row < minRow || key.row > maxRow {
				continue
			}
			collect(reports)
		}
		return result
	}

	lngSpan := radiusKm / (geo.KmPerDegreeLat * cosLat)
	minCol := int(math.Floor((center.Lng - lngSpan) / s.cellSizeDeg))
	maxCol := int(math.Floor((center.Lng + lngSpan) / s.cellSizeDeg))

	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			collect(s.buckets[bucketKey{row: row, col: col}])
		}
	}
	return result
}
