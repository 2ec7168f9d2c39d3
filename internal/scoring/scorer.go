package scoring

import (
	"math"

	"github.com/fortifyvision/saferoute/internal/config"
	"github.com/fortifyvision/saferoute/internal/domain"
	"github.com/fortifyvision/saferoute/internal/geo"
	"github.com/fortifyvision/saferoute/internal/geoindex"
)

// Weights are the tunable scoring constants. They are loaded from config at
// startup and may be adjusted between sessions by the offline feedback
// tuning process; live scoring never mutates them.
type Weights struct {
	SeverityLow      float64
	SeverityMedium   float64
	SeverityHigh     float64
	SafetyMarginKm   float64
	VisibilityWeight float64
	CoverWeight      float64
	K                float64
}

func WeightsFromConfig(cfg config.ScoringConfig) Weights {
	return Weights{
		SeverityLow:      cfg.SeverityLow,
		SeverityMedium:   cfg.SeverityMedium,
		SeverityHigh:     cfg.SeverityHigh,
		SafetyMarginKm:   cfg.SafetyMarginKm,
		VisibilityWeight: cfg.VisibilityWeight,
		CoverWeight:      cfg.CoverWeight,
		K:                cfg.K,
	}
}

// SeverityWeight returns the penalty weight for a severity level.
func (w Weights) SeverityWeight(s domain.Severity) float64 {
	switch s {
	case domain.SeverityHigh:
		return w.SeverityHigh
	case domain.SeverityMedium:
		return w.SeverityMedium
	default:
		return w.SeverityLow
	}
}

// SegmentScore is the result of scoring one path segment.
type SegmentScore struct {
	// Cost is the dynamic edge weight used by the planner. Always at
	// least the base haversine distance, which keeps the planner's
	// distance heuristic admissible.
	Cost float64
	// ThreatPenalty is the decayed sum of nearby threat contributions.
	ThreatPenalty float64
	// SafetyContribution is 100 - min(100, ThreatPenalty*K). The route
	// level safety score is the minimum contribution along the path.
	SafetyContribution float64
}

// Scorer scores path segments against one frozen threat snapshot and one
// terrain profile. It holds no mutable state, so identical inputs yield
// identical scores for the lifetime of the snapshot.
type Scorer struct {
	weights Weights
	threats *geoindex.Snapshot
	terrain *geoindex.Terrain
}

func NewScorer(weights Weights, threats *geoindex.Snapshot, terrain *geoindex.Terrain) *Scorer {
	return &Scorer{weights: weights, threats: threats, terrain: terrain}
}

// ScoreSegment computes the traversal cost and safety contribution of the
// segment from-to:
//
//	cost = baseDistance * (1 + terrainPenalty) * (1 + threatPenalty)
func (s *Scorer) ScoreSegment(from, to domain.Coordinate) SegmentScore {
	baseDistance := geo.Haversine(from, to)

	terrainPenalty := s.terrainPenalty(from, to)
	threatPenalty := s.threatPenalty(from, to)

	contribution := 100 - math.Min(100, threatPenalty*s.weights.K)

	return SegmentScore{
		Cost:               baseDistance * (1 + terrainPenalty) * (1 + threatPenalty),
		ThreatPenalty:      threatPenalty,
		SafetyContribution: contribution,
	}
}

// RouteSafetyScore folds segment contributions into the route-level score:
// the minimum along the path, so one dangerous choke point is never masked
// by safe segments elsewhere. Zero-length routes score 100.
func RouteSafetyScore(scores []SegmentScore) float64 {
	min := 100.0
	for _, score := range scores {
		if score.SafetyContribution < min {
			min = score.SafetyContribution
		}
	}
	return min
}

// terrainPenalty samples the cells at both endpoints and the midpoint,
// averaging visibility exposure and inverse cover. Cells outside coverage
// fall back to the profile default rather than failing the pass. A base
// traversal cost above 1 adds its excess to the penalty.
func (s *Scorer) terrainPenalty(from, to domain.Coordinate) float64 {
	samples := []domain.Coordinate{
		from,
		{Lat: (from.Lat + to.Lat) / 2, Lng: (from.Lng + to.Lng) / 2},
		to,
	}

	total := 0.0
	for _, sample := range samples {
		cell, err := s.terrain.TerrainAt(sample)
		if err != nil {
			cell = s.terrain.DefaultCell()
		}
		penalty := s.weights.VisibilityWeight*cell.VisibilityExposure +
			s.weights.CoverWeight*(1-cell.CoverAvailability) +
			math.Max(0, cell.BaseTraversalCost-1)
		total += penalty
	}
	return math.Max(0, total/float64(len(samples)))
}

// threatPenalty sums, over every unexpired threat within the safety margin
// of the segment, severityWeight * (1 - distance/margin). Linear falloff,
// zero beyond the margin.
func (s *Scorer) threatPenalty(from, to domain.Coordinate) float64 {
	margin := s.weights.SafetyMarginKm
	mid := domain.Coordinate{Lat: (from.Lat + to.Lat) / 2, Lng: (from.Lng + to.Lng) / 2}
	reach := margin + geo.Haversine(from, to)/2

	total := 0.0
	for _, threat := range s.threats.ThreatsNear(mid, reach) {
		distance := geo.DistanceToSegment(threat.Location, from, to)
		if distance > margin {
			continue
		}
		total += s.weights.SeverityWeight(threat.Severity) * (1 - distance/margin)
	}
	return total
}
