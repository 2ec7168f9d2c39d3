package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/fortifyvision/saferoute/internal/config"
	"github.com/fortifyvision/saferoute/internal/domain"
	"github.com/fortifyvision/saferoute/internal/geo"
	"github.com/fortifyvision/saferoute/internal/geoindex"
)

func testTerrain() *geoindex.Terrain {
	profile := config.TerrainProfile{
		Bounds:  config.Bounds{MinLat: -1, MaxLat: 1, MinLng: -1, MaxLng: 1},
		Default: config.CellDefaults{BaseTraversalCost: 1.0, VisibilityExposure: 0.5, CoverAvailability: 0.5},
	}
	return geoindex.NewTerrain("test", profile, 0.01)
}

func snapshotWith(t *testing.T, reports ...domain.ThreatReport) *geoindex.Snapshot {
	t.Helper()
	index := geoindex.New(0.01, 24*time.Hour)
	for _, report := range reports {
		if _, err := index.IngestThreat(report); err != nil {
			t.Fatalf("ingest threat %s: %v", report.ID, err)
		}
	}
	return index.Snapshot()
}

func TestScoreSegmentWithoutThreats(t *testing.T) {
	weights := WeightsFromConfig(config.Defaults().Scoring)
	scorer := NewScorer(weights, snapshotWith(t), testTerrain())

	from := domain.Coordinate{Lat: 0, Lng: 0}
	to := domain.Coordinate{Lat: 0, Lng: 0.02}
	score := scorer.ScoreSegment(from, to)

	if score.SafetyContribution != 100 {
		t.Fatalf("expected contribution 100 with no threats, got %f", score.SafetyContribution)
	}
	if score.ThreatPenalty != 0 {
		t.Fatalf("expected zero threat penalty, got %f", score.ThreatPenalty)
	}
	if base := geo.Haversine(from, to); score.Cost < base {
		t.Fatalf("cost %f must not undercut base distance %f", score.Cost, base)
	}
}

func TestThreatPenaltyScalesWithSeverity(t *testing.T) {
	weights := WeightsFromConfig(config.Defaults().Scoring)
	from := domain.Coordinate{Lat: 0, Lng: 0}
	to := domain.Coordinate{Lat: 0, Lng: 0.02}
	mid := domain.Coordinate{Lat: 0, Lng: 0.01}

	high := NewScorer(weights, snapshotWith(t, domain.ThreatReport{ID: "h", Location: mid, Severity: domain.SeverityHigh}), testTerrain()).ScoreSegment(from, to)
	low := NewScorer(weights, snapshotWith(t, domain.ThreatReport{ID: "l", Location: mid, Severity: domain.SeverityLow}), testTerrain()).ScoreSegment(from, to)

	// A threat on the segment contributes its full severity weight.
	if math.Abs(high.ThreatPenalty-weights.SeverityHigh) > 0.01 {
		t.Fatalf("expected high penalty ~%f, got %f", weights.SeverityHigh, high.ThreatPenalty)
	}
	if math.Abs(low.ThreatPenalty-weights.SeverityLow) > 0.01 {
		t.Fatalf("expected low penalty ~%f, got %f", weights.SeverityLow, low.ThreatPenalty)
	}
	if high.SafetyContribution >= low.SafetyContribution {
		t.Fatalf("high severity must score worse: high %f, low %f", high.SafetyContribution, low.SafetyContribution)
	}
}

func TestThreatPenaltyFallsOffLinearly(t *testing.T) {
	weights := WeightsFromConfig(config.Defaults().Scoring)
	from := domain.Coordinate{Lat: 0, Lng: 0}
	to := domain.Coordinate{Lat: 0, Lng: 0.02}

	// 0.5 km north of the segment, with a 1 km margin: half weight.
	halfway := domain.Coordinate{Lat: 0.5 / geo.KmPerDegreeLat, Lng: 0.01}
	score := NewScorer(weights, snapshotWith(t, domain.ThreatReport{ID: "t", Location: halfway, Severity: domain.SeverityHigh}), testTerrain()).ScoreSegment(from, to)
	if math.Abs(score.ThreatPenalty-weights.SeverityHigh/2) > 0.1 {
		t.Fatalf("expected ~half severity weight at half margin, got %f", score.ThreatPenalty)
	}

	// Beyond the margin the threat contributes nothing.
	beyond := domain.Coordinate{Lat: 1.5 / geo.KmPerDegreeLat, Lng: 0.01}
	clean := NewScorer(weights, snapshotWith(t, domain.ThreatReport{ID: "t", Location: beyond, Severity: domain.SeverityHigh}), testTerrain()).ScoreSegment(from, to)
	if clean.ThreatPenalty != 0 {
		t.Fatalf("threat beyond margin must not contribute, got %f", clean.ThreatPenalty)
	}
}

func TestScoringIsDeterministic(t *testing.T) {
	weights := WeightsFromConfig(config.Defaults().Scoring)
	snapshot := snapshotWith(t,
		domain.ThreatReport{ID: "a", Location: domain.Coordinate{Lat: 0, Lng: 0.005}, Severity: domain.SeverityHigh},
		domain.ThreatReport{ID: "b", Location: domain.Coordinate{Lat: 0.001, Lng: 0.015}, Severity: domain.SeverityMedium},
	)
	terrain := testTerrain()
	from := domain.Coordinate{Lat: 0, Lng: 0}
	to := domain.Coordinate{Lat: 0, Lng: 0.02}

	first := NewScorer(weights, snapshot, terrain).ScoreSegment(from, to)
	for i := 0; i < 10; i++ {
		again := NewScorer(weights, snapshot, terrain).ScoreSegment(from, to)
		if again != first {
			t.Fatalf("identical inputs produced different scores: %+v vs %+v", first, again)
		}
	}
}

func TestRouteSafetyScoreIsMinimum(t *testing.T) {
	if got := RouteSafetyScore(nil); got != 100 {
		t.Fatalf("empty route should score 100, got %f", got)
	}

	scores := []SegmentScore{
		{SafetyContribution: 90},
		{SafetyContribution: 20},
		{SafetyContribution: 75},
	}
	if got := RouteSafetyScore(scores); got != 20 {
		t.Fatalf("route score must be the worst segment, got %f", got)
	}
}
