package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqliteadapter "github.com/fortifyvision/saferoute/internal/adapters/db/sqlite"
	"github.com/fortifyvision/saferoute/internal/config"
	"github.com/fortifyvision/saferoute/internal/domain"
	"github.com/fortifyvision/saferoute/internal/geo"
	"github.com/fortifyvision/saferoute/internal/geoindex"
	"github.com/fortifyvision/saferoute/internal/planner"
	"github.com/fortifyvision/saferoute/internal/scoring"
)

type fixture struct {
	repo    *sqliteadapter.RouteRepository
	index   *geoindex.Index
	planner *planner.Planner
	terrain *geoindex.Terrain
	monitor *Monitor
}

func newFixture(t *testing.T, flapDelta float64) *fixture {
	return newRateFixture(t, flapDelta, 6000)
}

func newRateFixture(t *testing.T, flapDelta, replansPerMinute float64) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqliteadapter.Open(filepath.Join(t.TempDir(), "saferoute_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := sqliteadapter.RunMigrations(ctx, db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	repo := sqliteadapter.NewRouteRepository(db)

	bounds := config.Bounds{MinLat: 0, MaxLat: 0.1, MinLng: 0, MaxLng: 0.2}
	profile := config.TerrainProfile{
		Bounds:  bounds,
		Default: config.CellDefaults{BaseTraversalCost: 1.0, VisibilityExposure: 0.5, CoverAvailability: 0.5},
	}
	terrain := geoindex.NewTerrain("test", profile, 0.05)
	terrains := map[string]*geoindex.Terrain{"test": terrain}
	graphs := map[string]*planner.Graph{"test": planner.BuildGrid(bounds, 0.05)}

	weights := scoring.WeightsFromConfig(config.Defaults().Scoring)
	p := planner.New(graphs, weights, 2.0, 5*time.Second)
	index := geoindex.New(0.05, 24*time.Hour)
	mon := New(repo, p, index, terrains, weights.SafetyMarginKm, flapDelta, replansPerMinute)

	return &fixture{repo: repo, index: index, planner: p, terrain: terrain, monitor: mon}
}

func (f *fixture) activeRoute(t *testing.T) domain.Route {
	t.Helper()
	ctx := context.Background()

	planned, err := f.planner.PlanRoute(ctx, domain.Coordinate{Lat: 0, Lng: 0}, domain.Coordinate{Lat: 0, Lng: 0.2}, f.terrain, f.index.Snapshot())
	if err != nil {
		t.Fatalf("plan route: %v", err)
	}
	stored, err := f.repo.CreateRoute(ctx, planned)
	if err != nil {
		t.Fatalf("store route: %v", err)
	}
	f.monitor.Track(stored)
	return stored
}

func (f *fixture) ingest(t *testing.T, location domain.Coordinate, severity domain.Severity) domain.ThreatReport {
	t.Helper()
	return f.ingestID(t, "threat-"+string(severity), location, severity)
}

func (f *fixture) ingestID(t *testing.T, id string, location domain.Coordinate, severity domain.Severity) domain.ThreatReport {
	t.Helper()
	report, err := f.index.IngestThreat(domain.ThreatReport{
		ID:       id,
		Location: location,
		Category: domain.ThreatHostileContact,
		Severity: severity,
	})
	if err != nil {
		t.Fatalf("ingest threat: %v", err)
	}
	return report
}

func TestFarThreatDoesNotTriggerReplan(t *testing.T) {
	f := newFixture(t, 5)
	route := f.activeRoute(t)

	threat := f.ingest(t, domain.Coordinate{Lat: 0.1, Lng: 0.1}, domain.SeverityHigh)
	affected := f.monitor.OnThreat(context.Background(), threat)
	if len(affected) != 0 {
		t.Fatalf("distant threat should not touch any route, got %v", affected)
	}

	stored, err := f.repo.GetRouteByID(context.Background(), route.ID)
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if stored.Status != domain.RouteActive {
		t.Fatalf("route should remain active, got %s", stored.Status)
	}
}

func TestLowSeverityThreatIsIgnored(t *testing.T) {
	f := newFixture(t, 5)
	f.activeRoute(t)

	threat := f.ingest(t, domain.Coordinate{Lat: 0, Lng: 0.1}, domain.SeverityLow)
	if affected := f.monitor.OnThreat(context.Background(), threat); len(affected) != 0 {
		t.Fatalf("low severity should never trigger evaluation, got %v", affected)
	}
}

func TestNearHighThreatSupersedesRoute(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	route := f.activeRoute(t)

	threat := f.ingest(t, domain.Coordinate{Lat: 0, Lng: 0.1}, domain.SeverityHigh)
	affected := f.monitor.OnThreat(ctx, threat)
	if len(affected) != 1 || affected[0] != route.ID {
		t.Fatalf("expected route %s to be affected, got %v", route.ID, affected)
	}

	old, err := f.repo.GetRouteByID(ctx, route.ID)
	if err != nil {
		t.Fatalf("get old route: %v", err)
	}
	if old.Status != domain.RouteSuperseded {
		t.Fatalf("old route should be superseded, got %s", old.Status)
	}

	active, err := f.repo.ListRoutes(ctx, domain.RouteActive, 0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active route, got %d", len(active))
	}
	replacement := active[0]
	if replacement.SupersedesRouteID != route.ID {
		t.Fatalf("replacement must point at the old route, got %q", replacement.SupersedesRouteID)
	}
	if !replacement.Rerouted || replacement.RerouteReason == "" {
		t.Fatalf("replacement must carry the reroute flag and reason, got %+v", replacement)
	}
	if d := geo.DistanceToPath(threat.Location, replacement.Path); d <= 1.0 {
		t.Fatalf("replacement still passes within the safety margin (%f km)", d)
	}
	if f.monitor.ActiveCount() != 1 {
		t.Fatalf("monitor should track exactly the replacement, got %d", f.monitor.ActiveCount())
	}

	select {
	case update := <-f.monitor.Updates():
		if update.PreviousRouteID != route.ID || update.RouteID != replacement.ID || update.ThreatID != threat.ID {
			t.Fatalf("unexpected update payload %+v", update)
		}
	default:
		t.Fatalf("expected a supersede update event")
	}
}

func TestStaleThreatSequenceIsDiscarded(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	route := f.activeRoute(t)

	threat := f.ingest(t, domain.Coordinate{Lat: 0, Lng: 0.1}, domain.SeverityHigh)
	f.monitor.OnThreat(ctx, threat)

	active, err := f.repo.ListRoutes(ctx, domain.RouteActive, 0)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active route after replan: %v", err)
	}
	replacement := active[0]
	if replacement.ID == route.ID {
		t.Fatalf("expected a replacement route")
	}

	// A delayed report with a sequence number at or below the one already
	// applied must not trigger a second replan.
	stale := domain.ThreatReport{
		ID:       "stale",
		Location: domain.Coordinate{Lat: 0.05, Lng: 0.1},
		Category: domain.ThreatHostileContact,
		Severity: domain.SeverityHigh,
		Seq:      threat.Seq,
	}
	f.monitor.OnThreat(ctx, stale)

	current, err := f.repo.GetRouteByID(ctx, replacement.ID)
	if err != nil {
		t.Fatalf("get replacement: %v", err)
	}
	if current.Status != domain.RouteActive {
		t.Fatalf("stale threat must not supersede the replacement, got %s", current.Status)
	}
}

func TestSmallImprovementKeepsCurrentRoute(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()
	route := f.activeRoute(t)

	threat := f.ingest(t, domain.Coordinate{Lat: 0, Lng: 0.1}, domain.SeverityHigh)
	affected := f.monitor.OnThreat(ctx, threat)
	if len(affected) != 1 {
		t.Fatalf("threat should still be within the margin, got %v", affected)
	}

	stored, err := f.repo.GetRouteByID(ctx, route.ID)
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if stored.Status != domain.RouteActive {
		t.Fatalf("improvement below the threshold must keep the route, got %s", stored.Status)
	}
	if f.monitor.ActiveCount() != 1 {
		t.Fatalf("monitor should still track the original route")
	}
}

func TestReplanStartsFromReportedPosition(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	route := f.activeRoute(t)

	position := domain.Coordinate{Lat: 0, Lng: 0.15}
	if err := f.monitor.UpdatePosition(route.ID, position); err != nil {
		t.Fatalf("update position: %v", err)
	}
	if err := f.monitor.UpdatePosition("missing", position); !errors.Is(err, domain.ErrUnknownRoute) {
		t.Fatalf("expected ErrUnknownRoute for untracked route, got %v", err)
	}

	threat := f.ingest(t, domain.Coordinate{Lat: 0, Lng: 0.1}, domain.SeverityHigh)
	f.monitor.OnThreat(ctx, threat)

	active, err := f.repo.ListRoutes(ctx, domain.RouteActive, 0)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active route: %v", err)
	}
	if d := geo.Haversine(active[0].Path[0], position); d > 0.1 {
		t.Fatalf("replacement must start at the reported position, got %+v (%f km away)", active[0].Path[0], d)
	}
}

func TestLaterThreatReplansReplacementRoute(t *testing.T) {
	f := newRateFixture(t, 5, 6000000)
	ctx := context.Background()
	f.activeRoute(t)

	first := f.ingestID(t, "threat-1", domain.Coordinate{Lat: 0, Lng: 0.1}, domain.SeverityHigh)
	f.monitor.OnThreat(ctx, first)

	active, err := f.repo.ListRoutes(ctx, domain.RouteActive, 0)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active route after first replan: %v", err)
	}
	replacement := active[0]

	// A later report on the replacement path must reroute the journey
	// again, even though the journey is now tracked under a new route id.
	second := f.ingestID(t, "threat-2", domain.Coordinate{Lat: 0.05, Lng: 0.1}, domain.SeverityHigh)
	affected := f.monitor.OnThreat(ctx, second)
	if len(affected) != 1 || affected[0] != replacement.ID {
		t.Fatalf("expected replacement %s to be affected, got %v", replacement.ID, affected)
	}

	active, err = f.repo.ListRoutes(ctx, domain.RouteActive, 0)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active route after second replan: %v", err)
	}
	final := active[0]
	if final.SupersedesRouteID != replacement.ID {
		t.Fatalf("final route must supersede the first replacement, got %q", final.SupersedesRouteID)
	}
	if d := geo.DistanceToPath(first.Location, final.Path); d <= 1.0 {
		t.Fatalf("final route passes %f km from the first threat", d)
	}
	if d := geo.DistanceToPath(second.Location, final.Path); d <= 1.0 {
		t.Fatalf("final route passes %f km from the second threat", d)
	}
	if f.monitor.ActiveCount() != 1 {
		t.Fatalf("monitor should track exactly the final route, got %d", f.monitor.ActiveCount())
	}
}

func TestConcurrentThreatsLeaveOneSafeRoute(t *testing.T) {
	f := newRateFixture(t, 5, 6000000)
	ctx := context.Background()
	f.activeRoute(t)

	first := f.ingestID(t, "threat-1", domain.Coordinate{Lat: 0, Lng: 0.1}, domain.SeverityHigh)
	second := f.ingestID(t, "threat-2", domain.Coordinate{Lat: 0.05, Lng: 0.1}, domain.SeverityHigh)

	var wg sync.WaitGroup
	for _, threat := range []domain.ThreatReport{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.monitor.OnThreat(ctx, threat)
		}()
	}
	wg.Wait()

	active, err := f.repo.ListRoutes(ctx, domain.RouteActive, 0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active route, got %d", len(active))
	}
	if d := geo.DistanceToPath(first.Location, active[0].Path); d <= 1.0 {
		t.Fatalf("active route passes %f km from the first threat", d)
	}
	if d := geo.DistanceToPath(second.Location, active[0].Path); d <= 1.0 {
		t.Fatalf("active route passes %f km from the second threat", d)
	}
	if f.monitor.ActiveCount() != 1 {
		t.Fatalf("monitor should track exactly one route, got %d", f.monitor.ActiveCount())
	}
}

func TestThrottledReplanRunsWhenLimiterAllows(t *testing.T) {
	f := newRateFixture(t, 5, 60)
	ctx := context.Background()
	f.activeRoute(t)

	first := f.ingestID(t, "threat-1", domain.Coordinate{Lat: 0, Lng: 0.1}, domain.SeverityHigh)
	f.monitor.OnThreat(ctx, first)
	select {
	case <-f.monitor.Updates():
	default:
		t.Fatalf("expected an update for the first replan")
	}

	active, err := f.repo.ListRoutes(ctx, domain.RouteActive, 0)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active route after first replan: %v", err)
	}
	replacement := active[0]

	// The second qualifying threat lands inside the limiter window. The
	// replan must not be dropped: it runs as soon as a token frees up.
	second := f.ingestID(t, "threat-2", domain.Coordinate{Lat: 0.05, Lng: 0.1}, domain.SeverityHigh)
	affected := f.monitor.OnThreat(ctx, second)
	if len(affected) != 1 || affected[0] != replacement.ID {
		t.Fatalf("expected replacement %s to be affected, got %v", replacement.ID, affected)
	}

	select {
	case update := <-f.monitor.Updates():
		if update.ThreatID != second.ID || update.PreviousRouteID != replacement.ID {
			t.Fatalf("unexpected update payload %+v", update)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("deferred replan never ran")
	}

	active, err = f.repo.ListRoutes(ctx, domain.RouteActive, 0)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active route after deferred replan: %v", err)
	}
	if d := geo.DistanceToPath(second.Location, active[0].Path); d <= 1.0 {
		t.Fatalf("active route still passes %f km from the second threat", d)
	}
}

func TestCompletedRouteIsNoLongerMonitored(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	route := f.activeRoute(t)

	done, err := f.monitor.Complete(ctx, route.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.RouteCompleted {
		t.Fatalf("expected completed status, got %s", done.Status)
	}
	if f.monitor.ActiveCount() != 0 {
		t.Fatalf("completed route should be untracked")
	}

	if _, err := f.monitor.Complete(ctx, route.ID); !errors.Is(err, domain.ErrRouteNotActive) {
		t.Fatalf("second completion must fail with ErrRouteNotActive, got %v", err)
	}

	threat := f.ingest(t, domain.Coordinate{Lat: 0, Lng: 0.1}, domain.SeverityHigh)
	if affected := f.monitor.OnThreat(ctx, threat); len(affected) != 0 {
		t.Fatalf("completed route must not be evaluated, got %v", affected)
	}
}

func TestCancelledRouteStopsTracking(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	route := f.activeRoute(t)

	cancelled, err := f.monitor.Cancel(ctx, route.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.RouteCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}
	if f.monitor.ActiveCount() != 0 {
		t.Fatalf("cancelled route should be untracked")
	}
}
