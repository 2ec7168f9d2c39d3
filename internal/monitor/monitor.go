package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fortifyvision/saferoute/internal/domain"
	"github.com/fortifyvision/saferoute/internal/geo"
	"github.com/fortifyvision/saferoute/internal/geoindex"
	"github.com/fortifyvision/saferoute/internal/metrics"
	"github.com/fortifyvision/saferoute/internal/planner"
	"github.com/fortifyvision/saferoute/internal/scoring"
)

// Update is emitted after a route has been superseded by a safer
// alternative.
type Update struct {
	PreviousRouteID string
	RouteID         string
	ThreatID        string
	SafetyScore     float64
}

// routeState follows one journey across supersedes. id always names the
// journey's currently active route.
type routeState struct {
	// mu serializes replans of this journey. Two near-simultaneous
	// threats can never run conflicting replans of the same route.
	mu             sync.Mutex
	id             string
	path           []domain.Coordinate
	profile        string
	position       *domain.Coordinate
	lastAppliedSeq uint64
	limiter        *rate.Limiter

	// pending holds the newest threat whose replan was throttled. It is
	// re-evaluated once the limiter hands out the reserved token.
	pending    *domain.ThreatReport
	retryArmed bool
}

// Monitor owns the set of active routes and decides when a new threat
// report invalidates one. Replan failures never drop the previous route:
// a journey always keeps some active route.
type Monitor struct {
	repo     domain.RouteRepository
	planner  *planner.Planner
	index    *geoindex.Index
	terrains map[string]*geoindex.Terrain

	marginKm   float64
	flapDelta  float64
	replanRate rate.Limit

	mu     sync.Mutex
	routes map[string]*routeState

	events chan Update
}

func New(repo domain.RouteRepository, p *planner.Planner, index *geoindex.Index, terrains map[string]*geoindex.Terrain, marginKm, flapDelta, replansPerMinute float64) *Monitor {
	return &Monitor{
		repo:       repo,
		planner:    p,
		index:      index,
		terrains:   terrains,
		marginKm:   marginKm,
		flapDelta:  flapDelta,
		replanRate: rate.Limit(replansPerMinute / 60),
		routes:     make(map[string]*routeState),
		events:     make(chan Update, 64),
	}
}

// Updates exposes supersede events to external collaborators.
func (m *Monitor) Updates() <-chan Update { return m.events }

// Track registers an active route for observation.
func (m *Monitor) Track(route domain.Route) {
	if route.Status != domain.RouteActive {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[route.ID] = &routeState{
		id:      route.ID,
		path:    route.Path,
		profile: route.TerrainProfile,
		limiter: rate.NewLimiter(m.replanRate, 1),
	}
	metrics.ActiveRoutes.Set(float64(len(m.routes)))
}

// ActiveCount returns the number of tracked routes.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routes)
}

// UpdatePosition records the traveler's last known position. Subsequent
// replans start from it instead of the original start.
func (m *Monitor) UpdatePosition(routeID string, position domain.Coordinate) error {
	state := m.stateFor(routeID)
	if state == nil {
		return domain.ErrUnknownRoute
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.position = &position
	return nil
}

// Complete transitions the route to completed and stops tracking it. An
// in-flight replan result for the route is discarded, not applied.
func (m *Monitor) Complete(ctx context.Context, routeID string) (domain.Route, error) {
	return m.finish(ctx, routeID, domain.RouteCompleted)
}

// Cancel transitions the route to cancelled and stops tracking it.
func (m *Monitor) Cancel(ctx context.Context, routeID string) (domain.Route, error) {
	return m.finish(ctx, routeID, domain.RouteCancelled)
}

func (m *Monitor) finish(ctx context.Context, routeID string, status domain.RouteStatus) (domain.Route, error) {
	route, err := m.repo.UpdateRouteStatus(ctx, routeID, status)
	if err != nil {
		return domain.Route{}, err
	}

	m.mu.Lock()
	delete(m.routes, routeID)
	metrics.ActiveRoutes.Set(float64(len(m.routes)))
	m.mu.Unlock()
	return route, nil
}

// OnThreat evaluates the impact of a freshly ingested threat on every
// tracked route and returns the ids of routes within the safety margin.
// Replans for distinct routes run concurrently; replans for the same route
// are serialized per journey.
func (m *Monitor) OnThreat(ctx context.Context, threat domain.ThreatReport) []string {
	if !threat.Severity.AtLeast(domain.SeverityMedium) {
		return nil
	}

	dirty, ids := m.dirtyRoutes(threat)
	if len(dirty) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, state := range dirty {
		g.Go(func() error {
			m.evaluate(gctx, state, threat)
			return nil
		})
	}
	_ = g.Wait()

	return ids
}

func (m *Monitor) dirtyRoutes(threat domain.ThreatReport) ([]*routeState, []string) {
	m.mu.Lock()
	states := make([]*routeState, 0, len(m.routes))
	for _, state := range m.routes {
		states = append(states, state)
	}
	m.mu.Unlock()

	var dirty []*routeState
	var ids []string
	for _, state := range states {
		state.mu.Lock()
		id := state.id
		path := state.path
		state.mu.Unlock()
		if geo.DistanceToPath(threat.Location, path) <= m.marginKm {
			dirty = append(dirty, state)
			ids = append(ids, id)
		}
	}
	return dirty, ids
}

// evaluate decides whether one dirty journey must be replanned. No error
// escapes: failures are logged and the previously active route remains in
// force.
func (m *Monitor) evaluate(ctx context.Context, state *routeState, threat domain.ThreatReport) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if threat.Seq <= state.lastAppliedSeq {
		metrics.ReplansTotal.WithLabelValues("stale").Inc()
		return
	}
	if !state.limiter.Allow() {
		metrics.ReplansTotal.WithLabelValues("throttled").Inc()
		m.deferReplan(state, threat)
		return
	}

	m.replan(ctx, state, threat)
}

// deferReplan parks a throttled threat on the journey and arms a single
// retry for the moment the limiter releases the next token. Only the
// newest parked threat is kept; older ones are subsumed by it. Called with
// state.mu held.
func (m *Monitor) deferReplan(state *routeState, threat domain.ThreatReport) {
	if state.pending == nil || threat.Seq > state.pending.Seq {
		parked := threat
		state.pending = &parked
	}
	if state.retryArmed {
		return
	}

	reservation := state.limiter.Reserve()
	if !reservation.OK() {
		log.Printf("monitor: replan limiter cannot grant a token for route %s", state.id)
		return
	}
	state.retryArmed = true

	time.AfterFunc(reservation.Delay(), func() {
		state.mu.Lock()
		defer state.mu.Unlock()

		state.retryArmed = false
		parked := state.pending
		state.pending = nil
		if parked == nil || parked.Seq <= state.lastAppliedSeq {
			return
		}
		m.replan(context.Background(), state, *parked)
	})
}

// replan reroutes the journey around the threat. Called with state.mu held
// and a limiter token consumed.
func (m *Monitor) replan(ctx context.Context, state *routeState, threat domain.ThreatReport) {
	routeID := state.id

	current, err := m.repo.GetRouteByID(ctx, routeID)
	if err != nil || current.Status != domain.RouteActive {
		m.forget(routeID)
		return
	}

	terrain, ok := m.terrains[current.TerrainProfile]
	if !ok {
		log.Printf("monitor: route %s references unknown terrain profile %q", routeID, current.TerrainProfile)
		return
	}

	origin := current.Start()
	if state.position != nil {
		origin = *state.position
	}

	snapshot := m.index.Snapshot()
	replanned, err := m.planner.PlanRoute(ctx, origin, current.End(), terrain, snapshot)
	if err != nil {
		metrics.ReplansTotal.WithLabelValues("failed").Inc()
		log.Printf("monitor: replan of route %s after threat %s failed: %v", routeID, threat.ID, err)
		return
	}

	scorer := scoring.NewScorer(m.planner.Weights(), snapshot, terrain)
	currentScore := scorePath(scorer, current.Path)
	if replanned.SafetyScore-currentScore <= m.flapDelta {
		metrics.ReplansTotal.WithLabelValues("kept").Inc()
		return
	}

	replanned.SupersedesRouteID = routeID
	replanned.RerouteReason = fmt.Sprintf("threat %s (%s/%s) within safety margin", threat.ID, threat.Category, threat.Severity)
	replanned.Rerouted = true

	stored, err := m.repo.SupersedeRoute(ctx, routeID, replanned)
	if err != nil {
		// Route reached a terminal state while the replan was in
		// flight; the result is discarded.
		metrics.ReplansTotal.WithLabelValues("discarded").Inc()
		log.Printf("monitor: supersede of route %s discarded: %v", routeID, err)
		return
	}

	state.lastAppliedSeq = threat.Seq
	state.id = stored.ID
	state.path = stored.Path

	m.mu.Lock()
	delete(m.routes, routeID)
	m.routes[stored.ID] = state
	metrics.ActiveRoutes.Set(float64(len(m.routes)))
	m.mu.Unlock()

	metrics.ReplansTotal.WithLabelValues("superseded").Inc()
	m.emit(Update{
		PreviousRouteID: routeID,
		RouteID:         stored.ID,
		ThreatID:        threat.ID,
		SafetyScore:     stored.SafetyScore,
	})
}

func (m *Monitor) stateFor(routeID string) *routeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.routes[routeID]
}

func (m *Monitor) forget(routeID string) {
	m.mu.Lock()
	delete(m.routes, routeID)
	metrics.ActiveRoutes.Set(float64(len(m.routes)))
	m.mu.Unlock()
}

func (m *Monitor) emit(update Update) {
	select {
	case m.events <- update:
	default:
		log.Printf("monitor: update channel full, dropping event for route %s", update.RouteID)
	}
}

func scorePath(scorer *scoring.Scorer, path []domain.Coordinate) float64 {
	segments := make([]scoring.SegmentScore, 0, len(path))
	for i := 0; i < len(path)-1; i++ {
		segments = append(segments, scorer.ScoreSegment(path[i], path[i+1]))
	}
	return scoring.RouteSafetyScore(segments)
}
