package application

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fortifyvision/saferoute/internal/domain"
	"github.com/fortifyvision/saferoute/internal/geoindex"
	"github.com/fortifyvision/saferoute/internal/metrics"
	"github.com/fortifyvision/saferoute/internal/monitor"
	"github.com/fortifyvision/saferoute/internal/planner"
	"github.com/fortifyvision/saferoute/internal/scoring"
)

// ModelVersion identifies the deterministic scoring core reported by the
// model-info endpoint.
const ModelVersion = "2.0.0"

// operatorPermissions are granted to every authenticated operator.
var operatorPermissions = []string{"routing.read", "routing.write"}

// ModelInfo is the read-only introspection payload for operators.
type ModelInfo struct {
	Name            string          `json:"name"`
	Version         string          `json:"version"`
	Description     string          `json:"description"`
	TerrainProfiles []string        `json:"terrain_profiles"`
	Weights         scoring.Weights `json:"weights"`
}

// RoutingService orchestrates planning, threat ingestion and route
// lifecycle on top of the repository, the geo index and the monitor.
type RoutingService struct {
	repo     domain.RouteRepository
	planner  *planner.Planner
	index    *geoindex.Index
	monitor  *monitor.Monitor
	terrains map[string]*geoindex.Terrain
}

func NewRoutingService(repo domain.RouteRepository, p *planner.Planner, index *geoindex.Index, mon *monitor.Monitor, terrains map[string]*geoindex.Terrain) *RoutingService {
	return &RoutingService{
		repo:     repo,
		planner:  p,
		index:    index,
		monitor:  mon,
		terrains: terrains,
	}
}

// Restore rebuilds live state from the database after a restart: unexpired
// threats are reloaded into the geo index and active routes resume
// monitoring.
func (s *RoutingService) Restore(ctx context.Context) error {
	since := time.Now().UTC().Add(-s.index.TTL())
	threats, err := s.repo.ListThreats(ctx, since, 0)
	if err != nil {
		return err
	}
	s.index.Load(threats)

	routes, err := s.repo.ListRoutes(ctx, domain.RouteActive, 0)
	if err != nil {
		return err
	}
	for _, route := range routes {
		s.monitor.Track(route)
	}
	return nil
}

// CalculateRoute plans a threat-aware route between start and end and
// registers it for monitoring.
func (s *RoutingService) CalculateRoute(ctx context.Context, start, end domain.Coordinate, terrainProfile string) (domain.Route, error) {
	if !start.Valid() || !end.Valid() {
		return domain.Route{}, domain.ErrInvalidCoordinate
	}
	terrain, err := s.terrainFor(terrainProfile)
	if err != nil {
		return domain.Route{}, err
	}

	route, err := s.planner.PlanRoute(ctx, start, end, terrain, s.index.Snapshot())
	if err != nil {
		metrics.PlansTotal.WithLabelValues("failed").Inc()
		return domain.Route{}, err
	}

	stored, err := s.repo.CreateRoute(ctx, route)
	if err != nil {
		return domain.Route{}, err
	}
	s.monitor.Track(stored)
	metrics.PlansTotal.WithLabelValues("ok").Inc()
	return stored, nil
}

// GetRoute returns the current state of a route. The rerouted flag reads
// true exactly once after a supersede event.
func (s *RoutingService) GetRoute(ctx context.Context, routeID string) (domain.Route, error) {
	if strings.TrimSpace(routeID) == "" {
		return domain.Route{}, domain.ErrUnknownRoute
	}
	route, err := s.repo.GetRouteByID(ctx, routeID)
	if err != nil {
		return domain.Route{}, err
	}
	if route.Rerouted {
		consumed, err := s.repo.ConsumeRerouted(ctx, routeID)
		if err != nil {
			return domain.Route{}, err
		}
		route.Rerouted = consumed
	}
	return route, nil
}

func (s *RoutingService) ListRoutes(ctx context.Context, status domain.RouteStatus, limit int) ([]domain.Route, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return s.repo.ListRoutes(ctx, status, limit)
}

// UpdatePosition records the traveler's last known position so replans
// start from the remaining leg of the journey.
func (s *RoutingService) UpdatePosition(ctx context.Context, routeID string, position domain.Coordinate) error {
	if !position.Valid() {
		return domain.ErrInvalidCoordinate
	}
	if _, err := s.repo.GetRouteByID(ctx, routeID); err != nil {
		return err
	}
	return s.monitor.UpdatePosition(routeID, position)
}

func (s *RoutingService) CompleteRoute(ctx context.Context, routeID string) (domain.Route, error) {
	return s.monitor.Complete(ctx, routeID)
}

func (s *RoutingService) CancelRoute(ctx context.Context, routeID string) (domain.Route, error) {
	return s.monitor.Cancel(ctx, routeID)
}

// IngestThreat validates and stores a threat report, then evaluates its
// impact on every active route. It returns the stored report and the ids
// of routes within the safety margin.
func (s *RoutingService) IngestThreat(ctx context.Context, location domain.Coordinate, category domain.ThreatCategory, severity domain.Severity, reporterID string) (domain.ThreatReport, []string, error) {
	if !location.Valid() {
		return domain.ThreatReport{}, nil, domain.ErrInvalidCoordinate
	}
	if !severity.Known() {
		severity = domain.SeverityHigh
	}

	report := domain.ThreatReport{
		ID:         uuid.NewString(),
		Location:   location,
		Category:   category,
		Severity:   severity,
		ReportedAt: time.Now().UTC(),
		ReporterID: strings.TrimSpace(reporterID),
	}

	report, err := s.index.IngestThreat(report)
	if err != nil {
		return domain.ThreatReport{}, nil, err
	}
	if _, err := s.repo.CreateThreat(ctx, report); err != nil {
		// The live index must never score a threat the database rejected.
		s.index.Remove(report)
		return domain.ThreatReport{}, nil, err
	}
	metrics.ThreatsIngestedTotal.Inc()

	affected := s.monitor.OnThreat(ctx, report)
	return report, affected, nil
}

func (s *RoutingService) ListThreats(ctx context.Context, limit int) ([]domain.ThreatReport, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 2000 {
		limit = 2000
	}
	return s.repo.ListThreats(ctx, time.Time{}, limit)
}

// PruneExpiredThreats trims expired reports from the live index. Database
// rows are retained for history and offline tuning.
func (s *RoutingService) PruneExpiredThreats() int {
	return s.index.Prune()
}

// PruneThreatHistory deletes threat rows past the long retention horizon,
// seven times the live TTL.
func (s *RoutingService) PruneThreatHistory(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-7 * s.index.TTL())
	return s.repo.PruneThreats(ctx, cutoff)
}

// RecordFeedback appends a rating for a completed route. Feedback is read
// only by the offline weight-tuning process, never during scoring.
func (s *RoutingService) RecordFeedback(ctx context.Context, routeID string, rating int, comments string) (domain.Feedback, error) {
	if rating < 1 || rating > 5 {
		return domain.Feedback{}, errors.New("rating must be between 1 and 5")
	}
	if _, err := s.repo.GetRouteByID(ctx, routeID); err != nil {
		return domain.Feedback{}, err
	}
	return s.repo.CreateFeedback(ctx, domain.Feedback{
		RouteID:  routeID,
		Rating:   rating,
		Comments: strings.TrimSpace(comments),
	})
}

func (s *RoutingService) ListFeedback(ctx context.Context, routeID string, limit int) ([]domain.Feedback, error) {
	if limit <= 0 {
		limit = 200
	}
	if _, err := s.repo.GetRouteByID(ctx, routeID); err != nil {
		return nil, err
	}
	return s.repo.ListFeedbackByRoute(ctx, routeID, limit)
}

// ModelInfo reports the live scoring constants for operator visibility.
func (s *RoutingService) ModelInfo() ModelInfo {
	profiles := make([]string, 0, len(s.terrains))
	for name := range s.terrains {
		profiles = append(profiles, name)
	}
	sort.Strings(profiles)
	return ModelInfo{
		Name:            "Deterministic Threat-Responsive Router",
		Version:         ModelVersion,
		Description:     "A* search over a static waypoint graph with explainable terrain and threat scoring.",
		TerrainProfiles: profiles,
		Weights:         s.planner.Weights(),
	}
}

// Updates exposes the monitor's supersede events.
func (s *RoutingService) Updates() <-chan monitor.Update {
	return s.monitor.Updates()
}

func (s *RoutingService) terrainFor(profile string) (*geoindex.Terrain, error) {
	name := strings.TrimSpace(profile)
	if name == "" {
		name = "urban"
	}
	terrain, ok := s.terrains[name]
	if !ok {
		return nil, fmt.Errorf("terrain profile %q: %w", name, domain.ErrOutOfCoverageArea)
	}
	return terrain, nil
}

// BootstrapOperator creates the initial operator account when none exists.
func (s *RoutingService) BootstrapOperator(ctx context.Context, email, password string) error {
	if strings.TrimSpace(email) == "" || strings.TrimSpace(password) == "" {
		return errors.New("bootstrap operator email and password are required")
	}

	count, err := s.repo.CountOperators(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = s.repo.CreateOperator(ctx, domain.Operator{
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
	})
	return err
}

// Login authenticates an operator and issues a bearer API token.
func (s *RoutingService) Login(ctx context.Context, email, password, tokenName string, ttl *time.Duration) (domain.Operator, string, error) {
	op, err := s.repo.GetOperatorByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return domain.Operator{}, "", errors.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return domain.Operator{}, "", errors.New("invalid credentials")
	}

	plain, hash, err := newTokenPair()
	if err != nil {
		return domain.Operator{}, "", err
	}

	var expiresAt *time.Time
	if ttl != nil {
		t := time.Now().UTC().Add(*ttl)
		expiresAt = &t
	}

	_, err = s.repo.CreateAPIToken(ctx, domain.APIToken{
		OperatorID: op.ID,
		Name:       defaultString(tokenName, "cli"),
		TokenHash:  hash,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return domain.Operator{}, "", err
	}
	return op, plain, nil
}

// AuthenticateBearerToken resolves a bearer token to an operator identity.
func (s *RoutingService) AuthenticateBearerToken(ctx context.Context, token string) (domain.Identity, error) {
	hash := hashToken(token)
	apit, err := s.repo.GetAPITokenByTokenHash(ctx, hash)
	if err != nil {
		return domain.Identity{}, errors.New("unauthorized")
	}
	if apit.ExpiresAt != nil && apit.ExpiresAt.Before(time.Now().UTC()) {
		return domain.Identity{}, errors.New("token expired")
	}

	op, err := s.repo.GetOperatorByID(ctx, apit.OperatorID)
	if err != nil {
		return domain.Identity{}, errors.New("unauthorized")
	}

	perms := make(map[string]struct{}, len(operatorPermissions))
	for _, p := range operatorPermissions {
		perms[p] = struct{}{}
	}
	return domain.Identity{Operator: op, Permissions: perms}, nil
}

// Logout revokes a bearer token.
func (s *RoutingService) Logout(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return s.repo.DeleteAPITokenByTokenHash(ctx, hashToken(token))
}

func (s *RoutingService) Can(identity domain.Identity, permission string) bool {
	if _, ok := identity.Permissions["*"]; ok {
		return true
	}
	_, ok := identity.Permissions[permission]
	return ok
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func newTokenPair() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plain := base64.RawURLEncoding.EncodeToString(raw)
	return plain, hashToken(plain), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum[:])
}

func defaultString(input, fallback string) string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	return input
}
