package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortifyvision/saferoute/internal/domain"
)

func newTestRepo(t *testing.T) *RouteRepository {
	t.Helper()
	ctx := context.Background()

	db, err := Open(filepath.Join(t.TempDir(), "saferoute_test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return NewRouteRepository(db)
}

func sampleRoute(id string) domain.Route {
	now := time.Now().UTC()
	return domain.Route{
		ID:             id,
		Path:           []domain.Coordinate{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.05}, {Lat: 0, Lng: 0.1}},
		TotalDistance:  11.12,
		SafetyScore:    100,
		TerrainProfile: "urban",
		Status:         domain.RouteActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestRouteLifecycleGuards(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.CreateRoute(ctx, sampleRoute("r1"))
	if err != nil {
		t.Fatalf("create route: %v", err)
	}
	if len(created.Path) != 3 {
		t.Fatalf("path did not round-trip, got %d waypoints", len(created.Path))
	}

	completed, err := repo.UpdateRouteStatus(ctx, "r1", domain.RouteCompleted)
	if err != nil {
		t.Fatalf("complete route: %v", err)
	}
	if completed.Status != domain.RouteCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}

	// Terminal states never transition again.
	if _, err := repo.UpdateRouteStatus(ctx, "r1", domain.RouteCancelled); !errors.Is(err, domain.ErrRouteNotActive) {
		t.Fatalf("expected ErrRouteNotActive on second transition, got %v", err)
	}
	if _, err := repo.UpdateRouteStatus(ctx, "missing", domain.RouteCompleted); !errors.Is(err, domain.ErrUnknownRoute) {
		t.Fatalf("expected ErrUnknownRoute, got %v", err)
	}
	if _, err := repo.GetRouteByID(ctx, "missing"); !errors.Is(err, domain.ErrUnknownRoute) {
		t.Fatalf("expected ErrUnknownRoute on get, got %v", err)
	}
}

func TestSupersedeChain(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.CreateRoute(ctx, sampleRoute("r1")); err != nil {
		t.Fatalf("create route: %v", err)
	}

	replacement := sampleRoute("r2")
	replacement.SupersedesRouteID = "r1"
	replacement.RerouteReason = "threat t1 (hostile-contact/high) within safety margin"
	replacement.Rerouted = true

	stored, err := repo.SupersedeRoute(ctx, "r1", replacement)
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if stored.SupersedesRouteID != "r1" || !stored.Rerouted {
		t.Fatalf("replacement lost its lineage: %+v", stored)
	}

	old, err := repo.GetRouteByID(ctx, "r1")
	if err != nil {
		t.Fatalf("get old route: %v", err)
	}
	if old.Status != domain.RouteSuperseded {
		t.Fatalf("old route should be superseded, got %s", old.Status)
	}

	// A second supersede of the retired route is discarded.
	if _, err := repo.SupersedeRoute(ctx, "r1", sampleRoute("r3")); !errors.Is(err, domain.ErrRouteNotActive) {
		t.Fatalf("expected ErrRouteNotActive, got %v", err)
	}
	if _, err := repo.GetRouteByID(ctx, "r3"); !errors.Is(err, domain.ErrUnknownRoute) {
		t.Fatalf("discarded replacement must not be stored, got %v", err)
	}
	if _, err := repo.SupersedeRoute(ctx, "missing", sampleRoute("r4")); !errors.Is(err, domain.ErrUnknownRoute) {
		t.Fatalf("expected ErrUnknownRoute, got %v", err)
	}

	active, err := repo.ListRoutes(ctx, domain.RouteActive, 0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "r2" {
		t.Fatalf("expected r2 as the only active route, got %+v", active)
	}
}

func TestConsumeReroutedReadsTrueOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	route := sampleRoute("r1")
	route.Rerouted = true
	if _, err := repo.CreateRoute(ctx, route); err != nil {
		t.Fatalf("create route: %v", err)
	}

	first, err := repo.ConsumeRerouted(ctx, "r1")
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if !first {
		t.Fatalf("first read must observe the flag")
	}

	second, err := repo.ConsumeRerouted(ctx, "r1")
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if second {
		t.Fatalf("flag must be cleared after the first read")
	}

	stored, err := repo.GetRouteByID(ctx, "r1")
	if err != nil {
		t.Fatalf("get route: %v", err)
	}
	if stored.Rerouted {
		t.Fatalf("stored route still carries the flag")
	}
}

func TestThreatsOrderedBySequence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"t1", "t2", "t3"} {
		_, err := repo.CreateThreat(ctx, domain.ThreatReport{
			ID:         id,
			Location:   domain.Coordinate{Lat: 0, Lng: float64(i) * 0.01},
			Category:   domain.ThreatHazard,
			Severity:   domain.SeverityMedium,
			ReportedAt: now.Add(time.Duration(i) * time.Minute),
			Seq:        uint64(i + 1),
		})
		if err != nil {
			t.Fatalf("create threat %s: %v", id, err)
		}
	}

	threats, err := repo.ListThreats(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list threats: %v", err)
	}
	if len(threats) != 3 {
		t.Fatalf("expected 3 threats, got %d", len(threats))
	}
	for i, threat := range threats {
		if threat.Seq != uint64(i+1) {
			t.Fatalf("threats out of ingestion order: %+v", threats)
		}
	}

	recent, err := repo.ListThreats(ctx, now.Add(90*time.Second), 0)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "t3" {
		t.Fatalf("since filter failed, got %+v", recent)
	}

	pruned, err := repo.PruneThreats(ctx, now.Add(90*time.Second))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned threats, got %d", pruned)
	}
}

func TestFeedbackPerRoute(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if _, err := repo.CreateRoute(ctx, sampleRoute("r1")); err != nil {
		t.Fatalf("create route: %v", err)
	}

	for rating := 1; rating <= 3; rating++ {
		if _, err := repo.CreateFeedback(ctx, domain.Feedback{RouteID: "r1", Rating: rating, Comments: "ok"}); err != nil {
			t.Fatalf("create feedback: %v", err)
		}
	}
	if _, err := repo.CreateFeedback(ctx, domain.Feedback{RouteID: "other", Rating: 5}); err != nil {
		t.Fatalf("create unrelated feedback: %v", err)
	}

	feedback, err := repo.ListFeedbackByRoute(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	if len(feedback) != 3 {
		t.Fatalf("expected 3 entries for r1, got %d", len(feedback))
	}
	for i, entry := range feedback {
		if entry.Rating != i+1 {
			t.Fatalf("feedback out of insertion order: %+v", feedback)
		}
	}
}

func TestOperatorAndTokenStorage(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	count, err := repo.CountOperators(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected empty operators table, got %d (%v)", count, err)
	}

	op, err := repo.CreateOperator(ctx, domain.Operator{Email: "ops@saferoute.local", PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("create operator: %v", err)
	}

	byEmail, err := repo.GetOperatorByEmail(ctx, "ops@saferoute.local")
	if err != nil || byEmail.ID != op.ID {
		t.Fatalf("lookup by email failed: %v", err)
	}

	token, err := repo.CreateAPIToken(ctx, domain.APIToken{OperatorID: op.ID, Name: "cli", TokenHash: "abc"})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	byHash, err := repo.GetAPITokenByTokenHash(ctx, "abc")
	if err != nil || byHash.ID != token.ID {
		t.Fatalf("lookup by hash failed: %v", err)
	}

	if err := repo.DeleteAPITokenByTokenHash(ctx, "abc"); err != nil {
		t.Fatalf("delete token: %v", err)
	}
	if _, err := repo.GetAPITokenByTokenHash(ctx, "abc"); err == nil {
		t.Fatalf("token should be gone after delete")
	}
}
