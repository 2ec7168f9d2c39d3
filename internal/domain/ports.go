package domain

import (
	"context"
	"time"
)

type RouteRepository interface {
	CreateRoute(ctx context.Context, value Route) (Route, error)
	GetRouteByID(ctx context.Context, routeID string) (Route, error)
	ListRoutes(ctx context.Context, status RouteStatus, limit int) ([]Route, error)
	UpdateRouteStatus(ctx context.Context, routeID string, status RouteStatus) (Route, error)
	// SupersedeRoute marks oldRouteID superseded, persists the replacement
	// with the rerouted flag set, and returns the stored replacement.
	SupersedeRoute(ctx context.Context, oldRouteID string, replacement Route) (Route, error)
	// ConsumeRerouted clears the rerouted flag and reports its prior value.
	ConsumeRerouted(ctx context.Context, routeID string) (bool, error)

	CreateThreat(ctx context.Context, value ThreatReport) (ThreatReport, error)
	ListThreats(ctx context.Context, since time.Time, limit int) ([]ThreatReport, error)
	PruneThreats(ctx context.Context, olderThan time.Time) (int64, error)

	CreateFeedback(ctx context.Context, value Feedback) (Feedback, error)
	ListFeedbackByRoute(ctx context.Context, routeID string, limit int) ([]Feedback, error)

	CreateOperator(ctx context.Context, value Operator) (Operator, error)
	CountOperators(ctx context.Context) (int64, error)
	GetOperatorByEmail(ctx context.Context, email string) (Operator, error)
	GetOperatorByID(ctx context.Context, id uint) (Operator, error)
	CreateAPIToken(ctx context.Context, value APIToken) (APIToken, error)
	GetAPITokenByTokenHash(ctx context.Context, tokenHash string) (APIToken, error)
	DeleteAPITokenByTokenHash(ctx context.Context, tokenHash string) error
}
