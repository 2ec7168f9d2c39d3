package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"github.com/fortifyvision/saferoute/internal/domain"
)

type RouteRepository struct {
	db *gorm.DB
}

func Open(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
	}, &gorm.Config{})
}

func NewRouteRepository(db *gorm.DB) *RouteRepository {
	return &RouteRepository{db: db}
}

func (r *RouteRepository) CreateRoute(ctx context.Context, value domain.Route) (domain.Route, error) {
	m, err := routeToModel(value)
	if err != nil {
		return domain.Route{}, err
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.Route{}, err
	}
	return routeToDomain(m)
}

func (r *RouteRepository) GetRouteByID(ctx context.Context, routeID string) (domain.Route, error) {
	var m RouteModel
	err := r.db.WithContext(ctx).First(&m, "id = ?", routeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Route{}, domain.ErrUnknownRoute
	}
	if err != nil {
		return domain.Route{}, err
	}
	return routeToDomain(m)
}

func (r *RouteRepository) ListRoutes(ctx context.Context, status domain.RouteStatus, limit int) ([]domain.Route, error) {
	q := r.db.WithContext(ctx).Model(&RouteModel{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	rows := make([]RouteModel, 0)
	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]domain.Route, 0, len(rows))
	for _, m := range rows {
		route, err := routeToDomain(m)
		if err != nil {
			return nil, err
		}
		result = append(result, route)
	}
	return result, nil
}

// UpdateRouteStatus applies an external lifecycle transition. Terminal
// states never transition again, so the update is guarded on the route
// still being active.
func (r *RouteRepository) UpdateRouteStatus(ctx context.Context, routeID string, status domain.RouteStatus) (domain.Route, error) {
	res := r.db.WithContext(ctx).Model(&RouteModel{}).
		Where("id = ? AND status = ?", routeID, string(domain.RouteActive)).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return domain.Route{}, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetRouteByID(ctx, routeID); err != nil {
			return domain.Route{}, err
		}
		return domain.Route{}, domain.ErrRouteNotActive
	}
	return r.GetRouteByID(ctx, routeID)
}

// SupersedeRoute atomically retires the old route and stores its
// replacement. It fails with ErrRouteNotActive when the old route reached
// a terminal state first, so stale replan results are discarded.
func (r *RouteRepository) SupersedeRoute(ctx context.Context, oldRouteID string, replacement domain.Route) (domain.Route, error) {
	m, err := routeToModel(replacement)
	if err != nil {
		return domain.Route{}, err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RouteModel{}).
			Where("id = ? AND status = ?", oldRouteID, string(domain.RouteActive)).
			Updates(map[string]any{"status": string(domain.RouteSuperseded), "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var existing RouteModel
			if err := tx.First(&existing, "id = ?", oldRouteID).Error; errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrUnknownRoute
			}
			return domain.ErrRouteNotActive
		}
		return tx.Create(&m).Error
	})
	if err != nil {
		return domain.Route{}, err
	}
	return routeToDomain(m)
}

// ConsumeRerouted clears the rerouted flag, reporting whether it was set.
// The flag therefore reads true exactly once per supersede event.
func (r *RouteRepository) ConsumeRerouted(ctx context.Context, routeID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&RouteModel{}).
		Where("id = ? AND rerouted = ?", routeID, true).
		Update("rerouted", false)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *RouteRepository) CreateThreat(ctx context.Context, value domain.ThreatReport) (domain.ThreatReport, error) {
	m := ThreatModel{
		ID:         value.ID,
		Lat:        value.Location.Lat,
		Lng:        value.Location.Lng,
		Category:   string(value.Category),
		Severity:   string(value.Severity),
		ReportedAt: value.ReportedAt,
		ReporterID: value.ReporterID,
		Seq:        value.Seq,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.ThreatReport{}, err
	}
	return threatToDomain(m), nil
}

func (r *RouteRepository) ListThreats(ctx context.Context, since time.Time, limit int) ([]domain.ThreatReport, error) {
	q := r.db.WithContext(ctx).Model(&ThreatModel{})
	if !since.IsZero() {
		q = q.Where("reported_at >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	rows := make([]ThreatModel, 0)
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]domain.ThreatReport, 0, len(rows))
	for _, m := range rows {
		result = append(result, threatToDomain(m))
	}
	return result, nil
}

func (r *RouteRepository) PruneThreats(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("reported_at < ?", olderThan).Delete(&ThreatModel{})
	return res.RowsAffected, res.Error
}

func (r *RouteRepository) CreateFeedback(ctx context.Context, value domain.Feedback) (domain.Feedback, error) {
	m := FeedbackModel{RouteID: value.RouteID, Rating: value.Rating, Comments: value.Comments}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.Feedback{}, err
	}
	return domain.Feedback{ID: m.ID, RouteID: m.RouteID, Rating: m.Rating, Comments: m.Comments, CreatedAt: m.CreatedAt}, nil
}

func (r *RouteRepository) ListFeedbackByRoute(ctx context.Context, routeID string, limit int) ([]domain.Feedback, error) {
	rows := make([]FeedbackModel, 0)
	if err := r.db.WithContext(ctx).Where("route_id = ?", routeID).Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Feedback, 0, len(rows))
	for _, m := range rows {
		result = append(result, domain.Feedback{ID: m.ID, RouteID: m.RouteID, Rating: m.Rating, Comments: m.Comments, CreatedAt: m.CreatedAt})
	}
	return result, nil
}

func (r *RouteRepository) CreateOperator(ctx context.Context, value domain.Operator) (domain.Operator, error) {
	m := OperatorModel{Email: value.Email, PasswordHash: value.PasswordHash}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.Operator{}, err
	}
	return operatorToDomain(m), nil
}

func (r *RouteRepository) CountOperators(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&OperatorModel{}).Count(&count).Error
	return count, err
}

func (r *RouteRepository) GetOperatorByEmail(ctx context.Context, email string) (domain.Operator, error) {
	var m OperatorModel
	if err := r.db.WithContext(ctx).First(&m, "email = ?", strings.ToLower(email)).Error; err != nil {
		return domain.Operator{}, err
	}
	return operatorToDomain(m), nil
}

func (r *RouteRepository) GetOperatorByID(ctx context.Context, id uint) (domain.Operator, error) {
	var m OperatorModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return domain.Operator{}, err
	}
	return operatorToDomain(m), nil
}

func (r *RouteRepository) CreateAPIToken(ctx context.Context, value domain.APIToken) (domain.APIToken, error) {
	m := APITokenModel{OperatorID: value.OperatorID, Name: value.Name, TokenHash: value.TokenHash, ExpiresAt: value.ExpiresAt}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.APIToken{}, err
	}
	return domain.APIToken{ID: m.ID, OperatorID: m.OperatorID, Name: m.Name, TokenHash: m.TokenHash, ExpiresAt: m.ExpiresAt, CreatedAt: m.CreatedAt}, nil
}

func (r *RouteRepository) GetAPITokenByTokenHash(ctx context.Context, tokenHash string) (domain.APIToken, error) {
	var m APITokenModel
	if err := r.db.WithContext(ctx).First(&m, "token_hash = ?", tokenHash).Error; err != nil {
		return domain.APIToken{}, err
	}
	return domain.APIToken{ID: m.ID, OperatorID: m.OperatorID, Name: m.Name, TokenHash: m.TokenHash, ExpiresAt: m.ExpiresAt, CreatedAt: m.CreatedAt}, nil
}

func (r *RouteRepository) DeleteAPITokenByTokenHash(ctx context.Context, tokenHash string) error {
	return r.db.WithContext(ctx).Where("token_hash = ?", tokenHash).Delete(&APITokenModel{}).Error
}

func routeToModel(value domain.Route) (RouteModel, error) {
	pathJSON, err := json.Marshal(value.Path)
	if err != nil {
		return RouteModel{}, fmt.Errorf("encode route path: %w", err)
	}
	return RouteModel{
		ID:                value.ID,
		PathJSON:          string(pathJSON),
		TotalDistance:     value.TotalDistance,
		SafetyScore:       value.SafetyScore,
		TerrainProfile:    value.TerrainProfile,
		Status:            string(value.Status),
		SupersedesRouteID: value.SupersedesRouteID,
		RerouteReason:     value.RerouteReason,
		Rerouted:          value.Rerouted,
		CreatedAt:         value.CreatedAt,
		UpdatedAt:         value.UpdatedAt,
	}, nil
}

func routeToDomain(m RouteModel) (domain.Route, error) {
	var path []domain.Coordinate
	if m.PathJSON != "" {
		if err := json.Unmarshal([]byte(m.PathJSON), &path); err != nil {
			return domain.Route{}, fmt.Errorf("decode route path: %w", err)
		}
	}
	return domain.Route{
		ID:                m.ID,
		Path:              path,
		TotalDistance:     m.TotalDistance,
		SafetyScore:       m.SafetyScore,
		TerrainProfile:    m.TerrainProfile,
		Status:            domain.RouteStatus(m.Status),
		SupersedesRouteID: m.SupersedesRouteID,
		RerouteReason:     m.RerouteReason,
		Rerouted:          m.Rerouted,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func threatToDomain(m ThreatModel) domain.ThreatReport {
	return domain.ThreatReport{
		ID:         m.ID,
		Location:   domain.Coordinate{Lat: m.Lat, Lng: m.Lng},
		Category:   domain.ThreatCategory(m.Category),
		Severity:   domain.Severity(m.Severity),
		ReportedAt: m.ReportedAt,
		ReporterID: m.ReporterID,
		Seq:        m.Seq,
	}
}

func operatorToDomain(m OperatorModel) domain.Operator {
	return domain.Operator{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
