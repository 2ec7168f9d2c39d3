package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortifyvision/saferoute/internal/application"
	"github.com/fortifyvision/saferoute/internal/domain"
)

type contextKey string

const identityKey contextKey = "identity"

type Handler struct {
	service *application.RoutingService
}

func NewRouter(service *application.RoutingService) http.Handler {
	h := &Handler{service: service}
	r := chi.NewRouter()

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", h.handleHealth)
		api.Post("/auth/login", h.handleLogin)
		api.With(h.requireAuth("routing.read")).Get("/auth/whoami", h.handleWhoami)
		api.With(h.requireAuth("routing.read")).Post("/auth/logout", h.handleLogout)

		api.With(h.requireAuth("routing.write")).Post("/routes/calculate", h.handleCalculateRoute)
		api.With(h.requireAuth("routing.read")).Get("/routes", h.handleListRoutes)
		api.With(h.requireAuth("routing.read")).Get("/routes/{routeID}", h.handleGetRoute)
		api.With(h.requireAuth("routing.write")).Post("/routes/{routeID}/position", h.handleUpdatePosition)
		api.With(h.requireAuth("routing.write")).Post("/routes/{routeID}/complete", h.handleCompleteRoute)
		api.With(h.requireAuth("routing.write")).Post("/routes/{routeID}/cancel", h.handleCancelRoute)

		api.With(h.requireAuth("routing.write")).Post("/threats", h.handleIngestThreat)
		api.With(h.requireAuth("routing.read")).Get("/threats", h.handleListThreats)

		api.With(h.requireAuth("routing.write")).Post("/feedback", h.handleRecordFeedback)
		api.With(h.requireAuth("routing.read")).Get("/feedback/{routeID}", h.handleListFeedback)

		api.With(h.requireAuth("routing.read")).Get("/model-info", h.handleModelInfo)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

type loginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	TokenName string `json:"token_name"`
	TTLHours  int    `json:"ttl_hours"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}

	var ttl *time.Duration
	if req.TTLHours > 0 {
		d := time.Duration(req.TTLHours) * time.Hour
		ttl = &d
	}

	op, token, err := h.service.Login(r.Context(), req.Email, req.Password, req.TokenName, ttl)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operator_id": op.ID, "email": op.Email, "token": token})
}

func (h *Handler) handleWhoami(w http.ResponseWriter, r *http.Request) {
	identity, ok := r.Context().Value(identityKey).(domain.Identity)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operator_id": identity.Operator.ID,
		"email":       identity.Operator.Email,
		"permissions": permissionList(identity),
	})
}

func permissionList(identity domain.Identity) []string {
	perms := make([]string, 0, len(identity.Permissions))
	for p := range identity.Permissions {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if err := h.service.Logout(r.Context(), token); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type calculateRouteRequest struct {
	Start       domain.Coordinate `json:"start"`
	End         domain.Coordinate `json:"end"`
	TerrainType string            `json:"terrain_type"`
}

func (h *Handler) handleCalculateRoute(w http.ResponseWriter, r *http.Request) {
	var req calculateRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	route, err := h.service.CalculateRoute(r.Context(), req.Start, req.End, req.TerrainType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (h *Handler) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	status := domain.RouteStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	routes, err := h.service.ListRoutes(r.Context(), status, parseLimit(r, 100))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (h *Handler) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	route, err := h.service.GetRoute(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (h *Handler) handleUpdatePosition(w http.ResponseWriter, r *http.Request) {
	var position domain.Coordinate
	if err := json.NewDecoder(r.Body).Decode(&position); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	if err := h.service.UpdatePosition(r.Context(), chi.URLParam(r, "routeID"), position); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) handleCompleteRoute(w http.ResponseWriter, r *http.Request) {
	route, err := h.service.CompleteRoute(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (h *Handler) handleCancelRoute(w http.ResponseWriter, r *http.Request) {
	route, err := h.service.CancelRoute(r.Context(), chi.URLParam(r, "routeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

type ingestThreatRequest struct {
	Location   domain.Coordinate `json:"location"`
	Type       string            `json:"type"`
	Severity   string            `json:"severity"`
	ReporterID string            `json:"reporter_id"`
}

func (h *Handler) handleIngestThreat(w http.ResponseWriter, r *http.Request) {
	var req ingestThreatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	report, affected, err := h.service.IngestThreat(
		r.Context(),
		req.Location,
		domain.ParseThreatCategory(req.Type),
		domain.Severity(req.Severity),
		req.ReporterID,
	)
	if err != nil {
		writeError(w, err)
		return
	}
	if affected == nil {
		affected = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threat_id":          report.ID,
		"affected_route_ids": affected,
	})
}

func (h *Handler) handleListThreats(w http.ResponseWriter, r *http.Request) {
	threats, err := h.service.ListThreats(r.Context(), parseLimit(r, 200))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, threats)
}

type feedbackRequest struct {
	RouteID  string `json:"route_id"`
	Rating   int    `json:"rating"`
	Comments string `json:"comments"`
}

func (h *Handler) handleRecordFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
		return
	}
	feedback, err := h.service.RecordFeedback(r.Context(), req.RouteID, req.Rating, req.Comments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "feedback_id": feedback.ID})
}

func (h *Handler) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	feedback, err := h.service.ListFeedback(r.Context(), chi.URLParam(r, "routeID"), parseLimit(r, 200))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feedback)
}

func (h *Handler) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ModelInfo())
}

func (h *Handler) requireAuth(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			identity, err := h.service.AuthenticateBearerToken(r.Context(), token)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			if !h.service.Can(identity, permission) {
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
		})
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

func parseLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	limit := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return fallback
		}
		limit = limit*10 + int(c-'0')
	}
	if limit == 0 {
		return fallback
	}
	return limit
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidCoordinate):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownRoute), errors.Is(err, domain.ErrUnknownThreat):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNoPathFound), errors.Is(err, domain.ErrUnreachableLocation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRouteNotActive):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrPlanningTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrOutOfCoverageArea):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
