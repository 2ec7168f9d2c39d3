package rpcjson

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fortifyvision/saferoute/internal/application"
	"github.com/fortifyvision/saferoute/internal/domain"
)

// Server exposes routing operations over JSON-RPC 2.0 on a unix socket,
// for local operator tooling that bypasses HTTP.
type Server struct {
	service  *application.RoutingService
	listener net.Listener
	path     string
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func Start(path string, service *application.RoutingService) (*Server, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rpc socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, err
	}

	s := &Server{service: service, listener: ln, path: path}
	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			_ = enc.Encode(response{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}, ID: nil})
			return
		}

		resp := s.dispatch(context.Background(), req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32600, Message: "invalid request"}, ID: req.ID}
	}

	switch req.Method {
	case "auth.login":
		return s.handleAuthLogin(ctx, req)
	case "auth.whoami":
		return s.handleAuthWhoami(ctx, req)
	case "routes.calculate":
		return s.handleRoutesCalculate(ctx, req)
	case "routes.get":
		return s.handleRoutesGet(ctx, req)
	case "routes.list":
		return s.handleRoutesList(ctx, req)
	case "routes.complete":
		return s.handleRouteTransition(ctx, req, s.service.CompleteRoute)
	case "routes.cancel":
		return s.handleRouteTransition(ctx, req, s.service.CancelRoute)
	case "threats.add":
		return s.handleThreatsAdd(ctx, req)
	case "threats.list":
		return s.handleThreatsList(ctx, req)
	case "feedback.add":
		return s.handleFeedbackAdd(ctx, req)
	case "feedback.list":
		return s.handleFeedbackList(ctx, req)
	case "model.info":
		if _, resp, ok := s.authz(ctx, req, "routing.read"); !ok {
			return resp
		}
		return result(req, s.service.ModelInfo())
	}
	return response{JSONRPC: "2.0", Error: &rpcError{Code: -32601, Message: "method not found"}, ID: req.ID}
}

type authedParams struct {
	Token string `json:"token"`
}

func (s *Server) authz(ctx context.Context, req request, permission string) (domain.Identity, response, bool) {
	var params authedParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	identity, err := s.service.AuthenticateBearerToken(ctx, params.Token)
	if err != nil {
		return domain.Identity{}, response{JSONRPC: "2.0", Error: &rpcError{Code: -32001, Message: "unauthorized"}, ID: req.ID}, false
	}
	if permission != "" && !s.service.Can(identity, permission) {
		return domain.Identity{}, response{JSONRPC: "2.0", Error: &rpcError{Code: -32002, Message: "forbidden"}, ID: req.ID}, false
	}
	return identity, response{}, true
}

func (s *Server) handleAuthLogin(ctx context.Context, req request) response {
	var params struct {
		Email     string `json:"email"`
		Password  string `json:"password"`
		TokenName string `json:"token_name"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	op, token, err := s.service.Login(ctx, params.Email, params.Password, params.TokenName, nil)
	if err != nil {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: -32001, Message: "invalid credentials"}, ID: req.ID}
	}
	return result(req, map[string]any{"operator_id": op.ID, "email": op.Email, "token": token})
}

func (s *Server) handleAuthWhoami(ctx context.Context, req request) response {
	identity, resp, ok := s.authz(ctx, req, "")
	if !ok {
		return resp
	}
	perms := make([]string, 0, len(identity.Permissions))
	for p := range identity.Permissions {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return result(req, map[string]any{
		"operator_id": identity.Operator.ID,
		"email":       identity.Operator.Email,
		"permissions": perms,
	})
}

func (s *Server) handleRouteTransition(ctx context.Context, req request, transition func(context.Context, string) (domain.Route, error)) response {
	if _, resp, ok := s.authz(ctx, req, "routing.write"); !ok {
		return resp
	}
	var params struct {
		authedParams
		RouteID string `json:"route_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	route, err := transition(ctx, params.RouteID)
	if err != nil {
		return serviceError(req, err)
	}
	return result(req, route)
}

func (s *Server) handleRoutesCalculate(ctx context.Context, req request) response {
	if _, resp, ok := s.authz(ctx, req, "routing.write"); !ok {
		return resp
	}
	var params struct {
		authedParams
		Start       domain.Coordinate `json:"start"`
		End         domain.Coordinate `json:"end"`
		TerrainType string            `json:"terrain_type"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	route, err := s.service.CalculateRoute(ctx, params.Start, params.End, params.TerrainType)
	if err != nil {
		return serviceError(req, err)
	}
	return result(req, route)
}

func (s *Server) handleRoutesGet(ctx context.Context, req request) response {
	if _, resp, ok := s.authz(ctx, req, "routing.read"); !ok {
		return resp
	}
	var params struct {
		authedParams
		RouteID string `json:"route_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	route, err := s.service.GetRoute(ctx, params.RouteID)
	if err != nil {
		return serviceError(req, err)
	}
	return result(req, route)
}

func (s *Server) handleRoutesList(ctx context.Context, req request) response {
	if _, resp, ok := s.authz(ctx, req, "routing.read"); !ok {
		return resp
	}
	var params struct {
		authedParams
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return invalidParams(req)
		}
	}
	routes, err := s.service.ListRoutes(ctx, domain.RouteStatus(params.Status), params.Limit)
	if err != nil {
		return serviceError(req, err)
	}
	return result(req, routes)
}

func (s *Server) handleThreatsAdd(ctx context.Context, req request) response {
	if _, resp, ok := s.authz(ctx, req, "routing.write"); !ok {
		return resp
	}
	var params struct {
		authedParams
		Location   domain.Coordinate `json:"location"`
		Type       string            `json:"type"`
		Severity   string            `json:"severity"`
		ReporterID string            `json:"reporter_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	report, affected, err := s.service.IngestThreat(ctx, params.Location, domain.ParseThreatCategory(params.Type), domain.Severity(params.Severity), params.ReporterID)
	if err != nil {
		return serviceError(req, err)
	}
	if affected == nil {
		affected = []string{}
	}
	return result(req, map[string]any{"threat_id": report.ID, "affected_route_ids": affected})
}

func (s *Server) handleThreatsList(ctx context.Context, req request) response {
	if _, resp, ok := s.authz(ctx, req, "routing.read"); !ok {
		return resp
	}
	var params struct {
		authedParams
		Limit int `json:"limit"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return invalidParams(req)
		}
	}
	threats, err := s.service.ListThreats(ctx, params.Limit)
	if err != nil {
		return serviceError(req, err)
	}
	return result(req, threats)
}

func (s *Server) handleFeedbackAdd(ctx context.Context, req request) response {
	if _, resp, ok := s.authz(ctx, req, "routing.write"); !ok {
		return resp
	}
	var params struct {
		authedParams
		RouteID  string `json:"route_id"`
		Rating   int    `json:"rating"`
		Comments string `json:"comments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	feedback, err := s.service.RecordFeedback(ctx, params.RouteID, params.Rating, params.Comments)
	if err != nil {
		return serviceError(req, err)
	}
	return result(req, map[string]any{"ok": true, "feedback_id": feedback.ID})
}

func (s *Server) handleFeedbackList(ctx context.Context, req request) response {
	if _, resp, ok := s.authz(ctx, req, "routing.read"); !ok {
		return resp
	}
	var params struct {
		authedParams
		RouteID string `json:"route_id"`
		Limit   int    `json:"limit"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return invalidParams(req)
	}
	feedback, err := s.service.ListFeedback(ctx, params.RouteID, params.Limit)
	if err != nil {
		return serviceError(req, err)
	}
	return result(req, feedback)
}

func result(req request, payload any) response {
	return response{JSONRPC: "2.0", Result: payload, ID: req.ID}
}

func invalidParams(req request) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: -32602, Message: "invalid params"}, ID: req.ID}
}

func serviceError(req request, err error) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: -32000, Message: err.Error()}, ID: req.ID}
}
