package main

import (
	"context"
	"strconv"

	"github.com/fortifyvision/saferoute/internal/domain"
)

func doLogin(ctx context.Context, cfg cliConfig, email, password, tokenName string, out any) error {
	c := newClient(cfg)
	payload := map[string]any{"email": email, "password": password, "token_name": tokenName}
	if c.uds() {
		return c.rpc(ctx, "auth.login", payload, out)
	}
	return c.post(ctx, "/api/auth/login", payload, out)
}

func doLogout(ctx context.Context, cfg cliConfig) error {
	c := newClient(cfg)
	if c.uds() {
		// Socket access implies local trust; only the stored token is
		// cleared.
		return nil
	}
	return c.post(ctx, "/api/auth/logout", nil, nil)
}

func doWhoami(ctx context.Context, cfg cliConfig, out any) error {
	c := newClient(cfg)
	if c.uds() {
		return c.rpc(ctx, "auth.whoami", nil, out)
	}
	return c.get(ctx, "/api/auth/whoami", out)
}

func doRoutesCalculate(ctx context.Context, cfg cliConfig, start, end domain.Coordinate, terrain string, out any) error {
	c := newClient(cfg)
	payload := map[string]any{"start": start, "end": end, "terrain_type": terrain}
	if c.uds() {
		return c.rpc(ctx, "routes.calculate", payload, out)
	}
	return c.post(ctx, "/api/routes/calculate", payload, out)
}

func doRoutesGet(ctx context.Context, cfg cliConfig, routeID string, out any) error {
	c := newClient(cfg)
	if c.uds() {
		return c.rpc(ctx, "routes.get", map[string]any{"route_id": routeID}, out)
	}
	return c.get(ctx, "/api/routes/"+routeID, out)
}

func doRoutesList(ctx context.Context, cfg cliConfig, status string, limit int, out any) error {
	c := newClient(cfg)
	if c.uds() {
		return c.rpc(ctx, "routes.list", map[string]any{"status": status, "limit": limit}, out)
	}
	path := "/api/routes?limit=" + strconv.Itoa(limit)
	if status != "" {
		path += "&status=" + status
	}
	return c.get(ctx, path, out)
}

func doRoutesComplete(ctx context.Context, cfg cliConfig, routeID string, out any) error {
	c := newClient(cfg)
	if c.uds() {
		return c.rpc(ctx, "routes.complete", map[string]any{"route_id": routeID}, out)
	}
	return c.post(ctx, "/api/routes/"+routeID+"/complete", nil, out)
}

func doRoutesCancel(ctx context.Context, cfg cliConfig, routeID string, out any) error {
	c := newClient(cfg)
	if c.uds() {
		return c.rpc(ctx, "routes.cancel", map[string]any{"route_id": routeID}, out)
	}
	return c.post(ctx, "/api/routes/"+routeID+"/cancel", nil, out)
}

func doThreatsAdd(ctx context.Context, cfg cliConfig, location domain.Coordinate, threatType, severity, reporterID string, out any) error {
	c := newClient(cfg)
	payload := map[string]any{
		"location":    location,
		"type":        threatType,
		"severity":    severity,
		"reporter_id": reporterID,
	}
	if c.uds() {
		return c.rpc(ctx, "threats.add", payload, out)
	}
	return c.post(ctx, "/api/threats", payload, out)
}

func doThreatsList(ctx context.Context, cfg cliConfig, limit int, out any) error {
	c := newClient(cfg)
	if c.uds() {
		return c.rpc(ctx, "threats.list", map[string]any{"limit": limit}, out)
	}
	return c.get(ctx, "/api/threats?limit="+strconv.Itoa(limit), out)
}

func doFeedbackAdd(ctx context.Context, cfg cliConfig, routeID string, rating int, comments string, out any) error {
	c := newClient(cfg)
	payload := map[string]any{"route_id": routeID, "rating": rating, "comments": comments}
	if c.uds() {
		return c.rpc(ctx, "feedback.add", payload, out)
	}
	return c.post(ctx, "/api/feedback", payload, out)
}

func doFeedbackList(ctx context.Context, cfg cliConfig, routeID string, limit int, out any) error {
	c := newClient(cfg)
	if c.uds() {
		return c.rpc(ctx, "feedback.list", map[string]any{"route_id": routeID, "limit": limit}, out)
	}
	return c.get(ctx, "/api/feedback/"+routeID+"?limit="+strconv.Itoa(limit), out)
}

func doModelInfo(ctx context.Context, cfg cliConfig, out any) error {
	c := newClient(cfg)
	if c.uds() {
		return c.rpc(ctx, "model.info", nil, out)
	}
	return c.get(ctx, "/api/model-info", out)
}
