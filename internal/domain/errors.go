package domain

import "errors"

var (
	ErrInvalidCoordinate   = errors.New("invalid coordinate")
	ErrUnreachableLocation = errors.New("no graph node within snap tolerance")
	ErrNoPathFound         = errors.New("no path found")
	ErrOutOfCoverageArea   = errors.New("no terrain data for region")
	ErrPlanningTimeout     = errors.New("planning deadline exceeded")
	ErrUnknownRoute        = errors.New("unknown route")
	ErrUnknownThreat       = errors.New("unknown threat")
	ErrRouteNotActive      = errors.New("route is not active")
)
