package domain

import "time"

type ThreatCategory string

const (
	ThreatHostileContact ThreatCategory = "hostile-contact"
	ThreatHazard         ThreatCategory = "hazard"
	ThreatObstruction    ThreatCategory = "obstruction"
	ThreatUnknown        ThreatCategory = "unknown"
)

func ParseThreatCategory(value string) ThreatCategory {
	switch ThreatCategory(value) {
	case ThreatHostileContact, ThreatHazard, ThreatObstruction:
		return ThreatCategory(value)
	}
	return ThreatUnknown
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AtLeast reports whether s is as severe as other under low < medium < high.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

func (s Severity) Known() bool { return s.rank() > 0 }

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate is inside the WGS84 range.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type ThreatReport struct {
	ID         string         `json:"id"`
	Location   Coordinate     `json:"location"`
	Category   ThreatCategory `json:"category"`
	Severity   Severity       `json:"severity"`
	ReportedAt time.Time      `json:"reported_at"`
	ReporterID string         `json:"reporter_id"`
	// Seq is the monotonic ingestion sequence number assigned by the geo
	// index. Replan ordering per route is decided by it.
	Seq uint64 `json:"-"`
}

// Expired reports whether the threat is past its time-to-live at now.
func (t ThreatReport) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(t.ReportedAt) > ttl
}

// TerrainCell carries the static traversal characteristics of one grid cell.
// Cells are loaded at startup from a terrain profile and never mutated.
type TerrainCell struct {
	ID                 string  `json:"id"`
	BaseTraversalCost  float64 `json:"base_traversal_cost"`
	VisibilityExposure float64 `json:"visibility_exposure"`
	CoverAvailability  float64 `json:"cover_availability"`
}

// GraphEdge is one adjacency entry of a GraphNode. BaseDistance is in
// kilometers; dynamic edge cost is derived per scoring pass, never stored.
type GraphEdge struct {
	NeighborID   string
	BaseDistance float64
}

type GraphNode struct {
	ID       string
	Location Coordinate
	Edges    []GraphEdge
}

type RouteStatus string

const (
	RouteActive     RouteStatus = "active"
	RouteSuperseded RouteStatus = "superseded"
	RouteCompleted  RouteStatus = "completed"
	RouteCancelled  RouteStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RouteStatus) Terminal() bool {
	return s == RouteSuperseded || s == RouteCompleted || s == RouteCancelled
}

type Route struct {
	ID                string       `json:"id"`
	Path              []Coordinate `json:"path"`
	TotalDistance     float64      `json:"total_distance"`
	SafetyScore       float64      `json:"safety_score"`
	TerrainProfile    string       `json:"terrain_profile"`
	Status            RouteStatus  `json:"status"`
	SupersedesRouteID string       `json:"supersedes_route_id,omitempty"`
	RerouteReason     string       `json:"reroute_reason,omitempty"`
	Rerouted          bool         `json:"rerouted"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Start returns the first coordinate of the path, or the zero value when the
// path is empty.
func (r Route) Start() Coordinate {
	if len(r.Path) == 0 {
		return Coordinate{}
	}
	return r.Path[0]
}

// End returns the last coordinate of the path.
func (r Route) End() Coordinate {
	if len(r.Path) == 0 {
		return Coordinate{}
	}
	return r.Path[len(r.Path)-1]
}

type Feedback struct {
	ID        uint      `json:"id"`
	RouteID   string    `json:"route_id"`
	Rating    int       `json:"rating"`
	Comments  string    `json:"comments"`
	CreatedAt time.Time `json:"created_at"`
}

type Operator struct {
	ID           uint
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type APIToken struct {
	ID         uint
	OperatorID uint
	Name       string
	TokenHash  string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

type Identity struct {
	Operator    Operator
	Permissions map[string]struct{}
}
