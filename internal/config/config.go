package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values can be written as "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all user-facing configuration for saferoute.
type Config struct {
	Server   ServerConfig              `toml:"server"`
	DB       DBConfig                  `toml:"db"`
	Scoring  ScoringConfig             `toml:"scoring"`
	Planner  PlannerConfig             `toml:"planner"`
	Monitor  MonitorConfig             `toml:"monitor"`
	Threats  ThreatConfig              `toml:"threats"`
	Profiles map[string]TerrainProfile `toml:"profiles"`
}

type ServerConfig struct {
	Addr      string `toml:"addr"`
	RPCSocket string `toml:"rpc_socket"`
}

type DBConfig struct {
	Path string `toml:"path"`
}

type ScoringConfig struct {
	SeverityLow      float64 `toml:"severity_low"`
	SeverityMedium   float64 `toml:"severity_medium"`
	SeverityHigh     float64 `toml:"severity_high"`
	SafetyMarginKm   float64 `toml:"safety_margin_km"`
	VisibilityWeight float64 `toml:"visibility_weight"`
	CoverWeight      float64 `toml:"cover_weight"`
	K                float64 `toml:"k"`
}

type PlannerConfig struct {
	SnapToleranceKm float64  `toml:"snap_tolerance_km"`
	NodeSpacingDeg  float64  `toml:"node_spacing_deg"`
	Timeout         Duration `toml:"timeout"`
}

type MonitorConfig struct {
	FlapDelta        float64 `toml:"flap_delta"`
	ReplansPerMinute float64 `toml:"replans_per_minute"`
}

type ThreatConfig struct {
	TTL Duration `toml:"ttl"`
}

// TerrainProfile describes one swappable terrain type. The default cell
// applies wherever no override cell matches; Bounds delimit the coverage
// area and the planning graph.
type TerrainProfile struct {
	Bounds  Bounds         `toml:"bounds"`
	Default CellDefaults   `toml:"default"`
	Cells   []CellOverride `toml:"cells"`
}

type Bounds struct {
	MinLat float64 `toml:"min_lat"`
	MaxLat float64 `toml:"max_lat"`
	MinLng float64 `toml:"min_lng"`
	MaxLng float64 `toml:"max_lng"`
}

func (b Bounds) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

type CellDefaults struct {
	BaseTraversalCost  float64 `toml:"base_traversal_cost"`
	VisibilityExposure float64 `toml:"visibility_exposure"`
	CoverAvailability  float64 `toml:"cover_availability"`
}

// CellOverride pins terrain characteristics for the grid cell containing
// the given point.
type CellOverride struct {
	Lat                float64 `toml:"lat"`
	Lng                float64 `toml:"lng"`
	BaseTraversalCost  float64 `toml:"base_traversal_cost"`
	VisibilityExposure float64 `toml:"visibility_exposure"`
	CoverAvailability  float64 `toml:"cover_availability"`
}

// Defaults returns a Config populated with built-in default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", RPCSocket: "/tmp/saferoute.sock"},
		DB:     DBConfig{Path: "saferoute.db"},
		Scoring: ScoringConfig{
			SeverityLow:      1,
			SeverityMedium:   3,
			SeverityHigh:     8,
			SafetyMarginKm:   1.0,
			VisibilityWeight: 0.6,
			CoverWeight:      0.4,
			K:                10,
		},
		Planner: PlannerConfig{
			SnapToleranceKm: 2.0,
			NodeSpacingDeg:  0.01,
			Timeout:         Duration{5 * time.Second},
		},
		Monitor: MonitorConfig{
			FlapDelta:        5,
			ReplansPerMinute: 12,
		},
		Threats: ThreatConfig{TTL: Duration{24 * time.Hour}},
		Profiles: map[string]TerrainProfile{
			"urban": {
				Bounds:  Bounds{MinLat: -1, MaxLat: 1, MinLng: -1, MaxLng: 3},
				Default: CellDefaults{BaseTraversalCost: 1.0, VisibilityExposure: 0.7, CoverAvailability: 0.8},
			},
			"rural": {
				Bounds:  Bounds{MinLat: -1, MaxLat: 1, MinLng: -1, MaxLng: 3},
				Default: CellDefaults{BaseTraversalCost: 1.2, VisibilityExposure: 0.4, CoverAvailability: 0.5},
			},
			"desert": {
				Bounds:  Bounds{MinLat: -1, MaxLat: 1, MinLng: -1, MaxLng: 3},
				Default: CellDefaults{BaseTraversalCost: 1.5, VisibilityExposure: 0.9, CoverAvailability: 0.1},
			},
		},
	}
}

// Load reads a TOML config file. If the file does not exist, built-in
// defaults are returned without error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scoring.SafetyMarginKm <= 0 {
		return fmt.Errorf("scoring.safety_margin_km must be positive")
	}
	if c.Planner.NodeSpacingDeg <= 0 {
		return fmt.Errorf("planner.node_spacing_deg must be positive")
	}
	if c.Planner.Timeout.Duration <= 0 {
		return fmt.Errorf("planner.timeout must be positive")
	}
	if c.Threats.TTL.Duration <= 0 {
		return fmt.Errorf("threats.ttl must be positive")
	}
	for name, profile := range c.Profiles {
		b := profile.Bounds
		if b.MinLat >= b.MaxLat || b.MinLng >= b.MaxLng {
			return fmt.Errorf("profiles.%s.bounds are degenerate", name)
		}
	}
	return nil
}
