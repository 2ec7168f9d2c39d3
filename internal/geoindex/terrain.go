package geoindex

import (
	"fmt"
	"math"

	"github.com/fortifyvision/saferoute/internal/config"
	"github.com/fortifyvision/saferoute/internal/domain"
)

// Terrain answers nearest-cell lookups for one terrain profile. Cells are
// static for the session; only the profile selection varies per route.
type Terrain struct {
	name        string
	bounds      config.Bounds
	def         domain.TerrainCell
	overrides   map[bucketKey]domain.TerrainCell
	cellSizeDeg float64
}

// NewTerrain builds the lookup table for one profile from configuration.
func NewTerrain(name string, profile config.TerrainProfile, cellSizeDeg float64) *Terrain {
	if cellSizeDeg <= 0 {
		cellSizeDeg = 0.01
	}
	t := &Terrain{
		name:   name,
		bounds: profile.Bounds,
		def: domain.TerrainCell{
			ID:                 name + ":default",
			BaseTraversalCost:  profile.Default.BaseTraversalCost,
			VisibilityExposure: profile.Default.VisibilityExposure,
			CoverAvailability:  profile.Default.CoverAvailability,
		},
		overrides:   make(map[bucketKey]domain.TerrainCell, len(profile.Cells)),
		cellSizeDeg: cellSizeDeg,
	}
	for _, cell := range profile.Cells {
		key := t.keyFor(domain.Coordinate{Lat: cell.Lat, Lng: cell.Lng})
		t.overrides[key] = domain.TerrainCell{
			ID:                 fmt.Sprintf("%s:%d,%d", name, key.row, key.col),
			BaseTraversalCost:  cell.BaseTraversalCost,
			VisibilityExposure: cell.VisibilityExposure,
			CoverAvailability:  cell.CoverAvailability,
		}
	}
	return t
}

// Name returns the profile name.
func (t *Terrain) Name() string { return t.name }

// Bounds returns the coverage area of the profile.
func (t *Terrain) Bounds() config.Bounds { return t.bounds }

// DefaultCell returns the fallback cell used when a lookup lands outside
// the coverage area.
func (t *Terrain) DefaultCell() domain.TerrainCell { return t.def }

// TerrainAt returns the cell containing c. Outside the coverage bounds it
// returns ErrOutOfCoverageArea; callers fall back to DefaultCell.
func (t *Terrain) TerrainAt(c domain.Coordinate) (domain.TerrainCell, error) {
	if !c.Valid() {
		return domain.TerrainCell{}, domain.ErrInvalidCoordinate
	}
	if !t.bounds.Contains(c.Lat, c.Lng) {
		return domain.TerrainCell{}, domain.ErrOutOfCoverageArea
	}
	if cell, ok := t.overrides[t.keyFor(c)]; ok {
		return cell, nil
	}
	return t.def, nil
}

func (t *Terrain) keyFor(c domain.Coordinate) bucketKey {
	return bucketKey{
		row: int(math.Floor(c.Lat / t.cellSizeDeg)),
		col: int(math.Floor(c.Lng / t.cellSizeDeg)),
	}
}
