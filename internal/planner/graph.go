package planner

import (
	"fmt"
	"math"
	"sort"

	"github.com/fortifyvision/saferoute/internal/config"
	"github.com/fortifyvision/saferoute/internal/domain"
	"github.com/fortifyvision/saferoute/internal/geo"
)

// Graph is the static waypoint topology searched by the planner. Node ids
// sort lexicographically, which backs the deterministic tie-break.
type Graph struct {
	nodes map[string]domain.GraphNode
	ids   []string
}

// BuildGrid discretizes the bounded area into a lattice of waypoints with
// 8-directional adjacency, matching the movement model of the routing
// engine. Edge base distances are haversine kilometers.
func BuildGrid(bounds config.Bounds, spacingDeg float64) *Graph {
	rows := int(math.Floor((bounds.MaxLat-bounds.MinLat)/spacingDeg)) + 1
	cols := int(math.Floor((bounds.MaxLng-bounds.MinLng)/spacingDeg)) + 1

	directions := [8][2]int{
		{0, 1}, {1, 0}, {0, -1}, {-1, 0},
		{1, 1}, {1, -1}, {-1, 1}, {-1, -1},
	}

	nodes := make(map[string]domain.GraphNode, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			id := gridID(r, c)
			loc := domain.Coordinate{
				Lat: bounds.MinLat + float64(r)*spacingDeg,
				Lng: bounds.MinLng + float64(c)*spacingDeg,
			}
			edges := make([]domain.GraphEdge, 0, 8)
			for _, d := range directions {
				nr, nc := r+d[0], c+d[1]
				if nr < 0 || nr >= rows || nc < 0 || nc >= cols {
					continue
				}
				neighbor := domain.Coordinate{
					Lat: bounds.MinLat + float64(nr)*spacingDeg,
					Lng: bounds.MinLng + float64(nc)*spacingDeg,
				}
				edges = append(edges, domain.GraphEdge{
					NeighborID:   gridID(nr, nc),
					BaseDistance: geo.Haversine(loc, neighbor),
				})
			}
			nodes[id] = domain.GraphNode{ID: id, Location: loc, Edges: edges}
		}
	}
	return NewGraph(nodes)
}

// NewGraph wraps an explicit node set, e.g. one assembled in tests.
func NewGraph(nodes map[string]domain.GraphNode) *Graph {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Graph{nodes: nodes, ids: ids}
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (domain.GraphNode, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.ids) }

// Nearest returns the id of the node closest to c and its distance in
// kilometers. Ids are scanned in sorted order so equal distances resolve
// deterministically.
func (g *Graph) Nearest(c domain.Coordinate) (string, float64) {
	bestID := ""
	bestDist := math.Inf(1)
	for _, id := range g.ids {
		if d := geo.Haversine(c, g.nodes[id].Location); d < bestDist {
			bestID = id
			bestDist = d
		}
	}
	return bestID, bestDist
}

func gridID(row, col int) string {
	return fmt.Sprintf("n%04d-%04d", row, col)
}
