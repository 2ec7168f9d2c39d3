package planner

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fortifyvision/saferoute/internal/domain"
	"github.com/fortifyvision/saferoute/internal/geo"
	"github.com/fortifyvision/saferoute/internal/geoindex"
	"github.com/fortifyvision/saferoute/internal/scoring"
)

// Planner runs A* over static graphs with threat-aware dynamic edge costs.
// Topology is fixed per terrain profile; each call scores against one
// frozen threat snapshot, so a pass always sees a consistent view.
type Planner struct {
	graphs          map[string]*Graph
	weights         scoring.Weights
	snapToleranceKm float64
	timeout         time.Duration
}

func New(graphs map[string]*Graph, weights scoring.Weights, snapToleranceKm float64, timeout time.Duration) *Planner {
	return &Planner{
		graphs:          graphs,
		weights:         weights,
		snapToleranceKm: snapToleranceKm,
		timeout:         timeout,
	}
}

// Weights returns the scoring constants the planner was built with.
func (p *Planner) Weights() scoring.Weights { return p.weights }

// PlanRoute finds the minimum-cost path between start and end against the
// given terrain profile and threat snapshot. The returned route is active
// and unpersisted; the caller owns storage and tracking.
func (p *Planner) PlanRoute(ctx context.Context, start, end domain.Coordinate, terrain *geoindex.Terrain, threats *geoindex.Snapshot) (domain.Route, error) {
	if !start.Valid() || !end.Valid() {
		return domain.Route{}, domain.ErrInvalidCoordinate
	}

	now := time.Now().UTC()
	if start == end {
		return domain.Route{
			ID:             uuid.NewString(),
			Path:           []domain.Coordinate{start},
			TotalDistance:  0,
			SafetyScore:    100,
			TerrainProfile: terrain.Name(),
			Status:         domain.RouteActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}, nil
	}

	graph, ok := p.graphs[terrain.Name()]
	if !ok {
		return domain.Route{}, fmt.Errorf("terrain profile %q: %w", terrain.Name(), domain.ErrOutOfCoverageArea)
	}

	startID, startDist := graph.Nearest(start)
	if startID == "" || startDist > p.snapToleranceKm {
		return domain.Route{}, fmt.Errorf("start %w", domain.ErrUnreachableLocation)
	}
	endID, endDist := graph.Nearest(end)
	if endID == "" || endDist > p.snapToleranceKm {
		return domain.Route{}, fmt.Errorf("end %w", domain.ErrUnreachableLocation)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	scorer := scoring.NewScorer(p.weights, threats, terrain)

	nodePath, err := p.search(ctx, graph, scorer, startID, endID)
	if err != nil {
		return domain.Route{}, err
	}

	path := make([]domain.Coordinate, 0, len(nodePath))
	for _, id := range nodePath {
		node, _ := graph.Node(id)
		path = append(path, node.Location)
	}

	totalDistance := 0.0
	segments := make([]scoring.SegmentScore, 0, len(path)-1)
	for i := 0; i < len(path)-1; i++ {
		totalDistance += geo.Haversine(path[i], path[i+1])
		segments = append(segments, scorer.ScoreSegment(path[i], path[i+1]))
	}

	return domain.Route{
		ID:             uuid.NewString(),
		Path:           path,
		TotalDistance:  totalDistance,
		SafetyScore:    scoring.RouteSafetyScore(segments),
		TerrainProfile: terrain.Name(),
		Status:         domain.RouteActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

type searchItem struct {
	nodeID string
	// f is gScore + haversine heuristic to the goal.
	f float64
	// threatAccum breaks f ties: safer frontier first.
	threatAccum float64
	index       int
}

type searchQueue []*searchItem

func (q searchQueue) Len() int { return len(q) }

func (q searchQueue) Less(i, j int) bool {
	if q[i].f != q[j].f {
		return q[i].f < q[j].f
	}
	if q[i].threatAccum != q[j].threatAccum {
		return q[i].threatAccum < q[j].threatAccum
	}
	return q[i].nodeID < q[j].nodeID
}

func (q searchQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *searchQueue) Push(x any) {
	item := x.(*searchItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *searchQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// search is A* with the haversine heuristic. The heuristic underestimates
// every edge cost (cost >= base distance by construction), so the first
// expansion of the goal is optimal.
func (p *Planner) search(ctx context.Context, graph *Graph, scorer *scoring.Scorer, startID, endID string) ([]string, error) {
	goal, _ := graph.Node(endID)

	gScore := map[string]float64{startID: 0}
	threatAccum := map[string]float64{startID: 0}
	cameFrom := make(map[string]string)
	closed := make(map[string]struct{})

	startNode, ok := graph.Node(startID)
	if !ok {
		return nil, domain.ErrNoPathFound
	}

	open := &searchQueue{}
	heap.Init(open)
	heap.Push(open, &searchItem{
		nodeID: startID,
		f:      geo.Haversine(startNode.Location, goal.Location),
	})

	for open.Len() > 0 {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, domain.ErrPlanningTimeout
			}
			return nil, err
		}

		current := heap.Pop(open).(*searchItem)
		if _, done := closed[current.nodeID]; done {
			continue
		}
		closed[current.nodeID] = struct{}{}

		if current.nodeID == endID {
			return reconstruct(cameFrom, endID), nil
		}

		node, _ := graph.Node(current.nodeID)
		for _, edge := range node.Edges {
			if _, done := closed[edge.NeighborID]; done {
				continue
			}
			neighbor, ok := graph.Node(edge.NeighborID)
			if !ok {
				continue
			}

			segment := scorer.ScoreSegment(node.Location, neighbor.Location)
			tentativeG := gScore[current.nodeID] + segment.Cost
			tentativeThreat := threatAccum[current.nodeID] + segment.ThreatPenalty

			best, seen := gScore[edge.NeighborID]
			if seen && tentativeG > best {
				continue
			}
			if seen && tentativeG == best && tentativeThreat >= threatAccum[edge.NeighborID] {
				continue
			}

			gScore[edge.NeighborID] = tentativeG
			threatAccum[edge.NeighborID] = tentativeThreat
			cameFrom[edge.NeighborID] = current.nodeID
			heap.Push(open, &searchItem{
				nodeID:      edge.NeighborID,
				f:           tentativeG + geo.Haversine(neighbor.Location, goal.Location),
				threatAccum: tentativeThreat,
			})
		}
	}

	return nil, domain.ErrNoPathFound
}

func reconstruct(cameFrom map[string]string, endID string) []string {
	path := []string{endID}
	for {
		prev, ok := cameFrom[path[len(path)-1]]
		if !ok {
			break
		}
		path = append(path, prev)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
