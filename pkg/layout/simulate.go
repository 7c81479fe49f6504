package layout

import (
	"context"
	"math"
	"runtime"

	"github.com/orneryd/icarus/pkg/storage"
)

// Params returns the layout area and ideal edge length k for n nodes.
//
//	area = max(MinArea, sqrt(n) * AreaPerNode)
//	k    = area / sqrt(n)
func Params(n int, cfg *Config) (area, k float64) {
	if n <= 0 {
		return 0, 0
	}
	root := math.Sqrt(float64(n))
	area = math.Max(cfg.MinArea, root*cfg.AreaPerNode)
	return area, area / root
}

// Simulate runs the force-directed kernel and returns the final centers.
//
// start holds the initial center of every body; adjacency[i] lists the
// indices of the neighbours of body i. The input slice is not modified. The
// same input always produces the same output.
//
// Iterations run in chunks of cfg.ChunkSize. Between chunks the context is
// checked and the goroutine yields, so a cancelled run returns ctx.Err()
// within one chunk.
//
// Example:
//
//	start := []storage.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 500, Y: 500}}
//	adjacency := [][]int{{1}, {0}, nil}
//	out, err := layout.Simulate(ctx, start, adjacency, layout.DefaultConfig())
func Simulate(ctx context.Context, start []storage.Point, adjacency [][]int, cfg *Config) ([]storage.Point, error) {
	return simulate(ctx, start, adjacency, cfg, nil)
}

func simulate(ctx context.Context, start []storage.Point, adjacency [][]int, cfg *Config, afterChunk func(done int)) ([]storage.Point, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	pos := make([]storage.Point, len(start))
	copy(pos, start)
	n := len(pos)
	if n < 2 {
		return pos, nil
	}

	area, k := Params(n, cfg)
	s := &sim{
		pos:       pos,
		disp:      make([]storage.Point, n),
		adjacency: adjacency,
		k:         k,
		minDist:   cfg.MinDistance,
	}
	if cfg.GridThreshold > 0 && n >= cfg.GridThreshold {
		s.cell = cfg.GridCellFactor * k
	}

	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = cfg.Iterations
	}
	for done := 0; done < cfg.Iterations; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := done + chunk
		if end > cfg.Iterations {
			end = cfg.Iterations
		}
		for ; done < end; done++ {
			temp := area * (1 - float64(done)/float64(cfg.Iterations)) * cfg.Cooling
			s.step(temp)
		}
		if afterChunk != nil {
			afterChunk(done)
		}
		runtime.Gosched()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pos, nil
}

// sim is the working state of one simulation.
type sim struct {
	pos       []storage.Point
	disp      []storage.Point
	adjacency [][]int
	k         float64
	minDist   float64

	// cell > 0 enables grid repulsion with that cell size
	cell  float64
	cells map[cellKey][]int
}

type cellKey struct{ x, y int }

func (s *sim) step(temp float64) {
	if s.cell > 0 {
		s.buildGrid()
	}

	for i := range s.pos {
		s.disp[i] = storage.Point{}
		if s.cell > 0 {
			s.repelGrid(i)
		} else {
			for j := range s.pos {
				if i != j {
					s.repel(i, j)
				}
			}
		}
	}

	for i, neighbours := range s.adjacency {
		for _, j := range neighbours {
			s.attract(i, j)
		}
	}

	for i := range s.pos {
		d := s.disp[i]
		length := math.Hypot(d.X, d.Y)
		if length > 0 {
			scale := math.Min(length, temp) / length
			s.pos[i].X += d.X * scale
			s.pos[i].Y += d.Y * scale
		}
	}
}

func (s *sim) delta(i, j int) (dx, dy, dist float64) {
	dx = s.pos[i].X - s.pos[j].X
	dy = s.pos[i].Y - s.pos[j].Y
	dist = math.Max(math.Hypot(dx, dy), s.minDist)
	return dx, dy, dist
}

// repel pushes i away from j by k²/dist.
func (s *sim) repel(i, j int) {
	dx, dy, dist := s.delta(i, j)
	force := s.k * s.k / dist
	s.disp[i].X += dx / dist * force
	s.disp[i].Y += dy / dist * force
}

// attract pulls i toward j by dist²/k.
func (s *sim) attract(i, j int) {
	dx, dy, dist := s.delta(i, j)
	force := dist * dist / s.k
	s.disp[i].X -= dx / dist * force
	s.disp[i].Y -= dy / dist * force
}

func (s *sim) key(p storage.Point) cellKey {
	return cellKey{int(math.Floor(p.X / s.cell)), int(math.Floor(p.Y / s.cell))}
}

// buildGrid buckets every body by cell. Bodies are appended in index order
// so the repulsion sum is deterministic.
func (s *sim) buildGrid() {
	if s.cells == nil {
		s.cells = make(map[cellKey][]int)
	}
	clear(s.cells)
	for i, p := range s.pos {
		key := s.key(p)
		s.cells[key] = append(s.cells[key], i)
	}
}

// repelGrid sums repulsion from bodies in the same and adjacent cells only.
func (s *sim) repelGrid(i int) {
	home := s.key(s.pos[i])
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			for _, j := range s.cells[cellKey{home.x + dx, home.y + dy}] {
				if i != j {
					s.repel(i, j)
				}
			}
		}
	}
}

// Center translates pos in place so the center of its bounding box lands
// on target.
func Center(pos []storage.Point, target storage.Point) {
	if len(pos) == 0 {
		return
	}
	minX, maxX := pos[0].X, pos[0].X
	minY, maxY := pos[0].Y, pos[0].Y
	for _, p := range pos[1:] {
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	offX := target.X - (minX+maxX)/2
	offY := target.Y - (minY+maxY)/2
	for i := range pos {
		pos[i].X += offX
		pos[i].Y += offY
	}
}
