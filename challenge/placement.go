package challenge

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humanproof/crypto"
)

// placeOnGrid assigns sprites to a secure-random permutation of grid
// cells, jittering each within its cell and clamping to canvas bounds.
func (g *Generator) placeOnGrid(names []string) ([]Sprite, error) {
	cells := g.cfg.GridCells * g.cfg.GridCells
	if len(names) > cells {
		names = names[:cells]
	}

	cellIndices, err := crypto.SecurePick(cells, len(names))
	if err != nil {
		return nil, err
	}

	cellW := float64(g.cfg.CanvasWidth) / float64(g.cfg.GridCells)
	cellH := float64(g.cfg.CanvasHeight) / float64(g.cfg.GridCells)

	sprites := make([]Sprite, len(names))
	for i, name := range names {
		cell := cellIndices[i]
		col := cell % g.cfg.GridCells
		row := cell / g.cfg.GridCells

		// Jitter within the middle half of the cell so neighbours never
		// overlap even at maximum displacement.
		jx, err := crypto.SecureFloat()
		if err != nil {
			return nil, err
		}
		jy, err := crypto.SecureFloat()
		if err != nil {
			return nil, err
		}

		x := float64(col)*cellW + cellW/2 + (jx-0.5)*cellW/2
		y := float64(row)*cellH + cellH/2 + (jy-0.5)*cellH/2

		sprites[i] = Sprite{
			ID:        fmt.Sprintf("sprite-%d", i),
			Name:      name,
			X:         g.clampX(x),
			Y:         g.clampY(y),
			Size:      g.cfg.SpriteSize,
			CellIndex: cell,
		}
	}
	return sprites, nil
}

// placeFreely scatters sprites by rejection sampling: random candidates
// are drawn until one respects the minimum separation from every sprite
// already placed, up to the configured attempt budget. When the budget
// exhausts the last candidate is kept, trading the separation guarantee
// for termination on crowded canvases.
func (g *Generator) placeFreely(names []string) ([]Sprite, error) {
	sprites := make([]Sprite, 0, len(names))

	for i, name := range names {
		var x, y float64
		placed := false

		for attempt := 0; attempt < g.cfg.PlacementAttempts; attempt++ {
			var err error
			x, y, err = g.randomPosition()
			if err != nil {
				return nil, err
			}
			if g.separated(x, y, sprites) {
				placed = true
				break
			}
		}

		if !placed {
			logrus.WithFields(logrus.Fields{
				"function": "placeFreely",
				"sprite":   i,
				"attempts": g.cfg.PlacementAttempts,
			}).Warn("Placement attempts exhausted, keeping best-effort position")
		}

		sprites = append(sprites, Sprite{
			ID:   fmt.Sprintf("sprite-%d", i),
			Name: name,
			X:    x,
			Y:    y,
			Size: g.cfg.SpriteSize,
		})
	}
	return sprites, nil
}

// separated checks the minimum-separation invariant: centers at least
// (sizeA+sizeB)/2 + margin apart.
func (g *Generator) separated(x, y float64, placed []Sprite) bool {
	candidate := Point{X: x, Y: y}
	for _, s := range placed {
		minDist := float64(g.cfg.SpriteSize+s.Size)/2 + g.cfg.MinSeparationMargin
		if candidate.Distance(s.Center()) < minDist {
			return false
		}
	}
	return true
}

// randomPosition draws a uniform canvas position keeping the whole
// sprite inside the bounds.
func (g *Generator) randomPosition() (float64, float64, error) {
	half := float64(g.cfg.SpriteSize) / 2

	fx, err := crypto.SecureFloat()
	if err != nil {
		return 0, 0, err
	}
	fy, err := crypto.SecureFloat()
	if err != nil {
		return 0, 0, err
	}

	x := half + fx*(float64(g.cfg.CanvasWidth)-2*half)
	y := half + fy*(float64(g.cfg.CanvasHeight)-2*half)
	return x, y, nil
}

func (g *Generator) clampX(x float64) float64 {
	half := float64(g.cfg.SpriteSize) / 2
	return clamp(x, half, float64(g.cfg.CanvasWidth)-half)
}

func (g *Generator) clampY(y float64) float64 {
	half := float64(g.cfg.SpriteSize) / 2
	return clamp(y, half, float64(g.cfg.CanvasHeight)-half)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
