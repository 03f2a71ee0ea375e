package challenge

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humanproof/config"
	"github.com/opd-ai/humanproof/crypto"
)

// spriteTemplates is the content pool challenges draw from. Names are
// opaque identifiers the integrating widget maps to its own assets;
// asset management itself is out of scope here.
var spriteTemplates = []string{
	"bear", "cat", "deer", "dog", "duck", "fox",
	"frog", "hare", "lion", "mole", "newt", "owl",
	"pig", "seal", "swan", "wolf",
}

// Generator produces challenges for every supported modality under one
// immutable configuration.
type Generator struct {
	cfg *config.Config
}

// NewGenerator creates a generator for the given configuration.
func NewGenerator(cfg *config.Config) *Generator {
	return &Generator{cfg: cfg}
}

// Generate produces public geometry and a secret answer for the
// requested modality. targetCount bounds how many targets the answer
// asks for; modalities with fixed answer shapes (jigsaw) ignore it.
func (g *Generator) Generate(modality Modality, targetCount int) (*Generated, error) {
	if !modality.Valid() {
		return nil, fmt.Errorf("unsupported challenge type: %q", modality)
	}
	if targetCount < 1 {
		targetCount = 1
	}

	id := uuid.New().String()

	var (
		sprites []Sprite
		answer  *Answer
		err     error
	)

	switch modality {
	case ModalityGrid:
		sprites, answer, err = g.generateSelection(targetCount, true)
	case ModalityFree:
		sprites, answer, err = g.generateSelection(targetCount, false)
	case ModalityUpsideDown:
		sprites, answer, err = g.generateUpsideDown()
	case ModalityAudio:
		sprites, answer, err = g.generateAudioSequence(targetCount)
	case ModalityJigsaw:
		sprites, answer, err = g.generateJigsaw()
	case ModalityGesture:
		sprites, answer, err = g.generateGesture(targetCount)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s challenge: %w", modality, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Generate",
		"challenge_id": id,
		"type":         string(modality),
		"sprites":      len(sprites),
		"targets":      len(answer.Targets),
	}).Debug("Challenge generated")

	return &Generated{
		ID:   id,
		Type: modality,
		Geometry: Geometry{
			CanvasWidth:  g.cfg.CanvasWidth,
			CanvasHeight: g.cfg.CanvasHeight,
			Tolerance:    g.cfg.Tolerance,
			Sprites:      sprites,
		},
		Answer: answer,
	}, nil
}

// generateSelection builds the grid and free-placement set challenges: a
// pool of sprites is placed, a secure-random subset becomes the answer.
func (g *Generator) generateSelection(targetCount int, onGrid bool) ([]Sprite, *Answer, error) {
	names, err := g.spritePool()
	if err != nil {
		return nil, nil, err
	}

	var sprites []Sprite
	if onGrid {
		sprites, err = g.placeOnGrid(names)
	} else {
		sprites, err = g.placeFreely(names)
	}
	if err != nil {
		return nil, nil, err
	}

	if targetCount > len(sprites) {
		targetCount = len(sprites)
	}
	picked, err := crypto.SecurePick(len(sprites), targetCount)
	if err != nil {
		return nil, nil, err
	}

	targets := make([]Target, len(picked))
	for i, idx := range picked {
		s := sprites[idx]
		targets[i] = Target{Name: s.Name, X: s.X, Y: s.Y}
	}
	sortTargets(targets)

	return sprites, &Answer{Ordered: false, Targets: targets}, nil
}

// generateUpsideDown places sprites freely and inverts a configured
// fraction of them; the inverted set is the answer. The orientation
// assignment never appears in public geometry.
func (g *Generator) generateUpsideDown() ([]Sprite, *Answer, error) {
	names, err := g.spritePool()
	if err != nil {
		return nil, nil, err
	}

	sprites, err := g.placeFreely(names)
	if err != nil {
		return nil, nil, err
	}

	invertedCount := int(float64(len(sprites))*g.cfg.InvertedFraction + 0.5)
	if invertedCount < 1 {
		invertedCount = 1
	}
	if invertedCount >= len(sprites) {
		invertedCount = len(sprites) - 1
	}

	picked, err := crypto.SecurePick(len(sprites), invertedCount)
	if err != nil {
		return nil, nil, err
	}

	inverted := make(map[string]bool, len(sprites))
	for _, s := range sprites {
		inverted[s.Name] = false
	}

	targets := make([]Target, 0, invertedCount)
	for _, idx := range picked {
		s := sprites[idx]
		inverted[s.Name] = true
		targets = append(targets, Target{Name: s.Name, X: s.X, Y: s.Y})
	}
	sortTargets(targets)

	return sprites, &Answer{Ordered: false, Targets: targets, Inverted: inverted}, nil
}

// generateAudioSequence places sprites freely and picks an ordered
// subset the solver must click in sequence as the audio names them.
func (g *Generator) generateAudioSequence(targetCount int) ([]Sprite, *Answer, error) {
	names, err := g.spritePool()
	if err != nil {
		return nil, nil, err
	}

	sprites, err := g.placeFreely(names)
	if err != nil {
		return nil, nil, err
	}

	if targetCount > len(sprites) {
		targetCount = len(sprites)
	}
	picked, err := crypto.SecurePick(len(sprites), targetCount)
	if err != nil {
		return nil, nil, err
	}

	// Pick order is the required click order.
	targets := make([]Target, len(picked))
	for i, idx := range picked {
		s := sprites[idx]
		targets[i] = Target{Name: s.Name, X: s.X, Y: s.Y}
	}

	return sprites, &Answer{Ordered: true, Targets: targets}, nil
}

// generateJigsaw reduces to matching a single secret coordinate: the
// slot position the piece must be dropped on.
func (g *Generator) generateJigsaw() ([]Sprite, *Answer, error) {
	x, y, err := g.randomPosition()
	if err != nil {
		return nil, nil, err
	}

	// The piece starts at a random spot far enough from the slot that a
	// no-op submission cannot pass.
	var px, py float64
	for {
		px, py, err = g.randomPosition()
		if err != nil {
			return nil, nil, err
		}
		if (Point{X: px, Y: py}).Distance(Point{X: x, Y: y}) > g.cfg.Tolerance*2 {
			break
		}
	}

	sprites := []Sprite{
		{ID: "piece", Name: "piece", X: px, Y: py, Size: g.cfg.SpriteSize},
	}
	answer := &Answer{
		Ordered: false,
		Targets: []Target{{Name: "slot", X: x, Y: y}},
	}
	return sprites, answer, nil
}

// generateGesture produces an ordered waypoint path the solver must
// trace. Waypoints are placed like free sprites so they stay visually
// distinguishable.
func (g *Generator) generateGesture(waypointCount int) ([]Sprite, *Answer, error) {
	if waypointCount < 2 {
		waypointCount = 2
	}

	names := make([]string, waypointCount)
	for i := range names {
		names[i] = fmt.Sprintf("waypoint-%d", i)
	}

	sprites, err := g.placeFreely(names)
	if err != nil {
		return nil, nil, err
	}

	targets := make([]Target, len(sprites))
	for i, s := range sprites {
		targets[i] = Target{Name: s.Name, X: s.X, Y: s.Y}
	}

	return sprites, &Answer{Ordered: true, Targets: targets}, nil
}

// spritePool returns a secure shuffle of the template list.
func (g *Generator) spritePool() ([]string, error) {
	names := make([]string, len(spriteTemplates))
	copy(names, spriteTemplates)
	if err := crypto.SecureShuffle(names); err != nil {
		return nil, err
	}

	// Grid capacity bounds the pool; free modalities use a smaller set
	// so the canvas stays solvable.
	limit := g.cfg.GridCells * g.cfg.GridCells
	if limit > len(names) {
		limit = len(names)
	}
	if limit < 8 {
		limit = min(8, len(names))
	}
	return names[:limit], nil
}

func sortTargets(targets []Target) {
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Name < targets[j].Name
	})
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
