// Package challenge implements multi-modal challenge generation and
// validation for the humanproof engine.
//
// A generated challenge has two halves: public geometry (sprite
// positions, canvas size, tolerance) shown to the solver, and a secret
// answer the validator matches submissions against. All randomness used
// during generation, including shuffles, index sampling and placement
// jitter, is drawn from crypto/rand.
package challenge

import (
	"math"
	"time"

	"github.com/opd-ai/humanproof/crypto"
)

// Modality identifies one supported challenge type.
type Modality string

const (
	// ModalityGrid asks the solver to click a subset of sprites laid
	// out on a slot grid.
	ModalityGrid Modality = "grid"
	// ModalityFree is like grid but sprites are freely placed on the
	// canvas with a minimum separation.
	ModalityFree Modality = "free"
	// ModalityUpsideDown asks the solver to identify every inverted
	// sprite. Its answer (the orientation assignment) is
	// security-critical and only ever travels encrypted.
	ModalityUpsideDown Modality = "upsidedown"
	// ModalityAudio asks the solver to click sprites in the order an
	// audio sequence names them.
	ModalityAudio Modality = "audio"
	// ModalityJigsaw asks the solver to drop a piece onto its slot.
	ModalityJigsaw Modality = "jigsaw"
	// ModalityGesture asks the solver to trace a path through ordered
	// waypoints.
	ModalityGesture Modality = "gesture"
)

// Modalities lists every supported challenge type.
var Modalities = []Modality{
	ModalityGrid, ModalityFree, ModalityUpsideDown,
	ModalityAudio, ModalityJigsaw, ModalityGesture,
}

// Valid reports whether m names a supported modality.
func (m Modality) Valid() bool {
	for _, known := range Modalities {
		if m == known {
			return true
		}
	}
	return false
}

// Ordered reports whether the modality's answer is an ordered sequence.
func (m Modality) Ordered() bool {
	return m == ModalityAudio || m == ModalityGesture
}

// Point is a coordinate on the challenge canvas.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance to another point.
func (p Point) Distance(other Point) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Sprite is one placed content item in the public geometry. For the
// upside-down modality the orientation assignment is withheld from this
// struct; it travels only inside the encrypted answer.
type Sprite struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Size      int     `json:"size"`
	CellIndex int     `json:"cellIndex,omitempty"`
}

// Center returns the sprite's center point.
func (s Sprite) Center() Point {
	return Point{X: s.X, Y: s.Y}
}

// Geometry is the public, non-secret layout handed to the solver.
type Geometry struct {
	CanvasWidth  int      `json:"canvasWidth"`
	CanvasHeight int      `json:"canvasHeight"`
	Tolerance    float64  `json:"tolerance"`
	Sprites      []Sprite `json:"sprites"`
}

// Target is one element of the secret answer: a named canvas position
// the solver must hit.
type Target struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Point returns the target's position.
func (t Target) Point() Point {
	return Point{X: t.X, Y: t.Y}
}

// Answer is the canonical secret answer for one challenge. For
// unordered modalities Targets is sorted by name; for ordered ones the
// slice order is the required click order. Inverted carries the
// orientation assignment for upside-down challenges (sprite name to
// flipped flag) so the client widget can render it after decryption.
type Answer struct {
	Ordered  bool            `json:"ordered"`
	Targets  []Target        `json:"targets"`
	Inverted map[string]bool `json:"inverted,omitempty"`
}

// TargetNames returns the answer's names in canonical order.
func (a *Answer) TargetNames() []string {
	names := make([]string, len(a.Targets))
	for i, t := range a.Targets {
		names[i] = t.Name
	}
	return names
}

// Generated bundles everything one generation run produces.
type Generated struct {
	ID       string
	Type     Modality
	Geometry Geometry
	Answer   *Answer
}

// Record is the stored form of an issued challenge. The answer is held
// encrypted under the challenge's derived key whenever the owning
// identity has a session; the plaintext field is populated only for the
// first-contact fallback.
type Record struct {
	ID              string
	Type            Modality
	APIKeyID        string
	SessionID       string
	Domain          string
	Geometry        Geometry
	EncryptedAnswer *crypto.EncryptedPayload
	PlainAnswer     *Answer
	RiskScore       int
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the challenge's solve window, extended by
// grace, has elapsed at now.
func (r *Record) Expired(now time.Time, grace time.Duration) bool {
	return now.After(r.ExpiresAt.Add(grace))
}
