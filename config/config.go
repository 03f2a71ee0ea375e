// Package config defines the immutable engine configuration. One Config
// value is resolved per API key and passed explicitly into generator,
// validator and token calls; nothing reads configuration from globals.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Tier selects challenge difficulty based on the consumed risk score.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Config carries every tunable the engine needs. Values are fixed once
// loaded; the engine never mutates a Config.
type Config struct {
	// ChallengeTimeout bounds how long a generated challenge may be
	// solved.
	ChallengeTimeout time.Duration `toml:"-"`
	// TokenExpiry bounds how long a verification token may be redeemed.
	TokenExpiry time.Duration `toml:"-"`
	// Grace extends both lifetimes to absorb clock and network skew.
	Grace time.Duration `toml:"-"`
	// CleanupInterval is the sweep period for the background scheduler.
	CleanupInterval time.Duration `toml:"-"`
	// SweepBuffer keeps expired records a little longer than
	// expiry+grace so late replays still hit their used markers.
	SweepBuffer time.Duration `toml:"-"`

	// Tolerance is the pixel radius within which a submitted point
	// matches a target.
	Tolerance float64 `toml:"tolerance"`
	// CanvasWidth and CanvasHeight bound sprite placement.
	CanvasWidth  int `toml:"canvas_width"`
	CanvasHeight int `toml:"canvas_height"`
	// SpriteSize is the rendered edge length of one sprite.
	SpriteSize int `toml:"sprite_size"`
	// MinSeparationMargin is added to the radii sum when checking the
	// minimum distance between two sprite centers.
	MinSeparationMargin float64 `toml:"min_separation_margin"`
	// PlacementAttempts bounds rejection sampling for free placement.
	PlacementAttempts int `toml:"placement_attempts"`
	// InvertedFraction is the share of sprites flipped upside-down in
	// orientation challenges.
	InvertedFraction float64 `toml:"inverted_fraction"`
	// GridCells is the edge count of the slot grid (GridCells^2 slots).
	GridCells int `toml:"grid_cells"`

	// EnabledTypes lists the challenge modalities this API key may
	// issue. Empty means all.
	EnabledTypes []string `toml:"enabled_types"`
	// TargetCounts maps difficulty tier to how many targets a challenge
	// asks for.
	TargetCounts map[Tier]int `toml:"-"`
	// RefuseScore is the risk score at or above which no challenge is
	// issued at all.
	RefuseScore int `toml:"refuse_score"`
}

// fileDurations holds the millisecond fields as they appear in TOML.
type fileDurations struct {
	ChallengeTimeoutMs int64 `toml:"challenge_timeout_ms"`
	TokenExpiryMs      int64 `toml:"token_expiry_ms"`
	GraceMs            int64 `toml:"grace_ms"`
	CleanupIntervalMs  int64 `toml:"cleanup_interval_ms"`
	SweepBufferMs      int64 `toml:"sweep_buffer_ms"`
}

// Default returns the engine defaults: 60s challenge timeout, 5m token
// expiry, 5s grace, 60s cleanup interval, 50px tolerance, 40% inverted.
func Default() *Config {
	return &Config{
		ChallengeTimeout:    60 * time.Second,
		TokenExpiry:         5 * time.Minute,
		Grace:               5 * time.Second,
		CleanupInterval:     60 * time.Second,
		SweepBuffer:         30 * time.Second,
		Tolerance:           50,
		CanvasWidth:         800,
		CanvasHeight:        600,
		SpriteSize:          64,
		MinSeparationMargin: 10,
		PlacementAttempts:   100,
		InvertedFraction:    0.40,
		GridCells:           4,
		EnabledTypes:        nil,
		TargetCounts: map[Tier]int{
			TierLow:    3,
			TierMedium: 4,
			TierHigh:   5,
		},
		RefuseScore: 95,
	}
}

// Load reads a TOML config file, applying defaults for absent fields.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file struct {
		fileDurations
		Tolerance           *float64 `toml:"tolerance"`
		CanvasWidth         *int     `toml:"canvas_width"`
		CanvasHeight        *int     `toml:"canvas_height"`
		SpriteSize          *int     `toml:"sprite_size"`
		MinSeparationMargin *float64 `toml:"min_separation_margin"`
		PlacementAttempts   *int     `toml:"placement_attempts"`
		InvertedFraction    *float64 `toml:"inverted_fraction"`
		GridCells           *int     `toml:"grid_cells"`
		EnabledTypes        []string `toml:"enabled_types"`
		RefuseScore         *int     `toml:"refuse_score"`
	}
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if file.ChallengeTimeoutMs > 0 {
		cfg.ChallengeTimeout = time.Duration(file.ChallengeTimeoutMs) * time.Millisecond
	}
	if file.TokenExpiryMs > 0 {
		cfg.TokenExpiry = time.Duration(file.TokenExpiryMs) * time.Millisecond
	}
	if file.GraceMs > 0 {
		cfg.Grace = time.Duration(file.GraceMs) * time.Millisecond
	}
	if file.CleanupIntervalMs > 0 {
		cfg.CleanupInterval = time.Duration(file.CleanupIntervalMs) * time.Millisecond
	}
	if file.SweepBufferMs > 0 {
		cfg.SweepBuffer = time.Duration(file.SweepBufferMs) * time.Millisecond
	}
	if file.Tolerance != nil {
		cfg.Tolerance = *file.Tolerance
	}
	if file.CanvasWidth != nil {
		cfg.CanvasWidth = *file.CanvasWidth
	}
	if file.CanvasHeight != nil {
		cfg.CanvasHeight = *file.CanvasHeight
	}
	if file.SpriteSize != nil {
		cfg.SpriteSize = *file.SpriteSize
	}
	if file.MinSeparationMargin != nil {
		cfg.MinSeparationMargin = *file.MinSeparationMargin
	}
	if file.PlacementAttempts != nil {
		cfg.PlacementAttempts = *file.PlacementAttempts
	}
	if file.InvertedFraction != nil {
		cfg.InvertedFraction = *file.InvertedFraction
	}
	if file.GridCells != nil {
		cfg.GridCells = *file.GridCells
	}
	if len(file.EnabledTypes) > 0 {
		cfg.EnabledTypes = file.EnabledTypes
	}
	if file.RefuseScore != nil {
		cfg.RefuseScore = *file.RefuseScore
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.ChallengeTimeout <= 0 {
		return fmt.Errorf("challenge timeout must be positive")
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("token expiry must be positive")
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("tolerance must be positive")
	}
	if c.InvertedFraction <= 0 || c.InvertedFraction >= 1 {
		return fmt.Errorf("inverted fraction must be in (0, 1)")
	}
	if c.GridCells < 2 {
		return fmt.Errorf("grid must have at least 2x2 cells")
	}
	if c.RefuseScore < 1 || c.RefuseScore > 100 {
		return fmt.Errorf("refuse score must be in [1, 100]")
	}
	return nil
}

// TypeEnabled reports whether a modality may be issued under this
// configuration.
func (c *Config) TypeEnabled(name string) bool {
	if len(c.EnabledTypes) == 0 {
		return true
	}
	for _, t := range c.EnabledTypes {
		if t == name {
			return true
		}
	}
	return false
}

// TargetCount returns how many targets a challenge at the given tier
// asks for, defaulting to the medium count.
func (c *Config) TargetCount(tier Tier) int {
	if n, ok := c.TargetCounts[tier]; ok {
		return n
	}
	return c.TargetCounts[TierMedium]
}
