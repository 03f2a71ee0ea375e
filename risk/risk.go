// Package risk adapts the external bot-reputation subsystem's output
// into a challenge difficulty policy. The engine only ever consumes a
// score and flags through the Scorer interface; how they are computed is
// not this module's concern.
package risk

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/humanproof/config"
)

// ErrRefused indicates the risk signals are bad enough that no challenge
// should be issued at all.
var ErrRefused = errors.New("risk policy refused to issue a challenge")

// Signals is the externally computed bot-likelihood assessment for one
// request.
type Signals struct {
	Score int      `json:"score"` // 0 (human) .. 100 (certain bot)
	Flags []string `json:"flags"`
}

// RequestContext carries the identity material the scorer may consider.
type RequestContext struct {
	APIKeyID        string
	ClientIP        string
	FingerprintHash string
}

// Scorer produces risk signals for a request. Implemented by the
// external bot-detection subsystem; tests use a static stub.
type Scorer interface {
	Score(ctx RequestContext) (Signals, error)
}

// StaticScorer returns fixed signals, useful for tests and for
// deployments without a reputation backend.
type StaticScorer struct {
	Signals Signals
}

// Score returns the configured signals unchanged.
func (s StaticScorer) Score(RequestContext) (Signals, error) {
	return s.Signals, nil
}

// Resolve maps risk signals to a difficulty tier, or ErrRefused when the
// score reaches the configured refusal cutoff or a critical flag is set.
func Resolve(sig Signals, cfg *config.Config) (config.Tier, error) {
	for _, f := range sig.Flags {
		if f == "critical" {
			logrus.WithFields(logrus.Fields{
				"function": "Resolve",
				"score":    sig.Score,
			}).Warn("Refusing challenge: critical risk flag")
			return config.TierCritical, ErrRefused
		}
	}

	switch {
	case sig.Score >= cfg.RefuseScore:
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"score":    sig.Score,
		}).Warn("Refusing challenge: score at refusal cutoff")
		return config.TierCritical, ErrRefused
	case sig.Score >= 70:
		return config.TierHigh, nil
	case sig.Score >= 30:
		return config.TierMedium, nil
	default:
		return config.TierLow, nil
	}
}

// PreferredModality picks the modality for a tier when the caller did
// not request one: the easiest enabled type for low-risk clients, the
// hardest for high-risk ones.
func PreferredModality(tier config.Tier, cfg *config.Config) string {
	// Ordered easiest to hardest.
	order := []string{"grid", "free", "jigsaw", "audio", "gesture", "upsidedown"}

	enabled := make([]string, 0, len(order))
	for _, m := range order {
		if cfg.TypeEnabled(m) {
			enabled = append(enabled, m)
		}
	}
	if len(enabled) == 0 {
		return "grid"
	}

	switch tier {
	case config.TierLow:
		return enabled[0]
	case config.TierMedium:
		return enabled[len(enabled)/2]
	default:
		return enabled[len(enabled)-1]
	}
}
