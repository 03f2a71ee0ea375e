package challenge

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Reason codes for validation failures. The engine redacts the detailed
// fields before anything crosses the public boundary; reasons themselves
// are safe to surface.
const (
	ReasonTooFew     = "too_few_selections"
	ReasonTooMany    = "too_many_selections"
	ReasonMissed     = "missed_targets"
	ReasonExtra      = "incorrect_selections"
	ReasonWrongOrder = "wrong_order"
)

// Result carries the outcome of one validation attempt. The diagnostic
// fields (missed target names, the failing sequence index) are for
// internal telemetry only.
type Result struct {
	Valid  bool
	Reason string

	// Set-matching diagnostics.
	MissedTargets []string
	ExtraPoints   []int

	// Ordered-matching diagnostics.
	FailIndex    int
	ExpectedName string
}

// Validate matches a submission against a challenge answer. Unordered
// answers use greedy set matching; ordered answers use index-aligned
// comparison. The tolerance is the same fixed pixel radius for every
// coordinate comparison in the challenge.
func Validate(answer *Answer, points []Point, tolerance float64) *Result {
	if answer.Ordered {
		return validateOrdered(answer, points, tolerance)
	}
	return validateSet(answer, points, tolerance)
}

// validateSet performs greedy first-fit matching: each submitted point
// consumes the first unmatched target within tolerance. Success needs
// every target consumed and no point left unmatched; the two conditions
// are tracked independently so the failure reason can distinguish a
// missed target from a stray click.
func validateSet(answer *Answer, points []Point, tolerance float64) *Result {
	if len(points) < len(answer.Targets) {
		return &Result{Valid: false, Reason: ReasonTooFew}
	}
	if len(points) > len(answer.Targets) {
		return &Result{Valid: false, Reason: ReasonTooMany}
	}

	consumed := make([]bool, len(answer.Targets))
	extra := make([]int, 0)

	for i, p := range points {
		matched := false
		for j, t := range answer.Targets {
			if consumed[j] {
				continue
			}
			if p.Distance(t.Point()) <= tolerance {
				consumed[j] = true
				matched = true
				break
			}
		}
		if !matched {
			extra = append(extra, i)
		}
	}

	missed := make([]string, 0)
	for j, t := range answer.Targets {
		if !consumed[j] {
			missed = append(missed, t.Name)
		}
	}

	if len(missed) == 0 && len(extra) == 0 {
		return &Result{Valid: true}
	}

	result := &Result{
		Valid:         false,
		MissedTargets: missed,
		ExtraPoints:   extra,
	}
	if len(missed) > 0 {
		result.Reason = ReasonMissed
	} else {
		result.Reason = ReasonExtra
	}

	logrus.WithFields(logrus.Fields{
		"function": "validateSet",
		"reason":   result.Reason,
		"missed":   len(missed),
		"extra":    len(extra),
	}).Debug("Set validation failed")

	return result
}

// validateOrdered compares submissions index-aligned: the i-th point
// must fall within tolerance of the i-th target's stored position. The
// first mismatch aborts with the expected name and index.
func validateOrdered(answer *Answer, points []Point, tolerance float64) *Result {
	if len(points) < len(answer.Targets) {
		return &Result{Valid: false, Reason: ReasonTooFew}
	}
	if len(points) > len(answer.Targets) {
		return &Result{Valid: false, Reason: ReasonTooMany}
	}

	for i, t := range answer.Targets {
		if points[i].Distance(t.Point()) > tolerance {
			logrus.WithFields(logrus.Fields{
				"function": "validateOrdered",
				"index":    i,
				"expected": t.Name,
			}).Debug("Sequence validation failed")

			return &Result{
				Valid:        false,
				Reason:       ReasonWrongOrder,
				FailIndex:    i,
				ExpectedName: t.Name,
			}
		}
	}

	return &Result{Valid: true}
}

// Redacted returns a public-safe summary of the result: the coded
// reason plus a generic human string, with target names and indices
// stripped.
func (r *Result) Redacted() (reason, message string) {
	if r.Valid {
		return "", ""
	}
	switch r.Reason {
	case ReasonTooFew:
		return r.Reason, "not enough selections"
	case ReasonTooMany:
		return r.Reason, "too many selections"
	case ReasonWrongOrder:
		return r.Reason, fmt.Sprintf("sequence mismatch at position %d", r.FailIndex)
	default:
		return r.Reason, "selection did not match"
	}
}
