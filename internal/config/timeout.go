package config

import (
	"math"
	"strings"
)

// PriorityTier buckets an item's free-form priority string
type PriorityTier string

const (
	TierCritical PriorityTier = "critical"
	TierHigh     PriorityTier = "high"
	TierMedium   PriorityTier = "medium"
	TierLow      PriorityTier = "low"
	TierDefault  PriorityTier = "default"
)

// Absolute per-tier timeouts in milliseconds, used when no base override is set
const (
	absoluteCriticalMs = 900000
	absoluteHighMs     = 720000
	absoluteMediumMs   = 600000
	absoluteLowMs      = 600000
	absoluteDefaultMs  = 600000
)

// DefaultRetryMultiplier grows the timeout geometrically per retry attempt
const DefaultRetryMultiplier = 1.2

// TimeoutConfig computes per-item timeouts from priority and attempt number
type TimeoutConfig struct {
	// BaseTimeoutMs switches to relative mode when non-zero: tiers become
	// multiples of the base instead of fixed absolute values.
	BaseTimeoutMs   int64   `toml:"base_timeout_ms"`
	RetryMultiplier float64 `toml:"retry_multiplier"`
}

// ClassifyPriority maps a free-form priority string to a tier. Matching is
// a case-insensitive substring check in fixed order, so "P1 High" is high
// while a bare "P1" is medium.
func ClassifyPriority(priority string) PriorityTier {
	p := strings.ToLower(priority)
	switch {
	case strings.Contains(p, "p0"), strings.Contains(p, "critical"):
		return TierCritical
	case strings.Contains(p, "high"):
		return TierHigh
	case strings.Contains(p, "p1"), strings.Contains(p, "medium"):
		return TierMedium
	case strings.Contains(p, "p2"), strings.Contains(p, "low"):
		return TierLow
	default:
		return TierDefault
	}
}

// ForPriority returns the first-attempt timeout for a priority string
func (t TimeoutConfig) ForPriority(priority string) int64 {
	tier := ClassifyPriority(priority)

	if t.BaseTimeoutMs > 0 {
		var mult float64
		switch tier {
		case TierCritical:
			mult = 1.5
		case TierHigh:
			mult = 1.2
		default:
			mult = 1.0
		}
		return int64(math.Round(float64(t.BaseTimeoutMs) * mult))
	}

	switch tier {
	case TierCritical:
		return absoluteCriticalMs
	case TierHigh:
		return absoluteHighMs
	case TierMedium:
		return absoluteMediumMs
	case TierLow:
		return absoluteLowMs
	default:
		return absoluteDefaultMs
	}
}

// ForAttempt scales the priority timeout by the retry multiplier raised to
// attempt-1, so first attempts are unscaled.
func (t TimeoutConfig) ForAttempt(priority string, attempt int) int64 {
	base := t.ForPriority(priority)
	if attempt <= 1 {
		return base
	}
	mult := t.RetryMultiplier
	if mult <= 0 {
		mult = DefaultRetryMultiplier
	}
	return int64(math.Round(float64(base) * math.Pow(mult, float64(attempt-1))))
}
