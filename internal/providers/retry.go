package providers

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

var (
	errInitialMS  = errors.New("backoff initial_ms must be positive")
	errMaxMS      = errors.New("backoff max_ms must be >= initial_ms")
	errMultiplier = errors.New("backoff multiplier must be >= 1")
)

// Backoff computes retry delays: min(max, initial * multiplier^(n-1)),
// then multiplied by a jitter factor drawn uniformly from [0.5, 1.5) so a
// herd of processes retrying the same provider spreads out.
type Backoff struct {
	InitialMS  int     `yaml:"initial_ms"`
	MaxMS      int     `yaml:"max_ms"`
	Multiplier float64 `yaml:"multiplier"`
}

// DefaultBackoff returns the standard provider retry curve.
func DefaultBackoff() Backoff {
	return Backoff{InitialMS: 100, MaxMS: 5000, Multiplier: 2.0}
}

// Delay returns the pause before retry attempt n (1-based: the delay
// taken after the n-th attempt failed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := float64(b.InitialMS)
	if initial <= 0 {
		initial = float64(DefaultBackoff().InitialMS)
	}
	maxDelay := float64(b.MaxMS)
	if maxDelay <= 0 {
		maxDelay = float64(DefaultBackoff().MaxMS)
	}
	multiplier := b.Multiplier
	if multiplier <= 1 {
		multiplier = DefaultBackoff().Multiplier
	}

	base := initial * math.Pow(multiplier, float64(attempt-1))
	if base > maxDelay {
		base = maxDelay
	}

	jitter := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(base*jitter) * time.Millisecond
}

// Validate checks the curve parameters.
func (b Backoff) Validate() error {
	if b.InitialMS <= 0 {
		return errInitialMS
	}
	if b.MaxMS < b.InitialMS {
		return errMaxMS
	}
	if b.Multiplier < 1 {
		return errMultiplier
	}
	return nil
}
