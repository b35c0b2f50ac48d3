package worker

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy computes the wait before a transient failure is retried
type BackoffPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultBackoffPolicy mirrors the library defaults with a tighter ceiling.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialInterval:     2 * time.Second,
		MaxInterval:         time.Minute,
		Multiplier:          backoff.DefaultMultiplier,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	b := p.newExponential()
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p BackoffPolicy) newExponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.RandomizationFactor >= 0 && p.RandomizationFactor < 1 {
		b.RandomizationFactor = p.RandomizationFactor
	}
	// retries are capped by attempt count, never by elapsed time
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
