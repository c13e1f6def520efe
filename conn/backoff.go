// Package conn owns the client connection lifecycle: a state machine that
// manages a single HTTP/2 channel with exponential-backoff reconnection,
// graceful shutdown, idle eviction, and the keepalive handler that feeds it.
package conn

import (
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
)

// BackoffConfig parameterizes reconnection pacing.
type BackoffConfig struct {
	// InitialBackoff is the first delay.
	InitialBackoff time.Duration `validate:"gt=0"`
	// Multiplier grows the unjittered delay between attempts.
	Multiplier float64 `validate:"gte=1"`
	// Jitter spreads each delay uniformly in [-j*v, +j*v].
	Jitter float64 `validate:"gte=0,lte=1"`
	// MaxBackoff clamps the unjittered delay.
	MaxBackoff time.Duration `validate:"gtefield=InitialBackoff"`
	// MinConnectTimeout floors the per-attempt connect timeout.
	MinConnectTimeout time.Duration `validate:"gte=0"`
	// RetryForever keeps yielding the clamped delay instead of stopping
	// once the ceiling is reached.
	RetryForever bool
}

// DefaultBackoffConfig mirrors the canonical gRPC connection backoff
// parameters.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff:    1 * time.Second,
		Multiplier:        1.6,
		Jitter:            0.2,
		MaxBackoff:        120 * time.Second,
		MinConnectTimeout: 20 * time.Second,
	}
}

var validate = validator.New()

// Validate checks the configuration invariants.
func (c BackoffConfig) Validate() error {
	return validate.Struct(c)
}

// backoffIterator yields (connectTimeout, backoffDelay) pairs. The first
// delay is InitialBackoff exactly; each subsequent unjittered value is the
// previous one times Multiplier, clamped at MaxBackoff, with jitter applied
// on the way out. Once the clamp has been emitted the iterator stops,
// unless RetryForever is set.
type backoffIterator struct {
	cfg        BackoffConfig
	rng        *rand.Rand
	unjittered time.Duration
	started    bool
	done       bool
}

func newBackoffIterator(cfg BackoffConfig, rng *rand.Rand) *backoffIterator {
	return &backoffIterator{cfg: cfg, rng: rng}
}

// Next returns the timeout for the next connect attempt and the delay to
// wait before it. ok is false when the iterator is exhausted.
func (it *backoffIterator) Next() (connectTimeout, backoff time.Duration, ok bool) {
	if it.done {
		return 0, 0, false
	}

	if !it.started {
		it.started = true
		it.unjittered = it.cfg.InitialBackoff
		if it.unjittered >= it.cfg.MaxBackoff {
			it.unjittered = it.cfg.MaxBackoff
			it.done = !it.cfg.RetryForever
		}
		return it.pair(it.unjittered)
	}

	next := time.Duration(float64(it.unjittered) * it.cfg.Multiplier)
	if next >= it.cfg.MaxBackoff {
		next = it.cfg.MaxBackoff
		it.done = !it.cfg.RetryForever
	}
	it.unjittered = next
	return it.pair(it.jittered(next))
}

func (it *backoffIterator) pair(backoff time.Duration) (time.Duration, time.Duration, bool) {
	connectTimeout := backoff
	if connectTimeout < it.cfg.MinConnectTimeout {
		connectTimeout = it.cfg.MinConnectTimeout
	}
	return connectTimeout, backoff, true
}

func (it *backoffIterator) jittered(v time.Duration) time.Duration {
	if it.cfg.Jitter == 0 || it.rng == nil {
		return v
	}
	delta := it.cfg.Jitter * float64(v)
	offset := (it.rng.Float64()*2 - 1) * delta
	return time.Duration(float64(v) + offset)
}
