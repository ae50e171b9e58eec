// Package resilience guards calls to an unhealthy upstream with a circuit
// breaker.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-querycache/cache"
	"github.com/cockroachdb/errors"
)

// ErrOpen is returned without calling the guarded function while the breaker
// is open.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for the circuit breaker
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures int

	// Cooldown is how long the circuit stays open before a probe is allowed
	Cooldown time.Duration

	// SuccessThreshold is the number of probe successes needed to close again
	SuccessThreshold int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
	}
}

// Breaker is a circuit breaker. While closed every call goes through. After
// MaxFailures consecutive failures it opens and rejects calls with ErrOpen.
// Once Cooldown has passed it goes half open and admits one probe at a time;
// SuccessThreshold successful probes close it, any failed probe reopens it.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	clock     cache.Clock
	state     State
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
}

// NewBreaker creates a Breaker. A nil clock uses the wall clock.
func NewBreaker(cfg Config, clock cache.Clock) *Breaker {
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if clock == nil {
		clock = cache.SystemClock
	}
	return &Breaker{cfg: cfg, clock: clock}
}

// allow reports whether a call may proceed and whether it is a probe.
func (b *Breaker) allow() (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, false
		}
		b.state = StateHalfOpen
		b.successes = 0
		fallthrough
	default:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
			b.state = StateOpen
			b.openedAt = b.clock.Now()
		}
		return
	}
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset manually resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.mu.Unlock()
}

// Do runs fn under the breaker. A call rejected by an open breaker returns
// ErrOpen without running fn. Context cancellation is not counted as an
// upstream failure.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	ok, probe := b.allow()
	if !ok {
		var zero T
		return zero, ErrOpen
	}
	val, err := fn(ctx)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		b.release(probe)
		return val, err
	}
	b.record(probe, err)
	return val, err
}
