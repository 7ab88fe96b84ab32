// Package limiter enforces a per-model token rate and concurrency limit on LLM calls with a token bucket.
package limiter

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimit is returned when the token bucket cannot cover a reservation.
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrConcurrencyLimit is returned when every request slot is taken.
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")
)

// pollInterval is how often Acquire retries while waiting for capacity.
const pollInterval = 50 * time.Millisecond

// Limiter meters one model. The bucket holds TokensPerMinute tokens and refills continuously.
// A zero limit disables that dimension.
//
//nolint:govet // fields ordered for readability
type Limiter struct {
	mu sync.Mutex

	name            string
	tokensPerMinute int
	maxConcurrent   int

	currentTokens int
	active        int
	lastRefill    time.Time
	now           func() time.Time
}

// New creates a limiter for model with a full bucket.
func New(model string, tokensPerMinute, maxConcurrent int) *Limiter {
	return &Limiter{
		name:            model,
		tokensPerMinute: max(tokensPerMinute, 0),
		maxConcurrent:   max(maxConcurrent, 0),
		currentTokens:   max(tokensPerMinute, 0),
		lastRefill:      time.Now(),
		now:             time.Now,
	}
}

func (l *Limiter) Name() string {
	return l.name
}

// releaseSlot returns a slot taken by TryAcquire.
func (l *Limiter) releaseSlot() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}

// Acquire waits until both tokens and a request slot are available and takes them together.
// The returned release gives the slot back; it is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context, tokens int) (release func(), err error) {
	var ticker *time.Ticker
	for {
		if release, err := l.TryAcquire(tokens); err == nil {
			return release, nil
		}
		if ticker == nil {
			ticker = time.NewTicker(pollInterval)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err() //nolint:wrapcheck // caller's own context
		case <-ticker.C:
		}
	}
}

// Status reports the tokens left in the bucket and the slots in use.
func (l *Limiter) Status() (tokens, active int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillTokens()
	return l.currentTokens, l.active
}

// TryAcquire takes tokens and a request slot together without waiting. It fails with ErrConcurrencyLimit
// or ErrRateLimit and then takes nothing. Requests larger than the whole bucket are clamped to it so they
// can still pass once the bucket is full.
func (l *Limiter) TryAcquire(tokens int) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.slotAvailable() {
		return nil, ErrConcurrencyLimit
	}
	if !l.tokensAvailable(tokens) {
		return nil, ErrRateLimit
	}
	l.takeTokens(tokens)
	l.active++
	var once sync.Once
	return func() { once.Do(l.releaseSlot) }, nil
}

func (l *Limiter) slotAvailable() bool {
	return l.maxConcurrent == 0 || l.active < l.maxConcurrent
}

func (l *Limiter) tokensAvailable(tokens int) bool {
	if l.tokensPerMinute == 0 {
		return true
	}
	l.refillTokens()
	return l.currentTokens >= min(tokens, l.tokensPerMinute)
}

func (l *Limiter) takeTokens(tokens int) {
	if l.tokensPerMinute == 0 {
		return
	}
	l.currentTokens -= min(tokens, l.tokensPerMinute)
}

func (l *Limiter) refillTokens() {
	if l.tokensPerMinute == 0 {
		return
	}
	now := l.now()
	added := int(int64(now.Sub(l.lastRefill)) * int64(l.tokensPerMinute) / int64(time.Minute))
	if added <= 0 {
		return
	}
	l.currentTokens += added
	if l.currentTokens >= l.tokensPerMinute {
		l.currentTokens = l.tokensPerMinute
		l.lastRefill = now
		return
	}
	l.lastRefill = l.lastRefill.Add(time.Duration(int64(added) * int64(time.Minute) / int64(l.tokensPerMinute)))
}
