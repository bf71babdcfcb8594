package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zerodha/logf"
	"golang.org/x/time/rate"
)

const (
	// DefaultRatePerSec is used for senders registered without an explicit rate
	DefaultRatePerSec = 10.0
	// MinRatePerSec is the floor the adaptive controller never goes below
	MinRatePerSec = 1.0

	// windowSize is the number of observed outcomes per adjustment window
	windowSize = 50
	// windowDuration closes an adjustment window even when few outcomes arrive
	windowDuration = time.Minute

	backoffFactor    = 0.75
	recoveryFactor   = 1.10
	failBackoffRate  = 0.10
	failRecoveryRate = 0.01
)

// Controller is the per-sender adaptive token bucket. Acquire blocks until a
// token is available; Observe feeds send outcomes back so the rate adapts to
// what the provider is actually accepting.
type Controller struct {
	mu      sync.Mutex
	senders map[string]*senderState
	log     logf.Logger
	now     func() time.Time
}

type senderState struct {
	limiter *rate.Limiter

	maxRate     float64
	currentRate float64
	stableRate  float64

	windowStart     time.Time
	windowTotal     int
	windowFailed    int
	prevWindowClean bool
}

// NewController creates an empty rate controller
func NewController(log logf.Logger) *Controller {
	return &Controller{
		senders: make(map[string]*senderState),
		log:     log,
		now:     time.Now,
	}
}

// Register sets up the bucket for a sender. maxRatePerSec caps the adaptive
// rate; startRatePerSec is the resume point (a previously recorded stable
// rate) and falls back to maxRatePerSec when zero. Re-registering an existing
// sender updates its cap without resetting the current window.
func (c *Controller) Register(senderID string, maxRatePerSec, startRatePerSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxRatePerSec <= 0 {
		maxRatePerSec = DefaultRatePerSec
	}

	if s, ok := c.senders[senderID]; ok {
		s.maxRate = maxRatePerSec
		if s.currentRate > maxRatePerSec {
			s.setRate(maxRatePerSec)
		}
		return
	}

	start := startRatePerSec
	if start <= 0 || start > maxRatePerSec {
		start = maxRatePerSec
	}

	// Burst of 1 spreads tokens uniformly across the second instead of
	// allowing a thundering herd at window boundaries
	c.senders[senderID] = &senderState{
		limiter:         rate.NewLimiter(rate.Limit(start), 1),
		maxRate:         maxRatePerSec,
		currentRate:     start,
		stableRate:      start,
		windowStart:     c.now(),
		prevWindowClean: true,
	}
}

// Remove drops a sender's bucket
func (c *Controller) Remove(senderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.senders, senderID)
}

// Acquire blocks until a send token is available for the sender or the
// context is done. Unknown senders are registered with the default rate.
func (c *Controller) Acquire(ctx context.Context, senderID string) error {
	c.mu.Lock()
	s, ok := c.senders[senderID]
	if !ok {
		c.mu.Unlock()
		c.Register(senderID, DefaultRatePerSec, 0)
		c.mu.Lock()
		s = c.senders[senderID]
	}
	limiter := s.limiter
	c.mu.Unlock()

	// Wait outside the lock so concurrent workers for other senders proceed
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate acquire for sender %s: %w", senderID, err)
	}
	return nil
}

// Observe records a send outcome for the sender. failed covers transient,
// rate-limited and spam-rate-limited outcomes; successful sends pass false.
// The window closes after windowSize outcomes or windowDuration, whichever
// comes first, and the rate is adjusted per the window's failure share.
func (c *Controller) Observe(senderID string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.senders[senderID]
	if !ok {
		return
	}

	s.windowTotal++
	if failed {
		s.windowFailed++
	}

	if s.windowTotal < windowSize && c.now().Sub(s.windowStart) < windowDuration {
		return
	}

	c.adjust(senderID, s)
}

// adjust closes the current window and applies the adaptive rate change.
// Caller holds c.mu.
func (c *Controller) adjust(senderID string, s *senderState) {
	failShare := 0.0
	if s.windowTotal > 0 {
		failShare = float64(s.windowFailed) / float64(s.windowTotal)
	}

	switch {
	case failShare > failBackoffRate:
		// The stable rate is only recorded off a clean window, so a string
		// of bad windows keeps the last known-good value
		if s.prevWindowClean {
			s.stableRate = s.currentRate
		}
		next := s.currentRate * backoffFactor
		if next < MinRatePerSec {
			next = MinRatePerSec
		}
		if next != s.currentRate {
			c.log.Warn("Reducing send rate",
				"sender_id", senderID, "from", s.currentRate, "to", next, "fail_share", failShare)
			s.setRate(next)
		}
	case failShare < failRecoveryRate && s.currentRate < s.maxRate:
		next := s.currentRate * recoveryFactor
		if next > s.maxRate {
			next = s.maxRate
		}
		c.log.Info("Raising send rate",
			"sender_id", senderID, "from", s.currentRate, "to", next)
		s.setRate(next)
	}

	s.prevWindowClean = failShare < failRecoveryRate
	s.windowTotal = 0
	s.windowFailed = 0
	s.windowStart = c.now()
}

func (s *senderState) setRate(r float64) {
	s.currentRate = r
	s.limiter.SetLimit(rate.Limit(r))
}

// CurrentRate returns the sender's live rate, or zero when unknown
func (c *Controller) CurrentRate(senderID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.senders[senderID]; ok {
		return s.currentRate
	}
	return 0
}

// StableRate returns the last rate recorded off a clean window. The
// scheduler persists this so restarts resume near a known-good throughput.
func (c *Controller) StableRate(senderID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.senders[senderID]; ok {
		return s.stableRate
	}
	return 0
}

// StableRates snapshots the stable rate of every registered sender
func (c *Controller) StableRates() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.senders))
	for id, s := range c.senders {
		out[id] = s.stableRate
	}
	return out
}
