package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/integration-compression/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

const DefaultUploadInterval time.Duration = 1000 * time.Millisecond

type ForwardFunc = func(context.Context, domain.Reading) error

type ThrottlerOption func(*Throttler)

func WithInterval(d time.Duration) ThrottlerOption {
	return func(t *Throttler) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithClock(now func() time.Time) ThrottlerOption {
	return func(t *Throttler) {
		t.now = now
	}
}

// Throttler forwards at most one reading per interval. Forwarding is fire and
// forget: failures are dropped, nothing is queued and nothing is retried.
type Throttler struct {
	mu         sync.Mutex
	lastSentAt time.Time
	interval   time.Duration
	now        func() time.Time

	ctx     context.Context
	forward ForwardFunc
	wg      sync.WaitGroup
}

func NewThrottler(ctx context.Context, forward ForwardFunc, opts ...ThrottlerOption) *Throttler {
	t := &Throttler{
		interval: DefaultUploadInterval,
		now:      time.Now,
		ctx:      ctx,
		forward:  forward,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Offer hands r to the forwarder if the interval since the last send has
// elapsed. lastSentAt is advanced before the call is dispatched so that slow
// calls completing together never produce a burst.
func (t *Throttler) Offer(r domain.Reading) {
	t.mu.Lock()
	now := t.now()
	if !t.lastSentAt.IsZero() && now.Sub(t.lastSentAt) < t.interval {
		t.mu.Unlock()
		return
	}
	t.lastSentAt = now
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		if err := t.forward(t.ctx, r); err != nil {
			logger := logging.GetFromContext(t.ctx)
			logger.Debug().Err(err).Str("session_id", r.SessionID).Msg("reading was not forwarded")
		}
	}()
}

func (t *Throttler) lastSent() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSentAt
}

// Wait blocks until every dispatched forward call has returned.
func (t *Throttler) Wait() {
	t.wg.Wait()
}
