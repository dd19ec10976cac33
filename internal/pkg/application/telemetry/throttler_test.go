package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/diwise/integration-compression/domain"
	"github.com/matryer/is"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu    sync.Mutex
	calls []domain.Reading
	err   error
}

func (r *recorder) forward(_ context.Context, reading domain.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reading)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestThrottler(rec *recorder) (*Throttler, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewThrottler(context.Background(), rec.forward, WithClock(clock.Now)), clock
}

func TestThatThrottlerSendsAtMostOncePerSecond(t *testing.T) {
	is := is.New(t)
	rec := &recorder{}
	th, clock := newTestThrottler(rec)

	// 11 offers 200ms apart span exactly two seconds
	for i := 0; i <= 10; i++ {
		th.Offer(domain.Reading{MeasuredPressure: float64(i)})
		clock.Advance(200 * time.Millisecond)
	}
	th.Wait()

	is.Equal(rec.count(), 3)
}

func TestThatThrottlerSendsEveryReadingSpacedASecondApart(t *testing.T) {
	is := is.New(t)
	rec := &recorder{}
	th, clock := newTestThrottler(rec)

	for i := 0; i < 5; i++ {
		th.Offer(domain.Reading{MeasuredPressure: float64(i)})
		clock.Advance(time.Second)
	}
	th.Wait()

	is.Equal(rec.count(), 5)
}

func TestThatThrottlerAdvancesLastSentAtBeforeForwarding(t *testing.T) {
	is := is.New(t)

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	slow := func(context.Context, domain.Reading) error {
		started <- struct{}{}
		<-release
		return nil
	}

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	th := NewThrottler(context.Background(), slow, WithClock(clock.Now))

	th.Offer(domain.Reading{})
	<-started
	is.Equal(th.lastSent(), clock.Now())

	clock.Advance(500 * time.Millisecond)
	th.Offer(domain.Reading{})

	close(release)
	th.Wait()

	is.Equal(len(started), 0) // the second offer must not have been dispatched
}

func TestThatThrottlerSwallowsForwardFailures(t *testing.T) {
	is := is.New(t)
	rec := &recorder{err: errors.New("backend unavailable")}
	th, clock := newTestThrottler(rec)

	th.Offer(domain.Reading{})
	clock.Advance(time.Second)
	th.Offer(domain.Reading{})
	th.Wait()

	is.Equal(rec.count(), 2) // failures are neither retried nor blocking
}

func TestThatThrottlerForwardsTheOfferedReading(t *testing.T) {
	is := is.New(t)
	rec := &recorder{}
	th, _ := newTestThrottler(rec)

	th.Offer(domain.Reading{SessionID: "s1", MeasuredPressure: 200, Temperature: 30})
	th.Wait()

	is.Equal(rec.calls[0].SessionID, "s1")
	is.Equal(rec.calls[0].MeasuredPressure, 200.0)
}
