package application

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/diwise/integration-compression/domain"
	"github.com/diwise/integration-compression/internal/pkg/application/telemetry"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/device"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

const lineBacklog int = 64

// startLoop must be called with mu held and a freshly opened link.
func (c *sessionController) startLoop() {
	c.generation++

	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})

	c.cancelLoop = cancel
	c.loopDone = done
	c.loop = LoopIdle

	go c.runLoop(ctx, c.generation, done)
}

// runLoop consumes lines produced by readLines until the reader gives up.
func (c *sessionController) runLoop(ctx context.Context, gen int, done chan struct{}) {
	defer close(done)

	lines := make(chan string, lineBacklog)
	result := make(chan error, 1)

	go readLines(ctx, c.link, lines, result)

	for line := range lines {
		c.ingest(ctx, gen, line)
	}

	c.loopEnded(ctx, gen, <-result)
}

func readLines(ctx context.Context, link device.Link, lines chan<- string, result chan<- error) {
	defer close(lines)

	for {
		if ctx.Err() != nil {
			result <- nil
			return
		}

		line, err := link.ReadLine(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = nil
			}
			result <- err
			return
		}

		select {
		case lines <- line:
		case <-ctx.Done():
			result <- nil
			return
		}
	}
}

func (c *sessionController) ingest(ctx context.Context, gen int, line string) {
	r, ok := telemetry.Parse(line)
	if !ok {
		return
	}

	r = telemetry.Clamp(r)

	c.mu.Lock()

	session := c.state.Session
	if gen != c.generation || session == nil || session.Ended() {
		c.mu.Unlock()
		return
	}

	if StartedByDevice(c.state) {
		c.state.Monitoring = true
		c.state.StartedFromDevice = true
		c.loop = LoopReading

		logger := logging.GetFromContext(ctx)
		logger.Info().Str("session_id", session.ID).Msg("device started a cycle on its own")
	}

	r.SessionID = session.ID
	c.buffer.Push(r)

	// neither call blocks; uploads run on their own goroutines
	c.throttler.Offer(r)
	c.hub.Publish(r)

	c.mu.Unlock()
}

func (c *sessionController) loopEnded(ctx context.Context, gen int, err error) {
	logger := logging.GetFromContext(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		// superseded by disconnect, reset or a failed write
		if c.loopDone == nil && c.loop == LoopStopping {
			c.loop = LoopStopped
		}
		return
	}

	switch {
	case err == nil:
		logger.Info().Msg("ingestion cancelled")
	case errors.Is(err, io.EOF), errors.Is(err, device.ErrClosed):
		logger.Info().Msg("device stream ended")
	default:
		c.lastError = err.Error()
		logger.Error().Err(err).Msg("device read failed, connection dropped")
	}

	c.generation++
	if c.cancelLoop != nil {
		c.cancelLoop()
		c.cancelLoop = nil
	}
	c.loopDone = nil
	c.link.Close()

	c.state.Connected = false
	c.state.Monitoring = false
	c.state.StartedFromDevice = false
	c.loop = LoopStopped
}

// forward persists r and hands it to every mirror concurrently. It runs on the
// throttler's goroutine, never on the read path.
func (c *sessionController) forward(ctx context.Context, r domain.Reading) error {
	var err error

	ctx, span := tracer.Start(ctx, "forward-reading")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	session := c.sessionFor(r.SessionID)

	errs := make([]error, len(c.mirrors)+1)

	var wg sync.WaitGroup
	wg.Add(len(c.mirrors) + 1)

	go func() {
		defer wg.Done()
		_, errs[0] = c.store.AppendReading(ctx, r.SessionID, r)
	}()

	for i, m := range c.mirrors {
		go func(i int, m Mirror) {
			defer wg.Done()
			errs[i+1] = m.Mirror(ctx, session, r)
		}(i, m)
	}

	wg.Wait()

	err = errors.Join(errs...)
	return err
}

func (c *sessionController) sessionFor(sessionID string) domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Session != nil && c.state.Session.ID == sessionID {
		return *c.state.Session
	}

	return domain.Session{ID: sessionID}
}
