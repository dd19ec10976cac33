package device

import (
	"context"
	"fmt"
	"io"
	"sync"
)

type scriptedEvent struct {
	line string
	err  error
}

// Scripted is an in-memory Link. Lines fed to it are delivered by ReadLine in
// order and every written command is recorded.
type Scripted struct {
	mu     sync.Mutex
	grants *Grants
	ports  []Port

	events chan scriptedEvent
	done   chan struct{}
	opened bool
	opens  int

	openErr  error
	writeErr error
	written  []string

	hold    chan struct{}
	pending int
}

func NewScripted(ports ...Port) *Scripted {
	return &Scripted{
		grants: NewGrants(),
		ports:  ports,
		events: make(chan scriptedEvent, 1024),
	}
}

func (s *Scripted) Grant(names ...string) {
	for _, n := range names {
		s.grants.Grant(n)
	}
}

// Feed queues lines for delivery. Lines fed while the link is closed stay
// queued until the next Open.
func (s *Scripted) Feed(lines ...string) {
	for _, l := range lines {
		s.events <- scriptedEvent{line: l}
	}
}

// End queues an end of stream after any previously fed lines.
func (s *Scripted) End() {
	s.events <- scriptedEvent{err: io.EOF}
}

// FailRead queues a read error after any previously fed lines.
func (s *Scripted) FailRead(err error) {
	s.events <- scriptedEvent{err: fmt.Errorf("%w: %w", ErrIO, err)}
}

func (s *Scripted) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

func (s *Scripted) FailWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// HoldWrites parks every WriteLine until the returned func is called, the link
// is closed or the writer's context ends.
func (s *Scripted) HoldWrites() func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	hold := make(chan struct{})
	s.hold = hold

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hold == hold {
				s.hold = nil
			}
			s.mu.Unlock()
			close(hold)
		})
	}
}

// PendingWrites is the number of writes parked by HoldWrites.
func (s *Scripted) PendingWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Scripted) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.written...)
}

func (s *Scripted) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *Scripted) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Scripted) DiscoverAuthorized(ctx context.Context) ([]Port, error) {
	return authorized(s.grants, s.ports), nil
}

func (s *Scripted) RequestAccess(ctx context.Context, consent Consent) (*Port, error) {
	return requestAccess(ctx, s.grants, s.ports, consent)
}

func (s *Scripted) Open(ctx context.Context, p Port, baudRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return fmt.Errorf("%w: %s is already open", ErrConnection, p.Name)
	}
	if !s.grants.Granted(p.Name) {
		return fmt.Errorf("%w: port %s has not been authorized", ErrConnection, p.Name)
	}
	if s.openErr != nil {
		return fmt.Errorf("%w: %w", ErrConnection, s.openErr)
	}

	s.opened = true
	s.opens++
	s.done = make(chan struct{})

	return nil
}

func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil
	}

	s.opened = false
	close(s.done)

	return nil
}

func (s *Scripted) ReadLine(ctx context.Context) (string, error) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return "", ErrClosed
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-done:
		return "", ErrClosed
	case ev := <-s.events:
		if ev.err != nil {
			return "", ev.err
		}
		return ev.line, nil
	}
}

func (s *Scripted) WriteLine(ctx context.Context, cmd string) error {
	s.mu.Lock()
	hold, done := s.hold, s.done
	if hold != nil {
		s.pending++
	}
	s.mu.Unlock()

	if hold != nil {
		var err error
		select {
		case <-hold:
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		s.mu.Lock()
		s.pending--
		s.mu.Unlock()

		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}
	if s.writeErr != nil {
		return fmt.Errorf("%w: %w", ErrIO, s.writeErr)
	}

	s.written = append(s.written, cmd)
	return nil
}
