// Package device owns the byte stream connection to one compression
// controller. Two Link variants exist: a serial port implementation for real
// hardware and a scripted one for deterministic tests.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const DefaultBaudRate int = 115200

var (
	ErrConnection = errors.New("connection failed")
	ErrIO         = errors.New("device i/o failed")
	ErrClosed     = errors.New("device link closed")

	ErrUnknownPort = errors.New("unknown port")
)

type Port struct {
	Name         string `json:"name"`
	USB          bool   `json:"usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// Link is the capability the session controller needs from a device
// connection. A Link holds at most one open connection at a time.
type Link interface {
	// DiscoverAuthorized returns ports that were granted earlier and are
	// currently present. It never exposes ungranted hardware.
	DiscoverAuthorized(ctx context.Context) ([]Port, error)

	// RequestAccess is the only way to grant a new port. A cancelled consent
	// returns a nil port and a nil error.
	RequestAccess(ctx context.Context, consent Consent) (*Port, error)

	Open(ctx context.Context, port Port, baudRate int) error

	// Close is idempotent and safe on a link that was never opened.
	Close() error

	// ReadLine blocks until a complete line is available. It returns io.EOF
	// at end of stream and ErrClosed promptly after a concurrent Close.
	ReadLine(ctx context.Context) (string, error)

	// WriteLine sends cmd terminated by a newline. The device does not
	// acknowledge commands.
	WriteLine(ctx context.Context, cmd string) error
}

// Consent asks the operator to pick one of the candidate ports. Returning
// ok == false means the operator cancelled.
type Consent interface {
	Choose(ctx context.Context, candidates []Port) (Port, bool, error)
}

type ConsentFunc func(ctx context.Context, candidates []Port) (Port, bool, error)

func (f ConsentFunc) Choose(ctx context.Context, candidates []Port) (Port, bool, error) {
	return f(ctx, candidates)
}

// ChooseNamed is the consent given by an operator who named a port. An empty
// name is a cancellation.
func ChooseNamed(name string) Consent {
	return ConsentFunc(func(_ context.Context, candidates []Port) (Port, bool, error) {
		if name == "" {
			return Port{}, false, nil
		}
		for _, p := range candidates {
			if p.Name == name {
				return p, true, nil
			}
		}
		return Port{}, false, fmt.Errorf("%w: %s is not available for granting", ErrUnknownPort, name)
	})
}

// Grants remembers which ports the operator has authorized.
type Grants struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

func NewGrants(names ...string) *Grants {
	g := &Grants{names: make(map[string]struct{})}
	for _, n := range names {
		if n != "" {
			g.names[n] = struct{}{}
		}
	}
	return g
}

func (g *Grants) Grant(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.names[name] = struct{}{}
}

func (g *Grants) Granted(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.names[name]
	return ok
}

func (g *Grants) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.names))
	for n := range g.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func authorized(g *Grants, present []Port) []Port {
	ports := []Port{}
	for _, p := range present {
		if g.Granted(p.Name) {
			ports = append(ports, p)
		}
	}
	return ports
}

func requestAccess(ctx context.Context, g *Grants, present []Port, consent Consent) (*Port, error) {
	candidates := []Port{}
	for _, p := range present {
		if !g.Granted(p.Name) {
			candidates = append(candidates, p)
		}
	}

	if consent == nil {
		return nil, nil
	}

	chosen, ok, err := consent.Choose(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	g.Grant(chosen.Name)
	return &chosen, nil
}
