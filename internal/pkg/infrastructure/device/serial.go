package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

type serialLink struct {
	mu     sync.Mutex
	grants *Grants

	enumerate func() ([]Port, error)
	open      func(name string, mode *serial.Mode) (serial.Port, error)

	port   serial.Port
	reader *bufio.Reader
	name   string
}

// NewSerial returns a Link backed by a local serial port. Only ports present
// in grants can be opened.
func NewSerial(grants *Grants) Link {
	if grants == nil {
		grants = NewGrants()
	}

	return &serialLink{
		grants:    grants,
		enumerate: enumeratePorts,
		open:      serial.Open,
	}
}

func enumeratePorts() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]Port, 0, len(details))
	for _, d := range details {
		ports = append(ports, Port{
			Name:         d.Name,
			USB:          d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
		})
	}

	return ports, nil
}

func (l *serialLink) DiscoverAuthorized(ctx context.Context) ([]Port, error) {
	present, err := l.enumerate()
	if err != nil {
		return nil, err
	}
	return authorized(l.grants, present), nil
}

func (l *serialLink) RequestAccess(ctx context.Context, consent Consent) (*Port, error) {
	present, err := l.enumerate()
	if err != nil {
		return nil, err
	}

	p, err := requestAccess(ctx, l.grants, present, consent)
	if err == nil && p != nil {
		logger := logging.GetFromContext(ctx)
		logger.Info().Str("port", p.Name).Msg("access to serial port granted")
	}

	return p, err
}

func (l *serialLink) Open(ctx context.Context, p Port, baudRate int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port != nil {
		return fmt.Errorf("%w: %s is already open", ErrConnection, l.name)
	}

	if !l.grants.Granted(p.Name) {
		return fmt.Errorf("%w: port %s has not been authorized", ErrConnection, p.Name)
	}

	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}

	port, err := l.open(p.Name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %w", ErrConnection, p.Name, err)
	}

	l.port = port
	l.reader = bufio.NewReader(port)
	l.name = p.Name

	logger := logging.GetFromContext(ctx)
	logger.Info().Str("port", p.Name).Int("baud_rate", baudRate).Msg("serial port opened")

	return nil
}

func (l *serialLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return nil
	}

	err := l.port.Close()
	l.port = nil
	l.reader = nil
	l.name = ""

	var portErr *serial.PortError
	if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
		return nil
	}

	return err
}

func (l *serialLink) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	port, reader := l.port, l.reader
	l.mu.Unlock()

	if reader == nil {
		return "", ErrClosed
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		if l.closedSince(port) {
			return "", ErrClosed
		}

		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
			return "", ErrClosed
		}

		if errors.Is(err, io.EOF) {
			// a trailing partial line is not a complete frame
			return "", io.EOF
		}

		return "", fmt.Errorf("%w: read failed: %w", ErrIO, err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func (l *serialLink) closedSince(port serial.Port) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != port
}

func (l *serialLink) WriteLine(ctx context.Context, cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}

	b := []byte(cmd + "\n")
	for len(b) > 0 {
		n, err := l.port.Write(b)
		if err != nil {
			return fmt.Errorf("%w: write to %s failed: %w", ErrIO, l.name, err)
		}
		b = b[n:]
	}

	return nil
}
