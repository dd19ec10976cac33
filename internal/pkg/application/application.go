package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/integration-compression/domain"
	"github.com/diwise/integration-compression/internal/pkg/application/telemetry"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/device"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
)

const (
	CommandStart string = "I"
	CommandStop  string = "S"
)

var ErrValidation = errors.New("action not permitted")

// SessionStore is the persistence collaborator. It is satisfied by the
// backend client and by the in-memory store.
type SessionStore interface {
	CreateSession(ctx context.Context, cfg domain.SessionConfig) (domain.Session, error)
	AppendReading(ctx context.Context, sessionID string, r domain.Reading) (domain.Reading, error)
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ListSessionsByPatient(ctx context.Context, patientID string) ([]domain.Session, error)
}

// Mirror receives throttled readings next to the session store. Mirror
// failures are dropped just like persistence failures.
type Mirror interface {
	Mirror(ctx context.Context, session domain.Session, r domain.Reading) error
}

type MirrorFunc func(ctx context.Context, session domain.Session, r domain.Reading) error

func (f MirrorFunc) Mirror(ctx context.Context, session domain.Session, r domain.Reading) error {
	return f(ctx, session, r)
}

type SessionController interface {
	SelectPatient(ctx context.Context, patientID string) error
	Configure(ctx context.Context, targetPressure float64, holdTimeSeconds int) error
	CreateSession(ctx context.Context, patientID string, targetPressure float64, holdTimeSeconds int) (domain.Session, error)

	Devices(ctx context.Context) ([]device.Port, error)
	RequestDeviceAccess(ctx context.Context, consent device.Consent) (*device.Port, error)
	SelectDevice(ctx context.Context, port device.Port) error

	Connect(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reset(ctx context.Context) error

	Snapshot() State
	Subscribe() (<-chan domain.Reading, func())

	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ListSessionsByPatient(ctx context.Context, patientID string) ([]domain.Session, error)

	Shutdown(ctx context.Context) error
}

// State is a read-only copy of everything an operator view needs.
type State struct {
	Control     ControlState     `json:"control"`
	Permissions Permissions      `json:"permissions"`
	Loop        LoopState        `json:"loop"`
	Readings    []domain.Reading `json:"readings"`
	LastError   string           `json:"lastError,omitempty"`
}

type Option func(*sessionController)

func WithMirrors(mirrors ...Mirror) Option {
	return func(c *sessionController) {
		c.mirrors = append(c.mirrors, mirrors...)
	}
}

func WithBaudRate(baudRate int) Option {
	return func(c *sessionController) {
		c.baudRate = baudRate
	}
}

func WithUploadInterval(d time.Duration) Option {
	return WithThrottlerOptions(telemetry.WithInterval(d))
}

func WithThrottlerOptions(opts ...telemetry.ThrottlerOption) Option {
	return func(c *sessionController) {
		c.throttlerOpts = append(c.throttlerOpts, opts...)
	}
}

type sessionController struct {
	// mu guards the control tuple, the buffer and the loop bookkeeping as one unit
	mu        sync.Mutex
	state     ControlState
	buffer    *telemetry.Buffer
	loop      LoopState
	lastError string
	creating  bool

	// commanding is set while a device open or write runs outside mu
	commanding bool

	generation int
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	ctx           context.Context
	store         SessionStore
	link          device.Link
	mirrors       []Mirror
	baudRate      int
	throttlerOpts []telemetry.ThrottlerOption
	throttler     *telemetry.Throttler
	hub           *telemetry.Hub
}

var tracer = otel.Tracer("integration-compression/app")

// New creates a controller. ctx outlives individual operator requests and is
// the parent of the ingestion loop and of every upload.
func New(ctx context.Context, store SessionStore, link device.Link, opts ...Option) SessionController {
	c := &sessionController{
		state:    defaultControlState(),
		buffer:   telemetry.NewBuffer(),
		loop:     LoopIdle,
		ctx:      ctx,
		store:    store,
		link:     link,
		baudRate: device.DefaultBaudRate,
		hub:      telemetry.NewHub(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.throttler = telemetry.NewThrottler(ctx, c.forward, c.throttlerOpts...)

	return c
}

func (c *sessionController) SelectPatient(ctx context.Context, patientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if patientID == "" {
		return fmt.Errorf("%w: a patient id is required", ErrValidation)
	}
	if c.state.Session != nil {
		return fmt.Errorf("%w: patient cannot change while a session exists", ErrValidation)
	}

	c.state.PatientID = patientID
	return nil
}

func (c *sessionController) Configure(ctx context.Context, targetPressure float64, holdTimeSeconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Session != nil {
		return fmt.Errorf("%w: session configuration is immutable", ErrValidation)
	}
	if targetPressure <= 0 || holdTimeSeconds <= 0 {
		return fmt.Errorf("%w: target pressure and hold time must be positive", ErrValidation)
	}

	c.state.TargetPressure = targetPressure
	c.state.HoldTimeSeconds = holdTimeSeconds
	return nil
}

func (c *sessionController) CreateSession(ctx context.Context, patientID string, targetPressure float64, holdTimeSeconds int) (domain.Session, error) {
	var err error

	ctx, span := tracer.Start(ctx, "create-session")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, ctx, logger := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

	c.mu.Lock()
	candidate := c.state
	candidate.PatientID = patientID
	candidate.TargetPressure = targetPressure
	candidate.HoldTimeSeconds = holdTimeSeconds

	if c.creating || !PermissionsFor(candidate).CanCreateSession {
		c.mu.Unlock()
		err = fmt.Errorf("%w: cannot create session for patient %q (target %v kPa, hold %ds)", ErrValidation, patientID, targetPressure, holdTimeSeconds)
		return domain.Session{}, err
	}
	c.creating = true
	c.mu.Unlock()

	var session domain.Session
	session, err = c.store.CreateSession(ctx, domain.SessionConfig{
		PatientID:       patientID,
		TargetPressure:  targetPressure,
		HoldTimeSeconds: holdTimeSeconds,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.creating = false

	if err != nil {
		c.lastError = err.Error()
		logger.Error().Err(err).Str("patient_id", patientID).Msg("failed to create session")
		return domain.Session{}, err
	}

	active := session
	active.Readings = nil

	c.state.Session = &active
	c.state.PatientID = patientID
	c.state.TargetPressure = targetPressure
	c.state.HoldTimeSeconds = holdTimeSeconds
	c.lastError = ""

	logger.Info().Str("session_id", session.ID).Str("patient_id", patientID).Msg("session created")

	return session, nil
}

func (c *sessionController) Devices(ctx context.Context) ([]device.Port, error) {
	return c.link.DiscoverAuthorized(ctx)
}

func (c *sessionController) RequestDeviceAccess(ctx context.Context, consent device.Consent) (*device.Port, error) {
	return c.link.RequestAccess(ctx, consent)
}

func (c *sessionController) SelectDevice(ctx context.Context, port device.Port) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.commanding || !PermissionsFor(c.state).CanPickDevice {
		return fmt.Errorf("%w: a device can only be picked for an idle session", ErrValidation)
	}
	if port.Name == "" {
		return fmt.Errorf("%w: a port name is required", ErrValidation)
	}

	c.state.SelectedPort = &port
	return nil
}

func (c *sessionController) Connect(ctx context.Context) error {
	logger := logging.GetFromContext(ctx)

	c.mu.Lock()
	if c.commanding || !PermissionsFor(c.state).CanConnect {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot connect in the current state", ErrValidation)
	}

	port := *c.state.SelectedPort
	gen := c.generation
	c.commanding = true
	c.mu.Unlock()

	err := c.link.Open(ctx, port, c.baudRate)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.commanding = false

	if err != nil {
		c.lastError = err.Error()
		logger.Error().Err(err).Str("port", port.Name).Msg("failed to connect to device")
		return err
	}

	if gen != c.generation {
		c.link.Close()
		return fmt.Errorf("%w: controller shut down while connecting to %s", device.ErrClosed, port.Name)
	}

	c.state.Connected = true
	c.lastError = ""
	c.startLoop()

	logger.Info().Str("port", port.Name).Str("session_id", c.state.Session.ID).Msg("device connected")

	return nil
}

func (c *sessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.commanding || !PermissionsFor(c.state).CanStart {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start in the current state", ErrValidation)
	}
	gen := c.generation
	c.commanding = true
	c.mu.Unlock()

	err := c.link.WriteLine(ctx, CommandStart)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.commanding = false

	if gen != c.generation {
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: connection closed while starting", device.ErrClosed)
	}

	if err != nil {
		c.writeFailed(ctx, err)
		return err
	}

	c.state.Monitoring = true
	c.state.StartedFromDevice = false
	c.loop = LoopReading

	return nil
}

// Stop always leaves monitoring off, even when the stop command could not be
// delivered. No backend call ends the session.
func (c *sessionController) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.commanding || !PermissionsFor(c.state).CanStop {
		c.mu.Unlock()
		return fmt.Errorf("%w: nothing to stop", ErrValidation)
	}
	gen := c.generation
	c.commanding = true
	c.mu.Unlock()

	err := c.link.WriteLine(ctx, CommandStop)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.commanding = false

	// the connection was torn down meanwhile and the flags are already clear
	if gen != c.generation {
		return err
	}

	c.state.Monitoring = false
	c.state.StartedFromDevice = false
	c.loop = LoopIdle

	if err != nil {
		c.writeFailed(ctx, err)
		return err
	}

	return nil
}

func (c *sessionController) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.commanding || !c.state.Connected || c.state.Monitoring {
		c.mu.Unlock()
		return fmt.Errorf("%w: only an idle connection can be closed", ErrValidation)
	}
	done, gen := c.closeConnection()
	c.mu.Unlock()

	return c.awaitLoop(ctx, done, gen)
}

func (c *sessionController) Reset(ctx context.Context) error {
	c.mu.Lock()
	if !PermissionsFor(c.state).CanReset {
		c.mu.Unlock()
		return fmt.Errorf("%w: reset is not allowed in the current state", ErrValidation)
	}
	if c.creating || c.commanding {
		c.mu.Unlock()
		return fmt.Errorf("%w: reset is not allowed while a request is in flight", ErrValidation)
	}

	done, gen := c.closeConnection()

	c.buffer.Clear()
	c.state = defaultControlState()
	c.lastError = ""
	c.mu.Unlock()

	err := c.awaitLoop(ctx, done, gen)

	c.mu.Lock()
	if c.generation == gen {
		c.loop = LoopIdle
	}
	c.mu.Unlock()

	logger := logging.GetFromContext(ctx)
	logger.Info().Msg("controller reset")

	return err
}

func (c *sessionController) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	control := c.state
	if c.state.Session != nil {
		s := *c.state.Session
		control.Session = &s
	}
	if c.state.SelectedPort != nil {
		p := *c.state.SelectedPort
		control.SelectedPort = &p
	}

	return State{
		Control:     control,
		Permissions: PermissionsFor(c.state),
		Loop:        c.loop,
		Readings:    c.buffer.Snapshot(),
		LastError:   c.lastError,
	}
}

func (c *sessionController) Subscribe() (<-chan domain.Reading, func()) {
	return c.hub.Subscribe()
}

func (c *sessionController) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	return c.store.GetSession(ctx, sessionID)
}

func (c *sessionController) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return c.store.ListSessions(ctx)
}

func (c *sessionController) ListSessionsByPatient(ctx context.Context, patientID string) ([]domain.Session, error) {
	return c.store.ListSessionsByPatient(ctx, patientID)
}

// Shutdown stops the ingestion loop, closes the device and waits for in-flight
// uploads until ctx expires.
func (c *sessionController) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	done, gen := c.closeConnection()
	c.mu.Unlock()

	err := c.awaitLoop(ctx, done, gen)

	drained := make(chan struct{})
	go func() {
		c.throttler.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("uploads still in flight: %w", ctx.Err()))
	}

	c.hub.Close()

	return err
}

// closeConnection must be called with mu held. It invalidates the running
// loop, closes the link and returns what the caller should wait on once the
// lock is released.
func (c *sessionController) closeConnection() (<-chan struct{}, int) {
	c.generation++

	done := c.loopDone
	if c.cancelLoop != nil {
		c.cancelLoop()
		c.cancelLoop = nil
		c.loop = LoopStopping
	}
	c.loopDone = nil

	c.link.Close()

	c.state.Connected = false
	c.state.Monitoring = false
	c.state.StartedFromDevice = false

	return done, c.generation
}

func (c *sessionController) awaitLoop(ctx context.Context, done <-chan struct{}, gen int) error {
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation == gen && c.loop == LoopStopping {
		c.loop = LoopStopped
	}

	return nil
}

// writeFailed must be called with mu held. A failed write leaves the device
// in an unknown state so the connection is dropped.
func (c *sessionController) writeFailed(ctx context.Context, err error) {
	logger := logging.GetFromContext(ctx)
	logger.Error().Err(err).Msg("failed to send command to device")

	c.lastError = err.Error()
	c.closeConnection()
}
