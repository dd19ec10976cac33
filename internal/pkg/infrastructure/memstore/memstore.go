// Package memstore keeps sessions in process memory. It stands in for the
// persistence backend when none is configured.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/diwise/integration-compression/domain"
	"github.com/google/uuid"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	now      func() time.Time
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*domain.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateSession(ctx context.Context, cfg domain.SessionConfig) (domain.Session, error) {
	if cfg.PatientID == "" || cfg.TargetPressure <= 0 || cfg.HoldTimeSeconds <= 0 {
		return domain.Session{}, fmt.Errorf("invalid session configuration %+v", cfg)
	}

	session := &domain.Session{
		ID:              uuid.NewString(),
		PatientID:       cfg.PatientID,
		TargetPressure:  cfg.TargetPressure,
		HoldTimeSeconds: cfg.HoldTimeSeconds,
		StartedAt:       s.now(),
		Readings:        []domain.Reading{},
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return clone(session), nil
}

func (s *Store) AppendReading(ctx context.Context, sessionID string, r domain.Reading) (domain.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Reading{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}

	if session.Ended() {
		return domain.Reading{}, fmt.Errorf("%w: %s", domain.ErrSessionEnded, sessionID)
	}

	r.SessionID = sessionID
	if r.RecordedAt.IsZero() {
		r.RecordedAt = s.now()
	}

	session.Readings = append(session.Readings, r)

	return r, nil
}

// EndSession marks the session as terminal. Later appends are refused.
func (s *Store) EndSession(ctx context.Context, sessionID string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}

	if !session.Ended() {
		endedAt := s.now()
		session.EndedAt = &endedAt
	}

	return clone(session), nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}

	return clone(session), nil
}

func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return s.list(func(*domain.Session) bool { return true }), nil
}

func (s *Store) ListSessionsByPatient(ctx context.Context, patientID string) ([]domain.Session, error) {
	return s.list(func(session *domain.Session) bool { return session.PatientID == patientID }), nil
}

func (s *Store) list(include func(*domain.Session) bool) []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := []domain.Session{}
	for _, session := range s.sessions {
		if include(session) {
			c := clone(session)
			c.Readings = nil
			sessions = append(sessions, c)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})

	return sessions
}

func clone(session *domain.Session) domain.Session {
	c := *session
	c.Readings = append([]domain.Reading{}, session.Readings...)
	if session.EndedAt != nil {
		endedAt := *session.EndedAt
		c.EndedAt = &endedAt
	}
	return c
}
