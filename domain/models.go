package domain

import "time"

const (
	DefaultTargetPressure  float64 = 30
	DefaultHoldTimeSeconds int     = 10
)

type Session struct {
	ID              string     `json:"id"`
	PatientID       string     `json:"patientId"`
	TargetPressure  float64    `json:"targetPressure"`
	HoldTimeSeconds int        `json:"holdTimeSeconds"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt"`
	Readings        []Reading  `json:"readings,omitempty"`
}

// Ended reports whether the session has reached its terminal state.
func (s Session) Ended() bool {
	return s.EndedAt != nil
}

type SessionConfig struct {
	PatientID       string  `json:"patientId"`
	TargetPressure  float64 `json:"targetPressure"`
	HoldTimeSeconds int     `json:"holdTimeSeconds"`
}

type Reading struct {
	SessionID        string    `json:"sessionId,omitempty"`
	MeasuredPressure float64   `json:"measuredPressure"`
	Temperature      float64   `json:"temperature"`
	CycleIndex       *int      `json:"cycleIndex,omitempty"`
	RecordedAt       time.Time `json:"recordedAt"`
}
