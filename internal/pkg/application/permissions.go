package application

import (
	"github.com/diwise/integration-compression/domain"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/device"
)

// ControlState is the single authoritative tuple every operator permission is
// derived from.
type ControlState struct {
	PatientID         string          `json:"patientId"`
	Session           *domain.Session `json:"session"`
	SelectedPort      *device.Port    `json:"selectedPort"`
	Connected         bool            `json:"connected"`
	Monitoring        bool            `json:"monitoring"`
	StartedFromDevice bool            `json:"startedFromDevice"`
	TargetPressure    float64         `json:"targetPressure"`
	HoldTimeSeconds   int             `json:"holdTimeSeconds"`
}

func defaultControlState() ControlState {
	return ControlState{
		TargetPressure:  domain.DefaultTargetPressure,
		HoldTimeSeconds: domain.DefaultHoldTimeSeconds,
	}
}

type Permissions struct {
	CanCreateSession bool `json:"canCreateSession"`
	CanPickDevice    bool `json:"canPickDevice"`
	CanConnect       bool `json:"canConnect"`
	CanStart         bool `json:"canStart"`
	CanStop          bool `json:"canStop"`
	CanReset         bool `json:"canReset"`
}

// PermissionsFor computes the permitted operator actions from s. It is
// recomputed on every read and never stored.
func PermissionsFor(s ControlState) Permissions {
	hasSession := s.Session != nil

	return Permissions{
		CanCreateSession: s.PatientID != "" && !hasSession && s.TargetPressure > 0 && s.HoldTimeSeconds > 0,
		CanPickDevice:    hasSession && !s.Monitoring,
		CanConnect:       hasSession && s.SelectedPort != nil && !s.Connected,
		CanStart:         hasSession && s.Connected && !s.Monitoring,
		CanStop:          hasSession && s.Monitoring,
		CanReset:         !s.Monitoring && (hasSession || s.PatientID != ""),
	}
}

// StartedByDevice reports whether a decoded reading arriving in state s means
// the controller began a cycle on its own.
func StartedByDevice(s ControlState) bool {
	return !s.Monitoring && s.Session != nil && s.Connected
}

type LoopState string

const (
	LoopIdle     LoopState = "idle"
	LoopReading  LoopState = "reading"
	LoopStopping LoopState = "stopping"
	LoopStopped  LoopState = "stopped"
)
