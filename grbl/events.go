// Package grbl implements the wire protocol shared by GRBL and FluidNC
// controllers: line classification, settings ingestion, firmware identity
// and the flow-controlled serial connection.
package grbl

import (
	"fmt"
	"time"

	"github.com/RefikCodes/raptorex-core/coord"
)

// EventKind enumerates every inbound protocol line shape. Classification
// is a single exhaustive pass; there is no fallthrough ordering to get
// wrong.
type EventKind int

const (
	EventAck EventKind = iota
	EventError
	EventAlarm
	EventStatus
	EventConfigLine
	EventBanner
	EventProbe
)

func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ack"
	case EventError:
		return "error"
	case EventAlarm:
		return "alarm"
	case EventStatus:
		return "status"
	case EventConfigLine:
		return "config"
	case EventBanner:
		return "banner"
	case EventProbe:
		return "probe"
	}
	return "unknown"
}

// Event is one classified line from the controller.
type Event struct {
	Kind EventKind
	Line string // raw line as received

	Code   int           // EventError, EventAlarm
	Status *StatusFrame  // EventStatus
	Probe  *ProbeContact // EventProbe

	At time.Time
}

// ProbeContact is a firmware-reported probe trigger coordinate.
type ProbeContact struct {
	Point coord.Point
	Ok    bool
	At    time.Time
}

// ControllerError is a numbered firmware error (error:N). It is never
// fatal to a running job.
type ControllerError struct {
	Code int
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("controller error:%d", e.Code)
}

// ControllerAlarm is a firmware safety condition (ALARM:N).
type ControllerAlarm struct {
	Code int
}

func (e *ControllerAlarm) Error() string {
	return fmt.Sprintf("controller ALARM:%d", e.Code)
}
