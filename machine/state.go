package machine

import (
	"strings"
	"time"

	"github.com/RefikCodes/raptorex-core/coord"
	"github.com/RefikCodes/raptorex-core/grbl"
)

// ConnState is the connection orchestrator's state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Handshake
	Ready
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshake:
		return "handshake"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// State classifies the controller's reported machine state.
type State string

const (
	StateIdle    State = "Idle"
	StateRun     State = "Run"
	StateHold    State = "Hold"
	StateJog     State = "Jog"
	StateAlarm   State = "Alarm"
	StateDoor    State = "Door"
	StateHome    State = "Home"
	StateCheck   State = "Check"
	StateSleep   State = "Sleep"
	StateUnknown State = "Unknown"
)

// ClassifyState maps a raw status token ("Hold:0", "Door:1", "Idle")
// onto the closed state set.
func ClassifyState(raw string) State {
	base := strings.SplitN(strings.TrimSpace(raw), ":", 2)[0]
	switch base {
	case "Idle":
		return StateIdle
	case "Run":
		return StateRun
	case "Hold":
		return StateHold
	case "Jog":
		return StateJog
	case "Alarm":
		return StateAlarm
	case "Door":
		return StateDoor
	case "Home":
		return StateHome
	case "Check":
		return StateCheck
	case "Sleep":
		return StateSleep
	}
	return StateUnknown
}

// Moving reports whether the machine is executing motion.
func (s State) Moving() bool {
	return s == StateRun || s == StateJog || s == StateHome
}

// Snapshot is the published machine-state view. It is a value: readers
// get copies and tolerate concurrent mutation of the live state.
type Snapshot struct {
	State    State
	RawState string

	MPos coord.Point
	WPos coord.Point
	A    float64
	HasA bool

	Feed    float64
	Spindle float64

	SpindleOn      bool
	FloodOn        bool
	MistOn         bool
	AccessoryValid bool

	LimitX    bool
	LimitY    bool
	LimitZ    bool
	ProbePin  bool
	PinsValid bool

	FeedOverride int

	UpdatedAt time.Time
}

func snapshotFrom(f grbl.StatusFrame, at time.Time) Snapshot {
	return Snapshot{
		State:          ClassifyState(f.State),
		RawState:       f.State,
		MPos:           f.MPos,
		WPos:           f.WPos,
		A:              f.A,
		HasA:           f.HasA,
		Feed:           f.Feed,
		Spindle:        f.Spindle,
		SpindleOn:      f.SpindleOn,
		FloodOn:        f.FloodOn,
		MistOn:         f.MistOn,
		AccessoryValid: f.HasAccessories,
		LimitX:         f.LimitX,
		LimitY:         f.LimitY,
		LimitZ:         f.LimitZ,
		ProbePin:       f.ProbePin,
		PinsValid:      f.HasPins,
		FeedOverride:   f.FeedOverride,
		UpdatedAt:      at,
	}
}

// Session describes one connection attempt to a device.
type Session struct {
	Device         string
	Description    string
	Manufacturer   string
	TransportClass string

	Baud int

	ConnectedAt    time.Time
	DisconnectedAt time.Time
}
