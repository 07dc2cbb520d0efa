package vm

import (
	"time"

	"github.com/RefikCodes/raptorex-core/coord"
	"github.com/RefikCodes/raptorex-core/gcode"
)

// DefaultRapidRate is used when the controller's max-rate setting is not
// known yet, mm/min.
const DefaultRapidRate = 5000

// Machine tracks modal state across a program and derives per-block travel
// and duration estimates. It mirrors what the firmware planner will do only
// closely enough for progress projection.
type Machine struct {
	pos coord.Point

	modal [256]float64

	feed      float64
	rapidRate float64
}

func NewMachine() *Machine {
	m := &Machine{rapidRate: DefaultRapidRate}

	// grbl defaults
	m.modal[gcode.ModalGroupMotion] = 0
	m.modal[gcode.ModalGroupCoordinateSystem] = 54
	m.modal[gcode.ModalGroupPlaneSelection] = 17
	m.modal[gcode.ModalGroupDistanceMode] = 90
	m.modal[gcode.ModalGroupArcDistanceMode] = 91.1
	m.modal[gcode.ModalGroupFeedRateMode] = 94
	m.modal[gcode.ModalGroupUnits] = 21
	m.modal[gcode.ModalGroupCutterCompensationMode] = 40
	m.modal[gcode.ModalGroupToolLength] = 49
	m.modal[gcode.ModalGroupStopping] = 0
	m.modal[gcode.ModalGroupSpindle] = 5
	m.modal[gcode.ModalGroupCoolant] = 9

	return m
}

// SetRapidRate sets the G0 traverse rate in mm/min, typically the
// controller's max-rate setting.
func (m *Machine) SetRapidRate(mmPerMin float64) {
	if mmPerMin > 0 {
		m.rapidRate = mmPerMin
	}
}

func (m Machine) Inches() bool         { return m.modal[gcode.ModalGroupUnits] == 20 }
func (m Machine) RelativeMotion() bool { return m.modal[gcode.ModalGroupDistanceMode] == 91 }
func (m Machine) Feed() float64        { return m.feed }
func (m Machine) Pos() coord.Point     { return m.pos }

func applyBlock(p coord.Point, b gcode.Block, mul float64) coord.Point {
	for _, g := range b {
		switch g.W {
		case 'X':
			p.X = g.Arg * mul
		case 'Y':
			p.Y = g.Arg * mul
		case 'Z':
			p.Z = g.Arg * mul
		}
	}

	return p
}

// Apply runs one block through the modal state and returns the estimated
// execution time at 100% feed override. Unsupported words are ignored
// rather than rejected: estimation must never stall a job the firmware
// is willing to run.
func (m *Machine) Apply(b gcode.Block) time.Duration {
	for _, g := range b {
		mg := g.ModalGroup()
		if mg != gcode.ModalGroupNone && mg != gcode.ModalGroupNonModal {
			m.modal[mg] = g.Arg
		}
		if g.W == 'F' {
			m.feed = g.Arg
		}
	}

	// dwell time is explicit
	for _, g := range b {
		if g.W == 'G' && g.Arg == 4 {
			if ok, p := b.Arg('P'); ok {
				return time.Duration(p * float64(time.Second))
			}
		}
	}

	args := b.Args()
	if len(args) == 0 {
		return 0
	}

	mul := 1.0
	if m.Inches() {
		mul = 25.4
	}

	prev := m.pos
	if m.RelativeMotion() {
		m.pos = m.pos.Add(applyBlock(coord.Point{}, args, mul))
	} else {
		m.pos = applyBlock(m.pos, args, mul)
	}

	dist := prev.Distance(m.pos)
	if dist == 0 {
		return 0
	}

	rate := m.rapidRate
	if m.modal[gcode.ModalGroupMotion] != 0 {
		rate = m.feed * mul
	}
	if rate <= 0 {
		rate = m.rapidRate
	}

	return time.Duration(dist / rate * float64(time.Minute))
}
