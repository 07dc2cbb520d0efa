package machine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/RefikCodes/raptorex-core/grbl"
)

// JogMode selects between bounded single moves and held-button motion.
type JogMode int

const (
	JogStep JogMode = iota
	JogContinuous
)

// JogRequest is one interactive motion request.
type JogRequest struct {
	Axis byte // 'X', 'Y', 'Z' or 'A'
	Dir  int  // +1 or -1
	Mode JogMode
	Feed float64 // mm/min
	Step float64 // step-mode distance, mm
}

// jogger rate-limits continuous jog traffic against live motion state.
// The minimum inter-command interval widens while the machine is already
// moving and narrows when idle; step-mode requests bypass it entirely.
type jogger struct {
	m *Machine

	mx       sync.Mutex
	jogging  bool
	axis     byte
	dir      int
	lastSent time.Time
	moving   bool
}

func newJogger(m *Machine) *jogger {
	return &jogger{m: m}
}

func (m *Machine) Jog(req JogRequest) error {
	if m.readyConn() == nil {
		return ErrNotReady
	}
	return m.jog.request(req)
}

// JogCancel stops any continuous jog. It is a safe no-op when not
// jogging.
func (m *Machine) JogCancel() error {
	return m.jog.stop()
}

func (j *jogger) onStatus(s Snapshot) {
	j.mx.Lock()
	j.moving = s.State.Moving()
	if j.jogging && s.State == StateIdle {
		j.jogging = false
	}
	j.mx.Unlock()
}

func (j *jogger) reset() {
	j.mx.Lock()
	j.jogging = false
	j.lastSent = time.Time{}
	j.mx.Unlock()
}

func jogLine(req JogRequest, dist float64) string {
	return fmt.Sprintf("$J=G21G91F%s%c%s",
		strconv.FormatFloat(req.Feed, 'f', -1, 64),
		req.Axis,
		strconv.FormatFloat(float64(req.Dir)*dist, 'f', 3, 64),
	)
}

func (j *jogger) request(req JogRequest) error {
	if req.Dir == 0 {
		req.Dir = 1
	}
	if req.Feed <= 0 {
		req.Feed = 1000
	}
	j.clampFeed(&req)

	if req.Mode == JogStep {
		// one bounded move, no throttling
		return j.send(jogLine(req, req.Step))
	}

	j.mx.Lock()
	if j.jogging && (j.axis != req.Axis || j.dir != req.Dir) {
		j.mx.Unlock()
		if err := j.stopAndWaitIdle(); err != nil {
			return err
		}
		j.mx.Lock()
	}

	interval := j.m.cfg.JogBaseInterval
	if j.moving {
		interval = j.m.cfg.JogMovingInterval
	}
	if time.Since(j.lastSent) < interval {
		// coalesced with the in-flight request
		j.mx.Unlock()
		return nil
	}
	j.lastSent = time.Now()
	j.jogging = true
	j.axis, j.dir = req.Axis, req.Dir
	j.mx.Unlock()

	return j.send(jogLine(req, j.m.cfg.JogTravel))
}

// clampFeed bounds the requested feed by the axis max-rate setting when
// it is known.
func (j *jogger) clampFeed(req *JogRequest) {
	id := "x/max_rate_mm_per_min"
	switch req.Axis {
	case 'Y':
		id = "y/max_rate_mm_per_min"
	case 'Z':
		id = "z/max_rate_mm_per_min"
	case 'A':
		id = "a/max_rate_mm_per_min"
	}
	if maxRate, ok := j.m.settings.Float(id); ok && maxRate > 0 && req.Feed > maxRate {
		req.Feed = maxRate
	}
}

func (j *jogger) send(line string) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.m.cfg.AckTimeout)
	defer cancel()
	return j.m.SendCommand(ctx, line)
}

// stopAndWaitIdle runs the direction-change stop sequence (feed hold,
// jog cancel, resume) and blocks new motion until the machine reports
// Idle. The wait is bounded; on timeout the jogging flag is force-closed
// so the throttler cannot wedge.
func (j *jogger) stopAndWaitIdle() error {
	for _, b := range []byte{grbl.CharHold, grbl.CharJogCancel, grbl.CharResume} {
		if err := j.m.SendControl(b); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.m.cfg.JogStopTimeout)
	defer cancel()
	_, err := j.m.awaitStatus(ctx, func(s Snapshot) bool { return s.State == StateIdle })

	j.mx.Lock()
	j.jogging = false
	j.lastSent = time.Time{}
	j.mx.Unlock()

	if err != nil {
		return ErrJogStopStuck
	}
	return nil
}

// stop cancels a continuous jog; idempotent.
func (j *jogger) stop() error {
	j.mx.Lock()
	active := j.jogging
	j.jogging = false
	j.mx.Unlock()

	if !active {
		return nil
	}
	return j.m.SendControl(grbl.CharJogCancel)
}
