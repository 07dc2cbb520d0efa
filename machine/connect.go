package machine

import (
	"context"
	"errors"
	"time"

	"github.com/RefikCodes/raptorex-core/grbl"
)

// Connect opens the device and runs the handshake. Each substep is
// individually tolerant of a timeout — the controller may simply not
// implement the query — but any transport failure aborts straight to
// Disconnected.
func (m *Machine) Connect(ctx context.Context, device string, baud int) error {
	m.mx.Lock()
	if m.connState != Disconnected {
		m.mx.Unlock()
		return ErrAlreadyOpen
	}
	m.connState = Connecting
	m.mx.Unlock()
	select {
	case m.connCh <- Connecting:
	default:
	}

	rw, err := m.cfg.Dial(device, baud)
	if err != nil {
		m.log.Errorw("open failed", "device", device, "error", err)
		m.setConnState(Disconnected)
		return err
	}

	// reset session state before the read pump can deliver anything
	m.settings.Clear()
	m.probe.Reset()
	m.mx.Lock()
	m.snap = Snapshot{}
	m.identity = grbl.Identity{}
	m.parserModes = ""
	m.hierParser = grbl.HierarchicalParser{}
	m.session = &Session{
		Device:         device,
		Baud:           baud,
		TransportClass: "serial",
		ConnectedAt:    time.Now(),
	}
	m.mx.Unlock()

	conn := grbl.NewConn(rw, m.handleEvent, m.log)
	m.mx.Lock()
	m.conn = conn
	m.mx.Unlock()

	go m.watchLost(conn)

	m.setConnState(Handshake)
	if err := m.handshake(ctx, conn); err != nil {
		m.log.Errorw("handshake failed", "error", err)
		m.teardown()
		return err
	}

	// the record set only changes across reconnects from here on
	m.settings.Freeze()

	m.mx.Lock()
	pollStop := make(chan struct{})
	m.pollStop = pollStop
	m.mx.Unlock()
	go m.pollLoop(pollStop)

	m.setConnState(Ready)
	m.log.Infow("session ready",
		"device", device,
		"firmware", m.Identity().Name,
		"settings", m.settings.Len(),
	)
	return nil
}

// fatalHandshake reports whether a substep error must abort the
// handshake. Timeouts and numbered controller errors are tolerated;
// transport loss and caller cancellation are not.
func fatalHandshake(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ce *grbl.ControllerError
	return !errors.As(err, &ce)
}

func (m *Machine) handshake(ctx context.Context, conn *grbl.Conn) error {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) error {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(sctx)
		if err == nil {
			return nil
		}
		if fatalHandshake(err) {
			return err
		}
		m.log.Warnw("handshake step tolerated a failure", "step", name, "error", err)
		return nil
	}

	// wake the controller and wait for its banner
	if err := step("reset", m.cfg.StepTimeout, func(sctx context.Context) error {
		if err := conn.SendRealtime(grbl.CharReset); err != nil {
			return err
		}
		_, err := m.awaitEvent(sctx, func(ev grbl.Event) bool {
			return ev.Kind == grbl.EventBanner
		})
		return err
	}); err != nil {
		return err
	}

	// resilient unlock: the unlock itself may be rejected while the
	// status still shows Alarm for a few polls
	if err := step("unlock", m.cfg.StepTimeout+time.Duration(m.cfg.UnlockPolls)*m.cfg.UnlockPollInterval, func(sctx context.Context) error {
		lctx, cancel := context.WithTimeout(sctx, m.cfg.StepTimeout)
		err := conn.SendLine(lctx, "$X")
		cancel()
		if fatalHandshake(err) {
			return err
		}
		for i := 0; i < m.cfg.UnlockPolls; i++ {
			if err := conn.SendRealtime(grbl.CharStatus); err != nil {
				return err
			}
			pctx, cancel := context.WithTimeout(sctx, m.cfg.UnlockPollInterval)
			snap, err := m.awaitStatus(pctx, func(Snapshot) bool { return true })
			cancel()
			if err == nil && snap.State != StateAlarm {
				return nil
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if m.cfg.HomeOnConnect {
		if err := step("home", m.cfg.HomingTimeout, func(sctx context.Context) error {
			return conn.SendLine(sctx, "$H")
		}); err != nil {
			return err
		}
	}

	// hierarchical config dump; plain GRBL answers error:3 and the
	// step is tolerated
	if err := step("config-dump", m.cfg.StepTimeout, func(sctx context.Context) error {
		conn.BeginConfigDump()
		return conn.SendLine(sctx, "$Config/Dump")
	}); err != nil {
		return err
	}

	// numbered settings, twice: a second burst catches lines the
	// controller dropped while its TX buffer was saturated
	for i := 0; i < 2; i++ {
		if err := step("settings", m.cfg.StepTimeout, func(sctx context.Context) error {
			return conn.SendLine(sctx, "$$")
		}); err != nil {
			return err
		}
	}

	if err := step("identity", m.cfg.StepTimeout, func(sctx context.Context) error {
		return conn.SendLine(sctx, "$I")
	}); err != nil {
		return err
	}

	if err := step("parser-state", m.cfg.StepTimeout, func(sctx context.Context) error {
		return conn.SendLine(sctx, "$G")
	}); err != nil {
		return err
	}

	return step("parameters", m.cfg.StepTimeout, func(sctx context.Context) error {
		return conn.SendLine(sctx, "$#")
	})
}
