// Package machine drives a GRBL/FluidNC controller session: connection
// handshake, live state, flow-controlled streaming, jog throttling and
// alarm recovery. It publishes snapshots and events upward; it renders
// nothing.
package machine

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RefikCodes/raptorex-core/grbl"
	"github.com/RefikCodes/raptorex-core/transport"
)

var (
	ErrNotReady          = errors.New("machine: not connected")
	ErrBusy              = errors.New("machine: a job is already running")
	ErrAlreadyOpen       = errors.New("machine: a session is already open")
	ErrJogStopStuck      = errors.New("machine: machine did not report idle after jog stop")
	ErrRecoveryExhausted = errors.New("machine: alarm recovery exhausted")
)

// Config tunes the session state machines. Zero values take defaults.
type Config struct {
	HomeOnConnect bool

	AckTimeout         time.Duration // per-line acknowledgement bound
	StepTimeout        time.Duration // handshake substep bound
	HomingTimeout      time.Duration
	UnlockPolls        int
	UnlockPollInterval time.Duration

	RecoveryRetries int
	RecoveryBackoff time.Duration
	RecoveryGrace   time.Duration

	JogBaseInterval   time.Duration
	JogMovingInterval time.Duration
	JogStopTimeout    time.Duration
	JogTravel         float64 // continuous-jog segment length, mm

	PollIdle   time.Duration
	PollActive time.Duration

	// Dial opens the byte stream; defaults to the serial transport.
	Dial func(device string, baud int) (io.ReadWriteCloser, error)
}

func (c Config) withDefaults() Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.AckTimeout, 10*time.Second)
	def(&c.StepTimeout, 2*time.Second)
	def(&c.HomingTimeout, 90*time.Second)
	def(&c.UnlockPollInterval, 200*time.Millisecond)
	def(&c.RecoveryBackoff, 200*time.Millisecond)
	def(&c.RecoveryGrace, time.Second)
	def(&c.JogBaseInterval, 80*time.Millisecond)
	def(&c.JogMovingInterval, 250*time.Millisecond)
	def(&c.JogStopTimeout, 2*time.Second)
	def(&c.PollIdle, 500*time.Millisecond)
	def(&c.PollActive, 200*time.Millisecond)
	if c.UnlockPolls <= 0 {
		c.UnlockPolls = 5
	}
	if c.RecoveryRetries <= 0 {
		c.RecoveryRetries = 3
	}
	if c.JogTravel <= 0 {
		c.JogTravel = 1000
	}
	if c.Dial == nil {
		c.Dial = func(device string, baud int) (io.ReadWriteCloser, error) {
			return transport.Open(device, baud)
		}
	}
	return c
}

type eventWaiter struct {
	match func(grbl.Event) bool
	ch    chan grbl.Event
}

// Machine is one controller session and the sole owner of the outbound
// channel. Streaming, jogging and recovery all write through it.
type Machine struct {
	log *zap.SugaredLogger
	cfg Config

	mx          sync.RWMutex
	connState   ConnState
	snap        Snapshot
	identity    grbl.Identity
	session     *Session
	parserModes string
	autoReport  bool
	job         *Job

	settings   *grbl.Settings
	hierParser grbl.HierarchicalParser

	conn  *grbl.Conn
	probe *grbl.Correlator
	jog   *jogger
	rec   *recoverer

	waitMx  sync.Mutex
	waiters []*eventWaiter

	stateCh  chan Snapshot
	connCh   chan ConnState
	eventCh  chan grbl.Event
	decision chan *Decision

	pollStop chan struct{}
}

func New(cfg Config, log *zap.SugaredLogger) *Machine {
	m := &Machine{
		log:      log,
		cfg:      cfg.withDefaults(),
		settings: grbl.NewSettings(),
		probe:    grbl.NewCorrelator(),
		stateCh:  make(chan Snapshot, 16),
		connCh:   make(chan ConnState, 4),
		eventCh:  make(chan grbl.Event, 64),
		decision: make(chan *Decision, 4),
	}
	m.jog = newJogger(m)
	m.rec = newRecoverer(m)
	return m
}

// States yields a snapshot per status report. Slow consumers drop
// frames, never block the session.
func (m *Machine) States() <-chan Snapshot { return m.stateCh }

// ConnStates yields connection-state transitions.
func (m *Machine) ConnStates() <-chan ConnState { return m.connCh }

// Events yields classified protocol events for upward consumers.
func (m *Machine) Events() <-chan grbl.Event { return m.eventCh }

// Decisions yields hold decision points (continue vs. full stop).
func (m *Machine) Decisions() <-chan *Decision { return m.decision }

func (m *Machine) ConnState() ConnState {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return m.connState
}

func (m *Machine) Snapshot() Snapshot {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return m.snap
}

func (m *Machine) Identity() grbl.Identity {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return m.identity
}

// Settings returns the merged, sorted record set.
func (m *Machine) Settings() []grbl.Record { return m.settings.Sorted() }

// SettingFloat returns a setting's normalized numeric value.
func (m *Machine) SettingFloat(id string) (float64, bool) { return m.settings.Float(id) }

// ParserModes returns the last reported $G modal state line.
func (m *Machine) ParserModes() string {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return m.parserModes
}

func (m *Machine) Session() Session {
	m.mx.RLock()
	defer m.mx.RUnlock()
	if m.session == nil {
		return Session{}
	}
	return *m.session
}

// SetAutoReport flags that the firmware pushes status reports on its
// own; the poll loop must stay silent while it is set.
func (m *Machine) SetAutoReport(on bool) {
	m.mx.Lock()
	m.autoReport = on
	m.mx.Unlock()
}

// SendCommand submits a single line once the session is Ready.
func (m *Machine) SendCommand(ctx context.Context, line string) error {
	conn := m.readyConn()
	if conn == nil {
		return ErrNotReady
	}
	return conn.SendLine(ctx, line)
}

// SendControl submits a single realtime control character.
func (m *Machine) SendControl(b byte) error {
	m.mx.RLock()
	conn := m.conn
	m.mx.RUnlock()
	if conn == nil {
		return ErrNotReady
	}
	return conn.SendRealtime(b)
}

// WaitProbe blocks for the next probe contact newer than since.
func (m *Machine) WaitProbe(since time.Time, timeout time.Duration) (grbl.ProbeContact, error) {
	return m.probe.WaitNext(since, timeout)
}

func (m *Machine) readyConn() *grbl.Conn {
	m.mx.RLock()
	defer m.mx.RUnlock()
	if m.connState != Ready {
		return nil
	}
	return m.conn
}

func (m *Machine) setConnState(s ConnState) {
	m.mx.Lock()
	changed := m.connState != s
	m.connState = s
	m.mx.Unlock()
	if changed {
		select {
		case m.connCh <- s:
		default:
		}
	}
}

// awaitEvent blocks until an event matching match arrives or ctx ends.
func (m *Machine) awaitEvent(ctx context.Context, match func(grbl.Event) bool) (grbl.Event, error) {
	w := &eventWaiter{match: match, ch: make(chan grbl.Event, 1)}
	m.waitMx.Lock()
	m.waiters = append(m.waiters, w)
	m.waitMx.Unlock()

	defer func() {
		m.waitMx.Lock()
		for i, o := range m.waiters {
			if o == w {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
		m.waitMx.Unlock()
	}()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		return grbl.Event{}, ctx.Err()
	}
}

// awaitStatus waits for the next status report satisfying pred.
func (m *Machine) awaitStatus(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	ev, err := m.awaitEvent(ctx, func(ev grbl.Event) bool {
		return ev.Kind == grbl.EventStatus && pred(snapshotFrom(*ev.Status, ev.At))
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotFrom(*ev.Status, ev.At), nil
}

func (m *Machine) deliverToWaiter(ev grbl.Event) {
	m.waitMx.Lock()
	defer m.waitMx.Unlock()
	for i, w := range m.waiters {
		if w.match(ev) {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			w.ch <- ev
			return
		}
	}
}

// watchLost tears the session down when the transport dies. A deliberate
// Close ends the watch without a second teardown.
func (m *Machine) watchLost(conn *grbl.Conn) {
	select {
	case err := <-conn.Lost():
		m.handleLost(err)
	case <-conn.Done():
		select {
		case err := <-conn.Lost():
			m.handleLost(err)
		default:
		}
	}
}

func (m *Machine) handleLost(err error) {
	m.mx.Lock()
	if m.connState == Disconnected || m.conn == nil {
		m.mx.Unlock()
		return
	}
	m.mx.Unlock()

	m.log.Errorw("connection lost", "error", err)
	m.teardown()
}

// teardown forces the session to Disconnected and resets live state.
func (m *Machine) teardown() {
	m.mx.Lock()
	conn := m.conn
	m.conn = nil
	job := m.job
	m.job = nil
	if m.session != nil && m.session.DisconnectedAt.IsZero() {
		m.session.DisconnectedAt = time.Now()
	}
	m.snap = Snapshot{}
	pollStop := m.pollStop
	m.pollStop = nil
	m.mx.Unlock()

	if pollStop != nil {
		close(pollStop)
	}
	m.jog.reset()
	if job != nil {
		job.forceAbort()
	}
	if conn != nil {
		conn.Close()
	}
	m.setConnState(Disconnected)
}

// Disconnect closes the session deliberately.
func (m *Machine) Disconnect() {
	if m.ConnState() == Disconnected {
		return
	}
	m.log.Infow("disconnecting")
	m.teardown()
}

// handleEvent runs on the connection's read pump, so everything here is
// ingested before the terminating ack releases the command that caused
// it. It must never block on the machine's own line traffic.
func (m *Machine) handleEvent(ev grbl.Event) {
	switch ev.Kind {
	case grbl.EventStatus:
		snap := snapshotFrom(*ev.Status, ev.At)
		m.mx.Lock()
		m.snap = snap
		job := m.job
		m.mx.Unlock()

		select {
		case m.stateCh <- snap:
		default:
		}
		if job != nil && snap.FeedOverride > 0 {
			job.noteFeedOverride(snap.FeedOverride)
		}
		m.jog.onStatus(snap)
		m.rec.onStatus(snap)

	case grbl.EventAlarm:
		m.log.Warnw("controller alarm", "code", ev.Code)
		m.rec.onAlarm(ev.Code)

	case grbl.EventBanner:
		if id, ok := grbl.ParseBanner(ev.Line); ok {
			m.mergeIdentity(id)
		}

	case grbl.EventConfigLine:
		m.handleConfigLine(ev.Line)

	case grbl.EventProbe:
		m.probe.Publish(*ev.Probe)

	case grbl.EventError:
		// unsolicited: no line in flight claimed it
		m.log.Warnw("unsolicited controller error", "code", ev.Code)
	}

	m.deliverToWaiter(ev)

	select {
	case m.eventCh <- ev:
	default:
	}
}

func (m *Machine) handleConfigLine(line string) {
	if rec, ok := grbl.ParseNumbered(line); ok {
		m.settings.Put(rec)
		return
	}
	if id, ok := grbl.ParseVersionBlock(line); ok {
		m.mergeIdentity(id)
		return
	}
	if axes, ok := grbl.ParseOptionsBlock(line); ok {
		m.mergeIdentity(grbl.Identity{Axes: axes})
		return
	}
	if len(line) > 4 && line[0] == '[' && line[1] == 'G' && line[2] == 'C' {
		m.mx.Lock()
		m.parserModes = line
		m.mx.Unlock()
		return
	}
	if line != "" && line[0] == '[' {
		// coordinate system/offset blocks; kept only as events
		return
	}

	m.mx.Lock()
	rec, ok := m.hierParser.Parse(line)
	m.mx.Unlock()
	if !ok {
		return
	}
	m.settings.Put(rec)

	switch rec.Key {
	case "board":
		m.mergeIdentity(grbl.Identity{Board: rec.Value, FluidNC: true})
	case "name":
		m.mergeIdentity(grbl.Identity{ConfigName: rec.Value, FluidNC: true})
	case "axes":
		if n, ok := grbl.NormalizeValue(rec.Value); ok && n > 0 {
			m.mergeIdentity(grbl.Identity{Axes: int(n)})
		}
	}
}

func (m *Machine) mergeIdentity(update grbl.Identity) {
	m.mx.Lock()
	m.identity = m.identity.Merge(update)
	m.mx.Unlock()
}

func (m *Machine) currentJob() *Job {
	m.mx.RLock()
	defer m.mx.RUnlock()
	return m.job
}
