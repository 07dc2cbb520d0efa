package machine

import (
	"context"
	"sync"
	"time"

	"github.com/RefikCodes/raptorex-core/grbl"
)

// Decision is a surfaced choice between resuming held motion and a full
// stop. Exactly one of Continue or Stop should be called.
type Decision struct {
	Reason string

	m   *Machine
	job *Job

	once sync.Once
}

// Continue releases the feed hold and lets the job carry on.
func (d *Decision) Continue() error {
	var err error
	d.once.Do(func() {
		d.m.clearStopPending()
		err = d.m.SendControl(grbl.CharResume)
	})
	return err
}

// Stop runs the full stop sequence and aborts the job.
func (d *Decision) Stop() error {
	var err error
	d.once.Do(func() {
		d.m.clearStopPending()
		if d.job != nil {
			d.job.forceAbort()
		}
		err = d.m.stopSequence()
	})
	return err
}

// recoverer owns the alarm/hold state machine: unlock retries with
// incremental backoff for alarms, decision points for holds, and a
// grace window that keeps overlapping status reports from re-triggering
// recovery right after a stop sequence.
type recoverer struct {
	m *Machine

	mx          sync.Mutex
	busy        bool
	holdActive  bool
	stopPending bool
	graceUntil  time.Time
}

func newRecoverer(m *Machine) *recoverer {
	return &recoverer{m: m}
}

// RequestStop feed-holds a running job. The abort itself waits for the
// hold decision point.
func (m *Machine) RequestStop() error {
	job := m.currentJob()
	if job == nil {
		return nil
	}
	m.rec.mx.Lock()
	m.rec.stopPending = true
	m.rec.mx.Unlock()
	return m.SendControl(grbl.CharHold)
}

func (m *Machine) clearStopPending() {
	m.rec.mx.Lock()
	m.rec.stopPending = false
	m.rec.mx.Unlock()
}

// stopSequence is the shared full stop: hold, cancel any jog, soft
// reset, unlock. It opens the recovery grace window so the resulting
// alarm-ish status churn is not treated as a new incident.
func (m *Machine) stopSequence() error {
	m.rec.setGrace()

	if err := m.SendControl(grbl.CharHold); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	if err := m.SendControl(grbl.CharJogCancel); err != nil {
		return err
	}
	if err := m.SendControl(grbl.CharReset); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StepTimeout)
	defer cancel()
	err := m.SendCommand(ctx, "$X")
	if fatalHandshake(err) {
		return err
	}
	return nil
}

func (r *recoverer) setGrace() {
	r.mx.Lock()
	r.graceUntil = time.Now().Add(r.m.cfg.RecoveryGrace)
	r.mx.Unlock()
}

func (r *recoverer) onStatus(s Snapshot) {
	switch s.State {
	case StateHold:
		r.enterHold()
	case StateAlarm:
		r.onAlarm(0)
	default:
		r.mx.Lock()
		r.holdActive = false
		r.mx.Unlock()
	}
}

func (r *recoverer) enterHold() {
	r.mx.Lock()
	if r.holdActive {
		r.mx.Unlock()
		return
	}
	r.holdActive = true
	pending := r.stopPending
	r.mx.Unlock()

	job := r.m.currentJob()
	if job == nil || !pending {
		return
	}

	d := &Decision{
		Reason: "feed hold engaged while stopping a job",
		m:      r.m,
		job:    job,
	}
	select {
	case r.m.decision <- d:
	default:
		r.m.log.Warnw("decision point dropped: no consumer")
	}
}

func (r *recoverer) onAlarm(code int) {
	// the handshake's resilient unlock owns alarm clearing until Ready
	if r.m.ConnState() != Ready {
		return
	}

	r.mx.Lock()
	if r.busy || time.Now().Before(r.graceUntil) {
		r.mx.Unlock()
		return
	}
	r.busy = true
	r.mx.Unlock()

	go func() {
		defer func() {
			r.mx.Lock()
			r.busy = false
			r.mx.Unlock()
		}()

		if err := r.recover(code); err != nil {
			r.m.log.Errorw("alarm recovery failed, manual action required",
				"code", code, "error", err)
		}
	}()
}

// recover tries a direct unlock first; while the alarm persists it
// escalates to soft reset plus unlock, backing off a little more each
// attempt. Retries are strictly bounded.
func (r *recoverer) recover(code int) error {
	m := r.m
	for attempt := 0; attempt < m.cfg.RecoveryRetries; attempt++ {
		if attempt > 0 {
			if err := m.SendControl(grbl.CharReset); err != nil {
				return err
			}
			time.Sleep(m.cfg.UnlockPollInterval)
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StepTimeout)
		err := m.SendCommand(ctx, "$X")
		cancel()
		if fatalHandshake(err) {
			return err
		}

		if r.cleared() {
			m.log.Infow("alarm cleared", "code", code, "attempts", attempt+1)
			return nil
		}

		time.Sleep(m.cfg.RecoveryBackoff * time.Duration(attempt+1))
	}
	return ErrRecoveryExhausted
}

// cleared polls one status report and checks the alarm is gone.
func (r *recoverer) cleared() bool {
	if err := r.m.SendControl(grbl.CharStatus); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.m.cfg.UnlockPollInterval*2)
	defer cancel()
	snap, err := r.m.awaitStatus(ctx, func(Snapshot) bool { return true })
	return err == nil && snap.State != StateAlarm
}
