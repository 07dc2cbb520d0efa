package machine

import (
	"time"

	"github.com/RefikCodes/raptorex-core/grbl"
)

// pollLoop keeps the snapshot fresh with periodic '?' queries. It stays
// silent while the firmware auto-reports, and tightens the interval
// while the machine is in motion or a job is streaming.
func (m *Machine) pollLoop(stop <-chan struct{}) {
	t := time.NewTimer(m.cfg.PollIdle)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}

		m.mx.RLock()
		auto := m.autoReport
		m.mx.RUnlock()

		if !auto {
			if err := m.SendControl(grbl.CharStatus); err != nil {
				return
			}
		}

		interval := m.cfg.PollIdle
		if m.Snapshot().State.Moving() || m.currentJob() != nil {
			interval = m.cfg.PollActive
		}
		t.Reset(interval)
	}
}
