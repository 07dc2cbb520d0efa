package machine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RefikCodes/raptorex-core/grbl"
	"github.com/RefikCodes/raptorex-core/vm"
)

// JobState is the streaming flow controller's state.
type JobState int

const (
	JobIdle JobState = iota
	JobRunning
	JobPaused
	JobCompleted
	JobAborted
)

func (s JobState) String() string {
	switch s {
	case JobIdle:
		return "idle"
	case JobRunning:
		return "running"
	case JobPaused:
		return "paused"
	case JobCompleted:
		return "completed"
	case JobAborted:
		return "aborted"
	}
	return "unknown"
}

// Progress is a point-in-time projection of a job.
type Progress struct {
	State  JobState
	Line   int
	Total  int
	Errors int

	Elapsed   time.Duration
	Remaining time.Duration
}

// Job executes an ordered line sequence under strict ping-pong flow
// control: the next line leaves only after the previous one is
// acknowledged, so at most one line is ever unacknowledged.
//
// Numbered controller errors are tallied and logged but never abort the
// job; only an explicit stop or transport loss does.
type Job struct {
	m *Machine

	mx        sync.Mutex
	lines     []string
	estimates []time.Duration
	index     int
	errCount  int
	state     JobState
	feedScale float64

	started     time.Time
	pausedAt    time.Time
	pausedTotal time.Duration

	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
}

// Run starts streaming lines. The per-line time estimates come from the
// modal estimator seeded with the controller's max-rate setting.
func (m *Machine) Run(lines []string) (*Job, error) {
	conn := m.readyConn()
	if conn == nil {
		return nil, ErrNotReady
	}

	m.mx.Lock()
	if m.job != nil {
		m.mx.Unlock()
		return nil, ErrBusy
	}

	rapid, ok := m.settings.Float("x/max_rate_mm_per_min")
	if !ok {
		rapid = vm.DefaultRapidRate
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		m:         m,
		lines:     lines,
		estimates: vm.EstimateLines(lines, rapid),
		state:     JobRunning,
		feedScale: 1,
		started:   time.Now(),
		cancel:    cancel,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	m.job = job
	m.mx.Unlock()

	m.log.Infow("job started", "lines", len(lines))
	go job.run(ctx, conn)
	return job, nil
}

// Job returns the active job, if any.
func (m *Machine) Job() *Job { return m.currentJob() }

func (j *Job) run(ctx context.Context, conn *grbl.Conn) {
	defer close(j.done)
	defer j.m.clearJob(j)

	for {
		j.mx.Lock()
		switch {
		case j.state == JobAborted:
			j.mx.Unlock()
			return
		case j.index >= len(j.lines):
			j.state = JobCompleted
			j.mx.Unlock()
			j.m.log.Infow("job completed", "errors", j.ErrorCount())
			return
		case j.state == JobPaused:
			j.mx.Unlock()
			select {
			case <-j.kick:
			case <-ctx.Done():
			}
			continue
		}
		line := j.lines[j.index]
		j.mx.Unlock()

		lctx, cancel := context.WithTimeout(ctx, j.m.cfg.AckTimeout)
		err := conn.SendLine(lctx, line)
		cancel()

		var ce *grbl.ControllerError
		switch {
		case err == nil:
		case errors.As(err, &ce):
			// non-fatal by design: log, tally, keep streaming
			j.mx.Lock()
			j.errCount++
			j.mx.Unlock()
			j.m.log.Warnw("controller rejected line",
				"line", line, "code", ce.Code)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			j.m.log.Warnw("acknowledgement timed out, continuing", "line", line)
		default:
			// transport loss or explicit cancellation
			j.mx.Lock()
			j.state = JobAborted
			j.mx.Unlock()
			j.m.log.Warnw("job aborted", "error", err)
			return
		}

		j.mx.Lock()
		j.index++
		j.mx.Unlock()
	}
}

func (m *Machine) clearJob(j *Job) {
	m.mx.Lock()
	if m.job == j {
		m.job = nil
	}
	m.mx.Unlock()
}

// Pause feed-holds the machine and suspends streaming.
func (j *Job) Pause() error {
	j.mx.Lock()
	if j.state != JobRunning {
		j.mx.Unlock()
		return nil
	}
	j.state = JobPaused
	j.pausedAt = time.Now()
	j.mx.Unlock()
	return j.m.SendControl(grbl.CharHold)
}

// Resume releases the hold and continues streaming.
func (j *Job) Resume() error {
	j.mx.Lock()
	if j.state != JobPaused {
		j.mx.Unlock()
		return nil
	}
	j.state = JobRunning
	j.pausedTotal += time.Since(j.pausedAt)
	j.mx.Unlock()

	if err := j.m.SendControl(grbl.CharResume); err != nil {
		return err
	}
	select {
	case j.kick <- struct{}{}:
	default:
	}
	return nil
}

// Stop aborts the job through the full stop sequence and discards the
// unsent remainder.
func (j *Job) Stop() error {
	j.mx.Lock()
	if j.state != JobRunning && j.state != JobPaused {
		j.mx.Unlock()
		return nil
	}
	j.state = JobAborted
	j.mx.Unlock()

	j.cancel()
	select {
	case j.kick <- struct{}{}:
	default:
	}
	return j.m.stopSequence()
}

// forceAbort marks the job aborted without touching the wire; used when
// the transport is already gone.
func (j *Job) forceAbort() {
	j.mx.Lock()
	if j.state == JobRunning || j.state == JobPaused {
		j.state = JobAborted
	}
	j.mx.Unlock()
	j.cancel()
	select {
	case j.kick <- struct{}{}:
	default:
	}
}

// Done is closed when the job finishes for any reason.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) State() JobState {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.state
}

func (j *Job) ErrorCount() int {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.errCount
}

// noteFeedOverride rescales remaining estimates when the firmware
// reports a changed feed override.
func (j *Job) noteFeedOverride(percent int) {
	j.mx.Lock()
	j.feedScale = float64(percent) / 100
	j.mx.Unlock()
}

// Progress returns elapsed/remaining projections from the per-line
// estimates and the live feed override.
func (j *Job) Progress() Progress {
	j.mx.Lock()
	defer j.mx.Unlock()

	p := Progress{
		State:  j.state,
		Line:   j.index,
		Total:  len(j.lines),
		Errors: j.errCount,
	}

	if j.state == JobPaused {
		p.Elapsed = j.pausedAt.Sub(j.started) - j.pausedTotal
	} else {
		p.Elapsed = time.Since(j.started) - j.pausedTotal
	}

	var remaining time.Duration
	for _, d := range j.estimates[min(j.index, len(j.estimates)):] {
		remaining += d
	}
	if j.feedScale > 0 {
		remaining = time.Duration(float64(remaining) / j.feedScale)
	}
	p.Remaining = remaining
	return p
}
