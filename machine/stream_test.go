package machine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RefikCodes/raptorex-core/grbl"
)

func TestRun_StreamsEveryLine(t *testing.T) {
	m, f := connectTestMachine(t)

	job, err := m.Run([]string{"G0 X1", "G1 Y5 F500", "G0 X0"})
	require.NoError(t, err)
	waitDone(t, job)

	assert.Equal(t, JobCompleted, job.State())
	assert.Equal(t, 0, job.ErrorCount())

	written := f.written()
	assert.Contains(t, written, "G0 X1")
	assert.Contains(t, written, "G1 Y5 F500")
	assert.Contains(t, written, "G0 X0")

	p := job.Progress()
	assert.Equal(t, 3, p.Line)
	assert.Equal(t, 3, p.Total)
}

func TestRun_ControllerErrorDoesNotAbort(t *testing.T) {
	m, f := connectTestMachine(t)

	f.setRespond(func(line string) []string {
		if line == "G1 Y5" {
			return []string{"error:22"}
		}
		return defaultRespond(line)
	})

	job, err := m.Run([]string{"G0 X1", "G1 Y5", "G0 X0"})
	require.NoError(t, err)
	waitDone(t, job)

	// the rejected line is tallied, the rest still streams
	assert.Equal(t, JobCompleted, job.State())
	assert.Equal(t, 1, job.ErrorCount())
	assert.Contains(t, f.written(), "G0 X0")
}

func TestRun_Busy(t *testing.T) {
	m, f := connectTestMachine(t)

	f.setRespond(func(line string) []string {
		if strings.HasPrefix(line, "G") {
			return nil // ack by hand
		}
		return defaultRespond(line)
	})

	job, err := m.Run([]string{"G0 X1"})
	require.NoError(t, err)

	_, err = m.Run([]string{"G0 X2"})
	assert.ErrorIs(t, err, ErrBusy)

	time.Sleep(20 * time.Millisecond)
	f.push("ok")
	waitDone(t, job)
	assert.Equal(t, JobCompleted, job.State())

	// slot frees up once the job drains
	job2, err := m.Run(nil)
	require.NoError(t, err)
	waitDone(t, job2)
}

func TestJob_PauseResume(t *testing.T) {
	m, f := connectTestMachine(t)

	f.setRespond(func(line string) []string {
		if strings.HasPrefix(line, "G") {
			return nil
		}
		return defaultRespond(line)
	})

	job, err := m.Run([]string{"G0 X1"})
	require.NoError(t, err)

	require.NoError(t, job.Pause())
	assert.Equal(t, JobPaused, job.State())
	assert.Equal(t, 1, f.countCtrl(grbl.CharHold))

	require.NoError(t, job.Resume())
	assert.Equal(t, JobRunning, job.State())
	assert.Equal(t, 1, f.countCtrl(grbl.CharResume))

	f.push("ok")
	waitDone(t, job)
	assert.Equal(t, JobCompleted, job.State())
}

func TestJob_StopDiscardsRemainder(t *testing.T) {
	m, f := connectTestMachine(t)

	f.setRespond(func(line string) []string {
		if strings.HasPrefix(line, "G") {
			return nil
		}
		return defaultRespond(line)
	})

	job, err := m.Run([]string{"G0 X1", "G0 X2", "G0 X3"})
	require.NoError(t, err)

	// first line is in flight, unacknowledged
	require.Eventually(t, func() bool {
		return f.countWritten("G0 X1") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, job.Stop())
	waitDone(t, job)

	assert.Equal(t, JobAborted, job.State())
	assert.Zero(t, f.countWritten("G0 X2"))
	assert.Zero(t, f.countWritten("G0 X3"))

	// full stop sequence on the wire
	ctrl := f.controls()
	assert.Contains(t, ctrl, grbl.CharHold)
	assert.Contains(t, ctrl, grbl.CharJogCancel)
	assert.Contains(t, ctrl, grbl.CharReset)
}

func TestRun_NotReady(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := m.Run([]string{"G0 X1"})
	assert.ErrorIs(t, err, ErrNotReady)
}
