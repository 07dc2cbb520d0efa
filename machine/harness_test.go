package machine

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeCtl is a scripted controller behind an io.ReadWriteCloser. Lines
// written to it are answered through respond, realtime bytes through
// onCtrl; push injects unsolicited traffic.
type fakeCtl struct {
	mx    sync.Mutex
	lines []string
	ctrl  []byte

	respond func(line string) []string
	onCtrl  func(b byte) []string

	in     chan []byte
	buf    []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeCtl() *fakeCtl {
	f := &fakeCtl{
		in:     make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	f.respond = defaultRespond
	f.onCtrl = defaultOnCtrl
	return f
}

func defaultRespond(line string) []string {
	switch line {
	case "$Config/Dump":
		return []string{
			"name=Raptorex",
			"board=ESP32",
			"x/max_rate_mm_per_min=5000.000 mm/min",
			"ok",
		}
	case "$$":
		return []string{"$110=5000.000", "$111=4000.000", "ok"}
	case "$I":
		return []string{"[VER:1.1h.20190825:]", "[OPT:V,15,128]", "ok"}
	case "$G":
		return []string{"[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0.0 S0]", "ok"}
	case "$#":
		return []string{"[G54:0.000,0.000,0.000]", "ok"}
	}
	return []string{"ok"}
}

func defaultOnCtrl(b byte) []string {
	switch b {
	case 0x18:
		return []string{"", "Grbl 1.1h ['$' for help]"}
	case '?':
		return []string{"<Idle|MPos:0.000,0.000,0.000|FS:0,0>"}
	}
	return nil
}

func (f *fakeCtl) setRespond(fn func(line string) []string) {
	f.mx.Lock()
	f.respond = fn
	f.mx.Unlock()
}

func (f *fakeCtl) setOnCtrl(fn func(b byte) []string) {
	f.mx.Lock()
	f.onCtrl = fn
	f.mx.Unlock()
}

// push queues lines for the reader, each CRLF terminated.
func (f *fakeCtl) push(lines ...string) {
	var b []byte
	for _, l := range lines {
		b = append(b, l...)
		b = append(b, '\r', '\n')
	}
	select {
	case f.in <- b:
	case <-f.closed:
	}
}

func (f *fakeCtl) Read(p []byte) (int, error) {
	if len(f.buf) == 0 {
		select {
		case b := <-f.in:
			f.buf = b
		case <-f.closed:
			return 0, io.ErrClosedPipe
		}
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func (f *fakeCtl) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	if len(p) > 0 && p[len(p)-1] == '\n' {
		line := strings.TrimRight(string(p), "\r\n")
		f.mx.Lock()
		f.lines = append(f.lines, line)
		respond := f.respond
		f.mx.Unlock()
		if out := respond(line); out != nil {
			f.push(out...)
		}
		return len(p), nil
	}

	for _, b := range p {
		f.mx.Lock()
		f.ctrl = append(f.ctrl, b)
		onCtrl := f.onCtrl
		f.mx.Unlock()
		if out := onCtrl(b); out != nil {
			f.push(out...)
		}
	}
	return len(p), nil
}

func (f *fakeCtl) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeCtl) written() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeCtl) controls() []byte {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]byte(nil), f.ctrl...)
}

func (f *fakeCtl) countWritten(line string) int {
	n := 0
	for _, l := range f.written() {
		if l == line {
			n++
		}
	}
	return n
}

func (f *fakeCtl) countCtrl(b byte) int {
	n := 0
	for _, c := range f.controls() {
		if c == b {
			n++
		}
	}
	return n
}

func testConfig(f *fakeCtl) Config {
	return Config{
		AckTimeout:         500 * time.Millisecond,
		StepTimeout:        500 * time.Millisecond,
		HomingTimeout:      time.Second,
		UnlockPolls:        2,
		UnlockPollInterval: 100 * time.Millisecond,
		RecoveryRetries:    3,
		RecoveryBackoff:    10 * time.Millisecond,
		RecoveryGrace:      50 * time.Millisecond,
		JogBaseInterval:    50 * time.Millisecond,
		JogMovingInterval:  100 * time.Millisecond,
		JogStopTimeout:     300 * time.Millisecond,
		PollIdle:           time.Hour,
		PollActive:         time.Hour,
		Dial: func(string, int) (io.ReadWriteCloser, error) {
			return f, nil
		},
	}
}

func nopLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func newTestMachine(t *testing.T) (*Machine, *fakeCtl) {
	t.Helper()
	f := newFakeCtl()
	m := New(testConfig(f), nopLogger())
	t.Cleanup(m.Disconnect)
	return m, f
}

func connectTestMachine(t *testing.T) (*Machine, *fakeCtl) {
	t.Helper()
	m, f := newTestMachine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx, "fake0", 115200))
	require.Equal(t, Ready, m.ConnState())
	return m, f
}

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
}
