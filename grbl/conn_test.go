package grbl

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptWire is an in-memory stand-in for the serial port: tests push
// controller responses and inspect what was written.
type scriptWire struct {
	mx    sync.Mutex
	wrote []byte

	incoming chan []byte
	pending  []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptWire() *scriptWire {
	return &scriptWire{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (w *scriptWire) push(s string) { w.incoming <- []byte(s) }

func (w *scriptWire) Read(p []byte) (int, error) {
	if len(w.pending) == 0 {
		select {
		case data := <-w.incoming:
			w.pending = data
		case <-w.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *scriptWire) Write(p []byte) (int, error) {
	select {
	case <-w.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	w.mx.Lock()
	w.wrote = append(w.wrote, p...)
	w.mx.Unlock()
	return len(p), nil
}

func (w *scriptWire) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

func (w *scriptWire) written() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return string(w.wrote)
}

func newTestConn(t *testing.T) (*Conn, *scriptWire, chan Event) {
	t.Helper()
	wire := newScriptWire()
	events := make(chan Event, 16)
	c := NewConn(wire, func(ev Event) { events <- ev }, zap.NewNop().Sugar())
	t.Cleanup(func() { c.Close() })
	return c, wire, events
}

func TestConn_SendLine(t *testing.T) {
	c, wire, _ := newTestConn(t)

	done := make(chan error, 1)
	go func() { done <- c.SendLine(context.Background(), "G0 X1") }()

	require.Eventually(t, func() bool {
		return wire.written() == "G0 X1\n"
	}, time.Second, time.Millisecond)

	wire.push("ok\r\n")
	require.NoError(t, <-done)
}

func TestConn_SendLine_ControllerError(t *testing.T) {
	c, wire, _ := newTestConn(t)

	done := make(chan error, 1)
	go func() { done <- c.SendLine(context.Background(), "G777") }()

	require.Eventually(t, func() bool {
		return wire.written() != ""
	}, time.Second, time.Millisecond)
	wire.push("error:22\n")

	err := <-done
	var ce *ControllerError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 22, ce.Code)
}

// At most one line may be unacknowledged at any instant.
func TestConn_PingPong(t *testing.T) {
	c, wire, _ := newTestConn(t)

	results := make(chan error, 2)
	go func() { results <- c.SendLine(context.Background(), "G0 X1") }()
	go func() { results <- c.SendLine(context.Background(), "G0 X2") }()

	require.Eventually(t, func() bool {
		return strings.Count(wire.written(), "\n") == 1
	}, time.Second, time.Millisecond)

	// no second line until the first is acknowledged
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, strings.Count(wire.written(), "\n"))

	wire.push("ok\n")
	require.Eventually(t, func() bool {
		return strings.Count(wire.written(), "\n") == 2
	}, time.Second, time.Millisecond)
	require.NoError(t, <-results)

	wire.push("ok\n")
	require.NoError(t, <-results)

	out := wire.written()
	assert.Contains(t, out, "G0 X1\n")
	assert.Contains(t, out, "G0 X2\n")
}

// The events a command produced are fully handled before its ack
// releases the sender.
func TestConn_AckSettlesAfterIngestion(t *testing.T) {
	wire := newScriptWire()
	var mx sync.Mutex
	var got []string
	c := NewConn(wire, func(ev Event) {
		if ev.Kind == EventConfigLine {
			mx.Lock()
			got = append(got, ev.Line)
			mx.Unlock()
		}
	}, zap.NewNop().Sugar())
	t.Cleanup(func() { c.Close() })

	c.BeginConfigDump()
	done := make(chan error, 1)
	go func() { done <- c.SendLine(context.Background(), "$Config/Dump") }()

	require.Eventually(t, func() bool {
		return wire.written() == "$Config/Dump\n"
	}, time.Second, time.Millisecond)

	wire.push("x/steps_per_mm=800\nx/max_rate_mm_per_min=5000\nok\n")
	require.NoError(t, <-done)

	mx.Lock()
	defer mx.Unlock()
	assert.Equal(t, []string{"x/steps_per_mm=800", "x/max_rate_mm_per_min=5000"}, got)
}

func TestConn_SendLine_Timeout(t *testing.T) {
	c, wire, _ := newTestConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.SendLine(ctx, "G0 X1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "G0 X1\n", wire.written())
}

func TestConn_RejectsNonASCII(t *testing.T) {
	c, _, _ := newTestConn(t)

	assert.ErrorIs(t, c.SendLine(context.Background(), "G0 X1 é"), ErrNotASCII)
	assert.ErrorIs(t, c.SendLine(context.Background(), "G0\tX1"), ErrNotASCII)
}

func TestConn_Realtime(t *testing.T) {
	c, wire, _ := newTestConn(t)

	require.NoError(t, c.SendRealtime(CharStatus))
	require.NoError(t, c.SendRealtime(CharHold))

	// realtime bytes are unterminated
	assert.Equal(t, "?!", wire.written())
}

func TestConn_EventsAndLost(t *testing.T) {
	c, wire, events := newTestConn(t)

	wire.push("<Idle|MPos:0.000,0.000,0.000>\n")
	select {
	case ev := <-events:
		assert.Equal(t, EventStatus, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	// unsolicited ack with no waiter flows to the handler
	wire.push("ok\n")
	select {
	case ev := <-events:
		assert.Equal(t, EventAck, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	wire.Close()
	select {
	case err := <-c.Lost():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("no lost signal")
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not marked done")
	}

	assert.ErrorIs(t, c.SendLine(context.Background(), "G0 X1"), ErrConnClosed)
}
