package grbl

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Realtime control characters. They are written unterminated and the
// firmware acts on them immediately, bypassing its command queue.
const (
	CharStatus    byte = '?'
	CharHold      byte = '!'
	CharResume    byte = '~'
	CharReset     byte = 0x18
	CharJogCancel byte = 0x85

	CharFeedOvReset       byte = 0x90
	CharFeedOvCoarsePlus  byte = 0x91
	CharFeedOvCoarseMinus byte = 0x92
)

var (
	// ErrConnClosed is returned once the connection has been shut down.
	ErrConnClosed = errors.New("grbl: connection closed")
	// ErrNotASCII rejects outbound lines that would desynchronize
	// byte-count flow control.
	ErrNotASCII = errors.New("grbl: line contains non-ASCII or control bytes")
)

// Conn frames outbound traffic to a controller and pumps classified
// events back. Line traffic runs under a strict ping-pong discipline: at
// most one line is unacknowledged at any instant, enforced by holding the
// writer lock until the matching ok/error arrives.
//
// Events are delivered to the handler synchronously from the read pump,
// in wire order. The ack that terminates a burst settles its SendLine
// only after every preceding event has been handled, so a caller sees
// the data a command produced the moment the command returns.
type Conn struct {
	rw      io.ReadWriter
	log     *zap.SugaredLogger
	handler func(Event)

	classifier *Classifier

	wMx  sync.Mutex // single-writer discipline for line traffic
	ioMx sync.Mutex // guards raw wire writes

	ackMx   sync.Mutex
	pending chan error

	closeOnce sync.Once
	closeCh   chan struct{}
	lostCh    chan error
}

// NewConn wraps rw and starts the read pump. handler receives, from the
// pump goroutine, every event not claimed by an in-flight SendLine; it
// must not block on the connection's own line traffic.
func NewConn(rw io.ReadWriter, handler func(Event), log *zap.SugaredLogger) *Conn {
	if handler == nil {
		handler = func(Event) {}
	}
	c := &Conn{
		rw:         rw,
		log:        log,
		handler:    handler,
		classifier: NewClassifier(),
		closeCh:    make(chan struct{}),
		lostCh:     make(chan error, 1),
	}
	c.classifier.OnUnparsed = func(line string) {
		log.Debugw("unparseable line skipped", "line", line)
	}
	go c.readLoop()
	return c
}

// Lost yields the read/write error that killed the session, if any.
func (c *Conn) Lost() <-chan error { return c.lostCh }

// Done is closed once the connection shuts down for any reason.
func (c *Conn) Done() <-chan struct{} { return c.closeCh }

// BeginConfigDump forwards to the classifier.
func (c *Conn) BeginConfigDump() { c.classifier.BeginConfigDump() }

// ConfigDumpActive forwards to the classifier.
func (c *Conn) ConfigDumpActive() bool { return c.classifier.ConfigDumpActive() }

// Close shuts the connection down and closes the underlying stream when
// it implements io.Closer.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if closer, ok := c.rw.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}

func (c *Conn) lost(err error) {
	select {
	case c.lostCh <- err:
	default:
	}
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if closer, ok := c.rw.(io.Closer); ok {
			closer.Close()
		}
	})
}

func (c *Conn) readLoop() {
	buf := make([]byte, 1024)
	for {
		n, err := c.rw.Read(buf)
		if err != nil {
			select {
			case <-c.closeCh:
			default:
				c.log.Warnw("serial read failed", "error", err)
				c.lost(err)
			}
			return
		}

		for _, ev := range c.classifier.Feed(buf[:n]) {
			c.dispatch(ev)
		}
	}
}

// dispatch routes an ack/error to the in-flight line waiter when one is
// registered; everything else goes to the handler. Because the handler
// runs inline here, an ack can never overtake the lines it terminates.
func (c *Conn) dispatch(ev Event) {
	if ev.Kind == EventAck || ev.Kind == EventError {
		c.ackMx.Lock()
		p := c.pending
		c.pending = nil
		c.ackMx.Unlock()

		if p != nil {
			if ev.Kind == EventError {
				p <- &ControllerError{Code: ev.Code}
			} else {
				p <- nil
			}
			return
		}
	}

	c.handler(ev)
}

func validASCII(line string) bool {
	for i := 0; i < len(line); i++ {
		if line[i] < 0x20 || line[i] > 0x7e {
			return false
		}
	}
	return true
}

// SendLine writes one newline-terminated line and blocks until the
// controller acknowledges it. A numbered firmware error is returned as
// *ControllerError; ctx bounds the wait.
func (c *Conn) SendLine(ctx context.Context, line string) error {
	if !validASCII(line) {
		return ErrNotASCII
	}

	c.wMx.Lock()
	defer c.wMx.Unlock()

	select {
	case <-c.closeCh:
		return ErrConnClosed
	default:
	}

	ack := make(chan error, 1)
	c.ackMx.Lock()
	c.pending = ack
	c.ackMx.Unlock()

	if err := c.writeRaw(append([]byte(line), '\n')); err != nil {
		c.clearPending()
		c.lost(err)
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		c.clearPending()
		return ctx.Err()
	case <-c.closeCh:
		c.clearPending()
		return ErrConnClosed
	}
}

func (c *Conn) clearPending() {
	c.ackMx.Lock()
	c.pending = nil
	c.ackMx.Unlock()
}

// SendRealtime writes a single unterminated control byte immediately,
// bypassing the line queue. The status query '?' always travels this
// path.
func (c *Conn) SendRealtime(b byte) error {
	select {
	case <-c.closeCh:
		return ErrConnClosed
	default:
	}

	if err := c.writeRaw([]byte{b}); err != nil {
		c.lost(err)
		return err
	}
	return nil
}

func (c *Conn) writeRaw(p []byte) error {
	c.ioMx.Lock()
	defer c.ioMx.Unlock()
	_, err := c.rw.Write(p)
	return err
}
