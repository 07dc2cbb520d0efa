// Package transport owns the byte-stream serial link: open/close, raw
// synchronous I/O and hot-plug device discovery. It contains no protocol
// knowledge.
package transport

import (
	"errors"
	"fmt"

	"github.com/tarm/serial"
)

// ErrConnectionLost marks a mid-session read/write failure. It is fatal
// to the session; the orchestrator forces Disconnected on it.
var ErrConnectionLost = errors.New("transport: connection lost")

// OpenError wraps a failed port open.
type OpenError struct {
	Device string
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("transport: open %s: %v", e.Device, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Port is an open serial connection. Reads block; writes are synchronous
// with no internal delay so realtime bytes reach the wire immediately.
type Port struct {
	device string
	p      *serial.Port
}

// Open opens device at the given baud rate, 8N1, no handshake.
func Open(device string, baud int) (*Port, error) {
	p, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, &OpenError{Device: device, Err: err}
	}
	return &Port{device: device, p: p}, nil
}

func (p *Port) Device() string { return p.device }

func (p *Port) Read(buf []byte) (int, error) {
	n, err := p.p.Read(buf)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return n, nil
}

func (p *Port) Write(buf []byte) (int, error) {
	n, err := p.p.Write(buf)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return n, nil
}

func (p *Port) Close() error { return p.p.Close() }
