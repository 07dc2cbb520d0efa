package grbl

import (
	"errors"
	"sync"
	"time"
)

// ErrProbeTimeout is returned when no fresh contact arrives in time.
var ErrProbeTimeout = errors.New("grbl: timed out waiting for probe contact")

// Correlator caches the most recent probe contact and hands it to a
// waiter without polling. Contacts older than the waiter's reference time
// are stale and never satisfy the wait: acting on a contact from an
// earlier operation is worse than retrying.
type Correlator struct {
	mx     sync.Mutex
	last   *ProbeContact
	notify chan struct{}
}

func NewCorrelator() *Correlator {
	return &Correlator{notify: make(chan struct{}, 1)}
}

// Publish stores a contact and wakes any waiter.
func (c *Correlator) Publish(p ProbeContact) {
	c.mx.Lock()
	c.last = &p
	c.mx.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// take returns and consumes the cached contact when it postdates since.
func (c *Correlator) take(since time.Time) (ProbeContact, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.last == nil || c.last.At.Before(since) {
		return ProbeContact{}, false
	}
	p := *c.last
	c.last = nil
	return p, true
}

// WaitNext blocks until a contact newer than since arrives, or timeout.
func (c *Correlator) WaitNext(since time.Time, timeout time.Duration) (ProbeContact, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if p, ok := c.take(since); ok {
			return p, nil
		}
		select {
		case <-c.notify:
		case <-timer.C:
			return ProbeContact{}, ErrProbeTimeout
		}
	}
}

// Reset drops any cached contact.
func (c *Correlator) Reset() {
	c.mx.Lock()
	c.last = nil
	c.mx.Unlock()
}
