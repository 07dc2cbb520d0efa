package grbl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RefikCodes/raptorex-core/coord"
)

func TestCorrelator_WaitThenPublish(t *testing.T) {
	c := NewCorrelator()
	since := time.Now()

	got := make(chan ProbeContact, 1)
	go func() {
		p, err := c.WaitNext(since, time.Second)
		if err == nil {
			got <- p
		}
	}()

	time.Sleep(20 * time.Millisecond)
	c.Publish(ProbeContact{Point: coord.Point{Z: -1.5}, Ok: true, At: time.Now()})

	select {
	case p := <-got:
		assert.Equal(t, -1.5, p.Point.Z)
		assert.True(t, p.Ok)
	case <-time.After(time.Second):
		t.Fatal("wait never satisfied")
	}
}

// A cached contact from before the triggering command must not satisfy
// the wait; the caller sees a timeout and retries fresh.
func TestCorrelator_StaleContact(t *testing.T) {
	c := NewCorrelator()

	c.Publish(ProbeContact{Point: coord.Point{Z: -2}, Ok: true, At: time.Now().Add(-time.Minute)})

	_, err := c.WaitNext(time.Now(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrProbeTimeout)
}

func TestCorrelator_ConsumedOnce(t *testing.T) {
	c := NewCorrelator()
	since := time.Now().Add(-time.Second)

	c.Publish(ProbeContact{Ok: true, At: time.Now()})

	_, err := c.WaitNext(since, 30*time.Millisecond)
	require.NoError(t, err)

	_, err = c.WaitNext(since, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrProbeTimeout)
}
