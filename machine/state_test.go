package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyState(t *testing.T) {
	cases := []struct {
		raw  string
		want State
	}{
		{"Idle", StateIdle},
		{"Run", StateRun},
		{"Hold:0", StateHold},
		{"Hold:1", StateHold},
		{"Door:3", StateDoor},
		{"Jog", StateJog},
		{"Alarm", StateAlarm},
		{"Home", StateHome},
		{"Check", StateCheck},
		{"Sleep", StateSleep},
		{"Wat", StateUnknown},
		{"", StateUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyState(c.raw), "raw=%q", c.raw)
	}
}

func TestStateMoving(t *testing.T) {
	assert.True(t, StateRun.Moving())
	assert.True(t, StateJog.Moving())
	assert.True(t, StateHome.Moving())
	assert.False(t, StateIdle.Moving())
	assert.False(t, StateHold.Moving())
	assert.False(t, StateAlarm.Moving())
}
