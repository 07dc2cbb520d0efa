package grbl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBanner(t *testing.T) {
	id, ok := ParseBanner("Grbl 1.1h ['$' for help]")
	require.True(t, ok)
	assert.Equal(t, "Grbl", id.Name)
	assert.Equal(t, "1.1h", id.Proto)
	assert.False(t, id.Vendor)
	assert.False(t, id.FluidNC)

	id, ok = ParseBanner("Grbl 1.1h [RaptorexCNC v1.02 '$' for help]")
	require.True(t, ok)
	assert.Equal(t, "RaptorexCNC", id.Name)
	assert.Equal(t, "1.02", id.Version)
	assert.Equal(t, "1.1h", id.Proto)
	assert.True(t, id.Vendor)
	assert.True(t, id.FluidNC)

	_, ok = ParseBanner("<Idle|MPos:0,0,0>")
	assert.False(t, ok)
}

func TestParseVersionBlock(t *testing.T) {
	id, ok := ParseVersionBlock("[VER:1.1h.20190825:]")
	require.True(t, ok)
	assert.Equal(t, "1.1h.20190825", id.Version)
	assert.False(t, id.Vendor)

	id, ok = ParseVersionBlock("[VER:3.0 FluidNC v3.7.8:]")
	require.True(t, ok)
	assert.Equal(t, "FluidNC", id.Name)
	assert.Equal(t, "3.7.8", id.Version)
	assert.Equal(t, "3.0", id.Proto)
	assert.True(t, id.Vendor)
	assert.True(t, id.FluidNC)
}

func TestParseOptionsBlock(t *testing.T) {
	axes, ok := ParseOptionsBlock("[OPT:VNM+,35,255,3]")
	require.True(t, ok)
	assert.Equal(t, 3, axes)

	_, ok = ParseOptionsBlock("[OPT:V,15,128]")
	assert.False(t, ok)
}

// Vendor identity is monotonic: a later plain banner must not downgrade
// a confirmed vendor.
func TestIdentity_MonotonicMerge(t *testing.T) {
	var id Identity

	banner, _ := ParseBanner("Grbl 1.1h [RaptorexCNC v1.02 '$' for help]")
	id = id.Merge(banner)

	// config dump contributions
	id = id.Merge(Identity{Board: "ESP32"})
	id = id.Merge(Identity{ConfigName: "MyMachine"})

	plain, _ := ParseBanner("Grbl 1.1h")
	id = id.Merge(plain)

	assert.Equal(t, "RaptorexCNC", id.Name)
	assert.Equal(t, "1.02", id.Version)
	assert.Equal(t, "ESP32", id.Board)
	assert.Equal(t, "MyMachine", id.ConfigName)
	assert.True(t, id.Vendor)
	assert.True(t, id.FluidNC)
}
