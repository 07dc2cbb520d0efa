package grbl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumbered(t *testing.T) {
	rec, ok := ParseNumbered("$110=6000.000")
	require.True(t, ok)
	assert.Equal(t, "x/max_rate_mm_per_min", rec.ID)
	assert.Equal(t, "$110", rec.Key)
	assert.Equal(t, "6000.000", rec.Value)
	assert.Equal(t, "X-axis maximum rate, mm/min", rec.Meaning)
	assert.Equal(t, SourceNumbered, rec.Source)

	for _, n := range []string{"$30=24000", "$103=80", "$111=6000", "$112=2000", "$113=1000"} {
		rec, ok := ParseNumbered(n)
		require.True(t, ok, n)
		assert.NotEqual(t, UnknownMeaning, rec.Meaning, n)
	}

	// unknown ids get the placeholder
	rec, ok = ParseNumbered("$999=1")
	require.True(t, ok)
	assert.Equal(t, "$999", rec.ID)
	assert.Equal(t, UnknownMeaning, rec.Meaning)

	_, ok = ParseNumbered("$X=1")
	assert.False(t, ok)
	_, ok = ParseNumbered("ok")
	assert.False(t, ok)
}

func TestHierarchicalParser(t *testing.T) {
	var p HierarchicalParser

	rec, ok := p.Parse("board: ESP32")
	require.True(t, ok)
	assert.Equal(t, "board", rec.Key)
	assert.Equal(t, "ESP32", rec.Value)
	assert.Equal(t, SourceHierarchical, rec.Source)

	// section context prefixes following keys
	_, ok = p.Parse("[homing]")
	assert.False(t, ok)
	rec, ok = p.Parse("cycle_enable = true")
	require.True(t, ok)
	assert.Equal(t, "homing/cycle_enable", rec.ID)
	assert.Equal(t, "Homing cycle enable", rec.Meaning)

	// noise is rejected
	for _, noise := range []string{"ok", "error:7", "-----------", "==========", ""} {
		_, ok := p.Parse(noise)
		assert.False(t, ok, noise)
	}
}

func TestResolveConcept_SubstringOrder(t *testing.T) {
	// exact match wins
	id, meaning := resolveConcept("x/max_rate_mm_per_min")
	assert.Equal(t, "x/max_rate_mm_per_min", id)
	assert.Equal(t, "X-axis maximum rate, mm/min", meaning)

	// containment falls back to the first declared concept that fits
	id, _ = resolveConcept("axes/x/max_rate_mm_per_min")
	assert.Equal(t, "x/max_rate_mm_per_min", id)

	id, meaning = resolveConcept("no_such_thing")
	assert.Equal(t, "no_such_thing", id)
	assert.Equal(t, UnknownMeaning, meaning)
}

func TestNormalizeValue(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"6000.000", 6000, true},
		{"6000 mm/min", 6000, true},
		{"100 mm/s", 6000, true},
		{"24000 rpm", 24000, true},
		{"true", 1, true},
		{"off", 0, true},
		{"YES", 1, true},
		{"garbage", 0, false},
	}
	for _, c := range cases {
		got, ok := NormalizeValue(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestSettings_Precedence(t *testing.T) {
	num, ok := ParseNumbered("$110=4000")
	require.True(t, ok)
	var p HierarchicalParser
	hier, ok := p.Parse("x/max_rate_mm_per_min: 6000.000 mm/min")
	require.True(t, ok)
	require.Equal(t, num.ID, hier.ID)

	// numbered first, hierarchical second
	s := NewSettings()
	assert.True(t, s.Put(num))
	assert.True(t, s.Put(hier))
	rec, _ := s.Get(num.ID)
	assert.Equal(t, SourceHierarchical, rec.Source)

	// hierarchical first, numbered second: same outcome
	s = NewSettings()
	assert.True(t, s.Put(hier))
	assert.False(t, s.Put(num))
	rec, _ = s.Get(num.ID)
	assert.Equal(t, SourceHierarchical, rec.Source)

	// a numbered record never replaces another numbered record either
	s = NewSettings()
	assert.True(t, s.Put(num))
	second, _ := ParseNumbered("$110=1234")
	assert.False(t, s.Put(second))
	rec, _ = s.Get(num.ID)
	assert.Equal(t, "4000", rec.Value)

	v, ok := s.Float(num.ID)
	require.True(t, ok)
	assert.Equal(t, 4000.0, v)
}

func TestSettings_Sorted(t *testing.T) {
	s := NewSettings()
	for _, line := range []string{"$110=1", "$100=2", "$30=3"} {
		rec, _ := ParseNumbered(line)
		s.Put(rec)
	}
	recs := s.Sorted()
	require.Len(t, recs, 3)
	assert.Equal(t, "$100", recs[0].Key)

	s.Clear()
	assert.Zero(t, s.Len())
}

func TestSettings_Freeze(t *testing.T) {
	s := NewSettings()
	num, _ := ParseNumbered("$110=5000.000")
	require.True(t, s.Put(num))
	s.Freeze()

	// even a hierarchical record cannot displace a frozen set
	var p HierarchicalParser
	hier, ok := p.Parse("x/max_rate_mm_per_min = 9999")
	require.True(t, ok)
	assert.False(t, s.Put(hier))

	v, ok := s.Float("x/max_rate_mm_per_min")
	require.True(t, ok)
	assert.Equal(t, 5000.0, v)

	// Clear lifts the freeze for the next session
	s.Clear()
	assert.True(t, s.Put(hier))
}
