package grbl

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Source tags which dump format produced a setting record.
type Source int

const (
	SourceNumbered Source = iota
	SourceHierarchical
)

// Record is one unified setting, regardless of dump format.
type Record struct {
	// ID is the resolved identity: the concept key when the setting is
	// recognized, otherwise "$<n>" or the raw hierarchical key. At most
	// one live record exists per ID.
	ID      string
	Key     string // display key as reported by the firmware
	Value   string
	Meaning string
	Source  Source
}

// concept ties a numbered GRBL setting id to its hierarchical FluidNC
// counterpart. Declaration order is the tie-break order for substring
// matching and must not be "fixed" into a map.
type concept struct {
	key     string // canonical concept key, also the resolved identity
	num     int    // numbered id, -1 when numbered GRBL has no equivalent
	meaning string
}

var concepts = []concept{
	{"step_pulse_us", 0, "Step pulse time, microseconds"},
	{"step_idle_delay", 1, "Step idle delay, milliseconds"},
	{"step_invert", 2, "Step pulse invert mask"},
	{"dir_invert", 3, "Step direction invert mask"},
	{"steps_enable_invert", 4, "Invert step enable pin"},
	{"limits_invert", 5, "Invert limit pins"},
	{"probe_invert", 6, "Invert probe pin"},
	{"status_report_mask", 10, "Status report options mask"},
	{"junction_deviation", 11, "Junction deviation, millimeters"},
	{"arc_tolerance", 12, "Arc tolerance, millimeters"},
	{"report_inches", 13, "Report in inches"},
	{"soft_limits", 20, "Soft limits enable"},
	{"hard_limits", 21, "Hard limits enable"},
	{"homing/cycle_enable", 22, "Homing cycle enable"},
	{"homing/dir_invert", 23, "Homing direction invert mask"},
	{"homing/feed_mm_per_min", 24, "Homing locate feed rate, mm/min"},
	{"homing/seek_mm_per_min", 25, "Homing search seek rate, mm/min"},
	{"homing/debounce_ms", 26, "Homing switch debounce delay, milliseconds"},
	{"homing/mpos_mm", 27, "Homing switch pull-off distance, millimeters"},
	{"spindle/speed_max", 30, "Maximum spindle speed, RPM"},
	{"spindle/speed_min", 31, "Minimum spindle speed, RPM"},
	{"laser_mode", 32, "Laser-mode enable"},
	{"x/steps_per_mm", 100, "X-axis travel resolution, steps/mm"},
	{"y/steps_per_mm", 101, "Y-axis travel resolution, steps/mm"},
	{"z/steps_per_mm", 102, "Z-axis travel resolution, steps/mm"},
	{"a/steps_per_mm", 103, "A-axis travel resolution, steps/deg"},
	{"x/max_rate_mm_per_min", 110, "X-axis maximum rate, mm/min"},
	{"y/max_rate_mm_per_min", 111, "Y-axis maximum rate, mm/min"},
	{"z/max_rate_mm_per_min", 112, "Z-axis maximum rate, mm/min"},
	{"a/max_rate_mm_per_min", 113, "A-axis maximum rate, deg/min"},
	{"x/acceleration_mm_per_sec2", 120, "X-axis acceleration, mm/sec^2"},
	{"y/acceleration_mm_per_sec2", 121, "Y-axis acceleration, mm/sec^2"},
	{"z/acceleration_mm_per_sec2", 122, "Z-axis acceleration, mm/sec^2"},
	{"a/acceleration_mm_per_sec2", 123, "A-axis acceleration, deg/sec^2"},
	{"x/max_travel_mm", 130, "X-axis maximum travel, millimeters"},
	{"y/max_travel_mm", 131, "Y-axis maximum travel, millimeters"},
	{"z/max_travel_mm", 132, "Z-axis maximum travel, millimeters"},
	{"a/max_travel_mm", 133, "A-axis maximum travel, degrees"},
}

// UnknownMeaning is attached to settings absent from the concept table.
const UnknownMeaning = "(unrecognized setting)"

var rxNumbered = regexp.MustCompile(`^\$(\d+)\s*=\s*(.*)$`)

// ParseNumbered decodes a flat `$<int>=<value>` settings line.
func ParseNumbered(line string) (Record, bool) {
	m := rxNumbered.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Record{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return Record{}, false
	}

	rec := Record{
		ID:      "$" + m[1],
		Key:     "$" + m[1],
		Value:   strings.TrimSpace(m[2]),
		Meaning: UnknownMeaning,
		Source:  SourceNumbered,
	}
	for _, c := range concepts {
		if c.num == n {
			rec.ID = c.key
			rec.Meaning = c.meaning
			break
		}
	}
	return rec, true
}

// HierarchicalParser decodes FluidNC-style configuration dump lines. It
// carries the current [section] context across lines.
type HierarchicalParser struct {
	section string
}

var rxSection = regexp.MustCompile(`^\[([A-Za-z0-9_./ -]+)\]$`)

// Parse recognizes `key: value`, `key = value` and `[section]` lines.
// Banner, separator and ok/error noise returns false.
func (p *HierarchicalParser) Parse(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line == "ok" || strings.HasPrefix(line, "error:") {
		return Record{}, false
	}
	if strings.Trim(line, "-=_* ") == "" {
		return Record{}, false
	}

	if m := rxSection.FindStringSubmatch(line); m != nil {
		p.section = normalizeKey(m[1])
		return Record{}, false
	}

	var key, value string
	if i := strings.Index(line, ":"); i > 0 {
		key, value = line[:i], line[i+1:]
	} else if i := strings.Index(line, "="); i > 0 {
		key, value = line[:i], line[i+1:]
	} else {
		return Record{}, false
	}

	key = normalizeKey(key)
	if key == "" {
		return Record{}, false
	}
	if p.section != "" {
		key = p.section + "/" + key
	}

	rec := Record{
		ID:      key,
		Key:     key,
		Value:   strings.TrimSpace(value),
		Meaning: UnknownMeaning,
		Source:  SourceHierarchical,
	}
	rec.ID, rec.Meaning = resolveConcept(key)
	return rec, true
}

// resolveConcept finds the concept for a hierarchical key: exact match
// first, then substring containment either way, first concept in
// declaration order winning ties.
func resolveConcept(key string) (id, meaning string) {
	for _, c := range concepts {
		if c.key == key {
			return c.key, c.meaning
		}
	}
	for _, c := range concepts {
		if strings.Contains(key, c.key) || strings.Contains(c.key, key) {
			return c.key, c.meaning
		}
	}
	return key, UnknownMeaning
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(strings.ToLower(key))
	key = strings.ReplaceAll(key, " ", "_")
	return key
}

var rxUnitSuffix = regexp.MustCompile(`(?i)\s*(mm/min|mm/sec|mm/s|rpm|deg/min|ms|us)$`)

// NormalizeValue converts unit-suffixed and boolean setting values into a
// bare number. mm/s values are scaled to mm/min so rate consumers see one
// unit.
func NormalizeValue(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "true", "on", "yes":
		return 1, true
	case "false", "off", "no":
		return 0, true
	}

	scale := 1.0
	if m := rxUnitSuffix.FindStringSubmatch(s); m != nil {
		switch strings.ToLower(m[1]) {
		case "mm/s", "mm/sec":
			scale = 60
		}
		s = strings.TrimSpace(s[:len(s)-len(m[0])])
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f * scale, true
}

// Settings is the live unified record set for one session.
//
// Precedence is enforced here, not by ingestion order: a hierarchical
// record always supersedes a numbered one with the same identity, and a
// numbered record never replaces an existing record. Once frozen the set
// is immutable until the next Clear.
type Settings struct {
	mx      sync.RWMutex
	records map[string]Record
	frozen  bool
}

func NewSettings() *Settings {
	return &Settings{records: make(map[string]Record)}
}

// Put applies the precedence rule and reports whether the record was
// stored. A frozen set rejects everything.
func (s *Settings) Put(r Record) bool {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.frozen {
		return false
	}
	if _, exists := s.records[r.ID]; exists && r.Source == SourceNumbered {
		return false
	}
	s.records[r.ID] = r
	return true
}

// Freeze makes the set immutable. The orchestrator calls it once the
// handshake completes; stray in-session setting lines no longer mutate
// what was published at Ready.
func (s *Settings) Freeze() {
	s.mx.Lock()
	s.frozen = true
	s.mx.Unlock()
}

func (s *Settings) Get(id string) (Record, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

// Float returns the normalized numeric value of a setting.
func (s *Settings) Float(id string) (float64, bool) {
	r, ok := s.Get(id)
	if !ok {
		return 0, false
	}
	return NormalizeValue(r.Value)
}

func (s *Settings) Len() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.records)
}

// Sorted returns a copy of all records ordered by display key.
func (s *Settings) Sorted() []Record {
	s.mx.RLock()
	res := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		res = append(res, r)
	}
	s.mx.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Key < res[j].Key })
	return res
}

// Clear drops every record and lifts any freeze; called at the start of
// each connection attempt.
func (s *Settings) Clear() {
	s.mx.Lock()
	s.records = make(map[string]Record)
	s.frozen = false
	s.mx.Unlock()
}
