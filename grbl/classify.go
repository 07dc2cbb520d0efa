package grbl

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxBracketJoin bounds how many newline-split fragments of a bracketed
// block are stitched back together before giving up on the close bracket.
const maxBracketJoin = 8

// Classifier reassembles raw, not-necessarily-line-aligned serial chunks
// into complete lines and classifies each line into exactly one Event.
//
// It is safe for one feeder goroutine plus concurrent mode toggles.
type Classifier struct {
	mx sync.Mutex

	partial strings.Builder // bytes since the last newline
	bracket string          // open [... block awaiting its ]
	joined  int

	configMode bool
	last       StatusFrame

	// OnUnparsed is called for lines that match no protocol shape.
	// They are skipped; the session is unaffected.
	OnUnparsed func(line string)
}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// BeginConfigDump marks the start of a multi-line configuration dump.
// Until the terminating ok/error arrives, free-form lines classify as
// ConfigLine instead of unparsed noise.
func (c *Classifier) BeginConfigDump() {
	c.mx.Lock()
	c.configMode = true
	c.mx.Unlock()
}

// ConfigDumpActive reports whether a dump is still being collected.
func (c *Classifier) ConfigDumpActive() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.configMode
}

// Feed consumes a raw chunk and returns the events for every line that
// completed within it.
func (c *Classifier) Feed(chunk []byte) []Event {
	c.mx.Lock()
	defer c.mx.Unlock()

	var events []Event
	for _, b := range chunk {
		if b == '\r' {
			continue
		}
		if b != '\n' {
			c.partial.WriteByte(b)
			continue
		}

		line := c.partial.String()
		c.partial.Reset()

		line = c.stitchBracket(line)
		if line == "" {
			continue
		}
		if ev, ok := c.classify(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// stitchBracket joins fragments of a bracketed block that was split
// across line boundaries. Returns "" while still waiting for the close
// bracket.
func (c *Classifier) stitchBracket(line string) string {
	if c.bracket != "" {
		line = c.bracket + line
		c.bracket = ""
	}
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "[") && !strings.Contains(trimmed, "]") {
		c.joined++
		if c.joined < maxBracketJoin {
			c.bracket = line
			return ""
		}
		// never found the close bracket; flush what we have
	}
	c.joined = 0
	return line
}

func (c *Classifier) classify(raw string) (Event, bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return Event{}, false
	}

	ev := Event{Line: line, At: time.Now()}

	switch {
	case line == "ok":
		ev.Kind = EventAck
		c.configMode = false

	case strings.HasPrefix(line, "error:"):
		ev.Kind = EventError
		ev.Code = atoiSafe(line[len("error:"):])
		c.configMode = false

	case strings.HasPrefix(line, "ALARM:"):
		ev.Kind = EventAlarm
		ev.Code = atoiSafe(line[len("ALARM:"):])

	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		stat, err := ParseStatus(c.last, line)
		if err != nil {
			return c.unparsed(line)
		}
		c.last = stat
		frame := stat
		ev.Kind = EventStatus
		ev.Status = &frame

	case strings.HasPrefix(line, "Grbl ") || strings.HasPrefix(line, "GrblHAL "):
		ev.Kind = EventBanner

	case strings.HasPrefix(line, "[PRB:"):
		prb, err := parsePRB(line)
		if err != nil {
			return c.unparsed(line)
		}
		prb.At = ev.At
		ev.Kind = EventProbe
		ev.Probe = prb

	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		// diagnostic block: parser state, coordinate systems, version,
		// options, messages
		ev.Kind = EventConfigLine

	case strings.HasPrefix(line, "$") && strings.Contains(line, "="):
		ev.Kind = EventConfigLine

	case c.configMode && configLineShape(line):
		ev.Kind = EventConfigLine

	default:
		return c.unparsed(line)
	}

	return ev, true
}

func (c *Classifier) unparsed(line string) (Event, bool) {
	if c.OnUnparsed != nil {
		c.OnUnparsed(line)
	}
	return Event{}, false
}

// configLineShape recognizes the three hierarchical dump shapes and
// rejects banner/separator noise.
func configLineShape(line string) bool {
	if strings.Trim(line, "-=_* ") == "" {
		return false
	}
	if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
		return true
	}
	return strings.Contains(line, ":") || strings.Contains(line, "=")
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return n
}
