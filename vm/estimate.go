package vm

import (
	"time"

	"github.com/RefikCodes/raptorex-core/gcode"
)

// EstimateLines returns a per-line duration estimate for a job. Lines that
// do not parse as G-code (directives, junk) estimate to zero; the firmware
// decides their fate at execution time.
func EstimateLines(lines []string, rapidRate float64) []time.Duration {
	m := NewMachine()
	m.SetRapidRate(rapidRate)

	res := make([]time.Duration, len(lines))
	for i, line := range lines {
		blocks, err := gcode.Parse(line)
		if err != nil {
			continue
		}
		for _, b := range blocks {
			res[i] += m.Apply(b)
		}
	}
	return res
}
