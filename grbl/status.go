package grbl

import (
	"errors"
	"strconv"
	"strings"

	"github.com/RefikCodes/raptorex-core/coord"
)

// StatusFrame is the decoded content of one bracketed status report.
//
// Reports omit fields that have not changed, so frames are parsed as an
// overlay on the previous frame: a missing field keeps its prior value.
// HasAccessories/HasPins mark whether THIS frame carried the A:/Pn:
// sections at all.
type StatusFrame struct {
	State string // raw state token, e.g. "Idle", "Hold:0"

	MPos coord.Point
	WPos coord.Point
	WCO  coord.Point

	A    float64
	HasA bool

	Feed    float64
	Spindle float64

	SpindleOn bool
	FloodOn   bool
	MistOn    bool

	LimitX   bool
	LimitY   bool
	LimitZ   bool
	ProbePin bool

	FeedOverride    int
	RapidOverride   int
	SpindleOverride int

	HasAccessories bool
	HasPins        bool
}

func parseCoords(data string) (p coord.Point, a float64, hasA bool, err error) {
	parts := strings.Split(data, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return p, 0, false, errors.New("invalid number of elements")
	}
	p.X, err = strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return p, 0, false, err
	}
	p.Y, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return p, 0, false, err
	}
	p.Z, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return p, 0, false, err
	}
	if len(parts) == 4 {
		a, err = strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return p, 0, false, err
		}
		hasA = true
	}
	return p, a, hasA, nil
}

// ParseStatus decodes a <...> report on top of prev. Fields absent from
// the frame keep their prior values; per-frame validity flags are reset.
func ParseStatus(prev StatusFrame, line string) (StatusFrame, error) {
	data := strings.TrimSpace(line)
	data = strings.TrimPrefix(data, "<")
	data = strings.TrimSuffix(data, ">")

	stat := prev
	stat.HasAccessories = false
	stat.HasPins = false

	parts := strings.Split(data, "|")
	if parts[0] == "" {
		return prev, errors.New("empty status frame")
	}
	stat.State = parts[0]

	var err error
	var sawMPos, sawWPos bool
	for _, s := range parts[1:] {
		sParts := strings.SplitN(s, ":", 2)
		if len(sParts) != 2 {
			continue
		}
		val := sParts[1]
		switch sParts[0] {
		case "MPos":
			stat.MPos, stat.A, stat.HasA, err = parseCoordsInto(val, stat.A, stat.HasA)
			sawMPos = true
		case "WPos":
			stat.WPos, stat.A, stat.HasA, err = parseCoordsInto(val, stat.A, stat.HasA)
			sawWPos = true
		case "WCO":
			stat.WCO, _, _, err = parseCoordsInto(val, 0, false)
		case "FS":
			fsParts := strings.Split(val, ",")
			if len(fsParts) != 2 {
				err = errors.New("invalid FS element")
				break
			}
			stat.Feed, err = strconv.ParseFloat(fsParts[0], 64)
			if err != nil {
				break
			}
			stat.Spindle, err = strconv.ParseFloat(fsParts[1], 64)
		case "F":
			stat.Feed, err = strconv.ParseFloat(val, 64)
		case "Pn":
			stat.HasPins = true
			stat.LimitX = strings.Contains(val, "X")
			stat.LimitY = strings.Contains(val, "Y")
			stat.LimitZ = strings.Contains(val, "Z")
			stat.ProbePin = strings.Contains(val, "P")
		case "A":
			stat.HasAccessories = true
			stat.SpindleOn = strings.ContainsAny(val, "SC")
			stat.FloodOn = strings.Contains(val, "F")
			stat.MistOn = strings.Contains(val, "M")
		case "Ov":
			ovParts := strings.Split(val, ",")
			if len(ovParts) != 3 {
				err = errors.New("invalid Ov element")
				break
			}
			var f, r, sp int
			f, err = strconv.Atoi(ovParts[0])
			if err != nil {
				break
			}
			r, err = strconv.Atoi(ovParts[1])
			if err != nil {
				break
			}
			sp, err = strconv.Atoi(ovParts[2])
			if err != nil {
				break
			}
			stat.FeedOverride, stat.RapidOverride, stat.SpindleOverride = f, r, sp
		}
		if err != nil {
			return prev, err
		}
	}

	// a frame carries MPos or WPos; derive the other through WCO
	if sawMPos && !sawWPos {
		stat.WPos = stat.MPos.Sub(stat.WCO)
	} else if sawWPos && !sawMPos {
		stat.MPos = stat.WPos.Add(stat.WCO)
	}

	return stat, nil
}

func parseCoordsInto(val string, prevA float64, prevHasA bool) (coord.Point, float64, bool, error) {
	p, a, hasA, err := parseCoords(val)
	if err != nil {
		return p, prevA, prevHasA, err
	}
	if !hasA {
		// 3-axis frame: keep any previously seen A value
		return p, prevA, prevHasA, nil
	}
	return p, a, true, nil
}

func parsePRB(data string) (*ProbeContact, error) {
	data = strings.TrimSpace(data)
	data = strings.TrimPrefix(data, "[")
	data = strings.TrimSuffix(data, "]")
	parts := strings.Split(data, ":")
	if len(parts) < 3 || parts[0] != "PRB" {
		return nil, errors.New("not a PRB block: " + data)
	}

	var res ProbeContact
	var err error
	res.Point, _, _, err = parseCoords(parts[1])
	if err != nil {
		return nil, err
	}
	res.Ok = parts[2] == "1"
	return &res, nil
}
