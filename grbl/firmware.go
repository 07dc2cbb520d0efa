package grbl

import (
	"regexp"
	"strings"
)

// Identity is the firmware identity for one session, replaced atomically
// as a whole. Vendor identity is monotonic: once a vendor name/version is
// confirmed, a later generic banner never downgrades it.
type Identity struct {
	Name    string // "Grbl" or the vendor name once confirmed
	Version string
	Proto   string // base protocol version from the banner ("1.1h")

	Board      string
	ConfigName string
	Axes       int

	Vendor  bool // vendor identity confirmed
	FluidNC bool // hierarchical-config capable firmware family
}

var (
	rxBanner = regexp.MustCompile(`^Grbl(?:HAL)?\s+(\S+)(?:\s+\[(.*)\])?`)
	// vendor tags look like "FluidNC v3.7.8" or "RaptorexCNC v1.02 ..."
	rxVendorTag = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_-]*)\s+v?(\d[\w.]*)`)
	rxVerBlock  = regexp.MustCompile(`^\[VER:([^:\]]*):?[^\]]*\]$`)
	rxOptBlock  = regexp.MustCompile(`^\[OPT:([^\]]*)\]$`)
)

// ParseBanner decodes a firmware banner line into an identity fragment.
func ParseBanner(line string) (Identity, bool) {
	m := rxBanner.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Identity{}, false
	}

	id := Identity{
		Name:    "Grbl",
		Proto:   m[1],
		Version: m[1],
	}

	if m[2] != "" {
		if vm := rxVendorTag.FindStringSubmatch(strings.TrimSpace(m[2])); vm != nil {
			id.Name = vm[1]
			id.Version = vm[2]
			id.Vendor = true
			// vendor firmwares in this family all expose the
			// hierarchical dump
			id.FluidNC = true
		}
	}
	return id, true
}

// ParseVersionBlock decodes the [VER:...] block returned by $I.
func ParseVersionBlock(line string) (Identity, bool) {
	m := rxVerBlock.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Identity{}, false
	}

	id := Identity{Version: strings.TrimSpace(m[1])}
	if vm := rxVendorTag.FindStringSubmatch(id.Version); vm != nil {
		id.Name = vm[1]
		id.Version = vm[2]
		id.Vendor = true
		id.FluidNC = true
	} else if fields := strings.Fields(id.Version); len(fields) > 1 {
		// "3.0 FluidNC v3.7.8" puts the vendor after the proto version
		if vm := rxVendorTag.FindStringSubmatch(strings.Join(fields[1:], " ")); vm != nil {
			id.Proto = fields[0]
			id.Name = vm[1]
			id.Version = vm[2]
			id.Vendor = true
			id.FluidNC = true
		}
	}
	return id, id.Version != "" || id.Vendor
}

// ParseOptionsBlock extracts the detected axis count from [OPT:...], when
// present as the trailing field.
func ParseOptionsBlock(line string) (axes int, ok bool) {
	m := rxOptBlock.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, false
	}
	fields := strings.Split(m[1], ",")
	if len(fields) < 4 {
		return 0, false
	}
	n := atoiSafe(fields[3])
	if n <= 0 || n > 6 {
		return 0, false
	}
	return n, true
}

// Merge folds update into id under the monotonic precedence rule and
// returns the result. Empty update fields never erase known values.
func (id Identity) Merge(update Identity) Identity {
	res := id

	if update.Name != "" && (update.Vendor || !id.Vendor) {
		res.Name = update.Name
		if update.Version != "" {
			res.Version = update.Version
		}
	} else if update.Version != "" && !id.Vendor {
		res.Version = update.Version
	}

	if update.Proto != "" {
		res.Proto = update.Proto
	}
	if update.Board != "" {
		res.Board = update.Board
	}
	if update.ConfigName != "" {
		res.ConfigName = update.ConfigName
	}
	if update.Axes != 0 {
		res.Axes = update.Axes
	}
	res.Vendor = res.Vendor || update.Vendor
	res.FluidNC = res.FluidNC || update.FluidNC

	return res
}
