// Package radio holds the Radio Interface Registry: the read-only table of
// physical radio interfaces and the operator overrides layered on top of
// them.
package radio

import (
	"fmt"
	"sort"
	"sync"
)

// Family identifies the driver family of a physical interface. The egress
// hot path dispatches on this rather than branching on string names.
type Family int

const (
	FamilyWiFi80211 Family = iota
	FamilyAtheros
	FamilyRalink
	FamilySerialSiK
	FamilyHamRig
)

func (f Family) String() string {
	switch f {
	case FamilyWiFi80211:
		return "wifi80211"
	case FamilyAtheros:
		return "atheros"
	case FamilyRalink:
		return "ralink"
	case FamilySerialSiK:
		return "serial-sik"
	case FamilyHamRig:
		return "ham-rig"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// SetsRateOutOfBand reports whether the planner should skip lost-link
// fallback for this family because the driver itself owns rate selection.
func (f Family) SetsRateOutOfBand() bool {
	return f == FamilyAtheros || f == FamilyRalink || f == FamilyHamRig
}

// Interface is a physical NIC or serial modem as seen by the hardware probe.
// It is immutable after construction; only the driver layer may later flip
// OpenedForWrite as ports are opened and closed.
type Interface struct {
	Index              int
	MAC                string
	Family             Family
	TxCapable          bool
	OpenedForWrite     bool
	CurrentFrequencyKHz uint32
}

// OverrideFlags is a bitset of operator-controlled capability bits for one
// interface's overrides.
type OverrideFlags uint8

const (
	OverrideDisabled OverrideFlags = 1 << iota
	OverrideCanTX
	OverrideCanRX
	OverrideCanUseForData
)

// Overrides is the operator-controlled per-MAC configuration layered over a
// probed Interface.
type Overrides struct {
	Flags              OverrideFlags
	PreferredTXRank    int // 0 = none, else positive, lower = higher priority
	DatarateOverrideBps int32
}

func (o Overrides) Disabled() bool      { return o.Flags&OverrideDisabled != 0 }
func (o Overrides) CanTX() bool         { return o.Flags&OverrideCanTX != 0 }
func (o Overrides) CanRX() bool         { return o.Flags&OverrideCanRX != 0 }
func (o Overrides) CanUseForData() bool { return o.Flags&OverrideCanUseForData != 0 }

// Registry is the process-wide, read-mostly table of interfaces and their
// overrides. The hardware probe (internal/hwprobe) is the sole writer of the
// interface table; operator tooling is the sole writer of overrides. The
// egress core only ever reads.
type Registry struct {
	mu         sync.RWMutex
	interfaces []Interface
	overrides  map[string]Overrides // keyed by MAC
}

func NewRegistry() *Registry {
	return &Registry{overrides: make(map[string]Overrides)}
}

// Add appends a newly-probed interface. Indexes are assigned by the probe
// and must be stable for the process lifetime; Add does not renumber
// existing entries, matching the "late-arriving interfaces are appended,
// never removed" rule for hot-plugged SiK radios.
func (r *Registry) Add(iface Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interfaces = append(r.interfaces, iface)
	sort.SliceStable(r.interfaces, func(i, j int) bool {
		return r.interfaces[i].Index < r.interfaces[j].Index
	})
}

// SetOpenedForWrite updates the one mutable field the driver layer owns.
func (r *Registry) SetOpenedForWrite(index int, opened bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.interfaces {
		if r.interfaces[i].Index == index {
			r.interfaces[i].OpenedForWrite = opened
			return
		}
	}
}

// Interfaces returns a snapshot copy of the probed interface table.
func (r *Registry) Interfaces() []Interface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Interface, len(r.interfaces))
	copy(out, r.interfaces)
	return out
}

// Interface looks up a single interface by index.
func (r *Registry) Interface(index int) (Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, iface := range r.interfaces {
		if iface.Index == index {
			return iface, true
		}
	}
	return Interface{}, false
}

// SetOverrides replaces the operator overrides for a MAC, as loaded from
// configuration.
func (r *Registry) SetOverrides(mac string, o Overrides) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[mac] = o
}

// Overrides returns the overrides for a MAC, or the zero value (no bits set,
// rank 0, override 0 meaning "inherit") if none were configured.
func (r *Registry) Overrides(mac string) Overrides {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overrides[mac]
}
