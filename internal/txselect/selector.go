// Package txselect implements the TX Selector: for each local radio
// link, choose a single TX interface per the core
package txselect

import (
	"sort"

	"github.com/groundctl/radiolink/internal/linkstats"
	"github.com/groundctl/radiolink/internal/radio"
	"github.com/groundctl/radiolink/internal/topology"
)

// NoInterface is the sentinel returned when a link has no eligible TX
// interface.
const NoInterface = -1

// Candidate is one interface assigned to a local link, with the registry
// and override data the algorithm needs.
type Candidate struct {
	Interface radio.Interface
	Overrides radio.Overrides
}

// Select runs the TX-interface selection algorithm for one local link and
// returns the chosen interface index, or NoInterface.
func Select(link topology.LocalLink, candidates []Candidate, stats *linkstats.View) int {
	if link.Vehicle.Disabled() || link.Vehicle.UsedForRelay() || !link.Vehicle.CanTX() {
		return NoInterface
	}

	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Interface.TxCapable {
			continue
		}
		if c.Overrides.Disabled() {
			continue
		}
		if !c.Overrides.CanTX() || !c.Overrides.CanUseForData() {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return NoInterface
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Interface.Index < eligible[j].Interface.Index
	})

	// Preferred tier: smallest positive rank wins, ties broken by the index
	// sort above.
	bestPreferredIdx := -1
	bestRank := 0
	for _, c := range eligible {
		if c.Overrides.PreferredTXRank > 0 {
			if bestPreferredIdx == -1 || c.Overrides.PreferredTXRank < bestRank {
				bestPreferredIdx = c.Interface.Index
				bestRank = c.Overrides.PreferredTXRank
			}
		}
	}
	if bestPreferredIdx != -1 {
		return bestPreferredIdx
	}

	// Quality tier: highest rxRelativeQuality, ties broken by index sort.
	bestQualityIdx := eligible[0].Interface.Index
	bestQuality := stats.Snapshot(eligible[0].Interface.Index).RxRelativeQuality
	for _, c := range eligible[1:] {
		q := stats.Snapshot(c.Interface.Index).RxRelativeQuality
		if q > bestQuality {
			bestQuality = q
			bestQualityIdx = c.Interface.Index
		}
	}
	return bestQualityIdx
}

// Map is local_link_id -> selected interface index (or NoInterface).
type Map map[int]int

// AssignmentChange records the prior and current selection for a link.
// Nothing in this module builds one; the Dispatcher detects changes with
// Tracker.Update.
type AssignmentChange struct {
	LocalLinkID int
	Previous    int
	Current     int
}

// Tracker remembers the last computed assignment per link so callers can
// detect changes without re-deriving them from logs.
type Tracker struct {
	last Map
}

func NewTracker() *Tracker { return &Tracker{last: make(Map)} }

// Update records a newly computed selection and reports whether it differs
// from the previous one (including "first time computed").
func (t *Tracker) Update(localLinkID, selected int) (changed bool) {
	prev, seen := t.last[localLinkID]
	t.last[localLinkID] = selected
	if !seen {
		return true
	}
	return prev != selected
}
