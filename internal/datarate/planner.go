// Package datarate computes the outbound modulation/datarate for a TX
// interface on a vehicle link, honoring uplink datarate mode, adaptive-video
// coupling, per-card override, and lost-link fallback.
package datarate

import "github.com/groundctl/radiolink/internal/topology"

// Rate is a datarate value using a negative-MCS convention:
// positive values are legacy rates in bits per second; negative values are
// MCS indices, -1 = MCS0, -2 = MCS1, and so on.
type Rate int32

// MCS0 is the slowest 802.11n MCS index representable.
const MCS0 Rate = -1

// DEFAULT_RADIO_DATARATE_LOWEST is the positive-rate floor used by LOWEST
// mode and by lost-link fallback. Named in shout-case to match the other
// externally-controlled knobs in this codebase.
var DEFAULT_RADIO_DATARATE_LOWEST Rate = 2000000 // 2 Mbps

// Bps converts a Rate to bits-per-second for comparison purposes. MCS
// indices are mapped onto a monotonic linear ladder; the exact bps values
// only need to preserve ordering, not match a particular PHY.
func (r Rate) Bps() int64 {
	if r >= 0 {
		return int64(r)
	}
	// r == -1 - mcsIndex, so mcsIndex = -1 - int64(r)
	mcsIndex := -1 - int64(r)
	// 6.5 Mbps for MCS0, plus 3.25 Mbps per MCS index above it.
	base := int64(6500000)
	return base + mcsIndex*int64(3250000)
}

// Lower reports whether r is strictly slower (in bits-per-second) than
// other.
func (r Rate) Lower(other Rate) bool { return r.Bps() < other.Bps() }

// IsMCS reports whether r uses the negative MCS-index convention.
func (r Rate) IsMCS() bool { return r < 0 }

// Family is the minimal driver-family view the planner needs: whether the
// family sets its rate out of band (Atheros/Ralink/HamRig).
type Family interface {
	SetsRateOutOfBand() bool
}

// Inputs bundles everything the planner needs to compute one TX interface's
// plan.
type Inputs struct {
	Vehicle topology.VehicleLinkParams

	// UserSelectedVideoProfileRateBps is the adaptive-video profile the
	// operator currently has selected; 0 means "none/unset".
	UserSelectedVideoProfileRateBps int32

	// CurrentlyReceivedVideoProfileRateBps is the profile the video RX
	// pipeline currently reports receiving; 0 means "none/unset". Read via
	// an external, read-only view.
	CurrentlyReceivedVideoProfileRateBps int32

	// DatarateOverrideBps is the selected TX interface's per-card override
	// (radio.Overrides.DatarateOverrideBps); 0 means "inherit link".
	DatarateOverrideBps int32

	DriverFamily         Family
	LinkToControllerLost bool
}

// Plan computes the datarate for one TX interface on one vehicle link,
// following the mode-selection, per-card-override, and lost-link-fallback
// rules.
func Plan(in Inputs) Rate {
	rate := startingRate(in)

	if in.DatarateOverrideBps != 0 {
		candidate := Rate(in.DatarateOverrideBps)
		if candidate.Lower(rate) {
			rate = candidate
		}
	}

	if in.DriverFamily != nil && in.DriverFamily.SetsRateOutOfBand() {
		return rate
	}

	if in.LinkToControllerLost {
		rate = lostLinkFallback(rate)
	}

	return rate
}

func startingRate(in Inputs) Rate {
	switch in.Vehicle.UplinkDatarateMode {
	case topology.DatarateFixed:
		return Rate(in.Vehicle.UplinkDatarateDataBps)

	case topology.DatarateSameAsAdaptiveVideo:
		rate := Rate(in.Vehicle.LinkDatarateVideoBps)

		if in.UserSelectedVideoProfileRateBps != 0 {
			candidate := Rate(in.UserSelectedVideoProfileRateBps)
			if candidate.Lower(rate) {
				rate = candidate
			}
		}

		if in.CurrentlyReceivedVideoProfileRateBps != 0 {
			candidate := Rate(in.CurrentlyReceivedVideoProfileRateBps)
			if candidate.Lower(rate) {
				rate = candidate
			}
		}

		return rate

	case topology.DatarateLowest:
		if in.Vehicle.LinkDatarateVideoBps > 0 {
			return DEFAULT_RADIO_DATARATE_LOWEST
		}
		return MCS0

	default:
		return Rate(in.Vehicle.UplinkDatarateDataBps)
	}
}

// lostLinkFallback forces the rate to the LOWEST positive rate, or MCS0 if
// the plan was already using a negative (MCS) rate.
func lostLinkFallback(rate Rate) Rate {
	if rate.IsMCS() {
		return MCS0
	}
	return DEFAULT_RADIO_DATARATE_LOWEST
}

// StepDown lowers rate by levels discrete steps without dropping below
// DEFAULT_RADIO_DATARATE_LOWEST for positive rates or below MCS0 for
// negative rates: the positive-rate ladder never steps below the
// configured floor, and the MCS ladder never steps below MCS0.
func StepDown(rate Rate, levels int) Rate {
	if levels <= 0 {
		return rate
	}
	if rate.IsMCS() {
		// Stepping down (slower) moves a more-negative MCS index toward
		// MCS0; MCS0 itself is the floor, so levels past it are absorbed.
		stepped := rate + Rate(levels)
		if stepped > MCS0 {
			stepped = MCS0
		}
		return stepped
	}

	// Positive-rate ladder: halve per step down to the floor.
	stepped := rate
	for i := 0; i < levels; i++ {
		if stepped <= DEFAULT_RADIO_DATARATE_LOWEST {
			break
		}
		stepped /= 2
		if stepped < DEFAULT_RADIO_DATARATE_LOWEST {
			stepped = DEFAULT_RADIO_DATARATE_LOWEST
		}
	}
	return stepped
}
