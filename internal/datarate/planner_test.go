package datarate

import (
	"testing"

	"github.com/groundctl/radiolink/internal/topology"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

type fakeFamily bool

func (f fakeFamily) SetsRateOutOfBand() bool { return bool(f) }

func TestPlan_SameAsAdaptiveVideoNarrowsToSmallest(t *testing.T) {
	in := Inputs{
		Vehicle: topology.VehicleLinkParams{
			UplinkDatarateMode:  topology.DatarateSameAsAdaptiveVideo,
			LinkDatarateVideoBps: 18_000_000,
		},
		UserSelectedVideoProfileRateBps:      12_000_000,
		CurrentlyReceivedVideoProfileRateBps: 6_000_000,
	}
	assert.Equal(t, Rate(6_000_000), Plan(in))

	in.DatarateOverrideBps = 4_000_000
	assert.Equal(t, Rate(4_000_000), Plan(in))
}

func TestPlan_LostLinkFallbackSkippedForOutOfBandFamilies(t *testing.T) {
	in := Inputs{
		Vehicle: topology.VehicleLinkParams{
			UplinkDatarateMode:    topology.DatarateFixed,
			UplinkDatarateDataBps: 54_000_000,
		},
		DriverFamily:         fakeFamily(true),
		LinkToControllerLost: true,
	}
	assert.Equal(t, Rate(54_000_000), Plan(in))
}

func TestPlan_LostLinkFallbackAppliesForInBandFamilies(t *testing.T) {
	in := Inputs{
		Vehicle: topology.VehicleLinkParams{
			UplinkDatarateMode:    topology.DatarateFixed,
			UplinkDatarateDataBps: 54_000_000,
		},
		DriverFamily:         fakeFamily(false),
		LinkToControllerLost: true,
	}
	assert.Equal(t, DEFAULT_RADIO_DATARATE_LOWEST, Plan(in))
}

func TestPlan_LostLinkFallbackClampsNegativeRateToMCS0(t *testing.T) {
	in := Inputs{
		Vehicle: topology.VehicleLinkParams{
			UplinkDatarateMode:    topology.DatarateFixed,
			UplinkDatarateDataBps: -4, // MCS3
		},
		DriverFamily:         fakeFamily(false),
		LinkToControllerLost: true,
	}
	assert.Equal(t, MCS0, Plan(in))
}

func TestStepDown_NeverDropsBelowLowestFloorOrMCS0(t *testing.T) {
	assert.Equal(t, DEFAULT_RADIO_DATARATE_LOWEST, StepDown(DEFAULT_RADIO_DATARATE_LOWEST*8, 100))
	assert.Equal(t, MCS0, StepDown(Rate(-8), 100))
}

func TestStepDown_ZeroLevelsIsNoOp(t *testing.T) {
	assert.Equal(t, Rate(12_000_000), StepDown(Rate(12_000_000), 0))
}

// P6: under SAME_AS_ADAPTIVE_VIDEO the planned rate never exceeds any
// non-zero candidate, for arbitrary candidate combinations.
func TestPlan_DatarateNarrowingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		linkBps := rapid.Int32Range(1, 100_000_000).Draw(rt, "link")
		userBps := rapid.Int32Range(0, 100_000_000).Draw(rt, "user")
		recvBps := rapid.Int32Range(0, 100_000_000).Draw(rt, "recv")
		overrideBps := rapid.Int32Range(0, 100_000_000).Draw(rt, "override")

		in := Inputs{
			Vehicle: topology.VehicleLinkParams{
				UplinkDatarateMode:   topology.DatarateSameAsAdaptiveVideo,
				LinkDatarateVideoBps: linkBps,
			},
			UserSelectedVideoProfileRateBps:      userBps,
			CurrentlyReceivedVideoProfileRateBps: recvBps,
			DatarateOverrideBps:                  overrideBps,
		}
		got := Plan(in)

		for _, candidate := range []int32{linkBps, userBps, recvBps, overrideBps} {
			if candidate == 0 {
				continue
			}
			if got.Bps() > Rate(candidate).Bps() {
				rt.Fatalf("planned rate %d exceeds candidate %d", got.Bps(), candidate)
			}
		}
	})
}
