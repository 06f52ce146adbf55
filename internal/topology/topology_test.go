package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinks_SortedByLocalID(t *testing.T) {
	topo := New()
	topo.SetLink(LocalLink{LocalID: 2})
	topo.SetLink(LocalLink{LocalID: 0})
	topo.SetLink(LocalLink{LocalID: 1})

	links := topo.Links()
	require.Len(t, links, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{links[0].LocalID, links[1].LocalID, links[2].LocalID})
}

func TestUpdateVehicleFlags_UnknownLinkReturnsFalse(t *testing.T) {
	topo := New()
	assert.False(t, topo.UpdateVehicleFlags(9, VehicleCanTX))
}

func TestUpdateVehicleFlags_AppliesRuntimeRelayDetection(t *testing.T) {
	topo := New()
	topo.SetLink(LocalLink{LocalID: 0, Vehicle: VehicleLinkParams{Capability: VehicleCanTX}})

	require.True(t, topo.UpdateVehicleFlags(0, VehicleCanTX|VehicleUsedForRelay))

	link, ok := topo.Link(0)
	require.True(t, ok)
	assert.True(t, link.Vehicle.UsedForRelay())
}

func TestVehicleLinkParams_CapabilityBits(t *testing.T) {
	p := VehicleLinkParams{Capability: VehicleDisabled | VehicleHighCapacity}
	assert.True(t, p.Disabled())
	assert.True(t, p.HighCapacity())
	assert.False(t, p.CanTX())
	assert.False(t, p.UsedForRelay())
}
