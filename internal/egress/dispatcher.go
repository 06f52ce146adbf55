// Package egress implements the Egress Dispatcher: the top-level
// send(buffer) that composes the TX Selector, Datarate Planner, Envelope
// Builder, and Serial Pacer across all eligible local links.
package egress

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/groundctl/radiolink/internal/alarm"
	"github.com/groundctl/radiolink/internal/datarate"
	"github.com/groundctl/radiolink/internal/driver"
	"github.com/groundctl/radiolink/internal/envelope"
	"github.com/groundctl/radiolink/internal/linkstats"
	"github.com/groundctl/radiolink/internal/logctx"
	"github.com/groundctl/radiolink/internal/pacer"
	"github.com/groundctl/radiolink/internal/radio"
	"github.com/groundctl/radiolink/internal/topology"
	"github.com/groundctl/radiolink/internal/txselect"
)

// Status is the aggregate outcome of one Send call.
type Status int

const (
	StatusSent Status = iota
	StatusNoInterface
	StatusDriverError
)

// AnyLink is the single_link_hint sentinel meaning "no restriction."
const AnyLink = -1

// VideoProfileView is the read-only external collaborator the Datarate
// Planner needs for SAME_AS_ADAPTIVE_VIDEO mode.
type VideoProfileView interface {
	UserSelectedVideoRateBps() int32
	CurrentlyReceivedVideoRateBps() int32
}

// LinkLossView reports whether the controller->vehicle link is currently
// flagged lost, for the Datarate Planner's lost-link fallback.
type LinkLossView interface {
	LinkToControllerLost() bool
}

// Dispatcher is the Egress Dispatcher. It is built once at startup and is
// not safe for concurrent Send calls from multiple goroutines.
type Dispatcher struct {
	Topology *topology.Topology
	Registry *radio.Registry
	Stats    *linkstats.View
	Builder  *envelope.Builder
	State    *State

	Drivers map[radio.Family]driver.RadioDriver
	Pacer   *pacer.Pacer
	Alarms  *alarm.Bus

	Video     VideoProfileView
	LinkLoss  LinkLossView
	TXTracker *txselect.Tracker

	Log *logctx.Logger
}

// Send walks buffer (one or more concatenated sub-packets), computes the TX
// map, and dispatches across all eligible local links.
func (d *Dispatcher) Send(ctx context.Context, buffer []byte, hint int) (Status, error) {
	subs, err := envelope.ParseBuffer(buffer)
	if err != nil {
		return StatusDriverError, err
	}
	if len(subs) == 0 {
		return StatusNoInterface, fmt.Errorf("egress: empty buffer")
	}

	// Pass 1: rewrite stream sequences, classify content.
	for i, sp := range subs {
		subs[i].Header = d.Builder.AssignStreamSequence(sp.Header)
		if sp.Header.Type == envelope.PacketCommand {
			d.publishCommandEcho(sp.Payload)
		}
	}

	pingTarget, isSinglePing := pingTargetLink(subs)

	// Pass 2: compute the TX map.
	txMap := d.computeTXMap()

	now := time.Now()
	anyAccepted := false
	anyLinkHadInterface := false

	for _, link := range d.Topology.Links() {
		if hint != AnyLink && hint != link.LocalID {
			continue
		}
		if link.Vehicle.Disabled() || link.Vehicle.UsedForRelay() {
			continue
		}

		ifaceIndex, ok := txMap[link.LocalID]
		if !ok || ifaceIndex == txselect.NoInterface {
			d.alarmNoInterface(link, now)
			continue
		}
		anyLinkHadInterface = true

		if isSinglePing && pingTarget != link.LocalID {
			continue
		}

		if d.State.UpdateInProgress() && anyAccepted {
			break
		}

		iface, found := d.Registry.Interface(ifaceIndex)
		if !found || !iface.OpenedForWrite {
			continue
		}

		drv, ok := d.Drivers[iface.Family]
		if !ok {
			d.Log.Error("no driver registered for family", "family", iface.Family)
			continue
		}

		accepted := d.sendOnLink(ctx, link, iface, drv, subs, now)
		if accepted {
			anyAccepted = true
			d.State.noteSent(link.LocalID, now)
		}
	}

	if !anyAccepted {
		d.logNoLinkAccepted()
		if !anyLinkHadInterface {
			return StatusNoInterface, nil
		}
		return StatusDriverError, nil
	}
	return StatusSent, nil
}

func (d *Dispatcher) computeTXMap() txselect.Map {
	m := make(txselect.Map)
	for _, link := range d.Topology.Links() {
		candidates := make([]txselect.Candidate, 0, len(link.InterfaceIndexes))
		for _, idx := range link.InterfaceIndexes {
			iface, ok := d.Registry.Interface(idx)
			if !ok {
				continue
			}
			candidates = append(candidates, txselect.Candidate{
				Interface: iface,
				Overrides: d.Registry.Overrides(iface.MAC),
			})
		}
		selected := txselect.Select(link, candidates, d.Stats)
		m[link.LocalID] = selected
		if d.TXTracker.Update(link.LocalID, selected) {
			if selected == txselect.NoInterface {
				d.Log.Info("tx assignment: no interface", "local_link", link.LocalID)
			} else {
				d.Log.Info("tx assignment changed", "local_link", link.LocalID, "interface", selected)
			}
		}
	}
	return m
}

// staleLinkThreshold is how long a local link must have gone without a
// successful TX before its missing-interface alarm is logged at Debug
// instead of Warn: a link nobody has transmitted on recently is less
// alarming than one that just dropped out mid-stream.
const staleLinkThreshold = 30 * time.Second

func (d *Dispatcher) alarmNoInterface(link topology.LocalLink, now time.Time) {
	key := fmt.Sprintf("no-interface:%d", link.LocalID)
	_ = d.Alarms.Emit(key, alarm.Event{
		Kind:    alarm.KindNoTXInterface,
		Payload: uint32(link.LocalID),
		At:      now,
	})

	if d.linkIsStale(link.LocalID, now) {
		d.Log.Debug("no TX interface for link", "local_link", link.LocalID)
		return
	}
	d.Log.Warn("no TX interface for link", "local_link", link.LocalID)
}

// linkIsStale reports whether local link has never transmitted, or hasn't
// transmitted within staleLinkThreshold.
func (d *Dispatcher) linkIsStale(localLinkID int, now time.Time) bool {
	if !d.State.EverSent(localLinkID) {
		return true
	}
	last, ok := d.State.LastTxTime(localLinkID)
	return !ok || now.Sub(last) >= staleLinkThreshold
}

func (d *Dispatcher) logNoLinkAccepted() {
	d.Log.Warn("send: no link accepted buffer")
	for _, link := range d.Topology.Links() {
		d.Log.Warn("link diagnostic",
			"local_link", link.LocalID,
			"vehicle_link", link.VehicleRadioLinkID,
			"capability", link.Vehicle.Capability,
		)
	}
}

// sendOnLink dispatches the whole buffer (subs, in order) on one local link
// via the interface's driver, returning whether the link accepted it.
func (d *Dispatcher) sendOnLink(ctx context.Context, link topology.LocalLink, iface radio.Interface, drv driver.RadioDriver, subs []envelope.RawSubPacket, now time.Time) bool {
	rate := datarate.Plan(datarate.Inputs{
		Vehicle:                              link.Vehicle,
		UserSelectedVideoProfileRateBps:      d.Video.UserSelectedVideoRateBps(),
		CurrentlyReceivedVideoProfileRateBps: d.Video.CurrentlyReceivedVideoRateBps(),
		DatarateOverrideBps:                  d.Registry.Overrides(iface.MAC).DatarateOverrideBps,
		DriverFamily:                         iface.Family,
		LinkToControllerLost:                 d.LinkLoss.LinkToControllerLost(),
	})

	sik, isSik := drv.(driver.SikCapable)
	if isSik && sik.IsSikRadio(iface) {
		return d.sendOnSerialLink(ctx, link, iface, drv, sik, subs, rate, now)
	}
	return d.sendOnWiFiLink(ctx, link, iface, drv, subs, rate)
}

func (d *Dispatcher) sendOnWiFiLink(ctx context.Context, link topology.LocalLink, iface radio.Interface, drv driver.RadioDriver, subs []envelope.RawSubPacket, rate datarate.Rate) bool {
	combined := make([]byte, 0, 256)
	for _, sp := range subs {
		prepared := d.Builder.PrepareForLink(sp.Header, sp.Payload, link.LocalID)
		combined = append(combined, envelope.EncodeSubPacket(prepared.Header, prepared.Payload, prepared.Checksum)...)
	}

	encrypt := encryptionBit(link.Vehicle.RadioFlags)
	frame := drv.BuildFrame(link.LocalID, combined, link.Vehicle.RadioFlags, rate, routerUplinkPort, encrypt)

	res, err := drv.WriteFrame(ctx, iface, frame)
	if err != nil {
		d.Log.Warn("wifi write error", "local_link", link.LocalID, "interface", iface.Index, "err", err)
	}
	if res == driver.WriteInterfaceDead {
		drv.ScheduleReinit(iface)
	}
	return res == driver.WriteOK
}

func (d *Dispatcher) sendOnSerialLink(ctx context.Context, link topology.LocalLink, iface radio.Interface, drv driver.RadioDriver, sik driver.SikCapable, subs []envelope.RawSubPacket, rate datarate.Rate, now time.Time) bool {
	airBaud := sik.AirBaudrateBytesPerSec(iface)
	anySent := false

	for _, sp := range subs {
		prio := pacer.PriorityNormal
		if sp.Header.Type == envelope.PacketCommand {
			prio = pacer.PriorityHigh
		}

		decision := d.Pacer.Admit(link.LocalID, iface.Index, sp.Header.Type, prio, len(sp.Payload), airBaud, now)
		if decision != pacer.DecisionSend {
			continue
		}

		prepared := d.Builder.PrepareForLink(sp.Header, sp.Payload, link.LocalID)
		raw := envelope.EncodeSubPacket(prepared.Header, prepared.Payload, prepared.Checksum)

		encrypt := encryptionBit(link.Vehicle.RadioFlags)
		frame := drv.BuildFrame(link.LocalID, raw, link.Vehicle.RadioFlags, rate, routerUplinkPort, encrypt)

		res, err := drv.WriteFrame(ctx, iface, frame)
		if err != nil {
			d.Log.Warn("serial write error", "local_link", link.LocalID, "interface", iface.Index, "err", err)
		}
		if res == driver.WriteInterfaceDead {
			drv.ScheduleReinit(iface)
			return anySent
		}
		if res == driver.WriteOK {
			d.Pacer.Bill(iface.Index, len(raw), link.Vehicle.SikPacketSize, now)
			anySent = true
		}
	}
	return anySent
}

// routerUplinkPort is the fixed port tag the WiFi injection frame carries;
// application-level ports are out of this core's scope.
const routerUplinkPort = 0

func encryptionBit(radioFlags uint32) bool {
	const encryptionFlagBit = 1 << 0
	const hasPassphraseBit = 1 << 1
	return radioFlags&encryptionFlagBit != 0 && radioFlags&hasPassphraseBit != 0
}

// pingTargetLink returns the local link id a lone PING sub-packet targets,
// encoded in the first four bytes of its payload as the correlation id the
// link-test caller chose. Returns (0, false) unless the buffer is exactly
// one PING sub-packet with a long-enough payload.
func pingTargetLink(subs []envelope.RawSubPacket) (int, bool) {
	if len(subs) != 1 || subs[0].Header.Type != envelope.PacketPing {
		return 0, false
	}
	if len(subs[0].Payload) < 4 {
		return 0, false
	}
	return int(int32(binary.LittleEndian.Uint32(subs[0].Payload[:4]))), true
}

func (d *Dispatcher) publishCommandEcho(payload []byte) {
	if len(payload) < 5 {
		return
	}
	echo := CommandEcho{
		CommandID:  binary.LittleEndian.Uint32(payload[0:4]),
		RetryCount: int(payload[4]),
		SentAt:     time.Now(),
	}
	d.State.setCommandEcho(echo)
}
