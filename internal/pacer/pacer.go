// Package pacer implements the Serial Pacer: per-packet admission and
// airtime-overload guards for low-rate serial (SiK) interfaces.
package pacer

import (
	"strconv"
	"time"

	"github.com/groundctl/radiolink/internal/alarm"
	"github.com/groundctl/radiolink/internal/envelope"
	"github.com/groundctl/radiolink/internal/linkstats"
)

// DEFAULT_RADIO_SERIAL_MAX_TX_LOAD is the percent of serial airtime the
// Serial Pacer allows in steady state.
var DEFAULT_RADIO_SERIAL_MAX_TX_LOAD float64 = 80

// Priority is the admission policy's notion of packet priority; the policy
// itself is an abstract collaborator, so this package only
// defines the shape callers plug into it.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// AdmissionPolicy is consulted before every chunk sent on a slow link. It
// must not block.
type AdmissionPolicy interface {
	CanSendPacketOnSlowLink(localLinkID int, packetType envelope.PacketType, prio Priority, now time.Time) bool
}

// ShortHeaderSize is the fixed per-MTU framing overhead billed for serial
// traffic.
const ShortHeaderSize = 4

// Pacer enforces admission and airtime-overload guards for one process's
// serial interfaces.
type Pacer struct {
	policy AdmissionPolicy
	stats  *linkstats.View
	alarms *alarm.Bus
}

func New(policy AdmissionPolicy, stats *linkstats.View, alarms *alarm.Bus) *Pacer {
	return &Pacer{policy: policy, stats: stats, alarms: alarms}
}

// Decision is the outcome of Admit.
type Decision int

const (
	DecisionSend Decision = iota
	DecisionDropAdmission
	DecisionDropOverload
)

// Admit decides whether a packet of n payload bytes may be sent on
// ifaceIndex for localLinkID right now, applying both the admission policy
// and the airtime-overload guard. On DecisionSend, callers must
// still call Bill after a successful driver write to update the byte meter.
func (p *Pacer) Admit(localLinkID, ifaceIndex int, packetType envelope.PacketType, prio Priority, n int, airBaudrateBytesPerSec uint32, now time.Time) Decision {
	if !p.policy.CanSendPacketOnSlowLink(localLinkID, packetType, prio, now) {
		return DecisionDropAdmission
	}

	budget := DEFAULT_RADIO_SERIAL_MAX_TX_LOAD / 100 * float64(airBaudrateBytesPerSec)
	current := p.stats.Snapshot(ifaceIndex).TxBytesPerSec
	if current+float64(n) > budget {
		p.alarms.Emit(overloadKey(ifaceIndex), alarm.Event{
			Kind:    alarm.KindSerialOverload,
			Payload: encodeOverloadPayload(int(current), ifaceIndex),
			Aux:     airBaudrateBytesPerSec,
			At:      now,
		})
		return DecisionDropOverload
	}

	return DecisionSend
}

// Bill records n payload bytes written on ifaceIndex, adding the per-MTU
// ShortHeaderSize overhead for each full sikPacketSize chunk the write
// implied.
func (p *Pacer) Bill(ifaceIndex int, n int, sikPacketSize int, now time.Time) {
	billed := n
	if sikPacketSize > 0 {
		billed += ShortHeaderSize * (n / sikPacketSize)
	}
	p.stats.Record(ifaceIndex, billed, now)
}

func overloadKey(ifaceIndex int) string {
	return "serial-overload:" + strconv.Itoa(ifaceIndex)
}

// encodeOverloadPayload packs the current rate into the low bytes and the
// interface index into the high byte, for the alarm transport's 32-bit
// payload field.
func encodeOverloadPayload(rate int, ifaceIndex int) uint32 {
	return uint32(rate&0x00FFFFFF) | (uint32(ifaceIndex&0xFF) << 24)
}
