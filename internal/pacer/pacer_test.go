package pacer

import (
	"testing"
	"time"

	"github.com/groundctl/radiolink/internal/alarm"
	"github.com/groundctl/radiolink/internal/envelope"
	"github.com/groundctl/radiolink/internal/linkstats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysAdmit struct{}

func (alwaysAdmit) CanSendPacketOnSlowLink(int, envelope.PacketType, Priority, time.Time) bool {
	return true
}

type recordingTransport struct{ events []alarm.Event }

func (r *recordingTransport) Send(ev alarm.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestAdmit_OverloadGuardDropsAndAlarms(t *testing.T) {
	transport := &recordingTransport{}
	bus := alarm.NewBus(transport, 20*time.Second)
	stats := linkstats.New()
	p := New(alwaysAdmit{}, stats, bus)

	now := time.Now()
	stats.Record(0, 2000, now) // current tx_bytes_per_sec baseline

	decision := p.Admit(0, 0, envelope.PacketTelemetryRaw, PriorityNormal, 80, 2400, now)

	require.Equal(t, DecisionDropOverload, decision)
	require.Len(t, transport.events, 1)
	assert.Equal(t, alarm.KindSerialOverload, transport.events[0].Kind)
	assert.Equal(t, uint32(2400), transport.events[0].Aux)
}

func TestAdmit_OverloadAlarmRateLimitedWithinWindow(t *testing.T) {
	transport := &recordingTransport{}
	bus := alarm.NewBus(transport, 20*time.Second)
	stats := linkstats.New()
	p := New(alwaysAdmit{}, stats, bus)

	now := time.Now()
	stats.Record(0, 2000, now)

	p.Admit(0, 0, envelope.PacketTelemetryRaw, PriorityNormal, 80, 2400, now)
	p.Admit(0, 0, envelope.PacketTelemetryRaw, PriorityNormal, 80, 2400, now.Add(5*time.Second))

	assert.Len(t, transport.events, 1, "second overload within the window must not re-alarm")
}

func TestAdmit_AllowsWhenUnderBudget(t *testing.T) {
	transport := &recordingTransport{}
	bus := alarm.NewBus(transport, 20*time.Second)
	stats := linkstats.New()
	p := New(alwaysAdmit{}, stats, bus)

	decision := p.Admit(0, 0, envelope.PacketTelemetryRaw, PriorityNormal, 10, 2400, time.Now())
	assert.Equal(t, DecisionSend, decision)
	assert.Empty(t, transport.events)
}

type denyPolicy struct{}

func (denyPolicy) CanSendPacketOnSlowLink(int, envelope.PacketType, Priority, time.Time) bool {
	return false
}

func TestAdmit_AdmissionPolicyDenialShortCircuits(t *testing.T) {
	stats := linkstats.New()
	bus := alarm.NewBus(&recordingTransport{}, 20*time.Second)
	p := New(denyPolicy{}, stats, bus)

	decision := p.Admit(0, 0, envelope.PacketTelemetryRaw, PriorityNormal, 10, 2400, time.Now())
	assert.Equal(t, DecisionDropAdmission, decision)
}

func TestBill_AddsShortHeaderOverheadPerMTU(t *testing.T) {
	stats := linkstats.New()
	bus := alarm.NewBus(&recordingTransport{}, 20*time.Second)
	p := New(alwaysAdmit{}, stats, bus)

	now := time.Now()
	p.Bill(0, 200, 100, now) // 2 full MTUs of 100 bytes each

	snap := stats.Snapshot(0)
	assert.Equal(t, float64(200+2*ShortHeaderSize), snap.TxBytesPerSec)
}
