package upload

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/groundctl/radiolink/internal/alarm"
	"github.com/groundctl/radiolink/internal/datarate"
	"github.com/groundctl/radiolink/internal/driver"
	"github.com/groundctl/radiolink/internal/egress"
	"github.com/groundctl/radiolink/internal/envelope"
	"github.com/groundctl/radiolink/internal/linkstats"
	"github.com/groundctl/radiolink/internal/logctx"
	"github.com/groundctl/radiolink/internal/pacer"
	"github.com/groundctl/radiolink/internal/radio"
	"github.com/groundctl/radiolink/internal/topology"
	"github.com/groundctl/radiolink/internal/txselect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logctx.Logger {
	return logctx.New(logctx.Options{Writer: io.Discard, Level: logctx.LevelError})
}

type noopAdmit struct{}

func (noopAdmit) CanSendPacketOnSlowLink(int, envelope.PacketType, pacer.Priority, time.Time) bool {
	return true
}

type recordingRouter struct{ started, stopped int }

func (r *recordingRouter) NotifyUpdateStarted() { r.started++ }
func (r *recordingRouter) NotifyUpdateStopped() { r.stopped++ }

// immediateAck always accepts every ACK-required chunk on the first poll.
type immediateAck struct{}

func (immediateAck) Poll(ctx context.Context, fileBlockIndex uint32, timeout time.Duration) AckResult {
	return AckAccepted
}

type nullTransport struct{}

func (nullTransport) Send(alarm.Event) error { return nil }

type noVideo struct{}

func (noVideo) UserSelectedVideoRateBps() int32      { return 0 }
func (noVideo) CurrentlyReceivedVideoRateBps() int32 { return 0 }

type noLinkLoss struct{}

func (noLinkLoss) LinkToControllerLost() bool { return false }

// captureDriver is a minimal WiFi-family driver.RadioDriver recording every
// frame it is asked to write.
type captureDriver struct{ writes [][]byte }

func (d *captureDriver) Family() radio.Family { return radio.FamilyWiFi80211 }
func (d *captureDriver) BuildFrame(localLinkID int, payload []byte, radioFlags uint32, rate datarate.Rate, port uint8, encrypt bool) driver.Frame {
	return driver.Frame{Bytes: payload, RadioFlags: radioFlags, Datarate: rate, Port: port, EncryptionBit: encrypt}
}
func (d *captureDriver) WriteFrame(ctx context.Context, iface radio.Interface, frame driver.Frame) (driver.WriteResult, error) {
	d.writes = append(d.writes, frame.Bytes)
	return driver.WriteOK, nil
}
func (d *captureDriver) ScheduleReinit(iface radio.Interface) {}

func buildJob(t *testing.T, acks InboundACKs, router *recordingRouter, drv driver.RadioDriver) *Job {
	t.Helper()
	registry := radio.NewRegistry()
	registry.Add(radio.Interface{Index: 0, MAC: "aa", Family: radio.FamilyWiFi80211, TxCapable: true, OpenedForWrite: true})
	registry.SetOverrides("aa", radio.Overrides{Flags: radio.OverrideCanTX | radio.OverrideCanUseForData})

	topo := topology.New()
	topo.SetLink(topology.LocalLink{
		LocalID:          0,
		InterfaceIndexes: []int{0},
		Vehicle:          topology.VehicleLinkParams{Capability: topology.VehicleCanTX},
	})

	stats := linkstats.New()
	bus := alarm.NewBus(&nullTransport{}, 20*time.Second)

	dispatch := &egress.Dispatcher{
		Topology:  topo,
		Registry:  registry,
		Stats:     stats,
		Builder:   envelope.NewBuilder(),
		State:     egress.NewState(),
		Drivers:   map[radio.Family]driver.RadioDriver{radio.FamilyWiFi80211: drv},
		Pacer:     pacer.New(noopAdmit{}, stats, bus),
		Alarms:    bus,
		Video:     noVideo{},
		LinkLoss:  noLinkLoss{},
		TXTracker: txselect.NewTracker(),
		Log:       testLogger(),
	}

	return NewJob(testLogger(), nil, dispatch, acks, router, dispatch.State, 0, "", "", 1)
}

func TestUploadHappyPath_SingleAckedLastChunkReachesDone(t *testing.T) {
	router := &recordingRouter{}
	job := buildJob(t, immediateAck{}, router, &captureDriver{})

	payload := make([]byte, 2200) // two chunks of 1100, ack_every_n=4 default
	require.NoError(t, job.Build(context.Background(), payload, "fw.bin", "marker"))

	var completedState State
	job.Run(context.Background(), func() bool { return false }, nil, func(s State, err error) {
		completedState = s
		assert.NoError(t, err)
	})

	assert.Equal(t, StateDone, completedState)
	assert.Equal(t, StateDone, job.State())
	assert.Equal(t, 1, router.started)
	assert.Equal(t, 1, router.stopped)
}

// recordingAck accepts every ACK-required chunk on first poll and records
// which file_block_index values were ever polled, so a test can assert a
// chunk was (or was never) treated as ACK-required.
type recordingAck struct{ polled []uint32 }

func (r *recordingAck) Poll(ctx context.Context, fileBlockIndex uint32, timeout time.Duration) AckResult {
	r.polled = append(r.polled, fileBlockIndex)
	return AckAccepted
}

// Pins down the Scenario 4 / Scenario 5 reading of spec.md §4.6's selective
// ACK cadence against its literal formula: block 0 is divisible by every
// ack_every_n (0 % N == 0) but must never be treated as ACK-required, only
// the last block (here, block 1) should be.
func TestUploadAckCadence_Block0IsNeverAckedEvenWhenDivisibleByAckEveryN(t *testing.T) {
	router := &recordingRouter{}
	drv := &captureDriver{}
	acks := &recordingAck{}
	job := buildJob(t, acks, router, drv)

	payload := make([]byte, 2200) // two chunks of 1100, ack_every_n=4 default
	require.NoError(t, job.Build(context.Background(), payload, "fw.bin", "marker"))

	var completedState State
	job.Run(context.Background(), func() bool { return false }, nil, func(s State, err error) {
		completedState = s
	})

	assert.Equal(t, StateDone, completedState)
	assert.Equal(t, []uint32{1}, acks.polled, "only the last block (1) should ever be polled for an ACK; block 0 must be sent one-way")
	assert.Equal(t, 3, len(drv.writes), "block 0 sent one-way twice, block 1 sent once and ACKed")
}

// Pins down that a configured TimestampFormatter actually drives the "at"
// field on the job's log lines, rather than sitting unused behind a logger
// no caller wires it into.
func TestUploadBuild_UsesConfiguredTimestampFormatter(t *testing.T) {
	var buf bytes.Buffer
	log := logctx.New(logctx.Options{Writer: &buf, Level: logctx.LevelInfo})
	tsFormat, err := logctx.NewTimestampFormatter("%Y-only-%Y")
	require.NoError(t, err)

	registry := radio.NewRegistry()
	registry.Add(radio.Interface{Index: 0, MAC: "aa", Family: radio.FamilyWiFi80211, TxCapable: true, OpenedForWrite: true})
	topo := topology.New()
	topo.SetLink(topology.LocalLink{
		LocalID:          0,
		InterfaceIndexes: []int{0},
		Vehicle:          topology.VehicleLinkParams{Capability: topology.VehicleCanTX},
	})
	stats := linkstats.New()
	bus := alarm.NewBus(&nullTransport{}, 20*time.Second)
	dispatch := &egress.Dispatcher{
		Topology:  topo,
		Registry:  registry,
		Stats:     stats,
		Builder:   envelope.NewBuilder(),
		State:     egress.NewState(),
		Drivers:   map[radio.Family]driver.RadioDriver{radio.FamilyWiFi80211: &captureDriver{}},
		Pacer:     pacer.New(noopAdmit{}, stats, bus),
		Alarms:    bus,
		Video:     noVideo{},
		LinkLoss:  noLinkLoss{},
		TXTracker: txselect.NewTracker(),
		Log:       testLogger(),
	}

	job := NewJob(log, tsFormat, dispatch, &immediateAck{}, &recordingRouter{}, dispatch.State, 0, "", "", 1)
	require.NoError(t, job.Build(context.Background(), make([]byte, 16), "fw.bin", "marker"))

	year := strconv.Itoa(time.Now().Year())
	assert.Contains(t, buf.String(), year+"-only-"+year, "log line should be stamped with the configured strftime pattern")
}

// rejectOnceThenAccept rejects the first poll for a given fileBlockIndex and
// accepts every subsequent one, modeling scenario 5's reject-then-recover.
type rejectOnceThenAccept struct{ rejected map[uint32]bool }

func (r *rejectOnceThenAccept) Poll(ctx context.Context, fileBlockIndex uint32, timeout time.Duration) AckResult {
	if r.rejected == nil {
		r.rejected = map[uint32]bool{}
	}
	if !r.rejected[fileBlockIndex] {
		r.rejected[fileBlockIndex] = true
		return AckRejected
	}
	return AckAccepted
}

func TestUploadRejectThenRecover_RewindsToLastAckedPlusOneThenCompletes(t *testing.T) {
	router := &recordingRouter{}
	job := buildJob(t, &rejectOnceThenAccept{}, router, &captureDriver{})
	job.ackEveryN = 2

	payload := make([]byte, ChunkSize*10)
	require.NoError(t, job.Build(context.Background(), payload, "fw.bin", "marker"))

	var completedState State
	job.Run(context.Background(), func() bool { return false }, nil, func(s State, err error) {
		completedState = s
	})

	assert.Equal(t, StateDone, completedState)
}

// alwaysReject never accepts, forcing ack-retry exhaustion.
type alwaysReject struct{}

func (alwaysReject) Poll(ctx context.Context, fileBlockIndex uint32, timeout time.Duration) AckResult {
	return AckRejected
}

func TestUploadAckExhaustion_HalvesAckEveryNAndFails(t *testing.T) {
	router := &recordingRouter{}
	job := buildJob(t, alwaysReject{}, router, &captureDriver{})
	job.ackEveryN = 2

	payload := make([]byte, ChunkSize*4)
	require.NoError(t, job.Build(context.Background(), payload, "fw.bin", "marker"))

	var completedState State
	job.Run(context.Background(), func() bool { return false }, nil, func(s State, err error) {
		completedState = s
	})

	assert.Equal(t, StateFailed, completedState)
	assert.Equal(t, 1, job.ackEveryN, "ack_every_n halves from 2 down to the floor of 1")
}

// P12: cancel emits exactly five cancel frames and issues UPDATE_STOPPED.
func TestUploadCancel_EmitsFiveFramesAndNotifiesStopped(t *testing.T) {
	router := &recordingRouter{}
	drv := &captureDriver{}
	job := buildJob(t, immediateAck{}, router, drv)

	payload := make([]byte, ChunkSize*20)
	require.NoError(t, job.Build(context.Background(), payload, "fw.bin", "marker"))

	job.Run(context.Background(), func() bool { return true }, nil, func(s State, err error) {
		assert.Equal(t, StateCanceled, s)
	})

	assert.Equal(t, cancelFrameCount, len(drv.writes))
	assert.Equal(t, 1, router.stopped)
}
