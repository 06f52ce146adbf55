package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestAssignStreamSequence_MonotonicPerStream(t *testing.T) {
	b := NewBuilder()
	h := Header{Type: PacketCommand, StreamPacketIdx: PackStreamPacketIdx(3, 0)}

	first := b.AssignStreamSequence(h)
	second := b.AssignStreamSequence(h)

	assert.Equal(t, uint8(3), first.StreamID())
	assert.Equal(t, uint32(1), first.SequenceBits())
	assert.Equal(t, uint32(2), second.SequenceBits())
}

func TestAssignStreamSequence_PingExemptFromAdvancingIndex(t *testing.T) {
	b := NewBuilder()
	ping := Header{Type: PacketPing, StreamPacketIdx: PackStreamPacketIdx(1, 0)}
	cmd := Header{Type: PacketCommand, StreamPacketIdx: PackStreamPacketIdx(1, 0)}

	got := b.AssignStreamSequence(ping)
	assert.Equal(t, ping, got, "PING must pass through unchanged")

	next := b.AssignStreamSequence(cmd)
	assert.Equal(t, uint32(1), next.SequenceBits(), "PING must not have advanced the counter")
}

func TestAssignStreamSequence_PingReplyAlsoExempt(t *testing.T) {
	b := NewBuilder()
	reply := Header{Type: PacketPingReply, StreamPacketIdx: PackStreamPacketIdx(2, 0)}
	got := b.AssignStreamSequence(reply)
	assert.Equal(t, reply, got)
}

func TestNextRadioLinkPacketIndex_MonotonicPerLocalLink(t *testing.T) {
	b := NewBuilder()
	assert.Equal(t, uint16(1), b.NextRadioLinkPacketIndex(0))
	assert.Equal(t, uint16(2), b.NextRadioLinkPacketIndex(0))
	assert.Equal(t, uint16(1), b.NextRadioLinkPacketIndex(1), "a different local link has its own counter")
}

func TestPrepareForLink_ZerosSourceAfterMalformedInboundLatch(t *testing.T) {
	b := NewBuilder()
	h := Header{Type: PacketCommand, VehicleIDSrc: 99, TotalLength: HeaderSize}

	before := b.PrepareForLink(h, nil, 0)
	assert.Equal(t, uint16(99), before.Header.VehicleIDSrc)

	b.NoteMalformedInboundFromUnknownSource()
	after := b.PrepareForLink(h, nil, 0)
	assert.Equal(t, uint16(0), after.Header.VehicleIDSrc)
}

// P1/P3: for arbitrary interleavings of stream ids and local links, the
// assigned stream sequence per stream id and the radio-link packet index
// per local link are both strictly increasing.
func TestMonotonicityProperty_StreamAndLinkIndices(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := NewBuilder()
		lastStreamSeq := map[uint8]uint32{}
		lastLinkIdx := map[int]uint16{}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			streamID := uint8(rapid.IntRange(0, 15).Draw(rt, "streamID"))
			localLink := rapid.IntRange(0, 3).Draw(rt, "localLink")

			h := b.AssignStreamSequence(Header{Type: PacketCommand, StreamPacketIdx: PackStreamPacketIdx(streamID, 0)})
			if prev, ok := lastStreamSeq[streamID]; ok && h.SequenceBits() <= prev {
				rt.Fatalf("stream %d sequence not increasing: %d -> %d", streamID, prev, h.SequenceBits())
			}
			lastStreamSeq[streamID] = h.SequenceBits()

			idx := b.NextRadioLinkPacketIndex(localLink)
			if prev, ok := lastLinkIdx[localLink]; ok {
				// mod 2^16 wrap is allowed, so only reject a non-advancing repeat.
				if idx == prev {
					rt.Fatalf("local link %d packet index did not advance", localLink)
				}
			}
			lastLinkIdx[localLink] = idx
		}
	})
}
