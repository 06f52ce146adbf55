package envelope

import "sync"

const numStreams = 16

// Builder owns the process-wide monotonic counters the Envelope Builder
// assigns: one per-stream tx index (shared across all links) and one
// per-local-link radio-link packet index. Scoped to an explicit struct
// rather than package globals so tests can run several independent
// instances.
type Builder struct {
	mu sync.Mutex

	streamTxIndex [numStreams]uint32

	linkPacketIndex map[int]uint16 // local link id -> next index

	// sawMalformedInboundFromUnknownSource latches a privacy fallback: once
	// true, VehicleIDSrc is zeroed on every outgoing packet for the rest of
	// the process lifetime.
	sawMalformedInboundFromUnknownSource bool
}

func NewBuilder() *Builder {
	return &Builder{linkPacketIndex: make(map[int]uint16)}
}

// NoteMalformedInboundFromUnknownSource latches the privacy/safety fallback
// for outgoing VehicleIDSrc once an inbound packet from an unrecognized
// source fails to parse.
func (b *Builder) NoteMalformedInboundFromUnknownSource() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sawMalformedInboundFromUnknownSource = true
}

// NextStreamSequence returns the next sequence number for streamID,
// advancing the process-wide counter. PING and PING_REPLY packets must
// never call this.
func (b *Builder) NextStreamSequence(streamID uint8) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamTxIndex[streamID&0xF]++
	return b.streamTxIndex[streamID&0xF]
}

// NextRadioLinkPacketIndex returns the next monotonic (mod 2^16, wrap
// allowed) index for localLinkID.
func (b *Builder) NextRadioLinkPacketIndex(localLinkID int) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.linkPacketIndex[localLinkID] + 1
	b.linkPacketIndex[localLinkID] = next
	return next
}

// PreparedSubPacket is one sub-packet of the caller's buffer after the
// Envelope Builder has assigned indices and computed its checksum, ready
// for a driver to frame and write.
type PreparedSubPacket struct {
	Header   Header
	Payload  []byte // payload bytes, not including the header
	Checksum uint32
}

// PrepareForLink assigns a radio_link_packet_index for localLinkID and
// computes the checksum for one sub-packet, applying the privacy fallback.
// It does not touch the stream sequence: that (and the PING/PING_REPLY
// exemption) is AssignStreamSequence's job, which happens once per sub-packet regardless of how many
// links it is ultimately transmitted on — re-transmissions on a different
// link get independent radio_link_packet_index values but do not re-advance
// the stream counter.
func (b *Builder) PrepareForLink(h Header, payload []byte, localLinkID int) PreparedSubPacket {
	h.RadioLinkPacketIndex = b.NextRadioLinkPacketIndex(localLinkID)

	b.mu.Lock()
	zeroSrc := b.sawMalformedInboundFromUnknownSource
	b.mu.Unlock()
	if zeroSrc {
		h.VehicleIDSrc = 0
	}

	buf := make([]byte, HeaderSize+len(payload))
	h.Encode(buf)
	copy(buf[HeaderSize:], payload)

	coverage := ChecksumCoverage(h)
	if coverage > len(buf) {
		coverage = len(buf)
	}
	return PreparedSubPacket{Header: h, Payload: payload, Checksum: Checksum(buf[:coverage])}
}

// AssignStreamSequence advances and writes the stream sequence into h's
// StreamPacketIdx, unless h.Type is PING or PING_REPLY.
func (b *Builder) AssignStreamSequence(h Header) Header {
	if h.Type == PacketPing || h.Type == PacketPingReply {
		return h
	}
	streamID := h.StreamID()
	seq := b.NextStreamSequence(streamID)
	h.StreamPacketIdx = PackStreamPacketIdx(streamID, seq)
	return h
}
