// Package envelope builds the outbound packet envelope: stream and
// radio-link indices, checksum, and the driver-frame wrapper.
package envelope

import (
	"encoding/binary"
	"errors"
)

var (
	errShortHeader    = errors.New("envelope: buffer too short for a header")
	errBadTotalLength = errors.New("envelope: sub-packet TotalLength out of range")
)

// PacketType tags the domain meaning of a packet; a handful of values are
// recognized specially by the egress core.
type PacketType uint8

const (
	PacketPing PacketType = iota
	PacketPingReply
	PacketCommand
	PacketSikConfig
	PacketUploadSW
	PacketTestLink
	PacketTelemetryRaw
	PacketOther
)

// Flags is the packet_flags bitset: a module tag in the low bits plus
// control bits.
type Flags uint8

const (
	FlagModuleCommand Flags = 1 << iota
	FlagModuleVideo
	FlagHeadersOnlyCRC
)

func (f Flags) HeadersOnlyCRC() bool { return f&FlagHeadersOnlyCRC != 0 }

// HeaderSize is sizeof(PacketHeader) in the wire encoding Encode() below
// produces; Encode fills the first 14 bytes and leaves the last two zero.
const HeaderSize = 16

// Header is the first bytes of every frame.
type Header struct {
	TotalLength      uint16
	Type             PacketType
	Flags            Flags
	StreamPacketIdx  uint32 // packed (stream_id:4 bits, per-stream sequence)
	RadioLinkPacketIndex uint16
	VehicleIDSrc     uint16
	VehicleIDDest    uint16
}

// StreamID extracts the 4-bit stream id from StreamPacketIdx.
func (h Header) StreamID() uint8 { return uint8(h.StreamPacketIdx>>28) & 0xF }

// SequenceBits extracts the per-stream sequence bits (the low 28 bits).
func (h Header) SequenceBits() uint32 { return h.StreamPacketIdx & 0x0FFFFFFF }

// PackStreamPacketIdx combines a stream id and sequence number the way the
// wire field expects.
func PackStreamPacketIdx(streamID uint8, sequence uint32) uint32 {
	return (uint32(streamID&0xF) << 28) | (sequence & 0x0FFFFFFF)
}

// ChecksumCoverage returns how many bytes of a sub-packet the checksum must
// span, given its header and payload.
func ChecksumCoverage(h Header) int {
	if h.Flags.HeadersOnlyCRC() {
		return HeaderSize
	}
	return int(h.TotalLength)
}

// Checksum is a simple additive fold used purely to detect transport
// corruption; the wire format's exact checksum algorithm is an
// application-payload concern out of this core's scope. It covers either
// exactly HeaderSize bytes or the whole sub-packet, per ChecksumCoverage.
func Checksum(buf []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(buf); i += 4 {
		sum += binary.LittleEndian.Uint32(buf[i : i+4])
	}
	for i := len(buf) - len(buf)%4; i < len(buf); i++ {
		sum += uint32(buf[i])
	}
	return sum
}

// Encode writes h into buf[:HeaderSize] in a fixed little-endian layout.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.TotalLength)
	buf[2] = byte(h.Type)
	buf[3] = byte(h.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], h.StreamPacketIdx)
	binary.LittleEndian.PutUint16(buf[8:10], h.RadioLinkPacketIndex)
	binary.LittleEndian.PutUint16(buf[10:12], h.VehicleIDSrc)
	binary.LittleEndian.PutUint16(buf[12:14], h.VehicleIDDest)
}

// RawSubPacket is one (Header, payload) pair as found in a caller-supplied
// buffer, before the Envelope Builder has touched it.
type RawSubPacket struct {
	Header  Header
	Payload []byte
}

// ChecksumTrailerSize is the width of the checksum trailer EncodeSubPacket
// appends after the payload.
const ChecksumTrailerSize = 4

// ParseBuffer splits a caller-supplied buffer into its concatenated
// sub-packets using each header's TotalLength; a buffer may contain one
// or more concatenated sub-packets, each laid out the way EncodeSubPacket
// renders it: TotalLength bytes of (Header, payload) followed by a
// ChecksumTrailerSize-byte checksum trailer, which is skipped.
func ParseBuffer(buf []byte) ([]RawSubPacket, error) {
	var out []RawSubPacket
	offset := 0
	for offset < len(buf) {
		if offset+HeaderSize > len(buf) {
			return nil, errShortHeader
		}
		h := Decode(buf[offset:])
		if int(h.TotalLength) < HeaderSize || offset+int(h.TotalLength)+ChecksumTrailerSize > len(buf) {
			return nil, errBadTotalLength
		}
		payload := buf[offset+HeaderSize : offset+int(h.TotalLength)]
		out = append(out, RawSubPacket{Header: h, Payload: payload})
		offset += int(h.TotalLength) + ChecksumTrailerSize
	}
	return out, nil
}

// EncodeSubPacket renders a header+payload pair plus a trailing checksum
// into a single contiguous buffer ready for a driver to transmit.
func EncodeSubPacket(h Header, payload []byte, checksum uint32) []byte {
	buf := make([]byte, HeaderSize+len(payload)+ChecksumTrailerSize)
	h.Encode(buf)
	copy(buf[HeaderSize:], payload)
	binary.LittleEndian.PutUint32(buf[HeaderSize+len(payload):], checksum)
	return buf
}

// Decode reads a Header out of buf[:HeaderSize].
func Decode(buf []byte) Header {
	return Header{
		TotalLength:          binary.LittleEndian.Uint16(buf[0:2]),
		Type:                 PacketType(buf[2]),
		Flags:                Flags(buf[3]),
		StreamPacketIdx:      binary.LittleEndian.Uint32(buf[4:8]),
		RadioLinkPacketIndex: binary.LittleEndian.Uint16(buf[8:10]),
		VehicleIDSrc:         binary.LittleEndian.Uint16(buf[10:12]),
		VehicleIDDest:        binary.LittleEndian.Uint16(buf[12:14]),
	}
}
