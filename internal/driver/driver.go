// Package driver is the abstract boundary between the egress core and
// actual packet injection, serial I/O, and rig control.
package driver

import (
	"context"
	"errors"

	"github.com/groundctl/radiolink/internal/datarate"
	"github.com/groundctl/radiolink/internal/radio"
)

// WriteResult is the outcome of one driver write.
type WriteResult int

const (
	WriteOK WriteResult = iota
	WriteRetry
	WriteInterfaceDead // corresponds to the spec's "driver error -2"
)

// ErrInterfaceDead is returned alongside WriteInterfaceDead so callers that
// only check errors still see a distinguishable condition.
var ErrInterfaceDead = errors.New("driver: interface wedged, reinit required")

// Frame is a fully-composed on-the-wire frame ready for one driver write:
// header+payload bytes plus the side information WiFi injection needs.
type Frame struct {
	Bytes         []byte
	RadioFlags    uint32
	Datarate      datarate.Rate
	Port          uint8
	EncryptionBit bool
}

// RadioDriver is implemented once per driver family. The egress core never
// branches on family name in the hot path; it calls through
// this interface, and each implementation supplies its own notion of
// "build a frame" and "write it."
type RadioDriver interface {
	Family() radio.Family

	// BuildFrame wraps a composed header+payload buffer for this family's
	// 802.11-class injection header. Serial families use the bytes as-is
	// and may return them unchanged.
	BuildFrame(localLinkID int, payload []byte, radioFlags uint32, rate datarate.Rate, port uint8, encrypt bool) Frame

	// WriteFrame performs the actual write. ctx bounds the (normally
	// sub-millisecond) blocking time of the underlying write call.
	WriteFrame(ctx context.Context, iface radio.Interface, frame Frame) (WriteResult, error)

	// ScheduleReinit is called after a WriteInterfaceDead result. It must not block.
	ScheduleReinit(iface radio.Interface)
}

// SikCapable is implemented by drivers that can report SiK-specific framing
// parameters the Serial Pacer needs.
type SikCapable interface {
	IsSikRadio(iface radio.Interface) bool
	AirBaudrateBytesPerSec(iface radio.Interface) uint32
}
