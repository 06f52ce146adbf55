package driver

import (
	"context"
	"encoding/binary"

	"github.com/groundctl/radiolink/internal/datarate"
	"github.com/groundctl/radiolink/internal/logctx"
	"github.com/groundctl/radiolink/internal/radio"
	"golang.org/x/sys/unix"
)

// WiFiInjector is the RadioDriver for WiFi80211/Atheros/Ralink interfaces:
// composed frames are handed to a raw packet socket for 802.11 injection.
// Atheros/Ralink differ from plain WiFi80211 only in that they own their
// own rate control out of band (radio.Family.SetsRateOutOfBand); the write
// path below is identical for all three.
type WiFiInjector struct {
	family radio.Family
	log    *logctx.Logger

	// openSocket opens (or returns a cached) raw socket fd for an
	// interface index; abstracted so tests can substitute a fake.
	openSocket func(ifaceIndex int) (int, error)
}

func NewWiFiInjector(family radio.Family, log *logctx.Logger, openSocket func(int) (int, error)) *WiFiInjector {
	return &WiFiInjector{family: family, log: log, openSocket: openSocket}
}

func (w *WiFiInjector) Family() radio.Family { return w.family }

// frameHeaderSize is the size of the small injection header BuildFrame
// prepends: radio flags, datarate, port tag, and the encryption bit, packed
// ahead of the caller's already-built packet bytes.
const frameHeaderSize = 10

func (w *WiFiInjector) BuildFrame(localLinkID int, payload []byte, radioFlags uint32, rate datarate.Rate, port uint8, encrypt bool) Frame {
	out := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], radioFlags)
	binary.LittleEndian.PutUint32(out[4:8], uint32(int32(rate)))
	out[8] = port
	if encrypt {
		out[9] = 1
	}
	copy(out[frameHeaderSize:], payload)

	return Frame{
		Bytes:         out,
		RadioFlags:    radioFlags,
		Datarate:      rate,
		Port:          port,
		EncryptionBit: encrypt,
	}
}

func (w *WiFiInjector) WriteFrame(ctx context.Context, iface radio.Interface, frame Frame) (WriteResult, error) {
	fd, err := w.openSocket(iface.Index)
	if err != nil {
		return WriteRetry, err
	}

	done := make(chan error, 1)
	go func() {
		_, werr := unix.Write(fd, frame.Bytes)
		done <- werr
	}()

	select {
	case <-ctx.Done():
		return WriteRetry, ctx.Err()
	case werr := <-done:
		if werr != nil {
			w.log.Warn("wifi write failed", "interface", iface.Index, "err", werr)
			return WriteRetry, werr
		}
		return WriteOK, nil
	}
}

func (w *WiFiInjector) ScheduleReinit(iface radio.Interface) {
	// WiFi adapters don't have the SiK "wedged serial link" failure mode;
	// a failed write is retried by the caller on the next send, not here.
	w.log.Debug("wifi reinit requested, no-op for this family", "interface", iface.Index)
}
