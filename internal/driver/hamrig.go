package driver

import (
	"context"
	"fmt"
	"io"

	"github.com/groundctl/radiolink/internal/datarate"
	"github.com/groundctl/radiolink/internal/logctx"
	"github.com/groundctl/radiolink/internal/radio"
	hamlib "github.com/xylo04/goHamlib"
)

// HamRigDriver is the RadioDriver for a CAT-controlled rig used as a
// last-resort narrowband command channel alongside the WiFi/SiK links.
// hamlib owns
// frequency/mode/PTT; the modulated bytes themselves go out over whatever
// external TNC/soundmodem path the rig is wired to, represented here as a
// plain io.Writer so the write path is still exercised end to end. Like
// Atheros/Ralink, the rig sets its own rate out of band (the
// operator-chosen mode/bandwidth), so the Datarate Planner skips
// lost-link fallback for it (radio.Family.SetsRateOutOfBand).
type HamRigDriver struct {
	log *logctx.Logger
	rig *hamlib.Rig
	tnc io.Writer

	vfo       hamlib.Vfo
	modeByMCS map[datarate.Rate]hamlib.Mode
}

// NewHamRigDriver opens a hamlib rig backend for modelID on the given
// device path, the same pairing the teacher's ptt.go documents as "Version
// 1.3: HAMLIB support," and pairs it with tnc, the writer that actually
// modulates frame bytes onto the keyed carrier.
func NewHamRigDriver(log *logctx.Logger, modelID int, device string, vfo hamlib.Vfo, modeByMCS map[datarate.Rate]hamlib.Mode, tnc io.Writer) (*HamRigDriver, error) {
	rig := hamlib.NewRig(modelID)
	rig.SetConf("rig_pathname", device)
	if err := rig.Open(); err != nil {
		return nil, fmt.Errorf("driver: opening hamlib rig model %d on %s: %w", modelID, device, err)
	}
	return &HamRigDriver{log: log, rig: rig, tnc: tnc, vfo: vfo, modeByMCS: modeByMCS}, nil
}

func (h *HamRigDriver) Family() radio.Family { return radio.FamilyHamRig }

func (h *HamRigDriver) BuildFrame(localLinkID int, payload []byte, radioFlags uint32, rate datarate.Rate, port uint8, encrypt bool) Frame {
	return Frame{Bytes: payload, RadioFlags: radioFlags, Datarate: rate, Port: port, EncryptionBit: encrypt}
}

func (h *HamRigDriver) WriteFrame(ctx context.Context, iface radio.Interface, frame Frame) (WriteResult, error) {
	if mode, ok := h.modeByMCS[frame.Datarate]; ok {
		if err := h.rig.SetMode(h.vfo, mode, hamlib.PassbandNormal); err != nil {
			h.log.Warn("hamlib set mode failed", "interface", iface.Index, "err", err)
		}
	}

	if err := h.rig.SetPTT(h.vfo, true); err != nil {
		return WriteRetry, fmt.Errorf("driver: keying rig: %w", err)
	}
	defer func() { _ = h.rig.SetPTT(h.vfo, false) }()

	done := make(chan error, 1)
	go func() {
		_, werr := h.tnc.Write(frame.Bytes)
		done <- werr
	}()

	select {
	case <-ctx.Done():
		return WriteRetry, ctx.Err()
	case err := <-done:
		if err != nil {
			h.log.Warn("ham rig tnc write failed", "interface", iface.Index, "err", err)
			return WriteRetry, err
		}
		return WriteOK, nil
	}
}

func (h *HamRigDriver) ScheduleReinit(iface radio.Interface) {
	h.log.Info("ham rig reinit requested", "interface", iface.Index)
	_ = h.rig.Close()
	_ = h.rig.Open()
}

func (h *HamRigDriver) Close() error {
	return h.rig.Close()
}
