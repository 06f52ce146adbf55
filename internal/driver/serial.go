package driver

import (
	"context"
	"sync"

	"github.com/groundctl/radiolink/internal/datarate"
	"github.com/groundctl/radiolink/internal/logctx"
	"github.com/groundctl/radiolink/internal/radio"
	"github.com/pkg/term"
	"github.com/warthog618/go-gpiocdev"
)

// SikPort is one open SiK serial interface: the tty plus the SiK MTU and air
// baudrate the Serial Pacer needs.
type SikPort struct {
	Device           string
	BaudRate         int
	PacketSize       int
	AirBaudrateBytes uint32

	// ResetGPIOChip/ResetGPIOLine, if ResetGPIOChip is non-empty, name the
	// GPIO line wired to the modem's hardware reset pin. When absent, reinit
	// falls back to closing and reopening the tty.
	ResetGPIOChip string
	ResetGPIOLine int
}

// SikDriver is the RadioDriver for SerialSiK interfaces: a pkg/term-backed
// tty write, with driver-error-(-2) recovery via a GPIO reset line where one
// is configured (generalizing the teacher's ptt.go GPIO-keying support from
// a keying line to a reset line), grounded on the teacher's serial_port.go
// open/write/close pattern.
type SikDriver struct {
	log *logctx.Logger

	mu    sync.Mutex
	ports map[int]*term.Term // interface index -> open port
	cfg   map[int]SikPort
}

func NewSikDriver(log *logctx.Logger, ports map[int]SikPort) *SikDriver {
	d := &SikDriver{log: log, ports: make(map[int]*term.Term), cfg: make(map[int]SikPort)}
	for idx, cfg := range ports {
		d.cfg[idx] = cfg
	}
	return d
}

func (d *SikDriver) Family() radio.Family { return radio.FamilySerialSiK }

func (d *SikDriver) BuildFrame(localLinkID int, payload []byte, radioFlags uint32, rate datarate.Rate, port uint8, encrypt bool) Frame {
	// Serial interfaces have no injection wrapper; the payload is already
	// the on-air bytes.
	return Frame{Bytes: payload, RadioFlags: radioFlags, Datarate: rate, Port: port, EncryptionBit: encrypt}
}

func (d *SikDriver) open(ifaceIndex int) (*term.Term, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.ports[ifaceIndex]; ok {
		return t, nil
	}
	cfg, ok := d.cfg[ifaceIndex]
	if !ok {
		return nil, ErrInterfaceDead
	}
	t, err := term.Open(cfg.Device, term.RawMode)
	if err != nil {
		return nil, err
	}
	if cfg.BaudRate != 0 {
		_ = t.SetSpeed(cfg.BaudRate)
	}
	d.ports[ifaceIndex] = t
	return t, nil
}

func (d *SikDriver) WriteFrame(ctx context.Context, iface radio.Interface, frame Frame) (WriteResult, error) {
	t, err := d.open(iface.Index)
	if err != nil {
		return WriteInterfaceDead, err
	}

	done := make(chan error, 1)
	go func() {
		n, werr := t.Write(frame.Bytes)
		if werr == nil && n != len(frame.Bytes) {
			werr = ErrInterfaceDead
		}
		done <- werr
	}()

	select {
	case <-ctx.Done():
		return WriteRetry, ctx.Err()
	case werr := <-done:
		if werr != nil {
			d.log.Warn("serial write failed", "interface", iface.Index, "err", werr)
			return WriteInterfaceDead, werr
		}
		return WriteOK, nil
	}
}

// ScheduleReinit recovers from a wedged serial link: pulse a configured
// reset line, or close the port so the next write reopens it.
func (d *SikDriver) ScheduleReinit(iface radio.Interface) {
	d.mu.Lock()
	if t, ok := d.ports[iface.Index]; ok {
		_ = t.Close()
		delete(d.ports, iface.Index)
	}
	cfg := d.cfg[iface.Index]
	d.mu.Unlock()

	if cfg.ResetGPIOChip == "" {
		d.log.Info("sik reinit: reopening tty on next write", "interface", iface.Index)
		return
	}

	go d.pulseReset(iface.Index, cfg)
}

func (d *SikDriver) pulseReset(ifaceIndex int, cfg SikPort) {
	line, err := gpiocdev.RequestLine(cfg.ResetGPIOChip, cfg.ResetGPIOLine, gpiocdev.AsOutput(1))
	if err != nil {
		d.log.Error("sik reinit: could not open reset gpio line", "interface", ifaceIndex, "err", err)
		return
	}
	defer line.Close()

	_ = line.SetValue(0)
	_ = line.SetValue(1)
	d.log.Info("sik reinit: pulsed reset line", "interface", ifaceIndex, "chip", cfg.ResetGPIOChip, "line", cfg.ResetGPIOLine)
}

func (d *SikDriver) IsSikRadio(iface radio.Interface) bool {
	_, ok := d.cfg[iface.Index]
	return ok
}

func (d *SikDriver) AirBaudrateBytesPerSec(iface radio.Interface) uint32 {
	return d.cfg[iface.Index].AirBaudrateBytes
}
