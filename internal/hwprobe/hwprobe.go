// Package hwprobe discovers physical radio interfaces at startup and keeps
// watching for hot-plugged serial (SiK) modems, populating the Radio
// Interface Registry from udev.
package hwprobe

import (
	"context"
	"strings"

	"github.com/groundctl/radiolink/internal/logctx"
	"github.com/groundctl/radiolink/internal/radio"
	"github.com/jochenvg/go-udev"
)

// FamilyClassifier maps a probed device's udev driver name to a radio
// family, so the probe itself never hardcodes vendor logic beyond the
// lookup table the caller supplies.
type FamilyClassifier func(udevDriver string) (radio.Family, bool)

// Prober walks udev's "net" and "tty" subsystems to populate a
// radio.Registry, then keeps a monitor goroutine running for late-arriving
// SiK serial modems (late-arriving interfaces are appended, never removed).
type Prober struct {
	udev      udev.Udev
	log       *logctx.Logger
	registry  *radio.Registry
	classify  FamilyClassifier
	nextIndex int
}

func NewProber(log *logctx.Logger, registry *radio.Registry, classify FamilyClassifier) *Prober {
	return &Prober{log: log, registry: registry, classify: classify}
}

// ScanOnce enumerates every currently-present wireless and serial device and
// adds each recognized one to the registry. Call once at startup before
// accepting any Send call.
func (p *Prober) ScanOnce() error {
	for _, subsystem := range []string{"net", "tty"} {
		if err := p.scanSubsystem(subsystem); err != nil {
			p.log.Warn("hwprobe: subsystem scan failed", "subsystem", subsystem, "err", err)
		}
	}
	return nil
}

func (p *Prober) scanSubsystem(subsystem string) error {
	e := p.udev.NewEnumerate()
	if err := e.AddMatchSubsystem(subsystem); err != nil {
		return err
	}
	devices, err := e.Devices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		p.addDevice(d)
	}
	return nil
}

func (p *Prober) addDevice(d *udev.Device) {
	driver := d.PropertyValue("ID_NET_DRIVER")
	if driver == "" {
		driver = d.Driver()
	}
	family, ok := p.classify(driver)
	if !ok {
		return
	}

	mac := d.PropertyValue("ID_NET_NAME_MAC")
	if mac == "" {
		mac = d.Sysname()
	}

	iface := radio.Interface{
		Index:     p.nextIndex,
		MAC:       mac,
		Family:    family,
		TxCapable: true,
	}
	p.nextIndex++
	p.registry.Add(iface)
	p.log.Info("hwprobe: interface discovered", "index", iface.Index, "mac", iface.MAC, "family", family, "driver", driver)
}

// Watch runs a udev monitor for hot-plugged tty devices (SiK serial
// modems), adding each newly-recognized one to the registry, until ctx is
// canceled.
func (p *Prober) Watch(ctx context.Context) error {
	monitor := p.udev.NewMonitorFromNetlink("udev")
	if err := monitor.FilterAddMatchSubsystem("tty"); err != nil {
		return err
	}

	deviceChan, errChan, err := monitor.DeviceChan(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errChan:
			if err != nil {
				p.log.Warn("hwprobe: monitor error", "err", err)
			}
		case d, ok := <-deviceChan:
			if !ok {
				return nil
			}
			if strings.ToLower(d.Action()) != "add" {
				continue
			}
			p.addDevice(d)
		}
	}
}
