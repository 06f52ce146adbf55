// Command radiolinkd is the ground-station radio-link egress daemon: it
// owns the Radio Interface Registry, Topology, TX Selector, Datarate
// Planner, Envelope Builder, Serial Pacer, and Egress Dispatcher, and drives
// them from a single cooperative main loop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/groundctl/radiolink/internal/alarm"
	"github.com/groundctl/radiolink/internal/config"
	"github.com/groundctl/radiolink/internal/datarate"
	"github.com/groundctl/radiolink/internal/driver"
	"github.com/groundctl/radiolink/internal/egress"
	"github.com/groundctl/radiolink/internal/envelope"
	"github.com/groundctl/radiolink/internal/hwprobe"
	"github.com/groundctl/radiolink/internal/linkstats"
	"github.com/groundctl/radiolink/internal/logctx"
	"github.com/groundctl/radiolink/internal/pacer"
	"github.com/groundctl/radiolink/internal/radio"
	"github.com/groundctl/radiolink/internal/txselect"
	"github.com/spf13/pflag"
	hamlib "github.com/xylo04/goHamlib"
)

var (
	flagConfigPath  = pflag.StringP("config", "c", "/etc/radiolink/radiolink.yaml", "path to the controller configuration file")
	flagLogLevel    = pflag.String("log-level", "info", "log level: debug, info, warn, error")
	flagAlarmFallback = pflag.String("alarm-fallback", "127.0.0.1:14550", "fallback address for the central alarm transport when mdns discovery finds nothing")
	flagControlSocket = pflag.String("control-socket", "/run/radiolink/control.sock", "unix socket path for the operator control protocol (radiolink-linktest)")
)

// controlProtocolName is the single-line command the radiolink-linktest CLI
// speaks: "PING <local_link_id>\n", replied to with "OK\n" or "FAIL <reason>\n".
const controlProtocolName = "PING"

// liveVideoProfile is the adaptive-video collaborator: a minimal read/write
// view another process updates as the video pipeline's profile changes.
type liveVideoProfile struct {
	userSelected int32
	received     int32
}

func (v *liveVideoProfile) UserSelectedVideoRateBps() int32      { return atomic.LoadInt32(&v.userSelected) }
func (v *liveVideoProfile) CurrentlyReceivedVideoRateBps() int32 { return atomic.LoadInt32(&v.received) }
func (v *liveVideoProfile) SetUserSelected(bps int32)            { atomic.StoreInt32(&v.userSelected, bps) }
func (v *liveVideoProfile) SetReceived(bps int32)                { atomic.StoreInt32(&v.received, bps) }

// linkLossFlag is the controller->vehicle link-lost collaborator.
type linkLossFlag struct{ lost int32 }

func (l *linkLossFlag) LinkToControllerLost() bool { return atomic.LoadInt32(&l.lost) != 0 }
func (l *linkLossFlag) Set(lost bool) {
	var v int32
	if lost {
		v = 1
	}
	atomic.StoreInt32(&l.lost, v)
}

// alwaysAdmit is the default Serial Pacer admission policy: every packet
// type may be sent on a slow link. Operators wire a real policy (e.g.
// dropping telemetry under command backpressure) by implementing
// pacer.AdmissionPolicy themselves.
type alwaysAdmit struct{}

func (alwaysAdmit) CanSendPacketOnSlowLink(int, envelope.PacketType, pacer.Priority, time.Time) bool {
	return true
}

func main() {
	pflag.Parse()

	log := logctx.New(logctx.Options{Writer: os.Stderr, Level: parseLevel(*flagLogLevel)})

	cfg, err := config.Load(*flagConfigPath)
	if err != nil {
		log.Error("failed to load configuration", "path", *flagConfigPath, "err", err)
		os.Exit(1)
	}

	tsFormat, err := logctx.NewTimestampFormatter(cfg.TimestampFormat)
	if err != nil {
		log.Error("invalid timestamp_format pattern", "pattern", cfg.TimestampFormat, "err", err)
		os.Exit(1)
	}

	registry := radio.NewRegistry()
	prober := hwprobe.NewProber(log, registry, classifyFamily)
	if err := prober.ScanOnce(); err != nil {
		log.Warn("initial hardware scan reported an error", "err", err)
	}

	if cfg.HamRig.Enabled {
		registerHamRigInterface(registry, cfg.HamRig)
	}

	macIndex := func(mac string) (int, bool) {
		for _, iface := range registry.Interfaces() {
			if iface.MAC == mac {
				return iface.Index, true
			}
		}
		return 0, false
	}

	topo := cfg.BuildTopology(macIndex)
	cfg.ApplyOverrides(registry)
	cfg.ApplyKnobs(
		func(bps int32) { datarate.DEFAULT_RADIO_DATARATE_LOWEST = datarate.Rate(bps) },
		func(pct float64) { pacer.DEFAULT_RADIO_SERIAL_MAX_TX_LOAD = pct },
	)

	for _, iface := range registry.Interfaces() {
		registry.SetOpenedForWrite(iface.Index, true)
	}

	stats := linkstats.New()
	builder := envelope.NewBuilder()
	alarmBus := alarm.NewBus(alarm.NewDNSSDTransport(log, *flagAlarmFallback), 20*time.Second)
	sikCfg := cfg.SikPorts(macIndex)
	sikPorts := make(map[int]driver.SikPort, len(sikCfg))
	for idx, p := range sikCfg {
		sikPorts[idx] = driver.SikPort{
			Device:           p.Device,
			BaudRate:         p.BaudRate,
			PacketSize:       p.PacketSize,
			AirBaudrateBytes: p.AirBaudrateBytes,
			ResetGPIOChip:    p.ResetGPIOChip,
			ResetGPIOLine:    p.ResetGPIOLine,
		}
	}
	sikDriver := driver.NewSikDriver(log, sikPorts)

	pc := pacer.New(alwaysAdmit{}, stats, alarmBus)

	drivers := map[radio.Family]driver.RadioDriver{
		radio.FamilyWiFi80211: driver.NewWiFiInjector(radio.FamilyWiFi80211, log, openRawSocket),
		radio.FamilyAtheros:   driver.NewWiFiInjector(radio.FamilyAtheros, log, openRawSocket),
		radio.FamilyRalink:    driver.NewWiFiInjector(radio.FamilyRalink, log, openRawSocket),
		radio.FamilySerialSiK: sikDriver,
	}

	if cfg.HamRig.Enabled {
		if hamRig, err := dialHamRig(log, cfg.HamRig); err != nil {
			log.Warn("ham rig link disabled", "err", err)
		} else {
			drivers[radio.FamilyHamRig] = hamRig
		}
	}

	video := &liveVideoProfile{}
	linkLoss := &linkLossFlag{}

	dispatcher := &egress.Dispatcher{
		Topology:  topo,
		Registry:  registry,
		Stats:     stats,
		Builder:   builder,
		State:     egress.NewState(),
		Drivers:   drivers,
		Pacer:     pc,
		Alarms:    alarmBus,
		Video:     video,
		LinkLoss:  linkLoss,
		TXTracker: txselect.NewTracker(),
		Log:       log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := prober.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn("hardware hot-plug monitor exited", "err", err)
		}
	}()

	go func() {
		if err := serveControlSocket(ctx, *flagControlSocket, dispatcher, log, tsFormat); err != nil && ctx.Err() == nil {
			log.Warn("control socket exited", "err", err)
		}
	}()

	runMainLoop(ctx, dispatcher, log)
}

// serveControlSocket accepts operator-tool connections (radiolink-linktest)
// and issues a single-link PING through the Egress Dispatcher for each
// request.
func serveControlSocket(ctx context.Context, path string, dispatcher *egress.Dispatcher, log *logctx.Logger, tsFormat *logctx.TimestampFormatter) error {
	if path == "" {
		return nil
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	// The Dispatcher is not safe for concurrent Send calls, so connection
	// handlers take turns on it.
	var sendMu sync.Mutex
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleControlConn(ctx, conn, dispatcher, &sendMu, log, tsFormat)
	}
}

func handleControlConn(ctx context.Context, conn net.Conn, dispatcher *egress.Dispatcher, sendMu *sync.Mutex, log *logctx.Logger, tsFormat *logctx.TimestampFormatter) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != controlProtocolName {
		fmt.Fprintf(conn, "FAIL unrecognized command\n")
		return
	}
	localLinkID, err := strconv.Atoi(fields[1])
	if err != nil {
		fmt.Fprintf(conn, "FAIL bad local_link_id\n")
		return
	}

	payload := make([]byte, 4)
	payload[0] = byte(localLinkID)
	payload[1] = byte(localLinkID >> 8)
	payload[2] = byte(localLinkID >> 16)
	payload[3] = byte(localLinkID >> 24)
	h := envelope.Header{Type: envelope.PacketPing, TotalLength: uint16(envelope.HeaderSize + len(payload))}
	buf := envelope.EncodeSubPacket(h, payload, 0)

	sendMu.Lock()
	status, err := dispatcher.Send(ctx, buf, localLinkID)
	sendMu.Unlock()
	if err != nil {
		fmt.Fprintf(conn, "FAIL %v\n", err)
		return
	}
	if status != egress.StatusSent {
		fmt.Fprintf(conn, "FAIL link did not accept the probe\n")
		return
	}
	fmt.Fprintf(conn, "OK\n")
	log.Info("link test probe sent", "at", tsFormat.Format(time.Now()), "local_link", localLinkID)
}

// runMainLoop implements the cooperative single-threaded main loop: a 100ms
// tick with no internal scheduler. It does not read an outbound buffer
// source or call dispatcher.Send; in this daemon the send path is driven
// only by the control socket's PING probes.
func runMainLoop(ctx context.Context, dispatcher *egress.Dispatcher, log *logctx.Logger) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			// UI-yield tick; the real outbound buffer source would be
			// read here instead of being idle.
		}
	}
}

func parseLevel(s string) logctx.Level {
	switch s {
	case "debug":
		return logctx.LevelDebug
	case "warn":
		return logctx.LevelWarn
	case "error":
		return logctx.LevelError
	default:
		return logctx.LevelInfo
	}
}

// classifyFamily maps a udev driver name to a radio family. Real deployments
// extend this table per the wireless chipsets in use; unrecognized drivers
// are skipped rather than guessed at.
func classifyFamily(udevDriver string) (radio.Family, bool) {
	switch udevDriver {
	case "ath9k_htc", "ath9k":
		return radio.FamilyAtheros, true
	case "rt2800usb", "rt2800pci":
		return radio.FamilyRalink, true
	case "8812au", "rtl8812au":
		return radio.FamilyWiFi80211, true
	case "cdc_acm", "ftdi_sio":
		return radio.FamilySerialSiK, true
	default:
		return 0, false
	}
}

// openRawSocket is a placeholder the WiFi injector's BuildFrame/WriteFrame
// calls through; a production build opens an AF_PACKET socket bound to the
// named interface and caches the fd.
func openRawSocket(ifaceIndex int) (int, error) {
	return -1, fmt.Errorf("radiolinkd: raw socket injection not wired for interface %d in this build", ifaceIndex)
}

// registerHamRigInterface adds a synthetic registry entry for the
// configured CAT-rig fallback link so a vehicle link can reference it by
// MAC the same way it references a probed WiFi or SiK interface; hamlib
// rigs never show up in the udev scan the other families come from.
func registerHamRigInterface(registry *radio.Registry, cfg config.HamRigConfig) {
	nextIndex := 0
	for _, iface := range registry.Interfaces() {
		if iface.Index >= nextIndex {
			nextIndex = iface.Index + 1
		}
	}
	registry.Add(radio.Interface{
		Index:     nextIndex,
		MAC:       cfg.InterfaceMAC,
		Family:    radio.FamilyHamRig,
		TxCapable: true,
	})
}

// dialHamRig connects to the external TNC/soundmodem endpoint that actually
// modulates frame bytes and opens the hamlib rig backend that keys and tunes
// it, per cfg.
func dialHamRig(log *logctx.Logger, cfg config.HamRigConfig) (*driver.HamRigDriver, error) {
	conn, err := net.Dial("tcp", cfg.TNCAddr)
	if err != nil {
		return nil, fmt.Errorf("dialing ham rig tnc at %s: %w", cfg.TNCAddr, err)
	}
	return driver.NewHamRigDriver(log, cfg.ModelID, cfg.Device, hamlib.VFOCurrent, nil, conn)
}
