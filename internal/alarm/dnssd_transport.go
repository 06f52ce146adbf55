package alarm

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/brutella/dnssd"
	"github.com/groundctl/radiolink/internal/logctx"
)

// centralServiceType is the mDNS service type the central process
// advertises.
const centralServiceType = "_radiolink-central._udp"

// DNSSDTransport discovers the central process over mDNS and sends alarm
// payloads to it over UDP, falling back to a configured static address if
// discovery finds nothing in time.
type DNSSDTransport struct {
	log        *logctx.Logger
	fallback   string
	discoverFn func(ctx context.Context, timeout time.Duration) (string, error)

	conn *net.UDPConn
	addr string
}

// NewDNSSDTransport builds a transport that will lazily resolve the central
// process address the first time Send is called.
func NewDNSSDTransport(log *logctx.Logger, fallbackAddr string) *DNSSDTransport {
	return &DNSSDTransport{log: log, fallback: fallbackAddr, discoverFn: discoverCentral}
}

func discoverCentral(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan string, 1)
	resolver, err := dnssd.NewResolver(nil)
	if err != nil {
		return "", err
	}

	addFn := func(e dnssd.BrowseEntry) {
		if len(e.IPs) == 0 {
			return
		}
		select {
		case found <- fmt.Sprintf("%s:%d", e.IPs[0].String(), e.Port):
		default:
		}
	}
	rmvFn := func(dnssd.BrowseEntry) {}

	go func() { _ = resolver.Browse(ctx, centralServiceType, "local.", addFn, rmvFn) }()

	select {
	case addr := <-found:
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *DNSSDTransport) resolveAddr(ctx context.Context) string {
	if t.addr != "" {
		return t.addr
	}
	if addr, err := t.discoverFn(ctx, 2*time.Second); err == nil && addr != "" {
		t.addr = addr
		return addr
	}
	t.log.Warn("central process not found via mdns, using fallback", "fallback", t.fallback)
	t.addr = t.fallback
	return t.addr
}

func (t *DNSSDTransport) Send(ev Event) error {
	addr := t.resolveAddr(context.Background())
	if addr == "" {
		return fmt.Errorf("alarm: no central address available")
	}
	if t.conn == nil {
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return err
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return err
		}
		t.conn = conn
	}

	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ev.Kind))
	binary.LittleEndian.PutUint32(buf[4:8], ev.Payload)
	binary.LittleEndian.PutUint32(buf[8:12], ev.Aux)
	_, err := t.conn.Write(buf)
	return err
}
