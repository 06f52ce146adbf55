// Package alarm is the central alarm bus: rate-limited alarm emission to
// the central process, discovered over mDNS.
package alarm

import (
	"sync"
	"time"
)

// Kind tags an alarm's meaning; the core only emits a handful of these.
type Kind int

const (
	KindNoTXInterface Kind = iota
	KindSerialOverload
	KindUploadFailed
)

// Event is one alarm occurrence, ready for transport.
type Event struct {
	Kind    Kind
	Payload uint32
	Aux     uint32
	At      time.Time
}

// Transport delivers an Event to the central process. Implementations may
// be a UDP socket, an mDNS-discovered endpoint, or (in tests) an in-memory
// recorder.
type Transport interface {
	Send(Event) error
}

// RateLimiter enforces "no more than once per window per key", the way the
// missing-TX-interface and serial-overload alarms both need (20s cadence),
// each key (e.g. a local link id or interface index) tracked independently.
type RateLimiter struct {
	mu     sync.Mutex
	last   map[string]time.Time
	window time.Duration
}

func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{last: make(map[string]time.Time), window: window}
}

// Allow reports whether an alarm for key may fire at now, and if so records
// it so subsequent calls within window are suppressed.
func (r *RateLimiter) Allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.window {
		return false
	}
	r.last[key] = now
	return true
}

// Bus combines a Transport with per-key rate limiting; the caller chooses
// the key passed to Emit.
type Bus struct {
	transport Transport
	limiter   *RateLimiter
}

func NewBus(transport Transport, window time.Duration) *Bus {
	return &Bus{transport: transport, limiter: NewRateLimiter(window)}
}

// Emit sends ev through the transport unless an alarm with the same key
// fired within the rate-limit window.
func (b *Bus) Emit(key string, ev Event) error {
	if !b.limiter.Allow(key, ev.At) {
		return nil
	}
	return b.transport.Send(ev)
}
