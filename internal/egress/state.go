package egress

import (
	"sync"
	"time"
)

// CommandEcho is the single-slot mailbox the Dispatcher publishes the most
// recently sent command packet's id/retry-count into, so the command layer
// can correlate ACKs without a package global.
type CommandEcho struct {
	CommandID  uint32
	RetryCount int
	SentAt     time.Time
}

// State is the process-wide mutable state the Egress Dispatcher owns
// exclusively: per-link last-TX timestamps and the command-echo mailbox.
// Per-stream tx indices and per-link radio-link-packet indices live in
// envelope.Builder; this struct holds what's specific to the Dispatcher
// itself.
type State struct {
	mu               sync.Mutex
	lastTxTime       map[int]time.Time // local link id -> last successful TX
	everSent         map[int]bool
	commandEcho      CommandEcho
	updateInProgress bool
}

func NewState() *State {
	return &State{
		lastTxTime: make(map[int]time.Time),
		everSent:   make(map[int]bool),
	}
}

func (s *State) noteSent(localLinkID int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTxTime[localLinkID] = at
	s.everSent[localLinkID] = true
}

// LastTxTime returns the last time this local link successfully transmitted
// anything, and whether it ever has.
func (s *State) LastTxTime(localLinkID int) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastTxTime[localLinkID]
	return t, ok
}

// EverSent reports whether this local link has ever successfully transmitted
// a packet since process start.
func (s *State) EverSent(localLinkID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everSent[localLinkID]
}

func (s *State) setCommandEcho(echo CommandEcho) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandEcho = echo
}

// CommandEcho returns the most recently published command echo.
func (s *State) CommandEcho() CommandEcho {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandEcho
}

// SetUpdateInProgress is called by the upload engine when a firmware
// transfer starts/ends, so egress can restrict itself to a single link
// while an upload is running.
func (s *State) SetUpdateInProgress(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateInProgress = v
}

func (s *State) UpdateInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateInProgress
}
