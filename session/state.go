// Package session attaches attestation proofs and session tokens to
// outgoing requests and learns new session tokens from responses.
//
// One Service owns the whole exchange state. Construct it once with New and
// share it; it is safe for concurrent use.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/devattest/attest"
	"github.com/jmcleod/devattest/token"
)

// Phase is the client side of the exchange.
type Phase int

const (
	// PhaseIdle: nothing staged, no gate open.
	PhaseIdle Phase = iota
	// PhaseStaged: a payload waits for the next request.
	PhaseStaged
	// PhaseAwaitingSession: a request carries the payload and the gate is open.
	PhaseAwaitingSession
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStaged:
		return "staged"
	case PhaseAwaitingSession:
		return "awaiting-session"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// exchangeState holds the staged payload and the gate. Both are only
// mutated under mu together with phase:
//
//	PhaseIdle            staged empty, gate nil
//	PhaseStaged          staged set,   gate nil
//	PhaseAwaitingSession inflight set, gate open
type exchangeState struct {
	tokens *token.Store
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	phase    Phase
	staged   attest.Payload
	inflight attest.Payload
	gate     *Gate
}

var _ attest.Sink = (*exchangeState)(nil)

// Pending implements attest.Sink.
func (s *exchangeState) Pending() bool {
	s.mu.Lock()
	busy := s.phase != PhaseIdle
	s.mu.Unlock()
	if busy {
		return true
	}
	_, ok := s.tokens.Valid(s.now())
	return ok
}

// Stage implements attest.Sink.
func (s *exchangeState) Stage(p attest.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle {
		s.logger.Warn("discarding attestation payload: exchange already in progress",
			slog.String("phase", s.phase.String()),
			slog.String("key_id", p.KeyID))
		return
	}
	s.staged = p
	s.phase = PhaseStaged
}

func (s *exchangeState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// consume hands the staged payload to exactly one caller and opens the gate.
func (s *exchangeState) consume() (attest.Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseStaged {
		return attest.Payload{}, false
	}
	p := s.staged
	s.staged = attest.Payload{}
	s.inflight = p
	s.gate = newGate(s.now())
	s.phase = PhaseAwaitingSession
	return p, true
}

func (s *exchangeState) openGate() *Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate
}

// settle drops any staged payload and releases the open gate.
func (s *exchangeState) settle(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseStaged {
		s.logger.Warn("discarding staged attestation payload",
			slog.String("reason", reason),
			slog.String("key_id", s.staged.KeyID))
	}
	s.resetLocked()
}

// abandon releases g without a credential if it is still the open gate.
func (s *exchangeState) abandon(g *Gate, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g == nil || s.gate != g {
		return false
	}
	s.abandonLocked(reason)
	return true
}

// abandonNonce releases the gate opened for the payload carrying nonce. An
// empty nonce matches any open gate.
func (s *exchangeState) abandonNonce(nonce, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil || (nonce != "" && s.inflight.Nonce != nonce) {
		return false
	}
	s.abandonLocked(reason)
	return true
}

func (s *exchangeState) abandonLocked(reason string) {
	s.logger.Warn("exchange gate abandoned without a session token",
		slog.String("reason", reason),
		slog.String("key_id", s.inflight.KeyID),
		slog.Duration("open_for", s.now().Sub(s.gate.Opened())))
	s.resetLocked()
}

func (s *exchangeState) resetLocked() {
	if s.gate != nil {
		s.gate.release()
	}
	s.gate = nil
	s.staged = attest.Payload{}
	s.inflight = attest.Payload{}
	s.phase = PhaseIdle
}
