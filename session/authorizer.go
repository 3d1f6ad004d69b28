package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/devattest/attest"
	"github.com/jmcleod/devattest/token"
)

// Authorizer decides which credential an outgoing request carries.
type Authorizer struct {
	tokens      *token.Store
	orch        *attest.Orchestrator
	state       *exchangeState
	gateTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// GetHeaders returns the headers for one authenticated request: a bearer
// token when a valid one is cached, otherwise the staged attestation
// payload for exactly one caller, otherwise no credential at all.
//
// Attestation failures never surface here; the request simply goes out
// without a credential. The only error is ctx's own.
func (a *Authorizer) GetHeaders(ctx context.Context) (http.Header, error) {
	ran := false
	for {
		waited, err := a.waitGate(ctx)
		if err != nil {
			return nil, err
		}

		if tok, ok := a.tokens.Valid(a.now()); ok {
			return bearerHeaders(tok.Value), nil
		}
		// A gate released without a token (403, abandon, timeout) starts a
		// new cycle; a new Run joins any re-attestation already in flight.
		if waited {
			ran = false
		}

		if p, ok := a.state.consume(); ok {
			v, err := p.HeaderValue()
			if err != nil {
				a.state.abandonNonce(p.Nonce, "encoding payload")
				a.logger.Error("encoding attestation payload", "error", err)
				return baseHeaders(), nil
			}
			a.logger.Debug("attaching attestation payload",
				slog.String("type", string(p.Type)),
				slog.String("key_id", p.KeyID))
			return attestationHeaders(v), nil
		}

		// Another caller consumed the payload first; wait on its gate.
		if a.state.openGate() != nil {
			continue
		}
		if ran {
			return baseHeaders(), nil
		}

		ran = true
		if err := a.orch.Run(ctx, a.state); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, attest.ErrPlatformUnsupported) {
				a.logger.Debug("attestation unsupported, sending request without credential")
			} else {
				a.logger.Warn("attestation exchange failed, sending request without credential", "error", err)
			}
		}
	}
}

// waitGate blocks while a gate is open and reports whether it found one.
// A gate that stays open longer than gateTimeout is abandoned.
func (a *Authorizer) waitGate(ctx context.Context) (bool, error) {
	g := a.state.openGate()
	if g == nil {
		return false, nil
	}

	var timeout <-chan time.Time
	if a.gateTimeout > 0 {
		remaining := a.gateTimeout - a.now().Sub(g.Opened())
		if remaining <= 0 {
			a.state.abandon(g, "gate timeout")
			return true, nil
		}
		t := time.NewTimer(remaining)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-g.Done():
		return true, nil
	case <-timeout:
		a.state.abandon(g, "gate timeout")
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}
