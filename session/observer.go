package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jmcleod/devattest/attest"
	"github.com/jmcleod/devattest/token"
)

const (
	// DefaultServerTTL is the session lifetime the server grants.
	DefaultServerTTL = time.Hour
	// DefaultExpiryMargin is subtracted from DefaultServerTTL when the
	// token's own exp claim cannot be read.
	DefaultExpiryMargin = 5 * time.Minute
)

type sessionBody struct {
	SessionToken string `json:"session_token"`
}

// Observer learns session tokens and invalidations from responses.
type Observer struct {
	tokens      *token.Store
	orch        *attest.Orchestrator
	state       *exchangeState
	fallbackTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger

	background sync.WaitGroup
}

// Handle inspects one response. body is the full response body; it may be
// empty or non-JSON.
func (o *Observer) Handle(resp *http.Response, body []byte) {
	if value := sessionTokenFrom(body); value != "" {
		now := o.now()
		expiry, ok := token.ExpiryFromToken(value, now, o.fallbackTTL)
		if !ok {
			o.logger.Debug("session token has no readable exp claim, using fallback TTL",
				slog.Duration("ttl", o.fallbackTTL))
		}
		o.tokens.Set(value, expiry)
		o.state.settle("session token issued")
		o.logger.Debug("session token stored", slog.Time("expiry", expiry))
		return
	}

	if resp != nil && resp.StatusCode == http.StatusForbidden {
		o.logger.Warn("invalidating credentials and re-attesting",
			slog.String("url", requestURL(resp)),
			"error", ErrServerRejected)
		o.tokens.Clear()
		o.tokens.ClearAttestedKeyID()
		o.state.settle("server rejected credential")
		o.reattest()
	}
}

// Abandon releases an open gate without a credential so waiting callers
// can start a new exchange.
func (o *Observer) Abandon(reason string) {
	o.state.abandonNonce("", reason)
}

// Wait blocks until background re-attestations have finished.
func (o *Observer) Wait() {
	o.background.Wait()
}

// reattest stages a fresh payload so the next caller does not pay the
// exchange latency. It is an ordinary Run caller.
func (o *Observer) reattest() {
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		err := o.orch.Run(context.Background(), o.state)
		if err != nil && !errors.Is(err, attest.ErrPlatformUnsupported) {
			o.logger.Warn("background re-attestation failed", "error", err)
		}
	}()
}

func sessionTokenFrom(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var b sessionBody
	if err := json.Unmarshal(body, &b); err != nil {
		return ""
	}
	return b.SessionToken
}

func requestURL(resp *http.Response) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return ""
	}
	return resp.Request.URL.Redacted()
}
