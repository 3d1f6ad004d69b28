package attest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRetryDelay is the pause before the single key generation retry.
	DefaultRetryDelay = 500 * time.Millisecond
	// DefaultExchangeTimeout bounds one complete exchange.
	DefaultExchangeTimeout = 30 * time.Second

	flightKey = "exchange"
)

// State is the orchestrator's own state. A staged payload belongs to the
// Sink, not to the orchestrator.
type State int

const (
	StateIdle State = iota
	StateExchanging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExchanging:
		return "exchanging"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// NonceFetcher obtains one-time challenges from the server.
type NonceFetcher interface {
	FetchNonce(ctx context.Context) (string, error)
}

// CredentialStore is the part of the token store the orchestrator touches.
type CredentialStore interface {
	GetAttestedKeyID() (string, bool)
	SetAttestedKeyID(keyID string)
	ClearAttestedKeyID()
	// Clear drops the cached session token.
	Clear()
}

// Sink receives staged payloads.
type Sink interface {
	// Pending reports whether a credential is already staged, in flight or
	// valid, in which case no exchange is started.
	Pending() bool
	// Stage takes ownership of a freshly produced payload.
	Stage(Payload)
}

// Orchestrator runs nonce → attestation/assertion exchanges. At most one
// exchange is in flight; concurrent Run calls share its outcome.
type Orchestrator struct {
	nonces     NonceFetcher
	provider   Provider
	creds      CredentialStore
	logger     *slog.Logger
	platform   string
	retryDelay time.Duration
	timeout    time.Duration

	group     singleflight.Group
	mu        sync.Mutex
	state     State
	exchanges atomic.Uint64
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithRetryDelay sets the pause before retrying key generation.
func WithRetryDelay(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.retryDelay = d
	}
}

// WithExchangeTimeout bounds a single exchange.
func WithExchangeTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// NewOrchestrator wires an orchestrator. creds is normally a *token.Store.
func NewOrchestrator(nonces NonceFetcher, provider Provider, creds CredentialStore, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		nonces:     nonces,
		provider:   provider,
		creds:      creds,
		logger:     slog.Default(),
		platform:   PlatformIOS,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultExchangeTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Exchanges returns how many exchanges have fetched a nonce so far.
func (o *Orchestrator) Exchanges() uint64 {
	return o.exchanges.Load()
}

// Run joins the in-flight exchange or starts one. The exchange itself is
// detached from ctx cancellation and bounded by the exchange timeout; ctx
// only limits how long this caller waits.
//
// On success the payload is handed to sink.Stage exactly once, whichever
// caller started the flight. ErrPlatformUnsupported is returned when the
// device cannot attest; any other error means the exchange failed and the
// attested key and session token were reset.
func (o *Orchestrator) Run(ctx context.Context, sink Sink) error {
	ch := o.group.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		return nil, o.exchange(fctx, sink)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) exchange(ctx context.Context, sink Sink) error {
	if !o.provider.IsSupported() {
		return ErrPlatformUnsupported
	}
	if sink.Pending() {
		o.logger.Debug("attestation exchange skipped: credential already pending")
		return nil
	}

	o.setState(StateExchanging)
	defer o.setState(StateIdle)
	o.exchanges.Inc()

	nonce, err := o.nonces.FetchNonce(ctx)
	if err != nil {
		o.reset()
		return fmt.Errorf("%w: %w", ErrChallengeFetchFailed, err)
	}

	payload, err := o.acquire(ctx, nonce)
	if err != nil {
		o.reset()
		return err
	}
	o.logger.Debug("attestation payload staged",
		slog.String("type", string(payload.Type)),
		slog.String("key_id", payload.KeyID))
	sink.Stage(payload)
	return nil
}

// acquire prefers a cheap assertion with the stored key and falls back to
// a full attestation of a new key.
func (o *Orchestrator) acquire(ctx context.Context, nonce string) (Payload, error) {
	if keyID, ok := o.creds.GetAttestedKeyID(); ok {
		blob, err := o.provider.GenerateAssertion(ctx, keyID, nonce)
		if err == nil && len(blob) > 0 {
			return newPayload(o.platform, TypeAssertion, keyID, nonce, blob), nil
		}
		if err == nil {
			err = errors.New("empty assertion")
		}
		o.logger.Warn("assertion with stored key failed, falling back to attestation",
			slog.String("key_id", keyID),
			"error", fmt.Errorf("%w: %w", ErrAssertionFailed, err))
		o.creds.ClearAttestedKeyID()
	}

	keyID, err := o.generateKey(ctx)
	if err != nil {
		return Payload{}, err
	}
	blob, err := o.provider.AttestKey(ctx, keyID, nonce)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrAttestationFailed, err)
	}
	if len(blob) == 0 {
		return Payload{}, fmt.Errorf("%w: empty attestation", ErrAttestationFailed)
	}
	o.creds.SetAttestedKeyID(keyID)
	return newPayload(o.platform, TypeAttestation, keyID, nonce, blob), nil
}

// generateKey retries exactly once after retryDelay, which gives transient
// native key-store faults time to clear.
func (o *Orchestrator) generateKey(ctx context.Context) (string, error) {
	keyID, err := o.provider.GenerateKey(ctx)
	if err == nil {
		return keyID, nil
	}
	o.logger.Warn("key generation failed, retrying once",
		slog.Duration("delay", o.retryDelay), "error", err)

	t := time.NewTimer(o.retryDelay)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		return "", fmt.Errorf("%w: %w", ErrKeyGenerationFailed, ctx.Err())
	}

	keyID, err = o.provider.GenerateKey(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}
	return keyID, nil
}

// reset forces a clean slate: a corrupt key state is only recoverable by
// attesting a fresh key next time.
func (o *Orchestrator) reset() {
	o.creds.ClearAttestedKeyID()
	o.creds.Clear()
}
