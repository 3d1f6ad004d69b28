package session

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/devattest/attest"
	"github.com/jmcleod/devattest/challenge"
	"github.com/jmcleod/devattest/storage"
	"github.com/jmcleod/devattest/storage/memory"
	"github.com/jmcleod/devattest/token"
)

const (
	// DefaultGateTimeout bounds how long callers wait for an open gate.
	DefaultGateTimeout = 30 * time.Second
)

// Config describes the verification server and local collaborators.
// Zero durations select the package defaults.
type Config struct {
	// BaseURL of the verification server, used for the challenge endpoint.
	BaseURL string
	// ChallengePath overrides challenge.DefaultPath.
	ChallengePath string
	// HTTPClient fetches challenges. Nil selects http.DefaultClient.
	HTTPClient *http.Client

	// Provider is the platform capability. Nil means attestation is
	// unsupported and requests go out without credentials.
	Provider attest.Provider

	// Repository holds the durable token and key id records. Nil keeps
	// them in memory only.
	Repository storage.Repository
	// RecordKey, when set, seals durable records with AES-256-GCM.
	RecordKey []byte

	GateTimeout     time.Duration
	ExchangeTimeout time.Duration
	RetryDelay      time.Duration
	// FallbackTTL is the token lifetime assumed when exp is unreadable.
	FallbackTTL time.Duration
}

// Service owns the exchange state shared by every request.
type Service struct {
	tokens     *token.Store
	orch       *attest.Orchestrator
	state      *exchangeState
	authorizer *Authorizer
	observer   *Observer
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger for every component of the service.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New wires a Service from cfg.
func New(cfg Config, opts ...Option) *Service {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	repo := cfg.Repository
	if repo == nil {
		repo = memory.NewRepository()
	}
	provider := cfg.Provider
	if provider == nil {
		provider = attest.Unsupported{}
	}

	tokenOpts := []token.Option{token.WithLogger(o.logger)}
	if len(cfg.RecordKey) > 0 {
		tokenOpts = append(tokenOpts, token.WithRecordKey(cfg.RecordKey))
	}
	tokens := token.NewStore(repo, tokenOpts...)

	orchOpts := []attest.OrchestratorOption{attest.WithLogger(o.logger)}
	if cfg.RetryDelay > 0 {
		orchOpts = append(orchOpts, attest.WithRetryDelay(cfg.RetryDelay))
	}
	if cfg.ExchangeTimeout > 0 {
		orchOpts = append(orchOpts, attest.WithExchangeTimeout(cfg.ExchangeTimeout))
	}
	nonces := &challenge.Client{
		BaseURL:    cfg.BaseURL,
		Path:       cfg.ChallengePath,
		HTTPClient: cfg.HTTPClient,
	}
	orch := attest.NewOrchestrator(nonces, provider, tokens, orchOpts...)

	gateTimeout := cfg.GateTimeout
	if gateTimeout == 0 {
		gateTimeout = DefaultGateTimeout
	}
	fallbackTTL := cfg.FallbackTTL
	if fallbackTTL == 0 {
		fallbackTTL = DefaultServerTTL - DefaultExpiryMargin
	}

	state := &exchangeState{tokens: tokens, now: o.now, logger: o.logger}
	return &Service{
		tokens: tokens,
		orch:   orch,
		state:  state,
		authorizer: &Authorizer{
			tokens:      tokens,
			orch:        orch,
			state:       state,
			gateTimeout: gateTimeout,
			now:         o.now,
			logger:      o.logger,
		},
		observer: &Observer{
			tokens:      tokens,
			orch:        orch,
			state:       state,
			fallbackTTL: fallbackTTL,
			now:         o.now,
			logger:      o.logger,
		},
		logger: o.logger,
	}
}

// Authorizer returns the component that picks each request's credential.
func (s *Service) Authorizer() *Authorizer { return s.authorizer }

// Observer returns the component that learns tokens from responses.
func (s *Service) Observer() *Observer { return s.observer }

// Tokens exposes the token store, mainly for status reporting.
func (s *Service) Tokens() *token.Store { return s.tokens }

// Phase reports the current exchange phase.
func (s *Service) Phase() Phase { return s.state.Phase() }

// GetHeaders is shorthand for Authorizer().GetHeaders.
func (s *Service) GetHeaders(ctx context.Context) (http.Header, error) {
	return s.authorizer.GetHeaders(ctx)
}

// Handle is shorthand for Observer().Handle.
func (s *Service) Handle(resp *http.Response, body []byte) {
	s.observer.Handle(resp, body)
}

// Logout drops the session token and any staged or in-flight exchange.
// The attested key id is kept so the next exchange can use an assertion.
func (s *Service) Logout() {
	s.tokens.Clear()
	s.state.settle("logout")
	s.logger.Info("logged out")
}

// Transport returns a RoundTripper sending through base.
func (s *Service) Transport(base http.RoundTripper) *Transport {
	return &Transport{
		Base:       base,
		authorizer: s.authorizer,
		observer:   s.observer,
		state:      s.state,
	}
}

// Client returns an http.Client using Transport(base).
func (s *Service) Client(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: s.Transport(base)}
}

// Close waits for background re-attestation to finish.
func (s *Service) Close() {
	s.observer.Wait()
}
