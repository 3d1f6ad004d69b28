// Package devserver is a development verification server for
// attest.SoftwareProvider. It issues challenges, verifies attestations and
// assertions, and exchanges them for HS256 session tokens, mirroring the
// contract of the production verifier.
package devserver

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/jmcleod/devattest/storage"
	"github.com/jmcleod/devattest/storage/memory"
)

// Server holds verifier state. Use Router to serve it.
type Server struct {
	secret         []byte
	keys           *keyRegistry
	nonces         *nonceStore
	limiter        *challengeLimiter
	challengeLimit int
	trustedProxies []netip.Prefix
	sessionTTL     time.Duration
	nonceTTL       time.Duration
	now            func() time.Time
	logger         *slog.Logger

	challenges   atomic.Uint64
	attestations atomic.Uint64
	assertions   atomic.Uint64
	sessions     atomic.Uint64
	rejections   atomic.Uint64
	rateLimited  atomic.Uint64
}

// Stats is a snapshot of the server counters.
type Stats struct {
	Challenges   uint64 `json:"challenges"`
	Attestations uint64 `json:"attestations"`
	Assertions   uint64 `json:"assertions"`
	Sessions     uint64 `json:"sessions"`
	Rejections   uint64 `json:"rejections"`
	RateLimited  uint64 `json:"rate_limited"`
	OpenNonces   int    `json:"open_nonces"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithKeyRepository stores attested keys in repo, sealed with recordKey
// when it is not nil. The default keeps them in memory.
func WithKeyRepository(repo storage.Repository, recordKey []byte) Option {
	return func(s *Server) {
		s.keys = &keyRegistry{repo: repo, recordKey: recordKey}
	}
}

// WithSessionTTL sets the lifetime of issued session tokens.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Server) {
		s.sessionTTL = d
	}
}

// WithNonceTTL sets how long a challenge can be redeemed.
func WithNonceTTL(d time.Duration) Option {
	return func(s *Server) {
		s.nonceTTL = d
	}
}

// WithChallengeLimit sets the per-IP challenges per minute. Zero disables
// the limit.
func WithChallengeLimit(n int) Option {
	return func(s *Server) {
		s.challengeLimit = n
	}
}

// WithTrustedProxies lists peers whose X-Forwarded-For header is believed.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(s *Server) {
		s.trustedProxies = prefixes
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New returns a Server signing sessions with secret.
func New(secret []byte, opts ...Option) (*Server, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	s := &Server{
		secret:         append([]byte(nil), secret...),
		challengeLimit: DefaultChallengeLimit,
		sessionTTL:     DefaultSessionTTL,
		nonceTTL:       DefaultNonceTTL,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keys == nil {
		s.keys = &keyRegistry{repo: memory.NewRepository()}
	}
	s.nonces = newNonceStore(s.nonceTTL)
	s.limiter = newChallengeLimiter(s.challengeLimit)
	return s, nil
}

// Router returns the verifier routes:
//
//	GET /health     liveness
//	GET /challenge  issue a nonce
//	GET /stats      counters
//	GET /v1/ping    protected echo of the caller's identity
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/challenge", s.Challenge)
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Stats())
	})

	r.Group(func(r chi.Router) {
		r.Use(s.Protect)
		r.Get("/v1/ping", s.Ping)
	})
	return r
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Challenges:   s.challenges.Load(),
		Attestations: s.attestations.Load(),
		Assertions:   s.assertions.Load(),
		Sessions:     s.sessions.Load(),
		Rejections:   s.rejections.Load(),
		RateLimited:  s.rateLimited.Load(),
		OpenNonces:   s.nonces.len(),
	}
}

// Revoke forgets an attested key. The next assertion made with it is
// rejected and the client has to attest a new key.
func (s *Server) Revoke(keyID string) error {
	s.keys.mu.Lock()
	defer s.keys.mu.Unlock()
	if err := s.keys.delete(keyID); err != nil {
		return err
	}
	s.logger.Info("attested key revoked", slog.String("key_id", keyID))
	return nil
}

type challengeResponse struct {
	Nonce string `json:"nonce"`
}

// Challenge issues a fresh nonce.
func (s *Server) Challenge(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, s.trustedProxies)
	if ok, retryAfter := s.limiter.allow(ip, s.now()); !ok {
		s.rateLimited.Inc()
		s.logger.Warn("challenge rate limit exceeded", slog.String("ip", ip))
		writeRateLimited(w, s.challengeLimit, retryAfter)
		return
	}

	nonce, err := s.nonces.issue(s.now())
	if err != nil {
		s.logger.Error("generating nonce", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate challenge")
		return
	}
	s.challenges.Inc()
	writeJSON(w, http.StatusOK, challengeResponse{Nonce: nonce})
}

// PingResponse is returned by the protected ping route.
type PingResponse struct {
	DeviceID     string `json:"device_id"`
	SessionToken string `json:"session_token,omitempty"`
}

// Ping echoes the verified identity and, after an attestation exchange,
// the freshly issued session token.
func (s *Server) Ping(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	writeJSON(w, http.StatusOK, PingResponse{DeviceID: id.DeviceID, SessionToken: id.SessionToken})
}
