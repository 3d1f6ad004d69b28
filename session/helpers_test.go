package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/jmcleod/devattest/attest"
)

// challengeServer hands out "abc123" first and numbered nonces afterwards.
type challengeServer struct {
	*httptest.Server
	fetches atomic.Int64
	fail    atomic.Bool
	delay   atomic.Duration
}

// newChallengeServer serves /challenge plus whatever mount adds.
func newChallengeServer(t *testing.T, mount ...func(chi.Router)) *challengeServer {
	t.Helper()
	cs := &challengeServer{}
	r := chi.NewRouter()
	for _, m := range mount {
		m(r)
	}
	r.Get("/challenge", func(w http.ResponseWriter, r *http.Request) {
		n := cs.fetches.Inc()
		if d := cs.delay.Load(); d > 0 {
			time.Sleep(d)
		}
		if cs.fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		nonce := "abc123"
		if n > 1 {
			nonce = fmt.Sprintf("nonce-%d", n)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"nonce": nonce})
	})
	cs.Server = httptest.NewServer(r)
	t.Cleanup(cs.Close)
	return cs
}

func newTestService(t *testing.T, cs *challengeServer, provider attest.Provider, cfg Config) *Service {
	t.Helper()
	cfg.BaseURL = cs.URL
	cfg.Provider = provider
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	svc := New(cfg)
	t.Cleanup(svc.Close)
	return svc
}

func sessionJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp":       exp.Unix(),
		"device_id": "key-1",
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func sessionBodyFor(t *testing.T, value string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{"session_token": value})
	require.NoError(t, err)
	return b
}

func attestationOf(t *testing.T, h http.Header) attest.Payload {
	t.Helper()
	v := h.Get(HeaderAttestation)
	require.NotEmpty(t, v, "expected an attestation header")
	p, err := attest.ParsePayload(v)
	require.NoError(t, err)
	return p
}

func stagedService(t *testing.T, cs *challengeServer, cfg Config) (*Service, attest.Payload) {
	t.Helper()
	svc := newTestService(t, cs, attest.NewSoftwareProvider(), cfg)
	p := attest.Payload{
		Platform: attest.PlatformIOS,
		Type:     attest.TypeAssertion,
		Token:    "c2ln",
		KeyID:    "key-1",
		Nonce:    "staged-nonce",
	}
	svc.state.Stage(p)
	return svc, p
}

func getHeaders(t *testing.T, svc *Service) http.Header {
	t.Helper()
	h, err := svc.GetHeaders(context.Background())
	require.NoError(t, err)
	return h
}
