package devserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/devattest/attest"
	"github.com/jmcleod/devattest/storage/memory"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s, err := New(testSecret, opts...)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func fetchNonce(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/challenge", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body challengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Nonce)
	return body.Nonce
}

func ping(t *testing.T, h http.Handler, header, value string) (*httptest.ResponseRecorder, PingResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := do(t, h, req)
	var body PingResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func payloadHeader(t *testing.T, typ attest.PayloadType, keyID, nonce string, blob []byte) string {
	t.Helper()
	v, err := attest.Payload{
		Platform: attest.PlatformIOS,
		Type:     typ,
		KeyID:    keyID,
		Nonce:    nonce,
		Token:    base64.StdEncoding.EncodeToString(blob),
	}.HeaderValue()
	require.NoError(t, err)
	return v
}

// attestKey performs a full attestation and returns the key id and the
// issued session token.
func attestKey(t *testing.T, h http.Handler, p *attest.SoftwareProvider) (string, string) {
	t.Helper()
	ctx := context.Background()
	keyID, err := p.GenerateKey(ctx)
	require.NoError(t, err)
	nonce := fetchNonce(t, h)
	blob, err := p.AttestKey(ctx, keyID, nonce)
	require.NoError(t, err)

	rec, body := ping(t, h, "X-Attestation-Token", payloadHeader(t, attest.TypeAttestation, keyID, nonce, blob))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, body.SessionToken)
	assert.Equal(t, "ios:"+keyID, body.DeviceID)
	return keyID, body.SessionToken
}

func assertKey(t *testing.T, h http.Handler, p *attest.SoftwareProvider, keyID string) *httptest.ResponseRecorder {
	t.Helper()
	nonce := fetchNonce(t, h)
	blob, err := p.GenerateAssertion(context.Background(), keyID, nonce)
	require.NoError(t, err)
	rec, _ := ping(t, h, "X-Attestation-Token", payloadHeader(t, attest.TypeAssertion, keyID, nonce, blob))
	return rec
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestHealth(t *testing.T) {
	h := newTestServer(t).Router()
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestChallenge_RateLimitedPerIP(t *testing.T) {
	s := newTestServer(t, WithChallengeLimit(3))
	h := s.Router()

	for range 3 {
		fetchNonce(t, h)
	}
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/challenge", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/challenge", nil)
	other.RemoteAddr = "198.51.100.7:4000"
	assert.Equal(t, http.StatusOK, do(t, h, other).Code)

	stats := s.Stats()
	assert.Equal(t, uint64(4), stats.Challenges)
	assert.Equal(t, uint64(1), stats.RateLimited)
}

func TestChallenge_WindowResets(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	h := newTestServer(t, WithChallengeLimit(1), WithClock(c.now)).Router()

	fetchNonce(t, h)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, httptest.NewRequest(http.MethodGet, "/challenge", nil)).Code)
	c.advance(time.Minute)
	fetchNonce(t, h)
}

func TestProtect_AttestationIssuesSession(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()
	p := attest.NewSoftwareProvider()

	keyID, token := attestKey(t, h, p)

	claims, err := s.verifySession(token)
	require.NoError(t, err)
	assert.Equal(t, "ios:"+keyID, claims.DeviceID)
	assert.Equal(t, "ios", claims.Platform)
	assert.Equal(t, time.Hour, claims.ExpiresAt.Sub(claims.IssuedAt.Time))

	rec, body := ping(t, h, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ios:"+keyID, body.DeviceID)
	assert.Empty(t, body.SessionToken, "bearer requests get no new session")
}

func TestProtect_NonceIsSingleUse(t *testing.T) {
	h := newTestServer(t).Router()
	p := attest.NewSoftwareProvider()
	ctx := context.Background()

	keyID, err := p.GenerateKey(ctx)
	require.NoError(t, err)
	nonce := fetchNonce(t, h)
	blob, err := p.AttestKey(ctx, keyID, nonce)
	require.NoError(t, err)
	header := payloadHeader(t, attest.TypeAttestation, keyID, nonce, blob)

	rec, _ := ping(t, h, "X-Attestation-Token", header)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = ping(t, h, "X-Attestation-Token", header)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "already-used nonce")
}

func TestProtect_NonceExpires(t *testing.T) {
	c := &clock{t: time.Now()}
	h := newTestServer(t, WithClock(c.now)).Router()
	p := attest.NewSoftwareProvider()
	ctx := context.Background()

	keyID, err := p.GenerateKey(ctx)
	require.NoError(t, err)
	nonce := fetchNonce(t, h)
	blob, err := p.AttestKey(ctx, keyID, nonce)
	require.NoError(t, err)

	c.advance(DefaultNonceTTL)
	rec, _ := ping(t, h, "X-Attestation-Token", payloadHeader(t, attest.TypeAttestation, keyID, nonce, blob))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProtect_Assertion(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()
	p := attest.NewSoftwareProvider()
	keyID, _ := attestKey(t, h, p)

	rec := assertKey(t, h, p, keyID)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body PingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.SessionToken)

	assert.Equal(t, http.StatusOK, assertKey(t, h, p, keyID).Code)
	assert.Equal(t, uint64(2), s.Stats().Assertions)

	require.NoError(t, s.Revoke(keyID))
	assert.Equal(t, http.StatusForbidden, assertKey(t, h, p, keyID).Code)
}

func TestProtect_AssertionReplayRejected(t *testing.T) {
	h := newTestServer(t).Router()
	p := attest.NewSoftwareProvider()
	keyID, _ := attestKey(t, h, p)

	ctx := context.Background()
	n1 := fetchNonce(t, h)
	blob, err := p.GenerateAssertion(ctx, keyID, n1)
	require.NoError(t, err)
	rec, _ := ping(t, h, "X-Attestation-Token", payloadHeader(t, attest.TypeAssertion, keyID, n1, blob))
	require.Equal(t, http.StatusOK, rec.Code)

	// Replaying the counter with a fresh nonce fails the counter check.
	n2 := fetchNonce(t, h)
	rec, _ = ping(t, h, "X-Attestation-Token", payloadHeader(t, attest.TypeAssertion, keyID, n2, blob))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProtect_AttestationCannotTakeOverKeyID(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()
	owner := attest.NewSoftwareProvider()
	keyID, _ := attestKey(t, h, owner)
	require.Equal(t, http.StatusOK, assertKey(t, h, owner, keyID).Code)

	ctx := context.Background()
	other := attest.NewSoftwareProvider()
	otherKey, err := other.GenerateKey(ctx)
	require.NoError(t, err)
	nonce := fetchNonce(t, h)
	blob, err := other.AttestKey(ctx, otherKey, nonce)
	require.NoError(t, err)

	rec, _ := ping(t, h, "X-Attestation-Token", payloadHeader(t, attest.TypeAttestation, keyID, nonce, blob))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "already registered")

	// The owner's key and counter are untouched.
	assert.Equal(t, http.StatusOK, assertKey(t, h, owner, keyID).Code)
}

func TestProtect_ReattestingSameKeyKeepsCounter(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()
	p := attest.NewSoftwareProvider()
	keyID, _ := attestKey(t, h, p)

	ctx := context.Background()
	n1 := fetchNonce(t, h)
	stale, err := p.GenerateAssertion(ctx, keyID, n1)
	require.NoError(t, err)
	rec, _ := ping(t, h, "X-Attestation-Token", payloadHeader(t, attest.TypeAssertion, keyID, n1, stale))
	require.Equal(t, http.StatusOK, rec.Code)

	nonce := fetchNonce(t, h)
	blob, err := p.AttestKey(ctx, keyID, nonce)
	require.NoError(t, err)
	rec, _ = ping(t, h, "X-Attestation-Token", payloadHeader(t, attest.TypeAttestation, keyID, nonce, blob))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The old assertion's counter is still spent.
	n2 := fetchNonce(t, h)
	rec, _ = ping(t, h, "X-Attestation-Token", payloadHeader(t, attest.TypeAssertion, keyID, n2, stale))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProtect_Rejections(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()
	p := attest.NewSoftwareProvider()
	ctx := context.Background()
	keyID, err := p.GenerateKey(ctx)
	require.NoError(t, err)

	wrongPlatform, err := attest.Payload{Platform: "android", Type: attest.TypeAttestation, KeyID: keyID, Nonce: fetchNonce(t, h), Token: "eA=="}.HeaderValue()
	require.NoError(t, err)

	otherNonce := fetchNonce(t, h)
	blob, err := p.AttestKey(ctx, keyID, "not-the-issued-nonce")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		value  string
	}{
		{"no credentials", "", ""},
		{"garbage bearer", "Authorization", "Bearer not-a-jwt"},
		{"malformed payload", "X-Attestation-Token", "{"},
		{"wrong platform", "X-Attestation-Token", wrongPlatform},
		{"unknown nonce", "X-Attestation-Token", payloadHeader(t, attest.TypeAttestation, keyID, "never-issued", blob)},
		{"signature over other nonce", "X-Attestation-Token", payloadHeader(t, attest.TypeAttestation, keyID, otherNonce, blob)},
		{"assertion for unknown key", "X-Attestation-Token", payloadHeader(t, attest.TypeAssertion, "ghost", fetchNonce(t, h), []byte("x"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := ping(t, h, tt.header, tt.value)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
	assert.Equal(t, uint64(len(tests)), s.Stats().Rejections)
}

func TestProtect_ExpiredSession(t *testing.T) {
	c := &clock{t: time.Now()}
	h := newTestServer(t, WithClock(c.now)).Router()
	_, token := attestKey(t, h, attest.NewSoftwareProvider())

	c.advance(DefaultSessionTTL + time.Second)
	rec, _ := ping(t, h, "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProtect_SessionSignedWithOtherSecret(t *testing.T) {
	other, err := New([]byte("another-secret-another-secret-xx"))
	require.NoError(t, err)
	_, token := attestKey(t, other.Router(), attest.NewSoftwareProvider())

	rec, _ := ping(t, newTestServer(t).Router(), "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestKeysPersistInRepository(t *testing.T) {
	repo := memory.NewRepository()
	p := attest.NewSoftwareProvider()
	first := newTestServer(t, WithKeyRepository(repo, nil))
	keyID, _ := attestKey(t, first.Router(), p)
	assert.Equal(t, 1, repo.Len(keyNamespace))

	second := newTestServer(t, WithKeyRepository(repo, nil))
	assert.Equal(t, http.StatusOK, assertKey(t, second.Router(), p, keyID).Code)
}

func TestClientIP(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	assert.Equal(t, "203.0.113.9", clientIP(req, proxies))
	assert.Equal(t, "10.1.2.3", clientIP(req, nil), "untrusted peers cannot spoof their address")

	req.RemoteAddr = "[::ffff:192.0.2.1]:80"
	assert.Equal(t, "192.0.2.1", clientIP(req, nil))
}
