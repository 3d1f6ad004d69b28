package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/devattest/attest"
)

type contextKey int

const identityKey contextKey = iota

// Identity is the verified caller of a protected route.
type Identity struct {
	DeviceID string
	Platform string
	// SessionToken is set when this request exchanged an attestation or
	// assertion for a new session. Handlers must return it in the body.
	SessionToken string
}

// IdentityFrom returns the identity stored by Protect.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Protect admits requests carrying a valid bearer session or a valid
// attestation payload. Everything else is answered with 403.
func (s *Server) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.verifyRequest(r)
		if err != nil {
			s.rejections.Inc()
			s.logger.Info("request rejected",
				slog.String("path", r.URL.Path),
				slog.String("ip", clientIP(r, s.trustedProxies)),
				"error", err)
			writeError(w, http.StatusForbidden, publicMessage(err))
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// permissionError carries a message that is safe to show the client.
type permissionError struct {
	msg string
	err error
}

func (e *permissionError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *permissionError) Unwrap() error { return e.err }

func deny(msg string, err error) error {
	return &permissionError{msg: msg, err: err}
}

func publicMessage(err error) string {
	var pe *permissionError
	if errors.As(err, &pe) {
		return pe.msg
	}
	return err.Error()
}

func (s *Server) verifyRequest(r *http.Request) (Identity, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		claims, err := s.verifySession(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			return Identity{}, deny("invalid session token", err)
		}
		return Identity{DeviceID: claims.DeviceID, Platform: claims.Platform}, nil
	}

	raw := r.Header.Get("X-Attestation-Token")
	if raw == "" {
		return Identity{}, errMissingAuth
	}
	p, err := attest.ParsePayload(raw)
	if err != nil {
		return Identity{}, deny(errMalformedToken.Error(), err)
	}
	platform := strings.ToLower(p.Platform)
	if platform != attest.PlatformIOS {
		return Identity{}, fmt.Errorf("unsupported platform %q; only ios is supported", p.Platform)
	}
	if err := s.nonces.consume(p.Nonce, s.now()); err != nil {
		return Identity{}, err
	}

	var deviceID string
	if p.Type == attest.TypeAssertion {
		deviceID, err = s.verifyAssertion(p)
	} else {
		deviceID, err = s.verifyAttestation(p, platform)
	}
	if err != nil {
		return Identity{}, err
	}

	token, err := s.issueSession(deviceID, platform)
	if err != nil {
		return Identity{}, fmt.Errorf("issuing session: %w", err)
	}
	s.sessions.Inc()
	return Identity{DeviceID: deviceID, Platform: platform, SessionToken: token}, nil
}

func (s *Server) verifyAttestation(p attest.Payload, platform string) (string, error) {
	blob, err := p.Blob()
	if err != nil || len(blob) == 0 || p.KeyID == "" {
		return "", errMissingProof
	}
	pub, err := attest.VerifySoftwareAttestation(blob, p.Nonce)
	if err != nil {
		return "", deny("attestation verification failed", err)
	}
	pemKey, err := encodePublicKey(pub)
	if err != nil {
		return "", err
	}

	s.keys.mu.Lock()
	defer s.keys.mu.Unlock()
	rec := keyRecord{
		PublicKeyPEM: pemKey,
		Platform:     platform,
		AttestedAt:   s.now().UTC(),
	}
	// A key id belongs to the first key attested under it. Re-attesting the
	// same key keeps its assertion counter.
	existing, err := s.keys.get(p.KeyID)
	switch {
	case err == nil && existing.PublicKeyPEM != pemKey:
		return "", errKeyRegistered
	case err == nil:
		rec.Counter = existing.Counter
	case !errors.Is(err, errUnknownKey):
		return "", err
	}
	if err := s.keys.put(p.KeyID, rec); err != nil {
		return "", fmt.Errorf("storing attested key: %w", err)
	}
	s.attestations.Inc()
	s.logger.Debug("key attested", slog.String("key_id", p.KeyID))
	return deviceID(p.KeyID), nil
}

func (s *Server) verifyAssertion(p attest.Payload) (string, error) {
	blob, err := p.Blob()
	if err != nil || len(blob) == 0 || p.KeyID == "" {
		return "", errMissingProof
	}

	s.keys.mu.Lock()
	defer s.keys.mu.Unlock()
	rec, err := s.keys.get(p.KeyID)
	if err != nil {
		return "", err
	}
	pub, err := decodePublicKey(rec.PublicKeyPEM)
	if err != nil {
		return "", err
	}
	counter, err := attest.VerifySoftwareAssertion(blob, pub, p.Nonce, rec.Counter)
	if err != nil {
		return "", deny("assertion verification failed", err)
	}
	rec.Counter = counter
	if err := s.keys.put(p.KeyID, rec); err != nil {
		return "", fmt.Errorf("updating assertion counter: %w", err)
	}
	s.assertions.Inc()
	return deviceID(p.KeyID), nil
}

func deviceID(keyID string) string {
	return attest.PlatformIOS + ":" + keyID
}
