package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	// ErrMissingSecret is returned by New without a signing secret.
	ErrMissingSecret = errors.New("devserver: session signing secret is required")

	errMissingAuth    = errors.New("missing authentication; provide Authorization or X-Attestation-Token header")
	errMalformedToken = errors.New("malformed attestation token")
	errMissingNonce   = errors.New("missing nonce")
	errInvalidNonce   = errors.New("invalid, expired, or already-used nonce")
	errUnknownKey     = errors.New("unknown key_id; device must re-attest")
	errMissingProof   = errors.New("missing attestation token or key_id")
	errKeyRegistered  = errors.New("key_id is already registered to another key")
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
