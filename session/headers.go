package session

import (
	"net/http"
)

const (
	HeaderContentType   = "Content-Type"
	HeaderAuthorization = "Authorization"
	HeaderAttestation   = "X-Attestation-Token"

	contentTypeJSON = "application/json"
)

func baseHeaders() http.Header {
	h := make(http.Header)
	h.Set(HeaderContentType, contentTypeJSON)
	return h
}

func bearerHeaders(value string) http.Header {
	h := baseHeaders()
	h.Set(HeaderAuthorization, "Bearer "+value)
	return h
}

func attestationHeaders(value string) http.Header {
	h := baseHeaders()
	h.Set(HeaderAttestation, value)
	return h
}
