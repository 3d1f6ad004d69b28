// Package attest drives the exchange of a server nonce for an attestation
// or assertion produced by the platform capability.
package attest

import (
	"encoding/base64"
	"encoding/json"
)

// PlatformIOS is the only platform the verification server accepts.
const PlatformIOS = "ios"

// PayloadType distinguishes a first-time attestation from an assertion
// made with an already attested key.
type PayloadType string

const (
	TypeAttestation PayloadType = "attestation"
	TypeAssertion   PayloadType = "assertion"
)

// Payload is the proof carried in the X-Attestation-Token header.
type Payload struct {
	Platform string      `json:"platform"`
	Type     PayloadType `json:"type"`
	Token    string      `json:"token"`
	KeyID    string      `json:"key_id"`
	Nonce    string      `json:"nonce"`
}

func newPayload(platform string, typ PayloadType, keyID, nonce string, blob []byte) Payload {
	return Payload{
		Platform: platform,
		Type:     typ,
		Token:    base64.StdEncoding.EncodeToString(blob),
		KeyID:    keyID,
		Nonce:    nonce,
	}
}

// HeaderValue returns the JSON encoding sent on the wire.
func (p Payload) HeaderValue() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParsePayload decodes a header value produced by HeaderValue.
func ParsePayload(header string) (Payload, error) {
	var p Payload
	err := json.Unmarshal([]byte(header), &p)
	return p, err
}

// Blob returns the decoded capability output.
func (p Payload) Blob() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Token)
}
