package storage

import (
	"fmt"

	"github.com/jmcleod/devattest/internal/util"
)

const (
	SchemeRaw       = "raw"
	SchemeAES256GCM = "aes256gcm"
)

// Envelope is a stored record. With SchemeAES256GCM the payload is
// encrypted; with SchemeRaw Ciphertext holds the plaintext as-is.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord wraps plaintext into an Envelope. A nil recordKey produces a
// raw envelope; otherwise the payload is sealed with AES-256-GCM bound to aad.
func SealRecord(recordKey, plaintext, aad []byte) (*Envelope, error) {
	if recordKey == nil {
		return &Envelope{Ver: 1, Scheme: SchemeRaw, Ciphertext: util.CopyBytes(plaintext)}, nil
	}
	nonce, ciphertext, err := util.SealAESGCM(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        1,
		Scheme:     SchemeAES256GCM,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// OpenRecord returns the plaintext of an Envelope. The envelope scheme must
// match the reader's configuration: a sealed record cannot be read without a
// key, and a raw record is refused when a key is configured.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	switch envelope.Scheme {
	case SchemeRaw:
		if recordKey != nil {
			return nil, fmt.Errorf("%w: raw record with sealing key configured", ErrSchemeMismatch)
		}
		return util.CopyBytes(envelope.Ciphertext), nil
	case SchemeAES256GCM:
		if recordKey == nil {
			return nil, fmt.Errorf("%w: sealed record without sealing key", ErrSchemeMismatch)
		}
		return util.OpenAESGCM(envelope.Nonce, envelope.Ciphertext, recordKey, aad)
	default:
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
}
