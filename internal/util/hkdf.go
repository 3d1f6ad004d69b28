package util

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const recordKeyInfo = "devattest:record-key:v1"

// DeriveRecordKey stretches an operator-supplied secret into the 32-byte
// AES key used to seal records at rest. The namespace is mixed in as salt
// so that two stores sharing a secret never share a key.
func DeriveRecordKey(secret []byte, namespace string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("record key secret is empty")
	}
	h := hkdf.New(sha256.New, secret, []byte(namespace), []byte(recordKeyInfo))
	k := make([]byte, AESKeySize)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
