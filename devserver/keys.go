package devserver

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/devattest/storage"
)

const (
	keyNamespace  = "attested-keys"
	keyRecordType = "KEY"
)

// keyRecord is what the server remembers about an attested key.
type keyRecord struct {
	PublicKeyPEM string    `json:"public_key_pem"`
	Platform     string    `json:"platform"`
	AttestedAt   time.Time `json:"attested_at"`
	Counter      uint32    `json:"assertion_counter"`
}

// keyRegistry persists attested public keys and their assertion counters.
type keyRegistry struct {
	repo      storage.Repository
	recordKey []byte

	// mu serializes counter read-modify-write cycles.
	mu sync.Mutex
}

func (k *keyRegistry) put(keyID string, rec keyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	env, err := storage.SealRecord(k.recordKey, data, []byte(keyRecordType+":"+keyID))
	if err != nil {
		return err
	}
	return k.repo.Put(keyNamespace, keyRecordType, keyID, env)
}

func (k *keyRegistry) get(keyID string) (keyRecord, error) {
	env, err := k.repo.Get(keyNamespace, keyRecordType, keyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return keyRecord{}, errUnknownKey
		}
		return keyRecord{}, err
	}
	data, err := storage.OpenRecord(k.recordKey, env, []byte(keyRecordType+":"+keyID))
	if err != nil {
		return keyRecord{}, err
	}
	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return keyRecord{}, fmt.Errorf("decoding key record: %w", err)
	}
	return rec, nil
}

func (k *keyRegistry) delete(keyID string) error {
	return k.repo.Delete(keyNamespace, keyRecordType, keyID)
}

func encodePublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func decodePublicKey(s string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("stored public key is not PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("stored public key is not ECDSA")
	}
	return pub, nil
}
