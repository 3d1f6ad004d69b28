package attest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jmcleod/devattest/internal/uuid"
	"github.com/jmcleod/devattest/storage"
)

// FormatSoftware identifies evidence produced by SoftwareProvider.
const FormatSoftware = "software-p256"

const (
	softwareKeyNamespace  = "attest-keys"
	softwareKeyRecordType = "SWKEY"
)

// SoftwareAttestation is the attestation blob of a SoftwareProvider key.
// Signature is ASN.1 ECDSA over SHA-256(nonce).
type SoftwareAttestation struct {
	Format    string `json:"fmt"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// SoftwareAssertion is the assertion blob of a SoftwareProvider key.
// Signature is ASN.1 ECDSA over SHA-256(counter || nonce), counter big endian.
type SoftwareAssertion struct {
	Format    string `json:"fmt"`
	Counter   uint32 `json:"counter"`
	Signature []byte `json:"signature"`
}

type softwareKey struct {
	priv    *ecdsa.PrivateKey
	counter uint32
}

type softwareKeyRecord struct {
	PEM     string `json:"pem"`
	Counter uint32 `json:"counter"`
}

// SoftwareProvider is a Provider backed by ECDSA P-256 keys held in
// process memory. It has none of the tamper resistance of a hardware
// capability and exists for development and tests. With a repository the
// keys survive restarts, stored as SEC1 PEM.
type SoftwareProvider struct {
	mu        sync.Mutex
	keys      map[string]*softwareKey
	repo      storage.Repository
	recordKey []byte
	rand      io.Reader
}

var _ Provider = (*SoftwareProvider)(nil)

// SoftwareOption configures a SoftwareProvider.
type SoftwareOption func(*SoftwareProvider)

// WithKeyRepository persists generated keys in repo. recordKey, when not
// nil, seals them at rest.
func WithKeyRepository(repo storage.Repository, recordKey []byte) SoftwareOption {
	return func(p *SoftwareProvider) {
		p.repo = repo
		p.recordKey = recordKey
	}
}

// NewSoftwareProvider returns a SoftwareProvider ready for use.
func NewSoftwareProvider(opts ...SoftwareOption) *SoftwareProvider {
	p := &SoftwareProvider{
		keys: make(map[string]*softwareKey),
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *SoftwareProvider) IsSupported() bool { return true }

// GenerateKey creates a new ECDSA P-256 key pair.
func (p *SoftwareProvider) GenerateKey(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), p.rand)
	if err != nil {
		return "", fmt.Errorf("generating ECDSA P-256 key: %w", err)
	}
	id := uuid.NewPrefixed("sw")

	p.mu.Lock()
	defer p.mu.Unlock()
	k := &softwareKey{priv: priv}
	if err := p.persistLocked(id, k); err != nil {
		return "", err
	}
	p.keys[id] = k
	return id, nil
}

// AttestKey signs the nonce and discloses the public key.
func (p *SoftwareProvider) AttestKey(ctx context.Context, keyID, nonce string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	k, err := p.keyLocked(keyID)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	pub, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	digest := sha256.Sum256([]byte(nonce))
	sig, err := ecdsa.SignASN1(p.rand, k.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing attestation: %w", err)
	}
	return json.Marshal(SoftwareAttestation{Format: FormatSoftware, PublicKey: pub, Signature: sig})
}

// GenerateAssertion increments the key's counter and signs it with the nonce.
func (p *SoftwareProvider) GenerateAssertion(ctx context.Context, keyID, nonce string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	k, err := p.keyLocked(keyID)
	if err != nil {
		return nil, err
	}
	k.counter++
	if err := p.persistLocked(keyID, k); err != nil {
		k.counter--
		return nil, err
	}

	digest := assertionDigest(k.counter, nonce)
	sig, err := ecdsa.SignASN1(p.rand, k.priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing assertion: %w", err)
	}
	return json.Marshal(SoftwareAssertion{Format: FormatSoftware, Counter: k.counter, Signature: sig})
}

// Delete forgets a key, as a platform does when its key store is reset.
func (p *SoftwareProvider) Delete(keyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, keyID)
	if p.repo != nil {
		return p.repo.Delete(softwareKeyNamespace, softwareKeyRecordType, keyID)
	}
	return nil
}

func (p *SoftwareProvider) keyLocked(keyID string) (*softwareKey, error) {
	if k, ok := p.keys[keyID]; ok {
		return k, nil
	}
	if p.repo == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	env, err := p.repo.Get(softwareKeyNamespace, softwareKeyRecordType, keyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return nil, fmt.Errorf("loading key %s: %w", keyID, err)
	}
	data, err := storage.OpenRecord(p.recordKey, env, []byte(softwareKeyRecordType+":"+keyID))
	if err != nil {
		return nil, fmt.Errorf("opening key %s: %w", keyID, err)
	}
	var rec softwareKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding key %s: %w", keyID, err)
	}
	block, _ := pem.Decode([]byte(rec.PEM))
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("decoding key %s: no EC PRIVATE KEY block", keyID)
	}
	priv, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", keyID, err)
	}
	k := &softwareKey{priv: priv, counter: rec.Counter}
	p.keys[keyID] = k
	return k, nil
}

func (p *SoftwareProvider) persistLocked(keyID string, k *softwareKey) error {
	if p.repo == nil {
		return nil
	}
	der, err := x509.MarshalECPrivateKey(k.priv)
	if err != nil {
		return err
	}
	data, err := json.Marshal(softwareKeyRecord{
		PEM:     string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})),
		Counter: k.counter,
	})
	if err != nil {
		return err
	}
	env, err := storage.SealRecord(p.recordKey, data, []byte(softwareKeyRecordType+":"+keyID))
	if err != nil {
		return err
	}
	if err := p.repo.Put(softwareKeyNamespace, softwareKeyRecordType, keyID, env); err != nil {
		return fmt.Errorf("persisting key %s: %w", keyID, err)
	}
	return nil
}

func assertionDigest(counter uint32, nonce string) [32]byte {
	buf := make([]byte, 4+len(nonce))
	binary.BigEndian.PutUint32(buf, counter)
	copy(buf[4:], nonce)
	return sha256.Sum256(buf)
}

// VerifySoftwareAttestation checks a SoftwareAttestation blob against the
// nonce it was produced for and returns the attested public key.
func VerifySoftwareAttestation(blob []byte, nonce string) (*ecdsa.PublicKey, error) {
	var st SoftwareAttestation
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("decoding attestation: %w", err)
	}
	if st.Format != FormatSoftware {
		return nil, fmt.Errorf("unexpected attestation format %q", st.Format)
	}
	key, err := x509.ParsePKIXPublicKey(st.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing attested public key: %w", err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, errors.New("attested key is not ECDSA P-256")
	}
	digest := sha256.Sum256([]byte(nonce))
	if !ecdsa.VerifyASN1(pub, digest[:], st.Signature) {
		return nil, errors.New("invalid attestation signature")
	}
	return pub, nil
}

// VerifySoftwareAssertion checks a SoftwareAssertion blob. The counter must
// be strictly greater than lastCounter; the new counter is returned.
func VerifySoftwareAssertion(blob []byte, pub *ecdsa.PublicKey, nonce string, lastCounter uint32) (uint32, error) {
	var st SoftwareAssertion
	if err := json.Unmarshal(blob, &st); err != nil {
		return 0, fmt.Errorf("decoding assertion: %w", err)
	}
	if st.Format != FormatSoftware {
		return 0, fmt.Errorf("unexpected assertion format %q", st.Format)
	}
	if st.Counter <= lastCounter {
		return 0, errors.New("assertion counter did not increment")
	}
	digest := assertionDigest(st.Counter, nonce)
	if !ecdsa.VerifyASN1(pub, digest[:], st.Signature) {
		return 0, errors.New("invalid assertion signature")
	}
	return st.Counter, nil
}
