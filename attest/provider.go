package attest

import "context"

// Provider is the platform key-attestation capability. Implementations
// generate hardware-bound keys, attest them once and sign assertions with
// them afterwards. All methods may block.
type Provider interface {
	// IsSupported reports whether the device can attest at all.
	IsSupported() bool
	// GenerateKey creates a new key and returns its opaque identifier.
	GenerateKey(ctx context.Context) (keyID string, err error)
	// AttestKey binds keyID to the platform attestation service for nonce.
	AttestKey(ctx context.Context, keyID, nonce string) ([]byte, error)
	// GenerateAssertion signs nonce with an already attested key.
	GenerateAssertion(ctx context.Context, keyID, nonce string) ([]byte, error)
}

// Unsupported is a Provider for devices without attestation.
type Unsupported struct{}

var _ Provider = Unsupported{}

func (Unsupported) IsSupported() bool { return false }

func (Unsupported) GenerateKey(context.Context) (string, error) {
	return "", ErrPlatformUnsupported
}

func (Unsupported) AttestKey(context.Context, string, string) ([]byte, error) {
	return nil, ErrPlatformUnsupported
}

func (Unsupported) GenerateAssertion(context.Context, string, string) ([]byte, error) {
	return nil, ErrPlatformUnsupported
}
