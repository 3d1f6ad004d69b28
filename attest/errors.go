package attest

import "errors"

var (
	// ErrPlatformUnsupported indicates the device cannot attest. Requests
	// proceed without a credential.
	ErrPlatformUnsupported = errors.New("attestation not supported on this platform")
	// ErrChallengeFetchFailed indicates no nonce could be obtained.
	ErrChallengeFetchFailed = errors.New("challenge fetch failed")
	// ErrKeyGenerationFailed indicates key generation failed after its retry.
	ErrKeyGenerationFailed = errors.New("key generation failed")
	// ErrAttestationFailed indicates the capability could not attest a new key.
	ErrAttestationFailed = errors.New("attestation failed")
	// ErrAssertionFailed indicates the stored key could not produce an
	// assertion. It is handled by falling back to full attestation.
	ErrAssertionFailed = errors.New("assertion failed")
	// ErrKeyNotFound is returned by providers for unknown key ids.
	ErrKeyNotFound = errors.New("key not found")
)
