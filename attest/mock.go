package attest

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockProvider implements Provider for tests. Behaviour is configured with
// the usual testify On/Return calls.
type MockProvider struct {
	mock.Mock
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) IsSupported() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockProvider) GenerateKey(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) AttestKey(ctx context.Context, keyID, nonce string) ([]byte, error) {
	args := m.Called(ctx, keyID, nonce)
	blob, _ := args.Get(0).([]byte)
	return blob, args.Error(1)
}

func (m *MockProvider) GenerateAssertion(ctx context.Context, keyID, nonce string) ([]byte, error) {
	args := m.Called(ctx, keyID, nonce)
	blob, _ := args.Get(0).([]byte)
	return blob, args.Error(1)
}
