package challenge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/challenge", h)
	r.Get("/v2/nonce", h)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchNonce(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"nonce":"abc123"}`))
	})

	c := &Client{BaseURL: srv.URL}
	nonce, err := c.FetchNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", nonce)
}

func TestFetchNonce_CustomPath(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"nonce":"custom"}`))
	})

	c := &Client{BaseURL: srv.URL, Path: "/v2/nonce", HTTPClient: srv.Client()}
	nonce, err := c.FetchNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "custom", nonce)
}

func TestFetchNonce_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"TooManyRequests", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limited"}`))
		}},
		{"ServerError", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"MalformedBody", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}},
		{"EmptyNonce", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"nonce":""}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.handler)
			_, err := (&Client{BaseURL: srv.URL}).FetchNonce(context.Background())
			assert.ErrorIs(t, err, ErrNetwork)
		})
	}
}

func TestFetchNonce_TransportFailure(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {})
	url := srv.URL
	srv.Close()

	_, err := (&Client{BaseURL: url}).FetchNonce(context.Background())
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestFetchNonce_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := (&Client{BaseURL: srv.URL}).FetchNonce(ctx)
	assert.ErrorIs(t, err, ErrNetwork)
}
