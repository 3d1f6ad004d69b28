package session

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/jmcleod/devattest/attest"
)

// maxObservedBody bounds how much of a response is buffered while looking
// for a session token.
const maxObservedBody = 64 << 10

type prefixedBody struct {
	io.Reader
	io.Closer
}

// Transport is an http.RoundTripper that authorizes every request and
// feeds every response to the Observer.
type Transport struct {
	// Base sends the requests. Nil selects http.DefaultTransport.
	Base http.RoundTripper

	authorizer *Authorizer
	observer   *Observer
	state      *exchangeState
}

var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper. Headers already set on req win
// over the default Content-Type but never over credentials.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	h, err := t.authorizer.GetHeaders(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	out := req.Clone(req.Context())
	for k, v := range h {
		if k == HeaderContentType && out.Header.Get(k) != "" {
			continue
		}
		out.Header[k] = v
	}

	var nonce string
	if v := h.Get(HeaderAttestation); v != "" {
		if p, err := attest.ParsePayload(v); err == nil {
			nonce = p.Nonce
		}
	}

	resp, err := t.base().RoundTrip(out)
	if err != nil {
		if nonce != "" {
			t.state.abandonNonce(nonce, "transport error")
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObservedBody+1))
	if err != nil {
		resp.Body.Close()
		if nonce != "" {
			t.state.abandonNonce(nonce, "reading response")
		}
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxObservedBody {
		// Too large to carry a session token; hand it back unread.
		resp.Body = &prefixedBody{
			Reader: io.MultiReader(bytes.NewReader(body), resp.Body),
			Closer: resp.Body,
		}
		body = nil
	} else {
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	t.observer.Handle(resp, body)
	if nonce != "" {
		// No-op when Handle already settled the exchange.
		t.state.abandonNonce(nonce, fmt.Sprintf("response %d carried no session token", resp.StatusCode))
	}
	return resp, nil
}
