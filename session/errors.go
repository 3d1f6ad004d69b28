package session

import "errors"

// ErrServerRejected marks a 403 response: the server no longer trusts the
// session token or the attested key.
var ErrServerRejected = errors.New("session: credential rejected by server")
