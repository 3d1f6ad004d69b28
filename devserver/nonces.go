package devserver

import (
	"sync"
	"time"

	"github.com/jmcleod/devattest/internal/util"
)

const (
	// DefaultNonceTTL is how long an issued challenge stays redeemable.
	DefaultNonceTTL = 5 * time.Minute

	nonceBytes = 32
)

type nonceEntry struct {
	expires time.Time
	used    bool
}

// nonceStore issues single-use challenges. Used entries are kept until they
// expire so a replay is told apart from an unknown nonce only in logs.
type nonceStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*nonceEntry
}

func newNonceStore(ttl time.Duration) *nonceStore {
	return &nonceStore{
		ttl:     ttl,
		entries: make(map[string]*nonceEntry),
	}
}

func (n *nonceStore) issue(now time.Time) (string, error) {
	nonce, err := util.RandomURLToken(nonceBytes)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sweepLocked(now)
	n.entries[nonce] = &nonceEntry{expires: now.Add(n.ttl)}
	return nonce, nil
}

// consume marks nonce used. It fails for unknown, expired and used nonces.
func (n *nonceStore) consume(nonce string, now time.Time) error {
	if nonce == "" {
		return errMissingNonce
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[nonce]
	if !ok || e.used || !now.Before(e.expires) {
		return errInvalidNonce
	}
	e.used = true
	return nil
}

func (n *nonceStore) sweepLocked(now time.Time) {
	for k, e := range n.entries {
		if !now.Before(e.expires) {
			delete(n.entries, k)
		}
	}
}

func (n *nonceStore) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}
