// Package token persists the session credential and the attested key
// identifier.
//
// The Store is a write-through cache: reads are served from memory and
// writes update memory and the durable repository under one lock. The
// durable copy is only consulted on a cold start. Durable I/O is best
// effort by contract: failures are logged and reads degrade to a miss,
// which callers interpret as "must attest". Do not turn these failures
// into hard errors.
package token

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/devattest/internal/util"
	"github.com/jmcleod/devattest/storage"
)

const (
	namespace         = "attestation"
	sessionRecordType = "SESSION"
	sessionRecordID   = "current"
	keyRecordType     = "KEY"
	keyRecordID       = "attested"
)

// SessionToken is a bearer credential issued by the server.
type SessionToken struct {
	Value  string
	Expiry time.Time
}

// Expired reports whether the token must no longer be sent at now.
func (t SessionToken) Expired(now time.Time) bool {
	return !now.Before(t.Expiry)
}

type sessionRecord struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// Store holds the current session token and attested key id.
type Store struct {
	repo      storage.Repository
	recordKey []byte
	logger    *slog.Logger

	mu            sync.RWMutex
	sessionLoaded bool
	session       *memguard.Enclave
	expiry        time.Time
	keyLoaded     bool
	keyID         string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for best-effort storage failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithRecordKey seals durable records with the given 32-byte AES key.
func WithRecordKey(key []byte) Option {
	return func(s *Store) {
		s.recordKey = util.CopyBytes(key)
	}
}

// NewStore returns a Store backed by repo.
func NewStore(repo storage.Repository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached session token. The token may be expired; callers
// decide with SessionToken.Expired.
func (s *Store) Get() (SessionToken, bool) {
	s.mu.RLock()
	if s.sessionLoaded {
		tok, ok := s.sessionLocked()
		s.mu.RUnlock()
		return tok, ok
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sessionLoaded {
		s.loadSessionLocked()
	}
	return s.sessionLocked()
}

// Set replaces the session token. An empty value clears it.
func (s *Store) Set(value string, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		s.clearSessionLocked()
		return
	}

	s.session = memguard.NewEnclave([]byte(value))
	s.expiry = expiry
	s.sessionLoaded = true

	data, err := json.Marshal(sessionRecord{Token: value, Expiry: expiry})
	if err != nil {
		s.logger.Warn("token store: encoding session record", "error", err)
		return
	}
	defer util.WipeBytes(data)
	s.put(sessionRecordType, sessionRecordID, data)
}

// Clear removes the session token from memory and durable storage.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearSessionLocked()
}

// Valid returns the session token if one exists and has not expired at
// now. An expired token is cleared in the same critical section, so a token
// stored concurrently by Set is never discarded by mistake.
func (s *Store) Valid(now time.Time) (SessionToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sessionLoaded {
		s.loadSessionLocked()
	}
	tok, ok := s.sessionLocked()
	if !ok {
		return SessionToken{}, false
	}
	if tok.Expired(now) {
		s.logger.Debug("token store: clearing expired session token",
			slog.Time("expiry", tok.Expiry))
		s.clearSessionLocked()
		return SessionToken{}, false
	}
	return tok, true
}

// GetAttestedKeyID returns the identifier of the last attested key.
func (s *Store) GetAttestedKeyID() (string, bool) {
	s.mu.RLock()
	if s.keyLoaded {
		id := s.keyID
		s.mu.RUnlock()
		return id, id != ""
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.keyLoaded {
		if data, ok := s.get(keyRecordType, keyRecordID); ok {
			s.keyID = string(data)
			s.keyLoaded = true
		}
	}
	return s.keyID, s.keyID != ""
}

// SetAttestedKeyID records the identifier of a freshly attested key.
func (s *Store) SetAttestedKeyID(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keyID == "" {
		s.clearKeyLocked()
		return
	}
	s.keyID = keyID
	s.keyLoaded = true
	s.put(keyRecordType, keyRecordID, []byte(keyID))
}

// ClearAttestedKeyID forgets the attested key so the next exchange
// performs a full attestation.
func (s *Store) ClearAttestedKeyID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearKeyLocked()
}

func (s *Store) sessionLocked() (SessionToken, bool) {
	if s.session == nil {
		return SessionToken{}, false
	}
	buf, err := s.session.Open()
	if err != nil {
		s.logger.Warn("token store: opening session enclave", "error", err)
		return SessionToken{}, false
	}
	defer buf.Destroy()
	return SessionToken{Value: string(buf.Bytes()), Expiry: s.expiry}, true
}

func (s *Store) loadSessionLocked() {
	data, ok := s.get(sessionRecordType, sessionRecordID)
	if !ok {
		return
	}
	defer util.WipeBytes(data)

	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Token == "" {
		s.logger.Warn("token store: discarding unreadable session record", "error", err)
		s.sessionLoaded = true
		return
	}
	s.session = memguard.NewEnclave([]byte(rec.Token))
	s.expiry = rec.Expiry
	s.sessionLoaded = true
}

func (s *Store) clearSessionLocked() {
	s.session = nil
	s.expiry = time.Time{}
	s.sessionLoaded = true
	s.delete(sessionRecordType, sessionRecordID)
}

func (s *Store) clearKeyLocked() {
	s.keyID = ""
	s.keyLoaded = true
	s.delete(keyRecordType, keyRecordID)
}

func aad(recordType, recordID string) []byte {
	return []byte(namespace + ":" + recordType + ":" + recordID)
}

// get reads a durable record. A missing record marks the cache as loaded;
// any other failure leaves it unloaded so the next read retries.
func (s *Store) get(recordType, recordID string) ([]byte, bool) {
	env, err := s.repo.Get(namespace, recordType, recordID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.markLoaded(recordType)
		} else {
			s.logger.Warn("token store: reading durable record",
				slog.String("record", recordType), "error", err)
		}
		return nil, false
	}
	data, err := storage.OpenRecord(s.recordKey, env, aad(recordType, recordID))
	if err != nil {
		s.logger.Warn("token store: opening durable record",
			slog.String("record", recordType), "error", err)
		s.markLoaded(recordType)
		return nil, false
	}
	return data, true
}

func (s *Store) markLoaded(recordType string) {
	switch recordType {
	case sessionRecordType:
		s.sessionLoaded = true
	case keyRecordType:
		s.keyLoaded = true
	}
}

func (s *Store) put(recordType, recordID string, data []byte) {
	env, err := storage.SealRecord(s.recordKey, data, aad(recordType, recordID))
	if err != nil {
		s.logger.Warn("token store: sealing durable record",
			slog.String("record", recordType), "error", err)
		return
	}
	if err := s.repo.Put(namespace, recordType, recordID, env); err != nil {
		s.logger.Warn("token store: writing durable record",
			slog.String("record", recordType), "error", err)
	}
}

func (s *Store) delete(recordType, recordID string) {
	if err := s.repo.Delete(namespace, recordType, recordID); err != nil {
		s.logger.Warn("token store: deleting durable record",
			slog.String("record", recordType), "error", err)
	}
}
