// Package keystore keeps raw private keys by public key in one of two tiers:
// the OS keychain (Secure) or a plain persisted map (Fallback). The first
// secure-storage failure switches the store to Fallback for the rest of the
// process.
package keystore

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/nostria/signer/kvstore"
)

var (
	// call SetOutput on InfoLogger to enable info logging
	InfoLogger = log.New(io.Discard, "[keystore][info] ", log.LstdFlags)

	// call SetOutput on DebugLogger to enable debug logging
	DebugLogger = log.New(io.Discard, "[keystore][debug] ", log.LstdFlags)
)

var ErrNotFound = errors.New("private key not found")

type Tier int

const (
	Secure Tier = iota
	Fallback
)

func (t Tier) String() string {
	switch t {
	case Secure:
		return "secure"
	case Fallback:
		return "fallback"
	}
	return "unknown"
}

// SecureBackend is the narrow boundary to a platform keychain. Load and
// Delete return ErrNotFound (possibly wrapped) for unknown keys; any other
// error counts as a storage failure.
type SecureBackend interface {
	Save(publicKey, privateKey string) error
	Load(publicKey string) (string, error)
	Delete(publicKey string) error
}

var fallbackPrefix = []byte("keystore/")

type Store struct {
	mu       sync.RWMutex
	secure   SecureBackend
	degraded atomic.Bool
	fallback kvstore.KVStore
}

// New creates a store. A nil secure backend means the platform has no
// keychain: the store starts in Fallback and never probes for one.
func New(secure SecureBackend, fallback kvstore.KVStore) *Store {
	return &Store{secure: secure, fallback: fallback}
}

func (s *Store) Tier() Tier {
	if s.secureActive() {
		return Secure
	}
	return Fallback
}

func (s *Store) secureActive() bool {
	return s.secure != nil && !s.degraded.Load()
}

func (s *Store) downgrade(op string, publicKey string, err error) {
	if s.degraded.CompareAndSwap(false, true) {
		InfoLogger.Printf("secure storage %s failed for %s, using fallback storage from now on: %s",
			op, publicKey, err)
	}
}

// Put stores the key and reports the tier that now holds it.
func (s *Store) Put(publicKey, privateKey string) (Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.secureActive() {
		err := s.secure.Save(publicKey, privateKey)
		if err == nil {
			DebugLogger.Printf("stored %s in secure storage", publicKey)
			return Secure, nil
		}
		s.downgrade("save", publicKey, err)
	}

	if err := s.fallback.Set(fallbackKey(publicKey), []byte(privateKey)); err != nil {
		return Fallback, fmt.Errorf("failed to store private key for %s: %w", publicKey, err)
	}
	DebugLogger.Printf("stored %s in fallback storage", publicKey)
	return Fallback, nil
}

func (s *Store) Get(publicKey string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.secureActive() {
		privateKey, err := s.secure.Load(publicKey)
		switch {
		case err == nil:
			return privateKey, nil
		case errors.Is(err, ErrNotFound):
			// may have been written by a run that had already downgraded
		default:
			s.downgrade("load", publicKey, err)
		}
	}

	v, err := s.fallback.Get(fallbackKey(publicKey))
	if err != nil {
		return "", fmt.Errorf("failed to read private key for %s: %w", publicKey, err)
	}
	if v == nil {
		return "", ErrNotFound
	}
	return string(v), nil
}

// Delete removes the key from both tiers whatever the current tier is, so no
// orphaned fallback copy survives. It reports whether any tier held the key.
func (s *Store) Delete(publicKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(publicKey)
}

func (s *Store) delete(publicKey string) (bool, error) {
	removed := false

	if s.secure != nil {
		err := s.secure.Delete(publicKey)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, ErrNotFound):
		default:
			if s.secureActive() {
				s.downgrade("delete", publicKey, err)
			} else {
				DebugLogger.Printf("secure delete of %s failed: %s", publicKey, err)
			}
		}
	}

	k := fallbackKey(publicKey)
	v, err := s.fallback.Get(k)
	if err != nil {
		return removed, fmt.Errorf("failed to read private key for %s: %w", publicKey, err)
	}
	if v != nil {
		if err := s.fallback.Delete(k); err != nil {
			return removed, fmt.Errorf("failed to delete private key for %s: %w", publicKey, err)
		}
		removed = true
	}

	return removed, nil
}

// Wipe deletes the given keys from both tiers and then clears whatever is
// left in the fallback tier.
func (s *Store) Wipe(publicKeys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, pk := range publicKeys {
		if _, err := s.delete(pk); err != nil {
			errs = append(errs, err)
		}
	}

	var leftovers [][]byte
	if err := s.fallback.Scan(fallbackPrefix, func(key []byte, _ []byte) bool {
		leftovers = append(leftovers, key)
		return true
	}); err != nil {
		errs = append(errs, fmt.Errorf("failed to scan fallback storage: %w", err))
	}
	for _, k := range leftovers {
		if err := s.fallback.Delete(k); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", k, err))
		}
	}

	return errors.Join(errs...)
}

// FallbackLen counts keys held in the fallback tier.
func (s *Store) FallbackLen() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	err := s.fallback.Scan(fallbackPrefix, func([]byte, []byte) bool {
		n++
		return true
	})
	return n, err
}

func fallbackKey(publicKey string) []byte {
	return append(append([]byte{}, fallbackPrefix...), publicKey...)
}
