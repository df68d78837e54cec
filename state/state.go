// Package state persists the signer's JSON records (identities, activations,
// relays, logs) on top of a kvstore backend.
package state

import (
	"fmt"
	"io"
	"log"

	jsoniter "github.com/json-iterator/go"
	"github.com/nostria/signer/kvstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// call SetOutput on InfoLogger to enable info logging
var InfoLogger = log.New(io.Discard, "[state] ", log.LstdFlags)

const (
	KeyClientIdentities = "nostria-signer-keys"
	KeySignerIdentity   = "nostria-signer-key"
	KeyActivations      = "nostria-signer-clients"
	KeyRelays           = "nostria-relays"
	KeyLogs             = "nostria-signer-logs"
)

var recordPrefix = []byte("state/")

type Store struct {
	kv kvstore.KVStore
}

func New(kv kvstore.KVStore) *Store {
	return &Store{kv: kv}
}

// KV exposes the backend so other components (the key store fallback tier)
// can share one database.
func (s *Store) KV() kvstore.KVStore { return s.kv }

// Load decodes the record under key into v. A missing record leaves v
// untouched and reports found=false. A record that fails to decode is
// treated the same way, so a bad write never bricks startup.
func (s *Store) Load(key string, v any) (found bool, err error) {
	raw, err := s.kv.Get(recordKey(key))
	if err != nil {
		return false, fmt.Errorf("failed to read '%s': %w", key, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		InfoLogger.Printf("ignoring unreadable record '%s': %s", key, err)
		return false, nil
	}
	return true, nil
}

func (s *Store) Save(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode '%s': %w", key, err)
	}
	if err := s.kv.Set(recordKey(key), raw); err != nil {
		return fmt.Errorf("failed to write '%s': %w", key, err)
	}
	return nil
}

func (s *Store) Remove(key string) error {
	if err := s.kv.Delete(recordKey(key)); err != nil {
		return fmt.Errorf("failed to remove '%s': %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.kv.Close()
}

func recordKey(key string) []byte {
	return append(append([]byte{}, recordPrefix...), key...)
}
