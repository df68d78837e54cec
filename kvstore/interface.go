package kvstore

import "fmt"

// KVStore is a simple key-value store interface
type KVStore interface {
	// Get retrieves a value for a given key. Returns nil if not found.
	Get(key []byte) ([]byte, error)

	// Set stores a value for a given key
	Set(key []byte, value []byte) error

	// Delete removes a key and its value. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Scan calls fn for every key starting with prefix until fn returns false.
	Scan(prefix []byte, fn func(key []byte, value []byte) bool) error

	// Close releases any resources held by the store
	Close() error
}

// Kind names a backend accepted by open.Open.
type Kind string

const (
	KindBadger Kind = "badger"
	KindLMDB   Kind = "lmdb"
	KindMemory Kind = "memory"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindBadger, KindLMDB, KindMemory:
		return k, nil
	case "":
		return KindBadger, nil
	default:
		return "", fmt.Errorf("unknown storage backend '%s'", s)
	}
}
