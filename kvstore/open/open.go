// Package open picks a kvstore backend by name.
package open

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nostria/signer/kvstore"
	"github.com/nostria/signer/kvstore/badger"
	"github.com/nostria/signer/kvstore/memory"
)

// Open returns a store of the given kind rooted at dir/<kind>. The memory
// backend ignores dir.
func Open(kind kvstore.Kind, dir string) (kvstore.KVStore, error) {
	switch kind {
	case kvstore.KindMemory:
		return memory.NewStore(), nil
	case kvstore.KindBadger, "":
		path := filepath.Join(dir, "badger")
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", path, err)
		}
		return badger.NewStore(path)
	case kvstore.KindLMDB:
		return openLMDB(filepath.Join(dir, "lmdb"))
	default:
		return nil, fmt.Errorf("unknown storage backend '%s'", kind)
	}
}
