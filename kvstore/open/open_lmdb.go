//go:build cgo

package open

import (
	"github.com/nostria/signer/kvstore"
	"github.com/nostria/signer/kvstore/lmdb"
)

func openLMDB(path string) (kvstore.KVStore, error) {
	return lmdb.NewStore(path)
}
