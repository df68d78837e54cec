//go:build !cgo

package open

import (
	"fmt"

	"github.com/nostria/signer/kvstore"
)

func openLMDB(path string) (kvstore.KVStore, error) {
	return nil, fmt.Errorf("lmdb backend at %s needs a cgo build", path)
}
