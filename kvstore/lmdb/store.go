//go:build cgo

package lmdb

import (
	"bytes"
	"os"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/nostria/signer/kvstore"
)

var _ kvstore.KVStore = (*Store)(nil)

type Store struct {
	env *lmdb.Env
	dbi lmdb.DBI
}

func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, err
	}

	// the signer keeps a handful of small records
	env.SetMaxDBs(1)
	env.SetMapSize(1 << 26)

	if err := env.Open(path, lmdb.NoTLS, 0o600); err != nil {
		env.Close()
		return nil, err
	}

	store := &Store{env: env}

	if err := env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenDBI("signer", lmdb.Create)
		if err != nil {
			return err
		}
		store.dbi = dbi
		return nil
	}); err != nil {
		env.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	var value []byte
	err := s.env.View(func(txn *lmdb.Txn) error {
		v, err := txn.Get(s.dbi, key)
		if lmdb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		// v is only valid during the transaction
		value = bytes.Clone(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Set(key []byte, value []byte) error {
	return s.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(s.dbi, key, value, 0)
	})
}

func (s *Store) Delete(key []byte) error {
	return s.env.Update(func(txn *lmdb.Txn) error {
		err := txn.Del(s.dbi, key, nil)
		if lmdb.IsNotFound(err) {
			return nil
		}
		return err
	})
}

func (s *Store) Scan(prefix []byte, fn func(key []byte, value []byte) bool) error {
	return s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		k, v, err := cursor.Get(prefix, nil, lmdb.SetRange)
		for ; err == nil; k, v, err = cursor.Get(nil, nil, lmdb.Next) {
			if !bytes.HasPrefix(k, prefix) {
				return nil
			}
			if !fn(bytes.Clone(k), bytes.Clone(v)) {
				return nil
			}
		}
		if lmdb.IsNotFound(err) {
			return nil
		}
		return err
	})
}

func (s *Store) Close() error {
	s.env.Close()
	return nil
}
