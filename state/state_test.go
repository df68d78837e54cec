package state

import (
	"testing"

	"github.com/nostria/signer/kvstore/memory"
	"github.com/stretchr/testify/require"
)

func TestMissingRecordIsEmpty(t *testing.T) {
	s := New(memory.NewStore())

	relays := []string{"wss://keep.me"}
	found, err := s.Load(KeyRelays, &relays)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, []string{"wss://keep.me"}, relays)
}

func TestSaveLoadRemove(t *testing.T) {
	s := New(memory.NewStore())

	require.NoError(t, s.Save(KeyRelays, []string{"wss://a", "wss://b"}))

	var relays []string
	found, err := s.Load(KeyRelays, &relays)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []string{"wss://a", "wss://b"}, relays)

	require.NoError(t, s.Remove(KeyRelays))
	relays = nil
	found, err = s.Load(KeyRelays, &relays)
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, relays)
}

func TestCorruptRecordIsEmpty(t *testing.T) {
	kv := memory.NewStore()
	require.NoError(t, kv.Set(recordKey(KeyActivations), []byte("{not json")))

	var v []map[string]any
	found, err := New(kv).Load(KeyActivations, &v)
	require.NoError(t, err)
	require.False(t, found)
}
