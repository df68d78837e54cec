package envelope

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keypair(t *testing.T) (string, string) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return sk, pk
}

func TestDetect(t *testing.T) {
	assert.Equal(t, NIP04, Detect("A+fRnU4aXS4kbTLfowqAww==?iv=QFYUrl5or/n/qamY79ze0A=="))
	assert.Equal(t, NIP44, Detect("AgAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAB"))
	assert.Equal(t, NIP44, Detect(""))
}

func TestRoundTrip(t *testing.T) {
	aliceSK, alicePK := keypair(t)
	bobSK, bobPK := keypair(t)

	messages := []string{
		"a",
		"hello hello",
		`{"id":"1","method":"ping","params":[]}`,
		"ünïcödé ✓ 日本語 🤙",
		strings.Repeat("x", 5000),
	}

	for _, scheme := range []Scheme{NIP04, NIP44} {
		alice := New(aliceSK)
		bob := New(bobSK)
		for _, msg := range messages {
			ct, err := alice.Encrypt(msg, bobPK, scheme)
			require.NoError(t, err)
			require.Equal(t, scheme, Detect(ct), "detect %s", scheme)

			plain, detected, err := bob.Decrypt(ct, alicePK)
			require.NoError(t, err)
			require.Equal(t, scheme, detected)
			require.Equal(t, msg, plain)
		}
	}
}

func TestPackageHelpers(t *testing.T) {
	aliceSK, alicePK := keypair(t)
	bobSK, bobPK := keypair(t)

	ct, err := Encrypt("hi", aliceSK, bobPK, NIP04)
	require.NoError(t, err)
	plain, scheme, err := Decrypt(ct, bobSK, alicePK)
	require.NoError(t, err)
	require.Equal(t, NIP04, scheme)
	require.Equal(t, "hi", plain)
}

func TestNostrToolsNIP04Payload(t *testing.T) {
	sk1 := "92996316beebf94171065a714cbf164d1f56d7ad9b35b329d9fc97535bf25352"
	sk2 := "591c0c249adfb9346f8d37dfeed65725e2eea1d7a6e99fa503342f367138de84"
	pk2, err := nostr.GetPublicKey(sk2)
	require.NoError(t, err)

	plain, scheme, err := Decrypt("A+fRnU4aXS4kbTLfowqAww==?iv=QFYUrl5or/n/qamY79ze0A==", sk1, pk2)
	require.NoError(t, err)
	require.Equal(t, NIP04, scheme)
	require.Equal(t, "hello", plain)
}

func TestDecryptionFailures(t *testing.T) {
	aliceSK, alicePK := keypair(t)
	_, bobPK := keypair(t)
	eveSK, _ := keypair(t)

	for _, scheme := range []Scheme{NIP04, NIP44} {
		ct, err := Encrypt("secret stuff", aliceSK, bobPK, scheme)
		require.NoError(t, err)

		// wrong recipient key
		plain, _, err := Decrypt(ct, eveSK, alicePK)
		if scheme == NIP44 {
			require.ErrorIs(t, err, ErrDecryptionFailed)
		} else if err == nil {
			// aes-cbc has no mac, garbage may still unpad cleanly
			require.NotEqual(t, "secret stuff", plain)
		} else {
			require.ErrorIs(t, err, ErrDecryptionFailed)
		}
	}

	_, _, err := Decrypt("%%%not base64%%%", aliceSK, bobPK)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, _, err = Decrypt("bm9wZQ==?iv=!!", aliceSK, bobPK)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, _, err = Decrypt("AgAAAA", aliceSK, "not-a-pubkey")
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSchemeText(t *testing.T) {
	for _, s := range []Scheme{NIP04, NIP44} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back Scheme
		require.NoError(t, back.UnmarshalText(b))
		require.Equal(t, s, back)
	}
	var s Scheme
	require.Error(t, s.UnmarshalText([]byte("rot13")))
}
