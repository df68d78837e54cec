package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr/nip06"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/tyler-smith/go-bip39"
)

var ErrInvalidFormat = errors.New("invalid key format")

type Identity struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey,omitempty"`
}

// Generate creates a fresh secp256k1 key pair.
func Generate() (Identity, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return Identity{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	return fromPrivateKey(sk), nil
}

// FromSecretKey derives the x-only public key for a hex private key.
func FromSecretKey(skHex string) (Identity, error) {
	b, err := hex.DecodeString(skHex)
	if err != nil || len(b) != 32 {
		return Identity{}, fmt.Errorf("%w: expected 64 hex characters", ErrInvalidFormat)
	}

	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow || scalar.IsZero() {
		return Identity{}, fmt.Errorf("%w: key is out of range", ErrInvalidFormat)
	}

	sk, _ := btcec.PrivKeyFromBytes(b)
	return fromPrivateKey(sk), nil
}

func fromPrivateKey(sk *btcec.PrivateKey) Identity {
	return Identity{
		PublicKey:  hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey())),
		PrivateKey: hex.EncodeToString(sk.Serialize()),
	}
}

// ParseSecretKey accepts a bech32 "nsec1..." string or raw hex.
func ParseSecretKey(input string) (Identity, error) {
	input = strings.TrimSpace(input)

	if strings.HasPrefix(input, "nsec") {
		prefix, value, err := nip19.Decode(input)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
		}
		skHex, ok := value.(string)
		if prefix != "nsec" || !ok {
			return Identity{}, fmt.Errorf("%w: not an nsec", ErrInvalidFormat)
		}
		return FromSecretKey(skHex)
	}

	return FromSecretKey(strings.ToLower(input))
}

// FromMnemonic derives the first NIP-06 account from BIP-39 seed words.
func FromMnemonic(words string) (Identity, error) {
	words = strings.Join(strings.Fields(words), " ")
	if !bip39.IsMnemonicValid(words) {
		return Identity{}, fmt.Errorf("%w: invalid mnemonic", ErrInvalidFormat)
	}

	skHex, err := nip06.PrivateKeyFromSeed(nip06.SeedFromWords(words))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	return FromSecretKey(skHex)
}

// Nsec encodes the private key for display or backup.
func (id Identity) Nsec() (string, error) {
	return nip19.EncodePrivateKey(id.PrivateKey)
}

func (id Identity) Npub() (string, error) {
	return nip19.EncodePublicKey(id.PublicKey)
}

// Public drops the private half, for persistence while the key lives in the
// OS keychain.
func (id Identity) Public() Identity {
	return Identity{PublicKey: id.PublicKey}
}
