// Package envelope encrypts and decrypts NIP-46 payloads with either of the
// two ciphers clients use: NIP-04 (legacy, AES-CBC with an "?iv=" suffix) and
// NIP-44 (versioned, authenticated).
package envelope

import (
	"crypto/aes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrDecryptionFailed = errors.New("decryption failed")

type Scheme int

const (
	NIP44 Scheme = iota
	NIP04
)

func (s Scheme) String() string {
	switch s {
	case NIP04:
		return "nip04"
	case NIP44:
		return "nip44"
	}
	return "unknown"
}

func ParseScheme(s string) (Scheme, error) {
	switch s {
	case "nip04":
		return NIP04, nil
	case "nip44", "":
		return NIP44, nil
	}
	return NIP44, fmt.Errorf("unknown cipher scheme '%s'", s)
}

func (s Scheme) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Scheme) UnmarshalText(b []byte) (err error) {
	*s, err = ParseScheme(string(b))
	return err
}

const ivMarker = "?iv="

// Detect classifies a ciphertext without touching any key material.
func Detect(ciphertext string) Scheme {
	if strings.Contains(ciphertext, ivMarker) {
		return NIP04
	}
	return NIP44
}

// Cipher does both schemes for one secret key, remembering the shared
// secrets it derived per peer.
type Cipher struct {
	secretKey    string
	shared       *xsync.MapOf[string, []byte]
	conversation *xsync.MapOf[string, [32]byte]
}

func New(secretKey string) *Cipher {
	return &Cipher{
		secretKey:    secretKey,
		shared:       xsync.NewMapOf[string, []byte](),
		conversation: xsync.NewMapOf[string, [32]byte](),
	}
}

func (c *Cipher) sharedSecret(peer string) ([]byte, error) {
	if k, ok := c.shared.Load(peer); ok {
		return k, nil
	}
	k, err := nip04.ComputeSharedSecret(peer, c.secretKey)
	if err != nil {
		return nil, err
	}
	c.shared.Store(peer, k)
	return k, nil
}

func (c *Cipher) conversationKey(peer string) ([32]byte, error) {
	if k, ok := c.conversation.Load(peer); ok {
		return k, nil
	}
	k, err := nip44.GenerateConversationKey(peer, c.secretKey)
	if err != nil {
		return k, err
	}
	c.conversation.Store(peer, k)
	return k, nil
}

// Decrypt detects the scheme of ciphertext and decrypts it. Every failure,
// including a bad peer key, wraps ErrDecryptionFailed.
func (c *Cipher) Decrypt(ciphertext string, peer string) (string, Scheme, error) {
	scheme := Detect(ciphertext)

	switch scheme {
	case NIP04:
		if err := checkNIP04(ciphertext); err != nil {
			return "", scheme, fmt.Errorf("%w: nip04: %w", ErrDecryptionFailed, err)
		}
		key, err := c.sharedSecret(peer)
		if err != nil {
			return "", scheme, fmt.Errorf("%w: nip04 shared secret with %s: %w", ErrDecryptionFailed, peer, err)
		}
		plain, err := nip04.Decrypt(ciphertext, key)
		if err != nil {
			return "", scheme, fmt.Errorf("%w: nip04: %w", ErrDecryptionFailed, err)
		}
		return plain, scheme, nil
	default:
		ck, err := c.conversationKey(peer)
		if err != nil {
			return "", scheme, fmt.Errorf("%w: nip44 conversation key with %s: %w", ErrDecryptionFailed, peer, err)
		}
		plain, err := nip44.Decrypt(ciphertext, ck)
		if err != nil {
			return "", scheme, fmt.Errorf("%w: nip44: %w", ErrDecryptionFailed, err)
		}
		return plain, scheme, nil
	}
}

// checkNIP04 rejects payloads the AES-CBC decrypter would panic on.
func checkNIP04(ciphertext string) error {
	body, ivPart, _ := strings.Cut(ciphertext, ivMarker)
	iv, err := base64.StdEncoding.DecodeString(ivPart)
	if err != nil || len(iv) != aes.BlockSize {
		return fmt.Errorf("bad iv")
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil || len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return fmt.Errorf("bad ciphertext length")
	}
	return nil
}

func (c *Cipher) Encrypt(plaintext string, peer string, scheme Scheme) (string, error) {
	switch scheme {
	case NIP04:
		key, err := c.sharedSecret(peer)
		if err != nil {
			return "", fmt.Errorf("failed to compute shared secret with %s: %w", peer, err)
		}
		return nip04.Encrypt(plaintext, key)
	case NIP44:
		ck, err := c.conversationKey(peer)
		if err != nil {
			return "", fmt.Errorf("failed to compute conversation key with %s: %w", peer, err)
		}
		return nip44.Encrypt(plaintext, ck)
	}
	return "", fmt.Errorf("unknown cipher scheme %d", scheme)
}

// Decrypt is a one-off Cipher.Decrypt.
func Decrypt(ciphertext, secretKey, peer string) (string, Scheme, error) {
	return New(secretKey).Decrypt(ciphertext, peer)
}

// Encrypt is a one-off Cipher.Encrypt.
func Encrypt(plaintext, secretKey, peer string, scheme Scheme) (string, error) {
	return New(secretKey).Encrypt(plaintext, peer, scheme)
}
