package keystore

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/zalando/go-keyring"
)

// Service is the keychain service name entries are filed under.
const Service = "nostria-signer"

// Keychain stores keys in the OS keychain (macOS Keychain, Windows
// Credential Manager, Secret Service on Linux).
type Keychain struct {
	service string
}

// NewKeychain returns nil on platforms without a keychain, which makes New
// start in the Fallback tier.
func NewKeychain(service string) SecureBackend {
	if !Supported(runtime.GOOS) {
		return nil
	}
	if service == "" {
		service = Service
	}
	return Keychain{service: service}
}

func Supported(goos string) bool {
	switch goos {
	case "android", "ios", "js", "wasip1", "plan9":
		return false
	}
	return true
}

func (k Keychain) Save(publicKey, privateKey string) error {
	if err := keyring.Set(k.service, publicKey, privateKey); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

func (k Keychain) Load(publicKey string) (string, error) {
	v, err := keyring.Get(k.service, publicKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keychain get: %w", err)
	}
	return v, nil
}

func (k Keychain) Delete(publicKey string) error {
	err := keyring.Delete(k.service, publicKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("keychain delete: %w", err)
	}
	return nil
}
