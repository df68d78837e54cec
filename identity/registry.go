// Package identity owns the signer identity (the key remote clients address)
// and the client identities (the keys that actually sign and encrypt on
// behalf of an account).
package identity

import (
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"sync"

	"github.com/nostria/signer/activation"
	"github.com/nostria/signer/keystore"
	"github.com/nostria/signer/state"
)

// call SetOutput on InfoLogger to enable info logging
var InfoLogger = log.New(io.Discard, "[identity] ", log.LstdFlags)

var (
	ErrNotFound      = errors.New("identity not found")
	ErrAlreadyExists = errors.New("identity already exists")
	ErrNoPrivateKey  = errors.New("private key unavailable")
)

type Registry struct {
	mu      sync.RWMutex
	signer  *Identity
	clients []Identity

	store       *state.Store
	keys        *keystore.Store
	activations *activation.Registry
}

func NewRegistry(store *state.Store, keys *keystore.Store, activations *activation.Registry) (*Registry, error) {
	r := &Registry{store: store, keys: keys, activations: activations}

	var signer Identity
	found, err := store.Load(state.KeySignerIdentity, &signer)
	if err != nil {
		return nil, err
	}
	if found && signer.PublicKey != "" {
		r.signer = &signer
		r.resolve(r.signer)
	}

	if _, err := store.Load(state.KeyClientIdentities, &r.clients); err != nil {
		return nil, err
	}
	for i := range r.clients {
		r.resolve(&r.clients[i])
	}

	return r, nil
}

// resolve fills in a private key that was persisted without one.
func (r *Registry) resolve(id *Identity) {
	if id.PrivateKey != "" {
		return
	}
	sk, err := r.keys.Get(id.PublicKey)
	if err != nil {
		InfoLogger.Printf("no private key for %s: %s", id.PublicKey, err)
		return
	}
	id.PrivateKey = sk
}

// persisted strips private keys while the key store is backed by the OS
// keychain.
func (r *Registry) persisted(id Identity) Identity {
	if r.keys.Tier() == keystore.Secure {
		return id.Public()
	}
	return id
}

func (r *Registry) saveSigner() error {
	if r.signer == nil {
		return r.store.Remove(state.KeySignerIdentity)
	}
	return r.store.Save(state.KeySignerIdentity, r.persisted(*r.signer))
}

func (r *Registry) saveClients() error {
	out := make([]Identity, len(r.clients))
	for i, id := range r.clients {
		out[i] = r.persisted(id)
	}
	return r.store.Save(state.KeyClientIdentities, out)
}

// GenerateSignerIdentity creates the bunker's own key together with one
// client identity and a pending activation for it, so a fresh install has a
// connection URL to hand out right away.
func (r *Registry) GenerateSignerIdentity() (Identity, string, error) {
	signer, err := Generate()
	if err != nil {
		return Identity{}, "", err
	}
	return r.installSigner(signer)
}

// ImportSignerIdentity uses an existing key as the signer identity and
// bootstraps a new client identity like GenerateSignerIdentity.
func (r *Registry) ImportSignerIdentity(encoded string) (Identity, string, error) {
	signer, err := ParseSecretKey(encoded)
	if err != nil {
		return Identity{}, "", err
	}
	return r.installSigner(signer)
}

func (r *Registry) installSigner(signer Identity) (Identity, string, error) {
	if _, err := r.keys.Put(signer.PublicKey, signer.PrivateKey); err != nil {
		return Identity{}, "", err
	}

	r.mu.Lock()
	previous := r.signer
	r.signer = &signer
	if err := r.saveSigner(); err != nil {
		r.signer = previous
		r.mu.Unlock()
		return Identity{}, "", fmt.Errorf("failed to save signer identity: %w", err)
	}
	r.mu.Unlock()

	client, err := Generate()
	if err != nil {
		return signer, "", err
	}
	_, secret, err := r.addClient(client)
	if err != nil {
		return signer, "", err
	}

	InfoLogger.Printf("signer identity is now %s", signer.PublicKey)
	return signer, secret, nil
}

// GenerateClientIdentity adds a client identity, random unless seed (a hex
// private key) is given, plus a pending activation for it.
func (r *Registry) GenerateClientIdentity(seed string) (Identity, string, error) {
	var id Identity
	var err error
	if seed == "" {
		id, err = Generate()
	} else {
		id, err = FromSecretKey(seed)
	}
	if err != nil {
		return Identity{}, "", err
	}
	return r.addClient(id)
}

// ImportIdentity adds a client identity from an nsec or hex key. Malformed
// input returns ErrInvalidFormat and leaves everything as it was.
func (r *Registry) ImportIdentity(encoded string) (Identity, string, error) {
	id, err := ParseSecretKey(encoded)
	if err != nil {
		return Identity{}, "", err
	}
	return r.addClient(id)
}

func (r *Registry) ImportMnemonic(words string) (Identity, string, error) {
	id, err := FromMnemonic(words)
	if err != nil {
		return Identity{}, "", err
	}
	return r.addClient(id)
}

func (r *Registry) addClient(id Identity) (Identity, string, error) {
	r.mu.Lock()
	if slices.ContainsFunc(r.clients, func(c Identity) bool { return c.PublicKey == id.PublicKey }) {
		r.mu.Unlock()
		return Identity{}, "", fmt.Errorf("%w: %s", ErrAlreadyExists, id.PublicKey)
	}
	if _, err := r.keys.Put(id.PublicKey, id.PrivateKey); err != nil {
		r.mu.Unlock()
		return Identity{}, "", err
	}
	r.clients = append(r.clients, id)
	if err := r.saveClients(); err != nil {
		r.clients = r.clients[:len(r.clients)-1]
		r.mu.Unlock()
		return Identity{}, "", fmt.Errorf("failed to save client identities: %w", err)
	}
	r.mu.Unlock()

	secret, err := r.activations.CreatePending(id.PublicKey)
	if err != nil {
		return id, "", err
	}
	return id, secret, nil
}

func (r *Registry) Signer() (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.signer == nil {
		return Identity{}, false
	}
	return *r.signer, true
}

// ListClientIdentities returns public keys only.
func (r *Registry) ListClientIdentities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Identity, len(r.clients))
	for i, id := range r.clients {
		out[i] = id.Public()
	}
	return out
}

// ClientIdentity returns the full key pair for a client identity.
func (r *Registry) ClientIdentity(publicKey string) (Identity, error) {
	r.mu.RLock()
	idx := slices.IndexFunc(r.clients, func(c Identity) bool { return c.PublicKey == publicKey })
	if idx < 0 {
		r.mu.RUnlock()
		return Identity{}, ErrNotFound
	}
	id := r.clients[idx]
	r.mu.RUnlock()

	if id.PrivateKey == "" {
		sk, err := r.keys.Get(publicKey)
		if err != nil {
			return Identity{}, fmt.Errorf("%w for %s: %w", ErrNoPrivateKey, publicKey, err)
		}
		id.PrivateKey = sk
	}
	return id, nil
}

// DeleteClientIdentity forgets a client identity, its activations and its
// stored private key. Deleting the signer's own key also clears the signer.
func (r *Registry) DeleteClientIdentity(publicKey string) error {
	r.mu.Lock()
	idx := slices.IndexFunc(r.clients, func(c Identity) bool { return c.PublicKey == publicKey })
	isSigner := r.signer != nil && r.signer.PublicKey == publicKey
	if idx < 0 && !isSigner {
		r.mu.Unlock()
		return ErrNotFound
	}

	if idx >= 0 {
		previous := r.clients
		r.clients = slices.Delete(slices.Clone(r.clients), idx, idx+1)
		if err := r.saveClients(); err != nil {
			r.clients = previous
			r.mu.Unlock()
			return fmt.Errorf("failed to save client identities: %w", err)
		}
	}
	if isSigner {
		r.signer = nil
		if err := r.saveSigner(); err != nil {
			InfoLogger.Printf("failed to remove signer identity record: %s", err)
		}
	}
	r.mu.Unlock()

	if _, err := r.keys.Delete(publicKey); err != nil {
		InfoLogger.Printf("failed to delete private key for %s: %s", publicKey, err)
	}
	return r.activations.DeleteByIdentity(publicKey)
}

// ResetAll wipes both key store tiers for every known key and forgets all
// identities and activations. It is the only way back to zero identities.
func (r *Registry) ResetAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var known []string
	if r.signer != nil {
		known = append(known, r.signer.PublicKey)
	}
	for _, c := range r.clients {
		known = append(known, c.PublicKey)
	}

	var errs []error
	if err := r.keys.Wipe(known); err != nil {
		errs = append(errs, err)
	}

	r.signer = nil
	r.clients = nil
	if err := r.store.Remove(state.KeySignerIdentity); err != nil {
		errs = append(errs, err)
	}
	if err := r.store.Remove(state.KeyClientIdentities); err != nil {
		errs = append(errs, err)
	}
	if err := r.activations.Reset(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
