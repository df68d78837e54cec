// Package activation tracks which external client applications may talk to
// which client identity. A record starts pending, holding a one-time secret,
// and is bound to the requesting client's public key by the first connect
// that presents that secret.
package activation

import (
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nostria/signer/envelope"
	"github.com/nostria/signer/state"
)

// call SetOutput on InfoLogger to enable info logging
var InfoLogger = log.New(io.Discard, "[activation] ", log.LstdFlags)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("activation not found")
)

// Pending is the client public key of a record nobody has claimed yet.
const Pending = "pending"

type Activation struct {
	ClientPubkey  string          `json:"clientPubkey"`
	Pubkey        string          `json:"pubkey"`
	ActivatedDate time.Time       `json:"activatedDate"`
	Secret        string          `json:"secret,omitempty"`
	Permissions   Permissions     `json:"permissions"`
	ClientID      string          `json:"clientId,omitempty"`
	CipherScheme  envelope.Scheme `json:"cipherScheme"`
}

func (a Activation) IsPending() bool { return a.ClientPubkey == Pending }

func (a Activation) Key() Key {
	return Key{ClientPubkey: a.ClientPubkey, IdentityPubkey: a.Pubkey, Secret: a.Secret}
}

// Key addresses one record: (client, identity, secret) while pending and
// (client, identity) with an empty Secret once activated.
type Key struct {
	ClientPubkey   string
	IdentityPubkey string
	Secret         string
}

func (k Key) matches(a Activation) bool {
	return a.ClientPubkey == k.ClientPubkey && a.Pubkey == k.IdentityPubkey && a.Secret == k.Secret
}

type Registry struct {
	mu        sync.RWMutex
	list      []Activation
	store     *state.Store
	observers []func([]Activation)

	now func() time.Time
}

// NewRegistry loads the persisted records. store may be nil for a purely
// in-memory registry.
func NewRegistry(store *state.Store) (*Registry, error) {
	r := &Registry{store: store, now: time.Now}
	if store != nil {
		if _, err := store.Load(state.KeyActivations, &r.list); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// OnChange registers fn to be called with a snapshot after every mutation.
func (r *Registry) OnChange(fn func([]Activation)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// commit persists next and only then makes it current. Callers hold r.mu.
func (r *Registry) commit(next []Activation) error {
	if r.store != nil {
		if err := r.store.Save(state.KeyActivations, next); err != nil {
			return err
		}
	}
	r.list = next
	return nil
}

func (r *Registry) notify() {
	r.mu.RLock()
	snapshot := slices.Clone(r.list)
	observers := slices.Clone(r.observers)
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

// CreatePending adds a pending record for the identity with the default
// permissions and returns its secret.
func (r *Registry) CreatePending(identityPubkey string) (string, error) {
	secret := uuid.NewString()

	r.mu.Lock()
	next := append(slices.Clone(r.list), Activation{
		ClientPubkey:  Pending,
		Pubkey:        identityPubkey,
		ActivatedDate: r.now().UTC(),
		Secret:        secret,
		Permissions:   DefaultPermissions(),
		CipherScheme:  envelope.NIP44,
	})
	err := r.commit(next)
	r.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to save activation: %w", err)
	}

	r.notify()
	return secret, nil
}

// TryActivate binds the single pending record holding secret to requester.
// Anything but exactly one match returns ErrUnauthorized and changes nothing.
func (r *Registry) TryActivate(secret, requester, clientID string, scheme envelope.Scheme) (Activation, error) {
	if secret == "" {
		return Activation{}, ErrUnauthorized
	}

	r.mu.Lock()
	idx := -1
	for i, a := range r.list {
		if !a.IsPending() || a.Secret != secret {
			continue
		}
		if idx >= 0 {
			r.mu.Unlock()
			InfoLogger.Printf("refusing activation: secret matches more than one record")
			return Activation{}, ErrUnauthorized
		}
		idx = i
	}
	if idx < 0 {
		r.mu.Unlock()
		return Activation{}, ErrUnauthorized
	}

	next := slices.Clone(r.list)
	activated := next[idx]
	activated.ClientPubkey = requester
	activated.ClientID = clientID
	activated.Secret = ""
	activated.CipherScheme = scheme
	activated.ActivatedDate = r.now().UTC()
	next[idx] = activated

	err := r.commit(next)
	r.mu.Unlock()
	if err != nil {
		return Activation{}, fmt.Errorf("failed to save activation: %w", err)
	}

	r.notify()
	return activated, nil
}

// FindByRequester returns the first activated record for a client key.
// Two applications sharing one client key cannot be told apart here.
func (r *Registry) FindByRequester(pubkey string) (Activation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.list {
		if !a.IsPending() && a.ClientPubkey == pubkey {
			return a, true
		}
	}
	return Activation{}, false
}

func (r *Registry) UpdatePermissions(key Key, permissions Permissions) error {
	if err := permissions.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	next := slices.Clone(r.list)
	found := false
	for i := range next {
		if key.matches(next[i]) {
			next[i].Permissions = slices.Clone(permissions)
			found = true
		}
	}
	if !found {
		r.mu.Unlock()
		return ErrNotFound
	}
	err := r.commit(next)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save permissions: %w", err)
	}

	r.notify()
	return nil
}

func (r *Registry) Delete(key Key) error {
	return r.deleteWhere(key.matches)
}

// DeleteByIdentity drops every record pointing at a client identity.
func (r *Registry) DeleteByIdentity(identityPubkey string) error {
	err := r.deleteWhere(func(a Activation) bool { return a.Pubkey == identityPubkey })
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (r *Registry) deleteWhere(match func(Activation) bool) error {
	r.mu.Lock()
	next := slices.DeleteFunc(slices.Clone(r.list), match)
	if len(next) == len(r.list) {
		r.mu.Unlock()
		return ErrNotFound
	}
	err := r.commit(next)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to save activations: %w", err)
	}

	r.notify()
	return nil
}

func (r *Registry) ListByIdentity(pubkey string) []Activation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Activation
	for _, a := range r.list {
		if a.Pubkey == pubkey {
			out = append(out, a)
		}
	}
	return out
}

func (r *Registry) All() []Activation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.list)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

// Reset forgets every record, including the persisted list.
func (r *Registry) Reset() error {
	r.mu.Lock()
	if r.store != nil {
		if err := r.store.Remove(state.KeyActivations); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.list = nil
	r.mu.Unlock()

	r.notify()
	return nil
}
