// Package bunker assembles a complete remote signer: storage, keys,
// identities, activations, the request dispatcher and the relay connection.
package bunker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/nostria/signer/activation"
	"github.com/nostria/signer/activity"
	"github.com/nostria/signer/connection"
	"github.com/nostria/signer/dispatch"
	"github.com/nostria/signer/identity"
	"github.com/nostria/signer/keystore"
	"github.com/nostria/signer/kvstore"
	"github.com/nostria/signer/kvstore/open"
	"github.com/nostria/signer/metrics"
	"github.com/nostria/signer/state"
	"github.com/prometheus/client_golang/prometheus"
)

// call SetOutput on InfoLogger to enable info logging
var InfoLogger = log.New(io.Discard, "[bunker] ", log.LstdFlags)

var ErrNoSigner = errors.New("no signer identity, run init first")

type Options struct {
	DataDir string
	Storage kvstore.Kind
	// KV replaces DataDir and Storage.
	KV kvstore.KVStore

	// Keychain enables the OS keychain tier. Secure overrides it with a
	// specific backend.
	Keychain bool
	Secure   keystore.SecureBackend

	// Transport defaults to go-nostr relay connections.
	Transport connection.Transport

	// Registerer receives the Prometheus collectors when set.
	Registerer prometheus.Registerer

	HealthInterval    time.Duration
	ReconnectDelay    time.Duration
	ReconnectCooldown time.Duration
	PublishTimeout    time.Duration
}

type Bunker struct {
	State       *state.Store
	Keys        *keystore.Store
	Activations *activation.Registry
	Identities  *identity.Registry
	Activity    *activity.Log
	Metrics     *metrics.Metrics
	Dispatcher  *dispatch.Dispatcher
	Connection  *connection.Manager

	relayTransport *connection.RelayTransport
}

func New(opts Options) (*Bunker, error) {
	kv := opts.KV
	if kv == nil {
		var err error
		kv, err = open.Open(opts.Storage, opts.DataDir)
		if err != nil {
			return nil, err
		}
	}

	b := &Bunker{State: state.New(kv)}
	if err := b.init(opts); err != nil {
		b.State.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bunker) init(opts Options) error {
	secure := opts.Secure
	if secure == nil && opts.Keychain {
		secure = keystore.NewKeychain(keystore.Service)
	}
	b.Keys = keystore.New(secure, b.State.KV())
	InfoLogger.Printf("key store tier: %s", b.Keys.Tier())

	var err error
	if b.Activations, err = activation.NewRegistry(b.State); err != nil {
		return err
	}
	if b.Identities, err = identity.NewRegistry(b.State, b.Keys, b.Activations); err != nil {
		return err
	}
	if b.Activity, err = activity.New(b.State); err != nil {
		return err
	}
	b.Metrics = metrics.New(opts.Registerer)
	b.Activations.OnChange(b.countActivations)
	b.countActivations(b.Activations.All())
	b.Dispatcher = dispatch.New(b.Identities, b.Activations, b.Activity, b.Metrics)

	transport := opts.Transport
	if transport == nil {
		b.relayTransport = connection.NewRelayTransport()
		transport = b.relayTransport
	}

	b.Connection, err = connection.NewManager(connection.Options{
		Transport:      transport,
		Handler:        b.Dispatcher,
		Signer:         b.Identities,
		Store:          b.State,
		Activity:       b.Activity,
		Metrics:        b.Metrics,
		HealthInterval: opts.HealthInterval,
		ReconnectDelay: opts.ReconnectDelay,
		Cooldown:       opts.ReconnectCooldown,
		PublishTimeout: opts.PublishTimeout,
	})
	return err
}

func (b *Bunker) countActivations(all []activation.Activation) {
	var active, pending int
	for _, a := range all {
		if a.IsPending() {
			pending++
		} else {
			active++
		}
	}
	b.Metrics.Activations(active, pending)
}

// Start connects to the relays and keeps the connection healthy until ctx
// is done. A failed first attempt is retried by the health check.
func (b *Bunker) Start(ctx context.Context) error {
	if _, ok := b.Identities.Signer(); !ok {
		return ErrNoSigner
	}
	if err := b.Connection.Start(ctx); err != nil {
		InfoLogger.Printf("first connection attempt failed: %s", err)
	}
	return nil
}

// GenerateSignerIdentity replaces the signer key and listens on the new one.
func (b *Bunker) GenerateSignerIdentity() (identity.Identity, string, error) {
	return b.resubscribeAfter(b.Identities.GenerateSignerIdentity)
}

func (b *Bunker) ImportSignerIdentity(encoded string) (identity.Identity, string, error) {
	return b.resubscribeAfter(func() (identity.Identity, string, error) {
		return b.Identities.ImportSignerIdentity(encoded)
	})
}

func (b *Bunker) resubscribeAfter(fn func() (identity.Identity, string, error)) (identity.Identity, string, error) {
	signer, secret, err := fn()
	if err != nil {
		return signer, secret, err
	}
	if b.Connection.State() != connection.Disconnected {
		b.Connection.Disconnect()
		if err := b.Connection.Connect(); err != nil {
			InfoLogger.Printf("failed to resubscribe with the new signer key: %s", err)
		}
	}
	return signer, secret, nil
}

// ConnectionURL is what a client pastes to reach the signer through a. The
// secret is only included while a is pending.
func (b *Bunker) ConnectionURL(a activation.Activation) (string, error) {
	signer, ok := b.Identities.Signer()
	if !ok {
		return "", ErrNoSigner
	}
	return ConnectionURL(signer.PublicKey, b.Connection.Relays(), a), nil
}

// PendingConnectionURLs lists the URLs of every activation still waiting for
// its first connect.
func (b *Bunker) PendingConnectionURLs() ([]string, error) {
	var urls []string
	for _, a := range b.Activations.All() {
		if !a.IsPending() {
			continue
		}
		u, err := b.ConnectionURL(a)
		if err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func ConnectionURL(signerPubkey string, relays []string, a activation.Activation) string {
	var sb strings.Builder
	sb.WriteString("bunker://")
	sb.WriteString(signerPubkey)

	sep := byte('?')
	for _, r := range relays {
		sb.WriteByte(sep)
		sb.WriteString("relay=")
		sb.WriteString(url.QueryEscape(r))
		sep = '&'
	}
	if a.IsPending() && a.Secret != "" {
		sb.WriteByte(sep)
		sb.WriteString("secret=")
		sb.WriteString(url.QueryEscape(a.Secret))
	}
	return sb.String()
}

// Reset forgets every identity, activation, relay and log entry and wipes
// both key store tiers.
func (b *Bunker) Reset() error {
	b.Connection.Disconnect()

	var errs []error
	if err := b.Identities.ResetAll(); err != nil {
		errs = append(errs, err)
	}
	if err := b.Connection.UpdateRelays(nil); err != nil {
		errs = append(errs, err)
	}
	if err := b.State.Remove(state.KeyRelays); err != nil {
		errs = append(errs, err)
	}
	if err := b.Activity.Reset(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reset incomplete: %w", err)
	}
	InfoLogger.Printf("everything was reset")
	return nil
}

func (b *Bunker) Close() error {
	b.Connection.Close()
	if b.relayTransport != nil {
		b.relayTransport.Close()
	}
	return b.State.Close()
}
