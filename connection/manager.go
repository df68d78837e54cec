// Package connection keeps the signer subscribed to its relays, feeds inbound
// requests to the dispatcher and publishes the answers.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nostria/signer/activity"
	"github.com/nostria/signer/dispatch"
	"github.com/nostria/signer/identity"
	"github.com/nostria/signer/metrics"
	"github.com/nostria/signer/state"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

var (
	// call SetOutput on InfoLogger to enable info logging
	InfoLogger = log.New(io.Discard, "[connection][info] ", log.LstdFlags)

	// call SetOutput on DebugLogger to enable debug logging
	DebugLogger = log.New(io.Discard, "[connection][debug] ", log.LstdFlags)
)

const DefaultRelay = "wss://relay.angor.io/"

const (
	DefaultHealthInterval = 30 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultCooldown       = 10 * time.Second
	DefaultPublishTimeout = 10 * time.Second

	peerQueueSize   = 64
	peerIdleTimeout = time.Minute
	seenTTL         = 10 * time.Minute
)

var (
	ErrClosed       = errors.New("connection manager is closed")
	ErrNoSigner     = errors.New("no signer identity to listen for")
	ErrInvalidRelay = errors.New("invalid relay url")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Handler interface {
	HandleRequest(context.Context, *nostr.Event) (
		req dispatch.Request,
		resp dispatch.Response,
		eventResponse nostr.Event,
		err error,
	)
}

type SignerSource interface {
	Signer() (identity.Identity, bool)
}

type Options struct {
	Transport Transport
	Handler   Handler
	Signer    SignerSource

	// optional
	Store    *state.Store
	Activity *activity.Log
	Metrics  *metrics.Metrics

	// zero values take the defaults above
	HealthInterval time.Duration
	ReconnectDelay time.Duration
	Cooldown       time.Duration
	PublishTimeout time.Duration
}

type Manager struct {
	transport Transport
	handler   Handler
	signer    SignerSource
	store     *state.Store
	activity  *activity.Log
	metrics   *metrics.Metrics

	healthInterval time.Duration
	reconnectDelay time.Duration
	publishTimeout time.Duration
	cooldown       *rate.Sometimes

	ctx    context.Context
	cancel context.CancelFunc

	// serializes whole connection attempts
	connectMu sync.Mutex

	mu          sync.Mutex
	state       State
	relays      []string
	sub         Subscription
	generation  int
	lost        int
	resumeFrom  nostr.Timestamp
	timer       *time.Timer
	started     bool
	closed      bool
	observers   []func(State)
	transitions []State

	queuesMu sync.Mutex
	queues   map[string]chan *nostr.Event
	draining bool
	workers  sync.WaitGroup

	seen *xsync.MapOf[string, time.Time]
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil || opts.Handler == nil || opts.Signer == nil {
		return nil, errors.New("transport, handler and signer are required")
	}

	m := &Manager{
		transport:      opts.Transport,
		handler:        opts.Handler,
		signer:         opts.Signer,
		store:          opts.Store,
		activity:       opts.Activity,
		metrics:        opts.Metrics,
		healthInterval: orDefault(opts.HealthInterval, DefaultHealthInterval),
		reconnectDelay: orDefault(opts.ReconnectDelay, DefaultReconnectDelay),
		publishTimeout: orDefault(opts.PublishTimeout, DefaultPublishTimeout),
		cooldown:       &rate.Sometimes{Interval: orDefault(opts.Cooldown, DefaultCooldown)},
		queues:         make(map[string]chan *nostr.Event),
		seen:           xsync.NewMapOf[string, time.Time](),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if m.store != nil {
		if _, err := m.store.Load(state.KeyRelays, &m.relays); err != nil {
			return nil, err
		}
	}
	if len(m.relays) == 0 {
		m.relays = []string{DefaultRelay}
	}
	m.metrics.Relays(len(m.relays))
	m.metrics.ConnectionState(int(Disconnected))

	return m, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func (m *Manager) record(typ activity.Type, message string, details any) {
	if m.activity != nil {
		m.activity.Add(typ, message, details, "")
	}
}

// setState must be called with mu held. Observers run once mu is released.
func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.transitions = append(m.transitions, s)
}

func (m *Manager) unlock() {
	transitions := m.transitions
	m.transitions = nil
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	for _, s := range transitions {
		DebugLogger.Printf("state: %s", s)
		m.metrics.ConnectionState(int(s))
		for _, fn := range observers {
			fn(s)
		}
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers fn to be called after every transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) Relays() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.relays)
}

// Connect subscribes to the signer's requests on every configured relay. It
// does nothing when already connected.
func (m *Manager) Connect() error {
	return m.connect(false)
}

// connect with force replaces a live subscription too.
func (m *Manager) connect(force bool) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Connected && !force {
		m.mu.Unlock()
		return nil
	}
	m.generation++
	gen := m.generation
	previous := m.sub
	m.sub = nil
	relays := slices.Clone(m.relays)
	since := m.resumeFrom
	switch {
	case since == 0 && force:
		// overlap with the subscription being replaced, duplicates are skipped
		since = nostr.Timestamp(time.Now().Add(-m.healthInterval).Unix())
	case since == 0:
		since = nostr.Now()
	}
	m.setState(Connecting)
	m.unlock()

	if previous != nil {
		previous.Close()
	}

	signer, ok := m.signer.Signer()
	if !ok {
		m.mu.Lock()
		if gen == m.generation {
			m.setState(Disconnected)
		}
		m.unlock()
		return ErrNoSigner
	}

	filter := nostr.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		Tags:  nostr.TagMap{"p": []string{signer.PublicKey}},
		Since: &since,
	}

	InfoLogger.Printf("subscribing on %s", strings.Join(relays, ", "))
	sub, err := m.transport.Subscribe(m.ctx, relays, filter, m.enqueue, func(err error) {
		m.transportClosed(gen, err)
	})

	m.mu.Lock()
	if err != nil {
		if gen == m.generation && !m.closed {
			m.setState(Disconnected)
			m.scheduleReconnect()
		}
		m.unlock()
		m.record(activity.Error, "Failed to connect to relays", map[string]any{"error": err.Error()})
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if m.closed || gen != m.generation || m.lost == gen {
		stale := m.closed || gen != m.generation
		if !stale {
			m.setState(Disconnected)
			m.scheduleReconnect()
		}
		m.unlock()
		sub.Close()
		return fmt.Errorf("subscription ended while connecting")
	}

	// optimistic: the first request is the real confirmation
	m.sub = sub
	m.resumeFrom = 0
	m.setState(Connected)
	m.unlock()

	m.record(activity.Connection, "Connected to relays", map[string]any{"relays": relays})
	return nil
}

func (m *Manager) transportClosed(gen int, reason error) {
	m.mu.Lock()
	if gen != m.generation || m.closed {
		m.unlock()
		return
	}
	if m.sub == nil {
		// Subscribe has not returned yet
		m.lost = gen
		m.unlock()
		return
	}

	sub := m.sub
	m.sub = nil
	m.resumeFrom = nostr.Now()
	m.setState(Disconnected)
	m.scheduleReconnect()
	m.unlock()

	sub.Close()
	InfoLogger.Printf("relay subscription closed: %s", reason)
	m.record(activity.Connection, "Disconnected from relays", map[string]any{"reason": reason.Error()})
}

// scheduleReconnect must be called with mu held.
func (m *Manager) scheduleReconnect() {
	if m.closed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.reconnectDelay, m.CheckHealth)
}

// CheckHealth reconnects when disconnected and resubscribes when some relay
// refused the current subscription, at most once per cooldown period.
func (m *Manager) CheckHealth() {
	m.checkHealth(false)
}

// Resume is called after the process wakes up from sleep. Relay sockets
// rarely survive a suspend, so a live subscription is replaced as well.
func (m *Manager) Resume() {
	DebugLogger.Printf("resumed, checking connection")
	m.checkHealth(true)
}

func (m *Manager) checkHealth(resumed bool) {
	m.pruneSeen()

	m.mu.Lock()
	st := m.state
	var missing []string
	if m.sub != nil {
		missing = m.sub.Missing()
	}
	m.mu.Unlock()

	force := false
	switch {
	case st == Disconnected:
	case st == Connected && resumed:
		force = true
	case st == Connected && len(missing) > 0:
		DebugLogger.Printf("not subscribed on %s", strings.Join(missing, ", "))
		force = true
	default:
		return
	}

	m.cooldown.Do(func() {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if err := m.connect(force); err != nil && !errors.Is(err, ErrNoSigner) {
			InfoLogger.Printf("reconnect failed: %s", err)
		}
	})
}

// sleptThrough reports whether the wall clock moved far more than one tick,
// which happens when the machine was suspended between two ticks.
func sleptThrough(last, now time.Time, interval time.Duration) bool {
	return now.Sub(last) > 2*interval
}

// Start connects and then runs the health check every interval until ctx
// is done or the manager is closed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	started := m.started
	m.started = true
	m.mu.Unlock()

	err := m.Connect()

	if !started {
		go func() {
			ticker := time.NewTicker(m.healthInterval)
			defer ticker.Stop()

			// wall clock only, the monotonic one stops during suspend
			last := time.Now().Round(0)
			for {
				select {
				case <-ticker.C:
					now := time.Now().Round(0)
					if sleptThrough(last, now, m.healthInterval) {
						InfoLogger.Printf("no tick for %s, assuming the machine slept", now.Sub(last).Round(time.Second))
						m.Resume()
					} else {
						m.CheckHealth()
					}
					last = now
				case <-ctx.Done():
					return
				case <-m.ctx.Done():
					return
				}
			}
		}()
	}

	return err
}

// NormalizeRelays trims, validates and de-duplicates a relay list. An empty
// result becomes the default relay.
func NormalizeRelays(relays []string) ([]string, error) {
	var out []string
	var keys []string
	for _, r := range relays {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		u, err := url.Parse(r)
		if err != nil || (u.Scheme != "wss" && u.Scheme != "ws") || u.Host == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRelay, r)
		}
		key := nostr.NormalizeURL(r)
		if slices.Contains(keys, key) {
			continue
		}
		keys = append(keys, key)
		out = append(out, r)
	}
	if len(out) == 0 {
		return []string{DefaultRelay}, nil
	}
	return out, nil
}

// UpdateRelays replaces and persists the relay list. A running manager
// rebuilds its subscription against the new set.
func (m *Manager) UpdateRelays(relays []string) error {
	next, err := NormalizeRelays(relays)
	if err != nil {
		return err
	}

	if m.store != nil {
		if err := m.store.Save(state.KeyRelays, next); err != nil {
			return fmt.Errorf("failed to save relays: %w", err)
		}
	}

	m.mu.Lock()
	if slices.Equal(next, m.relays) {
		m.mu.Unlock()
		return nil
	}
	m.relays = next
	reconnect := m.started && !m.closed
	var previous Subscription
	if reconnect {
		previous = m.sub
		m.sub = nil
		m.generation++
		m.setState(Disconnected)
	}
	m.unlock()
	m.metrics.Relays(len(next))
	m.record(activity.Connection, "Relays updated", map[string]any{"relays": next})

	if previous != nil {
		previous.Close()
	}
	if reconnect {
		if err := m.Connect(); err != nil && !errors.Is(err, ErrNoSigner) {
			return err
		}
	}
	return nil
}

// Disconnect drops the subscription without scheduling a reconnect. The
// health check will bring it back unless the manager is closed.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.generation++
	m.setState(Disconnected)
	m.unlock()

	if sub != nil {
		sub.Close()
	}
}

// Close releases the subscription, stops every timer and waits until every
// queued request has been answered.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	sub := m.sub
	m.sub = nil
	m.generation++
	m.setState(Disconnected)
	m.unlock()

	if sub != nil {
		sub.Close()
	}

	// workers exit once their closed queue is empty
	m.queuesMu.Lock()
	m.draining = true
	for peer, q := range m.queues {
		close(q)
		delete(m.queues, peer)
	}
	m.queuesMu.Unlock()
	m.workers.Wait()

	m.cancel()
}

func (m *Manager) pruneSeen() {
	cutoff := time.Now().Add(-seenTTL)
	m.seen.Range(func(id string, at time.Time) bool {
		if at.Before(cutoff) {
			m.seen.Delete(id)
		}
		return true
	})
}

// enqueue hands an event to its sender's queue. Events from one sender are
// processed in order, one at a time; different senders run concurrently.
func (m *Manager) enqueue(evt *nostr.Event) {
	if _, seen := m.seen.LoadOrStore(evt.ID, time.Now()); seen {
		return
	}

	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()

	if m.draining {
		return
	}

	q, ok := m.queues[evt.PubKey]
	if !ok {
		q = make(chan *nostr.Event, peerQueueSize)
		m.queues[evt.PubKey] = q
		m.workers.Add(1)
		go m.worker(evt.PubKey, q)
	}

	select {
	case q <- evt:
	default:
		InfoLogger.Printf("queue for %s is full, dropping %s", evt.PubKey, evt.ID)
	}
}

func (m *Manager) worker(peer string, q chan *nostr.Event) {
	defer m.workers.Done()

	idle := time.NewTimer(peerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case evt, ok := <-q:
			if !ok {
				return
			}
			m.process(evt)
			idle.Reset(peerIdleTimeout)
		case <-idle.C:
			m.queuesMu.Lock()
			if len(q) == 0 && !m.draining {
				delete(m.queues, peer)
				m.queuesMu.Unlock()
				return
			}
			m.queuesMu.Unlock()
			idle.Reset(peerIdleTimeout)
		}
	}
}

func (m *Manager) process(evt *nostr.Event) {
	req, resp, out, err := m.handler.HandleRequest(m.ctx, evt)
	if err != nil {
		DebugLogger.Printf("no answer to %s from %s: %s", evt.ID, evt.PubKey, err)
		return
	}
	DebugLogger.Printf("answering %s to %s: %s", req.Method, evt.PubKey, resp)

	// not tied to m.ctx so answers still go out while Close drains
	relays := m.Relays()
	ctx, cancel := context.WithTimeout(context.Background(), m.publishTimeout)
	defer cancel()

	err = m.transport.Publish(ctx, relays, out)
	m.metrics.Publish(err)
	if err != nil {
		InfoLogger.Printf("failed to publish response to %s: %s", evt.PubKey, err)
		m.record(activity.Error, "Failed to publish response", map[string]any{"error": err.Error()})
	}
}
