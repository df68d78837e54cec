package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// Transport is the relay side of the manager.
type Transport interface {
	// Subscribe opens filter on every relay that accepts it and calls onEvent
	// for each incoming event. onClose is called at most once, when any of
	// the opened subscriptions ends without Close having been called.
	Subscribe(
		ctx context.Context,
		relays []string,
		filter nostr.Filter,
		onEvent func(*nostr.Event),
		onClose func(error),
	) (Subscription, error)

	// Publish succeeds when at least one relay accepted the event.
	Publish(ctx context.Context, relays []string, evt nostr.Event) error
}

type Subscription interface {
	Close()

	// Missing lists the relays that did not accept the subscription.
	Missing() []string
}

// RelayTransport talks to relays with go-nostr, keeping one connection per
// relay URL.
type RelayTransport struct {
	relays      *xsync.MapOf[string, *nostr.Relay]
	locks       *xsync.MapOf[string, *sync.Mutex]
	DialTimeout time.Duration
}

var _ Transport = (*RelayTransport)(nil)

func NewRelayTransport() *RelayTransport {
	return &RelayTransport{
		relays:      xsync.NewMapOf[string, *nostr.Relay](),
		locks:       xsync.NewMapOf[string, *sync.Mutex](),
		DialTimeout: 15 * time.Second,
	}
}

func (t *RelayTransport) ensureRelay(ctx context.Context, url string) (*nostr.Relay, error) {
	nm := nostr.NormalizeURL(url)

	lock, _ := t.locks.LoadOrCompute(nm, func() *sync.Mutex { return &sync.Mutex{} })
	lock.Lock()
	defer lock.Unlock()

	relay, ok := t.relays.Load(nm)
	if ok && relay.IsConnected() {
		return relay, nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.DialTimeout)
	defer cancel()
	relay, err := nostr.RelayConnect(ctx, nm)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", nm, err)
	}

	t.relays.Store(nm, relay)
	return relay, nil
}

type relaySubscription struct {
	cancel  context.CancelFunc
	missing []string
}

func (s *relaySubscription) Close() { s.cancel() }

func (s *relaySubscription) Missing() []string { return s.missing }

func (t *RelayTransport) Subscribe(
	ctx context.Context,
	urls []string,
	filter nostr.Filter,
	onEvent func(*nostr.Event),
	onClose func(error),
) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	type opened struct {
		relay *nostr.Relay
		sub   *nostr.Subscription
	}
	var subs []opened
	var errs []error
	var missing []string
	for _, url := range urls {
		relay, err := t.ensureRelay(ctx, url)
		if err != nil {
			errs = append(errs, err)
			missing = append(missing, url)
			continue
		}
		sub, err := relay.Subscribe(ctx, nostr.Filters{filter})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to subscribe on %s: %w", relay.URL, err))
			missing = append(missing, url)
			continue
		}
		subs = append(subs, opened{relay, sub})
	}

	if len(subs) == 0 {
		cancel()
		return nil, fmt.Errorf("no relay accepted the subscription: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		InfoLogger.Printf("%s", err)
	}

	var once sync.Once
	ended := func(reason error) {
		if ctx.Err() != nil {
			return
		}
		once.Do(func() {
			onClose(reason)
		})
	}

	for _, o := range subs {
		go func(relay *nostr.Relay, sub *nostr.Subscription) {
			for {
				select {
				case evt, more := <-sub.Events:
					if !more {
						ended(fmt.Errorf("subscription on %s ended", relay.URL))
						return
					}
					onEvent(evt)
				case reason := <-sub.ClosedReason:
					ended(fmt.Errorf("CLOSED from %s: '%s'", relay.URL, reason))
					return
				case <-relay.Context().Done():
					ended(fmt.Errorf("connection to %s lost", relay.URL))
					return
				case <-ctx.Done():
					return
				}
			}
		}(o.relay, o.sub)
	}

	return &relaySubscription{cancel: cancel, missing: missing}, nil
}

func (t *RelayTransport) Publish(ctx context.Context, urls []string, evt nostr.Event) error {
	if len(urls) == 0 {
		return errors.New("no relays to publish to")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(urls))

	for i, url := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay, err := t.ensureRelay(ctx, url)
			if err != nil {
				errs[i] = err
				return
			}
			if err := relay.Publish(ctx, evt); err != nil {
				errs[i] = fmt.Errorf("failed to publish to %s: %w", relay.URL, err)
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return errors.Join(errs...)
}

// Close drops every relay connection.
func (t *RelayTransport) Close() {
	t.relays.Range(func(url string, relay *nostr.Relay) bool {
		relay.Close()
		t.relays.Delete(url)
		return true
	})
}
