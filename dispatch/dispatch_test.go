package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nostria/signer/activation"
	"github.com/nostria/signer/activity"
	"github.com/nostria/signer/envelope"
	"github.com/nostria/signer/identity"
	"github.com/nostria/signer/keystore"
	"github.com/nostria/signer/kvstore/memory"
	"github.com/nostria/signer/metrics"
	"github.com/nostria/signer/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t           *testing.T
	dispatcher  *Dispatcher
	identities  *identity.Registry
	activations *activation.Registry
	activity    *activity.Log
	signer      identity.Identity
	client      identity.Identity
	secret      string
}

func newHarness(t *testing.T) *harness {
	st := state.New(memory.NewStore())
	keys := keystore.New(nil, st.KV())
	activations, err := activation.NewRegistry(st)
	require.NoError(t, err)
	identities, err := identity.NewRegistry(st, keys, activations)
	require.NoError(t, err)
	log, err := activity.New(nil)
	require.NoError(t, err)

	signer, secret, err := identities.GenerateSignerIdentity()
	require.NoError(t, err)
	clients := identities.ListClientIdentities()
	require.Len(t, clients, 1)

	return &harness{
		t:           t,
		dispatcher:  New(identities, activations, log, nil),
		identities:  identities,
		activations: activations,
		activity:    log,
		signer:      signer,
		client:      clients[0],
		secret:      secret,
	}
}

type app struct {
	sk  string
	pub string
}

func newApp(t *testing.T) app {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return app{sk: sk, pub: pub}
}

func (h *harness) request(a app, scheme envelope.Scheme, id, method string, params ...string) *nostr.Event {
	if params == nil {
		params = []string{}
	}
	payload, err := json.Marshal(map[string]any{"id": id, "method": method, "params": params})
	require.NoError(h.t, err)
	return h.raw(a, scheme, string(payload))
}

func (h *harness) raw(a app, scheme envelope.Scheme, payload string) *nostr.Event {
	ciphertext, err := envelope.Encrypt(payload, a.sk, h.signer.PublicKey, scheme)
	require.NoError(h.t, err)

	evt := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{nostr.Tag{"p", h.signer.PublicKey}},
		Content:   ciphertext,
	}
	require.NoError(h.t, evt.Sign(a.sk))
	return evt
}

// handle runs a request that must be answered and decodes the answer.
func (h *harness) handle(a app, evt *nostr.Event) (Response, envelope.Scheme) {
	_, resp, out, err := h.dispatcher.HandleRequest(context.Background(), evt)
	require.NoError(h.t, err)

	require.Equal(h.t, nostr.KindNostrConnect, out.Kind)
	require.Equal(h.t, h.signer.PublicKey, out.PubKey)
	require.Equal(h.t, nostr.Tags{nostr.Tag{"p", a.pub}}, out.Tags)
	ok, err := out.CheckSignature()
	require.NoError(h.t, err)
	require.True(h.t, ok)

	plaintext, scheme, err := envelope.Decrypt(out.Content, a.sk, h.signer.PublicKey)
	require.NoError(h.t, err)
	var decoded Response
	require.NoError(h.t, json.Unmarshal([]byte(plaintext), &decoded))
	require.Equal(h.t, resp, decoded)
	return decoded, scheme
}

func (h *harness) connect(a app, scheme envelope.Scheme) {
	resp, _ := h.handle(a, h.request(a, scheme, "c1", MethodConnect, h.signer.PublicKey, h.secret))
	require.Nil(h.t, resp.Error)
	require.Equal(h.t, "ack", resp.Result)
}

func TestConnectActivates(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)

	resp, scheme := h.handle(a, h.request(a, envelope.NIP44, "req-1", MethodConnect, h.signer.PublicKey, h.secret))
	require.Equal(t, Response{ID: "req-1", Result: "ack"}, resp)
	require.Equal(t, envelope.NIP44, scheme)

	act, ok := h.activations.FindByRequester(a.pub)
	require.True(t, ok)
	require.Equal(t, h.client.PublicKey, act.Pubkey)
	require.Empty(t, act.Secret)
	require.Equal(t, "req-1", act.ClientID)

	connected := h.activity.Filter(activity.Connection, "")
	require.Len(t, connected, 1)
	require.Equal(t, "New client connected", connected[0].Message)

	// the secret is spent
	b := newApp(t)
	resp, scheme = h.handle(b, h.request(b, envelope.NIP04, "req-2", MethodConnect, h.signer.PublicKey, h.secret))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeUnauthorized, resp.Error.Code)
	require.Equal(t, envelope.NIP04, scheme)
	_, ok = h.activations.FindByRequester(b.pub)
	require.False(t, ok)
}

func TestConnectRequestedPermissionsAreNotGranted(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)

	h.handle(a, h.request(a, envelope.NIP44, "c", MethodConnect, h.signer.PublicKey, h.secret, "sign_event:42,nip44_encrypt"))

	act, ok := h.activations.FindByRequester(a.pub)
	require.True(t, ok)
	require.Equal(t, activation.DefaultPermissions(), act.Permissions)
	require.False(t, act.Permissions.Has("sign_event:42"))
}

func TestConnectDropped(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	other := newApp(t)

	_, _, _, err := h.dispatcher.HandleRequest(context.Background(),
		h.request(a, envelope.NIP44, "c", MethodConnect, other.pub, h.secret))
	require.ErrorIs(t, err, ErrSignerMismatch)

	_, _, _, err = h.dispatcher.HandleRequest(context.Background(),
		h.request(a, envelope.NIP44, "c", MethodConnect, h.signer.PublicKey))
	require.ErrorIs(t, err, ErrUnparseable)

	pending := h.activations.ListByIdentity(h.client.PublicKey)
	require.Len(t, pending, 1)
	require.True(t, pending[0].IsPending())
}

func TestUnknownRequesterIsDropped(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)

	for _, method := range []string{MethodGetPublicKey, MethodPing, "made_up"} {
		_, resp, out, err := h.dispatcher.HandleRequest(context.Background(), h.request(a, envelope.NIP44, "x", method))
		require.ErrorIs(t, err, ErrUnknownRequester)
		require.Zero(t, resp)
		require.Empty(t, out.ID)
		require.Empty(t, out.Sig)
	}
}

func TestSchemeIsSticky(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)

	_, scheme := h.handle(a, h.request(a, envelope.NIP04, "c", MethodConnect, h.signer.PublicKey, h.secret))
	require.Equal(t, envelope.NIP04, scheme)

	resp, scheme := h.handle(a, h.request(a, envelope.NIP44, "p", MethodPing))
	require.Equal(t, "pong", resp.Result)
	require.Equal(t, envelope.NIP04, scheme)

	act, _ := h.activations.FindByRequester(a.pub)
	require.Equal(t, envelope.NIP04, act.CipherScheme)
}

func TestGetPublicKey(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	h.connect(a, envelope.NIP44)

	resp, _ := h.handle(a, h.request(a, envelope.NIP44, "g", MethodGetPublicKey))
	require.Equal(t, h.client.PublicKey, resp.Result)

	act, _ := h.activations.FindByRequester(a.pub)
	require.NoError(t, h.activations.UpdatePermissions(act.Key(), act.Permissions.Without(activation.PermGetPublicKey)))

	resp, _ = h.handle(a, h.request(a, envelope.NIP44, "g", MethodGetPublicKey))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodePermissionDenied, resp.Error.Code)
	require.Empty(t, resp.Result)
}

func TestPingNeedsNoPermission(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	h.connect(a, envelope.NIP44)

	act, _ := h.activations.FindByRequester(a.pub)
	require.NoError(t, h.activations.UpdatePermissions(act.Key(), activation.Permissions{}))

	resp, _ := h.handle(a, h.request(a, envelope.NIP44, "p", MethodPing))
	require.Equal(t, Response{ID: "p", Result: "pong"}, resp)
}

func TestSignEvent(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	h.connect(a, envelope.NIP44)

	unsigned := `{"kind":1,"created_at":1700000000,"tags":[["t","nostr"]],"content":"hello","pubkey":"` + a.pub + `"}`
	resp, _ := h.handle(a, h.request(a, envelope.NIP44, "s", MethodSignEvent, unsigned))
	require.Nil(t, resp.Error)

	var signed nostr.Event
	require.NoError(t, easyjson.Unmarshal([]byte(resp.Result), &signed))
	require.Equal(t, h.client.PublicKey, signed.PubKey)
	require.Equal(t, "hello", signed.Content)
	require.Equal(t, nostr.Timestamp(1700000000), signed.CreatedAt)
	require.Equal(t, signed.GetID(), signed.ID)
	ok, err := signed.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, h.activity.Filter(activity.SignRequest, a.pub), 1)
}

func TestSignEventPermissionByKind(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	h.connect(a, envelope.NIP44)

	kind7 := `{"kind":7,"created_at":1700000000,"tags":[],"content":"+"}`
	resp, _ := h.handle(a, h.request(a, envelope.NIP44, "s1", MethodSignEvent, kind7))
	require.Nil(t, resp.Error)

	act, _ := h.activations.FindByRequester(a.pub)
	require.NoError(t, h.activations.UpdatePermissions(act.Key(), act.Permissions.Without(activation.SignEventPermission(7))))

	resp, _ = h.handle(a, h.request(a, envelope.NIP44, "s1", MethodSignEvent, kind7))
	require.NotNil(t, resp.Error)
	require.Equal(t, CodePermissionDenied, resp.Error.Code)

	kind42 := `{"kind":42,"created_at":1700000000,"tags":[],"content":"hi"}`
	resp, _ = h.handle(a, h.request(a, envelope.NIP44, "s2", MethodSignEvent, kind42))
	require.Equal(t, CodePermissionDenied, resp.Error.Code)
}

func TestSignEventBadParams(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	h.connect(a, envelope.NIP44)

	for _, params := range [][]string{nil, {"not json"}, {`{"content":"no kind"}`}} {
		resp, _ := h.handle(a, h.request(a, envelope.NIP44, "s", MethodSignEvent, params...))
		require.NotNil(t, resp.Error)
		require.Equal(t, CodeBadRequest, resp.Error.Code)
	}
}

func TestCryptMethods(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	h.connect(a, envelope.NIP44)
	peer := newApp(t)

	for _, pair := range [][2]string{
		{MethodNIP44Encrypt, MethodNIP44Decrypt},
		{MethodNIP04Encrypt, MethodNIP04Decrypt},
	} {
		resp, _ := h.handle(a, h.request(a, envelope.NIP44, "e", pair[0], peer.pub, "secret message ✨"))
		require.Nil(t, resp.Error, pair[0])
		ciphertext := resp.Result

		// the peer can read it with its own key
		plaintext, _, err := envelope.Decrypt(ciphertext, peer.sk, h.client.PublicKey)
		require.NoError(t, err)
		require.Equal(t, "secret message ✨", plaintext)

		resp, _ = h.handle(a, h.request(a, envelope.NIP44, "d", pair[1], peer.pub, ciphertext))
		require.Nil(t, resp.Error, pair[1])
		require.Equal(t, "secret message ✨", resp.Result)
	}

	require.Len(t, h.activity.Filter(activity.Encryption, a.pub), 4)
}

func TestCryptFailures(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	h.connect(a, envelope.NIP44)
	peer := newApp(t)

	resp, _ := h.handle(a, h.request(a, envelope.NIP44, "e", MethodNIP44Encrypt, "nothex", "x"))
	require.Equal(t, CodeBadRequest, resp.Error.Code)

	resp, _ = h.handle(a, h.request(a, envelope.NIP44, "e", MethodNIP04Encrypt, peer.pub))
	require.Equal(t, CodeBadRequest, resp.Error.Code)

	resp, _ = h.handle(a, h.request(a, envelope.NIP44, "d", MethodNIP44Decrypt, peer.pub, "garbage"))
	require.Equal(t, CodeBadRequest, resp.Error.Code)

	act, _ := h.activations.FindByRequester(a.pub)
	require.NoError(t, h.activations.UpdatePermissions(act.Key(), act.Permissions.Without(activation.PermNIP44Encrypt)))

	resp, _ = h.handle(a, h.request(a, envelope.NIP44, "e", MethodNIP44Encrypt, peer.pub, "x"))
	require.Equal(t, CodePermissionDenied, resp.Error.Code)
	resp, _ = h.handle(a, h.request(a, envelope.NIP44, "e", MethodNIP44Encrypt, "nothex", "x"))
	require.Equal(t, CodePermissionDenied, resp.Error.Code)
}

func TestUnsupportedMethod(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	h.connect(a, envelope.NIP44)

	for _, method := range []string{"get_relays", "decrypt_zap_event", "switch_relays"} {
		resp, _ := h.handle(a, h.request(a, envelope.NIP44, "u", method))
		require.NotNil(t, resp.Error)
		require.Equal(t, CodeBadRequest, resp.Error.Code)
		require.Contains(t, resp.Error.Message, "unsupported method")
	}
}

func TestDroppedEnvelopes(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	h.connect(a, envelope.NIP44)
	ctx := context.Background()

	wrongKind := h.request(a, envelope.NIP44, "p", MethodPing)
	wrongKind.Kind = 1
	require.NoError(t, wrongKind.Sign(a.sk))
	_, _, _, err := h.dispatcher.HandleRequest(ctx, wrongKind)
	require.Error(t, err)

	tampered := h.request(a, envelope.NIP44, "p", MethodPing)
	tampered.CreatedAt++
	_, _, _, err = h.dispatcher.HandleRequest(ctx, tampered)
	require.ErrorIs(t, err, ErrBadSignature)

	// encrypted for someone else
	stranger := newApp(t)
	misaddressed, err := envelope.Encrypt(`{"id":"1","method":"ping"}`, a.sk, stranger.pub, envelope.NIP44)
	require.NoError(t, err)
	for _, content := range []string{misaddressed, "AAAA?iv=AAAA"} {
		garbage := &nostr.Event{
			CreatedAt: nostr.Now(),
			Kind:      nostr.KindNostrConnect,
			Tags:      nostr.Tags{nostr.Tag{"p", h.signer.PublicKey}},
			Content:   content,
		}
		require.NoError(t, garbage.Sign(a.sk))
		_, _, _, err = h.dispatcher.HandleRequest(ctx, garbage)
		require.ErrorIs(t, err, envelope.ErrDecryptionFailed)
	}

	for _, payload := range []string{`not json`, `{"method":"ping"}`, `{"id":"1"}`, `{"id":1,"method":"ping"}`, `{"id":"1","method":"ping","params":"x"}`} {
		_, _, _, err = h.dispatcher.HandleRequest(ctx, h.raw(a, envelope.NIP44, payload))
		require.ErrorIs(t, err, ErrUnparseable, payload)
	}
}

func TestNoSignerDrops(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	evt := h.request(a, envelope.NIP44, "p", MethodPing)

	require.NoError(t, h.identities.ResetAll())
	_, _, _, err := h.dispatcher.HandleRequest(context.Background(), evt)
	require.ErrorIs(t, err, ErrNoSigner)
}

func TestMethodLabelsAreBounded(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	h.dispatcher = New(h.identities, h.activations, h.activity, metrics.New(reg))

	stranger := newApp(t)
	for i := 0; i < 50; i++ {
		_, _, _, err := h.dispatcher.HandleRequest(context.Background(),
			h.request(stranger, envelope.NIP44, "x", fmt.Sprintf("junk_%d", i)))
		require.ErrorIs(t, err, ErrUnknownRequester)
	}

	a := newApp(t)
	h.connect(a, envelope.NIP44)
	h.handle(a, h.request(a, envelope.NIP44, "p", MethodPing))
	h.handle(a, h.request(a, envelope.NIP44, "u", "get_relays"))

	n, err := testutil.GatherAndCount(reg, "nostria_signer_requests_total")
	require.NoError(t, err)
	// other/dropped, connect/ok, ping/ok, other/bad_request
	require.Equal(t, 4, n)

	require.Equal(t, "other", methodLabel("junk_7"))
	require.Equal(t, "unknown", methodLabel(""))
	require.Equal(t, MethodSignEvent, methodLabel(MethodSignEvent))
}

func TestOversizedResultAnswersInternalError(t *testing.T) {
	h := newHarness(t)
	a := newApp(t)
	peer := newApp(t)
	h.connect(a, envelope.NIP44)

	text := strings.Repeat("a", 60000)
	resp, scheme := h.handle(a, h.request(a, envelope.NIP44, "big", MethodNIP04Encrypt, peer.pub, text))
	require.Equal(t, envelope.NIP44, scheme)
	require.Equal(t, "big", resp.ID)
	require.Empty(t, resp.Result)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInternal, resp.Error.Code)
}
