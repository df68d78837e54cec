// Package dispatch turns an inbound NIP-46 request event into a signed,
// encrypted response event.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nostria/signer/activation"
	"github.com/nostria/signer/activity"
	"github.com/nostria/signer/envelope"
	"github.com/nostria/signer/identity"
	"github.com/nostria/signer/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// call SetOutput on InfoLogger to enable info logging
	InfoLogger = log.New(io.Discard, "[dispatch][info] ", log.LstdFlags)

	// call SetOutput on DebugLogger to enable debug logging
	DebugLogger = log.New(io.Discard, "[dispatch][debug] ", log.LstdFlags)
)

// Reasons a request is dropped without an answer.
var (
	ErrNoSigner         = errors.New("no signer identity")
	ErrBadSignature     = errors.New("invalid event signature")
	ErrUnparseable      = errors.New("unparseable request")
	ErrUnknownRequester = errors.New("no activation for requester")
	ErrSignerMismatch   = errors.New("connect addressed to another signer")

	errEncrypt = errors.New("failed to encrypt response")
)

type Dispatcher struct {
	identities  *identity.Registry
	activations *activation.Registry
	activity    *activity.Log
	metrics     *metrics.Metrics

	// keyed by public key
	ciphers *xsync.MapOf[string, *envelope.Cipher]
}

// New builds a dispatcher. The activity log and metrics may be nil.
func New(
	identities *identity.Registry,
	activations *activation.Registry,
	activityLog *activity.Log,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		identities:  identities,
		activations: activations,
		activity:    activityLog,
		metrics:     m,
		ciphers:     xsync.NewMapOf[string, *envelope.Cipher](),
	}
}

func (d *Dispatcher) cipher(id identity.Identity) *envelope.Cipher {
	c, _ := d.ciphers.LoadOrCompute(id.PublicKey, func() *envelope.Cipher {
		return envelope.New(id.PrivateKey)
	})
	return c
}

func (d *Dispatcher) record(typ activity.Type, message string, details any, pubkey string) {
	if d.activity != nil {
		d.activity.Add(typ, message, details, pubkey)
	}
}

// HandleRequest processes one request event. A non-nil error means the
// request was dropped and nothing must be published; otherwise eventResponse
// is signed and ready to go out.
func (d *Dispatcher) HandleRequest(_ context.Context, event *nostr.Event) (
	req Request,
	resp Response,
	eventResponse nostr.Event,
	err error,
) {
	defer func() {
		if err != nil {
			d.metrics.Request(methodLabel(req.Method), metrics.OutcomeDropped)
			DebugLogger.Printf("dropped request from %s: %s", event.PubKey, err)
		}
	}()

	if event.Kind != nostr.KindNostrConnect {
		return req, resp, eventResponse,
			fmt.Errorf("event kind is %d, but we expected %d", event.Kind, nostr.KindNostrConnect)
	}

	signer, ok := d.identities.Signer()
	if !ok || signer.PrivateKey == "" {
		return req, resp, eventResponse, ErrNoSigner
	}

	if ok, err := event.CheckSignature(); !ok {
		if err != nil {
			return req, resp, eventResponse, fmt.Errorf("%w: %w", ErrBadSignature, err)
		}
		return req, resp, eventResponse, ErrBadSignature
	}

	cipher := d.cipher(signer)
	plaintext, scheme, err := cipher.Decrypt(event.Content, event.PubKey)
	if err != nil {
		return req, resp, eventResponse, err
	}

	d.record(activity.EventReceived, fmt.Sprintf("Received event type: %d", event.Kind), nil, event.PubKey)

	req = Parse(plaintext)
	if u, ok := req.Call.(Unparseable); ok {
		return req, resp, eventResponse, fmt.Errorf("%w: %s", ErrUnparseable, u.Reason)
	}
	DebugLogger.Printf("request from %s: %s", event.PubKey, req)

	var act activation.Activation
	var result string
	var resultErr error

	if c, ok := req.Call.(Connect); ok {
		if c.SignerPubkey != signer.PublicKey {
			return req, resp, eventResponse, fmt.Errorf("%w: %s", ErrSignerMismatch, c.SignerPubkey)
		}
		act, result, resultErr = d.connect(c, req.ID, event.PubKey, scheme)
		if resultErr != nil {
			// no activation to take the scheme from, answer in kind
			act.CipherScheme = scheme
		}
	} else {
		act, ok = d.activations.FindByRequester(event.PubKey)
		if !ok {
			d.record(activity.Error, fmt.Sprintf("Unauthorized %s request", req.Method), nil, event.PubKey)
			return req, resp, eventResponse, fmt.Errorf("%w %s", ErrUnknownRequester, event.PubKey)
		}
		result, resultErr = d.execute(req, act, event.PubKey)
	}

	resp = Response{ID: req.ID, Result: result, Error: toError(resultErr)}
	d.metrics.Request(methodLabel(req.Method), outcome(resp.Error))
	if resp.Error != nil {
		InfoLogger.Printf("%s from %s failed: %s", req.Method, event.PubKey, resultErr)
	}

	eventResponse, err = d.makeResponse(cipher, signer, event.PubKey, resp, act.CipherScheme)
	if errors.Is(err, errEncrypt) && resp.Error == nil {
		// usually a result too large for the cipher, tell the client instead of going silent
		InfoLogger.Printf("%s result for %s could not be sent: %s", req.Method, event.PubKey, err)
		resp = Response{ID: req.ID, Error: &Error{Code: CodeInternal, Message: "response could not be encrypted"}}
		eventResponse, err = d.makeResponse(cipher, signer, event.PubKey, resp, act.CipherScheme)
	}
	return req, resp, eventResponse, err
}

func (d *Dispatcher) makeResponse(
	cipher *envelope.Cipher,
	signer identity.Identity,
	requester string,
	resp Response,
	scheme envelope.Scheme,
) (nostr.Event, error) {
	var evt nostr.Event

	jresp, _ := json.Marshal(resp)
	ciphertext, err := cipher.Encrypt(string(jresp), requester, scheme)
	if err != nil {
		return evt, fmt.Errorf("%w: %w", errEncrypt, err)
	}

	evt.Content = ciphertext
	evt.CreatedAt = nostr.Now()
	evt.Kind = nostr.KindNostrConnect
	evt.Tags = nostr.Tags{nostr.Tag{"p", requester}}

	if err := evt.Sign(signer.PrivateKey); err != nil {
		return evt, fmt.Errorf("failed to sign response: %w", err)
	}
	return evt, nil
}

func (d *Dispatcher) connect(c Connect, requestID, requester string, scheme envelope.Scheme) (activation.Activation, string, error) {
	if len(c.Requested) > 0 {
		InfoLogger.Printf("%s asked for permissions %s", requester, c.Requested)
	}

	act, err := d.activations.TryActivate(c.Secret, requester, requestID, scheme)
	if err != nil {
		d.record(activity.Error, "Connection attempt with unknown secret", nil, requester)
		return act, "", err
	}

	details := map[string]any{"clientPubkey": requester, "pubkey": act.Pubkey, "scheme": scheme.String()}
	if len(c.Requested) > 0 {
		details["requested"] = c.Requested.String()
	}
	d.record(activity.Connection, "New client connected", details, act.Pubkey)
	InfoLogger.Printf("activated %s for identity %s (%s)", requester, act.Pubkey, scheme)

	return act, "ack", nil
}

func (d *Dispatcher) execute(req Request, act activation.Activation, requester string) (string, error) {
	switch call := req.Call.(type) {
	case Ping:
		return "pong", nil

	case GetPublicKey:
		if !act.Permissions.Has(activation.PermGetPublicKey) {
			return "", ErrPermissionDenied
		}
		return act.Pubkey, nil

	case SignEvent:
		return d.signEvent(call, act, requester)

	case Crypt:
		if !act.Permissions.Has(call.Method) {
			return "", ErrPermissionDenied
		}
		return d.crypt(call, act, requester)

	case BadParams:
		if call.Method != MethodSignEvent && !act.Permissions.Has(call.Method) {
			return "", ErrPermissionDenied
		}
		return "", fmt.Errorf("%w: %s", ErrBadRequest, call.Reason)

	case Unsupported:
		return "", fmt.Errorf("%w '%s'", ErrUnsupportedMethod, call.Method)
	}

	return "", fmt.Errorf("unhandled request %T", req.Call)
}

func (d *Dispatcher) signEvent(call SignEvent, act activation.Activation, requester string) (string, error) {
	if !act.Permissions.Has(activation.SignEventPermission(call.Kind)) {
		return "", fmt.Errorf("%w for this event kind", ErrPermissionDenied)
	}

	d.record(activity.SignRequest, fmt.Sprintf("Signing request for event kind: %d", call.Kind),
		map[string]any{"kind": call.Kind}, requester)

	client, err := d.identities.ClientIdentity(act.Pubkey)
	if err != nil {
		return "", err
	}

	evt := call.Event
	// whatever pubkey, id and sig the caller supplied are replaced
	evt.PubKey = ""
	evt.ID = ""
	evt.Sig = ""
	if err := evt.Sign(client.PrivateKey); err != nil {
		return "", fmt.Errorf("failed to sign event: %w", err)
	}

	jevt, _ := easyjson.Marshal(evt)
	return string(jevt), nil
}

func (d *Dispatcher) crypt(call Crypt, act activation.Activation, requester string) (string, error) {
	d.record(activity.Encryption, fmt.Sprintf("Request for %s", call.Method),
		map[string]any{"peer": call.Peer}, requester)

	client, err := d.identities.ClientIdentity(act.Pubkey)
	if err != nil {
		return "", err
	}
	c := d.cipher(client)

	if call.Decrypting() {
		plaintext, scheme, err := c.Decrypt(call.Text, call.Peer)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		if want := methodScheme(call.Method); scheme != want {
			return "", fmt.Errorf("%w: ciphertext is %s, not %s", ErrBadRequest, scheme, want)
		}
		return plaintext, nil
	}

	ciphertext, err := c.Encrypt(call.Text, call.Peer, methodScheme(call.Method))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return ciphertext, nil
}

func methodScheme(method string) envelope.Scheme {
	switch method {
	case MethodNIP04Encrypt, MethodNIP04Decrypt:
		return envelope.NIP04
	}
	return envelope.NIP44
}

// methodLabel keeps the metric label set bounded whatever method names
// peers send.
func methodLabel(method string) string {
	switch method {
	case MethodConnect, MethodGetPublicKey, MethodPing, MethodSignEvent,
		MethodNIP04Encrypt, MethodNIP04Decrypt, MethodNIP44Encrypt, MethodNIP44Decrypt:
		return method
	case "":
		return "unknown"
	}
	return "other"
}

func outcome(e *Error) string {
	if e == nil {
		return metrics.OutcomeOK
	}
	switch e.Code {
	case CodeUnauthorized, CodePermissionDenied:
		return metrics.OutcomeDenied
	case CodeBadRequest:
		return metrics.OutcomeBadParams
	}
	return metrics.OutcomeError
}
