package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/mailru/easyjson"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nostria/signer/activation"
	"github.com/tidwall/gjson"
)

// Method names understood by the dispatcher.
const (
	MethodConnect      = "connect"
	MethodGetPublicKey = "get_public_key"
	MethodPing         = "ping"
	MethodSignEvent    = "sign_event"
	MethodNIP04Encrypt = "nip04_encrypt"
	MethodNIP04Decrypt = "nip04_decrypt"
	MethodNIP44Encrypt = "nip44_encrypt"
	MethodNIP44Decrypt = "nip44_decrypt"
)

// Request is a decrypted request. Call holds the typed form of Method and
// Params, or Unparseable when the payload could not be read at all.
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
	Call   Call     `json:"-"`
}

func (r Request) String() string {
	j, _ := json.Marshal(r)
	return string(j)
}

// Call is one of Connect, GetPublicKey, Ping, SignEvent, Crypt, Unsupported,
// BadParams or Unparseable.
type Call interface{ isCall() }

type Connect struct {
	SignerPubkey string
	Secret       string
	// Requested is what the client asked for. It is recorded, never granted.
	Requested activation.Permissions
}

type GetPublicKey struct{}

type Ping struct{}

type SignEvent struct {
	Event nostr.Event
	Kind  int
}

// Crypt is any of the nip04/nip44 encrypt/decrypt methods.
type Crypt struct {
	Method string
	Peer   string
	Text   string
}

func (c Crypt) Decrypting() bool {
	return c.Method == MethodNIP04Decrypt || c.Method == MethodNIP44Decrypt
}

type Unsupported struct {
	Method string
}

// BadParams is a known method whose params did not validate.
type BadParams struct {
	Method string
	Reason string
}

// Unparseable marks a payload that is not a usable request. It is never
// answered.
type Unparseable struct {
	Reason string
}

func (Connect) isCall()      {}
func (GetPublicKey) isCall() {}
func (Ping) isCall()         {}
func (SignEvent) isCall()    {}
func (Crypt) isCall()        {}
func (Unsupported) isCall()  {}
func (BadParams) isCall()    {}
func (Unparseable) isCall()  {}

// Parse reads a decrypted payload. It never fails: problems are reported
// through the Unparseable and BadParams variants.
func Parse(plaintext string) Request {
	if !gjson.Valid(plaintext) {
		return Request{Call: Unparseable{Reason: "invalid json"}}
	}
	root := gjson.Parse(plaintext)
	if !root.IsObject() {
		return Request{Call: Unparseable{Reason: "not an object"}}
	}

	id := root.Get("id")
	method := root.Get("method")
	if id.Type != gjson.String || id.Str == "" {
		return Request{Call: Unparseable{Reason: "missing id"}}
	}
	if method.Type != gjson.String || method.Str == "" {
		return Request{ID: id.Str, Call: Unparseable{Reason: "missing method"}}
	}

	req := Request{ID: id.Str, Method: method.Str}

	params := root.Get("params")
	switch {
	case !params.Exists() || params.Type == gjson.Null:
	case params.IsArray():
		for _, p := range params.Array() {
			if p.Type == gjson.String {
				req.Params = append(req.Params, p.Str)
			} else {
				req.Params = append(req.Params, p.Raw)
			}
		}
	default:
		req.Call = Unparseable{Reason: "params is not an array"}
		return req
	}

	req.Call = parseCall(req.Method, req.Params)
	return req
}

func parseCall(method string, params []string) Call {
	switch method {
	case MethodConnect:
		if len(params) < 2 {
			return Unparseable{Reason: "connect needs a signer pubkey and a secret"}
		}
		c := Connect{SignerPubkey: params[0], Secret: params[1]}
		if len(params) > 2 {
			c.Requested = activation.ParsePermissions(params[2])
		}
		return c

	case MethodGetPublicKey:
		return GetPublicKey{}

	case MethodPing:
		return Ping{}

	case MethodSignEvent:
		if len(params) < 1 {
			return BadParams{Method: method, Reason: "missing event"}
		}
		kind := gjson.Get(params[0], "kind")
		if kind.Type != gjson.Number {
			return BadParams{Method: method, Reason: "event has no kind"}
		}
		var evt nostr.Event
		if err := easyjson.Unmarshal([]byte(params[0]), &evt); err != nil {
			return BadParams{Method: method, Reason: fmt.Sprintf("failed to decode event: %s", err)}
		}
		return SignEvent{Event: evt, Kind: int(kind.Int())}

	case MethodNIP04Encrypt, MethodNIP04Decrypt, MethodNIP44Encrypt, MethodNIP44Decrypt:
		if len(params) != 2 {
			return BadParams{Method: method, Reason: fmt.Sprintf("wrong number of arguments to '%s'", method)}
		}
		if !nostr.IsValidPublicKey(params[0]) {
			return BadParams{Method: method, Reason: fmt.Sprintf("first argument to '%s' is not a pubkey string", method)}
		}
		return Crypt{Method: method, Peer: params[0], Text: params[1]}
	}

	return Unsupported{Method: method}
}
