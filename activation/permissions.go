package activation

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	PermGetPublicKey    = "get_public_key"
	PermPing            = "ping"
	PermSignEvent       = "sign_event"
	PermNIP04Encrypt    = "nip04_encrypt"
	PermNIP04Decrypt    = "nip04_decrypt"
	PermNIP44Encrypt    = "nip44_encrypt"
	PermNIP44Decrypt    = "nip44_decrypt"
	PermDecryptZapEvent = "decrypt_zap_event"
)

var defaultSignKinds = []int{
	0, 1, 3, 4, 5, 6, 7, 9734, 9735, 10000, 10002, 10003, 10013, 31234, 30078, 22242, 27235, 30023,
}

// Permissions is an ordered set of capability tokens. It is stored and
// exchanged as a comma-joined string.
type Permissions []string

func DefaultPermissions() Permissions {
	p := Permissions{
		PermGetPublicKey,
		PermNIP04Encrypt,
		PermNIP04Decrypt,
		PermNIP44Encrypt,
		PermNIP44Decrypt,
		PermDecryptZapEvent,
	}
	for _, kind := range defaultSignKinds {
		p = append(p, SignEventPermission(kind))
	}
	return p
}

func SignEventPermission(kind int) string {
	return PermSignEvent + ":" + strconv.Itoa(kind)
}

// ParsePermissions splits a comma-joined list, trimming blanks and dropping
// repeated tokens while keeping first-seen order.
func ParsePermissions(s string) Permissions {
	var p Permissions
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" || slices.Contains(p, tok) {
			continue
		}
		p = append(p, tok)
	}
	return p
}

func (p Permissions) String() string { return strings.Join(p, ",") }

func (p Permissions) Has(token string) bool { return slices.Contains(p, token) }

func (p Permissions) With(tokens ...string) Permissions {
	out := slices.Clone(p)
	for _, tok := range tokens {
		if !out.Has(tok) {
			out = append(out, tok)
		}
	}
	return out
}

func (p Permissions) Without(tokens ...string) Permissions {
	return slices.DeleteFunc(slices.Clone(p), func(tok string) bool {
		return slices.Contains(tokens, tok)
	})
}

// Validate rejects tokens the dispatcher would never match.
func (p Permissions) Validate() error {
	for _, tok := range p {
		if !IsKnownPermission(tok) {
			return fmt.Errorf("unknown permission '%s'", tok)
		}
	}
	return nil
}

func IsKnownPermission(tok string) bool {
	switch tok {
	case PermGetPublicKey, PermPing, PermSignEvent,
		PermNIP04Encrypt, PermNIP04Decrypt,
		PermNIP44Encrypt, PermNIP44Decrypt,
		PermDecryptZapEvent:
		return true
	}
	if kind, ok := strings.CutPrefix(tok, PermSignEvent+":"); ok {
		n, err := strconv.Atoi(kind)
		return err == nil && n >= 0 && n <= 65535
	}
	return false
}

func (p Permissions) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Permissions) UnmarshalText(b []byte) error {
	*p = ParsePermissions(string(b))
	return nil
}
