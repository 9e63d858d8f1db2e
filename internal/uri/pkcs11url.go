package uri

import (
	"fmt"
	"strconv"
	"strings"
)

// PKCS11URL is a parsed PKCS#11 token-selection and authentication URL:
//
//	pkcs11:module-name=<so>;[module-path=<path>;][token=<label>;serial=<s>;slot-id=<n>]?[pin-value=<pin>|pin-source=<file>][&pin-encrypted=1][&login=user|so|cs][&source=<tag>]
type PKCS11URL struct {
	ModuleName string
	ModulePath string
	Token      string
	Serial     string
	SlotID     *uint64

	PinValue     string
	PinSource    string
	PinEncrypted bool // pin-source content is AES-GCM ciphertext, not a plaintext PIN
	Login        string // "user", "so", or "cs"; empty means unspecified
	Source       string
}

// ParsePKCS11 parses a pkcs11: URL per SPEC_FULL.md §6.
func ParsePKCS11(raw string) (PKCS11URL, error) {
	u, err := Parse(raw)
	if err != nil {
		return PKCS11URL{}, err
	}
	if u.Scheme != "pkcs11" {
		return PKCS11URL{}, fmt.Errorf("uri: not a pkcs11 url: %q", raw)
	}

	out := PKCS11URL{}
	for _, seg := range strings.Split(u.Opaque, ";") {
		if seg == "" {
			continue
		}
		k, v, ok := strings.Cut(seg, "=")
		if !ok {
			return PKCS11URL{}, fmt.Errorf("uri: malformed pkcs11 path segment %q", seg)
		}
		switch k {
		case "module-name":
			out.ModuleName = v
		case "module-path":
			out.ModulePath = v
		case "token":
			out.Token = v
		case "serial":
			out.Serial = v
		case "slot-id":
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return PKCS11URL{}, fmt.Errorf("uri: bad slot-id %q: %w", v, err)
			}
			out.SlotID = &n
		default:
			// Unknown attributes are tolerated, per the source grammar's
			// use of this scheme for device-specific extensions too.
		}
	}

	if out.ModuleName == "" {
		return PKCS11URL{}, fmt.Errorf("uri: pkcs11 url missing module-name: %q", raw)
	}

	out.PinValue = u.Query["pin-value"]
	out.PinSource = u.Query["pin-source"]
	out.PinEncrypted = u.Query["pin-encrypted"] == "1" || u.Query["pin-encrypted"] == "true"
	out.Login = u.Query["login"]
	out.Source = u.Query["source"]

	switch out.Login {
	case "", "user", "so", "cs":
	default:
		return PKCS11URL{}, fmt.Errorf("uri: invalid login role %q", out.Login)
	}

	return out, nil
}
