// Package domain holds the shared key-fabric data model: KeyId, PSK, Key
// records, SiteId, and the physical path / hop pair types multi-hop routing
// is built from.
package domain

import (
	"bytes"
	"fmt"
)

// KeyId uniquely and monotonically identifies a key within one
// (local-site, peer-site) pair. Never reused, even across restarts.
type KeyId uint64

// PSK is a pre-shared key byte sequence. Length must be 16, 32, or 64 bytes
// (site-configurable, peer-agreed).
type PSK []byte

// ValidPSKLengths enumerates the byte lengths a PSK may take.
var ValidPSKLengths = [...]int{16, 32, 64}

// Validate reports whether the PSK has one of the permitted lengths.
func (p PSK) Validate() error {
	for _, n := range ValidPSKLengths {
		if len(p) == n {
			return nil
		}
	}
	return fmt.Errorf("psk: invalid length %d, want one of %v", len(p), ValidPSKLengths)
}

// Xor returns the byte-wise XOR of two equal-length PSKs. Xor(a,a) is the
// zero key; Xor is commutative; Xor(Xor(a,b),b) == a.
func (p PSK) Xor(other PSK) (PSK, error) {
	if len(p) != len(other) {
		return nil, fmt.Errorf("psk: length mismatch %d != %d", len(p), len(other))
	}
	out := make(PSK, len(p))
	for i := range p {
		out[i] = p[i] ^ other[i]
	}
	return out, nil
}

// Equal reports byte-for-byte equality in constant-ish time (length checked
// first since lengths are not secret).
func (p PSK) Equal(other PSK) bool {
	return bytes.Equal(p, other)
}

// KeyState is the lifecycle stage of a key record.
type KeyState uint8

const (
	KeyAvailable KeyState = iota
	KeyReserved
	KeyConsumed
)

func (s KeyState) String() string {
	switch s {
	case KeyAvailable:
		return "available"
	case KeyReserved:
		return "reserved"
	case KeyConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Key is a single backing-store record: within one destination, Id is
// unique. A Consumed record is physically removed; no ciphertext lingers.
type Key struct {
	Destination SiteId
	Id          KeyId
	Value       PSK
	State       KeyState
}
