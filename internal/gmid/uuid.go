// Package gmid defines the 128-bit node identity used throughout GMCast.
package gmid

import (
	"bytes"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// UUID is a 128-bit opaque node identity. It is totally ordered by its raw
// byte representation, which is also its 16-byte wire representation.
type UUID [16]byte

// Nil is the sentinel "no identity known yet" value.
var Nil UUID

// New returns a fresh UUID drawn from OS entropy. A HandshakeUUID must never
// be reused across reconnects, so callers should call New for every attempt.
func New() UUID {
	return UUID(uuid.New())
}

// FromBytes copies a 16-byte slice into a UUID. It panics if b is not exactly
// 16 bytes long, mirroring the teacher's fixed-width wire assumptions.
func FromBytes(b []byte) UUID {
	var u UUID
	if len(b) != len(u) {
		panic("gmid: FromBytes requires exactly 16 bytes")
	}
	copy(u[:], b)
	return u
}

// Parse decodes the hex string produced by String back into a UUID.
func Parse(s string) (UUID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Nil, err
	}
	if len(b) != len(UUID{}) {
		return Nil, errors.New("gmid: Parse requires exactly 16 bytes")
	}
	return FromBytes(b), nil
}

// IsNil reports whether u is the sentinel value.
func (u UUID) IsNil() bool {
	return u == Nil
}

// Compare returns -1, 0 or 1 following the byte-lexicographic total order
// required to tie-break simultaneous double-connects.
func (u UUID) Compare(other UUID) int {
	return bytes.Compare(u[:], other[:])
}

// Less reports whether u sorts strictly before other.
func (u UUID) Less(other UUID) bool {
	return u.Compare(other) < 0
}

func (u UUID) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON renders a UUID as its hex string, so statusd's JSON output
// reads like "a1b2c3..." instead of a raw byte array.
func (u UUID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.String() + `"`), nil
}

// UnmarshalJSON is MarshalJSON's inverse.
func (u *UUID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("gmid: UnmarshalJSON expects a quoted string")
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
