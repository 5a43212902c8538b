package types

import (
	"database/sql/driver"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// HandleSize is the byte length of a ledger account address.
const HandleSize = 32

// Handle is a ledger account address. Its text form is base58.
type Handle [HandleSize]byte

// ParseHandle decodes a base58 account address.
func ParseHandle(s string) (h Handle, err error) {
	raw := base58.Decode(s)
	if len(raw) != HandleSize {
		return h, fmt.Errorf("invalid handle %q: decoded %d bytes, want %d", s, len(raw), HandleSize)
	}
	copy(h[:], raw)
	return h, nil
}

// MustParseHandle is ParseHandle for constants and tests.
func MustParseHandle(s string) Handle {
	h, err := ParseHandle(s)
	if err != nil {
		panic(err)
	}
	return h
}

// HandleFromBytes copies a 32-byte slice into a Handle.
func HandleFromBytes(b []byte) (h Handle, err error) {
	if len(b) != HandleSize {
		return h, fmt.Errorf("invalid handle length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Handle) String() string {
	return base58.Encode(h[:])
}

// IsZero reports whether h is the all-zero address.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(b []byte) error {
	parsed, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Value stores the handle as base58 text.
func (h Handle) Value() (driver.Value, error) {
	return h.String(), nil
}

// Scan reads a base58 text column.
func (h *Handle) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return h.UnmarshalText([]byte(v))
	case []byte:
		return h.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into Handle", src)
	}
}
