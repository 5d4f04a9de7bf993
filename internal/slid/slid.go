// Package slid provides SteamLink node identifiers (SLIDs).
package slid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Min is the lowest valid SLID.
	Min SLID = 0x100

	// Max is the highest valid SLID.
	Max SLID = 0x10FF

	// Size is the on-air width of a SLID in bytes.
	Size = 4
)

var (
	// ErrOutOfRange is returned for identifiers outside [Min, Max].
	ErrOutOfRange = errors.New("slid out of range")

	// ErrInvalidString is returned when a SLID string cannot be parsed.
	ErrInvalidString = errors.New("invalid slid string")
)

// SLID identifies a node on a SteamLink mesh. Only values in [Min, Max]
// are valid; the zero value is never a valid address.
type SLID uint32

// Validate checks v against the address space and returns it unchanged.
func Validate(v uint32) (SLID, error) {
	if v < uint32(Min) || v > uint32(Max) {
		return 0, fmt.Errorf("%w: 0x%X not in [0x%X, 0x%X]", ErrOutOfRange, v, uint32(Min), uint32(Max))
	}
	return SLID(v), nil
}

// MustValidate is Validate for constants; it panics on an invalid value.
func MustValidate(v uint32) SLID {
	s, err := Validate(v)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse reads a SLID from decimal or 0x-prefixed hex and validates it.
func Parse(s string) (SLID, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidString, s)
	}
	return Validate(uint32(v))
}

// IsValid reports whether id lies inside the address space.
func (id SLID) IsValid() bool {
	return id >= Min && id <= Max
}

// String returns the hex form used in logs, e.g. 0x0101.
func (id SLID) String() string {
	return fmt.Sprintf("0x%04X", uint32(id))
}

// MarshalText implements encoding.TextMarshaler.
func (id SLID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *SLID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
