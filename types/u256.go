package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

// U256 is a non-negative 256-bit integer that marshals to a decimal string
// at the JSON boundary, the representation used by intent and bid payloads.
// It embeds uint256.Int, so arithmetic and comparison helpers are available
// directly.
type U256 struct {
	uint256.Int
}

// NewU256 converts a uint64 into a U256.
func NewU256(v uint64) *U256 {
	u := new(U256)
	u.SetUint64(v)
	return u
}

// U256FromDecimal parses a decimal string into a U256.
func U256FromDecimal(s string) (*U256, error) {
	u := new(U256)
	if err := u.SetFromDecimal(s); err != nil {
		return nil, fmt.Errorf("invalid 256-bit decimal %q: %w", s, err)
	}
	return u, nil
}

// MarshalJSON encodes the value as a quoted decimal string.
func (u *U256) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.Dec() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON integer.
func (u *U256) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if err := u.SetFromDecimal(s); err != nil {
		return fmt.Errorf("invalid 256-bit decimal %q: %w", s, err)
	}
	return nil
}

// Clone returns an independent copy. A nil receiver yields nil.
func (u *U256) Clone() *U256 {
	if u == nil {
		return nil
	}
	c := new(U256)
	c.Set(&u.Int)
	return c
}
