// Package coin implements multi-currency amounts. A Coins value holds at most
// one entry per denomination and keeps insertion order, which is the order in
// which denominations are reported back to callers.
package coin

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"cosmossdk.io/math"

	"github.com/keyleu/secure-messaging/internal/codec"
)

var (
	ErrInvalidDenom      = errors.New("invalid denomination")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDuplicateDenom    = errors.New("duplicate denomination")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoFunds           = errors.New("no funds sent")
	ErrMultipleDenoms    = errors.New("sent more than one denomination")
	ErrMissingDenom      = errors.New("missing denomination")
	ErrAmountMismatch    = errors.New("amount does not match")
)

var (
	denomRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9/:._-]{2,127}$`)
	coinRegex  = regexp.MustCompile(`^([0-9]+)([a-zA-Z][a-zA-Z0-9/:._-]{2,127})$`)
)

// Coin is an amount of a single denomination.
type Coin struct {
	Denom  string
	Amount math.Uint
}

// New returns a coin of the given denomination.
func New(denom string, amount uint64) Coin {
	return Coin{Denom: denom, Amount: math.NewUint(amount)}
}

// ParseCoin parses "<amount><denom>", e.g. "10uatom".
func ParseCoin(s string) (Coin, error) {
	m := coinRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Coin{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	amount, err := math.ParseUint(m[1])
	if err != nil {
		return Coin{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return Coin{Denom: m[2], Amount: amount}, nil
}

// ValidateDenom checks denomination syntax.
func ValidateDenom(denom string) error {
	if !denomRegex.MatchString(denom) {
		return fmt.Errorf("%w: %q", ErrInvalidDenom, denom)
	}
	return nil
}

// Validate checks the denomination.
func (c Coin) Validate() error {
	return ValidateDenom(c.Denom)
}

// IsZero reports whether the amount is zero.
func (c Coin) IsZero() bool {
	return c.Amount.IsZero()
}

// Equal reports whether both denomination and amount match.
func (c Coin) Equal(other Coin) bool {
	return c.Denom == other.Denom && c.Amount.Equal(other.Amount)
}

func (c Coin) String() string {
	return c.Amount.String() + c.Denom
}

type coinWire struct {
	Denom  string `json:"denom" cbor:"denom"`
	Amount string `json:"amount" cbor:"amount"`
}

func (c coinWire) coin() (Coin, error) {
	amount, err := math.ParseUint(c.Amount)
	if err != nil {
		return Coin{}, fmt.Errorf("%w: %q", ErrInvalidAmount, c.Amount)
	}
	return Coin{Denom: c.Denom, Amount: amount}, nil
}

// MarshalJSON encodes the amount as a decimal string.
func (c Coin) MarshalJSON() ([]byte, error) {
	return json.Marshal(coinWire{Denom: c.Denom, Amount: c.Amount.String()})
}

// UnmarshalJSON decodes {"denom": "...", "amount": "..."}.
func (c *Coin) UnmarshalJSON(data []byte) error {
	var w coinWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := w.coin()
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalCBOR encodes the amount as a decimal string.
func (c Coin) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(coinWire{Denom: c.Denom, Amount: c.Amount.String()})
}

// UnmarshalCBOR is the inverse of MarshalCBOR.
func (c *Coin) UnmarshalCBOR(data []byte) error {
	var w coinWire
	if err := codec.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := w.coin()
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
