package coin

import (
	"fmt"
	"strings"

	"cosmossdk.io/math"
)

// Coins is a set of amounts with at most one entry per denomination.
type Coins []Coin

// NewCoins builds a set from individual coins, merging repeated
// denominations and dropping zero amounts.
func NewCoins(coins ...Coin) Coins {
	return Merge(nil, coins...)
}

// ParseCoins parses a comma separated list such as "10uatom,3uxyz".
// The empty string yields an empty set.
func ParseCoins(s string) (Coins, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Coins{}, nil
	}
	var out Coins
	for _, part := range strings.Split(s, ",") {
		c, err := ParseCoin(part)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks every denomination and rejects repeated ones.
func (cs Coins) Validate() error {
	seen := make(map[string]struct{}, len(cs))
	for _, c := range cs {
		if err := c.Validate(); err != nil {
			return err
		}
		if _, ok := seen[c.Denom]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateDenom, c.Denom)
		}
		seen[c.Denom] = struct{}{}
	}
	return nil
}

// Clone returns a copy that shares no backing array with cs.
func (cs Coins) Clone() Coins {
	if cs == nil {
		return Coins{}
	}
	out := make(Coins, len(cs))
	copy(out, cs)
	return out
}

// Find returns the position of denom.
func (cs Coins) Find(denom string) (int, bool) {
	for i, c := range cs {
		if c.Denom == denom {
			return i, true
		}
	}
	return -1, false
}

// AmountOf returns the amount held in denom, zero when absent.
func (cs Coins) AmountOf(denom string) math.Uint {
	if i, ok := cs.Find(denom); ok {
		return cs[i].Amount
	}
	return math.ZeroUint()
}

// IsZero reports whether the set holds no value.
func (cs Coins) IsZero() bool {
	for _, c := range cs {
		if !c.IsZero() {
			return false
		}
	}
	return true
}

// Equal compares two sets entry by entry, ignoring order.
func (cs Coins) Equal(other Coins) bool {
	if len(cs) != len(other) {
		return false
	}
	for _, c := range cs {
		i, ok := other.Find(c.Denom)
		if !ok || !other[i].Amount.Equal(c.Amount) {
			return false
		}
	}
	return true
}

// Add returns cs plus other without modifying either.
func (cs Coins) Add(other Coins) Coins {
	return Merge(cs.Clone(), other...)
}

// Sub returns cs minus other, failing with ErrInsufficientFunds when any
// denomination of other exceeds what cs holds. Entries that reach zero are
// removed.
func (cs Coins) Sub(other Coins) (Coins, error) {
	out := cs.Clone()
	for _, c := range other {
		if c.IsZero() {
			continue
		}
		i, ok := out.Find(c.Denom)
		if !ok || out[i].Amount.LT(c.Amount) {
			return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, cs.AmountOf(c.Denom).String()+c.Denom, c)
		}
		if out[i].Amount.Equal(c.Amount) {
			out = append(out[:i], out[i+1:]...)
			continue
		}
		out[i] = Coin{Denom: c.Denom, Amount: out[i].Amount.Sub(c.Amount)}
	}
	return out, nil
}

func (cs Coins) String() string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ",")
}

// Merge adds each coin into into: a denomination already present has its
// amount summed in place, a new one is appended. Zero amounts are skipped.
// The returned slice may share storage with into.
func Merge(into Coins, add ...Coin) Coins {
	if into == nil {
		into = Coins{}
	}
	for _, c := range add {
		if c.IsZero() {
			continue
		}
		if i, ok := into.Find(c.Denom); ok {
			into[i] = Coin{Denom: c.Denom, Amount: into[i].Amount.Add(c.Amount)}
			continue
		}
		into = append(into, c)
	}
	return into
}

// DeductFee removes fee from funds. The matching entry is dropped when it
// equals the fee and reduced when it exceeds it; a missing or smaller entry
// fails with ErrInsufficientFunds. funds is not modified.
func DeductFee(funds Coins, fee Coin) (Coins, error) {
	out := funds.Clone()
	i, ok := out.Find(fee.Denom)
	if !ok || out[i].Amount.LT(fee.Amount) {
		return nil, fmt.Errorf("%w: fee %s", ErrInsufficientFunds, fee)
	}
	if out[i].Amount.Equal(fee.Amount) {
		return append(out[:i], out[i+1:]...), nil
	}
	out[i] = Coin{Denom: fee.Denom, Amount: out[i].Amount.Sub(fee.Amount)}
	return out, nil
}

// MustPayExact checks that funds is exactly one coin equal to want.
func MustPayExact(funds Coins, want Coin) error {
	switch {
	case len(funds) == 0:
		return ErrNoFunds
	case len(funds) > 1:
		return ErrMultipleDenoms
	case funds[0].Denom != want.Denom:
		return fmt.Errorf("%w: must send %s", ErrMissingDenom, want.Denom)
	case !funds[0].Amount.Equal(want.Amount):
		return fmt.Errorf("%w: must send exactly %s", ErrAmountMismatch, want)
	}
	return nil
}
