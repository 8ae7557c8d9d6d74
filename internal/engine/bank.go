package engine

import (
	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine/events"
	"github.com/keyleu/secure-messaging/internal/engine/storage"
	"github.com/keyleu/secure-messaging/internal/engine/store"
)

var balances = storage.NewMap[coin.Coins]("balances")

func bankStore(s store.KVStore) store.KVStore {
	return store.Prefix(s, []byte("b/"))
}

func validateFunds(funds coin.Coins) error {
	if err := funds.Validate(); err != nil {
		return ErrInvalidFunds.Wrap(err)
	}
	for _, c := range funds {
		if c.IsZero() {
			return ErrInvalidFunds.WithDetails("zero amount of %s", c.Denom)
		}
	}
	return nil
}

func balanceOf(s store.KVStore, addr string) (coin.Coins, error) {
	bal, _, err := balances.MayLoad(bankStore(s), addr)
	if err != nil {
		return nil, err
	}
	return bal.Clone(), nil
}

func setBalance(s store.KVStore, addr string, bal coin.Coins) error {
	if bal.IsZero() {
		balances.Remove(bankStore(s), addr)
		return nil
	}
	return balances.Save(bankStore(s), addr, bal)
}

// transfer moves amount from one account to another. An empty amount is a
// no-op and emits no event.
func transfer(s store.KVStore, from, to string, amount coin.Coins) ([]Event, error) {
	if amount.IsZero() {
		return nil, nil
	}
	if err := validateFunds(amount); err != nil {
		return nil, err
	}
	if err := ValidateAddress(to); err != nil {
		return nil, err
	}

	fromBal, err := balanceOf(s, from)
	if err != nil {
		return nil, err
	}
	left, err := fromBal.Sub(amount)
	if err != nil {
		return nil, ErrInsufficientFunds.Wrap(err)
	}
	if err := setBalance(s, from, left); err != nil {
		return nil, err
	}

	toBal, err := balanceOf(s, to)
	if err != nil {
		return nil, err
	}
	if err := setBalance(s, to, toBal.Add(amount)); err != nil {
		return nil, err
	}

	return []Event{{
		Type: events.TypeTransfer,
		Attributes: []Attribute{
			{Key: "recipient", Value: to},
			{Key: "sender", Value: from},
			{Key: "amount", Value: amount.String()},
		},
	}}, nil
}

func mint(s store.KVStore, to string, amount coin.Coins) ([]Event, error) {
	if err := validateFunds(amount); err != nil {
		return nil, err
	}
	if err := ValidateAddress(to); err != nil {
		return nil, err
	}
	bal, err := balanceOf(s, to)
	if err != nil {
		return nil, err
	}
	if err := setBalance(s, to, bal.Add(amount)); err != nil {
		return nil, err
	}
	return []Event{{
		Type: events.TypeMint,
		Attributes: []Attribute{
			{Key: "recipient", Value: to},
			{Key: "amount", Value: amount.String()},
		},
	}}, nil
}
