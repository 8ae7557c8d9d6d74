package controller

import (
	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/engine/state"
	"github.com/keyleu/secure-messaging/internal/engine/storage"
	"github.com/keyleu/secure-messaging/internal/engine/store"
)

// Config is the fee policy.
type Config struct {
	ProfileCost   *coin.Coin `json:"create_profile_cost,omitempty"`
	MessageCost   *coin.Coin `json:"send_message_cost,omitempty"`
	MessageMaxLen uint32     `json:"message_max_len"`
}

func (c Config) validate() error {
	for _, cost := range []*coin.Coin{c.ProfileCost, c.MessageCost} {
		if cost == nil {
			continue
		}
		if err := cost.Validate(); err != nil {
			return ErrInvalidConfig.Wrap(err)
		}
		if cost.IsZero() {
			return ErrInvalidConfig.WithDetails("zero fee %s", cost)
		}
	}
	if c.MessageMaxLen == 0 {
		return ErrInvalidConfig.WithDetails("message_max_len must be positive")
	}
	return nil
}

var (
	configItem      = storage.NewItem[Config]("config")
	profilesAddress = storage.NewItem[string]("profiles_address")
	messagesAddress = storage.NewItem[string]("messages_address")
)

// children holds both slots. Each is written once by its reply.
type children struct {
	profiles string
	messages string
}

func loadChildren(s store.KVStore) (children, error) {
	var c children
	var err error
	if c.profiles, _, err = profilesAddress.MayLoad(s); err != nil {
		return c, err
	}
	if c.messages, _, err = messagesAddress.MayLoad(s); err != nil {
		return c, err
	}
	return c, nil
}

func (c children) bound() int {
	n := 0
	if c.profiles != "" {
		n++
	}
	if c.messages != "" {
		n++
	}
	return n
}

func phase(s store.KVStore) (state.Phase, children, error) {
	c, err := loadChildren(s)
	if err != nil {
		return state.PhaseUninitialized, c, err
	}
	return state.Derive(configItem.Exists(s), c.bound(), 2), c, nil
}

// requireReady loads both children or fails with ErrNotProvisioned.
func requireReady(s store.KVStore) (children, error) {
	p, c, err := phase(s)
	if err != nil {
		return c, err
	}
	if !p.IsReady() {
		return c, ErrNotProvisioned.WithDetails("phase %s", p)
	}
	return c, nil
}

func bindChild(slot storage.Item[string], s store.KVStore, addr string) error {
	if slot.Exists(s) {
		return ErrChildAlreadyBound
	}
	if err := engine.ValidateAddress(addr); err != nil {
		return err
	}
	return slot.Save(s, addr)
}
