// Package controller implements the Controller: the single front door of
// the messaging platform. On instantiation it spawns a Profile Registry and
// a Message Store, binds their addresses as the spawn replies arrive, and
// from then on validates, charges and forwards user requests to them.
package controller

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/contracts/messages"
	"github.com/keyleu/secure-messaging/internal/contracts/profiles"
	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/engine/state"
	"github.com/keyleu/secure-messaging/internal/ownable"
)

const ContractName = "controller"

// Reply correlation ids of the two spawns.
const (
	ReplyProfiles uint64 = 1
	ReplyMessages uint64 = 2
)

var (
	ErrInvalidReplyID           = engine.NewError(engine.KindProtocol, "invalid_reply_id", "invalid reply id")
	ErrInstantiateError         = engine.NewError(engine.KindProtocol, "instantiate_error", "instantiation of contract error")
	ErrChildAlreadyBound        = engine.NewError(engine.KindProtocol, "child_already_bound", "child contract is already bound")
	ErrNotProvisioned           = engine.NewError(engine.KindProtocol, "not_provisioned", "service not provisioned")
	ErrPayment                  = engine.NewError(engine.KindValidation, "payment_error", "payment error")
	ErrInvalidFunds             = engine.NewError(engine.KindValidation, "invalid_funds", "invalid funds sent")
	ErrNoDestination            = engine.NewError(engine.KindValidation, "no_destination", "a destination address or user id must be provided")
	ErrMessageTooLong           = engine.NewError(engine.KindValidation, "message_too_long", "message is too long")
	ErrNotEnoughFundsForMessage = engine.NewError(engine.KindValidation, "not_enough_funds_for_message", "not enough funds to send message")
	ErrInvalidConfig            = engine.NewError(engine.KindValidation, "invalid_config", "invalid configuration")
)

// Contract is the Controller code.
type Contract struct{}

var (
	_ engine.Contract = Contract{}
	_ engine.Replier  = Contract{}
)

func (Contract) Instantiate(deps engine.Deps, env engine.Env, info engine.MessageInfo, raw []byte) (*engine.Response, error) {
	var msg InstantiateMsg
	if err := engine.DecodeMsg(raw, &msg); err != nil {
		return nil, err
	}
	cfg := Config{
		ProfileCost:   msg.CreateProfileCost,
		MessageCost:   msg.SendMessageCost,
		MessageMaxLen: msg.MessageMaxLen,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, err := ownable.Initialize(deps.Storage, deps.API, info.Sender); err != nil {
		return nil, err
	}
	if err := configItem.Save(deps.Storage, cfg); err != nil {
		return nil, err
	}

	spawnProfiles, err := engine.NewWasmInstantiate(
		msg.CodeIDProfiles,
		profiles.InstantiateMsg{},
		env.Contract.Address,
		fmt.Sprintf("PROFILES-INFORMATION--%d", msg.CodeIDProfiles),
	)
	if err != nil {
		return nil, err
	}
	spawnMessages, err := engine.NewWasmInstantiate(
		msg.CodeIDMessages,
		messages.InstantiateMsg{DefaultQueryLimit: msg.DefaultQueryLimit, MaxQueryLimit: msg.MaxQueryLimit},
		env.Contract.Address,
		fmt.Sprintf("MESSAGE-STORAGE--%d", msg.CodeIDMessages),
	)
	if err != nil {
		return nil, err
	}

	return engine.NewResponse().
		AddAttribute("action", "instantiate").
		AddAttribute("contract_name", ContractName).
		AddAttribute("sender", info.Sender).
		AddSubMessage(engine.ReplyOnSuccess(spawnProfiles, ReplyProfiles)).
		AddSubMessage(engine.ReplyOnSuccess(spawnMessages, ReplyMessages)), nil
}

// Reply binds a spawned child to the slot named by the correlation id.
// Each id writes only its own slot, so the two replies may arrive in any
// order.
func (Contract) Reply(deps engine.Deps, _ engine.Env, reply engine.Reply) (*engine.Response, error) {
	var (
		slot   = profilesAddress
		action = "instantiate_profiles_reply"
	)
	switch reply.ID {
	case ReplyProfiles:
	case ReplyMessages:
		slot, action = messagesAddress, "instantiate_messages_reply"
	default:
		return nil, ErrInvalidReplyID.WithDetails("%d", reply.ID)
	}

	res, err := engine.ParseReplyInstantiate(reply)
	if err != nil {
		return nil, ErrInstantiateError.Wrap(err)
	}

	before, _, err := phase(deps.Storage)
	if err != nil {
		return nil, err
	}
	if err := bindChild(slot, deps.Storage, res.ContractAddress); err != nil {
		return nil, err
	}
	after, _, err := phase(deps.Storage)
	if err != nil {
		return nil, err
	}
	if !state.CanTransition(before, after) {
		return nil, state.NewTransitionError(before, after)
	}

	deps.Logger.WithFields(map[string]interface{}{
		"reply_id": reply.ID,
		"address":  res.ContractAddress,
		"phase":    after.String(),
	}).Info("child contract bound")

	return engine.NewResponse().
		AddAttribute("action", action).
		AddAttribute("contract_address", res.ContractAddress).
		AddAttribute("phase", after.String()), nil
}

func (Contract) Execute(deps engine.Deps, env engine.Env, info engine.MessageInfo, raw []byte) (*engine.Response, error) {
	var msg ExecuteMsg
	if err := engine.DecodeMsg(raw, &msg); err != nil {
		return nil, err
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}

	switch {
	case msg.CreateProfile != nil:
		return createProfile(deps, info, *msg.CreateProfile)
	case msg.ChangeUserID != nil:
		return changeUserID(deps, info, *msg.ChangeUserID)
	case msg.ChangePubkey != nil:
		return changePubkey(deps, info, *msg.ChangePubkey)
	case msg.SendMessage != nil:
		return sendMessage(deps, info, *msg.SendMessage)
	case msg.UpdateConfig != nil:
		return updateConfig(deps, info, *msg.UpdateConfig)
	case msg.ChangeMessagesConfig != nil:
		return changeMessagesConfig(deps, info, *msg.ChangeMessagesConfig)
	case msg.RetrieveFees != nil:
		return retrieveFees(deps, env, info, *msg.RetrieveFees)
	default:
		return ownable.Execute(deps, env, info, *msg.UpdateOwnership)
	}
}

func nonPayable(funds coin.Coins) error {
	if !funds.IsZero() {
		return ErrPayment.WithDetails("this message does not accept funds")
	}
	return nil
}

// checkProfileFee requires exactly the configured fee, or no funds at all
// when creation is free.
func checkProfileFee(cost *coin.Coin, funds coin.Coins) error {
	if cost == nil {
		return nonPayable(funds)
	}
	err := coin.MustPayExact(funds, *cost)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, coin.ErrAmountMismatch):
		return ErrInvalidFunds.WithDetails("need to send exactly %s", cost)
	default:
		return ErrPayment.Wrap(err)
	}
}

func createProfile(deps engine.Deps, info engine.MessageInfo, m CreateProfile) (*engine.Response, error) {
	c, err := requireReady(deps.Storage)
	if err != nil {
		return nil, err
	}
	cfg, err := configItem.Load(deps.Storage)
	if err != nil {
		return nil, err
	}
	if err := checkProfileFee(cfg.ProfileCost, info.Funds); err != nil {
		return nil, err
	}

	call, err := engine.NewWasmExecute(c.profiles, profiles.ExecuteMsg{CreateProfile: &profiles.CreateProfile{
		Address: info.Sender,
		UserID:  m.UserID,
		Pubkey:  m.PubKey,
	}}, nil)
	if err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddMessage(call).
		AddAttribute("action", "create_profile").
		AddAttribute("sender", info.Sender).
		AddAttribute("user_id", m.UserID), nil
}

func changeUserID(deps engine.Deps, info engine.MessageInfo, m ChangeUserID) (*engine.Response, error) {
	c, err := requireReady(deps.Storage)
	if err != nil {
		return nil, err
	}
	if err := nonPayable(info.Funds); err != nil {
		return nil, err
	}
	call, err := engine.NewWasmExecute(c.profiles, profiles.ExecuteMsg{ChangeUserID: &profiles.ChangeUserID{
		Address: info.Sender,
		UserID:  m.UserID,
	}}, nil)
	if err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddMessage(call).
		AddAttribute("action", "change_user_id").
		AddAttribute("sender", info.Sender), nil
}

func changePubkey(deps engine.Deps, info engine.MessageInfo, m ChangePubkey) (*engine.Response, error) {
	c, err := requireReady(deps.Storage)
	if err != nil {
		return nil, err
	}
	if err := nonPayable(info.Funds); err != nil {
		return nil, err
	}
	call, err := engine.NewWasmExecute(c.profiles, profiles.ExecuteMsg{ChangePubkey: &profiles.ChangePubkey{
		Address: info.Sender,
		Pubkey:  m.PubKey,
	}}, nil)
	if err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddMessage(call).
		AddAttribute("action", "change_pubkey").
		AddAttribute("sender", info.Sender), nil
}

func sendMessage(deps engine.Deps, info engine.MessageInfo, m SendMessage) (*engine.Response, error) {
	c, err := requireReady(deps.Storage)
	if err != nil {
		return nil, err
	}
	if (m.DestAddress == nil) == (m.DestID == nil) {
		return nil, ErrNoDestination
	}
	cfg, err := configItem.Load(deps.Storage)
	if err != nil {
		return nil, err
	}
	if len(m.Content) > int(cfg.MessageMaxLen) {
		return nil, ErrMessageTooLong.WithDetails("%d > %d bytes", len(m.Content), cfg.MessageMaxLen)
	}

	var receiver string
	if m.DestAddress != nil {
		if receiver, err = deps.API.AddrValidate(*m.DestAddress); err != nil {
			return nil, err
		}
	} else {
		var profile profiles.ProfileInfo
		q := profiles.QueryMsg{UserInfo: &profiles.UserInfoQuery{UserID: *m.DestID}}
		if err := engine.QueryJSON(deps.Querier, c.profiles, q, &profile); err != nil {
			return nil, err
		}
		receiver = profile.Address
	}

	escrow := info.Funds.Clone()
	if cfg.MessageCost != nil {
		if escrow, err = coin.DeductFee(info.Funds, *cfg.MessageCost); err != nil {
			return nil, ErrNotEnoughFundsForMessage.Wrap(err)
		}
	}

	call, err := engine.NewWasmExecute(c.messages, messages.ExecuteMsg{SendMessage: &messages.SendMessage{
		Sender:   info.Sender,
		Receiver: receiver,
		Message:  []byte(m.Content),
	}}, escrow)
	if err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddMessage(call).
		AddAttribute("action", "send_message").
		AddAttribute("sender", info.Sender).
		AddAttribute("receiver", receiver).
		AddAttribute("escrow", escrow.String()), nil
}

func updateConfig(deps engine.Deps, info engine.MessageInfo, m UpdateConfig) (*engine.Response, error) {
	if err := ownable.AssertOwner(deps.Storage, info.Sender); err != nil {
		return nil, err
	}
	cfg := Config{ProfileCost: m.CreateProfileCost, MessageCost: m.SendMessageCost, MessageMaxLen: m.MessageMaxLen}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := configItem.Save(deps.Storage, cfg); err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddAttribute("action", "update_config").
		AddAttribute("sender", info.Sender), nil
}

func changeMessagesConfig(deps engine.Deps, info engine.MessageInfo, m ChangeMessagesConfig) (*engine.Response, error) {
	if err := ownable.AssertOwner(deps.Storage, info.Sender); err != nil {
		return nil, err
	}
	c, err := requireReady(deps.Storage)
	if err != nil {
		return nil, err
	}
	call, err := engine.NewWasmExecute(c.messages, messages.ExecuteMsg{ChangeConfig: &messages.ChangeConfig{
		DefaultQueryLimit: m.DefaultQueryLimit,
		MaxQueryLimit:     m.MaxQueryLimit,
	}}, nil)
	if err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddMessage(call).
		AddAttribute("action", "change_messages_config").
		AddAttribute("sender", info.Sender), nil
}

func retrieveFees(deps engine.Deps, env engine.Env, info engine.MessageInfo, m RetrieveFees) (*engine.Response, error) {
	if err := ownable.AssertOwner(deps.Storage, info.Sender); err != nil {
		return nil, err
	}
	receiver := info.Sender
	if m.Receiver != "" {
		addr, err := deps.API.AddrValidate(m.Receiver)
		if err != nil {
			return nil, err
		}
		receiver = addr
	}

	held, err := deps.Querier.QueryAllBalances(env.Contract.Address)
	if err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddMessage(engine.BankSend{ToAddress: receiver, Amount: held}).
		AddAttribute("action", "retrieve_fees").
		AddAttribute("receiver", receiver).
		AddAttribute("amount", held.String()), nil
}

func (Contract) Query(deps engine.Deps, _ engine.Env, raw []byte) ([]byte, error) {
	var msg QueryMsg
	if err := engine.DecodeMsg(raw, &msg); err != nil {
		return nil, err
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}

	switch {
	case msg.Config != nil:
		cfg, err := configItem.Load(deps.Storage)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cfg)
	case msg.Contracts != nil:
		c, err := loadChildren(deps.Storage)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ContractsResponse{ProfilesAddress: c.profiles, MessagesAddress: c.messages})
	case msg.Status != nil:
		p, _, err := phase(deps.Storage)
		if err != nil {
			return nil, err
		}
		return json.Marshal(StatusResponse{Phase: p})
	default:
		return ownable.Query(deps.Storage)
	}
}
