// Package messages implements the Message Store: a per-recipient,
// append-only message log where every entry can hold escrowed funds until
// the recipient claims them or deletes the message.
package messages

import (
	"encoding/json"
	"strconv"

	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/ownable"
)

const ContractName = "messages"

var (
	ErrNoMessage     = engine.NewError(engine.KindNotFound, "no_message", "message does not exist")
	ErrInvalidConfig = engine.NewError(engine.KindValidation, "invalid_config", "invalid query limits")
)

// Contract is the Message Store code.
type Contract struct{}

var _ engine.Contract = Contract{}

func (Contract) Instantiate(deps engine.Deps, _ engine.Env, info engine.MessageInfo, raw []byte) (*engine.Response, error) {
	var msg InstantiateMsg
	if err := engine.DecodeMsg(raw, &msg); err != nil {
		return nil, err
	}
	if _, err := ownable.Initialize(deps.Storage, deps.API, info.Sender); err != nil {
		return nil, err
	}
	cfg := Config(msg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := configItem.Save(deps.Storage, cfg); err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddAttribute("action", "instantiate").
		AddAttribute("contract_name", ContractName).
		AddAttribute("sender", info.Sender), nil
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
	case msg.SendMessage != nil:
		return sendMessage(deps, info, *msg.SendMessage)
	case msg.ClaimMessageFunds != nil:
		return claimMessageFunds(deps, info, msg.ClaimMessageFunds.MessageIDs)
	case msg.DeleteMessages != nil:
		return deleteMessages(deps, info, msg.DeleteMessages.MessageIDs)
	case msg.ChangeConfig != nil:
		return changeConfig(deps, info, Config(*msg.ChangeConfig))
	default:
		return ownable.Execute(deps, env, info, *msg.UpdateOwnership)
	}
}

func sendMessage(deps engine.Deps, info engine.MessageInfo, m SendMessage) (*engine.Response, error) {
	if err := ownable.AssertOwner(deps.Storage, info.Sender); err != nil {
		return nil, err
	}
	sender, err := deps.API.AddrValidate(m.Sender)
	if err != nil {
		return nil, err
	}
	receiver, err := deps.API.AddrValidate(m.Receiver)
	if err != nil {
		return nil, err
	}

	log, _, err := userMessages.MayLoad(deps.Storage, receiver)
	if err != nil {
		return nil, err
	}
	id := uint64(len(log))
	log = append(log, Message{
		Sender:  sender,
		Content: m.Message,
		Funds:   info.Funds.Clone(),
	})
	if err := userMessages.Save(deps.Storage, receiver, log); err != nil {
		return nil, err
	}

	deps.Logger.WithFields(map[string]interface{}{
		"receiver":   receiver,
		"message_id": id,
		"escrow":     info.Funds.String(),
	}).Debug("message stored")

	return engine.NewResponse().
		AddAttribute("action", "store_message").
		AddAttribute("sender", sender).
		AddAttribute("receiver", receiver).
		AddAttribute("message_id", strconv.FormatUint(id, 10)), nil
}

// collectFunds walks ids left to right, merging every selected message's
// escrow into one total and emptying it. An out of range id aborts the
// whole call. Messages that are already empty contribute nothing.
func collectFunds(log []Message, ids []uint64) (coin.Coins, error) {
	total := coin.Coins{}
	for _, id := range ids {
		if id >= uint64(len(log)) {
			return nil, ErrNoMessage.WithDetails("id %d", id)
		}
		if len(log[id].Funds) == 0 {
			continue
		}
		total = coin.Merge(total, log[id].Funds...)
		log[id].Funds = nil
	}
	return total, nil
}

func claimMessageFunds(deps engine.Deps, info engine.MessageInfo, ids []uint64) (*engine.Response, error) {
	log, _, err := userMessages.MayLoad(deps.Storage, info.Sender)
	if err != nil {
		return nil, err
	}
	total, err := collectFunds(log, ids)
	if err != nil {
		return nil, err
	}
	if len(log) > 0 {
		if err := userMessages.Save(deps.Storage, info.Sender, log); err != nil {
			return nil, err
		}
	}

	return engine.NewResponse().
		AddMessage(engine.BankSend{ToAddress: info.Sender, Amount: total}).
		AddAttribute("action", "claim_message_funds").
		AddAttribute("sender", info.Sender).
		AddAttribute("amount", total.String()), nil
}

func deleteMessages(deps engine.Deps, info engine.MessageInfo, ids []uint64) (*engine.Response, error) {
	log, _, err := userMessages.MayLoad(deps.Storage, info.Sender)
	if err != nil {
		return nil, err
	}
	total, err := collectFunds(log, ids)
	if err != nil {
		return nil, err
	}

	// positions refer to the log as it was before this call
	drop := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := make([]Message, 0, len(log))
	for i, m := range log {
		if _, ok := drop[uint64(i)]; !ok {
			kept = append(kept, m)
		}
	}

	if len(kept) == 0 {
		userMessages.Remove(deps.Storage, info.Sender)
	} else if err := userMessages.Save(deps.Storage, info.Sender, kept); err != nil {
		return nil, err
	}

	return engine.NewResponse().
		AddMessage(engine.BankSend{ToAddress: info.Sender, Amount: total}).
		AddAttribute("action", "delete_messages").
		AddAttribute("sender", info.Sender).
		AddAttribute("deleted", strconv.Itoa(len(log)-len(kept))).
		AddAttribute("amount", total.String()), nil
}

func changeConfig(deps engine.Deps, info engine.MessageInfo, cfg Config) (*engine.Response, error) {
	if err := ownable.AssertOwner(deps.Storage, info.Sender); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := configItem.Save(deps.Storage, cfg); err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddAttribute("action", "change_config").
		AddAttribute("sender", info.Sender), nil
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
	case msg.Messages != nil:
		res, err := queryMessages(deps, *msg.Messages)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	case msg.TotalMessages != nil:
		addr, err := deps.API.AddrValidate(msg.TotalMessages.Address)
		if err != nil {
			return nil, err
		}
		log, _, err := userMessages.MayLoad(deps.Storage, addr)
		if err != nil {
			return nil, err
		}
		return json.Marshal(TotalMessagesResponse{Total: uint64(len(log))})
	case msg.Config != nil:
		cfg, err := configItem.Load(deps.Storage)
		if err != nil {
			return nil, err
		}
		return json.Marshal(cfg)
	default:
		return ownable.Query(deps.Storage)
	}
}

func queryMessages(deps engine.Deps, q MessagesQuery) (MessagesResponse, error) {
	cfg, err := configItem.Load(deps.Storage)
	if err != nil {
		return MessagesResponse{}, err
	}
	addr, err := deps.API.AddrValidate(q.Address)
	if err != nil {
		return MessagesResponse{}, err
	}
	log, _, err := userMessages.MayLoad(deps.Storage, addr)
	if err != nil {
		return MessagesResponse{}, err
	}

	limit := uint64(cfg.DefaultQueryLimit)
	if q.Limit != nil {
		limit = uint64(*q.Limit)
	}
	if limit > uint64(cfg.MaxQueryLimit) {
		limit = uint64(cfg.MaxQueryLimit)
	}

	from := uint64(len(log))
	if q.From != nil && *q.From < from {
		from = *q.From
	}
	start := uint64(0)
	if from > limit {
		start = from - limit
	}

	out := MessagesResponse{Messages: make([]MessageResponse, 0, from-start)}
	for i := from; i > start; i-- {
		m := log[i-1]
		if m.Funds == nil {
			m.Funds = coin.Coins{}
		}
		out.Messages = append(out.Messages, MessageResponse{ID: i - 1, Message: m})
	}
	return out, nil
}
