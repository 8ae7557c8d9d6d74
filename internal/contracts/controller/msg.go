package controller

import (
	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/engine/state"
	"github.com/keyleu/secure-messaging/internal/ownable"
)

// InstantiateMsg sets fee policy and spawns both child services.
type InstantiateMsg struct {
	CodeIDProfiles    uint64     `json:"code_id_profiles"`
	CodeIDMessages    uint64     `json:"code_id_messages"`
	CreateProfileCost *coin.Coin `json:"create_profile_cost,omitempty"`
	SendMessageCost   *coin.Coin `json:"send_message_cost,omitempty"`
	MessageMaxLen     uint32     `json:"message_max_len"`
	DefaultQueryLimit uint32     `json:"default_query_limit"`
	MaxQueryLimit     uint32     `json:"max_query_limit"`
}

// ExecuteMsg is a tagged union; exactly one field must be set.
type ExecuteMsg struct {
	CreateProfile        *CreateProfile        `json:"create_profile,omitempty"`
	ChangeUserID         *ChangeUserID         `json:"change_user_id,omitempty"`
	ChangePubkey         *ChangePubkey         `json:"change_pubkey,omitempty"`
	SendMessage          *SendMessage          `json:"send_message,omitempty"`
	UpdateConfig         *UpdateConfig         `json:"update_config,omitempty"`
	ChangeMessagesConfig *ChangeMessagesConfig `json:"change_messages_config,omitempty"`
	RetrieveFees         *RetrieveFees         `json:"retrieve_fees,omitempty"`
	UpdateOwnership      *ownable.Action       `json:"update_ownership,omitempty"`
}

func (m ExecuteMsg) validate() error {
	return engine.ExactlyOne(
		m.CreateProfile != nil,
		m.ChangeUserID != nil,
		m.ChangePubkey != nil,
		m.SendMessage != nil,
		m.UpdateConfig != nil,
		m.ChangeMessagesConfig != nil,
		m.RetrieveFees != nil,
		m.UpdateOwnership != nil,
	)
}

type CreateProfile struct {
	UserID string `json:"user_id"`
	PubKey string `json:"pub_key"`
}

type ChangeUserID struct {
	UserID string `json:"user_id"`
}

type ChangePubkey struct {
	PubKey string `json:"pub_key"`
}

// SendMessage needs exactly one of DestAddress and DestID.
type SendMessage struct {
	Content     string  `json:"content"`
	DestAddress *string `json:"dest_address,omitempty"`
	DestID      *string `json:"dest_id,omitempty"`
}

// UpdateConfig replaces the fee policy. A nil cost disables that fee.
type UpdateConfig struct {
	CreateProfileCost *coin.Coin `json:"create_profile_cost,omitempty"`
	SendMessageCost   *coin.Coin `json:"send_message_cost,omitempty"`
	MessageMaxLen     uint32     `json:"message_max_len"`
}

type ChangeMessagesConfig struct {
	DefaultQueryLimit uint32 `json:"default_query_limit"`
	MaxQueryLimit     uint32 `json:"max_query_limit"`
}

// RetrieveFees sends the Controller's whole balance to Receiver, or to the
// caller when Receiver is empty.
type RetrieveFees struct {
	Receiver string `json:"receiver,omitempty"`
}

// QueryMsg is a tagged union; exactly one field must be set.
type QueryMsg struct {
	Config    *struct{} `json:"config,omitempty"`
	Contracts *struct{} `json:"contracts,omitempty"`
	Status    *struct{} `json:"status,omitempty"`
	Ownership *struct{} `json:"ownership,omitempty"`
}

func (m QueryMsg) validate() error {
	return engine.ExactlyOne(m.Config != nil, m.Contracts != nil, m.Status != nil, m.Ownership != nil)
}

// ContractsResponse lists the bound children. Unbound slots are empty.
type ContractsResponse struct {
	ProfilesAddress string `json:"profiles_address,omitempty"`
	MessagesAddress string `json:"messages_address,omitempty"`
}

// StatusResponse reports the provisioning phase.
type StatusResponse struct {
	Phase state.Phase `json:"phase"`
}
