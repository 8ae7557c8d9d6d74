package messages

import (
	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/ownable"
)

// InstantiateMsg configures pagination bounds.
type InstantiateMsg struct {
	DefaultQueryLimit uint32 `json:"default_query_limit"`
	MaxQueryLimit     uint32 `json:"max_query_limit"`
}

// ExecuteMsg is a tagged union; exactly one field must be set.
type ExecuteMsg struct {
	SendMessage       *SendMessage    `json:"send_message,omitempty"`
	ClaimMessageFunds *MessageIDs     `json:"claim_message_funds,omitempty"`
	DeleteMessages    *MessageIDs     `json:"delete_messages,omitempty"`
	ChangeConfig      *ChangeConfig   `json:"change_config,omitempty"`
	UpdateOwnership   *ownable.Action `json:"update_ownership,omitempty"`
}

func (m ExecuteMsg) validate() error {
	return engine.ExactlyOne(
		m.SendMessage != nil,
		m.ClaimMessageFunds != nil,
		m.DeleteMessages != nil,
		m.ChangeConfig != nil,
		m.UpdateOwnership != nil,
	)
}

// SendMessage appends a message to the receiver's log. Funds attached to
// the call become the message's escrow.
type SendMessage struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Message  []byte `json:"message"`
}

// MessageIDs selects entries of the caller's own log by index.
type MessageIDs struct {
	MessageIDs []uint64 `json:"message_ids"`
}

// ChangeConfig replaces both pagination bounds.
type ChangeConfig struct {
	DefaultQueryLimit uint32 `json:"default_query_limit"`
	MaxQueryLimit     uint32 `json:"max_query_limit"`
}

// QueryMsg is a tagged union; exactly one field must be set.
type QueryMsg struct {
	Messages      *MessagesQuery `json:"messages,omitempty"`
	TotalMessages *AddressQuery  `json:"total_messages,omitempty"`
	Config        *struct{}      `json:"config,omitempty"`
	Ownership     *struct{}      `json:"ownership,omitempty"`
}

func (m QueryMsg) validate() error {
	return engine.ExactlyOne(
		m.Messages != nil,
		m.TotalMessages != nil,
		m.Config != nil,
		m.Ownership != nil,
	)
}

// MessagesQuery reads a window of the log ending just before From, newest
// first. A nil From starts at the end of the log.
type MessagesQuery struct {
	Address string  `json:"address"`
	From    *uint64 `json:"from,omitempty"`
	Limit   *uint32 `json:"limit,omitempty"`
}

// AddressQuery names a recipient.
type AddressQuery struct {
	Address string `json:"address"`
}

// Message is one entry of a recipient's log.
type Message struct {
	Sender  string     `json:"sender"`
	Content []byte     `json:"content"`
	Funds   coin.Coins `json:"funds"`
}

// MessageResponse carries a message with its position in the log.
type MessageResponse struct {
	ID      uint64  `json:"id"`
	Message Message `json:"message"`
}

// MessagesResponse answers MessagesQuery.
type MessagesResponse struct {
	Messages []MessageResponse `json:"messages"`
}

// TotalMessagesResponse answers TotalMessages.
type TotalMessagesResponse struct {
	Total uint64 `json:"total"`
}
