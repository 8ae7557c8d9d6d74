package profiles

import (
	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/ownable"
)

// InstantiateMsg takes no parameters.
type InstantiateMsg struct{}

// ExecuteMsg is a tagged union; exactly one field must be set.
type ExecuteMsg struct {
	CreateProfile   *CreateProfile  `json:"create_profile,omitempty"`
	ChangeUserID    *ChangeUserID   `json:"change_user_id,omitempty"`
	ChangePubkey    *ChangePubkey   `json:"change_pubkey,omitempty"`
	UpdateOwnership *ownable.Action `json:"update_ownership,omitempty"`
}

func (m ExecuteMsg) validate() error {
	return engine.ExactlyOne(
		m.CreateProfile != nil,
		m.ChangeUserID != nil,
		m.ChangePubkey != nil,
		m.UpdateOwnership != nil,
	)
}

type CreateProfile struct {
	Address string `json:"address"`
	UserID  string `json:"user_id"`
	Pubkey  string `json:"pubkey"`
}

type ChangeUserID struct {
	Address string `json:"address"`
	UserID  string `json:"user_id"`
}

type ChangePubkey struct {
	Address string `json:"address"`
	Pubkey  string `json:"pubkey"`
}

// QueryMsg is a tagged union; exactly one field must be set.
type QueryMsg struct {
	UserInfo    *UserInfoQuery    `json:"user_info,omitempty"`
	AddressInfo *AddressInfoQuery `json:"address_info,omitempty"`
	Ownership   *struct{}         `json:"ownership,omitempty"`
}

func (m QueryMsg) validate() error {
	return engine.ExactlyOne(m.UserInfo != nil, m.AddressInfo != nil, m.Ownership != nil)
}

type UserInfoQuery struct {
	UserID string `json:"user_id"`
}

type AddressInfoQuery struct {
	Address string `json:"address"`
}

// ProfileInfo answers both lookups.
type ProfileInfo struct {
	Address string `json:"address"`
	UserID  string `json:"user_id"`
	Pubkey  string `json:"pubkey"`
}
