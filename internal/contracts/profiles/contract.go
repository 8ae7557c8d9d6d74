// Package profiles implements the Profile Registry, which binds each
// address to a unique user id and a public key. Only the owner (the
// Controller) may write; anyone may look profiles up.
package profiles

import (
	"encoding/hex"
	"encoding/json"
	"regexp"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/engine/storage"
	"github.com/keyleu/secure-messaging/internal/ownable"
)

const ContractName = "profiles"

var (
	ErrUserIDAlreadyExists = engine.NewError(engine.KindValidation, "user_id_already_exists", "user id already exists")
	ErrAddressHasProfile   = engine.NewError(engine.KindValidation, "address_has_profile", "address already has a profile")
	ErrProfileNotFound     = engine.NewError(engine.KindNotFound, "profile_not_found", "profile not found")
	ErrInvalidUserID       = engine.NewError(engine.KindValidation, "invalid_user_id", "user id must be 1-64 characters of [A-Za-z0-9_.-]")
	ErrInvalidPubkey       = engine.NewError(engine.KindValidation, "invalid_pubkey", "invalid public key")
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Profile is stored per address.
type Profile struct {
	UserID string `json:"user_id"`
	Pubkey string `json:"pubkey"`
}

var (
	userIDToAddress  = storage.NewMap[string]("userid_to_address")
	addressToProfile = storage.NewMap[Profile]("address_to_profile")
)

// ValidateUserID checks the user id syntax.
func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return ErrInvalidUserID.WithDetails("%q", id)
	}
	return nil
}

// NormalizePubkey parses a hex encoded secp256r1 public key and returns
// its compressed hex form.
func NormalizePubkey(pub string) (string, error) {
	pk, err := keys.NewPublicKeyFromString(pub)
	if err != nil {
		return "", ErrInvalidPubkey.Wrap(err)
	}
	return hex.EncodeToString(pk.Bytes()), nil
}

// Contract is the Profile Registry code.
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
	if msg.UpdateOwnership != nil {
		return ownable.Execute(deps, env, info, *msg.UpdateOwnership)
	}
	if err := ownable.AssertOwner(deps.Storage, info.Sender); err != nil {
		return nil, err
	}

	switch {
	case msg.CreateProfile != nil:
		return createProfile(deps, *msg.CreateProfile)
	case msg.ChangeUserID != nil:
		return changeUserID(deps, *msg.ChangeUserID)
	default:
		return changePubkey(deps, *msg.ChangePubkey)
	}
}

func createProfile(deps engine.Deps, m CreateProfile) (*engine.Response, error) {
	addr, err := deps.API.AddrValidate(m.Address)
	if err != nil {
		return nil, err
	}
	if err := ValidateUserID(m.UserID); err != nil {
		return nil, err
	}
	pub, err := NormalizePubkey(m.Pubkey)
	if err != nil {
		return nil, err
	}

	if userIDToAddress.Has(deps.Storage, m.UserID) {
		return nil, ErrUserIDAlreadyExists.WithDetails("%s", m.UserID)
	}
	if addressToProfile.Has(deps.Storage, addr) {
		return nil, ErrAddressHasProfile.WithDetails("%s", addr)
	}

	if err := userIDToAddress.Save(deps.Storage, m.UserID, addr); err != nil {
		return nil, err
	}
	if err := addressToProfile.Save(deps.Storage, addr, Profile{UserID: m.UserID, Pubkey: pub}); err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddAttribute("action", "create_profile").
		AddAttribute("address", addr).
		AddAttribute("user_id", m.UserID), nil
}

func loadProfile(deps engine.Deps, address string) (string, Profile, error) {
	addr, err := deps.API.AddrValidate(address)
	if err != nil {
		return "", Profile{}, err
	}
	p, ok, err := addressToProfile.MayLoad(deps.Storage, addr)
	if err != nil {
		return "", Profile{}, err
	}
	if !ok {
		return "", Profile{}, ErrProfileNotFound.WithDetails("%s", addr)
	}
	return addr, p, nil
}

func changeUserID(deps engine.Deps, m ChangeUserID) (*engine.Response, error) {
	addr, p, err := loadProfile(deps, m.Address)
	if err != nil {
		return nil, err
	}
	if err := ValidateUserID(m.UserID); err != nil {
		return nil, err
	}

	if owner, taken, err := userIDToAddress.MayLoad(deps.Storage, m.UserID); err != nil {
		return nil, err
	} else if taken && owner != addr {
		return nil, ErrUserIDAlreadyExists.WithDetails("%s", m.UserID)
	}

	userIDToAddress.Remove(deps.Storage, p.UserID)
	if err := userIDToAddress.Save(deps.Storage, m.UserID, addr); err != nil {
		return nil, err
	}
	old := p.UserID
	p.UserID = m.UserID
	if err := addressToProfile.Save(deps.Storage, addr, p); err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddAttribute("action", "change_user_id").
		AddAttribute("address", addr).
		AddAttribute("old_user_id", old).
		AddAttribute("user_id", m.UserID), nil
}

func changePubkey(deps engine.Deps, m ChangePubkey) (*engine.Response, error) {
	addr, p, err := loadProfile(deps, m.Address)
	if err != nil {
		return nil, err
	}
	pub, err := NormalizePubkey(m.Pubkey)
	if err != nil {
		return nil, err
	}
	p.Pubkey = pub
	if err := addressToProfile.Save(deps.Storage, addr, p); err != nil {
		return nil, err
	}
	return engine.NewResponse().
		AddAttribute("action", "change_pubkey").
		AddAttribute("address", addr), nil
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
	case msg.UserInfo != nil:
		addr, ok, err := userIDToAddress.MayLoad(deps.Storage, msg.UserInfo.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrProfileNotFound.WithDetails("user id %s", msg.UserInfo.UserID)
		}
		return queryAddress(deps, addr)
	case msg.AddressInfo != nil:
		return queryAddress(deps, msg.AddressInfo.Address)
	default:
		return ownable.Query(deps.Storage)
	}
}

func queryAddress(deps engine.Deps, address string) ([]byte, error) {
	addr, p, err := loadProfile(deps, address)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ProfileInfo{Address: addr, UserID: p.UserID, Pubkey: p.Pubkey})
}
