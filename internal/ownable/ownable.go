// Package ownable implements a two-step owner capability shared by the
// messaging services: the owner nominates a successor, who must accept
// before the handover takes effect. The owner can also renounce, leaving
// the service without an administrator.
package ownable

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/engine/storage"
	"github.com/keyleu/secure-messaging/internal/engine/store"
)

var (
	ErrNotOwner             = engine.NewError(engine.KindUnauthorized, "not_owner", "caller is not the contract's current owner")
	ErrNoOwner              = engine.NewError(engine.KindUnauthorized, "no_owner", "contract ownership has been renounced")
	ErrNotPendingOwner      = engine.NewError(engine.KindUnauthorized, "not_pending_owner", "caller is not the contract's pending owner")
	ErrTransferNotFound     = engine.NewError(engine.KindNotFound, "transfer_not_found", "there is no pending ownership transfer")
	ErrTransferExpired      = engine.NewError(engine.KindValidation, "transfer_expired", "the pending ownership transfer has expired")
	ErrCannotTransferToSelf = engine.NewError(engine.KindValidation, "transfer_to_self", "cannot transfer ownership to self")
	ErrInvalidExpiry        = engine.NewError(engine.KindValidation, "invalid_expiry", "expiry is already in the past")
	ErrInvalidAction        = engine.NewError(engine.KindValidation, "invalid_action", "unknown ownership action")
)

var ownershipItem = storage.NewItem[Ownership]("ownership")

// Expiration bounds a pending transfer by block height or block time
// (unix seconds). The zero value never expires.
type Expiration struct {
	AtHeight uint64 `json:"at_height,omitempty" cbor:"1,keyasint,omitempty"`
	AtTime   int64  `json:"at_time,omitempty" cbor:"2,keyasint,omitempty"`
}

// Never reports whether e has no bound.
func (e Expiration) Never() bool {
	return e.AtHeight == 0 && e.AtTime == 0
}

// IsExpired reports whether block is at or past e.
func (e Expiration) IsExpired(block engine.BlockInfo) bool {
	switch {
	case e.AtHeight != 0:
		return block.Height >= e.AtHeight
	case e.AtTime != 0:
		return block.Time.Unix() >= e.AtTime
	default:
		return false
	}
}

func (e Expiration) String() string {
	switch {
	case e.AtHeight != 0:
		return "expiration height: " + strconv.FormatUint(e.AtHeight, 10)
	case e.AtTime != 0:
		return "expiration time: " + strconv.FormatInt(e.AtTime, 10)
	default:
		return "expiration: never"
	}
}

// Ownership is the persisted owner state.
type Ownership struct {
	Owner         string      `json:"owner,omitempty" cbor:"1,keyasint,omitempty"`
	PendingOwner  string      `json:"pending_owner,omitempty" cbor:"2,keyasint,omitempty"`
	PendingExpiry *Expiration `json:"pending_expiry,omitempty" cbor:"3,keyasint,omitempty"`
}

// Attributes renders the state as response attributes.
func (o Ownership) Attributes() []engine.Attribute {
	orNone := func(s string) string {
		if s == "" {
			return "none"
		}
		return s
	}
	expiry := "none"
	if o.PendingExpiry != nil {
		expiry = o.PendingExpiry.String()
	}
	return []engine.Attribute{
		{Key: "owner", Value: orNone(o.Owner)},
		{Key: "pending_owner", Value: orNone(o.PendingOwner)},
		{Key: "pending_expiry", Value: expiry},
	}
}

// Initialize sets the first owner. An empty owner leaves the contract
// without one.
func Initialize(s store.KVStore, api engine.API, owner string) (Ownership, error) {
	o := Ownership{}
	if owner != "" {
		addr, err := api.AddrValidate(owner)
		if err != nil {
			return Ownership{}, err
		}
		o.Owner = addr
	}
	return o, ownershipItem.Save(s, o)
}

// Get loads the ownership state.
func Get(s store.KVStore) (Ownership, error) {
	o, _, err := ownershipItem.MayLoad(s)
	return o, err
}

// AssertOwner fails unless sender is the current owner.
func AssertOwner(s store.KVStore, sender string) error {
	o, err := Get(s)
	if err != nil {
		return err
	}
	return o.assertOwner(sender)
}

func (o Ownership) assertOwner(sender string) error {
	if o.Owner == "" {
		return ErrNoOwner
	}
	if o.Owner != sender {
		return ErrNotOwner
	}
	return nil
}

// Action is one of TransferOwnership, AcceptOwnership or RenounceOwnership.
// On the wire the unit variants are bare strings and transfer is an object:
//
//	{"transfer_ownership":{"new_owner":"N...","expiry":{"at_height":100}}}
//	"accept_ownership"
//	"renounce_ownership"
type Action struct {
	TransferOwnership *TransferOwnership
	AcceptOwnership   bool
	RenounceOwnership bool
}

// TransferOwnership nominates a new owner.
type TransferOwnership struct {
	NewOwner string      `json:"new_owner"`
	Expiry   *Expiration `json:"expiry,omitempty"`
}

const (
	actionAccept   = "accept_ownership"
	actionRenounce = "renounce_ownership"
)

func (a Action) MarshalJSON() ([]byte, error) {
	switch {
	case a.TransferOwnership != nil:
		return json.Marshal(map[string]*TransferOwnership{"transfer_ownership": a.TransferOwnership})
	case a.AcceptOwnership:
		return json.Marshal(actionAccept)
	case a.RenounceOwnership:
		return json.Marshal(actionRenounce)
	default:
		return nil, ErrInvalidAction
	}
}

func (a *Action) UnmarshalJSON(data []byte) error {
	*a = Action{}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		switch name {
		case actionAccept:
			a.AcceptOwnership = true
		case actionRenounce:
			a.RenounceOwnership = true
		default:
			return ErrInvalidAction.WithDetails("%s", name)
		}
		return nil
	}

	var obj struct {
		TransferOwnership *TransferOwnership `json:"transfer_ownership"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&obj); err != nil {
		return ErrInvalidAction.Wrap(err)
	}
	if obj.TransferOwnership == nil {
		return ErrInvalidAction
	}
	a.TransferOwnership = obj.TransferOwnership
	return nil
}

// Update applies action on behalf of sender and persists the result.
func Update(deps engine.Deps, block engine.BlockInfo, sender string, action Action) (Ownership, error) {
	o, err := Get(deps.Storage)
	if err != nil {
		return Ownership{}, err
	}

	switch {
	case action.TransferOwnership != nil:
		o, err = o.transfer(deps.API, block, sender, *action.TransferOwnership)
	case action.AcceptOwnership:
		o, err = o.accept(block, sender)
	case action.RenounceOwnership:
		o, err = o.renounce(sender)
	default:
		err = ErrInvalidAction
	}
	if err != nil {
		return Ownership{}, err
	}
	return o, ownershipItem.Save(deps.Storage, o)
}

func (o Ownership) transfer(api engine.API, block engine.BlockInfo, sender string, t TransferOwnership) (Ownership, error) {
	if err := o.assertOwner(sender); err != nil {
		return o, err
	}
	next, err := api.AddrValidate(t.NewOwner)
	if err != nil {
		return o, err
	}
	if next == sender {
		return o, ErrCannotTransferToSelf
	}
	if t.Expiry != nil && !t.Expiry.Never() && t.Expiry.IsExpired(block) {
		return o, ErrInvalidExpiry
	}
	o.PendingOwner = next
	o.PendingExpiry = t.Expiry
	return o, nil
}

func (o Ownership) accept(block engine.BlockInfo, sender string) (Ownership, error) {
	if o.PendingOwner == "" {
		return o, ErrTransferNotFound
	}
	if o.PendingOwner != sender {
		return o, ErrNotPendingOwner
	}
	if o.PendingExpiry != nil && o.PendingExpiry.IsExpired(block) {
		return o, ErrTransferExpired
	}
	return Ownership{Owner: sender}, nil
}

func (o Ownership) renounce(sender string) (Ownership, error) {
	if err := o.assertOwner(sender); err != nil {
		return o, err
	}
	return Ownership{}, nil
}

// Execute runs an update_ownership message and builds the response.
func Execute(deps engine.Deps, env engine.Env, info engine.MessageInfo, action Action) (*engine.Response, error) {
	o, err := Update(deps, env.Block, info.Sender, action)
	if err != nil {
		return nil, err
	}
	res := engine.NewResponse().AddAttribute("action", "update_ownership")
	for _, attr := range o.Attributes() {
		res.AddAttribute(attr.Key, attr.Value)
	}
	return res, nil
}

// Query answers the ownership query.
func Query(s store.KVStore) ([]byte, error) {
	o, err := Get(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(o)
}
