package engine

import (
	"bytes"
	"encoding/json"

	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine/store"
	"github.com/keyleu/secure-messaging/pkg/logger"
)

// API exposes host helpers to contracts.
type API interface {
	// AddrValidate checks an address and returns its canonical form.
	AddrValidate(addr string) (string, error)
}

// Querier performs synchronous reads against other contracts and the bank.
// Reads observe the state of the calling request, including its own
// uncommitted writes.
type Querier interface {
	QuerySmart(contract string, msg []byte) ([]byte, error)
	QueryBalance(address, denom string) (coin.Coin, error)
	QueryAllBalances(address string) (coin.Coins, error)
}

// Deps gives a handler access to its storage namespace and the host.
type Deps struct {
	Storage store.KVStore
	API     API
	Querier Querier
	Logger  *logger.Logger
}

// Contract is the code behind a service instance. Handlers receive raw
// JSON messages and must be deterministic.
type Contract interface {
	Instantiate(deps Deps, env Env, info MessageInfo, msg []byte) (*Response, error)
	Execute(deps Deps, env Env, info MessageInfo, msg []byte) (*Response, error)
	Query(deps Deps, env Env, msg []byte) ([]byte, error)
}

// Replier is implemented by contracts that issue sub-messages with reply
// correlation.
type Replier interface {
	Reply(deps Deps, env Env, reply Reply) (*Response, error)
}

// DecodeMsg strictly decodes a JSON message; unknown fields are rejected.
func DecodeMsg(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ErrInvalidMessage.Wrap(err)
	}
	return nil
}

// EncodeMsg encodes a message as JSON.
func EncodeMsg(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, ErrInvalidMessage.Wrap(err)
	}
	return data, nil
}

// NewWasmExecute builds a WasmExecute carrying msg encoded as JSON.
func NewWasmExecute(contract string, msg interface{}, funds coin.Coins) (WasmExecute, error) {
	data, err := EncodeMsg(msg)
	if err != nil {
		return WasmExecute{}, err
	}
	return WasmExecute{ContractAddr: contract, Msg: data, Funds: funds}, nil
}

// NewWasmInstantiate builds a WasmInstantiate carrying msg encoded as JSON.
func NewWasmInstantiate(codeID uint64, msg interface{}, admin, label string) (WasmInstantiate, error) {
	data, err := EncodeMsg(msg)
	if err != nil {
		return WasmInstantiate{}, err
	}
	return WasmInstantiate{CodeID: codeID, Msg: data, Admin: admin, Label: label}, nil
}

// QueryJSON sends req to contract and decodes the JSON answer into out.
func QueryJSON(q Querier, contract string, req, out interface{}) error {
	data, err := EncodeMsg(req)
	if err != nil {
		return err
	}
	raw, err := q.QuerySmart(contract, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ErrInvalidMessage.Wrap(err)
	}
	return nil
}

// ExactlyOne fails with ErrUnknownMessage unless exactly one of the
// variant flags is set. Contracts use it after decoding a tagged message.
func ExactlyOne(set ...bool) error {
	n := 0
	for _, s := range set {
		if s {
			n++
		}
	}
	if n != 1 {
		return ErrUnknownMessage
	}
	return nil
}
