package engine

import (
	"time"

	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine/events"
)

// BlockInfo describes the block a request executes in.
type BlockInfo struct {
	Height  uint64    `json:"height"`
	Time    time.Time `json:"time"`
	ChainID string    `json:"chain_id"`
}

// ContractEnv identifies the contract being called.
type ContractEnv struct {
	Address string `json:"address"`
}

// Env is the environment passed to every handler.
type Env struct {
	Block    BlockInfo   `json:"block"`
	Contract ContractEnv `json:"contract"`
}

// MessageInfo identifies the caller and the funds it attached. The funds
// have already been moved to the contract when the handler runs.
type MessageInfo struct {
	Sender string     `json:"sender"`
	Funds  coin.Coins `json:"funds"`
}

type (
	Attribute = events.Attribute
	Event     = events.Event
)

// ContractInfo is the registry entry of an instantiated contract.
type ContractInfo struct {
	Address string `cbor:"address" json:"address"`
	CodeID  uint64 `cbor:"code_id" json:"code_id"`
	Creator string `cbor:"creator" json:"creator"`
	Admin   string `cbor:"admin" json:"admin,omitempty"`
	Label   string `cbor:"label" json:"label"`
}

// Response is what a handler returns: attributes and events to emit,
// messages to dispatch after the handler returns, and optional data.
type Response struct {
	Attributes []Attribute
	Events     []Event
	Messages   []SubMsg
	Data       []byte
}

// NewResponse returns an empty response.
func NewResponse() *Response {
	return &Response{}
}

// AddAttribute appends an attribute to the contract's wasm event.
func (r *Response) AddAttribute(key, value string) *Response {
	r.Attributes = append(r.Attributes, Attribute{Key: key, Value: value})
	return r
}

// AddEvent appends a custom event. Its type is prefixed with "wasm-".
func (r *Response) AddEvent(e Event) *Response {
	r.Events = append(r.Events, e)
	return r
}

// AddMessage queues a message whose result is not reported back.
func (r *Response) AddMessage(m Msg) *Response {
	r.Messages = append(r.Messages, SubMsg{Msg: m, ReplyOn: ReplyNever})
	return r
}

// AddSubMessage queues a message with reply correlation.
func (r *Response) AddSubMessage(sm SubMsg) *Response {
	r.Messages = append(r.Messages, sm)
	return r
}

// SetData sets the response data.
func (r *Response) SetData(data []byte) *Response {
	r.Data = data
	return r
}

// ReplyOn selects which sub-message outcomes are reported back.
type ReplyOn int

const (
	ReplyNever ReplyOn = iota
	ReplySuccess
	ReplyError
	ReplyAlways
)

func (r ReplyOn) onSuccess() bool { return r == ReplySuccess || r == ReplyAlways }
func (r ReplyOn) onError() bool   { return r == ReplyError || r == ReplyAlways }

// SubMsg is a queued message tagged with a correlation id.
type SubMsg struct {
	ID      uint64
	Msg     Msg
	ReplyOn ReplyOn
}

// ReplyOnSuccess builds a sub-message answered only when it succeeds.
func ReplyOnSuccess(m Msg, id uint64) SubMsg {
	return SubMsg{ID: id, Msg: m, ReplyOn: ReplySuccess}
}

// Msg is one of BankSend, WasmExecute or WasmInstantiate.
type Msg interface {
	msgType() string
}

// BankSend transfers funds from the issuing contract.
type BankSend struct {
	ToAddress string
	Amount    coin.Coins
}

// WasmExecute calls another contract.
type WasmExecute struct {
	ContractAddr string
	Msg          []byte
	Funds        coin.Coins
}

// WasmInstantiate spawns a contract from a stored code.
type WasmInstantiate struct {
	CodeID uint64
	Msg    []byte
	Funds  coin.Coins
	Admin  string
	Label  string
}

func (BankSend) msgType() string        { return "bank_send" }
func (WasmExecute) msgType() string     { return "wasm_execute" }
func (WasmInstantiate) msgType() string { return "wasm_instantiate" }

// Reply reports a sub-message outcome back to the contract that issued it.
type Reply struct {
	ID     uint64
	Result SubMsgResult
}

// SubMsgResult holds either a response or an error string.
type SubMsgResult struct {
	Ok  *SubMsgResponse
	Err string
}

// SubMsgResponse is the outcome of a successful sub-message. For an
// instantiation ContractAddress is the new contract's address.
type SubMsgResponse struct {
	Events          []Event
	Data            []byte
	ContractAddress string
}

// InstantiateResult is the parsed outcome of an instantiation reply.
type InstantiateResult struct {
	ContractAddress string
	Data            []byte
}

// ErrReplyParse is returned by ParseReplyInstantiate.
var ErrReplyParse = NewError(KindProtocol, "reply_parse", "reply does not carry an instantiation result")

// ParseReplyInstantiate extracts the child address from a reply to a
// WasmInstantiate sub-message.
func ParseReplyInstantiate(r Reply) (InstantiateResult, error) {
	if r.Result.Err != "" {
		return InstantiateResult{}, ErrReplyParse.WithDetails("%s", r.Result.Err)
	}
	if r.Result.Ok == nil || r.Result.Ok.ContractAddress == "" {
		return InstantiateResult{}, ErrReplyParse
	}
	return InstantiateResult{ContractAddress: r.Result.Ok.ContractAddress, Data: r.Result.Ok.Data}, nil
}

// Result is returned to the caller of a committed top-level request.
type Result struct {
	TxID            string  `json:"tx_id"`
	Height          uint64  `json:"height"`
	Events          []Event `json:"events"`
	Data            []byte  `json:"data,omitempty"`
	ContractAddress string  `json:"contract_address,omitempty"`
}

// EventsOfType returns the events of the given type in emission order.
func (r *Result) EventsOfType(t string) []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
