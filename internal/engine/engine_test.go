package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine/events"
	"github.com/keyleu/secure-messaging/internal/engine/metrics"
	"github.com/keyleu/secure-messaging/internal/engine/storage"
	"github.com/keyleu/secure-messaging/internal/engine/store"
	"github.com/keyleu/secure-messaging/pkg/logger"
	"github.com/keyleu/secure-messaging/pkg/testutil"
)

var counterItem = storage.NewItem[uint64]("count")

// scripted is a contract whose handlers are supplied by the test.
type scripted struct {
	instantiate func(Deps, Env, MessageInfo, []byte) (*Response, error)
	execute     func(Deps, Env, MessageInfo, []byte) (*Response, error)
	query       func(Deps, Env, []byte) ([]byte, error)
	reply       func(Deps, Env, Reply) (*Response, error)
}

func (s *scripted) Instantiate(d Deps, e Env, i MessageInfo, m []byte) (*Response, error) {
	if s.instantiate == nil {
		return NewResponse(), nil
	}
	return s.instantiate(d, e, i, m)
}

func (s *scripted) Execute(d Deps, e Env, i MessageInfo, m []byte) (*Response, error) {
	if s.execute == nil {
		return NewResponse(), nil
	}
	return s.execute(d, e, i, m)
}

func (s *scripted) Query(d Deps, e Env, m []byte) ([]byte, error) {
	if s.query == nil {
		return json.Marshal(nil)
	}
	return s.query(d, e, m)
}

type replying struct {
	*scripted
}

func (r replying) Reply(d Deps, e Env, rep Reply) (*Response, error) {
	return r.reply(d, e, rep)
}

type counterMsg struct {
	Inc  *struct{} `json:"inc,omitempty"`
	Fail *struct{} `json:"fail,omitempty"`
	Send *sendMsg  `json:"send,omitempty"`
	Call *callMsg  `json:"call,omitempty"`
	Loop *struct{} `json:"loop,omitempty"`
	Echo *struct{} `json:"echo,omitempty"`
}

type sendMsg struct {
	To     string     `json:"to"`
	Amount coin.Coins `json:"amount"`
}

type callMsg struct {
	Contract string  `json:"contract"`
	Msg      []byte  `json:"msg"`
	ReplyOn  ReplyOn `json:"reply_on"`
}

func counterContract() *scripted {
	c := &scripted{}
	c.instantiate = func(d Deps, _ Env, _ MessageInfo, _ []byte) (*Response, error) {
		return NewResponse().AddAttribute("action", "instantiate"), counterItem.Save(d.Storage, 0)
	}
	c.execute = func(d Deps, env Env, info MessageInfo, raw []byte) (*Response, error) {
		var msg counterMsg
		if err := DecodeMsg(raw, &msg); err != nil {
			return nil, err
		}
		n, err := counterItem.Load(d.Storage)
		if err != nil {
			return nil, err
		}
		if err := counterItem.Save(d.Storage, n+1); err != nil {
			return nil, err
		}
		res := NewResponse().AddAttribute("action", "inc")
		switch {
		case msg.Fail != nil:
			return nil, errors.New("boom")
		case msg.Send != nil:
			res.AddMessage(BankSend{ToAddress: msg.Send.To, Amount: msg.Send.Amount})
		case msg.Call != nil:
			res.AddSubMessage(SubMsg{ID: 7, Msg: WasmExecute{ContractAddr: msg.Call.Contract, Msg: msg.Call.Msg}, ReplyOn: msg.Call.ReplyOn})
		case msg.Loop != nil:
			self, _ := json.Marshal(counterMsg{Loop: &struct{}{}})
			res.AddMessage(WasmExecute{ContractAddr: env.Contract.Address, Msg: self})
		case msg.Echo != nil:
			res.SetData([]byte(info.Sender))
		}
		return res, nil
	}
	c.query = func(d Deps, _ Env, _ []byte) ([]byte, error) {
		n, _, err := counterItem.MayLoad(d.Storage)
		if err != nil {
			return nil, err
		}
		return json.Marshal(n)
	}
	return c
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func newTestEngine(opts ...Option) *Engine {
	base := []Option{
		WithLogger(logger.NewDiscard("engine")),
		WithClock(testutil.NewClock(time.Unix(1700000000, 0)).Now),
	}
	return New(append(base, opts...)...)
}

func count(t *testing.T, e *Engine, addr string) uint64 {
	t.Helper()
	out, err := e.Query(context.Background(), addr, []byte(`{}`))
	require.NoError(t, err)
	var n uint64
	require.NoError(t, json.Unmarshal(out, &n))
	return n
}

func TestInstantiateAndExecute(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	alice := testutil.Addr("alice")
	codeID := e.StoreCode("counter", counterContract())

	res, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "counter")
	require.NoError(t, err)
	require.NotEmpty(t, res.ContractAddress)
	assert.Equal(t, uint64(1), res.Height)
	require.Len(t, res.EventsOfType(events.TypeInstantiate), 1)

	info, err := e.ContractInfo(res.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, codeID, info.CodeID)
	assert.Equal(t, alice, info.Creator)
	assert.Equal(t, "counter", info.Label)

	_, err = e.Execute(ctx, alice, res.ContractAddress, mustJSON(t, counterMsg{Inc: &struct{}{}}), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count(t, e, res.ContractAddress))
	assert.Equal(t, uint64(2), e.Height())
}

func TestContractAddressesAreDistinct(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	alice := testutil.Addr("alice")
	codeID := e.StoreCode("counter", counterContract())

	a, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "one")
	require.NoError(t, err)
	b, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "two")
	require.NoError(t, err)
	assert.NotEqual(t, a.ContractAddress, b.ContractAddress)
	assert.NoError(t, ValidateAddress(a.ContractAddress))
}

func TestFailedRequestRollsBack(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	alice := testutil.Addr("alice")
	codeID := e.StoreCode("counter", counterContract())
	_, err := e.Mint(ctx, alice, coin.NewCoins(coin.New("uatom", 100)))
	require.NoError(t, err)

	res, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "counter")
	require.NoError(t, err)
	addr := res.ContractAddress
	height := e.Height()

	// funds move before the handler runs, so a failure must undo both
	_, err = e.Execute(ctx, alice, addr, mustJSON(t, counterMsg{Fail: &struct{}{}}), coin.NewCoins(coin.New("uatom", 10)))
	require.Error(t, err)

	assert.Equal(t, uint64(0), count(t, e, addr))
	bal, err := e.Balance(alice)
	require.NoError(t, err)
	assert.True(t, bal.Equal(coin.NewCoins(coin.New("uatom", 100))))
	contractBal, err := e.Balance(addr)
	require.NoError(t, err)
	assert.True(t, contractBal.IsZero())
	assert.Equal(t, height, e.Height())
}

func TestSubMessageFailureAbortsWithoutReply(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	alice := testutil.Addr("alice")
	codeID := e.StoreCode("counter", counterContract())
	res, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "counter")
	require.NoError(t, err)
	addr := res.ContractAddress

	// the contract holds no funds, so the queued send fails
	msg := counterMsg{Send: &sendMsg{To: testutil.Addr("bob"), Amount: coin.NewCoins(coin.New("uatom", 1))}}
	_, err = e.Execute(ctx, alice, addr, mustJSON(t, msg), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.Equal(t, uint64(0), count(t, e, addr))
}

func TestBankSendFromContract(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	alice, bob := testutil.Addr("alice"), testutil.Addr("bob")
	codeID := e.StoreCode("counter", counterContract())
	_, err := e.Mint(ctx, alice, coin.NewCoins(coin.New("uatom", 10)))
	require.NoError(t, err)
	res, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "counter")
	require.NoError(t, err)

	msg := counterMsg{Send: &sendMsg{To: bob, Amount: coin.NewCoins(coin.New("uatom", 4))}}
	out, err := e.Execute(ctx, alice, res.ContractAddress, mustJSON(t, msg), coin.NewCoins(coin.New("uatom", 4)))
	require.NoError(t, err)
	assert.Len(t, out.EventsOfType(events.TypeTransfer), 2)

	bobBal, err := e.Balance(bob)
	require.NoError(t, err)
	assert.Equal(t, "4uatom", bobBal.String())
	aliceBal, err := e.Balance(alice)
	require.NoError(t, err)
	assert.Equal(t, "6uatom", aliceBal.String())
}

func TestReplyOnErrorRecoversFailedSubMessage(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	alice := testutil.Addr("alice")
	counterID := e.StoreCode("counter", counterContract())

	var got []Reply
	caller := replying{counterContract()}
	caller.reply = func(d Deps, _ Env, r Reply) (*Response, error) {
		got = append(got, r)
		return NewResponse().AddAttribute("replied", "true").SetData([]byte("from-reply")), nil
	}
	callerID := e.StoreCode("caller", caller)

	target, err := e.Instantiate(ctx, alice, counterID, []byte(`{}`), nil, "", "target")
	require.NoError(t, err)
	src, err := e.Instantiate(ctx, alice, callerID, []byte(`{}`), nil, "", "caller")
	require.NoError(t, err)

	call := counterMsg{Call: &callMsg{
		Contract: target.ContractAddress,
		Msg:      mustJSON(t, counterMsg{Fail: &struct{}{}}),
		ReplyOn:  ReplyError,
	}}
	res, err := e.Execute(ctx, alice, src.ContractAddress, mustJSON(t, call), nil)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0].ID)
	assert.Nil(t, got[0].Result.Ok)
	assert.Contains(t, got[0].Result.Err, "boom")
	assert.Equal(t, []byte("from-reply"), res.Data)

	// caller's own write survives, the target's write is dropped
	assert.Equal(t, uint64(1), count(t, e, src.ContractAddress))
	assert.Equal(t, uint64(0), count(t, e, target.ContractAddress))
}

func TestReplyOnSuccessCarriesData(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	alice := testutil.Addr("alice")
	counterID := e.StoreCode("counter", counterContract())

	var got []Reply
	caller := replying{counterContract()}
	caller.reply = func(_ Deps, _ Env, r Reply) (*Response, error) {
		got = append(got, r)
		return NewResponse(), nil
	}
	callerID := e.StoreCode("caller", caller)
	target, err := e.Instantiate(ctx, alice, counterID, []byte(`{}`), nil, "", "target")
	require.NoError(t, err)
	src, err := e.Instantiate(ctx, alice, callerID, []byte(`{}`), nil, "", "caller")
	require.NoError(t, err)

	call := counterMsg{Call: &callMsg{
		Contract: target.ContractAddress,
		Msg:      mustJSON(t, counterMsg{Echo: &struct{}{}}),
		ReplyOn:  ReplyAlways,
	}}
	_, err = e.Execute(ctx, alice, src.ContractAddress, mustJSON(t, call), nil)
	require.NoError(t, err)

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Result.Ok)
	// the sender of a sub-message is the issuing contract
	assert.Equal(t, []byte(src.ContractAddress), got[0].Result.Ok.Data)
	assert.Equal(t, uint64(1), count(t, e, target.ContractAddress))
}

func TestReplyWithoutHandler(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	alice := testutil.Addr("alice")
	codeID := e.StoreCode("counter", counterContract())
	a, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "a")
	require.NoError(t, err)
	b, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "b")
	require.NoError(t, err)

	call := counterMsg{Call: &callMsg{Contract: b.ContractAddress, Msg: mustJSON(t, counterMsg{Inc: &struct{}{}}), ReplyOn: ReplySuccess}}
	_, err = e.Execute(ctx, alice, a.ContractAddress, mustJSON(t, call), nil)
	assert.True(t, errors.Is(err, ErrNoReplyHandler))
}

func TestCallDepthLimit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(WithMaxCallDepth(4))
	alice := testutil.Addr("alice")
	codeID := e.StoreCode("counter", counterContract())
	res, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "loop")
	require.NoError(t, err)

	_, err = e.Execute(ctx, alice, res.ContractAddress, mustJSON(t, counterMsg{Loop: &struct{}{}}), nil)
	assert.True(t, errors.Is(err, ErrCallDepth))
	assert.Equal(t, uint64(0), count(t, e, res.ContractAddress))
}

func TestUnknownTargets(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	alice := testutil.Addr("alice")

	_, err := e.Execute(ctx, alice, testutil.Addr("nobody"), []byte(`{}`), nil)
	assert.True(t, errors.Is(err, ErrUnknownContract))
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = e.Instantiate(ctx, alice, 42, []byte(`{}`), nil, "", "x")
	assert.True(t, errors.Is(err, ErrUnknownCode))

	_, err = e.Execute(ctx, "not-an-address", testutil.Addr("nobody"), []byte(`{}`), nil)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestCommittedEventsArePublished(t *testing.T) {
	ctx := context.Background()
	ring := events.NewRingBuffer(16)
	collector := metrics.NewCollector("test")
	e := newTestEngine(WithEventLog(ring), WithMetrics(collector))
	alice := testutil.Addr("alice")
	codeID := e.StoreCode("counter", counterContract())

	res, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "counter")
	require.NoError(t, err)
	_, err = e.Execute(ctx, alice, res.ContractAddress, mustJSON(t, counterMsg{Fail: &struct{}{}}), nil)
	require.Error(t, err)

	recent := ring.RecentByContract(res.ContractAddress, 10)
	require.NotEmpty(t, recent)
	for _, r := range recent {
		assert.Equal(t, res.TxID, r.TxID)
		assert.Equal(t, uint64(1), r.Height)
	}
}

type memBackend struct {
	data   map[string][]byte
	failOn int
	calls  int
}

func (b *memBackend) LoadAll(context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out, nil
}

func (b *memBackend) Apply(_ context.Context, writes []store.Write) error {
	b.calls++
	if b.failOn == b.calls {
		return errors.New("disk full")
	}
	for _, w := range writes {
		if w.Delete {
			delete(b.data, string(w.Key))
			continue
		}
		b.data[string(w.Key)] = w.Value
	}
	return nil
}

func TestBackendPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{data: map[string][]byte{}}
	alice := testutil.Addr("alice")

	e := newTestEngine(WithBackend(backend))
	codeID := e.StoreCode("counter", counterContract())
	res, err := e.Instantiate(ctx, alice, codeID, []byte(`{}`), nil, "", "counter")
	require.NoError(t, err)
	_, err = e.Execute(ctx, alice, res.ContractAddress, mustJSON(t, counterMsg{Inc: &struct{}{}}), nil)
	require.NoError(t, err)

	reloaded := newTestEngine(WithBackend(backend))
	reloaded.StoreCode("counter", counterContract())
	require.NoError(t, reloaded.Open(ctx))
	assert.Equal(t, uint64(2), reloaded.Height())
	assert.Equal(t, uint64(1), count(t, reloaded, res.ContractAddress))
}

func TestBackendFailureDiscardsBlock(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{data: map[string][]byte{}, failOn: 1}
	e := newTestEngine(WithBackend(backend))
	alice := testutil.Addr("alice")

	_, err := e.Mint(ctx, alice, coin.NewCoins(coin.New("uatom", 5)))
	require.Error(t, err)
	bal, err := e.Balance(alice)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.Equal(t, uint64(0), e.Height())
}

func TestQuerierSeesUncommittedWrites(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	alice := testutil.Addr("alice")

	var seen uint64
	reader := &scripted{}
	reader.execute = func(d Deps, _ Env, _ MessageInfo, raw []byte) (*Response, error) {
		var target string
		if err := json.Unmarshal(raw, &target); err != nil {
			return nil, err
		}
		return NewResponse(), QueryJSON(d.Querier, target, struct{}{}, &seen)
	}
	counterID := e.StoreCode("counter", counterContract())
	readerID := e.StoreCode("reader", reader)

	// one request: bump the counter, then have the reader look at it
	batch := &scripted{}
	batch.execute = func(d Deps, _ Env, _ MessageInfo, raw []byte) (*Response, error) {
		var addrs [2]string
		if err := json.Unmarshal(raw, &addrs); err != nil {
			return nil, err
		}
		inc, _ := json.Marshal(counterMsg{Inc: &struct{}{}})
		target, _ := json.Marshal(addrs[0])
		return NewResponse().
			AddMessage(WasmExecute{ContractAddr: addrs[0], Msg: inc}).
			AddMessage(WasmExecute{ContractAddr: addrs[1], Msg: target}), nil
	}
	batchID := e.StoreCode("batch", batch)

	c, err := e.Instantiate(ctx, alice, counterID, []byte(`{}`), nil, "", "c")
	require.NoError(t, err)
	r, err := e.Instantiate(ctx, alice, readerID, []byte(`{}`), nil, "", "r")
	require.NoError(t, err)
	b, err := e.Instantiate(ctx, alice, batchID, []byte(`{}`), nil, "", "b")
	require.NoError(t, err)

	_, err = e.Execute(ctx, alice, b.ContractAddress, mustJSON(t, [2]string{c.ContractAddress, r.ContractAddress}), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seen)
}

func TestGenesisIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	backend := &memBackend{data: map[string][]byte{}}
	e := newTestEngine(WithBackend(backend))
	admin := testutil.Addr("admin")
	alice := testutil.Addr("alice")

	failing := counterContract()
	failing.instantiate = func(Deps, Env, MessageInfo, []byte) (*Response, error) {
		return nil, errors.New("bad config")
	}
	badID := e.StoreCode("failing", failing)
	goodID := e.StoreCode("counter", counterContract())
	balances := []GenesisBalance{{Address: alice, Coins: coin.NewCoins(coin.New("uatom", 100))}}

	_, err := e.Genesis(ctx, balances, admin, WasmInstantiate{CodeID: badID, Msg: []byte(`{}`), Label: "root"})
	require.Error(t, err)
	assert.Empty(t, backend.data)
	assert.Equal(t, uint64(0), e.Height())
	bal, err := e.Balance(alice)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	res, err := e.Genesis(ctx, balances, admin, WasmInstantiate{CodeID: goodID, Msg: []byte(`{}`), Label: "root"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Height)
	assert.Equal(t, DeriveContractAddress(admin, goodID, 1), res.ContractAddress)
	bal, err = e.Balance(alice)
	require.NoError(t, err)
	assert.True(t, bal.Equal(coin.NewCoins(coin.New("uatom", 100))))

	_, err = e.Genesis(ctx, nil, admin, WasmInstantiate{CodeID: goodID, Msg: []byte(`{}`), Label: "again"})
	assert.ErrorIs(t, err, ErrGenesisApplied)
}
