// Package engine is the deterministic execution host the messaging services
// run in. It stores contract code, instantiates contracts, routes execute,
// query and reply calls, moves funds, and gives every top-level request
// all-or-nothing semantics: state writes, transfers and events of a request
// are committed together when it succeeds and discarded together when any
// part of it fails.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine/events"
	"github.com/keyleu/secure-messaging/internal/engine/metrics"
	"github.com/keyleu/secure-messaging/internal/engine/storage"
	"github.com/keyleu/secure-messaging/internal/engine/store"
	"github.com/keyleu/secure-messaging/pkg/logger"
)

// DefaultMaxCallDepth bounds nested sub-message and query calls.
const DefaultMaxCallDepth = 16

var (
	heightItem  = storage.NewItem[uint64]("height")
	seqItem     = storage.NewItem[uint64]("instance_seq")
	contractMap = storage.NewMap[ContractInfo]("contracts")
)

func metaStore(s store.KVStore) store.KVStore {
	return store.Prefix(s, []byte("e/"))
}

func contractStore(s store.KVStore, addr string) store.KVStore {
	return store.Prefix(s, []byte("c/"+addr+"/"))
}

type code struct {
	id       uint64
	name     string
	contract Contract
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithEventLog sets where committed events are published.
func WithEventLog(l events.Log) Option {
	return func(e *Engine) { e.events = l }
}

// WithBackend persists committed write sets.
func WithBackend(b store.Backend) Option {
	return func(e *Engine) { e.backend = b }
}

// WithClock sets the source of block time.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithChainID sets the chain id reported in BlockInfo.
func WithChainID(id string) Option {
	return func(e *Engine) { e.chainID = id }
}

// WithMaxCallDepth overrides DefaultMaxCallDepth.
func WithMaxCallDepth(n int) Option {
	return func(e *Engine) { e.maxDepth = n }
}

// Engine serializes requests against a single committed state.
type Engine struct {
	mu    sync.RWMutex
	root  *store.MemStore
	codes map[uint64]*code

	backend  store.Backend
	log      *logger.Logger
	metrics  *metrics.Collector
	events   events.Log
	clock    func() time.Time
	chainID  string
	maxDepth int
}

// New creates an engine with empty state.
func New(opts ...Option) *Engine {
	e := &Engine{
		root:     store.NewMemStore(),
		codes:    make(map[uint64]*code),
		log:      logger.NewDefault("engine"),
		events:   events.Discard{},
		clock:    time.Now,
		chainID:  "messaging-1",
		maxDepth: DefaultMaxCallDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open loads committed state from the backend, if one is configured.
func (e *Engine) Open(ctx context.Context) error {
	if e.backend == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := e.backend.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if err := e.root.Load(data); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	height, _, err := heightItem.MayLoad(metaStore(e.root))
	if err != nil {
		return fmt.Errorf("load height: %w", err)
	}
	e.metrics.SetHeight(height)
	e.log.WithFields(map[string]interface{}{
		"keys":   len(data),
		"height": height,
	}).Info("ledger state loaded")
	return nil
}

// StoreCode registers contract code and returns its id. Ids are assigned
// sequentially from 1, so codes must be stored in the same order on every
// boot.
func (e *Engine) StoreCode(name string, c Contract) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := uint64(len(e.codes) + 1)
	e.codes[id] = &code{id: id, name: name, contract: c}
	e.log.WithFields(map[string]interface{}{"code_id": id, "name": name}).Debug("code stored")
	return id
}

// ChainID returns the chain id reported to contracts.
func (e *Engine) ChainID() string {
	return e.chainID
}

// Height returns the last committed height.
func (e *Engine) Height() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, _, _ := heightItem.MayLoad(metaStore(e.root))
	return h
}

// Balance returns the committed balance of addr.
func (e *Engine) Balance(addr string) (coin.Coins, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return balanceOf(e.root, addr)
}

// ContractInfo returns the registry entry of the contract at addr.
func (e *Engine) ContractInfo(addr string) (ContractInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info, ok, err := contractMap.MayLoad(metaStore(e.root), addr)
	if err != nil {
		return ContractInfo{}, err
	}
	if !ok {
		return ContractInfo{}, ErrUnknownContract.WithDetails("%s", addr)
	}
	return info, nil
}

// Mint credits funds to addr. It is used to seed genesis balances.
func (e *Engine) Mint(ctx context.Context, to string, amount coin.Coins) (*Result, error) {
	return e.runTx(ctx, "mint", func(tx *txn, s store.KVStore) (*Result, error) {
		evs, err := mint(s, to, amount)
		if err != nil {
			return nil, err
		}
		return &Result{Events: evs}, nil
	})
}

// Instantiate creates a contract from code as a top-level request.
func (e *Engine) Instantiate(ctx context.Context, sender string, codeID uint64, msg []byte, funds coin.Coins, admin, label string) (*Result, error) {
	return e.runTx(ctx, "instantiate", func(tx *txn, s store.KVStore) (*Result, error) {
		if err := ValidateAddress(sender); err != nil {
			return nil, err
		}
		addr, evs, data, err := tx.instantiate(s, sender, WasmInstantiate{
			CodeID: codeID,
			Msg:    msg,
			Funds:  funds,
			Admin:  admin,
			Label:  label,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Events: evs, Data: data, ContractAddress: addr}, nil
	})
}

// GenesisBalance is a balance minted by Genesis.
type GenesisBalance struct {
	Address string
	Coins   coin.Coins
}

// Genesis seeds an empty ledger as a single transaction: it mints balances
// and then has creator instantiate inst. If any step fails nothing is
// committed, so a failed genesis can be retried on the same backend.
func (e *Engine) Genesis(ctx context.Context, balances []GenesisBalance, creator string, inst WasmInstantiate) (*Result, error) {
	return e.runTx(ctx, "genesis", func(tx *txn, s store.KVStore) (*Result, error) {
		height, _, err := heightItem.MayLoad(metaStore(s))
		if err != nil {
			return nil, err
		}
		if height > 0 {
			return nil, ErrGenesisApplied.WithDetails("height %d", height)
		}
		if err := ValidateAddress(creator); err != nil {
			return nil, err
		}

		var evs []Event
		for _, b := range balances {
			minted, err := mint(s, b.Address, b.Coins)
			if err != nil {
				return nil, fmt.Errorf("mint %s: %w", b.Address, err)
			}
			evs = append(evs, minted...)
		}
		addr, more, data, err := tx.instantiate(s, creator, inst)
		if err != nil {
			return nil, err
		}
		return &Result{Events: append(evs, more...), Data: data, ContractAddress: addr}, nil
	})
}

// Execute calls a contract as a top-level request.
func (e *Engine) Execute(ctx context.Context, sender, contract string, msg []byte, funds coin.Coins) (*Result, error) {
	return e.runTx(ctx, "execute", func(tx *txn, s store.KVStore) (*Result, error) {
		if err := ValidateAddress(sender); err != nil {
			return nil, err
		}
		evs, data, err := tx.execute(s, sender, contract, msg, funds)
		if err != nil {
			return nil, err
		}
		return &Result{Events: evs, Data: data}, nil
	})
}

// Query runs a read-only query against committed state.
func (e *Engine) Query(ctx context.Context, contract string, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	height, _, err := heightItem.MayLoad(metaStore(e.root))
	if err != nil {
		return nil, err
	}
	q := &querier{
		e:     e,
		s:     store.ReadOnly(e.root),
		block: BlockInfo{Height: height, Time: e.clock().UTC(), ChainID: e.chainID},
	}
	return q.QuerySmart(contract, msg)
}

// runTx executes fn against a branch of the root store and commits the
// branch only if fn, the height bump and the backend write all succeed.
func (e *Engine) runTx(ctx context.Context, kind string, fn func(tx *txn, s store.KVStore) (*Result, error)) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	branch := store.Branch(e.root)
	height, _, err := heightItem.MayLoad(metaStore(branch))
	if err != nil {
		return nil, err
	}
	height++

	tx := &txn{
		e:  e,
		id: uuid.New().String(),
		block: BlockInfo{
			Height:  height,
			Time:    e.clock().UTC(),
			ChainID: e.chainID,
		},
	}
	entry := e.log.WithContext(ctx).WithFields(map[string]interface{}{
		"tx_id":  tx.id,
		"kind":   kind,
		"height": height,
	})

	res, err := fn(tx, branch)
	if err == nil {
		err = heightItem.Save(metaStore(branch), height)
	}
	if err == nil && e.backend != nil {
		if perr := e.backend.Apply(ctx, branch.Writes()); perr != nil {
			err = fmt.Errorf("persist block %d: %w", height, perr)
		}
	}
	e.metrics.RecordTx(kind, err, time.Since(start))
	if err != nil {
		branch.Discard()
		entry.WithError(err).Debug("transaction aborted")
		return nil, err
	}
	branch.Write()

	res.TxID = tx.id
	res.Height = height
	e.publish(ctx, res)
	e.metrics.SetHeight(height)
	if seq, _, serr := seqItem.MayLoad(metaStore(e.root)); serr == nil {
		e.metrics.SetContracts(seq)
	}
	entry.WithField("events", len(res.Events)).Info("transaction committed")
	return res, nil
}

func (e *Engine) publish(ctx context.Context, res *Result) {
	records := make([]events.Record, 0, len(res.Events))
	for _, ev := range res.Events {
		records = append(records, events.Record{TxID: res.TxID, Height: res.Height, Event: ev})
		if ev.Type == events.TypeTransfer {
			if raw, ok := ev.Attr("amount"); ok {
				if amount, err := coin.ParseCoins(raw); err == nil {
					for _, c := range amount {
						e.metrics.RecordTransfer(c.Denom)
					}
				}
			}
		}
	}
	e.events.Append(ctx, records...)
}

func (e *Engine) lookup(s store.KVStore, addr string) (ContractInfo, *code, error) {
	info, ok, err := contractMap.MayLoad(metaStore(s), addr)
	if err != nil {
		return ContractInfo{}, nil, err
	}
	if !ok {
		return ContractInfo{}, nil, ErrUnknownContract.WithDetails("%s", addr)
	}
	c, ok := e.codes[info.CodeID]
	if !ok {
		return ContractInfo{}, nil, ErrUnknownCode.WithDetails("%d", info.CodeID)
	}
	return info, c, nil
}

// =============================================================================
// Transaction
// =============================================================================

type txn struct {
	e     *Engine
	id    string
	block BlockInfo
	depth int
}

func (tx *txn) enter() error {
	if tx.depth >= tx.e.maxDepth {
		return ErrCallDepth.WithDetails("%d", tx.e.maxDepth)
	}
	tx.depth++
	return nil
}

func (tx *txn) leave() {
	tx.depth--
}

func (tx *txn) env(contract string) Env {
	return Env{Block: tx.block, Contract: ContractEnv{Address: contract}}
}

func (tx *txn) deps(s store.KVStore, c *code, addr string) Deps {
	return Deps{
		Storage: contractStore(s, addr),
		API:     neoAPI{},
		Querier: &querier{e: tx.e, s: s, block: tx.block, depth: tx.depth},
		Logger:  tx.e.log.Named(c.name),
	}
}

func (tx *txn) execute(parent store.KVStore, sender, contract string, msg []byte, funds coin.Coins) ([]Event, []byte, error) {
	if err := tx.enter(); err != nil {
		return nil, nil, err
	}
	defer tx.leave()

	branch := store.Branch(parent)
	_, c, err := tx.e.lookup(branch, contract)
	if err != nil {
		return nil, nil, err
	}

	evs, err := transfer(branch, sender, contract, funds)
	if err != nil {
		return nil, nil, err
	}
	evs = append(evs, Event{
		Type:       events.TypeExecute,
		Attributes: []Attribute{{Key: "_contract_address", Value: contract}},
	})

	res, err := c.contract.Execute(tx.deps(branch, c, contract), tx.env(contract), MessageInfo{Sender: sender, Funds: funds.Clone()}, msg)
	if err != nil {
		return nil, nil, err
	}
	more, data, err := tx.handleResponse(branch, contract, res)
	if err != nil {
		return nil, nil, err
	}

	branch.Write()
	return append(evs, more...), data, nil
}

func (tx *txn) instantiate(parent store.KVStore, creator string, m WasmInstantiate) (string, []Event, []byte, error) {
	if err := tx.enter(); err != nil {
		return "", nil, nil, err
	}
	defer tx.leave()

	c, ok := tx.e.codes[m.CodeID]
	if !ok {
		return "", nil, nil, ErrUnknownCode.WithDetails("%d", m.CodeID)
	}
	if m.Label == "" {
		return "", nil, nil, ErrInvalidMessage.WithDetails("label is required")
	}
	if m.Admin != "" {
		if err := ValidateAddress(m.Admin); err != nil {
			return "", nil, nil, err
		}
	}

	branch := store.Branch(parent)
	meta := metaStore(branch)
	seq, _, err := seqItem.MayLoad(meta)
	if err != nil {
		return "", nil, nil, err
	}
	seq++
	if err := seqItem.Save(meta, seq); err != nil {
		return "", nil, nil, err
	}

	addr := DeriveContractAddress(creator, m.CodeID, seq)
	if contractMap.Has(meta, addr) {
		return "", nil, nil, fmt.Errorf("contract address collision at %s", addr)
	}
	if err := contractMap.Save(meta, addr, ContractInfo{
		Address: addr,
		CodeID:  m.CodeID,
		Creator: creator,
		Admin:   m.Admin,
		Label:   m.Label,
	}); err != nil {
		return "", nil, nil, err
	}

	evs, err := transfer(branch, creator, addr, m.Funds)
	if err != nil {
		return "", nil, nil, err
	}
	evs = append(evs, Event{
		Type: events.TypeInstantiate,
		Attributes: []Attribute{
			{Key: "_contract_address", Value: addr},
			{Key: "code_id", Value: strconv.FormatUint(m.CodeID, 10)},
		},
	})

	res, err := c.contract.Instantiate(tx.deps(branch, c, addr), tx.env(addr), MessageInfo{Sender: creator, Funds: m.Funds.Clone()}, m.Msg)
	if err != nil {
		return "", nil, nil, err
	}
	more, data, err := tx.handleResponse(branch, addr, res)
	if err != nil {
		return "", nil, nil, err
	}

	branch.Write()
	tx.e.log.WithFields(map[string]interface{}{
		"tx_id":    tx.id,
		"code_id":  m.CodeID,
		"address":  addr,
		"label":    m.Label,
		"creator":  creator,
		"contract": c.name,
	}).Debug("contract instantiated")
	return addr, append(evs, more...), data, nil
}

func (tx *txn) reply(parent store.KVStore, contract string, r Reply) ([]Event, []byte, error) {
	if err := tx.enter(); err != nil {
		return nil, nil, err
	}
	defer tx.leave()

	branch := store.Branch(parent)
	_, c, err := tx.e.lookup(branch, contract)
	if err != nil {
		return nil, nil, err
	}
	replier, ok := c.contract.(Replier)
	if !ok {
		return nil, nil, ErrNoReplyHandler.WithDetails("%s", contract)
	}

	res, err := replier.Reply(tx.deps(branch, c, contract), tx.env(contract), r)
	tx.e.metrics.RecordReply(err)
	if err != nil {
		return nil, nil, err
	}
	more, data, err := tx.handleResponse(branch, contract, res)
	if err != nil {
		return nil, nil, err
	}

	branch.Write()
	evs := []Event{{
		Type: events.TypeReply,
		Attributes: []Attribute{
			{Key: "_contract_address", Value: contract},
			{Key: "id", Value: strconv.FormatUint(r.ID, 10)},
		},
	}}
	return append(evs, more...), data, nil
}

// handleResponse emits the handler's events and runs its queued messages in
// order. A failing message aborts the caller unless it asked for a reply on
// error, in which case the failed message's writes are dropped and the
// contract is told about the failure instead.
func (tx *txn) handleResponse(s store.KVStore, contract string, res *Response) ([]Event, []byte, error) {
	if res == nil {
		res = NewResponse()
	}

	var evs []Event
	if len(res.Attributes) > 0 {
		attrs := append([]Attribute{{Key: "_contract_address", Value: contract}}, res.Attributes...)
		evs = append(evs, Event{Type: events.TypeWasm, Attributes: attrs})
	}
	for _, ev := range res.Events {
		attrs := append([]Attribute{{Key: "_contract_address", Value: contract}}, ev.Attributes...)
		evs = append(evs, Event{Type: "wasm-" + ev.Type, Attributes: attrs})
	}

	data := res.Data
	for _, sm := range res.Messages {
		subEvs, subRes, err := tx.dispatch(s, contract, sm.Msg)
		tx.e.metrics.RecordSubMsg(sm.Msg.msgType(), err)

		var r *Reply
		switch {
		case err != nil && sm.ReplyOn.onError():
			r = &Reply{ID: sm.ID, Result: SubMsgResult{Err: err.Error()}}
		case err != nil:
			return nil, nil, fmt.Errorf("%s (id %d): %w", sm.Msg.msgType(), sm.ID, err)
		case sm.ReplyOn.onSuccess():
			evs = append(evs, subEvs...)
			r = &Reply{ID: sm.ID, Result: SubMsgResult{Ok: subRes}}
		default:
			evs = append(evs, subEvs...)
		}

		if r == nil {
			continue
		}
		replyEvs, replyData, err := tx.reply(s, contract, *r)
		if err != nil {
			return nil, nil, err
		}
		evs = append(evs, replyEvs...)
		if replyData != nil {
			data = replyData
		}
	}
	return evs, data, nil
}

// dispatch runs one queued message. Every path works on its own branch and
// only writes into s on success.
func (tx *txn) dispatch(s store.KVStore, sender string, m Msg) ([]Event, *SubMsgResponse, error) {
	switch msg := m.(type) {
	case BankSend:
		branch := store.Branch(s)
		evs, err := transfer(branch, sender, msg.ToAddress, msg.Amount)
		if err != nil {
			return nil, nil, err
		}
		branch.Write()
		return evs, &SubMsgResponse{Events: evs}, nil
	case WasmExecute:
		evs, data, err := tx.execute(s, sender, msg.ContractAddr, msg.Msg, msg.Funds)
		if err != nil {
			return nil, nil, err
		}
		return evs, &SubMsgResponse{Events: evs, Data: data}, nil
	case WasmInstantiate:
		addr, evs, data, err := tx.instantiate(s, sender, msg)
		if err != nil {
			return nil, nil, err
		}
		return evs, &SubMsgResponse{Events: evs, Data: data, ContractAddress: addr}, nil
	default:
		return nil, nil, ErrUnsupportedMsg.WithDetails("%T", m)
	}
}

// =============================================================================
// Querier
// =============================================================================

type querier struct {
	e     *Engine
	s     store.KVStore
	block BlockInfo
	depth int
}

func (q *querier) QuerySmart(contract string, msg []byte) ([]byte, error) {
	if q.depth >= q.e.maxDepth {
		return nil, ErrCallDepth.WithDetails("%d", q.e.maxDepth)
	}
	_, c, err := q.e.lookup(q.s, contract)
	if err != nil {
		return nil, err
	}
	deps := Deps{
		Storage: store.ReadOnly(contractStore(q.s, contract)),
		API:     neoAPI{},
		Querier: &querier{e: q.e, s: q.s, block: q.block, depth: q.depth + 1},
		Logger:  q.e.log.Named(c.name),
	}
	env := Env{Block: q.block, Contract: ContractEnv{Address: contract}}
	return c.contract.Query(deps, env, msg)
}

func (q *querier) QueryBalance(address, denom string) (coin.Coin, error) {
	bal, err := balanceOf(q.s, address)
	if err != nil {
		return coin.Coin{}, err
	}
	return coin.Coin{Denom: denom, Amount: bal.AmountOf(denom)}, nil
}

func (q *querier) QueryAllBalances(address string) (coin.Coins, error) {
	bal, err := balanceOf(q.s, address)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(bal, func(i, j int) bool { return bal[i].Denom < bal[j].Denom })
	return bal, nil
}
