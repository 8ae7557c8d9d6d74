package messages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/internal/ownable"
	"github.com/keyleu/secure-messaging/pkg/logger"
	"github.com/keyleu/secure-messaging/pkg/testutil"
)

type suite struct {
	t     *testing.T
	ctx   context.Context
	e     *engine.Engine
	owner string
	addr  string
}

func newSuite(t *testing.T, defaultLimit, maxLimit uint32) *suite {
	t.Helper()
	s := &suite{
		t:     t,
		ctx:   context.Background(),
		e:     engine.New(engine.WithLogger(logger.NewDiscard("engine"))),
		owner: testutil.Addr("controller"),
	}
	codeID := s.e.StoreCode(ContractName, Contract{})
	_, err := s.e.Mint(s.ctx, s.owner, coin.NewCoins(coin.New("uatom", 1000), coin.New("uxyz", 1000)))
	require.NoError(t, err)

	res, err := s.e.Instantiate(s.ctx, s.owner, codeID, s.json(InstantiateMsg{
		DefaultQueryLimit: defaultLimit,
		MaxQueryLimit:     maxLimit,
	}), nil, s.owner, "MESSAGE-STORAGE--1")
	require.NoError(t, err)
	s.addr = res.ContractAddress
	return s
}

func (s *suite) json(v interface{}) []byte {
	s.t.Helper()
	b, err := json.Marshal(v)
	require.NoError(s.t, err)
	return b
}

func (s *suite) send(from, to, content string, funds coin.Coins) error {
	_, err := s.e.Execute(s.ctx, s.owner, s.addr, s.json(ExecuteMsg{SendMessage: &SendMessage{
		Sender:   from,
		Receiver: to,
		Message:  []byte(content),
	}}), funds)
	return err
}

func (s *suite) claim(who string, ids ...uint64) (*engine.Result, error) {
	return s.e.Execute(s.ctx, who, s.addr, s.json(ExecuteMsg{ClaimMessageFunds: &MessageIDs{MessageIDs: ids}}), nil)
}

func (s *suite) delete(who string, ids ...uint64) (*engine.Result, error) {
	return s.e.Execute(s.ctx, who, s.addr, s.json(ExecuteMsg{DeleteMessages: &MessageIDs{MessageIDs: ids}}), nil)
}

func (s *suite) list(who string, from *uint64, limit *uint32) MessagesResponse {
	s.t.Helper()
	raw, err := s.e.Query(s.ctx, s.addr, s.json(QueryMsg{Messages: &MessagesQuery{Address: who, From: from, Limit: limit}}))
	require.NoError(s.t, err)
	var out MessagesResponse
	require.NoError(s.t, json.Unmarshal(raw, &out))
	return out
}

func (s *suite) total(who string) uint64 {
	s.t.Helper()
	raw, err := s.e.Query(s.ctx, s.addr, s.json(QueryMsg{TotalMessages: &AddressQuery{Address: who}}))
	require.NoError(s.t, err)
	var out TotalMessagesResponse
	require.NoError(s.t, json.Unmarshal(raw, &out))
	return out.Total
}

func (s *suite) balance(who string) coin.Coins {
	s.t.Helper()
	bal, err := s.e.Balance(who)
	require.NoError(s.t, err)
	return bal
}

func ids(res MessagesResponse) []uint64 {
	out := make([]uint64, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, m.ID)
	}
	return out
}

func u64(v uint64) *uint64 { return &v }
func u32(v uint32) *uint32 { return &v }

func TestPaginationWindow(t *testing.T) {
	s := newSuite(t, 5, 5)
	alice, bob := testutil.Addr("alice"), testutil.Addr("bob")
	for i := 0; i < 10; i++ {
		require.NoError(t, s.send(alice, bob, fmt.Sprintf("msg %d", i), nil))
	}

	assert.Equal(t, []uint64{9, 8, 7, 6, 5}, ids(s.list(bob, u64(10), nil)))
	assert.Equal(t, []uint64{2, 1, 0}, ids(s.list(bob, u64(3), nil)))

	// newest first when from is omitted, limit is capped at the max
	assert.Equal(t, []uint64{9, 8, 7, 6, 5}, ids(s.list(bob, nil, u32(50))))
	assert.Equal(t, []uint64{4, 3}, ids(s.list(bob, u64(5), u32(2))))
	// from past the end is clamped
	assert.Equal(t, []uint64{9, 8}, ids(s.list(bob, u64(99), u32(2))))
	assert.Empty(t, ids(s.list(bob, u64(0), nil)))

	page := s.list(bob, u64(1), nil)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, alice, page.Messages[0].Message.Sender)
	assert.Equal(t, []byte("msg 0"), page.Messages[0].Message.Content)
}

func TestUnknownRecipientIsEmpty(t *testing.T) {
	s := newSuite(t, 5, 10)
	nobody := testutil.Addr("nobody")

	assert.Empty(t, s.list(nobody, nil, nil).Messages)
	assert.Equal(t, uint64(0), s.total(nobody))
}

func TestQueriesRejectMalformedAddress(t *testing.T) {
	s := newSuite(t, 5, 10)
	bob := testutil.Addr("bob")
	require.NoError(t, s.send(testutil.Addr("alice"), bob, "hi", nil))

	for _, q := range []QueryMsg{
		{Messages: &MessagesQuery{Address: "not-an-address"}},
		{TotalMessages: &AddressQuery{Address: " " + bob}},
	} {
		_, err := s.e.Query(s.ctx, s.addr, s.json(q))
		assert.ErrorIs(t, err, engine.ErrInvalidAddress)
	}
}

func TestClaimMergesEscrow(t *testing.T) {
	s := newSuite(t, 5, 10)
	alice, bob := testutil.Addr("alice"), testutil.Addr("bob")

	require.NoError(t, s.send(alice, bob, "first", coin.NewCoins(coin.New("uatom", 2))))
	require.NoError(t, s.send(alice, bob, "second", coin.NewCoins(coin.New("uatom", 3), coin.New("uxyz", 1))))
	assert.Equal(t, "5uatom,1uxyz", s.balance(s.addr).String())

	res, err := s.claim(bob, 0, 1)
	require.NoError(t, err)
	assert.True(t, s.balance(bob).Equal(coin.NewCoins(coin.New("uatom", 5), coin.New("uxyz", 1))))
	assert.True(t, s.balance(s.addr).IsZero())
	require.Len(t, res.EventsOfType("transfer"), 1)

	for _, m := range s.list(bob, nil, nil).Messages {
		assert.Empty(t, m.Message.Funds)
	}

	// claiming again pays nothing and does not fail
	res, err = s.claim(bob, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, res.EventsOfType("transfer"))
	assert.Equal(t, "5uatom,1uxyz", s.balance(bob).String())
}

func TestClaimDuplicateIDsPaysOnce(t *testing.T) {
	s := newSuite(t, 5, 10)
	alice, bob := testutil.Addr("alice"), testutil.Addr("bob")
	require.NoError(t, s.send(alice, bob, "hi", coin.NewCoins(coin.New("uatom", 4))))

	_, err := s.claim(bob, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "4uatom", s.balance(bob).String())
}

func TestClaimMissingMessageAbortsAll(t *testing.T) {
	s := newSuite(t, 5, 10)
	alice, bob := testutil.Addr("alice"), testutil.Addr("bob")
	require.NoError(t, s.send(alice, bob, "hi", coin.NewCoins(coin.New("uatom", 4))))

	_, err := s.claim(bob, 0, 7)
	assert.True(t, errors.Is(err, ErrNoMessage))
	assert.True(t, s.balance(bob).IsZero())
	assert.Equal(t, "4uatom", s.list(bob, nil, nil).Messages[0].Message.Funds.String())

	// a recipient without a log has nothing to claim
	_, err = s.claim(testutil.Addr("carol"), 0)
	assert.True(t, errors.Is(err, ErrNoMessage))
}

func TestDeleteByOriginalPosition(t *testing.T) {
	s := newSuite(t, 5, 10)
	alice, bob := testutil.Addr("alice"), testutil.Addr("bob")
	require.NoError(t, s.send(alice, bob, "zero", coin.NewCoins(coin.New("uatom", 1))))
	require.NoError(t, s.send(alice, bob, "one", coin.NewCoins(coin.New("uatom", 2))))
	require.NoError(t, s.send(alice, bob, "two", coin.NewCoins(coin.New("uxyz", 3))))

	_, err := s.delete(bob, 2, 0)
	require.NoError(t, err)

	page := s.list(bob, nil, nil)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, uint64(0), page.Messages[0].ID)
	assert.Equal(t, []byte("one"), page.Messages[0].Message.Content)
	assert.Equal(t, "2uatom", page.Messages[0].Message.Funds.String())
	assert.True(t, s.balance(bob).Equal(coin.NewCoins(coin.New("uatom", 1), coin.New("uxyz", 3))))
}

func TestDeleteRefundsOnlyRemainingEscrow(t *testing.T) {
	s := newSuite(t, 5, 10)
	alice, bob := testutil.Addr("alice"), testutil.Addr("bob")
	require.NoError(t, s.send(alice, bob, "a", coin.NewCoins(coin.New("uatom", 6))))
	require.NoError(t, s.send(alice, bob, "b", coin.NewCoins(coin.New("uatom", 1))))

	_, err := s.claim(bob, 0)
	require.NoError(t, err)
	_, err = s.delete(bob, 0, 1, 1)
	require.NoError(t, err)

	assert.Equal(t, "7uatom", s.balance(bob).String())
	assert.Equal(t, uint64(0), s.total(bob))
}

func TestTotalMessagesRoundTrip(t *testing.T) {
	s := newSuite(t, 5, 10)
	alice, bob := testutil.Addr("alice"), testutil.Addr("bob")
	for i := 0; i < 6; i++ {
		require.NoError(t, s.send(alice, bob, "m", coin.NewCoins(coin.New("uatom", 1))))
	}
	_, err := s.claim(bob, 1, 3)
	require.NoError(t, err)
	_, err = s.delete(bob, 5, 3, 0)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), s.total(bob))
}

func TestSendRequiresOwner(t *testing.T) {
	s := newSuite(t, 5, 10)
	alice, bob := testutil.Addr("alice"), testutil.Addr("bob")

	_, err := s.e.Execute(s.ctx, alice, s.addr, s.json(ExecuteMsg{SendMessage: &SendMessage{
		Sender:   alice,
		Receiver: bob,
		Message:  []byte("sneaky"),
	}}), nil)
	assert.True(t, errors.Is(err, ownable.ErrNotOwner))
	assert.Equal(t, uint64(0), s.total(bob))

	err = s.send(alice, "not-an-address", "x", nil)
	assert.True(t, errors.Is(err, engine.ErrInvalidAddress))
}

func TestChangeConfig(t *testing.T) {
	s := newSuite(t, 5, 10)
	change := func(sender string, def, max uint32) error {
		_, err := s.e.Execute(s.ctx, sender, s.addr, s.json(ExecuteMsg{ChangeConfig: &ChangeConfig{
			DefaultQueryLimit: def,
			MaxQueryLimit:     max,
		}}), nil)
		return err
	}

	assert.True(t, errors.Is(change(testutil.Addr("alice"), 1, 2), ownable.ErrNotOwner))
	assert.True(t, errors.Is(change(s.owner, 0, 2), ErrInvalidConfig))
	assert.True(t, errors.Is(change(s.owner, 3, 2), ErrInvalidConfig))
	require.NoError(t, change(s.owner, 2, 3))

	raw, err := s.e.Query(s.ctx, s.addr, []byte(`{"config":{}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"default_query_limit":2,"max_query_limit":3}`, string(raw))
}

func TestInstantiateRejectsBadConfig(t *testing.T) {
	e := engine.New(engine.WithLogger(logger.NewDiscard("engine")))
	codeID := e.StoreCode(ContractName, Contract{})
	_, err := e.Instantiate(context.Background(), testutil.Addr("alice"), codeID,
		[]byte(`{"default_query_limit":10,"max_query_limit":5}`), nil, "", "bad")
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestMessageVariants(t *testing.T) {
	s := newSuite(t, 5, 10)

	_, err := s.e.Execute(s.ctx, s.owner, s.addr, []byte(`{}`), nil)
	assert.True(t, errors.Is(err, engine.ErrUnknownMessage))

	_, err = s.e.Execute(s.ctx, s.owner, s.addr, []byte(`{"claim_message_funds":{"message_ids":[]},"delete_messages":{"message_ids":[]}}`), nil)
	assert.True(t, errors.Is(err, engine.ErrUnknownMessage))

	_, err = s.e.Execute(s.ctx, s.owner, s.addr, []byte(`{"burn":{}}`), nil)
	assert.True(t, errors.Is(err, engine.ErrInvalidMessage))
}

func TestOwnershipHandover(t *testing.T) {
	s := newSuite(t, 5, 10)
	next := testutil.Addr("next")

	_, err := s.e.Execute(s.ctx, s.owner, s.addr, []byte(`{"update_ownership":{"transfer_ownership":{"new_owner":"`+next+`"}}}`), nil)
	require.NoError(t, err)
	_, err = s.e.Execute(s.ctx, next, s.addr, []byte(`{"update_ownership":"accept_ownership"}`), nil)
	require.NoError(t, err)

	raw, err := s.e.Query(s.ctx, s.addr, []byte(`{"ownership":{}}`))
	require.NoError(t, err)
	var o ownable.Ownership
	require.NoError(t, json.Unmarshal(raw, &o))
	assert.Equal(t, next, o.Owner)
}
