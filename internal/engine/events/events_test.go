package events

import (
	"context"
	"sync/atomic"
	"testing"
)

func wasmRecord(contract, action string) Record {
	return Record{Event: Event{
		Type: TypeWasm,
		Attributes: []Attribute{
			{Key: "_contract_address", Value: contract},
			{Key: "action", Value: action},
		},
	}}
}

func TestRingBuffer_Append(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Append(context.Background(), wasmRecord("c1", "send_message"))

	if rb.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rb.Count())
	}

	recent := rb.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("Recent(1) len = %d, want 1", len(recent))
	}
	if recent[0].Contract() != "c1" {
		t.Errorf("Contract() = %q, want c1", recent[0].Contract())
	}
	if recent[0].ID == "" {
		t.Error("ID should be auto-generated")
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Timestamp should be auto-set")
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 10; i++ {
		rb.Append(context.Background(), wasmRecord("c", string(rune('A'+i))))
	}

	if rb.Count() != 5 {
		t.Errorf("Count() = %d, want 5", rb.Count())
	}

	recent := rb.Recent(5)
	if got, _ := recent[0].Attr("action"); got != "J" {
		t.Errorf("most recent action = %q, want J", got)
	}
	if got, _ := recent[4].Attr("action"); got != "F" {
		t.Errorf("oldest action = %q, want F", got)
	}
}

func TestRingBuffer_Filters(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Append(context.Background(),
		wasmRecord("a", "x"),
		Record{Event: Event{Type: TypeTransfer}},
		wasmRecord("b", "y"),
		wasmRecord("a", "z"),
	)

	if got := rb.RecentByContract("a", 10); len(got) != 2 {
		t.Errorf("RecentByContract(a) len = %d, want 2", len(got))
	}
	if got := rb.RecentByType(TypeTransfer, 10); len(got) != 1 {
		t.Errorf("RecentByType(transfer) len = %d, want 1", len(got))
	}
	if got := rb.Recent(0); got != nil {
		t.Errorf("Recent(0) = %v, want nil", got)
	}
}

func TestRingBuffer_Subscribe(t *testing.T) {
	rb := NewRingBuffer(10)

	var all, transfers int32
	unsubAll := rb.Subscribe(func(Record) { atomic.AddInt32(&all, 1) })
	rb.SubscribeFiltered(func(r Record) bool { return r.Type == TypeTransfer }, func(Record) {
		atomic.AddInt32(&transfers, 1)
	})

	rb.Append(context.Background(), wasmRecord("a", "x"), Record{Event: Event{Type: TypeTransfer}})
	unsubAll()
	rb.Append(context.Background(), wasmRecord("a", "y"))

	if atomic.LoadInt32(&all) != 2 {
		t.Errorf("all handler calls = %d, want 2", all)
	}
	if atomic.LoadInt32(&transfers) != 1 {
		t.Errorf("transfer handler calls = %d, want 1", transfers)
	}
}

func TestRingBuffer_RequestIDFromContext(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Append(WithRequestID(context.Background(), "req-9"), wasmRecord("a", "x"))

	if got := rb.Recent(1)[0].RequestID; got != "req-9" {
		t.Errorf("RequestID = %q, want req-9", got)
	}
}
