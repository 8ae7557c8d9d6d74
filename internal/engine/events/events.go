// Package events keeps the log of events emitted by committed transactions.
// Contracts attach attributes to their responses; the engine turns them into
// events and, once the transaction commits, records them here so that
// subscribers (the websocket stream, tests) can follow ledger activity.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known event types produced by the engine.
const (
	TypeWasm        = "wasm"
	TypeInstantiate = "instantiate"
	TypeExecute     = "execute"
	TypeReply       = "reply"
	TypeTransfer    = "transfer"
	TypeMint        = "mint"
)

// Attribute is a key/value pair attached to an event.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is a typed group of attributes.
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

// Attr returns the first value stored under key.
func (e Event) Attr(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Record is an event as committed to the ledger.
type Record struct {
	ID        string    `json:"id"`
	TxID      string    `json:"tx_id"`
	Height    uint64    `json:"height"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Event
}

// String returns the JSON form of the record.
func (r Record) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// Contract returns the _contract_address attribute, if any.
func (r Record) Contract() string {
	v, _ := r.Attr("_contract_address")
	return v
}

// Handler processes records as they are committed.
type Handler func(Record)

// Filter decides whether a record should reach a handler.
type Filter func(Record) bool

// Log is the interface the engine publishes to.
type Log interface {
	Append(ctx context.Context, records ...Record)
	Subscribe(handler Handler) func()
	SubscribeFiltered(filter Filter, handler Handler) func()
	Recent(n int) []Record
	RecentByContract(contract string, n int) []Record
	RecentByType(eventType string, n int) []Record
}

// RingBuffer is a thread-safe circular buffer of records.
type RingBuffer struct {
	mu       sync.RWMutex
	records  []Record
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingBuffer creates a buffer holding the latest size records.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		records: make([]Record, size),
		size:    size,
	}
}

// Append stores records in order and notifies handlers outside the lock.
func (rb *RingBuffer) Append(ctx context.Context, records ...Record) {
	requestID := requestIDFrom(ctx)

	rb.mu.Lock()
	stored := make([]Record, 0, len(records))
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now().UTC()
		}
		if r.RequestID == "" {
			r.RequestID = requestID
		}
		rb.records[rb.head] = r
		rb.head = (rb.head + 1) % rb.size
		if rb.count < rb.size {
			rb.count++
		}
		stored = append(stored, r)
	}
	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	for _, r := range stored {
		for _, h := range handlers {
			if h.filter == nil || h.filter(r) {
				h.handler(r)
			}
		}
	}
}

// Subscribe registers a handler for every record. The returned function
// unsubscribes it.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the latest n records, most recent first.
func (rb *RingBuffer) Recent(n int) []Record {
	return rb.collect(n, nil)
}

// RecentByContract returns the latest n records emitted by contract.
func (rb *RingBuffer) RecentByContract(contract string, n int) []Record {
	return rb.collect(n, func(r Record) bool { return r.Contract() == contract })
}

// RecentByType returns the latest n records of eventType.
func (rb *RingBuffer) RecentByType(eventType string, n int) []Record {
	return rb.collect(n, func(r Record) bool { return r.Type == eventType })
}

func (rb *RingBuffer) collect(n int, keep Filter) []Record {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var out []Record
	for i := 0; i < rb.count && len(out) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if keep == nil || keep(rb.records[idx]) {
			out = append(out, rb.records[idx])
		}
	}
	return out
}

// Count returns the number of records held.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

type contextKey string

const requestIDKey contextKey = "events_request_id"

// WithRequestID tags records appended under ctx with a request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(requestIDKey).(string); ok {
		return s
	}
	return ""
}

// Discard is a Log that drops everything.
type Discard struct{}

func (Discard) Append(context.Context, ...Record)        {}
func (Discard) Subscribe(Handler) func()                 { return func() {} }
func (Discard) SubscribeFiltered(Filter, Handler) func() { return func() {} }
func (Discard) Recent(int) []Record                      { return nil }
func (Discard) RecentByContract(string, int) []Record    { return nil }
func (Discard) RecentByType(string, int) []Record        { return nil }
