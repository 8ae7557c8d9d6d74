// Package testutil provides common helpers for ledger and contract tests.
package testutil

import (
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/hash"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
)

// Addr returns a stable Neo N3 address derived from name, so tests can
// refer to accounts like "alice" without managing keys.
func Addr(name string) string {
	return address.Uint160ToString(hash.Hash160([]byte("testutil:" + name)))
}

// Key generates a fresh key pair.
func Key(t testing.TB) *keys.PrivateKey {
	t.Helper()
	k, err := keys.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

// PubKeyHex returns the compressed public key of k in hex.
func PubKeyHex(k *keys.PrivateKey) string {
	return hex.EncodeToString(k.PublicKey().Bytes())
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current time of the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
