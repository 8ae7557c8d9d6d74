// Package app composes the messaging node: it opens the ledger storage,
// registers the profiles, messages and controller codes in a fixed order,
// seeds a fresh ledger from genesis, and serves the HTTP gateway.
//
// Code ids are assigned in registration order, so the order in
// registerCodes must never change for an existing ledger.
package app
