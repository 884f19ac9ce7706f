package core

// Fungible Ledger (SPEC_FULL.md §4.5 group 6 / spec.md §4.5 #6). A
// privileged, transferable balance distinct from mana (§4.3): mana
// regenerates automatically and can never be transferred between scopes;
// fungible balances only move when a governance-context job calls
// mint_fungible/transfer_fungible. Grounded on the same teacher pattern as
// core/mana.go — core/account_and_balance_operations.go's mutex-guarded,
// address-keyed balance map — here kept as a flat transferable ledger since
// the spec draws no regeneration/reputation-modulation analogue for it.

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// FungibleLedger tracks per-scope fungible balances.
type FungibleLedger struct {
	mu       sync.Mutex
	balances map[string]uint64
	logger   *logrus.Entry
}

// NewFungibleLedger constructs an empty ledger.
func NewFungibleLedger() *FungibleLedger {
	return &FungibleLedger{
		balances: make(map[string]uint64),
		logger:   logrus.WithField("component", "fungible_ledger"),
	}
}

// Mint credits amount to scope's balance. Callers must gate this on
// GovContext themselves; the ledger has no authorization opinion of its own.
func (f *FungibleLedger) Mint(scope string, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[scope] += amount
	f.logger.WithFields(logrus.Fields{"scope": scope, "amount": amount}).Info("fungible: minted")
}

// Transfer moves amount from one scope's balance to another, failing with
// ErrInsufficientBalance (leaving both balances unchanged) if from cannot
// cover it.
func (f *FungibleLedger) Transfer(from, to string, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[from] < amount {
		return ErrInsufficientBalance
	}
	f.balances[from] -= amount
	f.balances[to] += amount
	f.logger.WithFields(logrus.Fields{"from": from, "to": to, "amount": amount}).Info("fungible: transferred")
	return nil
}

// Balance returns scope's current fungible balance.
func (f *FungibleLedger) Balance(scope string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[scope]
}
