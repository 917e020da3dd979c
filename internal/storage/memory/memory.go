// Package memory provides an in-memory Store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/storage"
)

type data struct {
	mu           sync.RWMutex
	wallets      map[string]*treasury.TreasuryWallet
	transactions map[string]*treasury.MultiSigTransaction
	payouts      map[string]*treasury.PayoutTransaction
	operations   map[string]*treasury.TreasuryOperation
	audit        []*treasury.AuditEntry
	controls     treasury.TreasuryControls
}

// Store is an in-memory implementation of storage.Store. It is safe for
// concurrent use. Writes are serialized; a failed Atomic call restores the
// state captured when it started.
type Store struct {
	d      *data
	writes *sync.Mutex
	inTx   bool
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		d: &data{
			wallets:      make(map[string]*treasury.TreasuryWallet),
			transactions: make(map[string]*treasury.MultiSigTransaction),
			payouts:      make(map[string]*treasury.PayoutTransaction),
			operations:   make(map[string]*treasury.TreasuryOperation),
		},
		writes: &sync.Mutex{},
	}
}

// Atomic runs fn with all writes serialized, rolling back on error.
func (s *Store) Atomic(ctx context.Context, fn func(storage.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.writes.Lock()
	defer s.writes.Unlock()

	snap := s.snapshot()
	if err := fn(&Store{d: s.d, writes: s.writes, inTx: true}); err != nil {
		s.restore(snap)
		return err
	}
	// A cancelled unit of work does not commit, as with a database tx.
	if err := ctx.Err(); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// write runs fn under the data lock, serializing with Atomic callers.
func (s *Store) write(fn func(d *data) error) error {
	if !s.inTx {
		s.writes.Lock()
		defer s.writes.Unlock()
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return fn(s.d)
}

func (s *Store) read(fn func(d *data)) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	fn(s.d)
}

type snapshot struct {
	wallets      map[string]*treasury.TreasuryWallet
	transactions map[string]*treasury.MultiSigTransaction
	payouts      map[string]*treasury.PayoutTransaction
	operations   map[string]*treasury.TreasuryOperation
	auditLen     int
	controls     treasury.TreasuryControls
}

func (s *Store) snapshot() snapshot {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	snap := snapshot{
		wallets:      make(map[string]*treasury.TreasuryWallet, len(s.d.wallets)),
		transactions: make(map[string]*treasury.MultiSigTransaction, len(s.d.transactions)),
		payouts:      make(map[string]*treasury.PayoutTransaction, len(s.d.payouts)),
		operations:   make(map[string]*treasury.TreasuryOperation, len(s.d.operations)),
		auditLen:     len(s.d.audit),
		controls:     s.d.controls,
	}
	for k, v := range s.d.wallets {
		snap.wallets[k] = v.Clone()
	}
	for k, v := range s.d.transactions {
		snap.transactions[k] = v.Clone()
	}
	for k, v := range s.d.payouts {
		snap.payouts[k] = v.Clone()
	}
	for k, v := range s.d.operations {
		snap.operations[k] = v.Clone()
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.wallets = snap.wallets
	s.d.transactions = snap.transactions
	s.d.payouts = snap.payouts
	s.d.operations = snap.operations
	s.d.audit = s.d.audit[:snap.auditLen]
	s.d.controls = snap.controls
}

// =============================================================================
// Wallets
// =============================================================================

func (s *Store) CreateWallet(_ context.Context, w *treasury.TreasuryWallet) error {
	return s.write(func(d *data) error {
		if _, exists := d.wallets[w.ID]; exists {
			return storage.ErrConflict
		}
		d.wallets[w.ID] = w.Clone()
		return nil
	})
}

func (s *Store) UpdateWallet(_ context.Context, w *treasury.TreasuryWallet) error {
	return s.write(func(d *data) error {
		if _, exists := d.wallets[w.ID]; !exists {
			return storage.ErrNotFound
		}
		d.wallets[w.ID] = w.Clone()
		return nil
	})
}

func (s *Store) GetWallet(_ context.Context, id string) (*treasury.TreasuryWallet, error) {
	var out *treasury.TreasuryWallet
	s.read(func(d *data) {
		out = d.wallets[id].Clone()
	})
	if out == nil {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

func (s *Store) ListWallets(_ context.Context) ([]*treasury.TreasuryWallet, error) {
	var out []*treasury.TreasuryWallet
	s.read(func(d *data) {
		for _, w := range d.wallets {
			out = append(out, w.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LockWallet is a no-op: writes are already serialized.
func (s *Store) LockWallet(_ context.Context, id string) error {
	var ok bool
	s.read(func(d *data) { _, ok = d.wallets[id] })
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

// =============================================================================
// Transactions
// =============================================================================

func (s *Store) CreateTransaction(_ context.Context, tx *treasury.MultiSigTransaction) error {
	return s.write(func(d *data) error {
		if _, exists := d.transactions[tx.ID]; exists {
			return storage.ErrConflict
		}
		d.transactions[tx.ID] = tx.Clone()
		return nil
	})
}

func (s *Store) UpdateTransaction(_ context.Context, tx *treasury.MultiSigTransaction) error {
	return s.write(func(d *data) error {
		if _, exists := d.transactions[tx.ID]; !exists {
			return storage.ErrNotFound
		}
		d.transactions[tx.ID] = tx.Clone()
		return nil
	})
}

func (s *Store) GetTransaction(_ context.Context, id string) (*treasury.MultiSigTransaction, error) {
	var out *treasury.MultiSigTransaction
	s.read(func(d *data) {
		out = d.transactions[id].Clone()
	})
	if out == nil {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

func (s *Store) ListTransactions(_ context.Context, filter treasury.TransactionFilter) ([]*treasury.MultiSigTransaction, error) {
	var out []*treasury.MultiSigTransaction
	s.read(func(d *data) {
		for _, tx := range d.transactions {
			if filter.WalletID != "" && tx.WalletID != filter.WalletID {
				continue
			}
			if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, tx.Status) {
				continue
			}
			out = append(out, tx.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// LockAccount is a no-op: writes are already serialized.
func (s *Store) LockAccount(context.Context, string, string) error {
	return nil
}

func (s *Store) AccountUsage(_ context.Context, network, address, currency string, since, now time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	s.read(func(d *data) {
		for _, tx := range d.transactions {
			if tx.Network != network || tx.WalletAddress != address || tx.Currency != currency {
				continue
			}
			switch {
			case tx.Status == treasury.TxExecuted:
				if tx.ExecutedAt != nil && !tx.ExecutedAt.Before(since) {
					total = total.Add(tx.Amount)
				}
			case !tx.Status.IsTerminal():
				if !tx.CreatedAt.Before(since) && !tx.ExpiredAt(now) {
					total = total.Add(tx.Amount)
				}
			}
		}
	})
	return total, nil
}

func (s *Store) MaxActiveNonce(_ context.Context, network, address string) (uint64, bool, error) {
	var (
		highest uint64
		found   bool
	)
	s.read(func(d *data) {
		for _, tx := range d.transactions {
			if tx.Network != network || tx.WalletAddress != address || tx.Status.IsTerminal() {
				continue
			}
			if !found || tx.Nonce > highest {
				highest = tx.Nonce
				found = true
			}
		}
	})
	return highest, found, nil
}

func containsStatus(list []treasury.TransactionStatus, s treasury.TransactionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Payouts
// =============================================================================

func (s *Store) CreatePayout(_ context.Context, p *treasury.PayoutTransaction) error {
	return s.write(func(d *data) error {
		if _, exists := d.payouts[p.ID]; exists {
			return storage.ErrConflict
		}
		for _, existing := range d.payouts {
			if p.SourceID != "" && existing.SourceID == p.SourceID {
				return storage.ErrConflict
			}
		}
		d.payouts[p.ID] = p.Clone()
		return nil
	})
}

func (s *Store) UpdatePayout(_ context.Context, p *treasury.PayoutTransaction) error {
	return s.write(func(d *data) error {
		if _, exists := d.payouts[p.ID]; !exists {
			return storage.ErrNotFound
		}
		d.payouts[p.ID] = p.Clone()
		return nil
	})
}

func (s *Store) GetPayout(_ context.Context, id string) (*treasury.PayoutTransaction, error) {
	var out *treasury.PayoutTransaction
	s.read(func(d *data) {
		out = d.payouts[id].Clone()
	})
	if out == nil {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

func (s *Store) GetPayoutBySource(_ context.Context, sourceID string) (*treasury.PayoutTransaction, error) {
	var out *treasury.PayoutTransaction
	s.read(func(d *data) {
		for _, p := range d.payouts {
			if p.SourceID == sourceID {
				out = p.Clone()
				return
			}
		}
	})
	if out == nil {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

func (s *Store) ListPayouts(_ context.Context, status treasury.PayoutStatus, limit int) ([]*treasury.PayoutTransaction, error) {
	var out []*treasury.PayoutTransaction
	s.read(func(d *data) {
		for _, p := range d.payouts {
			if status != "" && p.Status != status {
				continue
			}
			out = append(out, p.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Operations
// =============================================================================

func (s *Store) CreateOperation(_ context.Context, op *treasury.TreasuryOperation) error {
	return s.write(func(d *data) error {
		if _, exists := d.operations[op.ID]; exists {
			return storage.ErrConflict
		}
		d.operations[op.ID] = op.Clone()
		return nil
	})
}

func (s *Store) UpdateOperation(_ context.Context, op *treasury.TreasuryOperation) error {
	return s.write(func(d *data) error {
		existing, ok := d.operations[op.ID]
		if !ok {
			return storage.ErrNotFound
		}
		next := op.Clone()
		next.Checks = existing.Clone().Checks
		d.operations[op.ID] = next
		return nil
	})
}

func (s *Store) GetOperation(_ context.Context, id string) (*treasury.TreasuryOperation, error) {
	var out *treasury.TreasuryOperation
	s.read(func(d *data) {
		out = d.operations[id].Clone()
	})
	if out == nil {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

func (s *Store) ListOperations(_ context.Context, limit int) ([]*treasury.TreasuryOperation, error) {
	var out []*treasury.TreasuryOperation
	s.read(func(d *data) {
		for _, op := range d.operations {
			out = append(out, op.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AddComplianceCheck(_ context.Context, check *treasury.ComplianceCheck) error {
	return s.write(func(d *data) error {
		op, ok := d.operations[check.OperationID]
		if !ok {
			return storage.ErrNotFound
		}
		c := *check
		c.Details = check.Details.Clone()
		op.Checks = append(op.Checks, c)
		return nil
	})
}

// =============================================================================
// Audit
// =============================================================================

func (s *Store) AppendAudit(_ context.Context, entry *treasury.AuditEntry) error {
	return s.write(func(d *data) error {
		if entry.Sequence != int64(len(d.audit))+1 {
			return storage.ErrConflict
		}
		e := *entry
		e.Details = entry.Details.Clone()
		d.audit = append(d.audit, &e)
		return nil
	})
}

func (s *Store) LastAudit(_ context.Context) (*treasury.AuditEntry, error) {
	var out *treasury.AuditEntry
	s.read(func(d *data) {
		if n := len(d.audit); n > 0 {
			e := *d.audit[n-1]
			out = &e
		}
	})
	if out == nil {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

func (s *Store) ListAudit(_ context.Context, filter treasury.AuditFilter) ([]*treasury.AuditEntry, error) {
	var out []*treasury.AuditEntry
	s.read(func(d *data) {
		for _, e := range d.audit {
			if e.Sequence <= filter.AfterSeq {
				continue
			}
			if filter.EntityType != "" && e.EntityType != filter.EntityType {
				continue
			}
			if filter.EntityID != "" && e.EntityID != filter.EntityID {
				continue
			}
			if filter.WalletID != "" && e.WalletID != filter.WalletID {
				continue
			}
			if filter.Action != "" && e.Action != filter.Action {
				continue
			}
			if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
				continue
			}
			c := *e
			c.Details = e.Details.Clone()
			out = append(out, &c)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return
			}
		}
	})
	return out, nil
}

// LockAuditChain is a no-op: writes are already serialized.
func (s *Store) LockAuditChain(context.Context) error {
	return nil
}

// =============================================================================
// Controls
// =============================================================================

func (s *Store) GetControls(_ context.Context) (*treasury.TreasuryControls, error) {
	var out treasury.TreasuryControls
	s.read(func(d *data) { out = d.controls })
	return &out, nil
}

func (s *Store) SaveControls(_ context.Context, c *treasury.TreasuryControls) error {
	return s.write(func(d *data) error {
		d.controls = *c
		return nil
	})
}
