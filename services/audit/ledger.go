// Package audit keeps the treasury's append-only, hash-chained audit log.
//
// State changes and their audit entries are written in one storage unit of
// work through Ledger.Atomic, so an entry exists exactly when its change was
// committed. Committed entries are then fanned out to sinks (Kafka, websocket
// subscribers) without ever blocking the mutation.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	svcerrors "github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/metrics"
	"github.com/R3E-Network/treasury_layer/internal/storage"
)

// SystemActor is recorded when no authenticated user drives a change.
const SystemActor = "system"

// verifyPage bounds the entries read per page while verifying.
const verifyPage = 500

// Sink receives committed entries. Publish must not block.
type Sink interface {
	Publish(entries []*treasury.AuditEntry)
}

// Batch collects the entries of one unit of work.
type Batch struct {
	entries []*treasury.AuditEntry
}

// Add queues an entry. Sequence, hashes and ID are assigned on commit.
func (b *Batch) Add(entry treasury.AuditEntry) {
	e := entry
	e.Details = entry.Details.Clone()
	b.entries = append(b.entries, &e)
}

// Len returns the number of queued entries.
func (b *Batch) Len() int { return len(b.entries) }

// Ledger appends and verifies the audit chain.
type Ledger struct {
	store   storage.Store
	sinks   []Sink
	log     *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSinks registers sinks that receive committed entries.
func WithSinks(sinks ...Sink) Option {
	return func(l *Ledger) { l.sinks = append(l.sinks, sinks...) }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over store.
func New(store storage.Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, log: logging.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddSink registers a sink after construction.
func (l *Ledger) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// Store returns the underlying store.
func (l *Ledger) Store() storage.Store { return l.store }

// Atomic runs fn inside one unit of work and appends the entries fn added to
// the batch before committing. Nothing is appended when fn fails.
func (l *Ledger) Atomic(ctx context.Context, fn func(tx storage.Store, batch *Batch) error) error {
	var committed []*treasury.AuditEntry
	err := l.store.Atomic(ctx, func(tx storage.Store) error {
		batch := &Batch{}
		if err := fn(tx, batch); err != nil {
			return err
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := l.append(ctx, tx, batch.entries); err != nil {
			return err
		}
		committed = batch.entries
		return nil
	})
	if err != nil {
		return err
	}
	l.publish(committed)
	return nil
}

// Record appends a standalone entry, such as a rejected attempt.
func (l *Ledger) Record(ctx context.Context, entry treasury.AuditEntry) (*treasury.AuditEntry, error) {
	var out *treasury.AuditEntry
	err := l.Atomic(ctx, func(_ storage.Store, batch *Batch) error {
		batch.Add(entry)
		out = batch.entries[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordQuietly appends an entry and logs instead of failing. Used for
// rejected attempts whose error is already being returned.
func (l *Ledger) RecordQuietly(ctx context.Context, entry treasury.AuditEntry) {
	if _, err := l.Record(ctx, entry); err != nil {
		l.log.WithContext(ctx).WithError(err).
			WithField("action", entry.Action).
			Error("failed to record audit entry")
	}
}

func (l *Ledger) append(ctx context.Context, tx storage.Store, entries []*treasury.AuditEntry) error {
	if err := tx.LockAuditChain(ctx); err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}

	var (
		seq  int64
		prev string
	)
	head, err := tx.LastAudit(ctx)
	switch {
	case err == nil:
		seq, prev = head.Sequence, head.Hash
	case svcerrors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("read audit head: %w", err)
	}

	now := chainTimestamp(l.now())
	actor := actorFrom(ctx)
	prov := ProvenanceFrom(ctx)
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		} else {
			e.Timestamp = chainTimestamp(e.Timestamp)
		}
		if e.Actor == "" {
			e.Actor = actor
		}
		if e.IPAddress == "" {
			e.IPAddress = prov.IPAddress
		}
		if e.UserAgent == "" {
			e.UserAgent = prov.UserAgent
		}

		seq++
		e.Sequence = seq
		e.PrevHash = prev
		e.Hash, err = ComputeHash(e)
		if err != nil {
			return fmt.Errorf("hash audit entry: %w", err)
		}
		if err := tx.AppendAudit(ctx, e); err != nil {
			return fmt.Errorf("append audit entry %d: %w", e.Sequence, err)
		}
		prev = e.Hash
	}
	return nil
}

func (l *Ledger) publish(entries []*treasury.AuditEntry) {
	if len(entries) == 0 {
		return
	}
	l.metrics.AuditAppended(len(entries))
	for _, s := range l.sinks {
		s.Publish(entries)
	}
}

// List returns entries matching filter in sequence order.
func (l *Ledger) List(ctx context.Context, filter treasury.AuditFilter) ([]*treasury.AuditEntry, error) {
	if filter.Limit < 0 {
		return nil, svcerrors.InvalidInput("limit", "must not be negative")
	}
	entries, err := l.store.ListAudit(ctx, filter)
	if err != nil {
		return nil, svcerrors.Internal("list audit entries", err)
	}
	return entries, nil
}

// VerifyReport is the outcome of walking the chain.
type VerifyReport struct {
	Valid    bool   `json:"valid"`
	Entries  int64  `json:"entries"`
	Head     string `json:"head,omitempty"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify walks the whole chain and reports the first broken sequence.
func (l *Ledger) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{Valid: true}
	var (
		expectSeq int64 = 1
		prev      string
	)
	for {
		page, err := l.store.ListAudit(ctx, treasury.AuditFilter{AfterSeq: expectSeq - 1, Limit: verifyPage})
		if err != nil {
			return nil, svcerrors.Internal("read audit chain", err)
		}
		for _, e := range page {
			if reason := checkLink(e, expectSeq, prev); reason != "" {
				report.Valid = false
				report.BrokenAt = expectSeq
				report.Reason = reason
				return report, nil
			}
			report.Entries++
			report.Head = e.Hash
			prev = e.Hash
			expectSeq++
		}
		if len(page) < verifyPage {
			return report, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func checkLink(e *treasury.AuditEntry, seq int64, prev string) string {
	if e.Sequence != seq {
		return fmt.Sprintf("expected sequence %d, found %d", seq, e.Sequence)
	}
	if e.PrevHash != prev {
		return "previous hash does not match"
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return "entry cannot be hashed: " + err.Error()
	}
	if hash != e.Hash {
		return "entry hash does not match its contents"
	}
	return ""
}

func actorFrom(ctx context.Context) string {
	if user := logging.GetUserID(ctx); user != "" {
		return user
	}
	return SystemActor
}

type provenanceKey struct{}

// WithProvenance attaches request provenance recorded on every entry.
func WithProvenance(ctx context.Context, p treasury.Provenance) context.Context {
	return context.WithValue(ctx, provenanceKey{}, p)
}

// ProvenanceFrom returns the provenance attached to ctx.
func ProvenanceFrom(ctx context.Context) treasury.Provenance {
	p, _ := ctx.Value(provenanceKey{}).(treasury.Provenance)
	return p
}
