// Package operations tracks treasury operations: the business request behind
// a transfer, its compliance screening, and the multisig transaction that
// carries it out.
package operations

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/storage"
	"github.com/R3E-Network/treasury_layer/services/audit"
)

// Service manages treasury operations.
type Service struct {
	ledger *audit.Ledger
	store  storage.Store
	log    *logging.Logger
	now    func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the service.
func New(ledger *audit.Ledger, opts ...Option) *Service {
	s := &Service{
		ledger: ledger,
		store:  ledger.Store(),
		log:    logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest opens an operation.
type CreateRequest struct {
	Type        string            `json:"type"`
	Reference   string            `json:"reference"`
	WalletID    string            `json:"wallet_id,omitempty"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	RiskScore   int               `json:"risk_score"`
	RequestedBy string            `json:"-"`
	Metadata    treasury.Metadata `json:"metadata,omitempty"`
}

// Create stores a new OPEN operation.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*treasury.TreasuryOperation, error) {
	switch {
	case req.Type == "":
		return nil, errors.InvalidInput("type", "is required")
	case req.Reference == "":
		return nil, errors.InvalidInput("reference", "is required")
	case req.Amount.IsNegative():
		return nil, errors.InvalidAmount("must not be negative")
	case req.RiskScore < 0 || req.RiskScore > 100:
		return nil, errors.InvalidInput("risk_score", "must be between 0 and 100")
	}

	now := s.now().UTC()
	op := &treasury.TreasuryOperation{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Reference:   req.Reference,
		WalletID:    req.WalletID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		RiskScore:   req.RiskScore,
		Status:      treasury.OperationOpen,
		Checks:      []treasury.ComplianceCheck{},
		RequestedBy: req.RequestedBy,
		Metadata:    req.Metadata.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.ledger.Atomic(ctx, func(tx storage.Store, batch *audit.Batch) error {
		if op.WalletID != "" {
			if _, err := tx.GetWallet(ctx, op.WalletID); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return errors.NotFound("wallet", op.WalletID)
				}
				return errors.Internal("load wallet", err)
			}
		}
		if err := tx.CreateOperation(ctx, op); err != nil {
			return errors.Internal("store operation", err)
		}
		batch.Add(entry(op, treasury.ActionOperationCreated, req.RequestedBy, treasury.Metadata{
			"type":       op.Type,
			"reference":  op.Reference,
			"amount":     op.Amount.String(),
			"currency":   op.Currency,
			"risk_score": op.RiskScore,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"operation_id": op.ID,
		"type":         op.Type,
		"reference":    op.Reference,
	}).Info("treasury operation created")
	return op, nil
}

// RecordCheck appends a compliance result and re-derives the status.
func (s *Service) RecordCheck(ctx context.Context, operationID string, check treasury.ComplianceCheck) (*treasury.TreasuryOperation, error) {
	if !check.Type.Valid() {
		return nil, errors.InvalidInput("type", "unknown compliance check type "+string(check.Type))
	}
	if !check.Status.Valid() {
		return nil, errors.InvalidInput("status", "unknown compliance status "+string(check.Status))
	}
	if check.Score < 0 || check.Score > 100 {
		return nil, errors.InvalidInput("score", "must be between 0 and 100")
	}

	var op *treasury.TreasuryOperation
	err := s.ledger.Atomic(ctx, func(tx storage.Store, batch *audit.Batch) error {
		var err error
		op, err = getOperation(ctx, tx, operationID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		check.ID = uuid.NewString()
		check.OperationID = op.ID
		check.Details = check.Details.Clone()
		if check.CheckedAt.IsZero() {
			check.CheckedAt = now
		}
		from := op.Status
		op.Checks = append(op.Checks, check)
		op.Status = op.DeriveStatus()
		op.UpdatedAt = now
		if err := tx.AddComplianceCheck(ctx, &check); err != nil {
			return errors.Internal("store compliance check", err)
		}
		if err := tx.UpdateOperation(ctx, op); err != nil {
			return errors.Internal("update operation", err)
		}
		batch.Add(entry(op, treasury.ActionComplianceCheckRecords, check.CheckedBy, treasury.Metadata{
			"check_id":    check.ID,
			"check_type":  string(check.Type),
			"result":      string(check.Status),
			"score":       check.Score,
			"provider":    check.Provider,
			"from_status": string(from),
			"status":      string(op.Status),
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if op.Status == treasury.OperationBlocked {
		s.log.LogSecurityEvent(ctx, "operation_blocked", map[string]interface{}{
			"operation_id": op.ID,
			"check_type":   string(check.Type),
			"provider":     check.Provider,
		})
	}
	return op, nil
}

// Link attaches a transaction to an operation inside the caller's unit of
// work. An operation carries at most one transaction.
func (s *Service) Link(ctx context.Context, tx storage.Store, batch *audit.Batch, operationID, transactionID string) error {
	op, err := getOperation(ctx, tx, operationID)
	if err != nil {
		return err
	}
	if op.TransactionID != "" {
		return errors.Conflict("operation " + op.ID + " is already linked to transaction " + op.TransactionID).
			WithDetails("transaction_id", op.TransactionID)
	}
	if op.Status == treasury.OperationBlocked {
		return errors.InvalidState(treasury.EntityOperation, op.ID, string(op.Status), "link")
	}
	op.TransactionID = transactionID
	op.UpdatedAt = s.now().UTC()
	if err := tx.UpdateOperation(ctx, op); err != nil {
		return errors.Internal("update operation", err)
	}
	batch.Add(entry(op, treasury.ActionOperationLinked, "", treasury.Metadata{"transaction_id": transactionID}))
	return nil
}

// Get returns an operation with its checks.
func (s *Service) Get(ctx context.Context, id string) (*treasury.TreasuryOperation, error) {
	return getOperation(ctx, s.store, id)
}

// List returns the most recent operations.
func (s *Service) List(ctx context.Context, limit int) ([]*treasury.TreasuryOperation, error) {
	if limit < 0 {
		return nil, errors.InvalidInput("limit", "must not be negative")
	}
	ops, err := s.store.ListOperations(ctx, limit)
	if err != nil {
		return nil, errors.Internal("list operations", err)
	}
	return ops, nil
}

func getOperation(ctx context.Context, store storage.OperationStore, id string) (*treasury.TreasuryOperation, error) {
	op, err := store.GetOperation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.NotFound("operation", id)
	}
	if err != nil {
		return nil, errors.Internal("load operation", err)
	}
	return op, nil
}

func entry(op *treasury.TreasuryOperation, action treasury.AuditAction, actor string, details treasury.Metadata) treasury.AuditEntry {
	return treasury.AuditEntry{
		Action:     action,
		Actor:      actor,
		EntityType: treasury.EntityOperation,
		EntityID:   op.ID,
		WalletID:   op.WalletID,
		Details:    details,
	}
}
