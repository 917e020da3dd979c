// Package payout is the Payout Execution Service. It turns an authorized
// transfer into a network transaction: it re-validates feasibility against
// on-chain balances, records the signed transaction before broadcasting it,
// and tracks the submission to finality.
//
// Submissions are never retried automatically. A transfer that failed is
// final; resubmitting it is a decision for the caller.
package payout

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/metrics"
	"github.com/R3E-Network/treasury_layer/internal/network"
	"github.com/R3E-Network/treasury_layer/internal/storage"
	"github.com/R3E-Network/treasury_layer/services/audit"
)

const (
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultPollInterval        = 2 * time.Second
)

// Controls gates execution per wallet and treasury-wide.
type Controls interface {
	EnsureExecutable(ctx context.Context, walletID string) (*treasury.TreasuryWallet, error)
}

// Config tunes confirmation tracking.
type Config struct {
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

// Transfer is an authorized transfer to execute.
type Transfer struct {
	SourceID    string             `json:"source_id"`
	WalletID    string             `json:"wallet_id"`
	From        string             `json:"from"`
	Account     string             `json:"account,omitempty"`
	To          string             `json:"to"`
	Amount      decimal.Decimal    `json:"amount"`
	Currency    string             `json:"currency"`
	Network     string             `json:"network"`
	Nonce       uint64             `json:"nonce"`
	Fee         treasury.FeeParams `json:"fee"`
	RequestedBy string             `json:"requested_by"`
}

// Service executes payouts.
type Service struct {
	ledger    *audit.Ledger
	store     storage.Store
	networks  *network.Registry
	custodian network.Custodian
	controls  Controls
	cfg       Config
	log       *logging.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithControls sets the execution gate checked before every submission.
func WithControls(c Controls) Option {
	return func(s *Service) { s.controls = c }
}

// WithConfig sets confirmation tracking parameters.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates the service. custodian signs every transfer.
func New(ledger *audit.Ledger, networks *network.Registry, custodian network.Custodian, opts ...Option) *Service {
	s := &Service{
		ledger:    ledger,
		store:     ledger.Store(),
		networks:  networks,
		custodian: custodian,
		log:       logging.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ConfirmationTimeout <= 0 {
		s.cfg.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if s.cfg.PollInterval <= 0 {
		s.cfg.PollInterval = DefaultPollInterval
	}
	return s
}

// =============================================================================
// Estimation
// =============================================================================

// EstimateRequest asks whether a transfer could proceed.
type EstimateRequest struct {
	Network     string          `json:"network"`
	FromAddress string          `json:"from_address,omitempty"`
	ToAddress   string          `json:"to_address"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency,omitempty"`
}

// Estimate validates a transfer and estimates its fee. Validation problems
// are reported as reasons rather than errors.
func (s *Service) Estimate(ctx context.Context, req EstimateRequest) (*treasury.PayoutEstimate, error) {
	adapter, err := s.networks.Get(req.Network)
	if err != nil {
		return nil, err
	}
	symbol := req.Currency
	if symbol == "" {
		symbol = adapter.DefaultCurrency()
	}

	est := &treasury.PayoutEstimate{
		Network:     adapter.Name(),
		Currency:    symbol,
		ToAddress:   req.ToAddress,
		Amount:      req.Amount,
		FeeCurrency: adapter.NativeCurrency().Symbol,
	}

	addrOK := true
	if err := adapter.ValidateAddress(req.ToAddress); err != nil {
		addrOK = false
		est.Reasons = append(est.Reasons, "invalid destination address: "+err.Error())
	} else {
		est.ToAddress = adapter.NormalizeAddress(req.ToAddress)
	}
	if !req.Amount.IsPositive() {
		est.Reasons = append(est.Reasons, "amount must be greater than zero")
	}
	if _, err := adapter.Currency(symbol); err != nil {
		est.Reasons = append(est.Reasons, err.Error())
	}

	if addrOK && len(est.Reasons) == 0 {
		fee, err := adapter.EstimateTransferFee(ctx, network.TransferRequest{
			From:     req.FromAddress,
			To:       est.ToAddress,
			Amount:   req.Amount,
			Currency: symbol,
		})
		if err != nil {
			est.Reasons = append(est.Reasons, "fee estimation failed: "+err.Error())
		} else {
			est.Fee = fee
		}
	}
	est.CanProceed = len(est.Reasons) == 0
	return est, nil
}

// =============================================================================
// Submission
// =============================================================================

// Submit executes a transfer up to broadcast. A transfer whose SourceID was
// already submitted is recovered instead of submitted again. Failures after
// the balance check are recorded as FAILED and returned together with the
// payout.
func (s *Service) Submit(ctx context.Context, t Transfer) (*treasury.PayoutTransaction, error) {
	if s.controls != nil && t.WalletID != "" {
		if _, err := s.controls.EnsureExecutable(ctx, t.WalletID); err != nil {
			return nil, err
		}
	}
	if t.SourceID != "" {
		existing, err := s.store.GetPayoutBySource(ctx, t.SourceID)
		switch {
		case err == nil:
			return s.recover(ctx, existing)
		case !errors.Is(err, storage.ErrNotFound):
			return nil, errors.Internal("load payout", err)
		}
	}

	adapter, err := s.networks.Get(t.Network)
	if err != nil {
		return nil, err
	}
	if err := adapter.ValidateAddress(t.To); err != nil {
		return nil, err
	}
	if !t.Amount.IsPositive() {
		return nil, errors.InvalidAmount("must be greater than zero")
	}
	if err := s.checkBalances(ctx, adapter, t); err != nil {
		return nil, err
	}

	started := s.now()
	p := &treasury.PayoutTransaction{
		ID:          uuid.NewString(),
		SourceID:    t.SourceID,
		WalletID:    t.WalletID,
		FromAddress: t.From,
		ToAddress:   adapter.NormalizeAddress(t.To),
		Amount:      t.Amount,
		Currency:    t.Currency,
		Network:     adapter.Name(),
		Nonce:       t.Nonce,
		Status:      treasury.PayoutPending,
		GasPrice:    t.Fee.GasPrice,
		RequestedBy: t.RequestedBy,
		CreatedAt:   started.UTC(),
		UpdatedAt:   started.UTC(),
	}

	signed, err := adapter.BuildTransfer(ctx, network.TransferRequest{
		From:     t.From,
		Account:  t.Account,
		To:       p.ToAddress,
		Amount:   t.Amount,
		Currency: t.Currency,
		Nonce:    t.Nonce,
		Fee:      t.Fee,
	}, s.custodian)
	if err != nil {
		return s.failNew(ctx, p, err)
	}
	p.TxHash = signed.Hash
	p.RawTransaction = signed.Raw

	// The hash and payload are durable before the network sees them.
	if err := s.store.CreatePayout(ctx, p); err != nil {
		if errors.Is(err, storage.ErrConflict) && t.SourceID != "" {
			existing, getErr := s.store.GetPayoutBySource(ctx, t.SourceID)
			if getErr == nil {
				return s.recover(ctx, existing)
			}
		}
		return nil, errors.Internal("store payout", err)
	}

	out, err := s.broadcast(ctx, adapter, p, signed)
	if err == nil {
		s.metrics.PayoutSubmitted(p.Network, s.now().Sub(started))
	}
	return out, err
}

// checkBalances requires token balance >= amount (plus fee for native
// transfers) and native balance >= fee.
func (s *Service) checkBalances(ctx context.Context, adapter network.Adapter, t Transfer) error {
	currency, err := adapter.Currency(t.Currency)
	if err != nil {
		return err
	}
	native := adapter.NativeCurrency()
	fee := t.Fee.Total

	required := t.Amount
	if currency.Native {
		required = required.Add(fee)
	}
	var available decimal.Decimal
	if currency.Native {
		available, err = adapter.GetNativeBalance(ctx, t.From)
	} else {
		available, err = adapter.GetTokenBalance(ctx, t.From, currency.Symbol)
	}
	if err != nil {
		return err
	}
	if available.LessThan(required) {
		return errors.InsufficientTreasuryBalance(t.From, currency.Symbol, available.String(), required.String())
	}

	if !currency.Native && fee.IsPositive() {
		nativeBal, err := adapter.GetNativeBalance(ctx, t.From)
		if err != nil {
			return err
		}
		if nativeBal.LessThan(fee) {
			return errors.InsufficientTreasuryBalance(t.From, native.Symbol, nativeBal.String(), fee.String())
		}
	}
	return nil
}

func (s *Service) broadcast(ctx context.Context, adapter network.Adapter, p *treasury.PayoutTransaction, signed *network.SignedTransfer) (*treasury.PayoutTransaction, error) {
	hash, err := adapter.Broadcast(ctx, signed)
	if err != nil {
		return s.fail(ctx, p, err)
	}
	if hash != "" {
		p.TxHash = hash
	}
	return s.markSubmitted(ctx, p)
}

// markSubmitted moves p to PROCESSING once the network has its transaction.
func (s *Service) markSubmitted(ctx context.Context, p *treasury.PayoutTransaction) (*treasury.PayoutTransaction, error) {
	now := s.now().UTC()
	p.Status = treasury.PayoutProcessing
	p.SubmittedAt = &now
	p.UpdatedAt = now
	err := s.ledger.Atomic(ctx, func(tx storage.Store, batch *audit.Batch) error {
		if err := tx.UpdatePayout(ctx, p); err != nil {
			return errors.Internal("update payout", err)
		}
		batch.Add(s.entry(p, treasury.ActionPayoutSubmitted, treasury.Metadata{
			"tx_hash": p.TxHash,
			"nonce":   p.Nonce,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Payout(p.Network, string(p.Status))
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"payout_id": p.ID,
		"network":   p.Network,
		"tx_hash":   p.TxHash,
	}).Info("payout broadcast")
	return p, nil
}

// failNew records a payout that failed before it was stored.
func (s *Service) failNew(ctx context.Context, p *treasury.PayoutTransaction, cause error) (*treasury.PayoutTransaction, error) {
	if err := s.store.CreatePayout(ctx, p); err != nil {
		return nil, errors.Internal("store payout", err)
	}
	return s.fail(ctx, p, cause)
}

// fail marks p FAILED with the cause preserved verbatim.
func (s *Service) fail(ctx context.Context, p *treasury.PayoutTransaction, cause error) (*treasury.PayoutTransaction, error) {
	now := s.now().UTC()
	p.Status = treasury.PayoutFailed
	p.Error = cause.Error()
	p.CompletedAt = &now
	p.UpdatedAt = now
	err := s.ledger.Atomic(ctx, func(tx storage.Store, batch *audit.Batch) error {
		if err := tx.UpdatePayout(ctx, p); err != nil {
			return errors.Internal("update payout", err)
		}
		batch.Add(s.entry(p, treasury.ActionPayoutFailed, treasury.Metadata{
			"tx_hash": p.TxHash,
			"error":   p.Error,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Payout(p.Network, string(p.Status))
	s.log.WithContext(ctx).WithError(cause).WithFields(map[string]interface{}{
		"payout_id": p.ID,
		"network":   p.Network,
	}).Error("payout failed")
	if errors.GetServiceError(cause) == nil {
		cause = errors.SubmissionFailed(p.Network, cause)
	}
	return p, cause
}

// recover resumes a payout found by source id. Final payouts are returned
// as they are; a PENDING payout whose transaction the network does not know
// is rebroadcast with the identical signed payload.
func (s *Service) recover(ctx context.Context, p *treasury.PayoutTransaction) (*treasury.PayoutTransaction, error) {
	switch p.Status {
	case treasury.PayoutCompleted, treasury.PayoutCancelled, treasury.PayoutProcessing:
		return p, nil
	case treasury.PayoutFailed:
		return p, FailureOf(p)
	}

	adapter, err := s.networks.Get(p.Network)
	if err != nil {
		return nil, err
	}
	if p.TxHash == "" || p.RawTransaction == "" {
		return nil, errors.InvalidState(treasury.EntityPayout, p.ID, string(p.Status), "recover")
	}
	receipt, err := adapter.GetReceipt(ctx, p.TxHash)
	if err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"payout_id": p.ID,
		"tx_hash":   p.TxHash,
		"on_chain":  receipt.Found,
	}).Warn("recovering pending payout")
	if receipt.Found {
		return s.markSubmitted(ctx, p)
	}
	return s.broadcast(ctx, adapter, p, &network.SignedTransfer{
		Network: p.Network,
		Hash:    p.TxHash,
		Raw:     p.RawTransaction,
	})
}

// FailureOf rebuilds the error of a FAILED payout: ReceiptReverted when the
// transaction was mined, SubmissionFailed otherwise.
func FailureOf(p *treasury.PayoutTransaction) error {
	if p.Status != treasury.PayoutFailed {
		return nil
	}
	if p.BlockNumber > 0 {
		return errors.ReceiptReverted(p.Network, p.TxHash)
	}
	return errors.SubmissionFailed(p.Network, stderrors.New(p.Error))
}

// =============================================================================
// Confirmation tracking
// =============================================================================

// CheckStatus reads the network view of a transaction.
func (s *Service) CheckStatus(ctx context.Context, hash, networkName string) (*treasury.ChainStatus, error) {
	adapter, err := s.networks.Get(networkName)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, errors.InvalidInput("hash", "is required")
	}
	status := &treasury.ChainStatus{Hash: hash, Network: adapter.Name(), Status: treasury.PayoutProcessing}

	receipt, err := adapter.GetReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !receipt.Found {
		return status, nil
	}
	status.Found = true
	status.BlockNumber = receipt.BlockNumber
	status.GasUsed = receipt.GasUsed

	height, err := adapter.BlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	if height >= receipt.BlockNumber {
		status.Confirmations = height - receipt.BlockNumber + 1
	}

	switch {
	case !receipt.Success:
		status.Status = treasury.PayoutFailed
	case status.Confirmations < adapter.MinConfirmations():
		status.Status = treasury.PayoutProcessing
	default:
		status.Status = treasury.PayoutCompleted
	}
	return status, nil
}

// Refresh advances a payout from the network's view. PENDING payouts go
// through recovery.
func (s *Service) Refresh(ctx context.Context, id string) (*treasury.PayoutTransaction, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case treasury.PayoutPending:
		return s.recover(ctx, p)
	case treasury.PayoutProcessing:
	default:
		return p, nil
	}

	status, err := s.CheckStatus(ctx, p.TxHash, p.Network)
	if err != nil {
		return p, err
	}
	return s.apply(ctx, p, status)
}

func (s *Service) apply(ctx context.Context, p *treasury.PayoutTransaction, status *treasury.ChainStatus) (*treasury.PayoutTransaction, error) {
	if status.Status == treasury.PayoutProcessing &&
		status.Confirmations == p.Confirmations && status.BlockNumber == p.BlockNumber {
		return p, nil
	}

	now := s.now().UTC()
	p.Confirmations = status.Confirmations
	p.BlockNumber = status.BlockNumber
	p.GasUsed = status.GasUsed
	p.UpdatedAt = now

	var action treasury.AuditAction
	switch status.Status {
	case treasury.PayoutCompleted:
		action = treasury.ActionPayoutCompleted
		p.Status = treasury.PayoutCompleted
		p.CompletedAt = &now
	case treasury.PayoutFailed:
		action = treasury.ActionPayoutFailed
		p.Status = treasury.PayoutFailed
		p.Error = errors.ReceiptReverted(p.Network, p.TxHash).Error()
		p.CompletedAt = &now
	}

	err := s.ledger.Atomic(ctx, func(tx storage.Store, batch *audit.Batch) error {
		if err := tx.UpdatePayout(ctx, p); err != nil {
			return errors.Internal("update payout", err)
		}
		if action != "" {
			batch.Add(s.entry(p, action, treasury.Metadata{
				"tx_hash":       p.TxHash,
				"block_number":  p.BlockNumber,
				"confirmations": p.Confirmations,
				"gas_used":      p.GasUsed,
			}))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if action != "" {
		s.metrics.Payout(p.Network, string(p.Status))
		s.log.WithContext(ctx).WithFields(map[string]interface{}{
			"payout_id":    p.ID,
			"status":       p.Status,
			"block_number": p.BlockNumber,
		}).Info("payout finalized")
	}
	return p, nil
}

// Await polls until the payout is final or the confirmation timeout passes.
// A payout still processing at the timeout is returned without error; a
// FAILED payout is returned with its failure.
func (s *Service) Await(ctx context.Context, id string) (*treasury.PayoutTransaction, error) {
	deadline := time.NewTimer(s.cfg.ConfirmationTimeout)
	defer deadline.Stop()

	var last *treasury.PayoutTransaction
	for {
		p, err := s.Refresh(ctx, id)
		switch {
		case err == nil:
			last = p
		case errors.HasCode(err, errors.CodeNetworkUnavailable):
			s.log.WithContext(ctx).WithError(err).WithField("payout_id", id).Warn("confirmation poll failed")
			if p != nil {
				last = p
			}
		case p != nil && p.Status == treasury.PayoutFailed:
			return p, err
		default:
			return last, err
		}
		if last != nil && last.Status.IsFinal() {
			return last, FailureOf(last)
		}

		poll := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return last, ctx.Err()
		case <-deadline.C:
			poll.Stop()
			return last, nil
		case <-poll.C:
		}
	}
}

// Execute submits a transfer and waits for it to settle.
func (s *Service) Execute(ctx context.Context, t Transfer) (*treasury.PayoutTransaction, error) {
	p, err := s.Submit(ctx, t)
	if err != nil {
		return p, err
	}
	if p.Status.IsFinal() {
		return p, nil
	}
	return s.Await(ctx, p.ID)
}

// BatchResult is the outcome of one transfer in a batch.
type BatchResult struct {
	Payout *treasury.PayoutTransaction `json:"payout,omitempty"`
	Error  *errors.ServiceError        `json:"error,omitempty"`
}

// BatchExecute executes transfers one after another. A failure is recorded
// in its result and does not stop the batch.
func (s *Service) BatchExecute(ctx context.Context, transfers []Transfer) []BatchResult {
	results := make([]BatchResult, len(transfers))
	for i, t := range transfers {
		p, err := s.Execute(ctx, t)
		results[i].Payout = p
		if err != nil {
			results[i].Error = asServiceError(err)
		}
	}
	return results
}

func asServiceError(err error) *errors.ServiceError {
	if se := errors.GetServiceError(err); se != nil {
		return se
	}
	return errors.Internal("payout failed", err)
}

// =============================================================================
// Reads
// =============================================================================

// Get returns a payout by id.
func (s *Service) Get(ctx context.Context, id string) (*treasury.PayoutTransaction, error) {
	p, err := s.store.GetPayout(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.NotFound("payout", id)
	}
	if err != nil {
		return nil, errors.Internal("load payout", err)
	}
	return p, nil
}

// GetBySource returns the payout executing a source transaction.
func (s *Service) GetBySource(ctx context.Context, sourceID string) (*treasury.PayoutTransaction, error) {
	p, err := s.store.GetPayoutBySource(ctx, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.NotFound("payout", sourceID)
	}
	if err != nil {
		return nil, errors.Internal("load payout", err)
	}
	return p, nil
}

// List returns payouts, optionally filtered by status.
func (s *Service) List(ctx context.Context, status treasury.PayoutStatus, limit int) ([]*treasury.PayoutTransaction, error) {
	if status != "" {
		switch status {
		case treasury.PayoutPending, treasury.PayoutProcessing, treasury.PayoutCompleted, treasury.PayoutFailed, treasury.PayoutCancelled:
		default:
			return nil, errors.InvalidInput("status", fmt.Sprintf("unknown payout status %q", status))
		}
	}
	out, err := s.store.ListPayouts(ctx, status, limit)
	if err != nil {
		return nil, errors.Internal("list payouts", err)
	}
	return out, nil
}

func (s *Service) entry(p *treasury.PayoutTransaction, action treasury.AuditAction, details treasury.Metadata) treasury.AuditEntry {
	details["network"] = p.Network
	details["source_id"] = p.SourceID
	details["amount"] = p.Amount.String()
	details["currency"] = p.Currency
	return treasury.AuditEntry{
		Action:     action,
		Actor:      p.RequestedBy,
		EntityType: treasury.EntityPayout,
		EntityID:   p.ID,
		WalletID:   p.WalletID,
		Details:    details,
	}
}
