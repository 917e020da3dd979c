// Package multisig is the Multi-Signature Transaction Engine. It owns
// transfer intents, collects signer approvals up to the wallet quorum and
// hands fully signed transfers to the payout service.
//
// Creation is serialized per wallet so spend limits and nonces are computed
// against a consistent view. Signing is serialized per transaction. Execution
// takes the wallet lock, then the transaction lock, and releases both before
// waiting for confirmations.
package multisig

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/locks"
	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/metrics"
	"github.com/R3E-Network/treasury_layer/internal/network"
	"github.com/R3E-Network/treasury_layer/internal/storage"
	"github.com/R3E-Network/treasury_layer/services/audit"
	"github.com/R3E-Network/treasury_layer/services/payout"
)

const (
	// DefaultExpiry is how long a transaction may collect signatures.
	DefaultExpiry = 24 * time.Hour
	// AutoExecutor is the executor recorded for quorum-triggered execution.
	AutoExecutor = "system:auto-execute"
)

// Wallets is the registry capability the engine needs.
type Wallets interface {
	GetWallet(ctx context.Context, id string) (*treasury.TreasuryWallet, error)
	Limits(tier treasury.SecurityTier) (treasury.SpendLimits, error)
	EnsureExecutable(ctx context.Context, walletID string) (*treasury.TreasuryWallet, error)
}

// Payouts is the execution capability the engine delegates to.
type Payouts interface {
	Submit(ctx context.Context, t payout.Transfer) (*treasury.PayoutTransaction, error)
	Await(ctx context.Context, id string) (*treasury.PayoutTransaction, error)
	Refresh(ctx context.Context, id string) (*treasury.PayoutTransaction, error)
	GetBySource(ctx context.Context, sourceID string) (*treasury.PayoutTransaction, error)
}

// OperationLinker attaches a transaction to a treasury operation inside the
// engine's unit of work.
type OperationLinker interface {
	Link(ctx context.Context, tx storage.Store, batch *audit.Batch, operationID, transactionID string) error
}

// Engine implements the multi-signature transaction lifecycle.
type Engine struct {
	ledger      *audit.Ledger
	store       storage.Store
	wallets     Wallets
	payouts     Payouts
	networks    *network.Registry
	locker      locks.Locker
	scorer      RiskScorer
	linker      OperationLinker
	expiry      time.Duration
	autoExecute bool
	log         *logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithLocker replaces the in-process locker, e.g. with a Redis locker
// shared by several instances.
func WithLocker(l locks.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithScorer replaces the risk scorer.
func WithScorer(s RiskScorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithLinker enables operation linking.
func WithLinker(l OperationLinker) Option {
	return func(e *Engine) { e.linker = l }
}

// WithExpiry sets how long new transactions stay signable.
func WithExpiry(d time.Duration) Option {
	return func(e *Engine) { e.expiry = d }
}

// WithAutoExecute executes a transaction as soon as its quorum completes.
func WithAutoExecute(enabled bool) Option {
	return func(e *Engine) { e.autoExecute = enabled }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(ledger *audit.Ledger, wallets Wallets, payouts Payouts, networks *network.Registry, opts ...Option) *Engine {
	e := &Engine{
		ledger:   ledger,
		store:    ledger.Store(),
		wallets:  wallets,
		payouts:  payouts,
		networks: networks,
		locker:   locks.NewKeyedMutex(),
		scorer:   NewHeuristicScorer(nil, nil),
		expiry:   DefaultExpiry,
		log:      logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.expiry <= 0 {
		e.expiry = DefaultExpiry
	}
	return e
}

// =============================================================================
// Creation
// =============================================================================

// CreateRequest describes a transfer to authorize.
type CreateRequest struct {
	WalletID    string                      `json:"wallet_id"`
	Purpose     treasury.TransactionPurpose `json:"type"`
	ToAddress   string                      `json:"to_address"`
	Amount      decimal.Decimal             `json:"amount"`
	Currency    string                      `json:"currency,omitempty"`
	Reason      string                      `json:"reason"`
	OperationID string                      `json:"operation_id,omitempty"`
	Metadata    treasury.Metadata           `json:"metadata,omitempty"`
	CreatedBy   string                      `json:"-"`
}

// Create validates a transfer against the wallet, its spend limits and the
// network, captures the nonce and fee, and stores it as PENDING. A rejected
// request stores nothing and leaves one TRANSACTION_CREATE_REJECTED entry.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*treasury.MultiSigTransaction, error) {
	tx, err := e.create(ctx, req)
	if err != nil {
		e.ledger.RecordQuietly(ctx, treasury.AuditEntry{
			Action:     treasury.ActionTransactionRejected,
			Actor:      req.CreatedBy,
			EntityType: treasury.EntityTransaction,
			WalletID:   req.WalletID,
			Details: treasury.Metadata{
				"to_address": req.ToAddress,
				"amount":     req.Amount.String(),
				"currency":   req.Currency,
				"purpose":    string(req.Purpose),
				"code":       string(errors.CodeOf(err)),
				"error":      err.Error(),
			},
		})
		return nil, err
	}

	e.metrics.TransactionStatus(string(tx.Status))
	e.log.WithContext(ctx).WithFields(map[string]interface{}{
		"transaction_id": tx.ID,
		"wallet_id":      tx.WalletID,
		"amount":         tx.Amount.String(),
		"currency":       tx.Currency,
		"risk_score":     tx.RiskScore,
	}).Info("multisig transaction created")
	return tx, nil
}

func (e *Engine) create(ctx context.Context, req CreateRequest) (*treasury.MultiSigTransaction, error) {
	if !req.Purpose.Valid() {
		return nil, errors.InvalidInput("type", "unknown transaction purpose "+string(req.Purpose))
	}
	if req.OperationID != "" && e.linker == nil {
		return nil, errors.InvalidInput("operation_id", "operations are not enabled")
	}
	wallet, err := e.wallets.GetWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if wallet.Status != treasury.WalletActive {
		return nil, errors.WalletNotActive(wallet.ID, string(wallet.Status))
	}
	adapter, err := e.networks.Get(wallet.Network)
	if err != nil {
		return nil, err
	}
	if err := adapter.ValidateAddress(req.ToAddress); err != nil {
		return nil, err
	}
	to := adapter.NormalizeAddress(req.ToAddress)
	if !req.Amount.IsPositive() {
		return nil, errors.InvalidAmount("must be greater than zero")
	}
	symbol := req.Currency
	if symbol == "" {
		symbol = adapter.DefaultCurrency()
	}
	currency, err := adapter.Currency(symbol)
	if err != nil {
		return nil, err
	}
	if _, err := network.ToBaseUnits(req.Amount, currency.Decimals); err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, locks.AccountKey(wallet.Network, wallet.Address))
	if err != nil {
		return nil, errors.Internal("lock account", err)
	}
	defer unlock()

	networkNonce, err := adapter.GetNonce(ctx, wallet.Address)
	if err != nil {
		return nil, err
	}
	fee, err := adapter.EstimateTransferFee(ctx, network.TransferRequest{
		From:     wallet.Address,
		To:       to,
		Amount:   req.Amount,
		Currency: symbol,
		Nonce:    networkNonce,
	})
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	tx := &treasury.MultiSigTransaction{
		ID:                 uuid.NewString(),
		WalletID:           wallet.ID,
		WalletAddress:      wallet.Address,
		OperationID:        req.OperationID,
		Purpose:            req.Purpose,
		ToAddress:          to,
		Amount:             req.Amount,
		Currency:           symbol,
		Network:            wallet.Network,
		Status:             treasury.TxPending,
		RequiredSignatures: wallet.RequiredSignatures,
		Signatures:         []treasury.MultiSigSignature{},
		Fee:                fee,
		RiskScore:          e.scorer.Score(RiskInput{Amount: req.Amount, Purpose: req.Purpose, ToAddress: to}),
		ExpiresAt:          now.Add(e.expiry),
		CreatedBy:          req.CreatedBy,
		Reason:             req.Reason,
		Metadata:           req.Metadata.Clone(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = e.ledger.Atomic(ctx, func(st storage.Store, batch *audit.Batch) error {
		if err := st.LockAccount(ctx, wallet.Network, wallet.Address); err != nil {
			return errors.Internal("lock account", err)
		}
		if err := e.checkLimits(ctx, st, wallet, symbol, req.Amount, now); err != nil {
			return err
		}
		nonce, err := nextNonce(ctx, st, wallet, networkNonce)
		if err != nil {
			return err
		}
		tx.Nonce = nonce
		tx.SigningHash = SigningHash(tx)

		if err := st.CreateTransaction(ctx, tx); err != nil {
			return errors.Internal("store transaction", err)
		}
		if tx.OperationID != "" {
			if err := e.linker.Link(ctx, st, batch, tx.OperationID, tx.ID); err != nil {
				return err
			}
		}
		batch.Add(e.entry(tx, treasury.ActionTransactionCreated, req.CreatedBy, treasury.Metadata{
			"purpose":      string(tx.Purpose),
			"nonce":        tx.Nonce,
			"risk_score":   tx.RiskScore,
			"expires_at":   tx.ExpiresAt.Format(time.RFC3339),
			"signing_hash": tx.SigningHash,
			"reason":       tx.Reason,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// checkLimits rejects amounts that would push usage in the current UTC day
// or month over the wallet tier's ceiling. Usage is per on-chain account and
// currency, so wallets sharing an address share the allowance.
func (e *Engine) checkLimits(ctx context.Context, st storage.TransactionStore, wallet *treasury.TreasuryWallet, currency string, amount decimal.Decimal, now time.Time) error {
	limits, err := e.wallets.Limits(wallet.SecurityTier)
	if err != nil {
		return err
	}
	windows := []struct {
		name  string
		since time.Time
		limit decimal.Decimal
	}{
		{"daily", time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), limits.Daily},
		{"monthly", time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), limits.Monthly},
	}
	for _, w := range windows {
		used, err := st.AccountUsage(ctx, wallet.Network, wallet.Address, currency, w.since, now)
		if err != nil {
			return errors.Internal("compute wallet usage", err)
		}
		if used.Add(amount).GreaterThan(w.limit) {
			e.metrics.LimitRejected(w.name)
			return errors.LimitExceeded(w.name, w.limit.String(), used.String(), amount.String())
		}
	}
	return nil
}

// nextNonce never hands out a nonce still held by an in-flight transaction.
func nextNonce(ctx context.Context, st storage.TransactionStore, wallet *treasury.TreasuryWallet, networkNonce uint64) (uint64, error) {
	highest, found, err := st.MaxActiveNonce(ctx, wallet.Network, wallet.Address)
	if err != nil {
		return 0, errors.Internal("read active nonces", err)
	}
	if found && highest+1 > networkNonce {
		return highest + 1, nil
	}
	return networkNonce, nil
}

// =============================================================================
// Signing
// =============================================================================

// SignRequest is one signer's approval. Signature is hex encoded material in
// the format the wallet's network verifies.
type SignRequest struct {
	SignerIdentity string `json:"signer_identity"`
	SignerAddress  string `json:"signer_address"`
	Signature      string `json:"signature"`
}

// Sign verifies and appends a signature. The transaction becomes
// FULLY_SIGNED exactly when the signature count reaches the quorum.
func (e *Engine) Sign(ctx context.Context, id string, req SignRequest) (*treasury.MultiSigTransaction, error) {
	tx, err := e.sign(ctx, id, req)
	if err != nil {
		e.metrics.Signature("rejected")
		e.rejectAttempt(ctx, treasury.ActionSignatureRejected, id, req.SignerIdentity, err, treasury.Metadata{
			"signer_address": req.SignerAddress,
		})
		return nil, err
	}
	e.metrics.Signature("accepted")

	if tx.Status == treasury.TxFullySigned && e.autoExecute {
		if _, err := e.Execute(ctx, tx.ID, AutoExecutor); err != nil {
			e.log.WithContext(ctx).WithError(err).WithField("transaction_id", tx.ID).Warn("auto-execute failed")
		}
		if latest, err := e.store.GetTransaction(ctx, tx.ID); err == nil {
			tx = latest
		}
	}
	return tx, nil
}

func (e *Engine) sign(ctx context.Context, id string, req SignRequest) (*treasury.MultiSigTransaction, error) {
	unlock, err := e.locker.Lock(ctx, locks.TransactionKey(id))
	if err != nil {
		return nil, errors.Internal("lock transaction", err)
	}
	defer unlock()

	tx, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case treasury.TxPending, treasury.TxPartiallySigned:
	case treasury.TxExecuted:
		return nil, errors.AlreadyExecuted(tx.ID)
	case treasury.TxExpired:
		return nil, errors.Expired(tx.ID, tx.ExpiresAt)
	default:
		return nil, errors.InvalidState(treasury.EntityTransaction, tx.ID, string(tx.Status), "sign")
	}

	wallet, err := e.wallets.GetWallet(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}
	adapter, err := e.networks.Get(tx.Network)
	if err != nil {
		return nil, err
	}
	signer := adapter.NormalizeAddress(req.SignerAddress)
	if !wallet.HasSigner(signer) {
		return nil, errors.UnauthorizedSigner(req.SignerAddress)
	}
	if tx.HasSigned(signer) {
		return nil, errors.DuplicateSignature(signer)
	}

	digest := SigningDigest(tx)
	if hex.EncodeToString(digest) != tx.SigningHash {
		return nil, errors.Internal("signing hash does not match transaction fields", nil)
	}
	material, err := decodeMaterial(req.Signature)
	if err != nil {
		return nil, errors.InvalidSignature(signer, err)
	}
	if err := adapter.VerifySignature(ctx, signer, digest, material); err != nil {
		return nil, errors.InvalidSignature(signer, err)
	}

	now := e.now().UTC()
	prov := audit.ProvenanceFrom(ctx)
	tx.Signatures = append(tx.Signatures, treasury.MultiSigSignature{
		SignerIdentity: req.SignerIdentity,
		SignerAddress:  signer,
		Signature:      hex.EncodeToString(material),
		SignedAt:       now,
		IPAddress:      prov.IPAddress,
		UserAgent:      prov.UserAgent,
	})
	tx.CurrentSignatures = len(tx.Signatures)
	next := treasury.TxPartiallySigned
	if tx.CurrentSignatures >= tx.RequiredSignatures {
		next = treasury.TxFullySigned
	}
	if !tx.Status.CanTransition(next) {
		return nil, errors.InvalidState(treasury.EntityTransaction, tx.ID, string(tx.Status), "sign")
	}
	tx.Status = next
	tx.UpdatedAt = now

	err = e.ledger.Atomic(ctx, func(st storage.Store, batch *audit.Batch) error {
		if err := st.UpdateTransaction(ctx, tx); err != nil {
			return errors.Internal("update transaction", err)
		}
		batch.Add(e.entry(tx, treasury.ActionTransactionSigned, req.SignerIdentity, treasury.Metadata{
			"signer_address":      signer,
			"signatures":          tx.CurrentSignatures,
			"required_signatures": tx.RequiredSignatures,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if tx.Status == treasury.TxFullySigned {
		e.metrics.TransactionStatus(string(tx.Status))
	}
	e.log.WithContext(ctx).WithFields(map[string]interface{}{
		"transaction_id": tx.ID,
		"signer":         signer,
		"signatures":     tx.CurrentSignatures,
		"required":       tx.RequiredSignatures,
	}).Info("transaction signed")
	return tx, nil
}

// =============================================================================
// Execution
// =============================================================================

// ExecutionResult is the outcome of Execute.
type ExecutionResult struct {
	Status          treasury.TransactionStatus    `json:"status"`
	TransactionHash string                        `json:"transaction_hash,omitempty"`
	BlockNumber     uint64                        `json:"block_number,omitempty"`
	Transaction     *treasury.MultiSigTransaction `json:"transaction"`
}

func resultOf(tx *treasury.MultiSigTransaction) *ExecutionResult {
	return &ExecutionResult{
		Status:          tx.Status,
		TransactionHash: tx.ExecutionHash,
		BlockNumber:     tx.BlockNumber,
		Transaction:     tx,
	}
}

// Execute submits a FULLY_SIGNED transaction through the payout service and
// waits for the result. A completed payout makes it EXECUTED; a failed one
// makes it REJECTED. A payout still unconfirmed at the timeout leaves it
// FULLY_SIGNED with the hash recorded until Reconcile finalizes it.
// Executing an EXECUTED transaction fails with AlreadyExecuted and performs
// no network action.
func (e *Engine) Execute(ctx context.Context, id, executor string) (*ExecutionResult, error) {
	tx, p, err := e.submit(ctx, id, executor)
	if p == nil {
		if err == nil {
			err = errors.Internal("payout service returned no payout", nil)
		}
		e.rejectAttempt(ctx, treasury.ActionExecutionRejected, id, executor, err, nil)
		return nil, err
	}
	return e.settle(ctx, tx, p, err, executor)
}

// submit runs under the account and transaction locks. A nil payout means
// nothing reached the network and the transaction is unchanged.
func (e *Engine) submit(ctx context.Context, id, executor string) (*treasury.MultiSigTransaction, *treasury.PayoutTransaction, error) {
	current, err := e.get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	unlockAccount, err := e.locker.Lock(ctx, locks.AccountKey(current.Network, current.WalletAddress))
	if err != nil {
		return nil, nil, errors.Internal("lock account", err)
	}
	defer unlockAccount()
	unlockTx, err := e.locker.Lock(ctx, locks.TransactionKey(id))
	if err != nil {
		return nil, nil, errors.Internal("lock transaction", err)
	}
	defer unlockTx()

	tx, err := e.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	switch tx.Status {
	case treasury.TxFullySigned:
	case treasury.TxExecuted:
		return nil, nil, errors.AlreadyExecuted(tx.ID)
	case treasury.TxExpired:
		return nil, nil, errors.Expired(tx.ID, tx.ExpiresAt)
	default:
		return nil, nil, errors.InvalidState(treasury.EntityTransaction, tx.ID, string(tx.Status), "execute")
	}

	wallet, err := e.wallets.EnsureExecutable(ctx, tx.WalletID)
	if err != nil {
		return nil, nil, err
	}

	p, submitErr := e.payouts.Submit(ctx, payout.Transfer{
		SourceID:    tx.ID,
		WalletID:    tx.WalletID,
		From:        tx.WalletAddress,
		Account:     wallet.CustodyAccount,
		To:          tx.ToAddress,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		Network:     tx.Network,
		Nonce:       tx.Nonce,
		Fee:         tx.Fee,
		RequestedBy: executor,
	})
	if p == nil {
		return nil, nil, submitErr
	}
	if !p.Status.IsFinal() && tx.PayoutID == "" {
		if err := e.recordSubmission(ctx, tx, p, executor); err != nil {
			return nil, nil, err
		}
	}
	return tx, p, submitErr
}

// recordSubmission stores the payout id and hash on tx. Caller holds the
// transaction lock.
func (e *Engine) recordSubmission(ctx context.Context, tx *treasury.MultiSigTransaction, p *treasury.PayoutTransaction, executor string) error {
	tx.PayoutID = p.ID
	tx.ExecutionHash = p.TxHash
	tx.UpdatedAt = e.now().UTC()
	return e.ledger.Atomic(ctx, func(st storage.Store, batch *audit.Batch) error {
		if err := st.UpdateTransaction(ctx, tx); err != nil {
			return errors.Internal("update transaction", err)
		}
		batch.Add(e.entry(tx, treasury.ActionTransactionSubmitted, executor, treasury.Metadata{
			"payout_id": p.ID,
			"tx_hash":   p.TxHash,
		}))
		return nil
	})
}

// settle waits for the payout outside the locks and finalizes tx.
func (e *Engine) settle(ctx context.Context, tx *treasury.MultiSigTransaction, p *treasury.PayoutTransaction, submitErr error, executor string) (*ExecutionResult, error) {
	if !p.Status.IsFinal() {
		awaited, err := e.payouts.Await(ctx, p.ID)
		if awaited != nil {
			p = awaited
		}
		if err != nil && p.Status != treasury.PayoutFailed {
			return resultOf(tx), err
		}
		submitErr = err
	}

	switch p.Status {
	case treasury.PayoutCompleted, treasury.PayoutFailed, treasury.PayoutCancelled:
	default:
		e.log.WithContext(ctx).WithFields(map[string]interface{}{
			"transaction_id": tx.ID,
			"payout_id":      p.ID,
			"tx_hash":        p.TxHash,
		}).Info("payout awaiting confirmations")
		return resultOf(tx), nil
	}

	final, err := e.finalize(ctx, tx.ID, p, executor)
	if err != nil {
		return nil, err
	}
	if p.Status != treasury.PayoutCompleted {
		if submitErr == nil {
			submitErr = payout.FailureOf(p)
		}
		if submitErr == nil {
			submitErr = errors.InvalidState(treasury.EntityPayout, p.ID, string(p.Status), "execute")
		}
		return nil, submitErr
	}
	return resultOf(final), nil
}

// finalize moves a submitted transaction to EXECUTED or REJECTED from its
// final payout. A transaction already terminal is returned unchanged.
func (e *Engine) finalize(ctx context.Context, id string, p *treasury.PayoutTransaction, executor string) (*treasury.MultiSigTransaction, error) {
	unlock, err := e.locker.Lock(ctx, locks.TransactionKey(id))
	if err != nil {
		return nil, errors.Internal("lock transaction", err)
	}
	defer unlock()

	tx, err := e.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status.IsTerminal() {
		return tx, nil
	}

	now := e.now().UTC()
	tx.PayoutID = p.ID
	tx.ExecutionHash = p.TxHash
	tx.BlockNumber = p.BlockNumber
	tx.UpdatedAt = now

	var (
		action  treasury.AuditAction
		details = treasury.Metadata{"payout_id": p.ID, "tx_hash": p.TxHash}
	)
	if p.Status == treasury.PayoutCompleted {
		action = treasury.ActionTransactionExecuted
		tx.Status = treasury.TxExecuted
		tx.ExecutedAt = &now
		tx.ExecutedBy = executor
		details["block_number"] = p.BlockNumber
		details["gas_used"] = p.GasUsed
	} else {
		action = treasury.ActionTransactionFailed
		tx.Status = treasury.TxRejected
		tx.RejectionReason = p.Error
		if tx.RejectionReason == "" {
			tx.RejectionReason = "payout " + string(p.Status)
		}
		details["error"] = tx.RejectionReason
	}

	err = e.ledger.Atomic(ctx, func(st storage.Store, batch *audit.Batch) error {
		if err := st.UpdateTransaction(ctx, tx); err != nil {
			return errors.Internal("update transaction", err)
		}
		batch.Add(e.entry(tx, action, executor, details))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.TransactionStatus(string(tx.Status))
	entry := e.log.WithContext(ctx).WithFields(map[string]interface{}{
		"transaction_id": tx.ID,
		"status":         tx.Status,
		"tx_hash":        tx.ExecutionHash,
	})
	if tx.Status == treasury.TxExecuted {
		entry.Info("transaction executed")
	} else {
		entry.Warn("transaction rejected after payout failure")
	}
	return tx, nil
}

// BatchResult is the outcome of one transaction in a batch.
type BatchResult struct {
	TransactionID string               `json:"transaction_id"`
	Result        *ExecutionResult     `json:"result,omitempty"`
	Error         *errors.ServiceError `json:"error,omitempty"`
}

// ExecuteBatch executes transactions one after another. A failure is
// recorded in its result and does not stop the batch.
func (e *Engine) ExecuteBatch(ctx context.Context, ids []string, executor string) []BatchResult {
	results := make([]BatchResult, len(ids))
	for i, id := range ids {
		results[i].TransactionID = id
		res, err := e.Execute(ctx, id, executor)
		results[i].Result = res
		if err != nil {
			se := errors.GetServiceError(err)
			if se == nil {
				se = errors.Internal("execute transaction", err)
			}
			results[i].Error = se
		}
	}
	return results
}

// =============================================================================
// Administrative override, expiry and reconciliation
// =============================================================================

// Reject is the administrative override that ends a transaction that has not
// reached the network.
func (e *Engine) Reject(ctx context.Context, id, actor, reason string) (*treasury.MultiSigTransaction, error) {
	if reason == "" {
		return nil, errors.InvalidInput("reason", "is required")
	}
	unlock, err := e.locker.Lock(ctx, locks.TransactionKey(id))
	if err != nil {
		return nil, errors.Internal("lock transaction", err)
	}
	defer unlock()

	tx, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case tx.Status == treasury.TxExecuted:
		return nil, errors.AlreadyExecuted(tx.ID)
	case tx.Status.IsTerminal(), tx.Submitted():
		return nil, errors.InvalidState(treasury.EntityTransaction, tx.ID, string(tx.Status), "reject")
	}

	now := e.now().UTC()
	tx.Status = treasury.TxRejected
	tx.RejectionReason = reason
	tx.UpdatedAt = now
	err = e.ledger.Atomic(ctx, func(st storage.Store, batch *audit.Batch) error {
		if err := st.UpdateTransaction(ctx, tx); err != nil {
			return errors.Internal("update transaction", err)
		}
		batch.Add(e.entry(tx, treasury.ActionTransactionOverridden, actor, treasury.Metadata{"reason": reason}))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.TransactionStatus(string(tx.Status))
	e.log.LogSecurityEvent(ctx, "transaction_rejected_by_admin", map[string]interface{}{
		"transaction_id": tx.ID,
		"actor":          actor,
		"reason":         reason,
	})
	return tx, nil
}

// ExpireStale expires every transaction past its expiry. It complements the
// lazy expiry applied on reads.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	txs, err := e.store.ListTransactions(ctx, treasury.TransactionFilter{
		Statuses: []treasury.TransactionStatus{treasury.TxPending, treasury.TxPartiallySigned, treasury.TxFullySigned},
	})
	if err != nil {
		return 0, errors.Internal("list transactions", err)
	}
	now := e.now()
	expired := 0
	for _, tx := range txs {
		if !tx.ExpiredAt(now) {
			continue
		}
		fresh, err := e.lockedLoad(ctx, tx.ID)
		if err != nil {
			return expired, err
		}
		if fresh.Status == treasury.TxExpired {
			expired++
		}
	}
	return expired, nil
}

// Reconcile finalizes FULLY_SIGNED transactions whose payout has settled.
// It also picks up payouts whose id was never recorded on the transaction.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	txs, err := e.store.ListTransactions(ctx, treasury.TransactionFilter{
		Statuses: []treasury.TransactionStatus{treasury.TxFullySigned},
	})
	if err != nil {
		return 0, errors.Internal("list transactions", err)
	}

	var (
		finalized int
		errs      []error
	)
	for _, tx := range txs {
		payoutID := tx.PayoutID
		if payoutID == "" {
			p, err := e.payouts.GetBySource(ctx, tx.ID)
			if errors.HasCode(err, errors.CodeNotFound) {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			payoutID = p.ID
		}

		p, err := e.payouts.Refresh(ctx, payoutID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !p.Status.IsFinal() {
			if tx.PayoutID == "" {
				if err := e.attach(ctx, tx.ID, p); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}
		final, err := e.finalize(ctx, tx.ID, p, AutoExecutor)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if final.Status.IsTerminal() {
			finalized++
		}
	}
	return finalized, errors.Join(errs...)
}

func (e *Engine) attach(ctx context.Context, id string, p *treasury.PayoutTransaction) error {
	unlock, err := e.locker.Lock(ctx, locks.TransactionKey(id))
	if err != nil {
		return errors.Internal("lock transaction", err)
	}
	defer unlock()
	tx, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status.IsTerminal() || tx.PayoutID != "" {
		return nil
	}
	return e.recordSubmission(ctx, tx, p, AutoExecutor)
}

// =============================================================================
// Reads
// =============================================================================

// Get returns a transaction, expiring it first when it is past its expiry.
func (e *Engine) Get(ctx context.Context, id string) (*treasury.MultiSigTransaction, error) {
	tx, err := e.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.ExpiredAt(e.now()) {
		return e.lockedLoad(ctx, id)
	}
	return tx, nil
}

// ListPending returns PENDING and PARTIALLY_SIGNED transactions that have not
// expired, oldest first. An empty walletID lists every wallet.
func (e *Engine) ListPending(ctx context.Context, walletID string, limit int) ([]*treasury.MultiSigTransaction, error) {
	txs, err := e.List(ctx, treasury.TransactionFilter{
		WalletID: walletID,
		Statuses: []treasury.TransactionStatus{treasury.TxPending, treasury.TxPartiallySigned},
	})
	if err != nil {
		return nil, err
	}
	out := txs[:0]
	for _, tx := range txs {
		if tx.Status.Signable() {
			out = append(out, tx)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns transactions matching filter with lazy expiry applied.
func (e *Engine) List(ctx context.Context, filter treasury.TransactionFilter) ([]*treasury.MultiSigTransaction, error) {
	if filter.Limit < 0 {
		return nil, errors.InvalidInput("limit", "must not be negative")
	}
	for _, s := range filter.Statuses {
		if !s.Valid() {
			return nil, errors.InvalidInput("status", "unknown transaction status "+string(s))
		}
	}
	txs, err := e.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, errors.Internal("list transactions", err)
	}
	now := e.now()
	for i, tx := range txs {
		if !tx.ExpiredAt(now) {
			continue
		}
		fresh, err := e.lockedLoad(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		txs[i] = fresh
	}
	return txs, nil
}

func (e *Engine) get(ctx context.Context, id string) (*treasury.MultiSigTransaction, error) {
	tx, err := e.store.GetTransaction(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.NotFound("transaction", id)
	}
	if err != nil {
		return nil, errors.Internal("load transaction", err)
	}
	return tx, nil
}

func (e *Engine) lockedLoad(ctx context.Context, id string) (*treasury.MultiSigTransaction, error) {
	unlock, err := e.locker.Lock(ctx, locks.TransactionKey(id))
	if err != nil {
		return nil, errors.Internal("lock transaction", err)
	}
	defer unlock()
	return e.load(ctx, id)
}

// load reads a transaction and applies lazy expiry. Caller holds the
// transaction lock.
func (e *Engine) load(ctx context.Context, id string) (*treasury.MultiSigTransaction, error) {
	tx, err := e.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.ExpiredAt(e.now()) {
		if err := e.expire(ctx, tx); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

func (e *Engine) expire(ctx context.Context, tx *treasury.MultiSigTransaction) error {
	from := tx.Status
	tx.Status = treasury.TxExpired
	tx.UpdatedAt = e.now().UTC()
	err := e.ledger.Atomic(ctx, func(st storage.Store, batch *audit.Batch) error {
		if err := st.UpdateTransaction(ctx, tx); err != nil {
			return errors.Internal("update transaction", err)
		}
		batch.Add(e.entry(tx, treasury.ActionTransactionExpired, audit.SystemActor, treasury.Metadata{
			"from":       string(from),
			"expires_at": tx.ExpiresAt.Format(time.RFC3339),
			"signatures": tx.CurrentSignatures,
		}))
		return nil
	})
	if err != nil {
		return err
	}
	e.metrics.TransactionStatus(string(tx.Status))
	e.log.WithContext(ctx).WithField("transaction_id", tx.ID).Info("transaction expired")
	return nil
}

func (e *Engine) rejectAttempt(ctx context.Context, action treasury.AuditAction, id, actor string, cause error, details treasury.Metadata) {
	if details == nil {
		details = treasury.Metadata{}
	}
	details["code"] = string(errors.CodeOf(cause))
	details["error"] = cause.Error()
	entry := treasury.AuditEntry{
		Action:     action,
		Actor:      actor,
		EntityType: treasury.EntityTransaction,
		EntityID:   id,
		Details:    details,
	}
	if tx, err := e.store.GetTransaction(ctx, id); err == nil {
		entry.WalletID = tx.WalletID
	}
	e.ledger.RecordQuietly(ctx, entry)
}

func (e *Engine) entry(tx *treasury.MultiSigTransaction, action treasury.AuditAction, actor string, details treasury.Metadata) treasury.AuditEntry {
	details["status"] = string(tx.Status)
	details["to_address"] = tx.ToAddress
	details["amount"] = tx.Amount.String()
	details["currency"] = tx.Currency
	return treasury.AuditEntry{
		Action:     action,
		Actor:      actor,
		EntityType: treasury.EntityTransaction,
		EntityID:   tx.ID,
		WalletID:   tx.WalletID,
		Details:    details,
	}
}
