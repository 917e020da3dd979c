// Package registry is the Treasury Wallet Registry: it owns custodial
// wallets, their signer sets and quorum, the spend-limit table and the
// emergency controls that gate execution.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/config"
	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/metrics"
	"github.com/R3E-Network/treasury_layer/internal/network"
	"github.com/R3E-Network/treasury_layer/internal/storage"
	"github.com/R3E-Network/treasury_layer/services/audit"
)

// GlobalScope is the entity id of treasury-wide control entries.
const GlobalScope = "global"

// Service implements the wallet registry.
type Service struct {
	ledger   *audit.Ledger
	store    storage.Store
	networks *network.Registry
	deriver  network.AddressDeriver
	limits   map[treasury.SecurityTier]treasury.SpendLimits
	log      *logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithDeriver replaces the address derivation strategy.
func WithDeriver(d network.AddressDeriver) Option {
	return func(s *Service) { s.deriver = d }
}

// WithLimits sets the per-tier spend limits.
func WithLimits(limits map[treasury.SecurityTier]treasury.SpendLimits) Option {
	return func(s *Service) { s.limits = limits }
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

// New creates a registry.
func New(ledger *audit.Ledger, networks *network.Registry, opts ...Option) *Service {
	s := &Service{
		ledger:   ledger,
		store:    ledger.Store(),
		networks: networks,
		deriver:  network.HashDeriver{},
		limits:   config.DefaultSpendLimits(),
		log:      logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest describes a new wallet.
type CreateRequest struct {
	Name               string                 `json:"name"`
	Purpose            treasury.WalletPurpose `json:"purpose"`
	Network            string                 `json:"network"`
	Signers            []string               `json:"signers"`
	RequiredSignatures int                    `json:"required_signatures"`
	SecurityTier       treasury.SecurityTier  `json:"security_tier"`
	CreatedBy          string                 `json:"-"`
}

// CreateWallet validates the signer set and quorum, derives the wallet
// address and stores the wallet. A rejected request creates no wallet and
// leaves one WALLET_CREATE_REJECTED entry.
func (s *Service) CreateWallet(ctx context.Context, req CreateRequest) (*treasury.TreasuryWallet, error) {
	wallet, err := s.buildWallet(ctx, req)
	if err != nil {
		s.rejectCreate(ctx, req, err)
		return nil, err
	}

	err = s.ledger.Atomic(ctx, func(tx storage.Store, batch *audit.Batch) error {
		if err := tx.CreateWallet(ctx, wallet); err != nil {
			return errors.Internal("store wallet", err)
		}
		batch.Add(treasury.AuditEntry{
			Action:     treasury.ActionWalletCreated,
			Actor:      req.CreatedBy,
			EntityType: treasury.EntityWallet,
			EntityID:   wallet.ID,
			WalletID:   wallet.ID,
			Details: treasury.Metadata{
				"network":             wallet.Network,
				"address":             wallet.Address,
				"purpose":             string(wallet.Purpose),
				"signers":             wallet.Signers,
				"required_signatures": wallet.RequiredSignatures,
				"security_tier":       string(wallet.SecurityTier),
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.WalletCreated()
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"wallet_id": wallet.ID,
		"network":   wallet.Network,
		"address":   wallet.Address,
		"quorum":    fmt.Sprintf("%d/%d", wallet.RequiredSignatures, len(wallet.Signers)),
	}).Info("treasury wallet created")
	return wallet, nil
}

func (s *Service) buildWallet(ctx context.Context, req CreateRequest) (*treasury.TreasuryWallet, error) {
	if !req.Purpose.Valid() {
		return nil, errors.InvalidInput("purpose", fmt.Sprintf("unknown wallet purpose %q", req.Purpose))
	}
	tier := req.SecurityTier
	if tier == "" {
		tier = treasury.TierMedium
	}
	if !tier.Valid() {
		return nil, errors.InvalidInput("security_tier", fmt.Sprintf("unknown security tier %q", req.SecurityTier))
	}
	adapter, err := s.networks.Get(req.Network)
	if err != nil {
		return nil, err
	}

	signers, err := normalizeSigners(adapter, req.Signers)
	if err != nil {
		return nil, err
	}
	if req.RequiredSignatures < 1 || req.RequiredSignatures > len(signers) {
		return nil, errors.InvalidQuorum(req.RequiredSignatures, len(signers))
	}

	derived, err := s.deriver.DeriveAddress(ctx, adapter, signers, req.RequiredSignatures)
	if err != nil {
		return nil, errors.Internal("derive wallet address", err)
	}

	now := s.now().UTC()
	return &treasury.TreasuryWallet{
		ID:                 uuid.NewString(),
		Name:               strings.TrimSpace(req.Name),
		Purpose:            req.Purpose,
		Network:            adapter.Name(),
		Address:            derived.Address,
		CustodyAccount:     derived.CustodyAccount,
		Signers:            signers,
		RequiredSignatures: req.RequiredSignatures,
		Status:             treasury.WalletActive,
		SecurityTier:       tier,
		Balances:           treasury.Balances{},
		CreatedBy:          req.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// normalizeSigners validates, deduplicates and sorts signer addresses.
func normalizeSigners(adapter network.Adapter, raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		addr := strings.TrimSpace(s)
		if err := adapter.ValidateAddress(addr); err != nil {
			return nil, err
		}
		addr = adapter.NormalizeAddress(addr)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) rejectCreate(ctx context.Context, req CreateRequest, cause error) {
	s.log.WithContext(ctx).WithError(cause).WithField("network", req.Network).Warn("wallet creation rejected")
	s.ledger.RecordQuietly(ctx, treasury.AuditEntry{
		Action:     treasury.ActionWalletCreateRejected,
		Actor:      req.CreatedBy,
		EntityType: treasury.EntityWallet,
		EntityID:   "",
		Details: treasury.Metadata{
			"network":             req.Network,
			"signers":             len(req.Signers),
			"required_signatures": req.RequiredSignatures,
			"code":                string(errors.CodeOf(cause)),
			"reason":              cause.Error(),
		},
	})
}

// =============================================================================
// Reads
// =============================================================================

// GetWallet returns a wallet by id.
func (s *Service) GetWallet(ctx context.Context, id string) (*treasury.TreasuryWallet, error) {
	return getWallet(ctx, s.store, id)
}

// ListWallets returns every wallet.
func (s *Service) ListWallets(ctx context.Context) ([]*treasury.TreasuryWallet, error) {
	wallets, err := s.store.ListWallets(ctx)
	if err != nil {
		return nil, errors.Internal("list wallets", err)
	}
	return wallets, nil
}

// Limits returns the spend limits of a security tier.
func (s *Service) Limits(tier treasury.SecurityTier) (treasury.SpendLimits, error) {
	limits, ok := s.limits[tier]
	if !ok {
		return treasury.SpendLimits{}, errors.InvalidInput("security_tier", fmt.Sprintf("no limits configured for %q", tier))
	}
	return limits, nil
}

func getWallet(ctx context.Context, store storage.WalletStore, id string) (*treasury.TreasuryWallet, error) {
	w, err := store.GetWallet(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.NotFound("wallet", id)
	}
	if err != nil {
		return nil, errors.Internal("load wallet", err)
	}
	return w, nil
}

// =============================================================================
// Status and emergency controls
// =============================================================================

// SetStatus changes a wallet's operational status. Any status may follow any other.
func (s *Service) SetStatus(ctx context.Context, id string, status treasury.WalletStatus, actor, reason string) (*treasury.TreasuryWallet, error) {
	if !status.Valid() {
		return nil, errors.InvalidInput("status", fmt.Sprintf("unknown wallet status %q", status))
	}

	var out *treasury.TreasuryWallet
	err := s.ledger.Atomic(ctx, func(tx storage.Store, batch *audit.Batch) error {
		if err := tx.LockWallet(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return errors.Internal("lock wallet", err)
		}
		w, err := getWallet(ctx, tx, id)
		if err != nil {
			return err
		}
		from := w.Status
		w.Status = status
		w.StatusReason = reason
		w.UpdatedAt = s.now().UTC()
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return errors.Internal("update wallet", err)
		}
		batch.Add(treasury.AuditEntry{
			Action:     treasury.ActionWalletStatusChanged,
			Actor:      actor,
			EntityType: treasury.EntityWallet,
			EntityID:   w.ID,
			WalletID:   w.ID,
			Details:    treasury.Metadata{"from": string(from), "to": string(status), "reason": reason},
		})
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"wallet_id": id,
		"status":    status,
		"actor":     actor,
	}).Info("wallet status changed")
	return out, nil
}

// Halt stops execution. An empty walletID halts the whole treasury;
// otherwise the wallet is emergency-locked.
func (s *Service) Halt(ctx context.Context, walletID, actor, reason string) error {
	if walletID != "" {
		_, err := s.SetStatus(ctx, walletID, treasury.WalletEmergencyLocked, actor, reason)
		return err
	}
	return s.setGlobalHalt(ctx, true, actor, reason)
}

// Resume lifts a halt. An empty walletID resumes the whole treasury;
// otherwise the wallet returns to active.
func (s *Service) Resume(ctx context.Context, walletID, actor, reason string) error {
	if walletID != "" {
		_, err := s.SetStatus(ctx, walletID, treasury.WalletActive, actor, reason)
		return err
	}
	return s.setGlobalHalt(ctx, false, actor, reason)
}

func (s *Service) setGlobalHalt(ctx context.Context, halt bool, actor, reason string) error {
	action := treasury.ActionTreasuryResumed
	if halt {
		action = treasury.ActionTreasuryHalted
	}

	err := s.ledger.Atomic(ctx, func(tx storage.Store, batch *audit.Batch) error {
		controls := &treasury.TreasuryControls{
			GlobalHalt: halt,
			Reason:     reason,
			Actor:      actor,
			UpdatedAt:  s.now().UTC(),
		}
		if err := tx.SaveControls(ctx, controls); err != nil {
			return errors.Internal("save controls", err)
		}
		batch.Add(treasury.AuditEntry{
			Action:     action,
			Actor:      actor,
			EntityType: treasury.EntityTreasury,
			EntityID:   GlobalScope,
			Details:    treasury.Metadata{"reason": reason},
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.log.LogSecurityEvent(ctx, string(action), map[string]interface{}{"actor": actor, "reason": reason})
	return nil
}

// Controls returns the treasury-wide controls.
func (s *Service) Controls(ctx context.Context) (*treasury.TreasuryControls, error) {
	c, err := s.store.GetControls(ctx)
	if err != nil {
		return nil, errors.Internal("load controls", err)
	}
	return c, nil
}

// EnsureExecutable fails with WalletLocked when the treasury is halted or the
// wallet is emergency-locked, and with WalletNotActive for other inactive states.
func (s *Service) EnsureExecutable(ctx context.Context, walletID string) (*treasury.TreasuryWallet, error) {
	controls, err := s.Controls(ctx)
	if err != nil {
		return nil, err
	}
	if controls.GlobalHalt {
		return nil, errors.WalletLocked("", controls.Reason)
	}
	w, err := s.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case treasury.WalletActive:
		return w, nil
	case treasury.WalletEmergencyLocked:
		return nil, errors.WalletLocked(w.ID, w.StatusReason)
	default:
		return nil, errors.WalletNotActive(w.ID, string(w.Status))
	}
}

// =============================================================================
// Balances
// =============================================================================

// RefreshBalances reads the wallet's native and token balances from its network.
func (s *Service) RefreshBalances(ctx context.Context, walletID string) (*treasury.TreasuryWallet, error) {
	w, err := s.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.networks.Get(w.Network)
	if err != nil {
		return nil, err
	}

	balances := make(treasury.Balances)
	for _, c := range adapter.Currencies() {
		var bal decimal.Decimal
		if c.Native {
			bal, err = adapter.GetNativeBalance(ctx, w.Address)
		} else {
			bal, err = adapter.GetTokenBalance(ctx, w.Address, c.Symbol)
		}
		if err != nil {
			return nil, err
		}
		balances[c.Symbol] = bal
	}

	var out *treasury.TreasuryWallet
	err = s.ledger.Atomic(ctx, func(tx storage.Store, batch *audit.Batch) error {
		if err := tx.LockWallet(ctx, walletID); err != nil {
			return errors.Internal("lock wallet", err)
		}
		cur, err := getWallet(ctx, tx, walletID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		cur.Balances = balances
		cur.BalancesUpdatedAt = &now
		cur.UpdatedAt = now
		if err := tx.UpdateWallet(ctx, cur); err != nil {
			return errors.Internal("update wallet", err)
		}
		details := treasury.Metadata{}
		for symbol, bal := range balances {
			details[symbol] = bal.String()
		}
		batch.Add(treasury.AuditEntry{
			Action:     treasury.ActionWalletBalancesRefresh,
			EntityType: treasury.EntityWallet,
			EntityID:   cur.ID,
			WalletID:   cur.ID,
			Details:    details,
		})
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RefreshAll refreshes every wallet that is not inactive. It keeps going
// past failures and returns them joined.
func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	wallets, err := s.ListWallets(ctx)
	if err != nil {
		return 0, err
	}
	var (
		refreshed int
		errs      []error
	)
	for _, w := range wallets {
		if w.Status == treasury.WalletInactive {
			continue
		}
		if _, err := s.RefreshBalances(ctx, w.ID); err != nil {
			s.log.WithContext(ctx).WithError(err).WithField("wallet_id", w.ID).Warn("balance refresh failed")
			errs = append(errs, fmt.Errorf("wallet %s: %w", w.ID, err))
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}
