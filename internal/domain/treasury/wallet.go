// Package treasury defines the treasury data model: custodial wallets,
// multi-signature transactions, payouts, operations and audit entries.
package treasury

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletPurpose classifies what a custodial wallet is used for.
type WalletPurpose string

const (
	PurposeMainTreasury     WalletPurpose = "main_treasury"
	PurposePayoutReserve    WalletPurpose = "payout_reserve"
	PurposeStakingRewards   WalletPurpose = "staking_rewards"
	PurposeEmergencyReserve WalletPurpose = "emergency_reserve"
	PurposeOperational      WalletPurpose = "operational"
)

// Valid reports whether p is a known purpose.
func (p WalletPurpose) Valid() bool {
	switch p {
	case PurposeMainTreasury, PurposePayoutReserve, PurposeStakingRewards, PurposeEmergencyReserve, PurposeOperational:
		return true
	}
	return false
}

// WalletStatus is the operational status of a wallet.
type WalletStatus string

const (
	WalletActive          WalletStatus = "active"
	WalletInactive        WalletStatus = "inactive"
	WalletMaintenance     WalletStatus = "maintenance"
	WalletEmergencyLocked WalletStatus = "emergency_locked"
)

// Valid reports whether s is a known status.
func (s WalletStatus) Valid() bool {
	switch s {
	case WalletActive, WalletInactive, WalletMaintenance, WalletEmergencyLocked:
		return true
	}
	return false
}

// SecurityTier selects a wallet's daily and monthly spend ceilings.
type SecurityTier string

const (
	TierLow      SecurityTier = "low"
	TierMedium   SecurityTier = "medium"
	TierHigh     SecurityTier = "high"
	TierCritical SecurityTier = "critical"
)

// Valid reports whether t is a known tier.
func (t SecurityTier) Valid() bool {
	switch t {
	case TierLow, TierMedium, TierHigh, TierCritical:
		return true
	}
	return false
}

// TreasuryWallet is a custodial wallet controlled by a signer set and quorum.
// Signers, quorum and network are immutable after creation.
type TreasuryWallet struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name,omitempty"`
	Purpose            WalletPurpose `json:"purpose"`
	Network            string        `json:"network"`
	Address            string        `json:"address"`
	CustodyAccount     string        `json:"custody_account,omitempty"`
	Signers            []string      `json:"signers"`
	RequiredSignatures int           `json:"required_signatures"`
	Status             WalletStatus  `json:"status"`
	StatusReason       string        `json:"status_reason,omitempty"`
	SecurityTier       SecurityTier  `json:"security_tier"`
	Balances           Balances      `json:"balances"`
	BalancesUpdatedAt  *time.Time    `json:"balances_updated_at,omitempty"`
	CreatedBy          string        `json:"created_by"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// IsMultiSig reports whether more than one signature is required.
func (w *TreasuryWallet) IsMultiSig() bool {
	return w.RequiredSignatures > 1
}

// HasSigner reports whether address belongs to the signer set.
func (w *TreasuryWallet) HasSigner(address string) bool {
	for _, s := range w.Signers {
		if s == address {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (w *TreasuryWallet) Clone() *TreasuryWallet {
	if w == nil {
		return nil
	}
	out := *w
	out.Signers = append([]string(nil), w.Signers...)
	out.Balances = w.Balances.Clone()
	if w.BalancesUpdatedAt != nil {
		t := *w.BalancesUpdatedAt
		out.BalancesUpdatedAt = &t
	}
	return &out
}

// SpendLimits are the daily and monthly ceilings for a security tier.
type SpendLimits struct {
	Daily   decimal.Decimal `json:"daily"`
	Monthly decimal.Decimal `json:"monthly"`
}

// TreasuryControls holds the treasury-wide emergency halt flag.
type TreasuryControls struct {
	GlobalHalt bool      `json:"global_halt"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
