package treasury

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayoutStatus is the lifecycle of a network submission.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutCancelled  PayoutStatus = "cancelled"
)

// IsFinal reports whether the payout will not change again.
func (s PayoutStatus) IsFinal() bool {
	return s == PayoutCompleted || s == PayoutFailed || s == PayoutCancelled
}

// PayoutTransaction is a single on-network submission.
// SourceID is the multi-signature transaction it executes; at most one payout exists per source.
type PayoutTransaction struct {
	ID             string          `json:"id"`
	SourceID       string          `json:"source_id"`
	WalletID       string          `json:"wallet_id"`
	FromAddress    string          `json:"from_address"`
	ToAddress      string          `json:"to_address"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Network        string          `json:"network"`
	Nonce          uint64          `json:"nonce"`
	Status         PayoutStatus    `json:"status"`
	TxHash         string          `json:"tx_hash,omitempty"`
	RawTransaction string          `json:"-"`
	GasUsed        uint64          `json:"gas_used,omitempty"`
	GasPrice       decimal.Decimal `json:"gas_price"`
	BlockNumber    uint64          `json:"block_number,omitempty"`
	Confirmations  uint64          `json:"confirmations"`
	Error          string          `json:"error,omitempty"`
	RequestedBy    string          `json:"requested_by,omitempty"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *PayoutTransaction) Clone() *PayoutTransaction {
	if p == nil {
		return nil
	}
	out := *p
	if p.SubmittedAt != nil {
		t := *p.SubmittedAt
		out.SubmittedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// PayoutEstimate reports whether a transfer can proceed and what it costs.
type PayoutEstimate struct {
	Network     string          `json:"network"`
	Currency    string          `json:"currency"`
	ToAddress   string          `json:"to_address"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         FeeParams       `json:"fee"`
	FeeCurrency string          `json:"fee_currency"`
	CanProceed  bool            `json:"can_proceed"`
	Reasons     []string        `json:"reasons,omitempty"`
}

// ChainStatus is the network view of a submitted transaction.
type ChainStatus struct {
	Hash          string       `json:"hash"`
	Network       string       `json:"network"`
	Status        PayoutStatus `json:"status"`
	Found         bool         `json:"found"`
	Confirmations uint64       `json:"confirmations"`
	BlockNumber   uint64       `json:"block_number,omitempty"`
	GasUsed       uint64       `json:"gas_used,omitempty"`
}
