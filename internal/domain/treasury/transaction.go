package treasury

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionPurpose classifies a transfer intent.
type TransactionPurpose string

const (
	TxPurposePayout      TransactionPurpose = "payout"
	TxPurposeTransfer    TransactionPurpose = "transfer"
	TxPurposeEmergency   TransactionPurpose = "emergency"
	TxPurposeMaintenance TransactionPurpose = "maintenance"
	TxPurposeRebalance   TransactionPurpose = "rebalance"
)

// Valid reports whether p is a known purpose.
func (p TransactionPurpose) Valid() bool {
	switch p {
	case TxPurposePayout, TxPurposeTransfer, TxPurposeEmergency, TxPurposeMaintenance, TxPurposeRebalance:
		return true
	}
	return false
}

// TransactionStatus is the multi-signature lifecycle state.
type TransactionStatus string

const (
	TxPending         TransactionStatus = "pending"
	TxPartiallySigned TransactionStatus = "partially_signed"
	TxFullySigned     TransactionStatus = "fully_signed"
	TxExecuted        TransactionStatus = "executed"
	TxRejected        TransactionStatus = "rejected"
	TxExpired         TransactionStatus = "expired"
)

var transactionEdges = map[TransactionStatus][]TransactionStatus{
	TxPending:         {TxPartiallySigned, TxFullySigned, TxExpired, TxRejected},
	TxPartiallySigned: {TxPartiallySigned, TxFullySigned, TxExpired, TxRejected},
	TxFullySigned:     {TxExecuted, TxExpired, TxRejected},
}

// IsTerminal reports whether no transition leaves s.
func (s TransactionStatus) IsTerminal() bool {
	return s == TxExecuted || s == TxRejected || s == TxExpired
}

// Signable reports whether signatures may still be collected.
func (s TransactionStatus) Signable() bool {
	return s == TxPending || s == TxPartiallySigned
}

// CanTransition reports whether s -> to is an allowed edge.
func (s TransactionStatus) CanTransition(to TransactionStatus) bool {
	for _, next := range transactionEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TxPending, TxPartiallySigned, TxFullySigned, TxExecuted, TxRejected, TxExpired:
		return true
	}
	return false
}

// FeeParams are the fee parameters captured when a transfer is created.
// GasPrice, NetworkFee and SystemFee are in base units of the native currency;
// Total is in whole native units.
type FeeParams struct {
	GasLimit   uint64          `json:"gas_limit"`
	GasPrice   decimal.Decimal `json:"gas_price"`
	NetworkFee decimal.Decimal `json:"network_fee"`
	SystemFee  decimal.Decimal `json:"system_fee"`
	Total      decimal.Decimal `json:"total"`
}

// MultiSigSignature is one signer's authorization of a transaction.
type MultiSigSignature struct {
	SignerIdentity string    `json:"signer_identity"`
	SignerAddress  string    `json:"signer_address"`
	Signature      string    `json:"signature"`
	SignedAt       time.Time `json:"signed_at"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
}

// MultiSigTransaction is a transfer intent and its authorization progress.
type MultiSigTransaction struct {
	ID                 string              `json:"id"`
	WalletID           string              `json:"wallet_id"`
	WalletAddress      string              `json:"wallet_address"`
	OperationID        string              `json:"operation_id,omitempty"`
	Purpose            TransactionPurpose  `json:"purpose"`
	ToAddress          string              `json:"to_address"`
	Amount             decimal.Decimal     `json:"amount"`
	Currency           string              `json:"currency"`
	Network            string              `json:"network"`
	Status             TransactionStatus   `json:"status"`
	RequiredSignatures int                 `json:"required_signatures"`
	CurrentSignatures  int                 `json:"current_signatures"`
	Signatures         []MultiSigSignature `json:"signatures"`
	Nonce              uint64              `json:"nonce"`
	Fee                FeeParams           `json:"fee"`
	SigningHash        string              `json:"signing_hash"`
	RiskScore          int                 `json:"risk_score"`
	ExpiresAt          time.Time           `json:"expires_at"`
	CreatedBy          string              `json:"created_by"`
	Reason             string              `json:"reason,omitempty"`
	Metadata           Metadata            `json:"metadata,omitempty"`
	PayoutID           string              `json:"payout_id,omitempty"`
	ExecutionHash      string              `json:"execution_hash,omitempty"`
	BlockNumber        uint64              `json:"block_number,omitempty"`
	ExecutedBy         string              `json:"executed_by,omitempty"`
	ExecutedAt         *time.Time          `json:"executed_at,omitempty"`
	RejectionReason    string              `json:"rejection_reason,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// HasSigned reports whether address already signed.
func (t *MultiSigTransaction) HasSigned(address string) bool {
	for _, sig := range t.Signatures {
		if sig.SignerAddress == address {
			return true
		}
	}
	return false
}

// Submitted reports whether a payout has been recorded for the transaction.
// Submitted transactions are no longer subject to expiry.
func (t *MultiSigTransaction) Submitted() bool {
	return t.PayoutID != "" || t.ExecutionHash != ""
}

// ExpiredAt reports whether the transaction should lazily expire at now.
func (t *MultiSigTransaction) ExpiredAt(now time.Time) bool {
	return !t.Status.IsTerminal() && !t.Submitted() && now.After(t.ExpiresAt)
}

// Clone returns a deep copy.
func (t *MultiSigTransaction) Clone() *MultiSigTransaction {
	if t == nil {
		return nil
	}
	out := *t
	out.Signatures = append([]MultiSigSignature(nil), t.Signatures...)
	out.Metadata = t.Metadata.Clone()
	if t.ExecutedAt != nil {
		at := *t.ExecutedAt
		out.ExecutedAt = &at
	}
	return &out
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	WalletID string
	Statuses []TransactionStatus
	Limit    int
}
