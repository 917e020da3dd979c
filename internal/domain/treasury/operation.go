package treasury

import (
	"time"

	"github.com/shopspring/decimal"
)

// ComplianceCheckType is the kind of compliance screening.
type ComplianceCheckType string

const (
	CheckAML        ComplianceCheckType = "aml"
	CheckKYC        ComplianceCheckType = "kyc"
	CheckSanctions  ComplianceCheckType = "sanctions"
	CheckRegulatory ComplianceCheckType = "regulatory"
)

// Valid reports whether t is a known check type.
func (t ComplianceCheckType) Valid() bool {
	switch t {
	case CheckAML, CheckKYC, CheckSanctions, CheckRegulatory:
		return true
	}
	return false
}

// ComplianceStatus is the outcome of a compliance check.
type ComplianceStatus string

const (
	CompliancePending      ComplianceStatus = "pending"
	CompliancePassed       ComplianceStatus = "passed"
	ComplianceFailed       ComplianceStatus = "failed"
	ComplianceManualReview ComplianceStatus = "manual_review"
)

// Valid reports whether s is a known outcome.
func (s ComplianceStatus) Valid() bool {
	switch s {
	case CompliancePending, CompliancePassed, ComplianceFailed, ComplianceManualReview:
		return true
	}
	return false
}

// ComplianceCheck is one screening result attached to an operation.
type ComplianceCheck struct {
	ID          string              `json:"id"`
	OperationID string              `json:"operation_id"`
	Type        ComplianceCheckType `json:"type"`
	Status      ComplianceStatus    `json:"status"`
	Score       int                 `json:"score"`
	Provider    string              `json:"provider,omitempty"`
	Details     Metadata            `json:"details,omitempty"`
	CheckedBy   string              `json:"checked_by,omitempty"`
	CheckedAt   time.Time           `json:"checked_at"`
}

// OperationStatus is derived from the compliance checks of an operation.
type OperationStatus string

const (
	OperationOpen    OperationStatus = "open"
	OperationReview  OperationStatus = "review"
	OperationBlocked OperationStatus = "blocked"
	OperationCleared OperationStatus = "cleared"
)

// TreasuryOperation ties a business operation to at most one transaction.
type TreasuryOperation struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Reference     string            `json:"reference"`
	WalletID      string            `json:"wallet_id,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency,omitempty"`
	RiskScore     int               `json:"risk_score"`
	Status        OperationStatus   `json:"status"`
	Checks        []ComplianceCheck `json:"checks"`
	RequestedBy   string            `json:"requested_by"`
	Metadata      Metadata          `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// DeriveStatus computes the operation status from its checks.
func (o *TreasuryOperation) DeriveStatus() OperationStatus {
	if len(o.Checks) == 0 {
		return OperationOpen
	}
	review := false
	for _, c := range o.Checks {
		switch c.Status {
		case ComplianceFailed:
			return OperationBlocked
		case CompliancePending, ComplianceManualReview:
			review = true
		}
	}
	if review {
		return OperationReview
	}
	return OperationCleared
}

// Clone returns a deep copy.
func (o *TreasuryOperation) Clone() *TreasuryOperation {
	if o == nil {
		return nil
	}
	out := *o
	out.Checks = make([]ComplianceCheck, len(o.Checks))
	for i, c := range o.Checks {
		c.Details = c.Details.Clone()
		out.Checks[i] = c
	}
	out.Metadata = o.Metadata.Clone()
	return &out
}
