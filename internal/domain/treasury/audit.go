package treasury

import "time"

// AuditAction names a recorded state transition or rejected attempt.
type AuditAction string

const (
	ActionWalletCreated          AuditAction = "WALLET_CREATED"
	ActionWalletCreateRejected   AuditAction = "WALLET_CREATE_REJECTED"
	ActionWalletStatusChanged    AuditAction = "WALLET_STATUS_CHANGED"
	ActionWalletBalancesRefresh  AuditAction = "WALLET_BALANCES_REFRESHED"
	ActionTreasuryHalted         AuditAction = "TREASURY_HALTED"
	ActionTreasuryResumed        AuditAction = "TREASURY_RESUMED"
	ActionTransactionCreated     AuditAction = "TRANSACTION_CREATED"
	ActionTransactionRejected    AuditAction = "TRANSACTION_CREATE_REJECTED"
	ActionTransactionSigned      AuditAction = "TRANSACTION_SIGNED"
	ActionSignatureRejected      AuditAction = "SIGNATURE_REJECTED"
	ActionTransactionExpired     AuditAction = "TRANSACTION_EXPIRED"
	ActionTransactionSubmitted   AuditAction = "TRANSACTION_SUBMITTED"
	ActionTransactionExecuted    AuditAction = "TRANSACTION_EXECUTED"
	ActionTransactionFailed      AuditAction = "TRANSACTION_REJECTED"
	ActionExecutionRejected      AuditAction = "EXECUTION_REJECTED"
	ActionTransactionOverridden  AuditAction = "TRANSACTION_REJECTED_BY_ADMIN"
	ActionPayoutSubmitted        AuditAction = "PAYOUT_SUBMITTED"
	ActionPayoutCompleted        AuditAction = "PAYOUT_COMPLETED"
	ActionPayoutFailed           AuditAction = "PAYOUT_FAILED"
	ActionOperationCreated       AuditAction = "OPERATION_CREATED"
	ActionOperationLinked        AuditAction = "OPERATION_LINKED"
	ActionComplianceCheckRecords AuditAction = "COMPLIANCE_CHECK_RECORDED"
)

// Entity types referenced by audit entries.
const (
	EntityWallet      = "wallet"
	EntityTransaction = "transaction"
	EntityPayout      = "payout"
	EntityOperation   = "operation"
	EntityTreasury    = "treasury"
)

// AuditEntry is an append-only record. Entries are sequenced and hash-chained;
// they are never updated or deleted.
type AuditEntry struct {
	ID         string      `json:"id"`
	Sequence   int64       `json:"sequence"`
	Timestamp  time.Time   `json:"timestamp"`
	Action     AuditAction `json:"action"`
	Actor      string      `json:"actor"`
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	WalletID   string      `json:"wallet_id,omitempty"`
	Details    Metadata    `json:"details,omitempty"`
	IPAddress  string      `json:"ip_address,omitempty"`
	UserAgent  string      `json:"user_agent,omitempty"`
	PrevHash   string      `json:"prev_hash"`
	Hash       string      `json:"hash"`
}

// AuditFilter narrows audit listings.
type AuditFilter struct {
	EntityType string
	EntityID   string
	WalletID   string
	Action     AuditAction
	Since      time.Time
	AfterSeq   int64
	Limit      int
}

// Provenance describes where a request came from.
type Provenance struct {
	IPAddress string
	UserAgent string
}
