package models

import "time"

// BillingType selects how usage converts to cost. Only per-unit billing is
// implemented; any other configured value is a hard configuration error.
type BillingType string

const (
	BillingPerUnit  BillingType = "per_unit"
	BillingPerToken BillingType = "per_token"
)

// TransactionCategory classifies a ledger entry.
type TransactionCategory string

const (
	TxTaskCharge TransactionCategory = "task_charge"
	TxTaskRefund TransactionCategory = "task_refund"
	TxTopUp      TransactionCategory = "top_up"
	TxAdjustment TransactionCategory = "adjustment"
)

// Account holds a prepaid credit balance in integer minor units. The balance
// is a materialized sum of the account's transactions.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PricingConfig is an externally managed price for one task type. Tasks
// snapshot the row at creation and reference it via pricing_id.
type PricingConfig struct {
	ID          string      `json:"id" db:"id"`
	TaskType    TaskType    `json:"task_type" db:"task_type"`
	BillingType BillingType `json:"billing_type" db:"billing_type"`
	UnitPrice   float64     `json:"unit_price" db:"unit_price"`
	MinUnit     float64     `json:"min_unit" db:"min_unit"`
	IsActive    bool        `json:"is_active" db:"is_active"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// Transaction is one ledger row. The ledger is the source of truth for
// monetary history; amount is signed and balance_after must equal
// balance_before + amount.
type Transaction struct {
	ID            string              `json:"id" db:"id"`
	AccountID     string              `json:"account_id" db:"account_id"`
	Category      TransactionCategory `json:"category" db:"category"`
	Amount        int64               `json:"amount" db:"amount"`
	BalanceBefore int64               `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64               `json:"balance_after" db:"balance_after"`
	TaskID        *string             `json:"task_id,omitempty" db:"task_id"`
	Metadata      JSONB               `json:"metadata" db:"metadata"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}
