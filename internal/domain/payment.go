package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment intent statuses. Succeeded and failed are terminal and immutable.
const (
	IntentStatusPending    = "pending"
	IntentStatusProcessing = "processing"
	IntentStatusSucceeded  = "succeeded"
	IntentStatusFailed     = "failed"
)

// Payment channels
const (
	ChannelSTKPush = "stk_push"
	ChannelPaybill = "paybill"
)

// Intent error codes recorded on failure
const (
	IntentErrorProvider  = "PROVIDER_REJECTED"
	IntentErrorTransport = "TRANSPORT"
	IntentErrorTimeout   = "TIMEOUT"
	IntentErrorAuth      = "AUTH"
)

// PaymentIntent tracks a request for an external payment that has not yet
// been confirmed. Intents are never deleted; they only transition.
type PaymentIntent struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	LoanID        string          `json:"loan_id" db:"loan_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Phone         string          `json:"phone" db:"phone"`
	Channel       string          `json:"channel" db:"channel"`
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	Receipt       string          `json:"receipt" db:"receipt"`
	Status        string          `json:"status" db:"status"`
	ErrorCode     string          `json:"error_code" db:"error_code"`
	ErrorMessage  string          `json:"error_message" db:"error_message"`
	Attempts      int             `json:"attempts" db:"attempts"`
	RawPayload    []byte          `json:"-" db:"raw_payload"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the intent has reached a final state.
func (p *PaymentIntent) Terminal() bool {
	return p.Status == IntentStatusSucceeded || p.Status == IntentStatusFailed
}

// LedgerAllocation records how one successfully-applied payment was split
// across installments and penalties. Rows are write-once: created exactly
// once per payment source and never mutated.
type LedgerAllocation struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	LoanID          string           `json:"loan_id" db:"loan_id"`
	Source          string           `json:"source" db:"source"`
	Amount          decimal.Decimal  `json:"amount" db:"amount"`
	ResultingStatus string           `json:"resulting_status" db:"resulting_status"`
	Lines           []AllocationLine `json:"lines"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// AllocationLine is the per-installment breakdown of an allocation.
type AllocationLine struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	AllocationID  uuid.UUID       `json:"allocation_id" db:"allocation_id"`
	InstallmentID uuid.UUID       `json:"installment_id" db:"installment_id"`
	Penalty       decimal.Decimal `json:"penalty" db:"penalty"`
	Interest      decimal.Decimal `json:"interest" db:"interest"`
	Principal     decimal.Decimal `json:"principal" db:"principal"`
}

// Total is the sum of the line's three buckets.
func (l AllocationLine) Total() decimal.Decimal {
	return l.Penalty.Add(l.Interest).Add(l.Principal)
}

// ReconciliationResult is returned to the callback invoker. Duplicate
// callbacks return the stored result of the first delivery.
type ReconciliationResult struct {
	IntentID  uuid.UUID       `json:"intent_id"`
	LoanID    string          `json:"loan_id"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	Receipt   string          `json:"receipt"`
	Duplicate bool            `json:"duplicate"`
}
