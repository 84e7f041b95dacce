package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PenaltyStatusPending   = "pending"
	PenaltyStatusApplied   = "applied"
	PenaltyStatusPaid      = "paid"
	PenaltyStatusWaived    = "waived"
	PenaltyStatusCancelled = "cancelled"
)

// Penalty is a late fee accrued against a single installment. Rows are keyed
// on (installment_id, accrual_date) so a scan re-run on the same day upserts
// instead of double-charging.
type Penalty struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	LoanID        string          `json:"loan_id" db:"loan_id"`
	InstallmentID uuid.UUID       `json:"installment_id" db:"installment_id"`
	AccrualDate   time.Time       `json:"accrual_date" db:"accrual_date"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	AmountPaid    decimal.Decimal `json:"amount_paid" db:"amount_paid"`
	Basis         string          `json:"basis" db:"basis"`
	Status        string          `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Outstanding is the unpaid remainder of the penalty. Waived and cancelled
// penalties are no longer payable.
func (p *Penalty) Outstanding() decimal.Decimal {
	switch p.Status {
	case PenaltyStatusWaived, PenaltyStatusCancelled:
		return decimal.Zero
	}
	out := p.Amount.Sub(p.AmountPaid)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}
