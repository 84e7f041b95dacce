package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	InstallmentStatusPending   = "pending"
	InstallmentStatusPartial   = "partial"
	InstallmentStatusOverdue   = "overdue"
	InstallmentStatusPaid      = "paid"
	InstallmentStatusSkipped   = "skipped"
	InstallmentStatusCancelled = "cancelled"
)

// Installment is one scheduled due-date/amount unit of a loan's repayment
// plan. Principal, Interest and TotalDue are fixed at schedule build time;
// AmountPaid and LateFee are the only mutable monetary fields.
type Installment struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	LoanID     string          `json:"loan_id" db:"loan_id"`
	Sequence   int             `json:"sequence" db:"sequence"`
	DueDate    time.Time       `json:"due_date" db:"due_date"`
	Principal  decimal.Decimal `json:"principal" db:"principal"`
	Interest   decimal.Decimal `json:"interest" db:"interest"`
	TotalDue   decimal.Decimal `json:"total_due" db:"total_due"`
	AmountPaid decimal.Decimal `json:"amount_paid" db:"amount_paid"`
	LateFee    decimal.Decimal `json:"late_fee" db:"late_fee"`
	Status     string          `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Outstanding is the unpaid remainder of principal and interest. Penalties
// are tracked on their own rows and are not included here.
func (i *Installment) Outstanding() decimal.Decimal {
	out := i.TotalDue.Sub(i.AmountPaid)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// InterestOutstanding derives the unpaid interest portion. Payments against
// an installment always cover interest before principal, so paid interest is
// min(AmountPaid, Interest).
func (i *Installment) InterestOutstanding() decimal.Decimal {
	paid := decimal.Min(i.AmountPaid, i.Interest)
	return i.Interest.Sub(paid)
}

// PrincipalOutstanding derives the unpaid principal portion.
func (i *Installment) PrincipalOutstanding() decimal.Decimal {
	principalPaid := i.AmountPaid.Sub(decimal.Min(i.AmountPaid, i.Interest))
	out := i.Principal.Sub(principalPaid)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// Terminal reports whether the installment can no longer change.
func (i *Installment) Terminal() bool {
	switch i.Status {
	case InstallmentStatusPaid, InstallmentStatusSkipped, InstallmentStatusCancelled:
		return true
	}
	return false
}

// RecomputeStatus derives the status from the paid amount. Overdue detection
// is the penalty engine's job; this only moves between pending, partial and
// paid.
func (i *Installment) RecomputeStatus() {
	switch {
	case i.AmountPaid.GreaterThanOrEqual(i.TotalDue):
		i.Status = InstallmentStatusPaid
	case i.Status == InstallmentStatusOverdue:
		// stays overdue until fully paid
	case i.AmountPaid.IsPositive():
		i.Status = InstallmentStatusPartial
	default:
		i.Status = InstallmentStatusPending
	}
}
