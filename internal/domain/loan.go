package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	LoanStatusActive    = "active"
	LoanStatusOverdue   = "overdue"
	LoanStatusCompleted = "completed"
	LoanStatusCancelled = "cancelled"
)

// Interest methods
const (
	InterestMethodFixed           = "fixed"
	InterestMethodReducingBalance = "reducing_balance"
	InterestMethodFlatRate        = "flat_rate"
)

// Penalty modes
const (
	PenaltyModeDailyRate = "daily_rate"
	PenaltyModeFlatFee   = "flat_fee"
)

// Repayment frequencies
const (
	FrequencyDaily     = "daily"
	FrequencyWeekly    = "weekly"
	FrequencyBiweekly  = "biweekly"
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"
	FrequencyBiannual  = "biannual"
	FrequencyAnnual    = "annual"
	FrequencyBullet    = "bullet"
)

// PeriodsPerYear returns the number of repayment periods in a year for the
// given frequency. Daily loans use a 360-day banker's year. Bullet loans have
// a single period and are handled separately by the calculator.
func PeriodsPerYear(frequency string) int {
	switch frequency {
	case FrequencyDaily:
		return 360
	case FrequencyWeekly:
		return 52
	case FrequencyBiweekly:
		return 26
	case FrequencyMonthly:
		return 12
	case FrequencyQuarterly:
		return 4
	case FrequencyBiannual:
		return 2
	case FrequencyAnnual:
		return 1
	default:
		return 0
	}
}

// NextDueDate returns the due date of the n-th installment (1-based) counted
// from the start date. Offsets are calendar-aware: monthly adds a calendar
// month rather than 30 days, so schedules do not drift. Bullet loans fall due
// once, TermCount months after the start date.
func NextDueDate(frequency string, startDate time.Time, sequence int) time.Time {
	switch frequency {
	case FrequencyDaily:
		return startDate.AddDate(0, 0, sequence)
	case FrequencyWeekly:
		return startDate.AddDate(0, 0, 7*sequence)
	case FrequencyBiweekly:
		return startDate.AddDate(0, 0, 14*sequence)
	case FrequencyMonthly:
		return startDate.AddDate(0, sequence, 0)
	case FrequencyQuarterly:
		return startDate.AddDate(0, 3*sequence, 0)
	case FrequencyBiannual:
		return startDate.AddDate(0, 6*sequence, 0)
	case FrequencyAnnual:
		return startDate.AddDate(sequence, 0, 0)
	default:
		return startDate
	}
}

// LoanTerms are the immutable parameters fixed at approval time.
type LoanTerms struct {
	Principal         decimal.Decimal `json:"principal" validate:"required"`
	AnnualRate        decimal.Decimal `json:"annual_rate"`
	TermCount         int             `json:"term_count" validate:"required,gt=0"`
	InterestMethod    string          `json:"interest_method" validate:"required,oneof=fixed reducing_balance flat_rate"`
	Frequency         string          `json:"frequency" validate:"required,oneof=daily weekly biweekly monthly quarterly biannual annual bullet"`
	ProcessingFeeRate decimal.Decimal `json:"processing_fee_rate"`
}

// PeriodBreakdown is one row of an amortization table: the principal and
// interest portions of a single scheduled installment.
type PeriodBreakdown struct {
	Sequence  int             `json:"sequence"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Total     decimal.Decimal `json:"total"`
}

// Loan represents a loan entity
type Loan struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	LoanID            string          `json:"loan_id" db:"loan_id"`
	BorrowerPhone     string          `json:"borrower_phone" db:"borrower_phone"`
	Principal         decimal.Decimal `json:"principal" db:"principal"`
	AnnualRate        decimal.Decimal `json:"annual_rate" db:"annual_rate"`
	TermCount         int             `json:"term_count" db:"term_count"`
	InterestMethod    string          `json:"interest_method" db:"interest_method"`
	Frequency         string          `json:"frequency" db:"frequency"`
	ProcessingFeeRate decimal.Decimal `json:"processing_fee_rate" db:"processing_fee_rate"`
	ProcessingFee     decimal.Decimal `json:"processing_fee" db:"processing_fee"`
	PenaltyMode       string          `json:"penalty_mode" db:"penalty_mode"`
	PenaltyRate       decimal.Decimal `json:"penalty_rate" db:"penalty_rate"`
	PenaltyFlatFee    decimal.Decimal `json:"penalty_flat_fee" db:"penalty_flat_fee"`
	Status            string          `json:"status" db:"status"`
	Blacklisted       bool            `json:"blacklisted" db:"blacklisted"`
	StartDate         time.Time       `json:"start_date" db:"start_date"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Terms reconstructs the immutable terms the loan was approved with.
func (l *Loan) Terms() LoanTerms {
	return LoanTerms{
		Principal:         l.Principal,
		AnnualRate:        l.AnnualRate,
		TermCount:         l.TermCount,
		InterestMethod:    l.InterestMethod,
		Frequency:         l.Frequency,
		ProcessingFeeRate: l.ProcessingFeeRate,
	}
}

// AcceptsPayments reports whether money may be applied against the loan.
func (l *Loan) AcceptsPayments() bool {
	return l.Status == LoanStatusActive || l.Status == LoanStatusOverdue
}

// DTOs for requests and responses

type CreateLoanRequest struct {
	LoanID            string          `json:"loan_id" validate:"required"`
	BorrowerPhone     string          `json:"borrower_phone" validate:"required"`
	Principal         decimal.Decimal `json:"principal" validate:"required"`
	AnnualRate        decimal.Decimal `json:"annual_rate"`
	TermCount         int             `json:"term_count" validate:"required,gt=0"`
	InterestMethod    string          `json:"interest_method" validate:"required,oneof=fixed reducing_balance flat_rate"`
	Frequency         string          `json:"frequency" validate:"required,oneof=daily weekly biweekly monthly quarterly biannual annual bullet"`
	ProcessingFeeRate decimal.Decimal `json:"processing_fee_rate"`
	StartDate         string          `json:"start_date"` // YYYY-MM-DD, defaults to today
}

type CreateLoanResponse struct {
	Loan     *Loan          `json:"loan"`
	Schedule []*Installment `json:"schedule"`
}

type OutstandingResponse struct {
	LoanID      string          `json:"loan_id"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Status      string          `json:"status"`
}

type ScheduleResponse struct {
	LoanID   string         `json:"loan_id"`
	Schedule []*Installment `json:"schedule"`
}

type MakePaymentRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"required"`
	Source string          `json:"source" validate:"required"`
}

type InitiatePaymentRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"required"`
	Phone  string          `json:"phone"` // defaults to the borrower's phone
}
