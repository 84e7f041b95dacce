package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/kopesha/loan-engine/internal/domain"
)

// LoanRepository defines the interface for loan and installment data operations
type LoanRepository interface {
	// Create creates a new loan
	Create(ctx context.Context, loan *domain.Loan) error

	// GetByLoanID retrieves a loan by its loan ID
	GetByLoanID(ctx context.Context, loanID string) (*domain.Loan, error)

	// UpdateStatus sets the loan-level status
	UpdateStatus(ctx context.Context, loanID string, status string) error

	// ListOpenLoanIDs returns IDs of loans that are active or overdue
	ListOpenLoanIDs(ctx context.Context) ([]string, error)

	// CreateSchedule creates installment rows for a loan
	CreateSchedule(ctx context.Context, installments []*domain.Installment) error

	// ReplaceSchedule atomically deletes the existing schedule for a loan and
	// inserts a new one
	ReplaceSchedule(ctx context.Context, loanID string, installments []*domain.Installment) error

	// GetScheduleByLoanID retrieves installments ordered by sequence
	GetScheduleByLoanID(ctx context.Context, loanID string) ([]*domain.Installment, error)

	// UpdateInstallment persists an installment's mutable fields
	UpdateInstallment(ctx context.Context, installment *domain.Installment) error
}

// PenaltyRepository defines the interface for penalty data operations
type PenaltyRepository interface {
	// GetByLoanID retrieves penalties for a loan ordered by accrual date
	GetByLoanID(ctx context.Context, loanID string) ([]*domain.Penalty, error)

	// Upsert inserts a penalty or, on an (installment_id, accrual_date)
	// conflict, replaces its amount and basis
	Upsert(ctx context.Context, penalty *domain.Penalty) error

	// Update persists a penalty's mutable fields
	Update(ctx context.Context, penalty *domain.Penalty) error
}

// PaymentRepository defines the interface for payment intent and ledger
// allocation data operations
type PaymentRepository interface {
	// CreateIntent creates a new payment intent
	CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error

	// UpdateIntent persists an intent's mutable fields
	UpdateIntent(ctx context.Context, intent *domain.PaymentIntent) error

	// GetIntentByID retrieves an intent by its internal ID
	GetIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error)

	// GetIntentByCorrelationID retrieves an intent by the provider-assigned
	// correlation ID
	GetIntentByCorrelationID(ctx context.Context, correlationID string) (*domain.PaymentIntent, error)

	// GetIntentByReceipt retrieves an intent by provider receipt number, used
	// to deduplicate unsolicited paybill notifications
	GetIntentByReceipt(ctx context.Context, receipt string) (*domain.PaymentIntent, error)

	// CommitAllocation writes an allocation with its lines, the touched
	// installments and penalties, and the resulting loan status in a single
	// transaction, so a payment is applied all-or-nothing
	CommitAllocation(ctx context.Context, allocation *domain.LedgerAllocation,
		installments []*domain.Installment, penalties []*domain.Penalty, loanStatus string) error

	// GetAllocationBySource retrieves the allocation recorded for an
	// idempotency source, if any
	GetAllocationBySource(ctx context.Context, loanID string, source string) (*domain.LedgerAllocation, error)

	// GetAllocationsByLoanID retrieves all allocations for a loan
	GetAllocationsByLoanID(ctx context.Context, loanID string) ([]*domain.LedgerAllocation, error)
}
