package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kopesha/loan-engine/internal/domain"
)

type paymentRepository struct {
	db *sqlx.DB
}

func NewPaymentRepository(db *sqlx.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) CreateIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (id, loan_id, amount, phone, channel, correlation_id,
			receipt, status, error_code, error_message, attempts, raw_payload,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.ExecContext(ctx, query,
		intent.ID,
		intent.LoanID,
		intent.Amount,
		intent.Phone,
		intent.Channel,
		intent.CorrelationID,
		intent.Receipt,
		intent.Status,
		intent.ErrorCode,
		intent.ErrorMessage,
		intent.Attempts,
		intent.RawPayload,
		intent.CreatedAt,
		intent.UpdatedAt,
	)

	return err
}

func (r *paymentRepository) UpdateIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	query := `
		UPDATE payment_intents
		SET correlation_id = $2, receipt = $3, status = $4, error_code = $5,
			error_message = $6, attempts = $7, raw_payload = $8, updated_at = $9
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		intent.ID,
		intent.CorrelationID,
		intent.Receipt,
		intent.Status,
		intent.ErrorCode,
		intent.ErrorMessage,
		intent.Attempts,
		intent.RawPayload,
		time.Now(),
	)

	return err
}

func (r *paymentRepository) GetIntentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentIntent, error) {
	return r.getIntent(ctx, `WHERE id = $1`, id)
}

func (r *paymentRepository) GetIntentByCorrelationID(ctx context.Context, correlationID string) (*domain.PaymentIntent, error) {
	return r.getIntent(ctx, `WHERE correlation_id = $1`, correlationID)
}

func (r *paymentRepository) GetIntentByReceipt(ctx context.Context, receipt string) (*domain.PaymentIntent, error) {
	return r.getIntent(ctx, `WHERE receipt = $1`, receipt)
}

func (r *paymentRepository) getIntent(ctx context.Context, where string, arg interface{}) (*domain.PaymentIntent, error) {
	query := `
		SELECT id, loan_id, amount, phone, channel, correlation_id, receipt, status,
			error_code, error_message, attempts, raw_payload, created_at, updated_at
		FROM payment_intents
	` + where

	var intent domain.PaymentIntent
	err := r.db.GetContext(ctx, &intent, query, arg)
	if err != nil {
		return nil, err
	}

	return &intent, nil
}

func (r *paymentRepository) CommitAllocation(ctx context.Context, allocation *domain.LedgerAllocation,
	installments []*domain.Installment, penalties []*domain.Penalty, loanStatus string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO ledger_allocations (id, loan_id, source, amount, resulting_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = tx.ExecContext(ctx, query,
		allocation.ID,
		allocation.LoanID,
		allocation.Source,
		allocation.Amount,
		allocation.ResultingStatus,
		allocation.CreatedAt,
	)
	if err != nil {
		return err
	}

	lineQuery := `
		INSERT INTO allocation_lines (id, allocation_id, installment_id, penalty, interest, principal)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	for _, line := range allocation.Lines {
		_, err = tx.ExecContext(ctx, lineQuery,
			line.ID,
			line.AllocationID,
			line.InstallmentID,
			line.Penalty,
			line.Interest,
			line.Principal,
		)
		if err != nil {
			return err
		}
	}

	installmentQuery := `
		UPDATE installments
		SET amount_paid = $2, late_fee = $3, status = $4, updated_at = $5
		WHERE id = $1
	`

	now := time.Now()
	for _, installment := range installments {
		if _, err = tx.ExecContext(ctx, installmentQuery,
			installment.ID, installment.AmountPaid, installment.LateFee, installment.Status, now,
		); err != nil {
			return err
		}
	}

	penaltyQuery := `
		UPDATE penalties
		SET amount_paid = $2, status = $3, updated_at = $4
		WHERE id = $1
	`

	for _, penalty := range penalties {
		if _, err = tx.ExecContext(ctx, penaltyQuery,
			penalty.ID, penalty.AmountPaid, penalty.Status, now,
		); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE loans SET status = $2, updated_at = $3 WHERE loan_id = $1`,
		allocation.LoanID, loanStatus, now,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *paymentRepository) GetAllocationBySource(ctx context.Context, loanID string, source string) (*domain.LedgerAllocation, error) {
	query := `
		SELECT id, loan_id, source, amount, resulting_status, created_at
		FROM ledger_allocations
		WHERE loan_id = $1 AND source = $2
	`

	var allocation domain.LedgerAllocation
	err := r.db.GetContext(ctx, &allocation, query, loanID, source)
	if err != nil {
		return nil, err
	}

	if err = r.loadLines(ctx, &allocation); err != nil {
		return nil, err
	}

	return &allocation, nil
}

func (r *paymentRepository) GetAllocationsByLoanID(ctx context.Context, loanID string) ([]*domain.LedgerAllocation, error) {
	query := `
		SELECT id, loan_id, source, amount, resulting_status, created_at
		FROM ledger_allocations
		WHERE loan_id = $1
		ORDER BY created_at
	`

	var allocations []*domain.LedgerAllocation
	err := r.db.SelectContext(ctx, &allocations, query, loanID)
	if err != nil {
		return nil, err
	}

	for _, allocation := range allocations {
		if err = r.loadLines(ctx, allocation); err != nil {
			return nil, err
		}
	}

	return allocations, nil
}

func (r *paymentRepository) loadLines(ctx context.Context, allocation *domain.LedgerAllocation) error {
	query := `
		SELECT id, allocation_id, installment_id, penalty, interest, principal
		FROM allocation_lines
		WHERE allocation_id = $1
	`

	return r.db.SelectContext(ctx, &allocation.Lines, query, allocation.ID)
}
