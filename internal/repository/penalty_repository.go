package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kopesha/loan-engine/internal/domain"
)

type penaltyRepository struct {
	db *sqlx.DB
}

func NewPenaltyRepository(db *sqlx.DB) PenaltyRepository {
	return &penaltyRepository{db: db}
}

func (r *penaltyRepository) GetByLoanID(ctx context.Context, loanID string) ([]*domain.Penalty, error) {
	query := `
		SELECT id, loan_id, installment_id, accrual_date, amount, amount_paid,
			basis, status, created_at, updated_at
		FROM penalties
		WHERE loan_id = $1
		ORDER BY accrual_date, created_at
	`

	var penalties []*domain.Penalty
	err := r.db.SelectContext(ctx, &penalties, query, loanID)
	if err != nil {
		return nil, err
	}

	return penalties, nil
}

func (r *penaltyRepository) Upsert(ctx context.Context, penalty *domain.Penalty) error {
	query := `
		INSERT INTO penalties (id, loan_id, installment_id, accrual_date, amount,
			amount_paid, basis, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (installment_id, accrual_date)
		DO UPDATE SET amount = EXCLUDED.amount, basis = EXCLUDED.basis, updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		penalty.ID,
		penalty.LoanID,
		penalty.InstallmentID,
		penalty.AccrualDate,
		penalty.Amount,
		penalty.AmountPaid,
		penalty.Basis,
		penalty.Status,
		penalty.CreatedAt,
		penalty.UpdatedAt,
	)

	return err
}

func (r *penaltyRepository) Update(ctx context.Context, penalty *domain.Penalty) error {
	query := `
		UPDATE penalties
		SET amount_paid = $2, status = $3, updated_at = $4
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		penalty.ID,
		penalty.AmountPaid,
		penalty.Status,
		time.Now(),
	)

	return err
}
