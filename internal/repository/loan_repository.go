package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kopesha/loan-engine/internal/domain"
)

type loanRepository struct {
	db *sqlx.DB
}

func NewLoanRepository(db *sqlx.DB) LoanRepository {
	return &loanRepository{db: db}
}

func (r *loanRepository) Create(ctx context.Context, loan *domain.Loan) error {
	query := `
		INSERT INTO loans (id, loan_id, borrower_phone, principal, annual_rate, term_count,
			interest_method, frequency, processing_fee_rate, processing_fee,
			penalty_mode, penalty_rate, penalty_flat_fee, status, blacklisted,
			start_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := r.db.ExecContext(ctx, query,
		loan.ID,
		loan.LoanID,
		loan.BorrowerPhone,
		loan.Principal,
		loan.AnnualRate,
		loan.TermCount,
		loan.InterestMethod,
		loan.Frequency,
		loan.ProcessingFeeRate,
		loan.ProcessingFee,
		loan.PenaltyMode,
		loan.PenaltyRate,
		loan.PenaltyFlatFee,
		loan.Status,
		loan.Blacklisted,
		loan.StartDate,
		loan.CreatedAt,
		loan.UpdatedAt,
	)

	return err
}

func (r *loanRepository) GetByLoanID(ctx context.Context, loanID string) (*domain.Loan, error) {
	query := `
		SELECT id, loan_id, borrower_phone, principal, annual_rate, term_count,
			interest_method, frequency, processing_fee_rate, processing_fee,
			penalty_mode, penalty_rate, penalty_flat_fee, status, blacklisted,
			start_date, created_at, updated_at
		FROM loans
		WHERE loan_id = $1
	`

	var loan domain.Loan
	err := r.db.GetContext(ctx, &loan, query, loanID)
	if err != nil {
		return nil, err
	}

	return &loan, nil
}

func (r *loanRepository) UpdateStatus(ctx context.Context, loanID string, status string) error {
	query := `
		UPDATE loans
		SET status = $2, updated_at = $3
		WHERE loan_id = $1
	`

	_, err := r.db.ExecContext(ctx, query, loanID, status, time.Now())
	return err
}

func (r *loanRepository) ListOpenLoanIDs(ctx context.Context) ([]string, error) {
	query := `
		SELECT loan_id
		FROM loans
		WHERE status IN ('active', 'overdue')
		ORDER BY loan_id
	`

	var ids []string
	err := r.db.SelectContext(ctx, &ids, query)
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func (r *loanRepository) CreateSchedule(ctx context.Context, installments []*domain.Installment) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err = insertInstallments(ctx, tx, installments); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *loanRepository) ReplaceSchedule(ctx context.Context, loanID string, installments []*domain.Installment) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `DELETE FROM installments WHERE loan_id = $1`, loanID); err != nil {
		return err
	}

	if err = insertInstallments(ctx, tx, installments); err != nil {
		return err
	}

	return tx.Commit()
}

func insertInstallments(ctx context.Context, tx *sqlx.Tx, installments []*domain.Installment) error {
	query := `
		INSERT INTO installments (id, loan_id, sequence, due_date, principal, interest,
			total_due, amount_paid, late_fee, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	for _, installment := range installments {
		_, err := tx.ExecContext(ctx, query,
			installment.ID,
			installment.LoanID,
			installment.Sequence,
			installment.DueDate,
			installment.Principal,
			installment.Interest,
			installment.TotalDue,
			installment.AmountPaid,
			installment.LateFee,
			installment.Status,
			installment.CreatedAt,
			installment.UpdatedAt,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *loanRepository) GetScheduleByLoanID(ctx context.Context, loanID string) ([]*domain.Installment, error) {
	query := `
		SELECT id, loan_id, sequence, due_date, principal, interest, total_due,
			amount_paid, late_fee, status, created_at, updated_at
		FROM installments
		WHERE loan_id = $1
		ORDER BY sequence
	`

	var installments []*domain.Installment
	err := r.db.SelectContext(ctx, &installments, query, loanID)
	if err != nil {
		return nil, err
	}

	return installments, nil
}

func (r *loanRepository) UpdateInstallment(ctx context.Context, installment *domain.Installment) error {
	query := `
		UPDATE installments
		SET amount_paid = $2, late_fee = $3, status = $4, updated_at = $5
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query,
		installment.ID,
		installment.AmountPaid,
		installment.LateFee,
		installment.Status,
		time.Now(),
	)

	return err
}
