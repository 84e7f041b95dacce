package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/kopesha/loan-engine/internal/domain"
	"github.com/kopesha/loan-engine/internal/repository"
	customError "github.com/kopesha/loan-engine/pkg/errors"
)

// ScheduleBuilder materializes an amortization breakdown into persisted
// installments with calendar-aware due dates.
type ScheduleBuilder struct {
	loanRepo repository.LoanRepository
	log      *logrus.Logger
}

func NewScheduleBuilder(loanRepo repository.LoanRepository, log *logrus.Logger) *ScheduleBuilder {
	return &ScheduleBuilder{loanRepo: loanRepo, log: log}
}

// Build creates the installment schedule for a loan. Rebuilding is allowed
// only while every existing installment is still pending: the old schedule
// is then replaced atomically. Any paid, partial or overdue installment
// means payment activity has started and the schedule is frozen.
func (b *ScheduleBuilder) Build(ctx context.Context, loanID string, terms domain.LoanTerms,
	breakdown []domain.PeriodBreakdown, startDate time.Time) ([]*domain.Installment, error) {

	existing, err := b.loanRepo.GetScheduleByLoanID(ctx, loanID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapDatabaseError(err)
	}

	for _, installment := range existing {
		if installment.Status != domain.InstallmentStatusPending {
			return nil, customError.WrapScheduleConflict(loanID)
		}
	}

	installments := make([]*domain.Installment, 0, len(breakdown))
	now := time.Now()
	for _, period := range breakdown {
		dueDate := domain.NextDueDate(terms.Frequency, startDate, period.Sequence)
		if terms.Frequency == domain.FrequencyBullet {
			// single balloon installment at maturity
			dueDate = startDate.AddDate(0, terms.TermCount, 0)
		}

		installments = append(installments, &domain.Installment{
			ID:         uuid.New(),
			LoanID:     loanID,
			Sequence:   period.Sequence,
			DueDate:    dueDate,
			Principal:  period.Principal,
			Interest:   period.Interest,
			TotalDue:   period.Total,
			AmountPaid: decimal.Zero,
			LateFee:    decimal.Zero,
			Status:     domain.InstallmentStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if len(existing) > 0 {
		err = b.loanRepo.ReplaceSchedule(ctx, loanID, installments)
	} else {
		err = b.loanRepo.CreateSchedule(ctx, installments)
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	b.log.WithFields(logrus.Fields{
		"loan_id":      loanID,
		"installments": len(installments),
		"frequency":    terms.Frequency,
	}).Info("loan schedule built")

	return installments, nil
}
