package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/kopesha/loan-engine/internal/domain"
	"github.com/kopesha/loan-engine/internal/repository"
	customError "github.com/kopesha/loan-engine/pkg/errors"
)

var daysPerYear = decimal.NewFromInt(360)

// PenaltyEngine detects overdue installments and accrues late fees. It is
// externally triggered (cron) and never self-schedules.
type PenaltyEngine struct {
	loanRepo    repository.LoanRepository
	penaltyRepo repository.PenaltyRepository
	locks       *LoanLocks
	events      domain.EventSink
	location    *time.Location
	log         *logrus.Logger
}

func NewPenaltyEngine(
	loanRepo repository.LoanRepository,
	penaltyRepo repository.PenaltyRepository,
	locks *LoanLocks,
	events domain.EventSink,
	location *time.Location,
	log *logrus.Logger,
) *PenaltyEngine {
	return &PenaltyEngine{
		loanRepo:    loanRepo,
		penaltyRepo: penaltyRepo,
		locks:       locks,
		events:      events,
		location:    location,
		log:         log,
	}
}

// Scan walks every open loan, flags overdue installments and accrues the
// day's penalties. Each loan is processed under its own lock and committed
// before the next one, so the scan can be cancelled between loans without
// corrupting state. Re-running within the same business day is a no-op.
func (e *PenaltyEngine) Scan(ctx context.Context, asOf time.Time) error {
	loanIDs, err := e.loanRepo.ListOpenLoanIDs(ctx)
	if err != nil {
		return customError.WrapDatabaseError(err)
	}

	asOfDay := e.businessDay(asOf)
	for _, loanID := range loanIDs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := e.scanLoan(ctx, loanID, asOfDay); err != nil {
			e.log.WithError(err).WithField("loan_id", loanID).Error("penalty scan failed for loan")
		}
	}

	return nil
}

func (e *PenaltyEngine) scanLoan(ctx context.Context, loanID string, asOfDay time.Time) error {
	unlock := e.locks.Lock(loanID)
	defer unlock()

	loan, err := e.loanRepo.GetByLoanID(ctx, loanID)
	if err != nil {
		return customError.WrapDatabaseError(err)
	}
	if !loan.AcceptsPayments() {
		return nil
	}

	schedule, err := e.loanRepo.GetScheduleByLoanID(ctx, loanID)
	if err != nil {
		return customError.WrapDatabaseError(err)
	}
	penalties, err := e.penaltyRepo.GetByLoanID(ctx, loanID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return customError.WrapDatabaseError(err)
	}

	penaltiesByInstallment := make(map[uuid.UUID][]*domain.Penalty, len(penalties))
	for _, penalty := range penalties {
		penaltiesByInstallment[penalty.InstallmentID] = append(penaltiesByInstallment[penalty.InstallmentID], penalty)
	}

	anyOverdue := false
	for _, installment := range schedule {
		if installment.Terminal() {
			continue
		}

		dueDay := e.businessDay(installment.DueDate)
		if !dueDay.Before(asOfDay) || installment.AmountPaid.GreaterThanOrEqual(installment.TotalDue) {
			continue
		}
		anyOverdue = true

		statusChanged := installment.Status != domain.InstallmentStatusOverdue
		installment.Status = domain.InstallmentStatusOverdue

		accrued, err := e.accrue(ctx, loan, installment, penaltiesByInstallment[installment.ID], dueDay, asOfDay)
		if err != nil {
			return err
		}

		if statusChanged || accrued.IsPositive() {
			installment.LateFee = installment.LateFee.Add(accrued)
			if err := e.loanRepo.UpdateInstallment(ctx, installment); err != nil {
				return customError.WrapDatabaseError(err)
			}
		}
	}

	if anyOverdue && loan.Status == domain.LoanStatusActive {
		if err := e.loanRepo.UpdateStatus(ctx, loanID, domain.LoanStatusOverdue); err != nil {
			return customError.WrapDatabaseError(err)
		}
		e.log.WithField("loan_id", loanID).Info("loan marked overdue")
	}

	return nil
}

// accrue brings an overdue installment's accrued penalty total up to what the
// loan's penalty policy says it should be as of the scan day. It returns the
// newly accrued amount, zero when the scan already ran today.
func (e *PenaltyEngine) accrue(ctx context.Context, loan *domain.Loan, installment *domain.Installment,
	existing []*domain.Penalty, dueDay, asOfDay time.Time) (decimal.Decimal, error) {

	accruedSoFar := decimal.Zero
	var todays *domain.Penalty
	for _, penalty := range existing {
		if penalty.Status == domain.PenaltyStatusWaived || penalty.Status == domain.PenaltyStatusCancelled {
			continue
		}
		accruedSoFar = accruedSoFar.Add(penalty.Amount)
		if e.businessDay(penalty.AccrualDate).Equal(asOfDay) {
			todays = penalty
		}
	}

	var target decimal.Decimal
	var basis string
	if loan.PenaltyMode == domain.PenaltyModeFlatFee {
		target = loan.PenaltyFlatFee
		basis = "flat fee"
	} else {
		days := wholeDaysBetween(dueDay, asOfDay)
		dailyRate := loan.PenaltyRate.Div(hundred).Div(daysPerYear)
		target = installment.Outstanding().Mul(dailyRate).Mul(decimal.NewFromInt(int64(days))).Round(2)
		basis = fmt.Sprintf("%s%% p.a. / 360 x %d days", loan.PenaltyRate.String(), days)
	}

	delta := target.Sub(accruedSoFar)
	if !delta.IsPositive() {
		return decimal.Zero, nil
	}

	penalty := &domain.Penalty{
		ID:            uuid.New(),
		LoanID:        loan.LoanID,
		InstallmentID: installment.ID,
		AccrualDate:   asOfDay,
		Amount:        delta,
		AmountPaid:    decimal.Zero,
		Basis:         basis,
		Status:        domain.PenaltyStatusApplied,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if todays != nil {
		// a payment between two same-day runs changed the outstanding; top up
		// today's row instead of inserting a second one
		penalty.ID = todays.ID
		penalty.Amount = todays.Amount.Add(delta)
		penalty.AmountPaid = todays.AmountPaid
	}

	if err := e.penaltyRepo.Upsert(ctx, penalty); err != nil {
		return decimal.Zero, customError.WrapDatabaseError(err)
	}

	e.events.Publish(ctx, domain.PenaltyAccrued{
		LoanID:        loan.LoanID,
		InstallmentID: installment.ID,
		Amount:        delta,
		AccrualDate:   asOfDay,
	})

	return delta, nil
}

// businessDay truncates a timestamp to midnight in the configured business
// time zone. All overdue arithmetic works on these bare dates.
func (e *PenaltyEngine) businessDay(t time.Time) time.Time {
	local := t.In(e.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.location)
}

func wholeDaysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}
