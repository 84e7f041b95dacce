package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/kopesha/loan-engine/internal/domain"
	"github.com/kopesha/loan-engine/internal/repository"
	customError "github.com/kopesha/loan-engine/pkg/errors"
)

// PaymentLedger applies incoming money against a loan's outstanding schedule
// and penalties, producing write-once allocation records.
type PaymentLedger struct {
	loanRepo    repository.LoanRepository
	penaltyRepo repository.PenaltyRepository
	paymentRepo repository.PaymentRepository
	locks       *LoanLocks
	redis       *redis.Client
	events      domain.EventSink
	log         *logrus.Logger
}

func NewPaymentLedger(
	loanRepo repository.LoanRepository,
	penaltyRepo repository.PenaltyRepository,
	paymentRepo repository.PaymentRepository,
	locks *LoanLocks,
	redisClient *redis.Client,
	events domain.EventSink,
	log *logrus.Logger,
) *PaymentLedger {
	return &PaymentLedger{
		loanRepo:    loanRepo,
		penaltyRepo: penaltyRepo,
		paymentRepo: paymentRepo,
		locks:       locks,
		redis:       redisClient,
		events:      events,
		log:         log,
	}
}

// Apply allocates a payment against the loan identified by loanID. The
// source string is the idempotency key: a retry with an already-ledgered
// source returns the original allocation without touching any balance.
//
// Allocation order is strictly FIFO by installment due date; within an
// installment, penalties are settled first, then interest, then principal.
func (l *PaymentLedger) Apply(ctx context.Context, loanID string, amount decimal.Decimal, source string) (*domain.LedgerAllocation, error) {
	unlock := l.locks.Lock(loanID)
	defer unlock()

	return l.applyLocked(ctx, loanID, amount, source)
}

// applyLocked is Apply without lock acquisition, for callers that already
// hold the loan lock (the reconciliation gateway).
func (l *PaymentLedger) applyLocked(ctx context.Context, loanID string, amount decimal.Decimal, source string) (*domain.LedgerAllocation, error) {
	if !amount.IsPositive() {
		return nil, customError.WrapInvalidPayment("payment amount must be greater than zero")
	}
	if source == "" {
		return nil, customError.WrapInvalidPayment("payment source is required")
	}

	// Idempotency check happens inside the loan lock so two retries cannot
	// both observe "not yet applied".
	existing, err := l.paymentRepo.GetAllocationBySource(ctx, loanID, source)
	if err == nil {
		l.log.WithFields(logrus.Fields{"loan_id": loanID, "source": source}).
			Info("payment already ledgered, returning stored allocation")
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapDatabaseError(err)
	}

	loan, err := l.loanRepo.GetByLoanID(ctx, loanID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, customError.WrapLoanNotFound(loanID)
		}
		return nil, customError.WrapDatabaseError(err)
	}
	if !loan.AcceptsPayments() {
		return nil, customError.WrapLoanNotActive(loanID, loan.Status)
	}

	schedule, err := l.loanRepo.GetScheduleByLoanID(ctx, loanID)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	penalties, err := l.penaltyRepo.GetByLoanID(ctx, loanID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapDatabaseError(err)
	}

	outstanding := outstandingBalance(schedule, penalties)
	if amount.GreaterThan(outstanding) {
		return nil, customError.WrapOverpayment(loanID, amount, outstanding)
	}

	allocation := &domain.LedgerAllocation{
		ID:        uuid.New(),
		LoanID:    loanID,
		Source:    source,
		Amount:    amount,
		CreatedAt: time.Now(),
	}

	touchedInstallments, touchedPenalties := allocate(allocation, schedule, penalties, amount)

	status := resultingLoanStatus(loan, schedule, outstanding.Sub(amount))
	allocation.ResultingStatus = status

	if err = l.paymentRepo.CommitAllocation(ctx, allocation, touchedInstallments, touchedPenalties, status); err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	l.invalidateOutstanding(ctx, loanID)

	l.events.Publish(ctx, domain.PaymentApplied{
		LoanID:          loanID,
		Source:          source,
		Amount:          amount,
		ResultingStatus: status,
	})
	if status == domain.LoanStatusCompleted {
		l.events.Publish(ctx, domain.LoanCompleted{LoanID: loanID, CompletedAt: allocation.CreatedAt})
	}

	l.log.WithFields(logrus.Fields{
		"loan_id": loanID,
		"source":  source,
		"amount":  amount.StringFixed(2),
		"status":  status,
	}).Info("payment applied")

	return allocation, nil
}

// Outstanding returns the live outstanding balance for a loan.
func (l *PaymentLedger) Outstanding(ctx context.Context, loanID string) (decimal.Decimal, error) {
	schedule, err := l.loanRepo.GetScheduleByLoanID(ctx, loanID)
	if err != nil {
		return decimal.Zero, customError.WrapDatabaseError(err)
	}
	penalties, err := l.penaltyRepo.GetByLoanID(ctx, loanID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, customError.WrapDatabaseError(err)
	}
	return outstandingBalance(schedule, penalties), nil
}

func (l *PaymentLedger) invalidateOutstanding(ctx context.Context, loanID string) {
	if l.redis == nil {
		return
	}
	if err := l.redis.Del(ctx, outstandingCacheKey(loanID)).Err(); err != nil {
		l.log.WithError(err).WithField("loan_id", loanID).Warn("failed to invalidate outstanding cache")
	}
}

func outstandingCacheKey(loanID string) string {
	return fmt.Sprintf("loan:%s:outstanding", loanID)
}

// outstandingBalance sums unpaid principal, interest and penalties. A penalty
// attached to a cancelled or skipped installment is as dead as the installment
// itself: allocate never reaches it, so counting it would leave a balance no
// payment can clear.
func outstandingBalance(schedule []*domain.Installment, penalties []*domain.Penalty) decimal.Decimal {
	dead := make(map[uuid.UUID]bool)
	total := decimal.Zero
	for _, installment := range schedule {
		if installment.Status == domain.InstallmentStatusCancelled || installment.Status == domain.InstallmentStatusSkipped {
			dead[installment.ID] = true
			continue
		}
		total = total.Add(installment.Outstanding())
	}
	for _, penalty := range penalties {
		if dead[penalty.InstallmentID] {
			continue
		}
		total = total.Add(penalty.Outstanding())
	}
	return total
}

// allocate walks installments in due-date order distributing the payment:
// penalty, then interest, then principal of each installment before moving to
// the next. It mutates the passed entities and fills allocation.Lines,
// returning the touched rows.
func allocate(allocation *domain.LedgerAllocation, schedule []*domain.Installment,
	penalties []*domain.Penalty, amount decimal.Decimal) ([]*domain.Installment, []*domain.Penalty) {

	penaltiesByInstallment := make(map[uuid.UUID][]*domain.Penalty, len(penalties))
	for _, penalty := range penalties {
		penaltiesByInstallment[penalty.InstallmentID] = append(penaltiesByInstallment[penalty.InstallmentID], penalty)
	}

	var touchedInstallments []*domain.Installment
	var touchedPenalties []*domain.Penalty

	remaining := amount
	for _, installment := range schedule {
		if remaining.IsZero() {
			break
		}
		if installment.Status == domain.InstallmentStatusCancelled || installment.Status == domain.InstallmentStatusSkipped {
			continue
		}

		line := domain.AllocationLine{
			ID:            uuid.New(),
			AllocationID:  allocation.ID,
			InstallmentID: installment.ID,
			Penalty:       decimal.Zero,
			Interest:      decimal.Zero,
			Principal:     decimal.Zero,
		}

		for _, penalty := range penaltiesByInstallment[installment.ID] {
			if remaining.IsZero() {
				break
			}
			due := penalty.Outstanding()
			if due.IsZero() {
				continue
			}
			pay := decimal.Min(remaining, due)
			penalty.AmountPaid = penalty.AmountPaid.Add(pay)
			if penalty.AmountPaid.GreaterThanOrEqual(penalty.Amount) {
				penalty.Status = domain.PenaltyStatusPaid
			}
			line.Penalty = line.Penalty.Add(pay)
			remaining = remaining.Sub(pay)
			touchedPenalties = append(touchedPenalties, penalty)
		}

		if interestDue := installment.InterestOutstanding(); remaining.IsPositive() && interestDue.IsPositive() {
			pay := decimal.Min(remaining, interestDue)
			installment.AmountPaid = installment.AmountPaid.Add(pay)
			line.Interest = pay
			remaining = remaining.Sub(pay)
		}

		if principalDue := installment.PrincipalOutstanding(); remaining.IsPositive() && principalDue.IsPositive() {
			pay := decimal.Min(remaining, principalDue)
			installment.AmountPaid = installment.AmountPaid.Add(pay)
			line.Principal = pay
			remaining = remaining.Sub(pay)
		}

		if line.Total().IsPositive() {
			installment.RecomputeStatus()
			touchedInstallments = append(touchedInstallments, installment)
			allocation.Lines = append(allocation.Lines, line)
		}
	}

	return touchedInstallments, touchedPenalties
}

// resultingLoanStatus decides the loan-level status after a payment. A loan
// completes when nothing remains outstanding; an overdue loan reverts to
// active once no installment is overdue anymore.
func resultingLoanStatus(loan *domain.Loan, schedule []*domain.Installment, outstandingAfter decimal.Decimal) string {
	if !outstandingAfter.IsPositive() {
		return domain.LoanStatusCompleted
	}
	for _, installment := range schedule {
		if installment.Status == domain.InstallmentStatusOverdue {
			return domain.LoanStatusOverdue
		}
	}
	return domain.LoanStatusActive
}
