package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kopesha/loan-engine/internal/domain"
	"github.com/kopesha/loan-engine/tests/mocks"
)

// Full repayment of a two-installment loan, with every payment amount taken
// from the calculator's own breakdown rather than hardcoded figures.
func TestLoanLifecycle_FullRepayment(t *testing.T) {
	terms := domain.LoanTerms{
		Principal:      decimal.NewFromInt(10000),
		AnnualRate:     decimal.NewFromInt(10),
		TermCount:      2,
		InterestMethod: domain.InterestMethodReducingBalance,
		Frequency:      domain.FrequencyMonthly,
	}
	breakdown, err := ComputeAmortization(terms)
	require.NoError(t, err)
	require.Len(t, breakdown, 2)

	loan := &domain.Loan{
		ID:     uuid.New(),
		LoanID: "LOAN-E2E",
		Status: domain.LoanStatusActive,
	}
	startDate := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	schedule := make([]*domain.Installment, 0, len(breakdown))
	for _, period := range breakdown {
		schedule = append(schedule, &domain.Installment{
			ID:         uuid.New(),
			LoanID:     loan.LoanID,
			Sequence:   period.Sequence,
			DueDate:    domain.NextDueDate(terms.Frequency, startDate, period.Sequence),
			Principal:  period.Principal,
			Interest:   period.Interest,
			TotalDue:   period.Total,
			AmountPaid: decimal.Zero,
			Status:     domain.InstallmentStatusPending,
		})
	}

	loanRepo := new(mocks.MockLoanRepository)
	penaltyRepo := new(mocks.MockPenaltyRepository)
	paymentRepo := new(mocks.MockPaymentRepository)
	sink := &mocks.RecordingSink{}
	ledger := NewPaymentLedger(loanRepo, penaltyRepo, paymentRepo, NewLoanLocks(), nil, sink, newTestLogger())

	paymentRepo.On("GetAllocationBySource", mock.Anything, loan.LoanID, mock.Anything).Return(nil, sql.ErrNoRows)
	loanRepo.On("GetByLoanID", mock.Anything, loan.LoanID).Return(loan, nil)
	loanRepo.On("GetScheduleByLoanID", mock.Anything, loan.LoanID).Return(schedule, nil)
	penaltyRepo.On("GetByLoanID", mock.Anything, loan.LoanID).Return(nil, sql.ErrNoRows)
	paymentRepo.On("CommitAllocation", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	// first installment paid in full
	first, err := ledger.Apply(context.Background(), loan.LoanID, breakdown[0].Total, "MPESA-0001")
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusActive, first.ResultingStatus)
	assert.Equal(t, domain.InstallmentStatusPaid, schedule[0].Status)
	assert.Equal(t, domain.InstallmentStatusPending, schedule[1].Status)

	outstanding, err := ledger.Outstanding(context.Background(), loan.LoanID)
	require.NoError(t, err)
	assert.True(t, outstanding.Equal(breakdown[1].Total), "outstanding = %s", outstanding)

	// second installment settles the loan
	second, err := ledger.Apply(context.Background(), loan.LoanID, breakdown[1].Total, "MPESA-0002")
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusCompleted, second.ResultingStatus)
	assert.Equal(t, domain.InstallmentStatusPaid, schedule[1].Status)

	outstanding, err = ledger.Outstanding(context.Background(), loan.LoanID)
	require.NoError(t, err)
	assert.True(t, outstanding.IsZero())

	assert.Len(t, sink.Named("payment.applied"), 2)
	assert.Len(t, sink.Named("loan.completed"), 1)

	// every shilling of principal came back, no more, no less
	principalPaid := decimal.Zero
	for _, installment := range schedule {
		principalPaid = principalPaid.Add(installment.Principal)
		assert.True(t, installment.AmountPaid.Equal(installment.TotalDue))
	}
	assert.True(t, principalPaid.Equal(terms.Principal))
}

// Second installment paid 10 days late: the scan accrues a late fee first,
// then the final payment covers installment plus penalty and completes the
// loan.
func TestLoanLifecycle_LatePaymentAccruesPenalty(t *testing.T) {
	terms := domain.LoanTerms{
		Principal:      decimal.NewFromInt(10000),
		AnnualRate:     decimal.NewFromInt(10),
		TermCount:      2,
		InterestMethod: domain.InterestMethodReducingBalance,
		Frequency:      domain.FrequencyMonthly,
	}
	breakdown, err := ComputeAmortization(terms)
	require.NoError(t, err)

	loan := &domain.Loan{
		ID:          uuid.New(),
		LoanID:      "LOAN-LATE",
		Status:      domain.LoanStatusActive,
		PenaltyMode: domain.PenaltyModeDailyRate,
		PenaltyRate: decimal.NewFromInt(18),
	}
	startDate := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)
	schedule := make([]*domain.Installment, 0, len(breakdown))
	for _, period := range breakdown {
		schedule = append(schedule, &domain.Installment{
			ID:         uuid.New(),
			LoanID:     loan.LoanID,
			Sequence:   period.Sequence,
			DueDate:    domain.NextDueDate(terms.Frequency, startDate, period.Sequence),
			Principal:  period.Principal,
			Interest:   period.Interest,
			TotalDue:   period.Total,
			AmountPaid: decimal.Zero,
			Status:     domain.InstallmentStatusPending,
		})
	}

	loanRepo := new(mocks.MockLoanRepository)
	penaltyRepo := new(mocks.MockPenaltyRepository)
	paymentRepo := new(mocks.MockPaymentRepository)
	sink := &mocks.RecordingSink{}
	locks := NewLoanLocks()
	log := newTestLogger()
	ledger := NewPaymentLedger(loanRepo, penaltyRepo, paymentRepo, locks, nil, sink, log)
	engine := NewPenaltyEngine(loanRepo, penaltyRepo, locks, sink, time.UTC, log)

	paymentRepo.On("GetAllocationBySource", mock.Anything, loan.LoanID, mock.Anything).Return(nil, sql.ErrNoRows)
	loanRepo.On("GetByLoanID", mock.Anything, loan.LoanID).Return(loan, nil)
	loanRepo.On("GetScheduleByLoanID", mock.Anything, loan.LoanID).Return(schedule, nil)
	paymentRepo.On("CommitAllocation", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	penaltyRepo.On("GetByLoanID", mock.Anything, loan.LoanID).Return(nil, sql.ErrNoRows).Twice()

	// installment #1 on time
	first, err := ledger.Apply(context.Background(), loan.LoanID, breakdown[0].Total, "MPESA-1001")
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusActive, first.ResultingStatus)

	// 10 days past the second due date the scan flags and charges it
	var penalty *domain.Penalty
	loanRepo.On("ListOpenLoanIDs", mock.Anything).Return([]string{loan.LoanID}, nil)
	loanRepo.On("UpdateInstallment", mock.Anything, schedule[1]).Return(nil)
	loanRepo.On("UpdateStatus", mock.Anything, loan.LoanID, domain.LoanStatusOverdue).Run(func(mock.Arguments) {
		loan.Status = domain.LoanStatusOverdue
	}).Return(nil)
	penaltyRepo.On("Upsert", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		penalty = args.Get(1).(*domain.Penalty)
	}).Return(nil)

	require.NoError(t, engine.Scan(context.Background(), schedule[1].DueDate.AddDate(0, 0, 10)))

	require.NotNil(t, penalty)
	expectedFee := schedule[1].Outstanding().
		Mul(decimal.NewFromInt(18)).Div(decimal.NewFromInt(100)).Div(decimal.NewFromInt(360)).
		Mul(decimal.NewFromInt(10)).Round(2)
	assert.True(t, penalty.Amount.Equal(expectedFee), "penalty = %s", penalty.Amount)
	assert.Equal(t, domain.InstallmentStatusOverdue, schedule[1].Status)
	assert.Equal(t, domain.LoanStatusOverdue, loan.Status)

	// final payment covers installment #2 plus the late fee
	penaltyRepo.On("GetByLoanID", mock.Anything, loan.LoanID).Return([]*domain.Penalty{penalty}, nil)

	final, err := ledger.Apply(context.Background(), loan.LoanID, breakdown[1].Total.Add(penalty.Amount), "MPESA-1002")
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusCompleted, final.ResultingStatus)
	assert.Equal(t, domain.InstallmentStatusPaid, schedule[1].Status)
	assert.Equal(t, domain.PenaltyStatusPaid, penalty.Status)

	// conservation: everything ledgered equals everything that was ever due
	totalLedgered := breakdown[0].Total.Add(breakdown[1].Total).Add(penalty.Amount)
	totalDue := schedule[0].TotalDue.Add(schedule[1].TotalDue).Add(penalty.Amount)
	assert.True(t, totalLedgered.Equal(totalDue))
}
