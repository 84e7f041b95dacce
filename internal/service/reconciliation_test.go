package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kopesha/loan-engine/internal/config"
	"github.com/kopesha/loan-engine/internal/domain"
	"github.com/kopesha/loan-engine/internal/mpesa"
	customError "github.com/kopesha/loan-engine/pkg/errors"
	"github.com/kopesha/loan-engine/tests/mocks"
)

type gatewayFixture struct {
	provider    *mocks.MockProviderClient
	loanRepo    *mocks.MockLoanRepository
	penaltyRepo *mocks.MockPenaltyRepository
	paymentRepo *mocks.MockPaymentRepository
	sink        *mocks.RecordingSink
	gateway     *ReconciliationGateway
}

func newGatewayFixture() *gatewayFixture {
	f := &gatewayFixture{
		provider:    new(mocks.MockProviderClient),
		loanRepo:    new(mocks.MockLoanRepository),
		penaltyRepo: new(mocks.MockPenaltyRepository),
		paymentRepo: new(mocks.MockPaymentRepository),
		sink:        &mocks.RecordingSink{},
	}
	cfg := &config.Config{
		Business: config.BusinessConfig{
			MinUnsolicitedAmount: "10",
			MaxUnsolicitedAmount: "300000",
			Timezone:             "UTC",
		},
		Mpesa: config.MpesaConfig{MaxAttempts: 3},
	}
	locks := NewLoanLocks()
	log := newTestLogger()
	ledger := NewPaymentLedger(f.loanRepo, f.penaltyRepo, f.paymentRepo, locks, nil, f.sink, log)
	f.gateway = NewReconciliationGateway(f.provider, f.loanRepo, f.paymentRepo, ledger, locks, cfg, f.sink, log)
	return f
}

func activeLoan(loanID string) *domain.Loan {
	return &domain.Loan{
		ID:            uuid.New(),
		LoanID:        loanID,
		BorrowerPhone: "254712345678",
		Status:        domain.LoanStatusActive,
	}
}

// expectLedgerState wires the mocks the ledger reads when a settlement lands.
func (f *gatewayFixture) expectLedgerState(loan *domain.Loan, schedule []*domain.Installment) {
	f.paymentRepo.On("GetAllocationBySource", mock.Anything, loan.LoanID, mock.Anything).Return(nil, sql.ErrNoRows)
	f.loanRepo.On("GetByLoanID", mock.Anything, loan.LoanID).Return(loan, nil)
	f.loanRepo.On("GetScheduleByLoanID", mock.Anything, loan.LoanID).Return(schedule, nil)
	f.penaltyRepo.On("GetByLoanID", mock.Anything, loan.LoanID).Return(nil, sql.ErrNoRows)
	f.paymentRepo.On("CommitAllocation", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

func singleInstallment(loanID string, totalDue int64) *domain.Installment {
	return &domain.Installment{
		ID:         uuid.New(),
		LoanID:     loanID,
		Sequence:   1,
		DueDate:    time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC),
		Principal:  decimal.NewFromInt(totalDue - totalDue/10),
		Interest:   decimal.NewFromInt(totalDue / 10),
		TotalDue:   decimal.NewFromInt(totalDue),
		AmountPaid: decimal.Zero,
		Status:     domain.InstallmentStatusPending,
	}
}

func pushAccepted(checkoutRequestID string) *mpesa.STKPushResponse {
	return &mpesa.STKPushResponse{
		MerchantRequestID: "mr-1",
		CheckoutRequestID: checkoutRequestID,
		ResponseCode:      "0",
		Raw:               []byte(`{"ResponseCode":"0"}`),
	}
}

func TestReconciliationGateway_Initiate(t *testing.T) {
	t.Run("push accepted moves intent to processing", func(t *testing.T) {
		f := newGatewayFixture()
		f.loanRepo.On("GetByLoanID", mock.Anything, "LOAN-R1").Return(activeLoan("LOAN-R1"), nil)
		f.paymentRepo.On("CreateIntent", mock.Anything, mock.Anything).Return(nil)
		f.provider.On("STKPush", mock.Anything, mock.MatchedBy(func(push mpesa.STKPushRequest) bool {
			return push.Phone == "254722000111" && push.AccountReference == "LOAN-R1"
		})).Return(pushAccepted("ws_CO_1"), nil)
		f.paymentRepo.On("UpdateIntent", mock.Anything, mock.Anything).Return(nil)

		intent, err := f.gateway.Initiate(context.Background(), "LOAN-R1", decimal.NewFromInt(1000), "0722000111")
		require.NoError(t, err)

		assert.Equal(t, domain.IntentStatusProcessing, intent.Status)
		assert.Equal(t, "ws_CO_1", intent.CorrelationID)
		assert.Equal(t, 1, intent.Attempts)
		assert.Equal(t, domain.ChannelSTKPush, intent.Channel)
	})

	t.Run("transport failure is retried", func(t *testing.T) {
		f := newGatewayFixture()
		f.loanRepo.On("GetByLoanID", mock.Anything, "LOAN-R2").Return(activeLoan("LOAN-R2"), nil)
		f.paymentRepo.On("CreateIntent", mock.Anything, mock.Anything).Return(nil)
		f.provider.On("STKPush", mock.Anything, mock.Anything).
			Return(nil, customError.WrapProviderTransport(errors.New("connection reset"))).Once()
		f.provider.On("STKPush", mock.Anything, mock.Anything).
			Return(pushAccepted("ws_CO_2"), nil).Once()
		f.paymentRepo.On("UpdateIntent", mock.Anything, mock.Anything).Return(nil)

		intent, err := f.gateway.Initiate(context.Background(), "LOAN-R2", decimal.NewFromInt(500), "")
		require.NoError(t, err)

		assert.Equal(t, domain.IntentStatusProcessing, intent.Status)
		assert.Equal(t, 2, intent.Attempts)
		// falls back to the borrower's phone when none is given
		assert.Equal(t, "254712345678", intent.Phone)
		f.provider.AssertExpectations(t)
	})

	t.Run("attempt cap marks the intent failed", func(t *testing.T) {
		f := newGatewayFixture()
		f.loanRepo.On("GetByLoanID", mock.Anything, "LOAN-R3").Return(activeLoan("LOAN-R3"), nil)
		f.paymentRepo.On("CreateIntent", mock.Anything, mock.Anything).Return(nil)
		f.provider.On("STKPush", mock.Anything, mock.Anything).
			Return(nil, customError.WrapProviderTimeout(errors.New("deadline exceeded")))
		f.paymentRepo.On("UpdateIntent", mock.Anything, mock.Anything).Return(nil)

		intent, err := f.gateway.Initiate(context.Background(), "LOAN-R3", decimal.NewFromInt(500), "")
		require.Error(t, err)

		assert.Equal(t, domain.IntentStatusFailed, intent.Status)
		assert.Equal(t, domain.IntentErrorTimeout, intent.ErrorCode)
		assert.Equal(t, 3, intent.Attempts)
		require.Len(t, f.sink.Named("payment_intent.failed"), 1)
	})

	t.Run("auth failure is not retried", func(t *testing.T) {
		f := newGatewayFixture()
		f.loanRepo.On("GetByLoanID", mock.Anything, "LOAN-R4").Return(activeLoan("LOAN-R4"), nil)
		f.paymentRepo.On("CreateIntent", mock.Anything, mock.Anything).Return(nil)
		f.provider.On("STKPush", mock.Anything, mock.Anything).
			Return(nil, customError.WrapAuthError(errors.New("401 unauthorized")))
		f.paymentRepo.On("UpdateIntent", mock.Anything, mock.Anything).Return(nil)

		intent, err := f.gateway.Initiate(context.Background(), "LOAN-R4", decimal.NewFromInt(500), "")
		require.Error(t, err)

		assert.Equal(t, domain.IntentStatusFailed, intent.Status)
		assert.Equal(t, domain.IntentErrorAuth, intent.ErrorCode)
		assert.Equal(t, 1, intent.Attempts)
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		f := newGatewayFixture()
		_, err := f.gateway.Initiate(context.Background(), "LOAN-R5", decimal.Zero, "")
		assert.ErrorIs(t, err, customError.ErrInvalidPayment)
	})
}

func stkCallback(checkoutRequestID string, resultCode int, amount, receipt string) mpesa.STKCallback {
	callback := mpesa.STKCallback{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        "The service request is processed successfully.",
	}
	if resultCode == 0 {
		callback.CallbackMetadata = mpesa.CallbackMetadata{Item: []mpesa.MetadataItem{
			{Name: "Amount", Value: json.RawMessage(amount)},
			{Name: "MpesaReceiptNumber", Value: json.RawMessage(`"` + receipt + `"`)},
		}}
	}
	return callback
}

func processingIntent(loanID, correlationID string, amount int64) *domain.PaymentIntent {
	return &domain.PaymentIntent{
		ID:            uuid.New(),
		LoanID:        loanID,
		Amount:        decimal.NewFromInt(amount),
		Phone:         "254712345678",
		Channel:       domain.ChannelSTKPush,
		CorrelationID: correlationID,
		Status:        domain.IntentStatusProcessing,
	}
}

func TestReconciliationGateway_HandleCallback(t *testing.T) {
	t.Run("successful callback settles the payment", func(t *testing.T) {
		f := newGatewayFixture()
		loan := activeLoan("LOAN-C1")
		intent := processingIntent("LOAN-C1", "ws_CO_10", 1000)

		f.paymentRepo.On("GetIntentByCorrelationID", mock.Anything, "ws_CO_10").Return(intent, nil)
		f.paymentRepo.On("GetIntentByID", mock.Anything, intent.ID).Return(intent, nil)
		f.expectLedgerState(loan, []*domain.Installment{singleInstallment("LOAN-C1", 1000)})
		f.paymentRepo.On("UpdateIntent", mock.Anything, intent).Return(nil)

		result, err := f.gateway.HandleCallback(context.Background(),
			stkCallback("ws_CO_10", 0, "1000", "TJR12345AB"))
		require.NoError(t, err)

		assert.Equal(t, domain.IntentStatusSucceeded, result.Status)
		assert.Equal(t, "TJR12345AB", result.Receipt)
		assert.False(t, result.Duplicate)
		require.Len(t, f.sink.Named("payment.applied"), 1)
		require.Len(t, f.sink.Named("loan.completed"), 1)
	})

	t.Run("duplicate delivery returns the stored outcome", func(t *testing.T) {
		f := newGatewayFixture()
		intent := processingIntent("LOAN-C2", "ws_CO_11", 1000)
		intent.Status = domain.IntentStatusSucceeded
		intent.Receipt = "TJR99999ZZ"

		f.paymentRepo.On("GetIntentByCorrelationID", mock.Anything, "ws_CO_11").Return(intent, nil)
		f.paymentRepo.On("GetIntentByID", mock.Anything, intent.ID).Return(intent, nil)

		result, err := f.gateway.HandleCallback(context.Background(),
			stkCallback("ws_CO_11", 0, "1000", "TJR99999ZZ"))
		require.NoError(t, err)

		assert.True(t, result.Duplicate)
		assert.Equal(t, "TJR99999ZZ", result.Receipt)
		f.paymentRepo.AssertNotCalled(t, "CommitAllocation",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		f.paymentRepo.AssertNotCalled(t, "UpdateIntent", mock.Anything, mock.Anything)
		assert.Empty(t, f.sink.Named("payment.applied"))
	})

	t.Run("cancelled prompt fails the intent", func(t *testing.T) {
		f := newGatewayFixture()
		intent := processingIntent("LOAN-C3", "ws_CO_12", 1000)

		f.paymentRepo.On("GetIntentByCorrelationID", mock.Anything, "ws_CO_12").Return(intent, nil)
		f.paymentRepo.On("GetIntentByID", mock.Anything, intent.ID).Return(intent, nil)
		f.paymentRepo.On("UpdateIntent", mock.Anything, intent).Return(nil)

		callback := stkCallback("ws_CO_12", 1032, "", "")
		callback.ResultDesc = "Request cancelled by user"

		result, err := f.gateway.HandleCallback(context.Background(), callback)
		require.NoError(t, err)

		assert.Equal(t, domain.IntentStatusFailed, result.Status)
		assert.Equal(t, domain.IntentErrorProvider, intent.ErrorCode)
		require.Len(t, f.sink.Named("payment_intent.failed"), 1)
	})

	t.Run("confirmed money rejected by the ledger fails the intent", func(t *testing.T) {
		f := newGatewayFixture()
		loan := activeLoan("LOAN-C4")
		intent := processingIntent("LOAN-C4", "ws_CO_13", 1000)

		f.paymentRepo.On("GetIntentByCorrelationID", mock.Anything, "ws_CO_13").Return(intent, nil)
		f.paymentRepo.On("GetIntentByID", mock.Anything, intent.ID).Return(intent, nil)
		// outstanding is only 500, so the confirmed 1000 is an overpayment
		f.paymentRepo.On("GetAllocationBySource", mock.Anything, "LOAN-C4", mock.Anything).Return(nil, sql.ErrNoRows)
		f.loanRepo.On("GetByLoanID", mock.Anything, "LOAN-C4").Return(loan, nil)
		f.loanRepo.On("GetScheduleByLoanID", mock.Anything, "LOAN-C4").
			Return([]*domain.Installment{singleInstallment("LOAN-C4", 500)}, nil)
		f.penaltyRepo.On("GetByLoanID", mock.Anything, "LOAN-C4").Return(nil, sql.ErrNoRows)
		f.paymentRepo.On("UpdateIntent", mock.Anything, intent).Return(nil)

		result, err := f.gateway.HandleCallback(context.Background(),
			stkCallback("ws_CO_13", 0, "1000", "TJR55555CD"))
		require.NoError(t, err)

		assert.Equal(t, domain.IntentStatusFailed, result.Status)
		assert.Equal(t, customError.ErrCodeOverpayment, intent.ErrorCode)
		f.paymentRepo.AssertNotCalled(t, "CommitAllocation",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown correlation ID", func(t *testing.T) {
		f := newGatewayFixture()
		f.paymentRepo.On("GetIntentByCorrelationID", mock.Anything, "ws_CO_404").Return(nil, sql.ErrNoRows)

		_, err := f.gateway.HandleCallback(context.Background(), stkCallback("ws_CO_404", 0, "100", "X"))
		assert.ErrorIs(t, err, customError.ErrIntentNotFound)
	})
}

func c2bNotification(loanID, transID, amount string) mpesa.C2BNotification {
	return mpesa.C2BNotification{
		TransactionType:   "Pay Bill",
		TransID:           transID,
		TransTime:         "20260829104530",
		TransAmount:       amount,
		BusinessShortCode: "600987",
		BillRefNumber:     loanID,
		MSISDN:            "254712345678",
	}
}

func TestReconciliationGateway_Unsolicited(t *testing.T) {
	t.Run("validation accepts an in-range payment to an open loan", func(t *testing.T) {
		f := newGatewayFixture()
		f.loanRepo.On("GetByLoanID", mock.Anything, "LOAN-U1").Return(activeLoan("LOAN-U1"), nil)

		err := f.gateway.ValidateUnsolicited(context.Background(), c2bNotification("LOAN-U1", "TX1", "500"))
		assert.NoError(t, err)
	})

	t.Run("validation rejects out-of-range amounts", func(t *testing.T) {
		f := newGatewayFixture()

		err := f.gateway.ValidateUnsolicited(context.Background(), c2bNotification("LOAN-U2", "TX2", "5"))
		assert.ErrorIs(t, err, customError.ErrInvalidPayment)

		err = f.gateway.ValidateUnsolicited(context.Background(), c2bNotification("LOAN-U2", "TX3", "500000"))
		assert.ErrorIs(t, err, customError.ErrInvalidPayment)
	})

	t.Run("validation rejects blacklisted borrowers", func(t *testing.T) {
		f := newGatewayFixture()
		loan := activeLoan("LOAN-U3")
		loan.Blacklisted = true
		f.loanRepo.On("GetByLoanID", mock.Anything, "LOAN-U3").Return(loan, nil)

		err := f.gateway.ValidateUnsolicited(context.Background(), c2bNotification("LOAN-U3", "TX4", "500"))
		assert.ErrorIs(t, err, customError.ErrInvalidPayment)
	})

	t.Run("validation rejects unknown account references", func(t *testing.T) {
		f := newGatewayFixture()
		f.loanRepo.On("GetByLoanID", mock.Anything, "NOPE").Return(nil, sql.ErrNoRows)

		err := f.gateway.ValidateUnsolicited(context.Background(), c2bNotification("NOPE", "TX5", "500"))
		assert.ErrorIs(t, err, customError.ErrLoanNotFound)
	})

	t.Run("confirmation settles and records the receipt", func(t *testing.T) {
		f := newGatewayFixture()
		loan := activeLoan("LOAN-U4")

		f.paymentRepo.On("GetIntentByReceipt", mock.Anything, "TX6").Return(nil, sql.ErrNoRows)
		f.paymentRepo.On("CreateIntent", mock.Anything, mock.Anything).Return(nil)
		f.expectLedgerState(loan, []*domain.Installment{singleInstallment("LOAN-U4", 1000)})
		f.paymentRepo.On("UpdateIntent", mock.Anything, mock.Anything).Return(nil)

		result, err := f.gateway.ConfirmUnsolicited(context.Background(), c2bNotification("LOAN-U4", "TX6", "500"))
		require.NoError(t, err)

		assert.Equal(t, domain.IntentStatusSucceeded, result.Status)
		assert.Equal(t, "TX6", result.Receipt)
		assert.False(t, result.Duplicate)
		require.Len(t, f.sink.Named("payment.applied"), 1)
	})

	t.Run("redelivered confirmation is absorbed by receipt", func(t *testing.T) {
		f := newGatewayFixture()
		existing := processingIntent("LOAN-U5", "TX7", 500)
		existing.Status = domain.IntentStatusSucceeded
		existing.Receipt = "TX7"
		existing.Channel = domain.ChannelPaybill

		f.paymentRepo.On("GetIntentByReceipt", mock.Anything, "TX7").Return(existing, nil)

		result, err := f.gateway.ConfirmUnsolicited(context.Background(), c2bNotification("LOAN-U5", "TX7", "500"))
		require.NoError(t, err)

		assert.True(t, result.Duplicate)
		f.paymentRepo.AssertNotCalled(t, "CreateIntent", mock.Anything, mock.Anything)
		f.paymentRepo.AssertNotCalled(t, "CommitAllocation",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("concurrent redelivery of one confirmation ledgers once", func(t *testing.T) {
		f := newGatewayFixture()
		loan := activeLoan("LOAN-U6")
		stored := &domain.PaymentIntent{
			ID:      uuid.New(),
			LoanID:  "LOAN-U6",
			Amount:  decimal.NewFromInt(600),
			Channel: domain.ChannelPaybill,
			Receipt: "TX-DUP",
			Status:  domain.IntentStatusSucceeded,
		}

		// the lock serializes the deliveries: the winner finds no intent and
		// settles, the loser finds the stored row
		f.paymentRepo.On("GetIntentByReceipt", mock.Anything, "TX-DUP").Return(nil, sql.ErrNoRows).Once()
		f.paymentRepo.On("GetIntentByReceipt", mock.Anything, "TX-DUP").Return(stored, nil)
		f.paymentRepo.On("CreateIntent", mock.Anything, mock.Anything).Return(nil)
		f.expectLedgerState(loan, []*domain.Installment{singleInstallment("LOAN-U6", 1000)})
		f.paymentRepo.On("UpdateIntent", mock.Anything, mock.Anything).Return(nil)

		var wg sync.WaitGroup
		results := make([]*domain.ReconciliationResult, 2)
		errs := make([]error, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = f.gateway.ConfirmUnsolicited(context.Background(),
					c2bNotification("LOAN-U6", "TX-DUP", "600"))
			}(i)
		}
		wg.Wait()

		duplicates := 0
		for i := range results {
			require.NoError(t, errs[i])
			require.NotNil(t, results[i])
			if results[i].Duplicate {
				duplicates++
			}
		}
		assert.Equal(t, 1, duplicates)

		// the money moved exactly once
		f.paymentRepo.AssertNumberOfCalls(t, "CreateIntent", 1)
		f.paymentRepo.AssertNumberOfCalls(t, "CommitAllocation", 1)
		require.Len(t, f.sink.Named("payment.applied"), 1)
	})
}
