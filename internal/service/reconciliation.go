package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/kopesha/loan-engine/internal/config"
	"github.com/kopesha/loan-engine/internal/domain"
	"github.com/kopesha/loan-engine/internal/mpesa"
	"github.com/kopesha/loan-engine/internal/repository"
	customError "github.com/kopesha/loan-engine/pkg/errors"
	"github.com/kopesha/loan-engine/pkg/phone"
)

// ProviderClient is the outbound surface of the mobile-money provider.
type ProviderClient interface {
	STKPush(ctx context.Context, push mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
}

// ReconciliationGateway correlates asynchronous provider events with payment
// intents and hands confirmed money to the payment ledger exactly once.
type ReconciliationGateway struct {
	provider    ProviderClient
	loanRepo    repository.LoanRepository
	paymentRepo repository.PaymentRepository
	ledger      *PaymentLedger
	locks       *LoanLocks
	config      *config.Config
	events      domain.EventSink
	log         *logrus.Logger
}

func NewReconciliationGateway(
	provider ProviderClient,
	loanRepo repository.LoanRepository,
	paymentRepo repository.PaymentRepository,
	ledger *PaymentLedger,
	locks *LoanLocks,
	cfg *config.Config,
	events domain.EventSink,
	log *logrus.Logger,
) *ReconciliationGateway {
	return &ReconciliationGateway{
		provider:    provider,
		loanRepo:    loanRepo,
		paymentRepo: paymentRepo,
		ledger:      ledger,
		locks:       locks,
		config:      cfg,
		events:      events,
		log:         log,
	}
}

// Initiate creates a payment intent and asks the provider to push a payment
// prompt to the borrower's phone. Transport failures are retried up to the
// configured attempt cap; auth failures are not retried. On any terminal
// failure the intent is marked failed with the provider payload retained.
func (g *ReconciliationGateway) Initiate(ctx context.Context, loanID string, amount decimal.Decimal, phoneNumber string) (*domain.PaymentIntent, error) {
	if !amount.IsPositive() {
		return nil, customError.WrapInvalidPayment("payment amount must be greater than zero")
	}

	loan, err := g.loanRepo.GetByLoanID(ctx, loanID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, customError.WrapLoanNotFound(loanID)
		}
		return nil, customError.WrapDatabaseError(err)
	}
	if !loan.AcceptsPayments() {
		return nil, customError.WrapLoanNotActive(loanID, loan.Status)
	}

	if phoneNumber == "" {
		phoneNumber = loan.BorrowerPhone
	}
	msisdn, err := phone.Normalize(phoneNumber)
	if err != nil {
		return nil, customError.WrapInvalidPayment(err.Error())
	}

	now := time.Now()
	intent := &domain.PaymentIntent{
		ID:        uuid.New(),
		LoanID:    loanID,
		Amount:    amount,
		Phone:     msisdn,
		Channel:   domain.ChannelSTKPush,
		Status:    domain.IntentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err = g.paymentRepo.CreateIntent(ctx, intent); err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	push := mpesa.STKPushRequest{
		Amount:           amount,
		Phone:            msisdn,
		AccountReference: loanID,
		Description:      "Loan repayment " + loanID,
	}

	var resp *mpesa.STKPushResponse
	var pushErr error
	for intent.Attempts < g.config.Mpesa.MaxAttempts {
		intent.Attempts++
		resp, pushErr = g.provider.STKPush(ctx, push)
		if pushErr == nil || !retryable(pushErr) {
			break
		}
		g.log.WithError(pushErr).WithFields(logrus.Fields{
			"loan_id": loanID,
			"attempt": intent.Attempts,
		}).Warn("stk push attempt failed")
	}

	if resp != nil {
		intent.RawPayload = resp.Raw
	}

	if pushErr != nil {
		intent.Status = domain.IntentStatusFailed
		intent.ErrorCode = intentErrorCode(pushErr)
		intent.ErrorMessage = pushErr.Error()
		if err = g.paymentRepo.UpdateIntent(ctx, intent); err != nil {
			return nil, customError.WrapDatabaseError(err)
		}
		g.events.Publish(ctx, domain.PaymentIntentFailed{
			LoanID:       loanID,
			IntentID:     intent.ID,
			ErrorCode:    intent.ErrorCode,
			ErrorMessage: intent.ErrorMessage,
		})
		return intent, pushErr
	}

	intent.Status = domain.IntentStatusProcessing
	intent.CorrelationID = resp.CheckoutRequestID
	if err = g.paymentRepo.UpdateIntent(ctx, intent); err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	g.log.WithFields(logrus.Fields{
		"loan_id":        loanID,
		"intent_id":      intent.ID,
		"correlation_id": intent.CorrelationID,
	}).Info("payment intent processing")

	return intent, nil
}

// HandleCallback processes the provider's asynchronous push result. Duplicate
// deliveries are absorbed: once an intent is terminal the stored outcome is
// returned without touching the ledger again.
func (g *ReconciliationGateway) HandleCallback(ctx context.Context, callback mpesa.STKCallback) (*domain.ReconciliationResult, error) {
	intent, err := g.paymentRepo.GetIntentByCorrelationID(ctx, callback.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, customError.WrapIntentNotFound(callback.CheckoutRequestID)
		}
		return nil, customError.WrapDatabaseError(err)
	}

	unlock := g.locks.Lock(intent.LoanID)
	defer unlock()

	// Re-read inside the lock: a concurrent delivery may have won the race.
	intent, err = g.paymentRepo.GetIntentByID(ctx, intent.ID)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	if intent.Terminal() {
		return resultFromIntent(intent, true), nil
	}

	raw, _ := json.Marshal(callback)
	intent.RawPayload = raw

	if !callback.Succeeded() {
		return g.failIntent(ctx, intent, domain.IntentErrorProvider, callback.ResultDesc)
	}

	amount := intent.Amount
	if confirmed, ok := callback.Amount(); ok {
		amount = confirmed
	}
	intent.Receipt = callback.Receipt()

	return g.settle(ctx, intent, amount)
}

// ValidateUnsolicited answers the provider's validation request for a paybill
// payment with no prior intent. Rejections leave no ledger-visible state.
func (g *ReconciliationGateway) ValidateUnsolicited(ctx context.Context, notification mpesa.C2BNotification) error {
	amount, err := notification.Amount()
	if err != nil {
		return customError.WrapInvalidPayment(err.Error())
	}

	if amount.LessThan(g.config.GetMinUnsolicitedAmount()) || amount.GreaterThan(g.config.GetMaxUnsolicitedAmount()) {
		return customError.WrapInvalidPayment("amount outside accepted paybill range")
	}

	loan, err := g.loanRepo.GetByLoanID(ctx, notification.BillRefNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return customError.WrapLoanNotFound(notification.BillRefNumber)
		}
		return customError.WrapDatabaseError(err)
	}
	if !loan.AcceptsPayments() {
		return customError.WrapLoanNotActive(loan.LoanID, loan.Status)
	}
	if loan.Blacklisted {
		return customError.WrapInvalidPayment("customer is blacklisted")
	}

	return nil
}

// ConfirmUnsolicited applies a confirmed paybill payment. The provider
// transaction ID deduplicates redelivered confirmations: the receipt check
// and intent creation both happen under the loan lock, so two overlapping
// deliveries of the same confirmation serialize and the loser sees the
// winner's stored intent.
func (g *ReconciliationGateway) ConfirmUnsolicited(ctx context.Context, notification mpesa.C2BNotification) (*domain.ReconciliationResult, error) {
	unlock := g.locks.Lock(notification.BillRefNumber)
	defer unlock()

	if existing, err := g.paymentRepo.GetIntentByReceipt(ctx, notification.TransID); err == nil {
		return resultFromIntent(existing, true), nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, customError.WrapDatabaseError(err)
	}

	if err := g.ValidateUnsolicited(ctx, notification); err != nil {
		return nil, err
	}
	amount, err := notification.Amount()
	if err != nil {
		return nil, customError.WrapInvalidPayment(err.Error())
	}

	msisdn, err := phone.Normalize(notification.MSISDN)
	if err != nil {
		msisdn = notification.MSISDN
	}

	now := time.Now()
	raw, _ := json.Marshal(notification)
	intent := &domain.PaymentIntent{
		ID:            uuid.New(),
		LoanID:        notification.BillRefNumber,
		Amount:        amount,
		Phone:         msisdn,
		Channel:       domain.ChannelPaybill,
		CorrelationID: notification.TransID,
		Receipt:       notification.TransID,
		Status:        domain.IntentStatusProcessing,
		RawPayload:    raw,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err = g.paymentRepo.CreateIntent(ctx, intent); err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	return g.settle(ctx, intent, amount)
}

// settle marks the intent succeeded and ledgers the money, or records the
// ledger rejection on the intent. The caller holds the loan lock. The ledger
// source is the provider receipt when one exists, so the allocation table
// itself rejects a second application of the same transaction.
func (g *ReconciliationGateway) settle(ctx context.Context, intent *domain.PaymentIntent, amount decimal.Decimal) (*domain.ReconciliationResult, error) {
	source := intent.Receipt
	if source == "" {
		source = intent.ID.String()
	}

	_, err := g.ledger.applyLocked(ctx, intent.LoanID, amount, source)
	if err != nil {
		// Money confirmed by the provider but rejected by the ledger (for
		// example an overpayment) is surfaced for manual resolution, not
		// thrown back across the async boundary.
		return g.failIntent(ctx, intent, ledgerErrorCode(err), err.Error())
	}

	intent.Status = domain.IntentStatusSucceeded
	intent.Amount = amount
	if err = g.paymentRepo.UpdateIntent(ctx, intent); err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	g.log.WithFields(logrus.Fields{
		"loan_id":   intent.LoanID,
		"intent_id": intent.ID,
		"receipt":   intent.Receipt,
		"amount":    amount.StringFixed(2),
	}).Info("payment reconciled")

	return resultFromIntent(intent, false), nil
}

func (g *ReconciliationGateway) failIntent(ctx context.Context, intent *domain.PaymentIntent, code, message string) (*domain.ReconciliationResult, error) {
	intent.Status = domain.IntentStatusFailed
	intent.ErrorCode = code
	intent.ErrorMessage = message
	if err := g.paymentRepo.UpdateIntent(ctx, intent); err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	g.events.Publish(ctx, domain.PaymentIntentFailed{
		LoanID:       intent.LoanID,
		IntentID:     intent.ID,
		ErrorCode:    code,
		ErrorMessage: message,
	})

	return resultFromIntent(intent, false), nil
}

func resultFromIntent(intent *domain.PaymentIntent, duplicate bool) *domain.ReconciliationResult {
	return &domain.ReconciliationResult{
		IntentID:  intent.ID,
		LoanID:    intent.LoanID,
		Status:    intent.Status,
		Amount:    intent.Amount,
		Receipt:   intent.Receipt,
		Duplicate: duplicate,
	}
}

func retryable(err error) bool {
	var businessErr *customError.BusinessError
	if errors.As(err, &businessErr) {
		return businessErr.Code == customError.ErrCodeProviderTransport ||
			businessErr.Code == customError.ErrCodeProviderTimeout
	}
	return false
}

func intentErrorCode(err error) string {
	var businessErr *customError.BusinessError
	if errors.As(err, &businessErr) {
		switch businessErr.Code {
		case customError.ErrCodeAuthError:
			return domain.IntentErrorAuth
		case customError.ErrCodeProviderTimeout:
			return domain.IntentErrorTimeout
		case customError.ErrCodeProviderTransport:
			return domain.IntentErrorTransport
		}
	}
	return domain.IntentErrorProvider
}

func ledgerErrorCode(err error) string {
	var businessErr *customError.BusinessError
	if errors.As(err, &businessErr) {
		return businessErr.Code
	}
	return customError.ErrCodeDatabaseError
}
