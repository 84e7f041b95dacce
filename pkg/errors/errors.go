package errors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Domain errors
var (
	ErrInvalidTerms      = errors.New("invalid loan terms")
	ErrScheduleConflict  = errors.New("loan schedule already has payment activity")
	ErrOverpayment       = errors.New("payment exceeds outstanding balance")
	ErrLoanNotFound      = errors.New("loan not found")
	ErrLoanNotActive     = errors.New("loan is not active")
	ErrLoanAlreadyExists = errors.New("loan already exists")
	ErrIntentNotFound    = errors.New("payment intent not found")
	ErrAuth              = errors.New("provider authentication failed")
	ErrProviderTransport = errors.New("provider request failed")
	ErrInvalidPayment    = errors.New("invalid payment amount")
)

// BusinessError represents a business logic error
type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

// NewBusinessError creates a new business error
func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Error codes
const (
	ErrCodeInvalidTerms      = "INVALID_TERMS"
	ErrCodeScheduleConflict  = "SCHEDULE_CONFLICT"
	ErrCodeOverpayment       = "OVERPAYMENT"
	ErrCodeLoanNotFound      = "LOAN_NOT_FOUND"
	ErrCodeLoanNotActive     = "LOAN_NOT_ACTIVE"
	ErrCodeLoanAlreadyExists = "LOAN_ALREADY_EXISTS"
	ErrCodeIntentNotFound    = "INTENT_NOT_FOUND"
	ErrCodeAuthError         = "AUTH_ERROR"
	ErrCodeProviderTransport = "PROVIDER_TRANSPORT"
	ErrCodeProviderTimeout   = "PROVIDER_TIMEOUT"
	ErrCodeInvalidPayment    = "INVALID_PAYMENT"
	ErrCodeDatabaseError     = "DATABASE_ERROR"
	ErrCodeCacheError        = "CACHE_ERROR"
)

// Wrap common errors with business context
func WrapInvalidTerms(reason string) *BusinessError {
	return NewBusinessError(
		ErrCodeInvalidTerms,
		reason,
		ErrInvalidTerms,
	)
}

func WrapScheduleConflict(loanID string) *BusinessError {
	return NewBusinessError(
		ErrCodeScheduleConflict,
		fmt.Sprintf("Loan %s already has non-pending installments, schedule cannot be rebuilt", loanID),
		ErrScheduleConflict,
	)
}

// WrapOverpayment carries the exact outstanding balance so the caller can
// retry with a corrected amount.
func WrapOverpayment(loanID string, amount, outstanding decimal.Decimal) *BusinessError {
	return NewBusinessError(
		ErrCodeOverpayment,
		fmt.Sprintf("Payment of %s exceeds outstanding balance %s for loan %s",
			amount.StringFixed(2), outstanding.StringFixed(2), loanID),
		ErrOverpayment,
	)
}

func WrapLoanNotFound(loanID string) *BusinessError {
	return NewBusinessError(
		ErrCodeLoanNotFound,
		fmt.Sprintf("Loan with ID %s not found", loanID),
		ErrLoanNotFound,
	)
}

func WrapLoanNotActive(loanID, status string) *BusinessError {
	return NewBusinessError(
		ErrCodeLoanNotActive,
		fmt.Sprintf("Loan %s is %s, payments are not accepted", loanID, status),
		ErrLoanNotActive,
	)
}

func WrapLoanAlreadyExists(loanID string) *BusinessError {
	return NewBusinessError(
		ErrCodeLoanAlreadyExists,
		fmt.Sprintf("Loan with ID %s already exists", loanID),
		ErrLoanAlreadyExists,
	)
}

func WrapIntentNotFound(correlationID string) *BusinessError {
	return NewBusinessError(
		ErrCodeIntentNotFound,
		fmt.Sprintf("No payment intent matches correlation ID %s", correlationID),
		ErrIntentNotFound,
	)
}

func WrapAuthError(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeAuthError,
		"failed to obtain provider access token",
		errors.Join(ErrAuth, err),
	)
}

func WrapProviderTransport(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeProviderTransport,
		"provider request failed",
		errors.Join(ErrProviderTransport, err),
	)
}

// WrapProviderTimeout keeps a distinct code so timeouts can be retried by policy.
func WrapProviderTimeout(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeProviderTimeout,
		"provider request timed out",
		errors.Join(ErrProviderTransport, err),
	)
}

func WrapInvalidPayment(reason string) *BusinessError {
	return NewBusinessError(
		ErrCodeInvalidPayment,
		reason,
		ErrInvalidPayment,
	)
}

func WrapDatabaseError(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeDatabaseError,
		"database operation failed",
		err,
	)
}

func WrapCacheError(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeCacheError,
		"Cache operation failed",
		err,
	)
}
