package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is a domain event emitted by the engine for external audit and
// notification consumers. Event storage is outside this module.
type Event interface {
	EventName() string
}

// EventSink consumes domain events. Implementations must not block the
// emitting operation on downstream delivery.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

type PaymentApplied struct {
	LoanID          string
	Source          string
	Amount          decimal.Decimal
	ResultingStatus string
}

func (PaymentApplied) EventName() string { return "payment.applied" }

type PenaltyAccrued struct {
	LoanID        string
	InstallmentID uuid.UUID
	Amount        decimal.Decimal
	AccrualDate   time.Time
}

func (PenaltyAccrued) EventName() string { return "penalty.accrued" }

type LoanCompleted struct {
	LoanID      string
	CompletedAt time.Time
}

func (LoanCompleted) EventName() string { return "loan.completed" }

type PaymentIntentFailed struct {
	LoanID       string
	IntentID     uuid.UUID
	ErrorCode    string
	ErrorMessage string
}

func (PaymentIntentFailed) EventName() string { return "payment_intent.failed" }
