package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/kopesha/loan-engine/internal/domain"
	"github.com/kopesha/loan-engine/internal/service"
	"github.com/kopesha/loan-engine/pkg/response"
)

type BillingHandler struct {
	billing   *service.BillingService
	ledger    *service.PaymentLedger
	validator *validator.Validate
}

func NewBillingHandler(billing *service.BillingService, ledger *service.PaymentLedger) *BillingHandler {
	return &BillingHandler{
		billing:   billing,
		ledger:    ledger,
		validator: validator.New(),
	}
}

// CreateLoan handles POST /api/v1/loans
func (h *BillingHandler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var request domain.CreateLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		response.BadRequest(w, "invalid request body", err)
		return
	}
	if err := h.validator.Struct(&request); err != nil {
		response.BadRequest(w, "invalid request", err)
		return
	}

	loan, schedule, err := h.billing.CreateLoan(r.Context(), &request)
	if err != nil {
		response.BusinessError(w, err)
		return
	}

	response.Created(w, domain.CreateLoanResponse{Loan: loan, Schedule: schedule})
}

// GetSchedule handles GET /api/v1/loans/{loanId}/schedule
func (h *BillingHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	loanID := mux.Vars(r)["loanId"]

	schedule, err := h.billing.GetSchedule(r.Context(), loanID)
	if err != nil {
		response.BusinessError(w, err)
		return
	}

	response.Success(w, domain.ScheduleResponse{LoanID: loanID, Schedule: schedule})
}

// GetOutstanding handles GET /api/v1/loans/{loanId}/outstanding
func (h *BillingHandler) GetOutstanding(w http.ResponseWriter, r *http.Request) {
	loanID := mux.Vars(r)["loanId"]

	outstanding, err := h.billing.GetOutstanding(r.Context(), loanID)
	if err != nil {
		response.BusinessError(w, err)
		return
	}

	response.Success(w, outstanding)
}

// MakePayment handles POST /api/v1/loans/{loanId}/payments — manual cashier
// payments carrying their own idempotency source.
func (h *BillingHandler) MakePayment(w http.ResponseWriter, r *http.Request) {
	loanID := mux.Vars(r)["loanId"]

	var request domain.MakePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		response.BadRequest(w, "invalid request body", err)
		return
	}
	if err := h.validator.Struct(&request); err != nil {
		response.BadRequest(w, "invalid request", err)
		return
	}

	allocation, err := h.ledger.Apply(r.Context(), loanID, request.Amount, request.Source)
	if err != nil {
		response.BusinessError(w, err)
		return
	}

	response.Success(w, allocation)
}
