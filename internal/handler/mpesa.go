package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kopesha/loan-engine/internal/domain"
	"github.com/kopesha/loan-engine/internal/mpesa"
	"github.com/kopesha/loan-engine/internal/service"
	"github.com/kopesha/loan-engine/pkg/response"
)

// MpesaHandler exposes the payment initiation endpoint and the provider
// webhook endpoints. Webhooks always answer 200 with a provider-shaped body;
// domain failures are recorded on the intent, not surfaced as HTTP errors.
type MpesaHandler struct {
	gateway   *service.ReconciliationGateway
	validator *validator.Validate
	log       *logrus.Logger
}

func NewMpesaHandler(gateway *service.ReconciliationGateway, log *logrus.Logger) *MpesaHandler {
	return &MpesaHandler{
		gateway:   gateway,
		validator: validator.New(),
		log:       log,
	}
}

// InitiatePayment handles POST /api/v1/loans/{loanId}/stkpush
func (h *MpesaHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	loanID := mux.Vars(r)["loanId"]

	var request domain.InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		response.BadRequest(w, "invalid request body", err)
		return
	}
	if err := h.validator.Struct(&request); err != nil {
		response.BadRequest(w, "invalid request", err)
		return
	}

	intent, err := h.gateway.Initiate(r.Context(), loanID, request.Amount, request.Phone)
	if err != nil {
		response.BusinessError(w, err)
		return
	}

	response.Created(w, intent)
}

// STKCallback handles POST /api/v1/callbacks/mpesa/stk
func (h *MpesaHandler) STKCallback(w http.ResponseWriter, r *http.Request) {
	var envelope mpesa.STKCallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.log.WithError(err).Warn("malformed stk callback payload")
		response.BadRequest(w, "invalid callback body", err)
		return
	}

	result, err := h.gateway.HandleCallback(r.Context(), envelope.Body.StkCallback)
	if err != nil {
		// the provider only expects an acknowledgment; log and absorb
		h.log.WithError(err).WithField(
			"checkout_request_id", envelope.Body.StkCallback.CheckoutRequestID,
		).Error("stk callback not reconciled")
		writeProviderResponse(w, mpesa.Accepted())
		return
	}

	if result.Duplicate {
		h.log.WithField("intent_id", result.IntentID).Info("duplicate stk callback absorbed")
	}
	writeProviderResponse(w, mpesa.Accepted())
}

// Validation handles POST /api/v1/callbacks/mpesa/validation
func (h *MpesaHandler) Validation(w http.ResponseWriter, r *http.Request) {
	var notification mpesa.C2BNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		writeProviderResponse(w, mpesa.Rejected())
		return
	}

	if err := h.gateway.ValidateUnsolicited(r.Context(), notification); err != nil {
		h.log.WithError(err).WithField("bill_ref", notification.BillRefNumber).
			Info("paybill payment rejected")
		writeProviderResponse(w, mpesa.Rejected())
		return
	}

	writeProviderResponse(w, mpesa.Accepted())
}

// Confirmation handles POST /api/v1/callbacks/mpesa/confirmation
func (h *MpesaHandler) Confirmation(w http.ResponseWriter, r *http.Request) {
	var notification mpesa.C2BNotification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		writeProviderResponse(w, mpesa.Rejected())
		return
	}

	if _, err := h.gateway.ConfirmUnsolicited(r.Context(), notification); err != nil {
		h.log.WithError(err).WithField("trans_id", notification.TransID).
			Error("paybill confirmation not reconciled")
	}

	writeProviderResponse(w, mpesa.Accepted())
}

// writeProviderResponse answers a webhook in the exact shape the provider
// parses, without the API envelope.
func writeProviderResponse(w http.ResponseWriter, body mpesa.C2BResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}
