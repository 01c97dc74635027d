package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/remitops/transfer-core/internal/domain"
	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/service"
	"github.com/shopspring/decimal"
)

// TransferHandler exposes the transfer lifecycle endpoints.
type TransferHandler struct {
	transfers *service.TransferService
	payments  *service.PaymentService
	cancels   *service.CancellationService
}

func NewTransferHandler(transfers *service.TransferService, payments *service.PaymentService, cancels *service.CancellationService) *TransferHandler {
	return &TransferHandler{transfers: transfers, payments: payments, cancels: cancels}
}

type createTransferRequest struct {
	RecipientID         string `json:"recipient_id"`
	SourceAmountMicros  int64  `json:"source_amount_micros"`
	SourceCurrency      string `json:"source_currency"`
	DestinationCurrency string `json:"destination_currency"`
	PaymentMethod       string `json:"payment_method"`
	TargetRate          string `json:"target_rate,omitempty"`
}

// Create opens a draft transfer and immediately quotes it.
func (h *TransferHandler) Create(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}

	var body createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "invalid JSON body")
		return
	}

	recipientID, err := uuid.Parse(body.RecipientID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "transfer/invalid-recipient", "recipient_id must be a UUID")
		return
	}

	req := service.CreateTransferRequest{
		OwnerID:             actorID,
		RecipientID:         recipientID,
		SourceAmountMicros:  body.SourceAmountMicros,
		SourceCurrency:      body.SourceCurrency,
		DestinationCurrency: body.DestinationCurrency,
		PaymentMethod:       body.PaymentMethod,
	}
	if body.TargetRate != "" {
		target, err := decimal.NewFromString(body.TargetRate)
		if err != nil {
			RespondError(w, r, http.StatusBadRequest, "transfer/invalid-target-rate", "target_rate must be a decimal string")
			return
		}
		req.TargetRate = &target
	}
	if err := req.Validate(); err != nil {
		RespondError(w, r, http.StatusBadRequest, "transfer/invalid-request", err.Error())
		return
	}

	transfer, err := h.transfers.Create(r.Context(), req)
	if err != nil {
		h.respondTransferError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, transfer)
}

// LockRate freezes the current quote for the configured lock window.
func (h *TransferHandler) LockRate(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	lock, err := h.transfers.LockRate(r.Context(), id)
	if err != nil {
		h.respondTransferError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, lock)
}

type monitorRequest struct {
	TargetRate string `json:"target_rate"`
}

// StartMonitoring parks a locked transfer until its target rate is observed.
func (h *TransferHandler) StartMonitoring(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	var body monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "invalid JSON body")
		return
	}
	target, err := decimal.NewFromString(body.TargetRate)
	if err != nil || !target.IsPositive() {
		RespondError(w, r, http.StatusBadRequest, "transfer/invalid-target-rate", "target_rate must be a positive decimal string")
		return
	}

	transfer, err := h.transfers.StartMonitoring(r.Context(), id, target)
	if err != nil {
		h.respondTransferError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, transfer)
}

// Approve confirms the transfer and initiates payment with the provider.
func (h *TransferHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	transfer, err := h.payments.Initiate(r.Context(), id, domain.AttemptUserApproval)
	if err != nil {
		h.respondTransferError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, transfer)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel attempts cancellation under the state- and rail-dependent rules.
func (h *TransferHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	var body cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	transfer, err := h.cancels.Cancel(r.Context(), id, body.Reason)
	if err != nil {
		h.respondTransferError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, transfer)
}

type refundRequestBody struct {
	Reason string `json:"reason"`
}

// RequestRefund opens a refund request against a settled transfer.
func (h *TransferHandler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	var body refundRequestBody
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	refund, err := h.cancels.RequestRefund(r.Context(), id, body.Reason)
	if err != nil {
		h.respondTransferError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusAccepted, refund)
}

type refundDecisionRequest struct {
	Approved bool `json:"approved"`
}

// DecideRefund records the recipient's approval or rejection of a pending refund.
func (h *TransferHandler) DecideRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	var body refundDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "invalid JSON body")
		return
	}

	refund, err := h.cancels.ResolveRefund(r.Context(), id, body.Approved)
	if err != nil {
		h.respondTransferError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, refund)
}

// Retry re-enters a failed transfer at draft for a fresh attempt.
func (h *TransferHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	transfer, err := h.transfers.Retry(r.Context(), id)
	if err != nil {
		h.respondTransferError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, transfer)
}

// Get returns the current transfer record.
func (h *TransferHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	transfer, err := h.transfers.Get(r.Context(), id)
	if err != nil {
		h.respondTransferError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, transfer)
}

// AuditTrail returns the ordered audit history for a transfer.
func (h *TransferHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	entries, err := h.transfers.AuditTrail(r.Context(), id)
	if err != nil {
		h.respondTransferError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"transfer_id": id,
		"entries":     entries,
	})
}

func transferID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "transfer/invalid-id", "transfer id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *TransferHandler) respondTransferError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *models.InvalidTransitionError
	var notAllowed *models.CancellationNotAllowedError

	switch {
	case errors.Is(err, models.ErrTransferNotFound):
		RespondError(w, r, http.StatusNotFound, "transfer/not-found", "transfer not found")
	case errors.Is(err, models.ErrRefundNotFound):
		RespondError(w, r, http.StatusNotFound, "refund/not-found", "no refund request for this transfer")
	case errors.As(err, &invalid):
		RespondError(w, r, http.StatusConflict, "transfer/invalid-state",
			"operation not valid while transfer is "+invalid.Current)
	case errors.As(err, &notAllowed):
		RespondJSON(w, http.StatusConflict, map[string]string{
			"error":       "cancellation_not_allowed",
			"status":      notAllowed.Status,
			"reason":      notAllowed.Reason,
			"next_action": notAllowed.NextAction,
		})
	case errors.Is(err, models.ErrRateLockExpired):
		RespondError(w, r, http.StatusConflict, "transfer/rate-lock-expired",
			"rate lock has expired; request a fresh quote and lock")
	case errors.Is(err, models.ErrVerificationExpired):
		RespondError(w, r, http.StatusConflict, "transfer/verification-expired",
			"recipient verification has lapsed; re-verify the recipient, the transfer stays pending approval")
	case errors.Is(err, models.ErrAlreadySettled):
		RespondError(w, r, http.StatusConflict, "transfer/already-settled",
			"funds already settled with the provider; use the refund flow instead")
	case errors.Is(err, models.ErrRefundWindowClosed):
		RespondError(w, r, http.StatusConflict, "refund/window-closed",
			"refund window has closed for this transfer")
	case errors.Is(err, models.ErrStateConflict):
		RespondError(w, r, http.StatusConflict, "transfer/state-conflict",
			"transfer was modified concurrently; retry the request")
	default:
		if status, problemType, message, ok := mapDBError(err); ok {
			RespondError(w, r, status, problemType, message)
			return
		}
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "unexpected server error")
	}
}
