package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/remitops/transfer-core/internal/models"
	"github.com/remitops/transfer-core/internal/service"
	"go.uber.org/zap"
)

// WebhookHandler ingests provider settlement callbacks.
type WebhookHandler struct {
	webhooks *service.WebhookService
	logger   *zap.Logger
}

func NewWebhookHandler(webhooks *service.WebhookService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, logger: logger}
}

// HandlePayment verifies the HMAC signature and applies the settlement signal.
func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "failed to read request body")
		return
	}

	resp, err := h.webhooks.HandlePaymentWebhook(r.Context(), payload, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidSignature):
			RespondError(w, r, http.StatusUnauthorized, "webhook/invalid-signature", "signature verification failed")
		case errors.Is(err, models.ErrTransferNotFound):
			// 200 so the provider stops retrying a callback we can never match.
			h.logger.Warn("webhook for unknown provider txn", zap.Error(err))
			RespondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		default:
			h.logger.Error("webhook processing failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "webhook/processing-failed", "failed to process webhook")
		}
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}
