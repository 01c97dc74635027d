package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/remitops/transfer-core/internal/models"
)

const defaultTimeout = 30 * time.Second

// HTTPProvider talks to the payment provider's REST API. Every initiate
// call carries the Idempotency-Key header so provider-side dedupe works
// across retries.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type initiateRequest struct {
	TransferID          string `json:"transfer_id"`
	SourceAmount        int64  `json:"source_amount_micros"`
	SourceCurrency      string `json:"source_currency"`
	DestinationAmount   int64  `json:"destination_amount_micros"`
	DestinationCurrency string `json:"destination_currency"`
	RecipientContact    string `json:"recipient_contact"`
	PaymentMethod       string `json:"payment_method"`
}

type paymentResponse struct {
	ProviderTxnID string `json:"provider_txn_id"`
	Status        string `json:"status"`
}

type refundResponse struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

type errorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	ProviderTxnID string `json:"provider_txn_id,omitempty"`
	Status        string `json:"status,omitempty"`
}

func (p *HTTPProvider) InitiatePayment(ctx context.Context, req PaymentRequest, idempotencyKey string) (*PaymentResult, error) {
	body, err := json.Marshal(initiateRequest{
		TransferID:          req.TransferID.String(),
		SourceAmount:        req.SourceAmount,
		SourceCurrency:      req.SourceCurrency,
		DestinationAmount:   req.DestinationAmount,
		DestinationCurrency: req.DestinationCurrency,
		RecipientContact:    req.RecipientContact,
		PaymentMethod:       req.PaymentMethod,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal initiate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build initiate request: %w", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("initiate payment: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out paymentResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode initiate response: %w", err)
		}
		return &PaymentResult{ProviderTxnID: out.ProviderTxnID, Status: out.Status}, nil
	case resp.StatusCode == http.StatusConflict:
		// Idempotency key replay: the provider already executed this
		// request and reports its canonical outcome.
		var out errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode conflict response: %w", err)
		}
		return nil, &AlreadyProcessedError{ProviderTxnID: out.ProviderTxnID, Status: out.Status}
	default:
		return nil, p.providerError(resp)
	}
}

func (p *HTTPProvider) GetStatus(ctx context.Context, providerTxnID string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/payments/"+providerTxnID, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("get payment status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", p.providerError(resp)
	}
	var out paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	return out.Status, nil
}

func (p *HTTPProvider) Cancel(ctx context.Context, providerTxnID string) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/payments/"+providerTxnID+"/cancel", nil)
	if err != nil {
		return "", fmt.Errorf("build cancel request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("cancel payment: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out paymentResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode cancel response: %w", err)
		}
		return out.Status, nil
	case http.StatusConflict:
		// Funds have already settled on the destination rail; reversal is
		// no longer possible and the caller must fall back to a refund.
		io.Copy(io.Discard, resp.Body)
		return "", models.ErrAlreadySettled
	default:
		return "", p.providerError(resp)
	}
}

func (p *HTTPProvider) RequestRefund(ctx context.Context, providerTxnID string, amount int64, currency, recipientContact string) (*RefundResult, error) {
	body, err := json.Marshal(map[string]any{
		"amount_micros":     amount,
		"currency":          currency,
		"recipient_contact": recipientContact,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal refund request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/payments/"+providerTxnID+"/refunds", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refund request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request refund: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, p.providerError(resp)
	}
	var out refundResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode refund response: %w", err)
	}
	return &RefundResult{ProviderRefundID: out.RefundID, Status: out.Status}, nil
}

func (p *HTTPProvider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func (p *HTTPProvider) providerError(resp *http.Response) error {
	var out errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &out); err != nil {
		out.Code = "unknown"
		out.Message = string(raw)
	}
	return &ProviderError{
		StatusCode: resp.StatusCode,
		Code:       out.Code,
		Message:    out.Message,
		Transient:  classifyStatus(resp.StatusCode),
	}
}
