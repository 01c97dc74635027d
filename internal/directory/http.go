package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 10 * time.Second

// HTTPClient looks up recipients in the external directory's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type recipientResponse struct {
	ID                    string    `json:"id"`
	ContactInfo           string    `json:"contact_info"`
	Verified              bool      `json:"verified"`
	VerificationExpiresAt time.Time `json:"verification_expires_at"`
}

func (c *HTTPClient) GetVerifiedRecipient(ctx context.Context, recipientID uuid.UUID) (*Recipient, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/recipients/"+recipientID.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build recipient request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out recipientResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode recipient response: %w", err)
		}
		id, err := uuid.Parse(out.ID)
		if err != nil {
			return nil, fmt.Errorf("parse recipient id %q: %w", out.ID, err)
		}
		return &Recipient{
			ID:                    id,
			ContactInfo:           out.ContactInfo,
			Verified:              out.Verified,
			VerificationExpiresAt: out.VerificationExpiresAt,
		}, nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrRecipientNotFound
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("directory returned %d: %s", resp.StatusCode, string(raw))
	}
}
