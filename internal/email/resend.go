package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"
)

const resendEndpoint = "https://api.resend.com/emails"

// ResendClient is the Sender backed by the Resend API.
type ResendClient struct {
	apiKey     string
	fromAddr   string
	fromName   string
	endpoint   string
	httpClient *http.Client
}

// NewResendClient returns a Sender that delivers email via Resend.
func NewResendClient(apiKey, fromAddr, fromName string) *ResendClient {
	return &ResendClient{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: resendEndpoint,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// WithEndpoint points the client at another base URL. Used by tests.
func (c *ResendClient) WithEndpoint(url string) *ResendClient {
	c.endpoint = url
	return c
}

// ─── RESEND API SHAPES ────────────────────────────────────────────────────────

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

// Resend reports errors either nested under "error" or flat at the top level
// depending on the endpoint version; both shapes are accepted.
type resendResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Name       string `json:"name"`
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
	} `json:"error"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

// ─── SENDER IMPLEMENTATION ────────────────────────────────────────────────────

func (c *ResendClient) Send(ctx context.Context, m Message) (Result, error) {
	reqBody := resendRequest{
		From:    formatFrom(c.fromName, c.fromAddr),
		To:      []string{m.To},
		Subject: m.Subject,
		HTML:    m.HTML,
		Text:    m.Text,
		ReplyTo: m.ReplyTo,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("email: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return Result{}, fmt.Errorf("email: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("email: http request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Result{}, fmt.Errorf("email: read response: %w", err)
	}

	var parsed resendResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		if resp.StatusCode >= 400 {
			return Result{}, &ProviderError{Provider: ProviderResend, StatusCode: resp.StatusCode, Message: truncate(string(respBytes))}
		}
		return Result{}, fmt.Errorf("email: unmarshal response (status %d): %w", resp.StatusCode, err)
	}

	if parsed.Error != nil {
		return Result{}, &ProviderError{
			Provider:   ProviderResend,
			StatusCode: resp.StatusCode,
			Name:       parsed.Error.Name,
			Message:    parsed.Error.Message,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := parsed.Message
		if msg == "" {
			msg = truncate(string(respBytes))
		}
		return Result{}, &ProviderError{
			Provider:   ProviderResend,
			StatusCode: resp.StatusCode,
			Name:       parsed.Name,
			Message:    msg,
		}
	}

	return Result{ID: parsed.ID}, nil
}

// truncate caps s at 200 bytes without splitting a UTF-8 sequence.
func truncate(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	i := limit
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
