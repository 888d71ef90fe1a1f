// Package email defines the interface for transactional email delivery and
// provides Resend- and SendGrid-backed implementations.
package email

import (
	"context"
	"errors"
	"fmt"
)

// Message is one outbound email with a single recipient.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string // optional plain-text part
	ReplyTo string // optional
}

// Result is what the provider returned for an accepted message.
type Result struct {
	ID string // provider message id; may be empty for providers that omit it
}

// Sender is the interface dispatch uses to deliver mail.
// Tests inject a stub that records calls without hitting the network.
type Sender interface {
	Send(ctx context.Context, m Message) (Result, error)
}

// ProviderError means the provider answered and rejected the message. Any
// other error returned by Send is a transport failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Name       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("email: %s error %s (status %d): %s", e.Provider, e.Name, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("email: %s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsRejection reports whether err is (or wraps) a ProviderError.
func IsRejection(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// Provider names accepted by New.
const (
	ProviderResend   = "resend"
	ProviderSendGrid = "sendgrid"
)

// Options configures New.
type Options struct {
	Provider       string
	ResendAPIKey   string
	SendGridAPIKey string
	FromAddress    string
	FromName       string
}

// ErrNoAPIKey is returned by New when the selected provider has no key.
var ErrNoAPIKey = errors.New("email: provider api key not configured")

// New returns the Sender selected by opts.Provider.
func New(opts Options) (Sender, error) {
	switch opts.Provider {
	case "", ProviderResend:
		if opts.ResendAPIKey == "" {
			return nil, ErrNoAPIKey
		}
		return NewResendClient(opts.ResendAPIKey, opts.FromAddress, opts.FromName), nil
	case ProviderSendGrid:
		if opts.SendGridAPIKey == "" {
			return nil, ErrNoAPIKey
		}
		return NewSendGridClient(opts.SendGridAPIKey, opts.FromAddress, opts.FromName), nil
	default:
		return nil, fmt.Errorf("email: unknown provider %q", opts.Provider)
	}
}

func formatFrom(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}
