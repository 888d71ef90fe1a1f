package email

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGridClient is the Sender backed by the SendGrid v3 mail API.
type SendGridClient struct {
	key  string
	from *sgmail.Email
	host string
}

// NewSendGridClient returns a Sender that delivers email via SendGrid.
func NewSendGridClient(apiKey, fromAddr, fromName string) *SendGridClient {
	return &SendGridClient{
		key:  apiKey,
		from: sgmail.NewEmail(fromName, fromAddr),
		host: sendgridHost,
	}
}

// WithHost points the client at another API host. Used by tests.
func (c *SendGridClient) WithHost(host string) *SendGridClient {
	c.host = host
	return c
}

func (c *SendGridClient) prepare(m Message) *sgmail.SGMailV3 {
	msg := sgmail.NewSingleEmail(c.from, m.Subject, sgmail.NewEmail("", m.To), m.Text, m.HTML)
	if m.Text == "" {
		// SendGrid rejects empty content values.
		msg.Content = nil
		msg.AddContent(sgmail.NewContent("text/html", m.HTML))
	}
	if m.ReplyTo != "" {
		msg.SetReplyTo(sgmail.NewEmail("", m.ReplyTo))
	}
	return msg
}

type sendgridErrors struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (c *SendGridClient) Send(ctx context.Context, m Message) (Result, error) {
	req := sendgrid.GetRequest(c.key, sendgridEndpoint, c.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(c.prepare(m))

	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("email: sendgrid request: %w", err)
	}

	if res.StatusCode >= http.StatusBadRequest {
		pe := &ProviderError{Provider: ProviderSendGrid, StatusCode: res.StatusCode, Message: truncate(res.Body)}
		var parsed sendgridErrors
		if json.Unmarshal([]byte(res.Body), &parsed) == nil && len(parsed.Errors) > 0 {
			pe.Message = parsed.Errors[0].Message
			pe.Name = parsed.Errors[0].Field
		}
		return Result{}, pe
	}

	var id string
	if vals := res.Headers["X-Message-Id"]; len(vals) > 0 {
		id = vals[0]
	}
	return Result{ID: id}, nil
}
