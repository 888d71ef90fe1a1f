package email_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/h2non/gock.v1"

	"github.com/bs-education/feedback-dispatch/internal/email"
)

func message() email.Message {
	return email.Message{
		To:      "kim@x.com",
		Subject: "📊 설문 결과 발송: 리더십",
		HTML:    "<p>hi</p>",
		Text:    "hi",
		ReplyTo: "ops@x.com",
	}
}

// ─── RESEND ───────────────────────────────────────────────────────────────────

func TestResend_SendReturnsMessageID(t *testing.T) {
	defer gock.Off()

	gock.New("http://resend.test").
		Post("/emails").
		MatchHeader("Authorization", "^Bearer re_test$").
		MatchType("json").
		JSON(map[string]any{
			"from":     "BS Education <noreply@x.com>",
			"to":       []string{"kim@x.com"},
			"subject":  "📊 설문 결과 발송: 리더십",
			"html":     "<p>hi</p>",
			"text":     "hi",
			"reply_to": "ops@x.com",
		}).
		Reply(200).
		JSON(map[string]string{"id": "msg_123"})

	c := email.NewResendClient("re_test", "noreply@x.com", "BS Education").WithEndpoint("http://resend.test/emails")
	res, err := c.Send(context.Background(), message())

	require.NoError(t, err)
	assert.Equal(t, "msg_123", res.ID)
	assert.True(t, gock.IsDone())
}

func TestResend_ErrorPayloadIsRejection(t *testing.T) {
	defer gock.Off()

	gock.New("http://resend.test").
		Post("/emails").
		Reply(422).
		JSON(map[string]any{"statusCode": 422, "name": "validation_error", "message": "Invalid `to` field"})

	c := email.NewResendClient("re_test", "noreply@x.com", "").WithEndpoint("http://resend.test/emails")
	_, err := c.Send(context.Background(), message())

	require.Error(t, err)
	assert.True(t, email.IsRejection(err))

	var pe *email.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 422, pe.StatusCode)
	assert.Equal(t, "validation_error", pe.Name)
}

func TestResend_LongPlainBodyKeepsRunesWhole(t *testing.T) {
	defer gock.Off()

	// 3-byte runes put the 200-byte cut in the middle of one.
	body := strings.Repeat("발송 실패 ", 40)
	gock.New("http://resend.test").
		Post("/emails").
		Reply(502).
		BodyString(body)

	c := email.NewResendClient("re_test", "noreply@x.com", "").WithEndpoint("http://resend.test/emails")
	_, err := c.Send(context.Background(), message())

	var pe *email.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 502, pe.StatusCode)
	assert.True(t, utf8.ValidString(pe.Message), "message is not valid UTF-8: %q", pe.Message)
	assert.LessOrEqual(t, len(pe.Message), 200)
	assert.True(t, strings.HasPrefix(body, pe.Message))
	assert.Greater(t, len(pe.Message), 190)
}

func TestResend_NestedErrorShape(t *testing.T) {
	defer gock.Off()

	gock.New("http://resend.test").
		Post("/emails").
		Reply(200).
		JSON(map[string]any{"error": map[string]any{"name": "rate_limit_exceeded", "message": "slow down", "statusCode": 429}})

	c := email.NewResendClient("re_test", "noreply@x.com", "").WithEndpoint("http://resend.test/emails")
	_, err := c.Send(context.Background(), message())

	assert.True(t, email.IsRejection(err))
}

func TestResend_TransportErrorIsNotRejection(t *testing.T) {
	defer gock.Off()

	gock.New("http://resend.test").
		Post("/emails").
		ReplyError(errors.New("connection reset"))

	c := email.NewResendClient("re_test", "noreply@x.com", "").WithEndpoint("http://resend.test/emails")
	_, err := c.Send(context.Background(), message())

	require.Error(t, err)
	assert.False(t, email.IsRejection(err))
}

// ─── SENDGRID ─────────────────────────────────────────────────────────────────

func TestSendGrid_SendReadsMessageIDHeader(t *testing.T) {
	defer gock.Off()

	gock.New("http://sendgrid.test").
		Post("/v3/mail/send").
		MatchHeader("Authorization", "^Bearer SG.test$").
		Reply(202).
		SetHeader("X-Message-Id", "sg-abc")

	c := email.NewSendGridClient("SG.test", "noreply@x.com", "BS Education").WithHost("http://sendgrid.test")
	res, err := c.Send(context.Background(), message())

	require.NoError(t, err)
	assert.Equal(t, "sg-abc", res.ID)
}

func TestSendGrid_BadRequestIsRejection(t *testing.T) {
	defer gock.Off()

	gock.New("http://sendgrid.test").
		Post("/v3/mail/send").
		Reply(400).
		JSON(map[string]any{"errors": []map[string]string{{"message": "Does not contain a valid address.", "field": "personalizations.0.to"}}})

	c := email.NewSendGridClient("SG.test", "noreply@x.com", "").WithHost("http://sendgrid.test")
	_, err := c.Send(context.Background(), message())

	var pe *email.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "Does not contain a valid address.", pe.Message)
}

// ─── FACTORY ──────────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	_, err := email.New(email.Options{Provider: "resend"})
	assert.ErrorIs(t, err, email.ErrNoAPIKey)

	s, err := email.New(email.Options{Provider: "sendgrid", SendGridAPIKey: "SG.x", FromAddress: "a@x.com"})
	require.NoError(t, err)
	assert.IsType(t, &email.SendGridClient{}, s)

	_, err = email.New(email.Options{Provider: "mailgun", ResendAPIKey: "x"})
	assert.Error(t, err)
}
