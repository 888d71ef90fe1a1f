package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/feedback")

	c, err := load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, "resend", c.MailProvider)
	assert.Equal(t, "onboarding@resend.dev", c.FromAddress)
	assert.Equal(t, "batched", c.DeliveryStrategy)
	assert.False(t, c.IncludeAdminInDelivery)
	assert.Equal(t, []string{"director", "manager", "instructor"}, c.AutoEmailRecipients)
	assert.Equal(t, 168*time.Hour, c.AutoEmailLookback)
	assert.Equal(t, 5*time.Minute, c.PollInterval)
	assert.Equal(t, 2, c.WorkerCount)
	assert.Equal(t, time.Duration(0), c.SendInterval)
	assert.Empty(t, c.MailAPIKey(), "a missing key is not a start-up error")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/feedback")
	t.Setenv("MAIL_PROVIDER", "SendGrid")
	t.Setenv("SENDGRID_API_KEY", "SG.key")
	t.Setenv("MAIL_DELIVERY_STRATEGY", "sequential")
	t.Setenv("MAIL_SEND_INTERVAL", "750ms")
	t.Setenv("POLL_INTERVAL", "90")
	t.Setenv("INCLUDE_ADMIN_IN_DELIVERY", "true")
	t.Setenv("AUTO_EMAIL_RECIPIENTS", " director , ops@x.com ,, ")

	c, err := load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "sendgrid", c.MailProvider)
	assert.Equal(t, "SG.key", c.MailAPIKey())
	assert.Equal(t, "sequential", c.DeliveryStrategy)
	assert.Equal(t, 750*time.Millisecond, c.SendInterval)
	assert.Equal(t, 90*time.Second, c.PollInterval)
	assert.True(t, c.IncludeAdminInDelivery)
	assert.Equal(t, []string{"director", "ops@x.com"}, c.AutoEmailRecipients)
}

func TestLoad_DotEnvDoesNotOverrideEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DATABASE_URL=postgres://file/db\nPORT=9090\n"), 0o600))
	t.Setenv("DATABASE_URL", "postgres://env/db")
	// t.Setenv restores PORT afterwards; godotenv only sets keys that are unset.
	t.Setenv("PORT", "")
	os.Unsetenv("PORT")

	c, err := load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", c.DatabaseURL)
	assert.Equal(t, "9090", c.Port)
}

func TestLoad_JoinsValidationErrors(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MAIL_PROVIDER", "mailgun")
	t.Setenv("MAIL_DELIVERY_STRATEGY", "burst")
	t.Setenv("JOB_TIMEOUT", "soon")

	_, err := load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{"DATABASE_URL", "MAIL_PROVIDER", "MAIL_DELIVERY_STRATEGY", "JOB_TIMEOUT"} {
		assert.True(t, strings.Contains(msg, want), "error should mention %s: %s", want, msg)
	}
}
