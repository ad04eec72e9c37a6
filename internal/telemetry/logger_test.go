package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("INFO")
	l.SetOutput(&buf)

	corr := NewCorrelation("create", "contacts")
	l.Info(EventHTTPRequest, corr, map[string]interface{}{
		"Authorization": "Bearer super-secret-token",
		"api_key":       "sk-12345",
		"headers": map[string]string{
			"Authorization": "Bearer super-secret-token",
			"Accept":        "application/json",
		},
		"path": "/api/data/v9.2/contacts",
	})

	out := buf.String()
	assert.NotContains(t, out, "super-secret-token")
	assert.NotContains(t, out, "sk-12345")
	assert.Contains(t, out, "[REDACTED]")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &record))
	assert.Equal(t, EventHTTPRequest, record["event"])
	assert.Equal(t, corr.ID, record["correlation_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("WARN")
	l.SetOutput(&buf)

	l.Debug("operation_started", nil, nil)
	l.Info(EventHTTPRequest, nil, nil)
	assert.Empty(t, buf.String())

	l.Warn(EventRateLimited, nil, nil)
	assert.NotEmpty(t, buf.String())
}
