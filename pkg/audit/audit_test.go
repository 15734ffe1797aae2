package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mova-labs/ocp/pkg/audit"
	"github.com/mova-labs/ocp/pkg/redact"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventDelivery, "delivery.delivered", "https://hooks.internal/h1", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	// Parse the JSON part
	jsonPart := strings.TrimPrefix(output, "AUDIT: ")
	jsonPart = strings.TrimSpace(jsonPart)

	var event audit.Event
	err = json.Unmarshal([]byte(jsonPart), &event)
	require.NoError(t, err)

	assert.Equal(t, audit.EventDelivery, event.Type)
	assert.Equal(t, "delivery.delivered", event.Action)
	assert.Equal(t, "https://hooks.internal/h1", event.Resource)
	assert.NotEmpty(t, event.ID)
	// UUID format: 8-4-4-4-12
	assert.Len(t, event.ID, 36)
}

func TestLogger_Record_WithMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	meta := map[string]interface{}{"request_id": "req-1", "outcome": "DELIVERED"}
	err := logger.Record(context.Background(), audit.EventDelivery, "delivery.delivered", "hooks.internal", meta)
	require.NoError(t, err)

	jsonPart := strings.TrimPrefix(buf.String(), "AUDIT: ")
	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(jsonPart)), &event))

	assert.Equal(t, "req-1", event.Metadata["request_id"])
}

func TestLogger_Record_MasksSecretMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	meta := map[string]interface{}{"signing_secret": "s3cr3t", "request_id": "req-1"}
	require.NoError(t, logger.Record(context.Background(), audit.EventPolicy, "delivery.policy_denied", "hooks.internal", meta))

	out := buf.String()
	assert.NotContains(t, out, "s3cr3t")
	assert.Contains(t, out, redact.Marker)
}

func TestNop_Discards(t *testing.T) {
	err := audit.Nop().Record(context.Background(), audit.EventSystem, "noop", "", nil)
	assert.NoError(t, err)
}
