// ABOUTME: Tests for event schema validation and JSON Schema export.
// ABOUTME: Payloads are built from decoded JSON so kinds match what the relay sees.

package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		payload   string
		wantOK    bool
		wantErrs  []string
	}{
		{
			name:      "valid agent-discovered",
			eventType: "agent-discovered",
			payload:   `{"id":"a1","source":"relay","capabilities":{}}`,
			wantOK:    true,
		},
		{
			name:      "unknown type",
			eventType: "bogus",
			payload:   `{}`,
			wantErrs:  []string{"Unknown event type: bogus"},
		},
		{
			name:      "missing required",
			eventType: "agent-started",
			payload:   `{"id":"a1"}`,
			wantErrs:  []string{"Missing required field: agentType", "Missing required field: timestamp"},
		},
		{
			name:      "wrong primitive",
			eventType: "agent-started",
			payload:   `{"id":"a1","agentType":"kiro","timestamp":"yesterday"}`,
			wantErrs:  []string{"Invalid type for timestamp: string"},
		},
		{
			name:      "enum mismatch",
			eventType: "agent-status-changed",
			payload:   `{"id":"a1","status":"sleeping"}`,
			wantErrs:  []string{"Invalid type for status: string"},
		},
		{
			name:      "optional enum checked",
			eventType: "agent-status-changed",
			payload:   `{"id":"a1","status":"idle","previousStatus":"bored"}`,
			wantErrs:  []string{"Invalid type for previousStatus: string"},
		},
		{
			name:      "unexpected fields sorted",
			eventType: "relay-disconnected",
			payload:   `{"relayId":"r1","zeta":1,"alpha":2}`,
			wantErrs:  []string{"Unexpected field: alpha", "Unexpected field: zeta"},
		},
		{
			name:      "union accepts string",
			eventType: "relay-log",
			payload:   `{"time":1,"level":"info","relayId":"r","message":"m","data":"text"}`,
			wantOK:    true,
		},
		{
			name:      "union accepts object",
			eventType: "relay-log",
			payload:   `{"time":1,"level":"warn","relayId":"r","message":"m","data":{"k":1}}`,
			wantOK:    true,
		},
		{
			name:      "union rejects array",
			eventType: "relay-log",
			payload:   `{"time":1,"level":"warn","relayId":"r","message":"m","data":[1]}`,
			wantErrs:  []string{"Invalid type for data: array"},
		},
		{
			name:      "no required fields",
			eventType: "relay-config-updated",
			payload:   `{}`,
			wantOK:    true,
		},
		{
			name:      "null reported as null",
			eventType: "presence",
			payload:   `{"from":null}`,
			wantErrs:  []string{"Invalid type for from: null"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, errs := Validate(tt.eventType, payload(t, tt.payload))
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Empty(t, errs)
			} else {
				assert.Equal(t, tt.wantErrs, errs)
			}
		})
	}
}

func TestValidateFlat(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		fields    string
		wantOK    bool
		wantErrs  []string
	}{
		{
			name:      "connection type cannot be inline",
			eventType: "connection-established",
			fields:    `{"id":"relay-1","url":"ws://x"}`,
			wantOK:    true,
		},
		{
			name:      "connection-lost inline",
			eventType: "connection-lost",
			fields:    `{"id":"relay-1","reason":"closed"}`,
			wantOK:    true,
		},
		{
			name:      "other required fields still enforced",
			eventType: "connection-established",
			fields:    `{"url":"ws://x"}`,
			wantErrs:  []string{"Missing required field: id"},
		},
		{
			name:      "only the envelope key is waived",
			eventType: "agent-started",
			fields:    `{"id":"x"}`,
			wantErrs:  []string{"Missing required field: agentType", "Missing required field: timestamp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, errs := ValidateFlat(tt.eventType, payload(t, tt.fields))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantErrs, errs)
		})
	}

	// The nested form still requires the connection type.
	ok, errs := Validate("connection-established", payload(t, `{"id":"relay-1"}`))
	assert.False(t, ok)
	assert.Equal(t, []string{"Missing required field: type"}, errs)
}

func TestDeclares(t *testing.T) {
	assert.True(t, Declares("presence", "data"))
	assert.True(t, Declares("relay-log", "data"))
	assert.True(t, Declares("connection-lost", "type"))
	assert.False(t, Declares("connection-established", "data"))
	assert.False(t, Declares("heartbeat", "data"))
}

func TestHasAndTypes(t *testing.T) {
	assert.True(t, Has("presence"))
	assert.True(t, Has("task-created"))
	assert.False(t, Has("heartbeat"))

	types := Types()
	assert.Len(t, types, 16)
	assert.IsNonDecreasing(t, types)
}

func TestExportJSONSchema(t *testing.T) {
	doc := ExportJSONSchema()

	// Round-trip through JSON to check the document is serializable.
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))

	assert.Equal(t, "http://json-schema.org/draft-07/schema#", out["$schema"])
	assert.Equal(t, "agi.diy Event Schemas", out["title"])
	assert.Equal(t, "1.0.0", out["version"])

	defs := out["definitions"].(map[string]any)
	assert.Len(t, defs, 16)

	log := defs["relay-log"].(map[string]any)
	assert.Equal(t, "object", log["type"])
	assert.Equal(t, false, log["additionalProperties"])
	assert.Equal(t, []any{"time", "level", "relayId", "message"}, log["required"])

	props := log["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "number"}, props["time"])
	assert.Equal(t, map[string]any{"enum": []any{"info", "warn", "error"}}, props["level"])
	assert.Equal(t, map[string]any{}, props["data"])

	cfg := defs["relay-config-updated"].(map[string]any)
	assert.Equal(t, []any{}, cfg["required"])
}
