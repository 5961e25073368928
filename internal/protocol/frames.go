// ABOUTME: Builders for frames the relay itself originates.
// ABOUTME: Presence replay/offline, agent replies, output bridging, and error frames.

package protocol

import (
	"encoding/json"
	"time"
)

// Error codes carried in error frames and agent_response failures.
const (
	CodeValidation              = "validation_error"
	CodeAlreadyExists           = "already_exists"
	CodeInvalidWorkingDirectory = "invalid_working_directory"
	CodeSpawnFailed             = "spawn_failed"
	CodeShuttingDown            = "shutting_down"
	CodeNotFound                = "not_found"
	CodeProcessTerminated       = "process_terminated"
	CodeUnavailable             = "unavailable"
	CodeInternal                = "internal"
)

// Timestamp encodes t as fractional Unix seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

type presenceFrame struct {
	Type      string         `json:"type"`
	From      string         `json:"from"`
	Data      map[string]any `json:"data"`
	Timestamp float64        `json:"timestamp"`
}

// PresenceFrame announces peer from with the given metadata.
func PresenceFrame(from string, data map[string]any, at time.Time) []byte {
	if data == nil {
		data = map[string]any{}
	}
	return mustMarshal(presenceFrame{
		Type:      TypePresence,
		From:      from,
		Data:      data,
		Timestamp: Timestamp(at),
	})
}

// OfflineFrame announces that peer from has left the mesh.
func OfflineFrame(from string, at time.Time) []byte {
	return PresenceFrame(from, map[string]any{"status": StatusOffline}, at)
}

type errorData struct {
	Message string   `json:"message"`
	Code    string   `json:"code"`
	Errors  []string `json:"errors,omitempty"`
}

type errorFrame struct {
	Type string    `json:"type"`
	Data errorData `json:"data"`
}

// ErrorFrame reports a rejected request back to its sender.
func ErrorFrame(code, message string, errs []string) []byte {
	return mustMarshal(errorFrame{
		Type: TypeError,
		Data: errorData{Message: message, Code: code, Errors: errs},
	})
}

type agentLaunchedFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	PeerID  string `json:"peerId"`
}

// AgentLaunchedFrame acknowledges a successful launch_agent request.
func AgentLaunchedFrame(agentID, peerID string) []byte {
	return mustMarshal(agentLaunchedFrame{
		Type:    TypeAgentLaunched,
		AgentID: agentID,
		PeerID:  peerID,
	})
}

type agentResponseFrame struct {
	Type      string   `json:"type"`
	From      string   `json:"from,omitempty"`
	AgentID   string   `json:"agentId"`
	Data      any      `json:"data"`
	Timestamp *float64 `json:"timestamp,omitempty"`
}

// AgentSentFrame is the optimistic reply to a relayed agent_command.
func AgentSentFrame(agentID string) []byte {
	return mustMarshal(agentResponseFrame{
		Type:    TypeAgentResponse,
		AgentID: agentID,
		Data:    map[string]string{"status": "sent"},
	})
}

// AgentFailureFrame reports a failed agent_command.
func AgentFailureFrame(agentID, code, message string) []byte {
	return mustMarshal(agentResponseFrame{
		Type:    TypeAgentResponse,
		AgentID: agentID,
		Data:    map[string]string{"error": message, "code": code},
	})
}

// AgentOutputFrame bridges one line of agent output into the mesh. Lines that
// are valid JSON are embedded as-is; anything else travels as a string.
func AgentOutputFrame(peerID, agentID string, line []byte, at time.Time) []byte {
	var data any
	if json.Valid(line) {
		data = json.RawMessage(line)
	} else {
		data = string(line)
	}
	ts := Timestamp(at)
	return mustMarshal(agentResponseFrame{
		Type:      TypeAgentResponse,
		From:      peerID,
		AgentID:   agentID,
		Data:      data,
		Timestamp: &ts,
	})
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unsupported metadata values such as NaN.
		b, _ = json.Marshal(errorFrame{
			Type: TypeError,
			Data: errorData{Message: "frame encoding failed: " + err.Error(), Code: CodeInternal},
		})
	}
	return b
}
