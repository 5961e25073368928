// ABOUTME: Relay wire envelope: decoding inbound frames and checking control-type fields.
// ABOUTME: Frames are JSON objects keyed by "type"; unknown fields are preserved verbatim.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Control frame types understood by the relay.
const (
	TypePresence      = "presence"
	TypeHeartbeat     = "heartbeat"
	TypeDirect        = "direct"
	TypeLaunchAgent   = "launch_agent"
	TypeAgentCommand  = "agent_command"
	TypeAgentLaunched = "agent_launched"
	TypeAgentResponse = "agent_response"
	TypeError         = "error"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ValidationError reports a malformed frame. The connection stays open.
type ValidationError struct {
	Type   string
	Errors []string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return "invalid frame: " + strings.Join(e.Errors, "; ")
	}
	return fmt.Sprintf("invalid %s frame: %s", e.Type, strings.Join(e.Errors, "; "))
}

// Envelope is a decoded inbound frame. Raw holds the exact bytes received so
// relayed frames are forwarded untouched.
type Envelope struct {
	Type   string
	Raw    []byte
	fields map[string]json.RawMessage
}

// Decode parses a raw frame. A frame must be a JSON object with a string
// "type" field.
func Decode(raw []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ValidationError{Errors: []string{"frame is not a JSON object"}}
	}
	if fields == nil {
		return nil, &ValidationError{Errors: []string{"frame is not a JSON object"}}
	}

	typeRaw, ok := fields["type"]
	if !ok {
		return nil, &ValidationError{Errors: []string{"Missing required field: type"}}
	}
	var mtype string
	if err := json.Unmarshal(typeRaw, &mtype); err != nil || mtype == "" {
		return nil, &ValidationError{Errors: []string{"Invalid type for type: expected non-empty string"}}
	}

	return &Envelope{
		Type:   mtype,
		Raw:    raw,
		fields: fields,
	}, nil
}

// Has reports whether the frame carries field name.
func (e *Envelope) Has(name string) bool {
	_, ok := e.fields[name]
	return ok
}

// Field returns the raw JSON of field name.
func (e *Envelope) Field(name string) (json.RawMessage, bool) {
	v, ok := e.fields[name]
	return v, ok
}

// String returns field name when it is a JSON string.
func (e *Envelope) String(name string) (string, bool) {
	v, ok := e.fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

// From is the sender id carried by presence frames.
func (e *Envelope) From() string {
	s, _ := e.String("from")
	return s
}

// To is the recipient id carried by direct frames.
func (e *Envelope) To() string {
	s, _ := e.String("to")
	return s
}

// AgentID is the agent id carried by launch_agent and agent_command frames.
func (e *Envelope) AgentID() string {
	s, _ := e.String("agentId")
	return s
}

// Data decodes the "data" field as an object. A missing or null field yields
// an empty map.
func (e *Envelope) Data() (map[string]any, error) {
	return e.object("data")
}

func (e *Envelope) object(name string) (map[string]any, error) {
	v, ok := e.fields[name]
	if !ok || isNull(v) {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, fmt.Errorf("field %s is not an object", name)
	}
	return m, nil
}

// Payload returns every field except "type", decoded generically. It is the
// input to schema validation.
func (e *Envelope) Payload() map[string]any {
	out := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		if k == "type" {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		out[k] = val
	}
	return out
}

// EventPayload returns the event payload a frame carries. When nested is
// allowed and the frame has an object "data" field, that object is the
// payload; otherwise it is the frame's own fields without "type". The second
// result reports which shape was used.
func (e *Envelope) EventPayload(allowNested bool) (map[string]any, bool) {
	if allowNested {
		if v, ok := e.fields["data"]; ok && kind(v) == "object" {
			var m map[string]any
			if err := json.Unmarshal(v, &m); err == nil {
				return m, true
			}
		}
	}
	return e.Payload(), false
}

// Check enforces the required fields of the relay's control types. Frames of
// any other type pass.
func (e *Envelope) Check() error {
	var errs []string

	requireString := func(name string) {
		if !e.Has(name) {
			errs = append(errs, "Missing required field: "+name)
			return
		}
		if s, ok := e.String(name); !ok || s == "" {
			errs = append(errs, "Invalid type for "+name+": expected non-empty string")
		}
	}
	requireObject := func(name string) {
		v, ok := e.fields[name]
		if !ok {
			errs = append(errs, "Missing required field: "+name)
			return
		}
		if kind(v) != "object" {
			errs = append(errs, "Invalid type for "+name+": "+kind(v))
		}
	}
	optionalObject := func(name string) {
		if v, ok := e.fields[name]; ok && !isNull(v) && kind(v) != "object" {
			errs = append(errs, "Invalid type for "+name+": "+kind(v))
		}
	}
	optionalNumber := func(name string) {
		if v, ok := e.fields[name]; ok && !isNull(v) && kind(v) != "number" {
			errs = append(errs, "Invalid type for "+name+": "+kind(v))
		}
	}

	switch e.Type {
	case TypePresence:
		requireString("from")
		optionalObject("data")
		optionalNumber("timestamp")
	case TypeDirect:
		requireString("to")
	case TypeLaunchAgent:
		requireString("agentId")
		requireObject("config")
	case TypeAgentCommand:
		requireString("agentId")
		if !e.Has("command") {
			errs = append(errs, "Missing required field: command")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Type: e.Type, Errors: errs}
}

// Fields returns the frame's field names in sorted order.
func (e *Envelope) Fields() []string {
	names := make([]string, 0, len(e.fields))
	for k := range e.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AsValidationError unwraps err into a *ValidationError.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

func isNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}

// kind names the JSON kind of a raw value.
func kind(v json.RawMessage) string {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return "missing"
	}
	switch s[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}
