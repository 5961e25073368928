// ABOUTME: Static event schema table and the validator that checks payloads against it.
// ABOUTME: Also exports the table as a draft-07 JSON Schema document for external consumers.

package schema

import (
	"fmt"
	"slices"
	"sort"
)

// Kind is a JSON value kind.
type Kind string

const (
	String  Kind = "string"
	Number  Kind = "number"
	Boolean Kind = "boolean"
	Object  Kind = "object"
	Array   Kind = "array"
)

// FieldType constrains one field: either a set of acceptable kinds or an
// enumeration of allowed string literals.
type FieldType struct {
	Kinds []Kind
	Enum  []string
}

func kinds(k ...Kind) FieldType { return FieldType{Kinds: k} }
func enum(v ...string) FieldType { return FieldType{Enum: v} }

// EventSchema describes the fields of one event type.
type EventSchema struct {
	Required []string
	Optional []string
	Types    map[string]FieldType
}

var (
	agentStatuses = []string{"idle", "processing", "waiting", "error", "stopped"}
	taskStatuses  = []string{"pending", "in-progress", "blocked", "complete", "failed"}
	connTypes     = []string{"relay", "mcp", "websocket", "peer"}
)

var table = map[string]EventSchema{
	"agent-discovered": {
		Required: []string{"id", "source"},
		Optional: []string{"name", "capabilities", "model", "metadata"},
		Types: map[string]FieldType{
			"id":           kinds(String),
			"source":       enum("relay", "mesh", "erc8004", "local"),
			"name":         kinds(String),
			"capabilities": kinds(Object),
			"model":        kinds(String),
			"metadata":     kinds(Object),
		},
	},
	"agent-started": {
		Required: []string{"id", "agentType", "timestamp"},
		Optional: []string{"taskId"},
		Types: map[string]FieldType{
			"id":        kinds(String),
			"agentType": kinds(String),
			"taskId":    kinds(String),
			"timestamp": kinds(Number),
		},
	},
	"agent-status-changed": {
		Required: []string{"id", "status"},
		Optional: []string{"previousStatus", "reason"},
		Types: map[string]FieldType{
			"id":             kinds(String),
			"status":         enum(agentStatuses...),
			"previousStatus": enum(agentStatuses...),
			"reason":         kinds(String),
		},
	},
	"agent-stopped": {
		Required: []string{"id", "reason", "timestamp"},
		Optional: []string{"result"},
		Types: map[string]FieldType{
			"id":        kinds(String),
			"reason":    enum("completed", "error", "terminated", "timeout"),
			"result":    kinds(Object),
			"timestamp": kinds(Number),
		},
	},
	"capabilities-discovered": {
		Required: []string{"source", "sourceType"},
		Optional: []string{"agentCards", "tools", "resources", "metadata"},
		Types: map[string]FieldType{
			"source":     kinds(String),
			"sourceType": enum("relay", "mcp", "plugin", "local"),
			"agentCards": kinds(Array),
			"tools":      kinds(Array),
			"resources":  kinds(Array),
			"metadata":   kinds(Object),
		},
	},
	"task-created": {
		Required: []string{"id", "title", "createdBy", "timestamp"},
		Optional: []string{"description", "parentId", "assignedTo"},
		Types: map[string]FieldType{
			"id":          kinds(String),
			"title":       kinds(String),
			"description": kinds(String),
			"parentId":    kinds(String),
			"assignedTo":  kinds(String),
			"createdBy":   kinds(String),
			"timestamp":   kinds(Number),
		},
	},
	"task-status-changed": {
		Required: []string{"id", "status", "changedBy"},
		Optional: []string{"previousStatus", "reason"},
		Types: map[string]FieldType{
			"id":             kinds(String),
			"status":         enum(taskStatuses...),
			"previousStatus": enum(taskStatuses...),
			"reason":         kinds(String),
			"changedBy":      kinds(String),
		},
	},
	"message-sent": {
		Required: []string{"from", "to", "content", "timestamp"},
		Optional: []string{"conversationId"},
		Types: map[string]FieldType{
			"from":           kinds(String),
			"to":             kinds(String),
			"content":        kinds(String),
			"conversationId": kinds(String),
			"timestamp":      kinds(Number),
		},
	},
	"connection-established": {
		Required: []string{"id", "type"},
		Optional: []string{"url", "metadata"},
		Types: map[string]FieldType{
			"id":       kinds(String),
			"type":     enum(connTypes...),
			"url":      kinds(String),
			"metadata": kinds(Object),
		},
	},
	"connection-lost": {
		Required: []string{"id", "type"},
		Optional: []string{"reason"},
		Types: map[string]FieldType{
			"id":     kinds(String),
			"type":   enum(connTypes...),
			"reason": kinds(String),
		},
	},
	"relay-connected": {
		Required: []string{"relayId"},
		Optional: []string{"url"},
		Types: map[string]FieldType{
			"relayId": kinds(String),
			"url":     kinds(String),
		},
	},
	"relay-disconnected": {
		Required: []string{"relayId"},
		Types: map[string]FieldType{
			"relayId": kinds(String),
		},
	},
	"relay-log": {
		Required: []string{"time", "level", "relayId", "message"},
		Optional: []string{"data"},
		Types: map[string]FieldType{
			"time":    kinds(Number),
			"level":   enum("info", "warn", "error"),
			"relayId": kinds(String),
			"message": kinds(String),
			"data":    kinds(String, Object),
		},
	},
	"relay-capabilities": {
		Required: []string{"relayId"},
		Optional: []string{"agentCards", "activeAgents", "tools"},
		Types: map[string]FieldType{
			"relayId":      kinds(String),
			"agentCards":   kinds(Array),
			"activeAgents": kinds(Array),
			"tools":        kinds(Array),
		},
	},
	"presence": {
		Required: []string{"from"},
		Optional: []string{"data", "timestamp"},
		Types: map[string]FieldType{
			"from":      kinds(String),
			"data":      kinds(Object),
			"timestamp": kinds(Number),
		},
	},
	"relay-config-updated": {
		Optional: []string{"config"},
		Types: map[string]FieldType{
			"config": kinds(Object),
		},
	},
}

// Has reports whether eventType is in the schema table.
func Has(eventType string) bool {
	_, ok := table[eventType]
	return ok
}

// Types returns the known event types in sorted order.
func Types() []string {
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EnvelopeKey is the frame key that names the event type.
const EnvelopeKey = "type"

// Declares reports whether the schema for eventType names field.
func Declares(eventType, field string) bool {
	s, ok := table[eventType]
	if !ok {
		return false
	}
	return slices.Contains(s.Required, field) || slices.Contains(s.Optional, field)
}

// Validate checks payload against the schema for eventType. Payload values are
// expected in the shape produced by encoding/json decoding into any.
func Validate(eventType string, payload map[string]any) (bool, []string) {
	return validate(eventType, payload, false)
}

// ValidateFlat checks the top-level fields of a frame that carries its event
// payload inline, with EnvelopeKey already removed. A schema field named
// EnvelopeKey cannot be expressed in that shape, so it is not required there.
func ValidateFlat(eventType string, fields map[string]any) (bool, []string) {
	return validate(eventType, fields, true)
}

func validate(eventType string, payload map[string]any, flat bool) (bool, []string) {
	s, ok := table[eventType]
	if !ok {
		return false, []string{"Unknown event type: " + eventType}
	}

	var errs []string
	for _, field := range s.Required {
		v, present := payload[field]
		if !present {
			if flat && field == EnvelopeKey {
				continue
			}
			errs = append(errs, "Missing required field: "+field)
			continue
		}
		if ft, typed := s.Types[field]; typed && !ft.accepts(v) {
			errs = append(errs, fmt.Sprintf("Invalid type for %s: %s", field, kindOf(v)))
		}
	}

	fields := make([]string, 0, len(payload))
	for k := range payload {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if slices.Contains(s.Required, field) {
			continue
		}
		if !slices.Contains(s.Optional, field) {
			errs = append(errs, "Unexpected field: "+field)
			continue
		}
		if ft, typed := s.Types[field]; typed && !ft.accepts(payload[field]) {
			errs = append(errs, fmt.Sprintf("Invalid type for %s: %s", field, kindOf(payload[field])))
		}
	}

	return len(errs) == 0, errs
}

func (ft FieldType) accepts(v any) bool {
	if ft.Enum != nil {
		s, ok := v.(string)
		return ok && slices.Contains(ft.Enum, s)
	}
	k := kindOf(v)
	for _, want := range ft.Kinds {
		if Kind(k) == want {
			return true
		}
	}
	return false
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return string(String)
	case float64, float32, int, int64, int32:
		return string(Number)
	case bool:
		return string(Boolean)
	case map[string]any:
		return string(Object)
	case []any:
		return string(Array)
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ExportJSONSchema renders the table as a draft-07 JSON Schema document.
func ExportJSONSchema() map[string]any {
	defs := make(map[string]any, len(table))
	for name, s := range table {
		props := make(map[string]any, len(s.Required)+len(s.Optional))
		for _, field := range append(slices.Clone(s.Required), s.Optional...) {
			props[field] = fieldSchema(s.Types[field])
		}
		required := s.Required
		if required == nil {
			required = []string{}
		}
		defs[name] = map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		}
	}

	return map[string]any{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "agi.diy Event Schemas",
		"version":     "1.0.0",
		"definitions": defs,
	}
}

// Union kinds export as an unconstrained schema.
func fieldSchema(ft FieldType) map[string]any {
	switch {
	case ft.Enum != nil:
		return map[string]any{"enum": ft.Enum}
	case len(ft.Kinds) == 1:
		return map[string]any{"type": string(ft.Kinds[0])}
	default:
		return map[string]any{}
	}
}
