package event

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload schemas for well-known event types. Unknown event types carry
// free-form payloads; only the types the server interprets structurally
// are pinned down here.
var payloadSchemas = map[string]*jsonschema.Schema{
	TypeStatusChange: jsonschema.MustCompileString("status-change.json", `{
		"type": "object",
		"properties": {
			"status":          {"enum": ["PLANNED", "CLAIMED", "IN_PROGRESS", "FOR_REVIEW", "DONE", "BLOCKED", "CANCELED"]},
			"previous_status": {"enum": ["PLANNED", "CLAIMED", "IN_PROGRESS", "FOR_REVIEW", "DONE", "BLOCKED", "CANCELED"]},
			"lane":            {"enum": ["planned", "doing", "for_review", "done"]},
			"actor":           {"type": "string"}
		},
		"required": ["status"]
	}`),
	TypeMissionStarted: jsonschema.MustCompileString("mission-started.json", `{
		"type": "object",
		"properties": {
			"mission": {"type": "string", "minLength": 1},
			"feature": {"type": "string"}
		},
		"required": ["mission"]
	}`),
	TypeMissionCompleted: jsonschema.MustCompileString("mission-completed.json", `{
		"type": "object",
		"properties": {
			"mission": {"type": "string", "minLength": 1},
			"outcome": {"enum": ["merged", "abandoned"]}
		},
		"required": ["mission"]
	}`),
	TypeWorkPackageNote: jsonschema.MustCompileString("work-package-note.json", `{
		"type": "object",
		"properties": {
			"note": {"type": "string", "minLength": 1}
		},
		"required": ["note"]
	}`),
}

// ValidatePayload checks a payload against the schema registered for
// its event type. Types without a registered schema always pass.
func ValidatePayload(eventType string, payload map[string]any) error {
	schema, ok := payloadSchemas[eventType]
	if !ok {
		return nil
	}
	// Round-trip through JSON so Go-native values (ints, structs) become
	// the decoded-JSON shapes the validator expects.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: payload for %s not serializable: %w", eventType, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("event: payload for %s: %w", eventType, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("event: invalid %s payload: %w", eventType, err)
	}
	return nil
}
