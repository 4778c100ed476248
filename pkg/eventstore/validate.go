package eventstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/arbiterhq/arbiter/pkg/contracts"
)

// envelopeSchema gates every append. The schema is deliberately loose about
// payload contents (Data is any object; consumers tolerate additive fields)
// and strict about the addressing fields the store's invariants depend on.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_type", "workspace_id", "stream", "actor", "correlation_id", "data"],
  "properties": {
    "event_type": {"type": "string", "pattern": "^[a-z0-9_]+(\\.[a-z0-9_]+)+$"},
    "event_version": {"type": "integer", "minimum": 1},
    "workspace_id": {"type": "string", "minLength": 1},
    "stream": {
      "type": "object",
      "required": ["type", "id"],
      "properties": {
        "type": {"enum": ["room", "thread", "workspace"]},
        "id": {"type": "string", "minLength": 1}
      }
    },
    "actor": {
      "type": "object",
      "required": ["type", "id"],
      "properties": {
        "type": {"enum": ["service", "user", "agent"]},
        "id": {"type": "string", "minLength": 1}
      }
    },
    "zone": {"enum": ["sandbox", "supervised", "high_stakes"]},
    "correlation_id": {"type": "string", "minLength": 1},
    "data": {"type": "object"}
  }
}`

var compiledEnvelopeSchema = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// validateEnvelope normalizes defaults and checks env against the schema.
// It returns the effective envelope or a wrapped ErrInvalidEnvelope.
func validateEnvelope(env Envelope) (Envelope, error) {
	if env.EventVersion == 0 {
		env.EventVersion = 1
	}
	if env.Zone == "" {
		env.Zone = contracts.ZoneSandbox
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}

	doc := map[string]any{
		"event_type":     env.EventType,
		"event_version":  env.EventVersion,
		"workspace_id":   env.WorkspaceID,
		"stream":         map[string]any{"type": string(env.Stream.Type), "id": env.Stream.ID},
		"actor":          map[string]any{"type": string(env.Actor.Type), "id": env.Actor.ID},
		"zone":           string(env.Zone),
		"correlation_id": env.CorrelationID,
		"data":           env.Data,
	}
	// jsonschema validates decoded generics, not structs; round-trip Data so
	// typed values inside it do not trip instance checks.
	raw, err := json.Marshal(doc)
	if err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := compiledEnvelopeSchema.Validate(generic); err != nil {
		return env, fmt.Errorf("%w: %s", ErrInvalidEnvelope, compactSchemaError(err))
	}
	return env, nil
}

func compactSchemaError(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		msg = msg[:i]
	}
	return msg
}
