package status

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"wraith/internal/faults"
)

// envelopeSchema is the strict wire contract for status envelopes. Unknown
// payload kinds, missing required fields, and foreign schema tags all fail
// validation before routing.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://wraith.dev/schemas/status-event.json",
  "type": "object",
  "required": ["schema", "taskId", "contextId", "ts", "payload"],
  "additionalProperties": false,
  "properties": {
    "schema": {"const": "wraith/status/v1"},
    "taskId": {"type": "string", "minLength": 1},
    "contextId": {"type": "string"},
    "ts": {"type": "string"},
    "payload": {
      "oneOf": [
        {"$ref": "#/$defs/queue"},
        {"$ref": "#/$defs/state"},
        {"$ref": "#/$defs/scheduler"},
        {"$ref": "#/$defs/subtask"}
      ]
    }
  },
  "$defs": {
    "errorDetail": {
      "type": "object",
      "required": ["kind", "message", "retryable"],
      "additionalProperties": false,
      "properties": {
        "kind": {"enum": ["network", "protocol", "runtime", "timeout", "validation", "state", "unknown"]},
        "statusCode": {"type": "integer"},
        "url": {"type": "string"},
        "message": {"type": "string"},
        "retryable": {"type": "boolean"},
        "step": {"type": "integer"}
      }
    },
    "queue": {
      "type": "object",
      "required": ["kind", "event", "priority", "queueDepth", "available", "inUse", "contextId", "waitMs", "wasQueued"],
      "additionalProperties": false,
      "properties": {
        "kind": {"const": "QUEUE"},
        "event": {"enum": ["ENQUEUED", "DISPATCHED", "RELEASED"]},
        "priority": {"enum": ["foreground", "background"]},
        "queueDepth": {"type": "integer", "minimum": 0},
        "available": {"type": "integer", "minimum": 0},
        "inUse": {"type": "integer", "minimum": 0},
        "contextId": {"type": "string"},
        "waitMs": {"type": "integer", "minimum": 0},
        "wasQueued": {"type": "boolean"}
      }
    },
    "state": {
      "type": "object",
      "required": ["kind", "from", "to", "step"],
      "additionalProperties": false,
      "properties": {
        "kind": {"const": "STATE"},
        "from": {"enum": ["idle", "loading", "perceiving", "inferring", "acting", "complete", "failed"]},
        "to": {"enum": ["idle", "loading", "perceiving", "inferring", "acting", "complete", "failed"]},
        "step": {"type": "integer", "minimum": 0},
        "url": {"type": "string"},
        "reason": {"type": "string"},
        "error": {"$ref": "#/$defs/errorDetail"}
      }
    },
    "scheduler": {
      "type": "object",
      "required": ["kind", "event", "priority", "contextId", "assignmentWaitMs", "durationMs"],
      "additionalProperties": false,
      "properties": {
        "kind": {"const": "SCHEDULER"},
        "event": {"enum": ["STARTED", "SUCCEEDED", "FAILED", "CANCELLED", "CRASH_DETECTED", "RETRYING", "RESOURCE_BUDGET_EXCEEDED", "RESOURCE_BUDGET_KILLED"]},
        "priority": {"enum": ["foreground", "background"]},
        "contextId": {"type": "string"},
        "assignmentWaitMs": {"type": "integer", "minimum": 0},
        "durationMs": {"type": "integer", "minimum": 0},
        "error": {"$ref": "#/$defs/errorDetail"}
      }
    },
    "subtask": {
      "type": "object",
      "required": ["kind", "subtaskId", "subtaskIntent", "status", "verificationType", "currentSubtaskIndex", "totalSubtasks", "attempt", "checkpointLastCompletedSubtaskIndex"],
      "additionalProperties": false,
      "properties": {
        "kind": {"const": "SUBTASK"},
        "subtaskId": {"type": "string", "minLength": 1},
        "subtaskIntent": {"type": "string"},
        "status": {"enum": ["pending", "in_progress", "complete", "failed"]},
        "verificationType": {"enum": ["element_present", "url_matches", "data_extracted", "action_confirmed", "human_review"]},
        "verificationCondition": {"type": "string"},
        "currentSubtaskIndex": {"type": "integer", "minimum": 0},
        "totalSubtasks": {"type": "integer", "minimum": 1},
        "attempt": {"type": "integer", "minimum": 1},
        "checkpointLastCompletedSubtaskIndex": {"type": "integer", "minimum": -1},
        "reason": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(envelopeSchema), &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("status-event.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("status-event.json")
	})
	return compiledSchema, schemaErr
}

// Validate checks one envelope against the wire contract. The error, when
// non-nil, is a validation fault suitable for surfacing to the producer.
func Validate(env Envelope) error {
	schema, err := compiled()
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return faults.Newf(faults.KindValidation, "marshal status envelope: %v", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return faults.Newf(faults.KindValidation, "decode status envelope: %v", err)
	}

	if err := schema.Validate(doc); err != nil {
		return faults.Newf(faults.KindValidation, "status envelope rejected: %v", err)
	}
	return nil
}

// ValidateRaw checks an externally supplied JSON envelope before it is
// admitted to routing.
func ValidateRaw(data []byte) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return faults.Newf(faults.KindValidation, "decode status envelope: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return faults.Newf(faults.KindValidation, "status envelope rejected: %v", err)
	}
	return nil
}
