// Package status defines the typed status events streamed from the runtime
// to its consumers, the schema gate applied at the routing boundary, and the
// ordered fan-out bus that carries them.
package status

import (
	"encoding/json"
	"fmt"
	"time"

	"wraith/internal/faults"
)

// SchemaVersion tags every envelope. The boundary validator rejects
// envelopes carrying any other tag.
const SchemaVersion = "wraith/status/v1"

// Kind discriminates the payload union.
type Kind string

const (
	KindQueue     Kind = "QUEUE"
	KindState     Kind = "STATE"
	KindScheduler Kind = "SCHEDULER"
	KindSubtask   Kind = "SUBTASK"
)

// QueueEvent names pool queue transitions.
type QueueEvent string

const (
	QueueEnqueued   QueueEvent = "ENQUEUED"
	QueueDispatched QueueEvent = "DISPATCHED"
	QueueReleased   QueueEvent = "RELEASED"
)

// SchedulerEvent names scheduler attempt transitions. CANCELLED is part of
// the terminal set because the stream must terminate cancelled tasks
// explicitly.
type SchedulerEvent string

const (
	SchedulerStarted        SchedulerEvent = "STARTED"
	SchedulerSucceeded      SchedulerEvent = "SUCCEEDED"
	SchedulerFailed         SchedulerEvent = "FAILED"
	SchedulerCancelled      SchedulerEvent = "CANCELLED"
	SchedulerCrashDetected  SchedulerEvent = "CRASH_DETECTED"
	SchedulerRetrying       SchedulerEvent = "RETRYING"
	SchedulerBudgetExceeded SchedulerEvent = "RESOURCE_BUDGET_EXCEEDED"
	SchedulerBudgetKilled   SchedulerEvent = "RESOURCE_BUDGET_KILLED"
)

// TerminalSchedulerEvents are the events after which a task emits nothing.
var TerminalSchedulerEvents = map[SchedulerEvent]bool{
	SchedulerSucceeded: true,
	SchedulerFailed:    true,
	SchedulerCancelled: true,
}

// Payload is one arm of the status union.
type Payload interface {
	Kind() Kind
}

// QueuePayload reports pool queue activity for one acquire request.
type QueuePayload struct {
	Event      QueueEvent `json:"event"`
	Priority   string     `json:"priority"`
	QueueDepth int        `json:"queueDepth"`
	Available  int        `json:"available"`
	InUse      int        `json:"inUse"`
	ContextID  string     `json:"contextId"`
	WaitMS     int64      `json:"waitMs"`
	WasQueued  bool       `json:"wasQueued"`
}

// Kind implements Payload.
func (QueuePayload) Kind() Kind { return KindQueue }

// StatePayload reports one accepted task state transition.
type StatePayload struct {
	From   string         `json:"from"`
	To     string         `json:"to"`
	Step   int            `json:"step"`
	URL    string         `json:"url,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Error  *faults.Detail `json:"error,omitempty"`
}

// Kind implements Payload.
func (StatePayload) Kind() Kind { return KindState }

// SchedulerPayload reports scheduler attempt activity.
type SchedulerPayload struct {
	Event            SchedulerEvent `json:"event"`
	Priority         string         `json:"priority"`
	ContextID        string         `json:"contextId"`
	AssignmentWaitMS int64          `json:"assignmentWaitMs"`
	DurationMS       int64          `json:"durationMs"`
	Error            *faults.Detail `json:"error,omitempty"`
}

// Kind implements Payload.
func (SchedulerPayload) Kind() Kind { return KindScheduler }

// SubtaskPayload reports decomposition plan progress.
type SubtaskPayload struct {
	SubtaskID             string `json:"subtaskId"`
	SubtaskIntent         string `json:"subtaskIntent"`
	Status                string `json:"status"`
	VerificationType      string `json:"verificationType"`
	VerificationCondition string `json:"verificationCondition,omitempty"`
	CurrentSubtaskIndex   int    `json:"currentSubtaskIndex"`
	TotalSubtasks         int    `json:"totalSubtasks"`
	Attempt               int    `json:"attempt"`
	CheckpointIndex       int    `json:"checkpointLastCompletedSubtaskIndex"`
	Reason                string `json:"reason,omitempty"`
}

// Kind implements Payload.
func (SubtaskPayload) Kind() Kind { return KindSubtask }

// Envelope wraps one payload with its routing identity.
type Envelope struct {
	Schema    string    `json:"schema"`
	TaskID    string    `json:"taskId"`
	ContextID string    `json:"contextId"`
	TS        time.Time `json:"ts"`
	Payload   Payload   `json:"payload"`
}

// NewEnvelope stamps a payload for routing.
func NewEnvelope(taskID, contextID string, payload Payload) Envelope {
	return Envelope{
		Schema:    SchemaVersion,
		TaskID:    taskID,
		ContextID: contextID,
		TS:        time.Now(),
		Payload:   payload,
	}
}

// MarshalJSON injects the discriminator into the payload object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope for task %s has no payload", e.TaskID)
	}

	inner, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(inner, &obj); err != nil {
		return nil, err
	}
	kind, err := json.Marshal(e.Payload.Kind())
	if err != nil {
		return nil, err
	}
	obj["kind"] = kind
	payload, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	type wire struct {
		Schema    string          `json:"schema"`
		TaskID    string          `json:"taskId"`
		ContextID string          `json:"contextId"`
		TS        time.Time       `json:"ts"`
		Payload   json.RawMessage `json:"payload"`
	}
	return json.Marshal(wire{
		Schema:    e.Schema,
		TaskID:    e.TaskID,
		ContextID: e.ContextID,
		TS:        e.TS,
		Payload:   payload,
	})
}

// UnmarshalJSON dispatches on the payload discriminator.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type wire struct {
		Schema    string          `json:"schema"`
		TaskID    string          `json:"taskId"`
		ContextID string          `json:"contextId"`
		TS        time.Time       `json:"ts"`
		Payload   json.RawMessage `json:"payload"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var disc struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(w.Payload, &disc); err != nil {
		return fmt.Errorf("payload discriminator: %w", err)
	}

	var payload Payload
	switch disc.Kind {
	case KindQueue:
		var p QueuePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	case KindState:
		var p StatePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	case KindScheduler:
		var p SchedulerPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	case KindSubtask:
		var p SubtaskPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	default:
		return fmt.Errorf("unknown payload kind: %q", disc.Kind)
	}

	e.Schema = w.Schema
	e.TaskID = w.TaskID
	e.ContextID = w.ContextID
	e.TS = w.TS
	e.Payload = payload
	return nil
}
