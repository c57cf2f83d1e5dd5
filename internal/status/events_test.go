package status

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"wraith/internal/faults"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name    string
		payload Payload
	}{
		{
			"queue",
			QueuePayload{
				Event:      QueueDispatched,
				Priority:   "foreground",
				QueueDepth: 2,
				Available:  1,
				InUse:      3,
				ContextID:  "ghost-2",
				WaitMS:     140,
				WasQueued:  true,
			},
		},
		{
			"state",
			StatePayload{
				From:   "perceiving",
				To:     "inferring",
				Step:   4,
				URL:    "https://example.com/results",
				Reason: "observation captured",
			},
		},
		{
			"scheduler with error",
			SchedulerPayload{
				Event:            SchedulerFailed,
				Priority:         "background",
				ContextID:        "ghost-1",
				AssignmentWaitMS: 0,
				DurationMS:       5120,
				Error:            faults.New(faults.KindTimeout, "navigation timed out").WithStep(3),
			},
		},
		{
			"subtask",
			SubtaskPayload{
				SubtaskID:           "st_a1b2c3d4",
				SubtaskIntent:       "extract prices from results",
				Status:              "in_progress",
				VerificationType:    "data_extracted",
				CurrentSubtaskIndex: 1,
				TotalSubtasks:       3,
				Attempt:             1,
				CheckpointIndex:     0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Envelope{
				Schema:    SchemaVersion,
				TaskID:    "task_9f8e7d",
				ContextID: "ghost-2",
				TS:        ts,
				Payload:   tt.payload,
			}

			data, err := json.Marshal(in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if !strings.Contains(string(data), `"kind":"`+string(tt.payload.Kind())+`"`) {
				t.Errorf("wire form missing kind discriminator: %s", data)
			}

			var out Envelope
			if err := json.Unmarshal(data, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if diff := cmp.Diff(in, out); diff != "" {
				t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEnvelopeRejectsUnknownKind(t *testing.T) {
	raw := `{"schema":"wraith/status/v1","taskId":"t1","contextId":"","ts":"2026-03-14T09:26:53Z","payload":{"kind":"TELEMETRY"}}`

	var out Envelope
	err := json.Unmarshal([]byte(raw), &out)
	if err == nil {
		t.Fatal("unmarshal accepted unknown payload kind")
	}
	if !strings.Contains(err.Error(), "unknown payload kind") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEnvelopeRejectsMissingPayload(t *testing.T) {
	env := Envelope{Schema: SchemaVersion, TaskID: "t1"}
	if _, err := json.Marshal(env); err == nil {
		t.Fatal("marshal accepted envelope without payload")
	}
}

func TestTerminalSchedulerEvents(t *testing.T) {
	terminal := []SchedulerEvent{SchedulerSucceeded, SchedulerFailed, SchedulerCancelled}
	for _, ev := range terminal {
		if !TerminalSchedulerEvents[ev] {
			t.Errorf("%s should be terminal", ev)
		}
	}
	nonTerminal := []SchedulerEvent{SchedulerStarted, SchedulerRetrying, SchedulerCrashDetected, SchedulerBudgetExceeded, SchedulerBudgetKilled}
	for _, ev := range nonTerminal {
		if TerminalSchedulerEvents[ev] {
			t.Errorf("%s should not be terminal", ev)
		}
	}
}
