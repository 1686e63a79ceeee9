package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateValidPayloads(t *testing.T) {
	tests := []struct {
		subject string
		data    string
	}{
		{SubjectSessionPhase, `{"session_key":"s1","phase":"streaming","task_id":"t1"}`},
		{SubjectSessionLogs, `{"session_key":"s1","count":3,"last_id":"log-9"}`},
		{SubjectSessionQueueEmpty, `{"session_key":"s1","completed":2,"failed":1}`},
		{SubjectTaskStatus, `{"session_key":"s1","task_id":"t1","label":"Fix","status":"completed"}`},
		{SubjectTaskOutput, `{"session_key":"s1","task_id":"t1","output":"done","success":true}`},
		{SubjectTaskEnqueue, `{"prompt":"Fix the build","label":"Fix","module_id":"m1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			if err := Validate(tt.subject, []byte(tt.data)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	if err := Validate("agentdeck.unknown", []byte(`{"foo":"bar"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	err := Validate(SubjectTaskStatus, []byte(`{not valid json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected 'invalid JSON' in error, got: %v", err)
	}
}

func TestValidateInvalidSchema(t *testing.T) {
	err := Validate(SubjectSessionLogs, []byte(`"just a string"`))
	if err == nil {
		t.Fatal("expected schema validation error")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("expected 'schema validation failed' in error, got: %v", err)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		subject string
		data    string
		want    string
	}{
		{SubjectSessionPhase, `{"session_key":"s1"}`, "phase is required"},
		{SubjectTaskStatus, `{"status":"running"}`, "task_id is required"},
		{SubjectTaskOutput, `{"output":"x"}`, "task_id is required"},
		{SubjectTaskEnqueue, `{"label":"Fix","prompt":"   "}`, "prompt is required"},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			err := Validate(tt.subject, []byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q, got %v", tt.want, err)
			}
		})
	}
}

func TestSubjectFor(t *testing.T) {
	if got := SubjectFor("session.phase"); got != SubjectSessionPhase {
		t.Fatalf("SubjectFor(session.phase) = %q", got)
	}
	if got := SubjectFor("task.output"); got != SubjectTaskOutput {
		t.Fatalf("SubjectFor(task.output) = %q", got)
	}
}
