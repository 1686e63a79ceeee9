package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var err error
	switch subject {
	case SubjectSessionPhase:
		var p SessionPhasePayload
		if err = json.Unmarshal(data, &p); err == nil && p.Phase == "" {
			err = errors.New("phase is required")
		}
	case SubjectSessionLogs:
		err = json.Unmarshal(data, &SessionLogsPayload{})
	case SubjectSessionQueueEmpty:
		err = json.Unmarshal(data, &QueueEmptyPayload{})
	case SubjectTaskStatus:
		var p TaskStatusPayload
		if err = json.Unmarshal(data, &p); err == nil && p.TaskID == "" {
			err = errors.New("task_id is required")
		}
	case SubjectTaskOutput:
		var p TaskOutputPayload
		if err = json.Unmarshal(data, &p); err == nil && p.TaskID == "" {
			err = errors.New("task_id is required")
		}
	case SubjectTaskEnqueue:
		var p TaskEnqueuePayload
		if err = json.Unmarshal(data, &p); err == nil && strings.TrimSpace(p.Prompt) == "" {
			err = errors.New("prompt is required")
		}
	default:
		return nil
	}

	if err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
