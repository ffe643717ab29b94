package webhook

import (
	"encoding/json"
	"fmt"
)

// JobStatus is the normalized terminal-or-not state of a provider
// callback. Free-form provider statuses are folded into this enum at the
// ingress boundary; nothing downstream sees the raw string.
type JobStatus string

const (
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
	// StatusOther covers intermediate provider states (starting,
	// processing, ...); they are acknowledged without state change.
	StatusOther JobStatus = "other"
)

// callback is the provider's webhook body, normalized.
type callback struct {
	JobID  string
	Status JobStatus
	Output []string
	Error  string
}

// rawCallback matches the provider wire format. Output may be a single
// string, an array of strings, or null.
type rawCallback struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  *string         `json:"error"`
}

func parseCallback(body []byte) (*callback, error) {
	var raw rawCallback
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid callback body: %w", err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("callback missing job id")
	}

	cb := &callback{JobID: raw.ID, Status: normalizeStatus(raw.Status)}
	if raw.Error != nil {
		cb.Error = *raw.Error
	}

	output, err := parseOutput(raw.Output)
	if err != nil {
		return nil, err
	}
	cb.Output = output
	return cb, nil
}

func normalizeStatus(status string) JobStatus {
	switch status {
	case "succeeded":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "canceled":
		return StatusCanceled
	default:
		return StatusOther
	}
}

func parseOutput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("unsupported output shape: %w", err)
	}
	urls := many[:0]
	for _, u := range many {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}
