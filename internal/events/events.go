package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SubjectJobCreated carries one message per newly reserved job.
const SubjectJobCreated = "tryon.jobs.created"

// QueueDispatchers load-balances job-created deliveries across instances.
const QueueDispatchers = "tryon-dispatchers"

// JobCreated announces a PENDING job.
type JobCreated struct {
	JobID     string    `json:"jobId"`
	TenantID  string    `json:"tenantId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobCreatedHandler reacts to a created job. Errors are logged by the bus and
// never redelivered; the sweep picks up anything the handler could not do.
type JobCreatedHandler func(ctx context.Context, evt JobCreated) error

// Publisher announces new jobs.
type Publisher interface {
	PublishJobCreated(ctx context.Context, evt JobCreated) error
}

// Encode serialises evt for the wire.
func Encode(evt JobCreated) ([]byte, error) {
	if strings.TrimSpace(evt.JobID) == "" {
		return nil, errors.New("job id required")
	}
	return json.Marshal(evt)
}

// Decode parses a wire payload.
func Decode(data []byte) (JobCreated, error) {
	var evt JobCreated
	if err := json.Unmarshal(data, &evt); err != nil {
		return JobCreated{}, fmt.Errorf("decode job created: %w", err)
	}
	if strings.TrimSpace(evt.JobID) == "" {
		return JobCreated{}, errors.New("decode job created: missing jobId")
	}
	return evt, nil
}
