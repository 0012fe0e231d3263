package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType identifies the handler a queued job is routed to.
type JobType string

const (
	JobTypeLLMGeneration      JobType = "llm_generation"
	JobTypeAudioTranscription JobType = "audio_transcription"
	JobTypeImageDescription   JobType = "image_description"
	JobTypeShapesImport       JobType = "shapes_import"
	JobTypeShapesExport       JobType = "shapes_export"
	JobTypePendingMemoryRetry JobType = "pending_memory_retry"
)

// JobStatus is the queue-side lifecycle of a job.
// Retrying is transient and internal to the queue; callers only ever
// observe queued/active/completed/failed.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
)

// JobDependency links a parent job to one of its preprocessing children.
// ResultKey is the intermediate-store address the child's output will be
// readable from once the child completes.
type JobDependency struct {
	ChildJobID string  `json:"child_job_id"`
	ChildType  JobType `json:"child_type"`
	Status     JobStatus `json:"status,omitempty"`
	ResultKey  string  `json:"result_key"`
}

// ResultKeyPrefix is the reserved intermediate-store prefix for
// preprocessing outputs.
const ResultKeyPrefix = "job-result:"

// ResultKeyFor returns the intermediate-store key for a child job's output.
func ResultKeyFor(childJobID string) string {
	return ResultKeyPrefix + childJobID
}

// Job is the immutable unit of work sent to the durable queue.
// Parent/child links are identifier fields, never owning pointers;
// traversal is by explicit lookup.
type Job struct {
	ID           string          `json:"id"`
	ParentID     *string         `json:"parent_id,omitempty"`
	Type         JobType         `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Dependencies []JobDependency `json:"dependencies,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Flow is a parent job plus its direct children, submitted atomically.
// The queue guarantees parent-after-children ordering and
// all-children-succeed admission.
type Flow struct {
	Parent   *Job
	Children []*Job
}

// Validate enforces the structural flow invariants: exactly one parent,
// children are preprocessing jobs, no grandchildren.
func (f *Flow) Validate() error {
	if f.Parent == nil {
		return fmt.Errorf("flow requires a parent job")
	}
	if f.Parent.ParentID != nil {
		return fmt.Errorf("flow parent %s must not itself have a parent", f.Parent.ID)
	}
	for _, child := range f.Children {
		if child.ParentID == nil || *child.ParentID != f.Parent.ID {
			return fmt.Errorf("child %s does not reference parent %s", child.ID, f.Parent.ID)
		}
		if len(child.Dependencies) > 0 {
			return fmt.Errorf("child %s must not have children of its own", child.ID)
		}
	}
	return nil
}

// UnmarshalPayload decodes the job payload into the given target.
func (j *Job) UnmarshalPayload(target interface{}) error {
	if err := json.Unmarshal(j.Payload, target); err != nil {
		return fmt.Errorf("failed to decode %s payload for job %s: %w", j.Type, j.ID, err)
	}
	return nil
}

// NewJob creates a root-level job with a serialized payload.
func NewJob(id string, jobType JobType, payload interface{}, maxAttempts int) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}
	return &Job{
		ID:          id,
		Type:        jobType,
		Payload:     data,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}, nil
}

// NewChildJob creates a preprocessing job under the given parent.
func NewChildJob(parentID, id string, jobType JobType, payload interface{}, maxAttempts int) (*Job, error) {
	job, err := NewJob(id, jobType, payload, maxAttempts)
	if err != nil {
		return nil, err
	}
	job.ParentID = &parentID
	return job, nil
}
