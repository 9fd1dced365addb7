package jobqueue

import (
	"encoding/json"
	"time"

	"github.com/ManuelReschke/OrgAdmin/internal/pkg/billing"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeGatewayCreateSubscription JobType = JobType(billing.FollowUpCreateSubscription)
	JobTypeGatewayCancelSubscription JobType = JobType(billing.FollowUpCancelSubscription)
	JobTypeGatewayEnableSubscription JobType = JobType(billing.FollowUpEnableSubscription)
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// FollowUpJobPayload carries the subscription a gateway follow-up is owed for.
type FollowUpJobPayload struct {
	SubscriptionID string    `json:"subscription_id"`
	RequestedAt    time.Time `json:"requested_at"`
}

// ToMap converts the payload to a map for storage
func (p FollowUpJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": p.SubscriptionID,
		"requested_at":    p.RequestedAt.UTC().Format(time.RFC3339Nano),
	}
}

// FollowUpJobPayloadFromMap creates a payload from a map
func FollowUpJobPayloadFromMap(data map[string]interface{}) (*FollowUpJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload FollowUpJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// FollowUp rebuilds the billing follow-up a job was created for.
func (j *Job) FollowUp() (billing.FollowUp, error) {
	payload, err := FollowUpJobPayloadFromMap(j.Payload)
	if err != nil {
		return billing.FollowUp{}, err
	}
	return billing.FollowUp{
		Kind:           billing.FollowUpKind(j.Type),
		SubscriptionID: payload.SubscriptionID,
		RequestedAt:    payload.RequestedAt,
	}, nil
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing(now time.Time) {
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted(now time.Time) {
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(now time.Time, errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = now
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying(now time.Time) {
	j.Status = JobStatusRetrying
	j.UpdatedAt = now
}
