// Package domain holds the job tracker types shared by the workers,
// the scheduler, and the status API
package domain

import "time"

// JobStatus is the overall lifecycle state of a sync job
type JobStatus string

// Overall job states
const (
	JobReady    JobStatus = "READY"
	JobRunning  JobStatus = "RUNNING"
	JobFinished JobStatus = "FINISHED"
	JobFailed   JobStatus = "FAILED"
)

// StageStatus is a per step per stage sub-status
type StageStatus string

// Stage states
const (
	StageIdle     StageStatus = "idle"
	StageRunning  StageStatus = "running"
	StageFinished StageStatus = "finished"
	StageFailed   StageStatus = "failed"
)

// Job is one sync run for one tenant
type Job struct {
	ID       string
	TenantID string
	// Token correlates every message of this run; reissued on every attempt
	Token  string
	Status JobStatus
	// OldWatermark is the lower bound of the sync window, zero on first sync
	OldWatermark time.Time
	// NewWatermark becomes the tenant's watermark only when the job finishes
	NewWatermark time.Time
	// ResetDeadline is when a stuck RUNNING job may be reclaimed
	ResetDeadline time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StepState tracks one pipeline step's three stages
type StepState struct {
	Step        string
	Order       int
	DisplayName string
	Extraction  StageStatus
	Transform   StageStatus
	Embedding   StageStatus
}

// StepDoc is the per-step block of the status document
type StepDoc struct {
	Order       int         `json:"order"`
	DisplayName string      `json:"display_name"`
	Extraction  StageStatus `json:"extraction"`
	Transform   StageStatus `json:"transform"`
	Embedding   StageStatus `json:"embedding"`
}

// StatusDoc is the job status document served by the API
type StatusDoc struct {
	JobID         string             `json:"job_id"`
	TenantID      string             `json:"tenant_id"`
	Overall       JobStatus          `json:"overall"`
	Token         string             `json:"correlation_token"`
	OldWatermark  time.Time          `json:"old_sync_watermark"`
	NewWatermark  time.Time          `json:"new_sync_watermark"`
	ResetDeadline time.Time          `json:"reset_deadline"`
	Steps         map[string]StepDoc `json:"steps"`
}

// Integration is one tenant's sync configuration and schedule
type Integration struct {
	TenantID string
	// TokensCSV is the upstream credential set for this tenant
	TokensCSV string
	// Watermark is the last successfully synced point
	Watermark time.Time
	// Interval between scheduled runs
	Interval time.Duration
	// NextRunAt is when the scheduler should start the next job
	NextRunAt time.Time
	// ConsecutiveFailures drives the fast-retry cap
	ConsecutiveFailures int
	Enabled             bool
}
