package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusFailed   = "failed"
)

// Run is one recorded execution of a pipeline step. Config holds the step's
// parsed arguments; inputs are tracked separately as artifact usage links.
type Run struct {
	ID           uuid.UUID      `db:"id"            json:"id"`
	Project      string         `db:"project"       json:"project"`
	JobType      string         `db:"job_type"      json:"job_type"`
	Status       string         `db:"status"        json:"status"`
	Config       map[string]any `db:"config"        json:"config,omitempty"`
	ErrorMessage *string        `db:"error_message" json:"error_message,omitempty"`
	StartedAt    time.Time      `db:"started_at"    json:"started_at"`
	FinishedAt   *time.Time     `db:"finished_at"   json:"finished_at,omitempty"`
}
