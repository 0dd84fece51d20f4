package domain

import (
	"time"
)

type Status string

const (
	Created        Status = "created"
	Queued         Status = "queued"
	Active         Status = "active"
	Completed      Status = "completed"
	RetryScheduled Status = "retry_scheduled"
	Stalled        Status = "stalled"
	DeadLettered   Status = "dead_lettered"
)

// Backend names the queue that currently holds a job.
type Backend string

const (
	BackendBroker Backend = "broker"
	BackendMemory Backend = "memory"
)

// Job is one unit of work flowing through the tiered queues.
// RetriesRemaining only ever decreases; a job belongs to exactly one tier.
type Job struct {
	ID               string
	Tier             Tier
	Priority         int
	Payload          []byte
	CreatedAt        time.Time
	ReadyAt          time.Time
	RetriesRemaining int
	MaxAttempts      int
	StallCount       int
	Status           Status
	Backend          Backend
	LastError        string
}

// AttemptsMade is how many executions have finished (and failed) for this
// job. The first execution consumes an attempt, not a retry, so a fresh job
// carries MaxAttempts-1 retries.
func (j *Job) AttemptsMade() int {
	return j.MaxAttempts - 1 - j.RetriesRemaining
}

// DeadLetter is the terminal record for a job whose retries (or stall
// budget) ran out. Retained for operators, never reprocessed automatically.
type DeadLetter struct {
	JobID        string
	Tier         Tier
	Payload      []byte
	Error        string
	FailedAt     time.Time
	AttemptsMade int
}
