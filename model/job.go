package model

import "time"

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// RunOptions is the run configuration requested by a client
type RunOptions struct {
	// Tags to select (empty runs every test)
	Tags []string `json:"tags,omitempty"`
	// Include tests marked as long running
	IncludeLongRunning bool `json:"includeLongRunning,omitempty"`
	// Include preview tests
	IncludePreview bool `json:"includePreview,omitempty"`
}

// Job represents a single Maester test run attempt.
// Jobs are owned by the tracker and never shared by reference.
type Job struct {
	// Unique ID for this job (UUID v4)
	ID string
	// Current lifecycle state
	Status JobStatus
	// Time the job was created
	StartTime time.Time
	// Time the job reached a terminal state (zero while running)
	EndTime time.Time
	// Local path the runner writes the HTML report to
	OutputPath string
	// Options the run was requested with
	Options RunOptions
	// Exit code of the child process, nil until it exited
	ExitCode *int
	// Published report name, set on success only
	ReportName string
	// Human-readable failure cause, set on failure only
	Error string
}

// Snapshot returns a copy of the job suitable for handing out to callers.
func (j *Job) Snapshot() JobSnapshot {
	s := JobSnapshot{
		JobID:      j.ID,
		Status:     j.Status,
		StartTime:  j.StartTime,
		ReportName: j.ReportName,
		Error:      j.Error,
		Options:    j.Options,
	}
	if !j.EndTime.IsZero() {
		end := j.EndTime
		s.EndTime = &end
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		s.ExitCode = &code
	}
	return s
}

// JobSnapshot is the externally visible view of a job
type JobSnapshot struct {
	JobID      string     `json:"jobId"`
	Status     JobStatus  `json:"status"`
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	ReportName string     `json:"reportName,omitempty"`
	Error      string     `json:"error,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	Options    RunOptions `json:"options"`
}
