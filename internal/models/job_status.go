package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a job or run is moved to a status
// that is not reachable from its current one.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStatus is the lifecycle state of a retrieval job.
type JobStatus string

const (
	JobPending                   JobStatus = "Pending"
	JobCredentialCheckRequested  JobStatus = "CredentialCheckRequested"
	JobCredentialCheckInProgress JobStatus = "CredentialCheckInProgress"
	JobCredentialVerified        JobStatus = "CredentialVerified"
	JobCredentialFailed          JobStatus = "CredentialFailed"
	JobScrapeRequested           JobStatus = "ScrapeRequested"
	JobStatusCheckInProgress     JobStatus = "StatusCheckInProgress"
	JobCompleted                 JobStatus = "Completed"
	JobFailed                    JobStatus = "Failed"
	JobNeedsReview               JobStatus = "NeedsReview"
	JobCancelled                 JobStatus = "Cancelled"
)

// jobTransitions lists the statuses reachable from each status through the
// automated pipeline. Refire is handled separately and may reset any job.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {
		JobCredentialCheckRequested, JobCredentialVerified, JobScrapeRequested,
		JobCompleted, JobFailed, JobNeedsReview, JobCancelled,
	},
	JobCredentialCheckRequested: {
		JobCredentialCheckInProgress, JobCredentialVerified, JobCredentialFailed,
		JobNeedsReview, JobCancelled,
	},
	JobCredentialCheckInProgress: {
		JobCredentialCheckRequested, JobCredentialVerified, JobCredentialFailed,
		JobNeedsReview, JobCancelled,
	},
	JobCredentialFailed: {
		JobCredentialCheckRequested, JobCredentialVerified, JobNeedsReview, JobCancelled,
	},
	JobCredentialVerified: {
		JobScrapeRequested, JobCompleted, JobFailed, JobNeedsReview, JobCancelled,
	},
	JobScrapeRequested: {
		JobStatusCheckInProgress, JobCompleted, JobFailed, JobNeedsReview, JobCancelled,
	},
	JobStatusCheckInProgress: {
		JobScrapeRequested, JobCompleted, JobFailed, JobNeedsReview, JobCancelled,
	},
	JobCompleted:   {},
	JobFailed:      {},
	JobNeedsReview: {},
	JobCancelled:   {},
}

// ParseJobStatus converts a stored string into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// IsTerminal reports whether the pipeline will not move the job any further
// without a refire.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobNeedsReview, JobCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the pipeline may move a job from s to next.
// Staying in the same status is always allowed for bookkeeping updates.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return s.Valid()
	}
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates a move from s to next.
func (s JobStatus) Transition(next JobStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// Value implements driver.Valuer so unknown statuses never reach the database.
func (s JobStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown job status %q", string(s))
	}
	return string(s), nil
}

// Scan implements sql.Scanner
func (s *JobStatus) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into JobStatus", value)
	}
	st, err := ParseJobStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}
