package models

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of an orchestration run.
type RunStatus string

const (
	RunQueued     RunStatus = "Queued"
	RunRunning    RunStatus = "Running"
	RunCancelling RunStatus = "Cancelling"
	RunCompleted  RunStatus = "Completed"
	RunFailed     RunStatus = "Failed"
	RunCancelled  RunStatus = "Cancelled"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunQueued:     {RunRunning, RunCancelling, RunCancelled, RunFailed},
	RunRunning:    {RunCancelling, RunCompleted, RunFailed, RunCancelled},
	RunCancelling: {RunCancelled, RunCompleted, RunFailed},
	RunCompleted:  {},
	RunFailed:     {},
	RunCancelled:  {},
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	_, ok := runTransitions[s]
	return ok
}

// IsActive reports whether the run still occupies or waits for the run slot.
func (s RunStatus) IsActive() bool {
	return s == RunQueued || s == RunRunning || s == RunCancelling
}

// CanTransitionTo reports whether a run may move from s to next. Staying in
// the same status is allowed so progress writes can be repeated.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s == next {
		return s.Valid()
	}
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates the move from s to next.
func (s RunStatus) Transition(next RunStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// StatusesReaching returns every status a stored run may hold for a write of
// next to be accepted over it.
func StatusesReaching(next RunStatus) []RunStatus {
	var from []RunStatus
	for s := range runTransitions {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	sort.Slice(from, func(i, j int) bool { return from[i] < from[j] })
	return from
}

// Value implements driver.Valuer
func (s RunStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown run status %q", string(s))
	}
	return string(s), nil
}

// Scan implements sql.Scanner
func (s *RunStatus) Scan(value interface{}) error {
	var raw string
	switch v := value.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into RunStatus", value)
	}
	st := RunStatus(raw)
	if !st.Valid() {
		return fmt.Errorf("unknown run status %q", raw)
	}
	*s = st
	return nil
}

// Phase is one step of the orchestration pipeline.
type Phase string

const (
	PhaseSync              Phase = "sync"
	PhaseCreateJobs        Phase = "create-jobs"
	PhaseVerifyCredentials Phase = "verify-credentials"
	PhaseCheckStatuses     Phase = "check-statuses"
	PhaseProcessScraping   Phase = "process-scraping"
	PhaseCheckAllStatuses  Phase = "check-all-statuses"
	PhaseFullCycle         Phase = "full-cycle"
)

// pipelineOrder is the fixed execution order. Status checks run before
// scrape dispatch so a job resolved since the last cycle is never re-requested.
var pipelineOrder = []Phase{
	PhaseSync,
	PhaseCreateJobs,
	PhaseVerifyCredentials,
	PhaseCheckAllStatuses,
	PhaseCheckStatuses,
	PhaseProcessScraping,
}

// ParsePhase converts a phase name into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if p == PhaseFullCycle {
		return p, nil
	}
	for _, known := range pipelineOrder {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// OrderPhases expands full-cycle, removes duplicates and sorts phases into
// pipeline order.
func OrderPhases(phases []Phase) []Phase {
	want := make(map[Phase]bool, len(phases))
	for _, p := range phases {
		if p == PhaseFullCycle {
			for _, fp := range FullCyclePhases() {
				want[fp] = true
			}
			continue
		}
		want[p] = true
	}
	ordered := make([]Phase, 0, len(want))
	for _, p := range pipelineOrder {
		if want[p] {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// FullCyclePhases returns the phases of a full cycle in execution order.
func FullCyclePhases() []Phase {
	return []Phase{PhaseSync, PhaseCreateJobs, PhaseVerifyCredentials, PhaseCheckStatuses, PhaseProcessScraping}
}

// RunCounters aggregates per-phase results of a run.
type RunCounters struct {
	AccountsInserted    int `gorm:"column:accounts_inserted" json:"accountsInserted"`
	AccountsUpdated     int `gorm:"column:accounts_updated" json:"accountsUpdated"`
	AccountsUnchanged   int `gorm:"column:accounts_unchanged" json:"accountsUnchanged"`
	AccountsDeactivated int `gorm:"column:accounts_deactivated" json:"accountsDeactivated"`
	JobsCreated         int `gorm:"column:jobs_created" json:"jobsCreated"`
	JobsSkipped         int `gorm:"column:jobs_skipped" json:"jobsSkipped"`
	CredentialsVerified int `gorm:"column:credentials_verified" json:"credentialsVerified"`
	CredentialsFailed   int `gorm:"column:credentials_failed" json:"credentialsFailed"`
	StatusesChecked     int `gorm:"column:statuses_checked" json:"statusesChecked"`
	ScrapesRequested    int `gorm:"column:scrapes_requested" json:"scrapesRequested"`
	JobsCompleted       int `gorm:"column:jobs_completed" json:"jobsCompleted"`
	JobsFailed          int `gorm:"column:jobs_failed" json:"jobsFailed"`
	JobsNeedsReview     int `gorm:"column:jobs_needs_review" json:"jobsNeedsReview"`
	ItemErrors          int `gorm:"column:item_errors" json:"itemErrors"`
}

// Add accumulates other into c.
func (c *RunCounters) Add(other RunCounters) {
	c.AccountsInserted += other.AccountsInserted
	c.AccountsUpdated += other.AccountsUpdated
	c.AccountsUnchanged += other.AccountsUnchanged
	c.AccountsDeactivated += other.AccountsDeactivated
	c.JobsCreated += other.JobsCreated
	c.JobsSkipped += other.JobsSkipped
	c.CredentialsVerified += other.CredentialsVerified
	c.CredentialsFailed += other.CredentialsFailed
	c.StatusesChecked += other.StatusesChecked
	c.ScrapesRequested += other.ScrapesRequested
	c.JobsCompleted += other.JobsCompleted
	c.JobsFailed += other.JobsFailed
	c.JobsNeedsReview += other.JobsNeedsReview
	c.ItemErrors += other.ItemErrors
}

// OrchestrationRun is one execution of the pipeline, manual or background.
// ID doubles as the request id returned to callers.
type OrchestrationRun struct {
	ID           string      `gorm:"column:id;primaryKey" json:"requestId"`
	RequestedBy  string      `gorm:"column:requested_by" json:"requestedBy"`
	Phases       string      `gorm:"column:phases" json:"phases"`
	Status       RunStatus   `gorm:"column:status;index" json:"status"`
	CurrentPhase *string     `gorm:"column:current_phase" json:"currentPhase,omitempty"`
	RequestedAt  time.Time   `gorm:"column:requested_at;index" json:"requestedAt"`
	StartedAt    *time.Time  `gorm:"column:started_at" json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `gorm:"column:completed_at" json:"completedAt,omitempty"`
	ErrorMessage *string     `gorm:"column:error_message" json:"errorMessage,omitempty"`
	Counters     RunCounters `gorm:"embedded" json:"counters"`
	UpdatedAt    time.Time   `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName specifies the table name for GORM
func (OrchestrationRun) TableName() string {
	return "adr_orchestration_run"
}

// Transition moves the run to next. Terminal runs cannot be reopened.
func (r *OrchestrationRun) Transition(next RunStatus) error {
	if err := r.Status.Transition(next); err != nil {
		return err
	}
	r.Status = next
	return nil
}

// PhaseList decodes the stored phase list.
func (r *OrchestrationRun) PhaseList() []Phase {
	if r.Phases == "" {
		return nil
	}
	parts := strings.Split(r.Phases, ",")
	phases := make([]Phase, 0, len(parts))
	for _, p := range parts {
		phases = append(phases, Phase(p))
	}
	return phases
}

// JoinPhases encodes phases for storage.
func JoinPhases(phases []Phase) string {
	parts := make([]string, len(phases))
	for i, p := range phases {
		parts[i] = string(p)
	}
	return strings.Join(parts, ",")
}
