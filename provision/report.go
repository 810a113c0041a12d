package provision

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/rotor/domain"
)

// Operation names a provisioning batch kind.
type Operation string

const (
	OpCreate  Operation = "create"
	OpDelete  Operation = "delete"
	OpRefresh Operation = "refresh"
)

// Success is a work item the provider completed.
type Success struct {
	Domain  string                `json:"domain"`
	Region  string                `json:"region"`
	Gateway *domain.RemoteGateway `json:"gateway"`
}

// Failure is a work item the provider could not complete.
type Failure struct {
	Domain string `json:"domain"`
	Region string `json:"region"`
	Target string `json:"target"` // Target URL for creates, gateway ID for deletes.
	Error  string `json:"error"`

	Err error `json:"-"`
}

// Report aggregates the outcome of every work item of a batch, keyed by domain
// (by region for refreshes). Partial success is an ordinary outcome.
type Report struct {
	ID         uuid.UUID            `json:"id"`
	Operation  Operation            `json:"operation"`
	Stage      string               `json:"stage,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Succeeded  map[string][]Success `json:"succeeded"`
	Failed     map[string][]Failure `json:"failed"`
	Warnings   []string             `json:"warnings,omitempty"`
}

func newReport(op Operation) *Report {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Report{
		ID:        id,
		Operation: op,
		StartedAt: time.Now(),
		Succeeded: make(map[string][]Success),
		Failed:    make(map[string][]Failure),
	}
}

// SuccessCount returns the number of successful work items.
func (r *Report) SuccessCount() int {
	count := 0
	for _, successes := range r.Succeeded {
		count += len(successes)
	}
	return count
}

// FailureCount returns the number of failed work items.
func (r *Report) FailureCount() int {
	count := 0
	for _, failures := range r.Failed {
		count += len(failures)
	}
	return count
}

// Summary returns a one line description of the batch.
func (r *Report) Summary() string {
	return fmt.Sprintf("%s batch %s: %d succeeded, %d failed", r.Operation, r.ID, r.SuccessCount(), r.FailureCount())
}

func (r *Report) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// outcome is the result of the work item at index.
type outcome struct {
	index   int
	success *Success
	failure *Failure
}

// collector gathers outcomes from the worker goroutines.
type collector struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (c *collector) succeed(index int, success Success) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome{index: index, success: &success})
}

func (c *collector) fail(index int, failure Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome{index: index, failure: &failure})
}

// ordered returns the outcomes in work item order. Only call after the join.
func (c *collector) ordered() []outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	ordered := slices.Clone(c.outcomes)
	slices.SortFunc(ordered, func(a, b outcome) int { return a.index - b.index })
	return ordered
}
