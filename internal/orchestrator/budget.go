package orchestrator

import (
	"sync"
	"time"

	"github.com/ShayCichocki/relay/internal/failure"
)

// BudgetStatus represents the current state of budget consumption.
type BudgetStatus int

const (
	// BudgetOK indicates usage is below the warning threshold.
	BudgetOK BudgetStatus = iota
	// BudgetWarning indicates usage is between the warning threshold and exhaustion.
	BudgetWarning
	// BudgetExhausted indicates the budget is fully consumed.
	BudgetExhausted
)

// String returns a human-readable representation of the budget status.
func (s BudgetStatus) String() string {
	switch s {
	case BudgetOK:
		return "OK"
	case BudgetWarning:
		return "Warning"
	case BudgetExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// DefaultWarningThreshold is the default fraction at which warnings begin.
const DefaultWarningThreshold = 0.80

// Admission is the budget's answer for a task about to be dispatched.
type Admission int

const (
	// Admit means the task fits the remaining budget.
	Admit Admission = iota
	// Defer means the task fits only once in-flight reservations settle.
	Defer
	// Reject means the task cannot fit even with nothing in flight.
	Reject
)

// Budget tracks one workflow's cost and wall-clock limits. Estimated costs
// of in-flight tasks are reserved so that parallel dispatch cannot jointly
// exceed the cost limit.
type Budget struct {
	// limitUSD is the cost cap. Zero means unlimited.
	limitUSD float64
	spent    float64
	reserved map[string]float64
	// maxDuration and startedAt define the deadline. Zero duration means unlimited.
	maxDuration time.Duration
	startedAt   time.Time
	// warningThreshold is the fraction (0.0-1.0) at which warnings begin.
	warningThreshold float64
	// warned is set once the warning has been reported.
	warned bool
	// mu protects mutable state.
	mu sync.RWMutex
}

// NewBudget creates a Budget. spent carries the cost already consumed when a
// workflow resumes.
func NewBudget(limitUSD float64, maxDuration time.Duration, startedAt time.Time, spent float64) *Budget {
	return &Budget{
		limitUSD:         limitUSD,
		spent:            spent,
		reserved:         make(map[string]float64),
		maxDuration:      maxDuration,
		startedAt:        startedAt,
		warningThreshold: DefaultWarningThreshold,
	}
}

// SetWarningThreshold sets the warning threshold fraction (0.0-1.0).
// Invalid values are clamped.
func (b *Budget) SetWarningThreshold(threshold float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	b.warningThreshold = threshold
}

// Admit decides whether a task with the given estimated cost may be
// dispatched. A rejection carries a *failure.BudgetExceededError.
func (b *Budget) Admit(taskID string, estimate float64) (Admission, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.limitUSD <= 0 {
		return Admit, nil
	}
	if b.spent+estimate > b.limitUSD {
		return Reject, &failure.BudgetExceededError{
			Kind:   failure.BudgetCost,
			Limit:  b.limitUSD,
			Amount: b.spent + estimate,
			TaskID: taskID,
		}
	}
	if b.spent+b.reservedLocked()+estimate > b.limitUSD {
		return Defer, nil
	}
	return Admit, nil
}

// CheckTime returns a *failure.BudgetExceededError once the deadline has passed.
func (b *Budget) CheckTime(now time.Time) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.maxDuration <= 0 || b.startedAt.IsZero() {
		return nil
	}
	elapsed := now.Sub(b.startedAt)
	if elapsed < b.maxDuration {
		return nil
	}
	return &failure.BudgetExceededError{
		Kind:   failure.BudgetTime,
		Limit:  b.maxDuration.Seconds(),
		Amount: elapsed.Seconds(),
	}
}

// Deadline returns the wall-clock deadline, or the zero time when unbounded.
func (b *Budget) Deadline() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.maxDuration <= 0 || b.startedAt.IsZero() {
		return time.Time{}
	}
	return b.startedAt.Add(b.maxDuration)
}

// Reserve holds the estimated cost of a dispatched task.
func (b *Budget) Reserve(taskID string, estimate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved[taskID] = estimate
}

// Release drops the reservation of a task that produced no billable result.
func (b *Budget) Release(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.reserved, taskID)
}

// Commit replaces a task's reservation with its actual cost. It returns true
// exactly once, when spend first crosses the warning threshold.
func (b *Budget) Commit(taskID string, actual float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.reserved, taskID)
	b.spent += actual
	if b.warned || b.limitUSD <= 0 {
		return false
	}
	if b.spent >= b.warningThreshold*b.limitUSD {
		b.warned = true
		return true
	}
	return false
}

// Spent returns the committed spend in USD.
func (b *Budget) Spent() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spent
}

// Reserved returns the total of in-flight reservations.
func (b *Budget) Reserved() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reservedLocked()
}

// Status returns the budget status based on committed spend.
func (b *Budget) Status() BudgetStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.limitUSD <= 0 {
		return BudgetOK // No budget limit set
	}
	percentage := b.spent / b.limitUSD
	if percentage >= 1.0 {
		return BudgetExhausted
	}
	if percentage >= b.warningThreshold {
		return BudgetWarning
	}
	return BudgetOK
}

func (b *Budget) reservedLocked() float64 {
	var sum float64
	for _, v := range b.reserved {
		sum += v
	}
	return sum
}
