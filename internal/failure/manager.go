package failure

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Action is what the orchestrator should do after a failed attempt.
type Action int

const (
	// ActionRetry re-runs the task on the same model after Delay.
	ActionRetry Action = iota
	// ActionFallback re-runs the task on the router's next candidate.
	ActionFallback
	// ActionFail gives up on the task.
	ActionFail
)

// String returns a human-readable representation of the action.
func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallback:
		return "fallback"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Curve is an exponential backoff curve.
type Curve struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `mapstructure:"initial"`
	// Multiplier scales the delay after each retry. Values below 1 are treated as 1.
	Multiplier float64 `mapstructure:"multiplier"`
	// Max caps the delay. Zero means no cap.
	Max time.Duration `mapstructure:"max"`
	// Jitter randomizes each delay by up to this fraction (0-1).
	Jitter float64 `mapstructure:"jitter"`
}

// Delay returns the delay before retry number attempt (1-based).
func (c Curve) Delay(attempt int, rnd func() float64) time.Duration {
	if c.Initial <= 0 || attempt < 1 {
		return 0
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(c.Initial) * math.Pow(mult, float64(attempt-1))
	if c.Max > 0 && d > float64(c.Max) {
		d = float64(c.Max)
	}
	if c.Jitter > 0 && rnd != nil {
		j := d * c.Jitter * (2*rnd() - 1)
		d += j
		if c.Max > 0 && d > float64(c.Max) {
			d = float64(c.Max)
		}
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Policy configures recovery.
type Policy struct {
	// MaxRetries is the shared retry cap tracked on the task (default 3).
	MaxRetries int   `mapstructure:"max_retries"`
	Transient  Curve `mapstructure:"transient"`
	Semantic   Curve `mapstructure:"semantic"`
	Capability Curve `mapstructure:"capability"`
}

// DefaultPolicy returns the default recovery policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Transient:  Curve{Initial: 500 * time.Millisecond, Multiplier: 2, Max: 30 * time.Second, Jitter: 0.1},
		Semantic:   Curve{Multiplier: 1},
		Capability: Curve{Multiplier: 1},
	}
}

// Validate checks the policy for invalid values.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries)
	}
	for name, c := range map[string]Curve{"transient": p.Transient, "semantic": p.Semantic, "capability": p.Capability} {
		if c.Initial < 0 || c.Max < 0 {
			return fmt.Errorf("%s backoff durations must be >= 0", name)
		}
		if c.Jitter < 0 || c.Jitter > 1 {
			return fmt.Errorf("%s backoff jitter must be within [0, 1], got %v", name, c.Jitter)
		}
	}
	return nil
}

// Attempt describes the failed attempt being evaluated.
type Attempt struct {
	TaskID string
	// RetryCount is the number of recoveries already consumed by the task.
	RetryCount int
	// HasFallback reports whether the router offered another candidate.
	HasFallback bool
}

// Decision is the manager's verdict on a failed attempt.
type Decision struct {
	Action Action
	Class  Class
	// Delay is how long to wait before the next attempt.
	Delay time.Duration
	// Corrective is extra context for semantic retries.
	Corrective string
	// Reason explains the decision for logs and events.
	Reason string
}

// Manager classifies failures and decides between retry, fallback and failure.
// It holds no per-task state; the caller tracks RetryCount on the task.
type Manager struct {
	policy Policy
	rnd    func() float64
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRand sets the jitter source. Tests use a fixed function.
func WithRand(rnd func() float64) ManagerOption {
	return func(m *Manager) { m.rnd = rnd }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager with the given policy.
func NewManager(policy Policy, opts ...ManagerOption) *Manager {
	m := &Manager{
		policy: policy,
		rnd:    rand.Float64,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the manager's policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Decide evaluates a failed attempt.
func (m *Manager) Decide(a Attempt, err error) Decision {
	class := Classify(err)
	d := Decision{Class: class, Action: ActionFail}

	if !class.Retryable() {
		d.Reason = fmt.Sprintf("%s errors are not retried", class)
		return d
	}
	if a.RetryCount >= m.policy.MaxRetries {
		d.Reason = fmt.Sprintf("retries exhausted (%d/%d)", a.RetryCount, m.policy.MaxRetries)
		return d
	}

	next := a.RetryCount + 1
	switch class {
	case ClassTransient:
		d.Action = ActionRetry
		d.Delay = m.policy.Transient.Delay(next, m.rnd)
		if te, ok := asTransient(err); ok && te.RetryAfter > d.Delay {
			d.Delay = te.RetryAfter
		}
		d.Reason = "transient failure, retrying same model"
	case ClassCapability:
		if !a.HasFallback {
			d.Reason = "capability mismatch with no fallback model"
			return d
		}
		d.Action = ActionFallback
		d.Delay = m.policy.Capability.Delay(next, m.rnd)
		d.Reason = "capability mismatch, falling back to next model"
	case ClassSemantic:
		d.Action = ActionRetry
		d.Delay = m.policy.Semantic.Delay(next, m.rnd)
		d.Corrective = correctiveContext(err)
		d.Reason = "output failed validation, retrying with corrective context"
	}

	m.logger.Debug("retry decision",
		"task_id", a.TaskID,
		"class", string(class),
		"action", d.Action.String(),
		"attempt", next,
		"delay", d.Delay)
	return d
}

func correctiveContext(err error) string {
	if se, ok := asSemantic(err); ok && se.Problem != "" {
		return "Your previous answer was rejected: " + se.Problem + ". Correct the problem and answer again."
	}
	return "Your previous answer was rejected: " + err.Error() + ". Correct the problem and answer again."
}
