package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoPendingApproval is returned when a decision matches no pending request.
var ErrNoPendingApproval = errors.New("no pending approval")

// ApprovalRequest asks a human to approve dispatch of a workflow or a task.
type ApprovalRequest struct {
	WorkflowID string
	// TaskID is empty for the workflow-level gate.
	TaskID      string
	TaskName    string
	Goal        string
	Description string
	RequestedAt time.Time
	// Timeout is how long the orchestrator waits for a decision.
	Timeout time.Duration
}

// ApprovalDecision is the human's answer to an approval request.
type ApprovalDecision struct {
	// TaskID selects the request. Empty selects the workflow gate if it is
	// pending, else the oldest pending task request of the workflow.
	TaskID   string
	Approved bool
	Reason   string
}

// Approver is the approval collaborator. It blocks until a decision is made
// or ctx ends; the orchestrator bounds ctx with the approval timeout.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ApproverFunc adapts a function to the Approver interface.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

// RequestApproval calls f.
func (f ApproverFunc) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return f(ctx, req)
}

// AutoApprove approves every request immediately.
var AutoApprove = ApproverFunc(func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return ApprovalDecision{TaskID: req.TaskID, Approved: true, Reason: "auto"}, nil
})

type pendingApproval struct {
	req      ApprovalRequest
	response chan ApprovalDecision
}

// ApprovalManager is the default Approver. It publishes requests on a
// channel and resolves them with decisions submitted through Submit.
type ApprovalManager struct {
	// pending maps approval keys to the waiting request.
	pending map[string]*pendingApproval
	// order lists pending keys oldest first.
	order []string
	// requestCh publishes new requests to listeners such as the CLI.
	requestCh chan ApprovalRequest
	logger    *slog.Logger
	// mu protects pending and order.
	mu sync.Mutex
}

// NewApprovalManager creates a new ApprovalManager instance.
func NewApprovalManager(logger *slog.Logger) *ApprovalManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalManager{
		pending:   make(map[string]*pendingApproval),
		requestCh: make(chan ApprovalRequest, 16),
		logger:    logger,
	}
}

func approvalKey(workflowID, taskID string) string {
	return workflowID + "/" + taskID
}

// Requests returns a read-only channel of new approval requests.
func (m *ApprovalManager) Requests() <-chan ApprovalRequest {
	return m.requestCh
}

// RequestApproval blocks until a decision is submitted or ctx ends.
func (m *ApprovalManager) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	key := approvalKey(req.WorkflowID, req.TaskID)
	p := &pendingApproval{req: req, response: make(chan ApprovalDecision, 1)}

	m.mu.Lock()
	m.pending[key] = p
	m.order = append(m.order, key)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pending[key] == p {
			delete(m.pending, key)
			m.removeLocked(key)
		}
	}()

	// Listeners that fall behind can still find the request through Pending.
	select {
	case m.requestCh <- req:
	default:
		m.logger.Warn("approval request channel full", "workflow_id", req.WorkflowID, "task_id", req.TaskID)
	}

	select {
	case d := <-p.response:
		return d, nil
	case <-ctx.Done():
		return ApprovalDecision{}, ctx.Err()
	}
}

// Submit delivers a decision to a pending request of the workflow.
func (m *ApprovalManager) Submit(workflowID string, d ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := approvalKey(workflowID, d.TaskID)
	p, ok := m.pending[key]
	if !ok && d.TaskID == "" {
		prefix := workflowID + "/"
		for _, k := range m.order {
			if len(k) > len(prefix) && k[:len(prefix)] == prefix {
				key, p, ok = k, m.pending[k], true
				break
			}
		}
	}
	if !ok {
		return ErrNoPendingApproval
	}

	d.TaskID = p.req.TaskID
	select {
	case p.response <- d:
	default:
		// A decision was already delivered.
		return ErrNoPendingApproval
	}
	delete(m.pending, key)
	m.removeLocked(key)
	return nil
}

// Pending returns the pending requests of a workflow, oldest first. An empty
// workflowID returns every pending request.
func (m *ApprovalManager) Pending(workflowID string) []ApprovalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ApprovalRequest
	for _, k := range m.order {
		p := m.pending[k]
		if workflowID == "" || p.req.WorkflowID == workflowID {
			out = append(out, p.req)
		}
	}
	return out
}

// HasPendingRequest returns true if there is a pending approval request for the task.
func (m *ApprovalManager) HasPendingRequest(workflowID, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.pending[approvalKey(workflowID, taskID)]
	return exists
}

func (m *ApprovalManager) removeLocked(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
