package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func requestAsync(m *ApprovalManager, ctx context.Context, req ApprovalRequest) <-chan ApprovalDecision {
	out := make(chan ApprovalDecision, 1)
	go func() {
		d, err := m.RequestApproval(ctx, req)
		if err == nil {
			out <- d
		}
		close(out)
	}()
	return out
}

func TestApprovalManager_SubmitResolvesRequest(t *testing.T) {
	m := NewApprovalManager(quietLogger())
	got := requestAsync(m, context.Background(), ApprovalRequest{WorkflowID: "wf", TaskID: "t1", TaskName: "deploy"})

	select {
	case req := <-m.Requests():
		if req.TaskName != "deploy" {
			t.Errorf("TaskName = %q, want deploy", req.TaskName)
		}
	case <-time.After(time.Second):
		t.Fatal("request not published")
	}
	if !m.HasPendingRequest("wf", "t1") {
		t.Error("request should be pending")
	}
	if n := len(m.Pending("wf")); n != 1 {
		t.Fatalf("Pending = %d, want 1", n)
	}

	if err := m.Submit("wf", ApprovalDecision{TaskID: "t1", Approved: true, Reason: "lgtm"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	d := <-got
	if !d.Approved || d.TaskID != "t1" || d.Reason != "lgtm" {
		t.Errorf("decision = %+v", d)
	}
	if m.HasPendingRequest("wf", "t1") {
		t.Error("request should be resolved")
	}
}

func TestApprovalManager_SubmitWithoutTaskPicksGateThenOldest(t *testing.T) {
	m := NewApprovalManager(quietLogger())
	first := requestAsync(m, context.Background(), ApprovalRequest{WorkflowID: "wf", TaskID: "t1"})
	<-m.Requests()
	second := requestAsync(m, context.Background(), ApprovalRequest{WorkflowID: "wf", TaskID: "t2"})
	<-m.Requests()

	if err := m.Submit("wf", ApprovalDecision{Approved: false}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if d := <-first; d.TaskID != "t1" || d.Approved {
		t.Errorf("oldest request got %+v, want a rejection of t1", d)
	}

	gate := requestAsync(m, context.Background(), ApprovalRequest{WorkflowID: "wf"})
	<-m.Requests()
	if err := m.Submit("wf", ApprovalDecision{Approved: true}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if d := <-gate; d.TaskID != "" {
		t.Errorf("the workflow gate should be preferred, got %q", d.TaskID)
	}

	if err := m.Submit("wf", ApprovalDecision{Approved: true}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if d := <-second; d.TaskID != "t2" {
		t.Errorf("TaskID = %q, want t2", d.TaskID)
	}
}

func TestApprovalManager_SubmitUnknown(t *testing.T) {
	m := NewApprovalManager(quietLogger())
	for _, d := range []ApprovalDecision{{TaskID: "nope"}, {}} {
		if err := m.Submit("wf", d); !errors.Is(err, ErrNoPendingApproval) {
			t.Errorf("Submit(%+v) error = %v, want ErrNoPendingApproval", d, err)
		}
	}
}

func TestApprovalManager_TimeoutRemovesRequest(t *testing.T) {
	m := NewApprovalManager(quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.RequestApproval(ctx, ApprovalRequest{WorkflowID: "wf", TaskID: "t1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RequestApproval error = %v, want deadline exceeded", err)
	}
	if n := len(m.Pending("")); n != 0 {
		t.Errorf("Pending = %d after timeout, want 0", n)
	}
	if err := m.Submit("wf", ApprovalDecision{TaskID: "t1"}); !errors.Is(err, ErrNoPendingApproval) {
		t.Errorf("Submit after timeout error = %v", err)
	}
}

func TestApprovalManager_PendingFiltersByWorkflow(t *testing.T) {
	m := NewApprovalManager(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	requestAsync(m, ctx, ApprovalRequest{WorkflowID: "a", TaskID: "1"})
	<-m.Requests()
	requestAsync(m, ctx, ApprovalRequest{WorkflowID: "b", TaskID: "2"})
	<-m.Requests()

	if n := len(m.Pending("")); n != 2 {
		t.Errorf("Pending(all) = %d, want 2", n)
	}
	pending := m.Pending("b")
	if len(pending) != 1 || pending[0].TaskID != "2" {
		t.Errorf("Pending(b) = %+v", pending)
	}
}

func TestAutoApprove(t *testing.T) {
	d, err := AutoApprove.RequestApproval(context.Background(), ApprovalRequest{TaskID: "t"})
	if err != nil {
		t.Fatalf("AutoApprove failed: %v", err)
	}
	if !d.Approved || d.TaskID != "t" {
		t.Errorf("decision = %+v", d)
	}
}
