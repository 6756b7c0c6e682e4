package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"jobmon/pkg/models"
)

func newTestEngine(t *testing.T) *NATSEngine {
	t.Helper()
	engine, err := NewEngine(Options{
		Enabled:       true,
		Embedded:      true,
		Stream:        "JOBMON_EVENTS_TEST",
		SubjectPrefix: "jobmon-test",
		ConsumerName:  "jobmon-test-consumer",
	})
	if err != nil {
		t.Fatalf("start embedded engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func TestEmbeddedEnginePublishesAndConsumesResume(t *testing.T) {
	engine := newTestEngine(t)

	var mu sync.Mutex
	var received []ResumeEvent

	sub, err := engine.SubscribeResume(42, func(ev ResumeEvent) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe resume: %v", err)
	}
	defer sub.Unsubscribe()

	ctx := context.Background()
	err = engine.PublishResume(ctx, ResumeEvent{
		WorkflowID:    7,
		WorkflowRunID: 42,
		Status:        models.WFRHotResume,
	})
	if err != nil {
		t.Fatalf("publish resume: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) == 0 {
		t.Fatalf("expected at least one resume event")
	}
	if received[0].WorkflowRunID != 42 || received[0].Status != models.WFRHotResume {
		t.Fatalf("unexpected resume event: %+v", received[0])
	}
}

func TestEmbeddedEngineIgnoresUnrelatedWorkflowRun(t *testing.T) {
	engine := newTestEngine(t)

	var mu sync.Mutex
	var received []ResumeEvent

	sub, err := engine.SubscribeResume(1, func(ev ResumeEvent) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe resume: %v", err)
	}
	defer sub.Unsubscribe()

	ctx := context.Background()
	if err := engine.PublishResume(ctx, ResumeEvent{WorkflowRunID: 2, Status: models.WFRColdResume}); err != nil {
		t.Fatalf("publish resume: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 0 {
		t.Fatalf("did not expect resume events for a different workflow_run_id, got %+v", received)
	}
}

func TestNilEngineMethodsAreNoops(t *testing.T) {
	var engine *NATSEngine

	if err := engine.PublishStatusChange(context.Background(), StatusChangeEvent{}); err != nil {
		t.Fatalf("nil engine PublishStatusChange should be a no-op, got %v", err)
	}
	if err := engine.PublishResume(context.Background(), ResumeEvent{}); err != nil {
		t.Fatalf("nil engine PublishResume should be a no-op, got %v", err)
	}
	if _, err := engine.SubscribeResume(1, func(ResumeEvent) {}); err == nil {
		t.Fatalf("nil engine SubscribeResume should return an error")
	}

	// Close on a nil engine must not panic.
	engine.Close()
}

func TestDisabledOptionsReturnsNilEngine(t *testing.T) {
	engine, err := NewEngine(Options{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if engine != nil {
		t.Fatalf("expected nil engine when Enabled is false")
	}
}
