package core

import (
	"errors"
	"testing"
	"time"
)

func TestFuelMeterConsumeWithinBudget(t *testing.T) {
	m := NewFuelMeter(100)
	if err := m.Consume(FuelArithmetic, 10); err != nil {
		t.Fatalf("expected charge within budget to succeed: %v", err)
	}
	if got := m.Used(); got != 10 {
		t.Fatalf("expected 10 fuel used, got %d", got)
	}
}

func TestFuelMeterConsumeAppliesClassCost(t *testing.T) {
	m := NewFuelMeter(1000)
	if err := m.Consume(FuelHostCall, 1); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got := m.Used(); got != 10 {
		t.Fatalf("expected host call class to cost 10 fuel, got %d", got)
	}
}

func TestFuelMeterExhaustionLeavesUsedUnchanged(t *testing.T) {
	m := NewFuelMeter(5)
	if err := m.Consume(FuelMemoryPage, 10); !errors.Is(err, ErrFuelExhausted) {
		t.Fatalf("expected ErrFuelExhausted, got %v", err)
	}
	if got := m.Used(); got != 0 {
		t.Fatalf("expected rejected charge to leave used unchanged, got %d", got)
	}
}

func TestFuelMeterMultipleChargesAccumulate(t *testing.T) {
	m := NewFuelMeter(100)
	m.Consume(FuelArithmetic, 5)
	m.Consume(FuelMemoryPage, 5)
	if got := m.Used(); got != 5+10 {
		t.Fatalf("expected accumulated usage 15, got %d", got)
	}
}

func newTestJobContext() *JobExecutionContext {
	return NewJobExecutionContext("bafy-job", MeshJobParams{IsInteractive: true}, "did:key:zExec", "did:key:zOrig", ScopeKey{Kind: ScopeIndividual, DID: "did:key:zOrig"}, false)
}

func TestJobExecutionContextStartsRunning(t *testing.T) {
	c := newTestJobContext()
	if got := c.Status().Kind; got != StatusRunning {
		t.Fatalf("expected initial status Running, got %s", got)
	}
}

func TestJobExecutionContextStatusTransitionInvokesCallback(t *testing.T) {
	c := newTestJobContext()
	var seen []JobStatusKind
	c.OnStatusChange(func(s JobStatus) { seen = append(seen, s.Kind) })

	if err := c.setStatus(StatusPendingUserInput, nil); err != nil {
		t.Fatalf("expected valid forward transition, got %v", err)
	}
	if len(seen) != 1 || seen[0] != StatusPendingUserInput {
		t.Fatalf("expected callback invoked with new status, got %v", seen)
	}
}

func TestJobExecutionContextRejectsInvalidTransition(t *testing.T) {
	c := newTestJobContext()
	if err := c.setStatus(StatusCompleted, nil); err != nil {
		t.Fatalf("expected transition into terminal state to succeed: %v", err)
	}
	if err := c.setStatus(StatusRunning, nil); err == nil {
		t.Fatal("expected transition out of terminal state to be rejected")
	}
}

func TestJobExecutionContextDeliverAndReceiveInput(t *testing.T) {
	c := newTestJobContext()
	c.DeliverInteractiveInput(QueuedInput{Kind: InputInline, Inline: []byte("answer")})

	in, ok := c.receiveInput(time.Second)
	if !ok {
		t.Fatal("expected queued input to be received")
	}
	if string(in.Inline) != "answer" {
		t.Fatalf("expected payload 'answer', got %q", in.Inline)
	}
}

func TestJobExecutionContextReceiveInputTimesOut(t *testing.T) {
	c := newTestJobContext()
	start := time.Now()
	_, ok := c.receiveInput(20 * time.Millisecond)
	if ok {
		t.Fatal("expected receive to time out with no input delivered")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("expected receiveInput to block for approximately the timeout duration")
	}
}

func TestJobExecutionContextPeekInputLen(t *testing.T) {
	c := newTestJobContext()
	if got := c.peekInputLen(); got != 0 {
		t.Fatalf("expected 0 for empty queue, got %d", got)
	}
	c.DeliverInteractiveInput(QueuedInput{Kind: InputInline, Inline: []byte("12345")})
	if got := c.peekInputLen(); got != 5 {
		t.Fatalf("expected peeked length 5, got %d", got)
	}
}

func TestJobExecutionContextSendOutputSequencesAndCallsBack(t *testing.T) {
	c := newTestJobContext()
	type captured struct {
		seq   uint64
		key   string
		final bool
	}
	var got []captured
	c.OnOutput(func(seq uint64, key string, payload []byte, final bool) {
		got = append(got, captured{seq, key, final})
	})

	c.sendOutput("stdout", []byte("first"), false)
	c.sendOutput("stdout", []byte("second"), true)

	if len(got) != 2 {
		t.Fatalf("expected 2 output callbacks, got %d", len(got))
	}
	if got[0].seq != 1 || got[1].seq != 2 {
		t.Fatalf("expected monotonically increasing sequence numbers, got %+v", got)
	}
	if got[1].final != true {
		t.Fatal("expected second output marked final")
	}
}

func TestJobExecutionContextStageOutputRoundTrip(t *testing.T) {
	c := newTestJobContext()
	if _, ok := c.stageOutput("stage-1", "result"); ok {
		t.Fatal("expected no stage output before any is set")
	}
	c.setStageOutput("stage-1", "result", []byte("payload"))
	got, ok := c.stageOutput("stage-1", "result")
	if !ok || string(got) != "payload" {
		t.Fatalf("expected stage output roundtrip, got %q ok=%v", got, ok)
	}
}

func TestJobExecutionContextMetricsAccumulate(t *testing.T) {
	c := newTestJobContext()
	c.addMetrics(10, 1, 100)
	c.addMetrics(5, 2, 50)
	m := c.snapshotMetrics()
	if m.ManaCost != 15 || m.HostCalls != 3 || m.IOBytes != 150 {
		t.Fatalf("expected accumulated metrics, got %+v", m)
	}
}
