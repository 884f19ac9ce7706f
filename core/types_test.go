package core

import "testing"

func TestMeshJobParamsValidateSingleWorkflow(t *testing.T) {
	p := MeshJobParams{WorkflowType: WorkflowSingle, WasmCID: "bafy-wasm"}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected single-stage job with no stages to validate, got %v", err)
	}

	p.Stages = []JobStage{{StageID: "s1", WasmCID: "bafy-wasm"}}
	if err := p.Validate(); err == nil {
		t.Fatal("expected single workflow with stages to be rejected")
	}
}

func TestMeshJobParamsValidateSequentialWorkflow(t *testing.T) {
	p := MeshJobParams{WorkflowType: WorkflowSequential}
	if err := p.Validate(); err == nil {
		t.Fatal("expected sequential workflow with no stages to be rejected")
	}

	p.Stages = []JobStage{
		{StageID: "s1", WasmCID: "bafy-1", InputSource: StageInputSource{Kind: StageInputJob}},
		{StageID: "s2", WasmCID: "bafy-2", InputSource: StageInputSource{Kind: StageInputPreviousStage, PrevStageID: "s1"}},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid DAG-ordered stages to validate, got %v", err)
	}
}

func TestMeshJobParamsValidateRejectsForwardStageReference(t *testing.T) {
	p := MeshJobParams{
		WorkflowType: WorkflowSequential,
		Stages: []JobStage{
			{StageID: "s1", WasmCID: "bafy-1", InputSource: StageInputSource{Kind: StageInputPreviousStage, PrevStageID: "s2"}},
			{StageID: "s2", WasmCID: "bafy-2"},
		},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected stage referencing a not-yet-seen stage to be rejected")
	}
}

func TestMeshJobParamsValidateRejectsIncompleteStage(t *testing.T) {
	p := MeshJobParams{
		WorkflowType: WorkflowSequential,
		Stages:       []JobStage{{StageID: "", WasmCID: "bafy-1"}},
	}
	if err := p.Validate(); err == nil {
		t.Fatal("expected stage missing an ID to be rejected")
	}
}

func TestJobStatusCanTransitionForwardOnly(t *testing.T) {
	from := JobStatus{Kind: StatusAssigned}
	if !from.CanTransition(StatusRunning) {
		t.Fatal("expected forward transition to be allowed")
	}
	if from.CanTransition(StatusSubmitted) {
		t.Fatal("expected backward transition to be rejected")
	}
}

func TestJobStatusTerminalIsAbsorbing(t *testing.T) {
	from := JobStatus{Kind: StatusCompleted}
	if from.CanTransition(StatusRunning) {
		t.Fatal("expected no transition out of a terminal state")
	}
}

func TestJobStatusAlwaysReachesFailedOrCancelled(t *testing.T) {
	from := JobStatus{Kind: StatusRunning}
	if !from.CanTransition(StatusFailed) {
		t.Fatal("expected Failed to be reachable from any non-terminal state")
	}
	if !from.CanTransition(StatusCancelled) {
		t.Fatal("expected Cancelled to be reachable from any non-terminal state")
	}
}

func TestJobStatusSidewaysBranchesAllowed(t *testing.T) {
	from := JobStatus{Kind: StatusPendingUserInput}
	if !from.CanTransition(StatusAwaitingNextStage) {
		t.Fatal("expected equal-rank sideways transitions between branch states to be allowed")
	}
}
