package model

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateID_Format(t *testing.T) {
	for _, kind := range []IDKind{IDKindPipeline, IDKindExecution, IDKindReview, IDKindAlert, IDKindHandle} {
		id, err := GenerateID(kind)
		if err != nil {
			t.Fatalf("GenerateID(%s): %v", kind, err)
		}
		if !ValidateID(id) {
			t.Errorf("generated ID %q does not validate", id)
		}
		if !strings.HasPrefix(id, string(kind)+"_") {
			t.Errorf("expected prefix %s_, got %q", kind, id)
		}
	}
}

func TestGenerateID_InvalidKind(t *testing.T) {
	if _, err := GenerateID(IDKind("nope")); err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestParseIDKind(t *testing.T) {
	id, err := GenerateID(IDKindReview)
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	kind, err := ParseIDKind(id)
	if err != nil {
		t.Fatalf("ParseIDKind: %v", err)
	}
	if kind != IDKindReview {
		t.Errorf("expected kind rev, got %s", kind)
	}
	if _, err := ParseIDKind("garbage"); err == nil {
		t.Error("expected error for malformed ID")
	}
}

func TestParseIDTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id, err := GenerateID(IDKindExecution)
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatalf("ParseIDTimestamp: %v", err)
	}
	after := time.Now().Add(time.Second)
	if ts.Before(before) || ts.After(after) {
		t.Errorf("timestamp %v outside expected window [%v, %v]", ts, before, after)
	}
}

func TestExecutionSnapshot_Isolated(t *testing.T) {
	exec := &PipelineExecution{
		ID:     MustGenerateID(IDKindExecution),
		Status: ExecutionRunning,
		TaskResults: map[string]*TaskResult{
			"extract": {TaskName: "extract", Status: TaskRunning},
		},
	}

	snap := exec.Snapshot()
	exec.TaskResults["extract"].Status = TaskCompleted
	exec.TaskResults["classify"] = &TaskResult{TaskName: "classify", Status: TaskPending}

	if snap.TaskResults["extract"].Status != TaskRunning {
		t.Error("snapshot task result mutated through original")
	}
	if _, ok := snap.TaskResults["classify"]; ok {
		t.Error("snapshot grew a task result added after the copy")
	}
}
