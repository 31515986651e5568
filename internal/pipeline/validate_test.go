package pipeline

import (
	"strings"
	"testing"

	"github.com/mfujita/flowline/internal/model"
)

func validDefinition() *Definition {
	return &Definition{
		Name:    "doc-triage",
		Version: "1.0",
		Tasks: []TaskConfig{
			{Name: "extract", Type: model.TaskTypeExtraction},
			{Name: "classify", Type: model.TaskTypeClassification, Dependencies: []string{"extract"}},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validDefinition().Validate(); err != nil {
		t.Fatalf("expected valid definition, got %v", err)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	def := &Definition{}
	err := def.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"name", "version", "tasks"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected error to mention %s: %v", want, msg)
		}
	}
}

func TestValidate_DuplicateTaskName(t *testing.T) {
	def := validDefinition()
	def.Tasks = append(def.Tasks, TaskConfig{Name: "extract", Type: model.TaskTypeValidation})
	err := def.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate task name") {
		t.Fatalf("expected duplicate task name error, got %v", err)
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	def := validDefinition()
	def.Tasks[1].Dependencies = []string{"missing"}
	err := def.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown task") {
		t.Fatalf("expected unknown task error, got %v", err)
	}
}

func TestValidate_SelfReference(t *testing.T) {
	def := validDefinition()
	def.Tasks[0].Dependencies = []string{"extract"}
	err := def.Validate()
	if err == nil || !strings.Contains(err.Error(), "self-reference") {
		t.Fatalf("expected self-reference error, got %v", err)
	}
}

func TestValidate_Cycle(t *testing.T) {
	def := validDefinition()
	def.Tasks[0].Dependencies = []string{"classify"}
	err := def.Validate()
	if err == nil || !strings.Contains(err.Error(), "circular dependency") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidate_UnknownTaskType(t *testing.T) {
	def := validDefinition()
	def.Tasks[0].Type = model.TaskType("telepathy")
	err := def.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown task type") {
		t.Fatalf("expected unknown task type error, got %v", err)
	}
}

func TestValidate_ThresholdBounds(t *testing.T) {
	def := validDefinition()
	def.Tasks[1].HumanReviewRequired = true
	def.Tasks[1].HumanReviewThreshold = 1.5
	err := def.Validate()
	if err == nil || !strings.Contains(err.Error(), "human_review_threshold") {
		t.Fatalf("expected threshold error, got %v", err)
	}
}

func TestParse_Document(t *testing.T) {
	doc := `
name: doc-triage
version: "2.1"
description: triage incoming documents
cache_ttl: 1800
max_parallel_tasks: 2
global_parameters:
  output_mapping:
    label: classify.label
    summary: extract.summary
tasks:
  - name: extract
    type: extraction
    timeout: 60
    cache_enabled: true
  - name: classify
    type: classification
    model: doc-classifier
    model_version: v3
    dependencies: [extract]
    retries: 2
  - name: approve
    type: human_review
    dependencies: [classify]
    human_review_required: true
    human_review_threshold: 0.8
`
	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if def.Name != "doc-triage" || def.Version != "2.1" {
		t.Errorf("unexpected name/version: %s %s", def.Name, def.Version)
	}
	if got := def.CacheTTL().Seconds(); got != 1800 {
		t.Errorf("expected cache ttl 1800s, got %v", got)
	}
	if def.MaxParallel() != 2 {
		t.Errorf("expected max parallel 2, got %d", def.MaxParallel())
	}

	mapping := def.OutputMapping()
	if mapping["label"] != "classify.label" || mapping["summary"] != "extract.summary" {
		t.Errorf("unexpected output mapping: %v", mapping)
	}

	classify := def.Task("classify")
	if classify == nil {
		t.Fatal("expected classify task")
	}
	if classify.Model != "doc-classifier" || classify.ModelVersion != "v3" {
		t.Errorf("unexpected model ref: %s %s", classify.Model, classify.ModelVersion)
	}
	if classify.Retries != 2 {
		t.Errorf("expected 2 retries, got %d", classify.Retries)
	}

	extract := def.Task("extract")
	if !extract.CacheEnabled {
		t.Error("expected extract to be cache enabled")
	}
	if extract.Timeout().Seconds() != 60 {
		t.Errorf("expected 60s timeout, got %v", extract.Timeout())
	}

	// Defaults apply when fields are omitted.
	if def.Task("approve").Timeout().Seconds() != defaultTaskTimeoutSec {
		t.Errorf("expected default timeout for approve")
	}
}

func TestReviewThreshold_Defaulted(t *testing.T) {
	task := TaskConfig{Name: "classify", Type: model.TaskTypeClassification, HumanReviewRequired: true}
	if got := task.ReviewThreshold(); got != defaultReviewThreshold {
		t.Errorf("omitted threshold should fall back to %v, got %v", defaultReviewThreshold, got)
	}
	task.HumanReviewThreshold = 0.9
	if got := task.ReviewThreshold(); got != 0.9 {
		t.Errorf("configured threshold should be kept, got %v", got)
	}
}
