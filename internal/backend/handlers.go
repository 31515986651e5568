package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/mfujita/flowline/internal/model"
	"github.com/mfujita/flowline/internal/pipeline"
)

// BuiltinHandlers returns the deterministic local handler set: template
// generation, keyword classification, field extraction and required-field
// validation. Callers replace or extend these with real model-serving
// handlers; the "custom" type stays unregistered unless the embedding
// program supplies one.
func BuiltinHandlers() map[model.TaskType]Handler {
	return map[model.TaskType]Handler{
		model.TaskTypeGeneration:     GenerateHandler,
		model.TaskTypeClassification: ClassifyHandler,
		model.TaskTypeExtraction:     ExtractHandler,
		model.TaskTypeValidation:     ValidateHandler,
	}
}

// GenerateHandler renders the task's "template" parameter, substituting
// {key} placeholders with string values from the input.
func GenerateHandler(_ context.Context, task *pipeline.TaskConfig, input map[string]any) (map[string]any, error) {
	tmpl, _ := input["template"].(string)
	if tmpl == "" {
		return nil, fmt.Errorf("generation task %s: missing template parameter", task.Name)
	}
	text := tmpl
	for key, value := range input {
		placeholder := "{" + key + "}"
		if !strings.Contains(text, placeholder) {
			continue
		}
		text = strings.ReplaceAll(text, placeholder, fmt.Sprintf("%v", value))
	}
	return map[string]any{"text": text}, nil
}

// ClassifyHandler assigns the first label whose keyword list matches the
// input text. Rules come from the "rules" parameter as label → keywords;
// "default_label" applies when nothing matches.
func ClassifyHandler(_ context.Context, task *pipeline.TaskConfig, input map[string]any) (map[string]any, error) {
	text := textFromInput(input)
	rules, _ := input["rules"].(map[string]any)
	if rules == nil {
		return nil, fmt.Errorf("classification task %s: missing rules parameter", task.Name)
	}

	lowered := strings.ToLower(text)
	for label, raw := range rules {
		for _, kw := range toStrings(raw) {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				return map[string]any{"label": label, "confidence": 0.9}, nil
			}
		}
	}

	label, _ := input["default_label"].(string)
	if label == "" {
		label = "unknown"
	}
	return map[string]any{"label": label, "confidence": 0.1}, nil
}

// ExtractHandler copies the fields named by the "fields" parameter out of
// the input. Missing fields are reported, not fatal.
func ExtractHandler(_ context.Context, task *pipeline.TaskConfig, input map[string]any) (map[string]any, error) {
	fields := toStrings(input["fields"])
	if len(fields) == 0 {
		return nil, fmt.Errorf("extraction task %s: missing fields parameter", task.Name)
	}
	extracted := make(map[string]any, len(fields))
	var missing []string
	for _, f := range fields {
		if v, ok := input[f]; ok {
			extracted[f] = v
		} else {
			missing = append(missing, f)
		}
	}
	out := map[string]any{"extracted": extracted}
	if len(missing) > 0 {
		out["missing"] = missing
	}
	return out, nil
}

// ValidateHandler checks that every field named by the "required" parameter
// is present and non-empty. An invalid input is a task failure: downstream
// tasks must never consume it.
func ValidateHandler(_ context.Context, task *pipeline.TaskConfig, input map[string]any) (map[string]any, error) {
	required := toStrings(input["required"])
	var missing []string
	for _, f := range required {
		v, ok := input[f]
		if !ok || v == nil || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("validation task %s: missing required fields: %s",
			task.Name, strings.Join(missing, ", "))
	}
	return map[string]any{"valid": true, "checked": len(required)}, nil
}

func textFromInput(input map[string]any) string {
	if s, ok := input["text"].(string); ok {
		return s
	}
	if s, ok := input["document"].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", input)
}

// toStrings accepts the string-slice shapes yaml parsing produces.
func toStrings(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}
