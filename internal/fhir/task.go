package fhir

import "fmt"

// TaskStatus is the FHIR Task.status code
type TaskStatus string

const (
	TaskStatusDraft      TaskStatus = "draft"
	TaskStatusRequested  TaskStatus = "requested"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

const (
	// CodeSystemBPMNMessage types the task parameters used for process correlation
	CodeSystemBPMNMessage = "http://highmed.org/fhir/CodeSystem/bpmn-message"

	CodeMessageName    = "message-name"
	CodeBusinessKey    = "business-key"
	CodeCorrelationKey = "correlation-key"
	CodeError          = "error"
)

// Task is a typed view over a Task resource. Mutations write through to the
// underlying resource object.
type Task struct {
	*Resource
}

// AsTask returns a Task view, or an error if r is not a Task
func AsTask(r *Resource) (*Task, error) {
	if r == nil || r.ResourceType() != "Task" {
		return nil, fmt.Errorf("expected Task resource, got %v", r)
	}
	return &Task{Resource: r}, nil
}

func (t *Task) Status() TaskStatus {
	s, _ := t.obj["status"].(string)
	return TaskStatus(s)
}

func (t *Task) SetStatus(s TaskStatus) {
	t.obj["status"] = string(s)
}

// InstantiatesCanonical is the process URL the task asks to run
func (t *Task) InstantiatesCanonical() string {
	s, _ := t.obj["instantiatesCanonical"].(string)
	return s
}

// InputValues returns every string value of input parameters typed system|code
func (t *Task) InputValues(system, code string) []string {
	return parameterValues(t.obj["input"], system, code)
}

// OutputValues returns every string value of output parameters typed system|code
func (t *Task) OutputValues(system, code string) []string {
	return parameterValues(t.obj["output"], system, code)
}

// FirstInput returns the first string input typed system|code
func (t *Task) FirstInput(system, code string) (string, bool) {
	values := t.InputValues(system, code)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func (t *Task) AddInput(system, code, value string) {
	t.obj["input"] = appendParameter(t.obj["input"], system, code, value)
}

func (t *Task) AddOutput(system, code, value string) {
	t.obj["output"] = appendParameter(t.obj["output"], system, code, value)
}

func appendParameter(list any, system, code, value string) []any {
	params, _ := list.([]any)
	return append(params, map[string]any{
		"type": map[string]any{
			"coding": []any{
				map[string]any{"system": system, "code": code},
			},
		},
		"valueString": value,
	})
}

func parameterValues(list any, system, code string) []string {
	params, _ := list.([]any)
	var values []string
	for _, p := range params {
		param, ok := p.(map[string]any)
		if !ok || !hasCoding(param["type"], system, code) {
			continue
		}
		if v, ok := param["valueString"].(string); ok && v != "" {
			values = append(values, v)
		}
	}
	return values
}

func hasCoding(concept any, system, code string) bool {
	cc, _ := concept.(map[string]any)
	codings, _ := cc["coding"].([]any)
	for _, c := range codings {
		coding, _ := c.(map[string]any)
		if coding["system"] == system && coding["code"] == code {
			return true
		}
	}
	return false
}
