// Package workflow is the boundary to the process engine that executes process
// definitions and correlates messages to running instances.
package workflow

import (
	"context"
	"errors"
)

// Variable names shared with deployed process definitions
const (
	VariableAlternativeBusinessKey = "alternativeBusinessKey"
	VariableCorrelationKey         = "correlationKey"
	VariableTask                   = "task"
	VariableTaskJSON               = "taskJson"
)

var (
	ErrDefinitionNotFound   = errors.New("process definition not found")
	ErrNoMatchingInstance   = errors.New("no process instance matches the correlation")
	ErrAmbiguousCorrelation = errors.New("more than one process instance matches the correlation")
)

type Variables map[string]any

// Definition is a deployed process definition
type Definition struct {
	ID         string // engine-internal id, e.g. dsfdev_ping:3:8f2c
	Key        string // e.g. dsfdev_ping
	VersionTag string // e.g. 1.0
	Version    int    // engine deployment counter
}

// Instance is a running process instance
type Instance struct {
	ID           string
	DefinitionID string
	BusinessKey  string
}

// Correlation addresses a message to a running instance
type Correlation struct {
	MessageName  string
	DefinitionID string
	BusinessKey  string
	// match BusinessKey against the alternativeBusinessKey variable instead of the instance business key
	ByAlternativeBusinessKey bool
	// when set, only executions whose local correlationKey variable equals it match
	CorrelationKey string
	Variables      Variables
}

// Registry resolves process definitions. An empty versionTag selects the latest version.
type Registry interface {
	Definition(ctx context.Context, key, versionTag string) (Definition, error)
}

// Runtime starts and correlates process instances
type Runtime interface {
	StartProcessInstanceByMessage(ctx context.Context, messageName, definitionID, businessKey string, vars Variables) (Instance, error)
	// FindInstances returns active instances of the definition whose business key or
	// alternativeBusinessKey variable equals businessKey; byAlternative reports which matched.
	FindInstances(ctx context.Context, definitionID, businessKey string) (instances []Instance, byAlternative bool, err error)
	CorrelateMessage(ctx context.Context, c Correlation) error
}

// Engine is a process engine offering both capabilities
type Engine interface {
	Registry
	Runtime
}
