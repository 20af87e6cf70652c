package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process engine. It records started instances and delivered
// messages and applies the same matching rules as a real engine.
type Memory struct {
	mu          sync.Mutex
	definitions []Definition
	instances   []*memoryInstance
}

type memoryInstance struct {
	Instance
	active    bool
	variables Variables
	local     Variables
	messages  []string
}

// Delivered is a message received by an instance
type Delivered struct {
	InstanceID  string
	MessageName string
}

func NewMemory() *Memory {
	return &Memory{}
}

// Deploy registers a definition and returns it; each deployment of a key gets the next version
func (m *Memory) Deploy(key, versionTag string) Definition {
	m.mu.Lock()
	defer m.mu.Unlock()
	version := 1
	for _, d := range m.definitions {
		if d.Key == key && d.Version >= version {
			version = d.Version + 1
		}
	}
	d := Definition{
		ID:         fmt.Sprintf("%s:%d:%s", key, version, uuid.NewString()[:8]),
		Key:        key,
		VersionTag: versionTag,
		Version:    version,
	}
	m.definitions = append(m.definitions, d)
	return d
}

func (m *Memory) Definition(_ context.Context, key, versionTag string) (Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *Definition
	for i := range m.definitions {
		d := m.definitions[i]
		if d.Key != key || (versionTag != "" && d.VersionTag != versionTag) {
			continue
		}
		if found == nil || d.Version > found.Version {
			found = &d
		}
	}
	if found == nil {
		return Definition{}, fmt.Errorf("%w: key %q, version %q", ErrDefinitionNotFound, key, versionTag)
	}
	return *found, nil
}

func (m *Memory) hasDefinition(id string) bool {
	for _, d := range m.definitions {
		if d.ID == id {
			return true
		}
	}
	return false
}

func (m *Memory) StartProcessInstanceByMessage(_ context.Context, messageName, definitionID, businessKey string, vars Variables) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasDefinition(definitionID) {
		return Instance{}, fmt.Errorf("%w: id %q", ErrDefinitionNotFound, definitionID)
	}
	inst := &memoryInstance{
		Instance: Instance{
			ID:           uuid.NewString(),
			DefinitionID: definitionID,
			BusinessKey:  businessKey,
		},
		active:    true,
		variables: copyVariables(vars),
		local:     Variables{},
		messages:  []string{messageName},
	}
	m.instances = append(m.instances, inst)
	return inst.Instance, nil
}

func (m *Memory) FindInstances(_ context.Context, definitionID, businessKey string) ([]Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Instance
	for _, inst := range m.instances {
		if inst.active && inst.DefinitionID == definitionID && inst.BusinessKey == businessKey {
			out = append(out, inst.Instance)
		}
	}
	if len(out) > 0 {
		return out, false, nil
	}
	for _, inst := range m.instances {
		if inst.active && inst.DefinitionID == definitionID && inst.variables[VariableAlternativeBusinessKey] == businessKey {
			out = append(out, inst.Instance)
		}
	}
	return out, len(out) > 0, nil
}

func (m *Memory) CorrelateMessage(_ context.Context, c Correlation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []*memoryInstance
	for _, inst := range m.instances {
		if !inst.active || inst.DefinitionID != c.DefinitionID {
			continue
		}
		if c.ByAlternativeBusinessKey {
			if inst.variables[VariableAlternativeBusinessKey] != c.BusinessKey {
				continue
			}
		} else if inst.BusinessKey != c.BusinessKey {
			continue
		}
		if c.CorrelationKey != "" && inst.local[VariableCorrelationKey] != c.CorrelationKey {
			continue
		}
		matches = append(matches, inst)
	}

	switch len(matches) {
	case 0:
		return fmt.Errorf("%w: message %q, business key %q", ErrNoMatchingInstance, c.MessageName, c.BusinessKey)
	case 1:
		inst := matches[0]
		inst.messages = append(inst.messages, c.MessageName)
		for k, v := range c.Variables {
			inst.variables[k] = v
		}
		return nil
	default:
		return fmt.Errorf("%w: message %q, business key %q, %d instances", ErrAmbiguousCorrelation, c.MessageName, c.BusinessKey, len(matches))
	}
}

// SetVariable sets a process variable on an instance
func (m *Memory) SetVariable(instanceID, name string, value any) error {
	return m.set(instanceID, func(inst *memoryInstance) { inst.variables[name] = value })
}

// SetLocalVariable sets a variable on the instance's waiting execution
func (m *Memory) SetLocalVariable(instanceID, name string, value any) error {
	return m.set(instanceID, func(inst *memoryInstance) { inst.local[name] = value })
}

// Complete ends an instance
func (m *Memory) Complete(instanceID string) error {
	return m.set(instanceID, func(inst *memoryInstance) { inst.active = false })
}

func (m *Memory) set(instanceID string, fn func(*memoryInstance)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == instanceID {
			fn(inst)
			return nil
		}
	}
	return fmt.Errorf("process instance %s not found", instanceID)
}

// Variables returns a copy of an instance's process variables
func (m *Memory) Variables(instanceID string) Variables {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.ID == instanceID {
			return copyVariables(inst.variables)
		}
	}
	return nil
}

// Delivered returns every message received so far, start messages included
func (m *Memory) Delivered() []Delivered {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivered
	for _, inst := range m.instances {
		for _, msg := range inst.messages {
			out = append(out, Delivered{InstanceID: inst.ID, MessageName: msg})
		}
	}
	return out
}

// Instances returns all instances, active or not
func (m *Memory) Instances() []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Instance)
	}
	return out
}

func copyVariables(v Variables) Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
