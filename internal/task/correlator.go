package task

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_bpe/internal/fhir"
	"github.com/austindbirch/harbor_bpe/internal/logging"
	"github.com/austindbirch/harbor_bpe/internal/metrics"
	"github.com/austindbirch/harbor_bpe/internal/tracing"
	"github.com/austindbirch/harbor_bpe/internal/workflow"
)

var ErrMissingMessageName = errors.New("task has no message-name input")

// Updater persists a modified resource
type Updater interface {
	Update(ctx context.Context, r *fhir.Resource) (*fhir.Resource, error)
}

type Correlator struct {
	repo     Updater
	registry workflow.Registry
	runtime  workflow.Runtime
	logger   *logging.Logger
	newKey   func() string
}

func NewCorrelator(repo Updater, registry workflow.Registry, runtime workflow.Runtime, logger *logging.Logger) (*Correlator, error) {
	if repo == nil {
		return nil, errors.New("task: repository client is required")
	}
	if registry == nil {
		return nil, errors.New("task: process registry is required")
	}
	if runtime == nil {
		return nil, errors.New("task: workflow runtime is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Correlator{repo: repo, registry: registry, runtime: runtime, logger: logger, newKey: uuid.NewString}, nil
}

// OnResource handles a requested Task. Correlation failures are recorded on the
// task as status failed with an error output; only persistence failures are returned.
func (c *Correlator) OnResource(ctx context.Context, r *fhir.Resource) error {
	t, err := fhir.AsTask(r)
	if err != nil {
		return err
	}
	ctx, span := tracing.StartSpan(ctx, "task.correlate", attribute.String("task", r.Reference()))
	defer span.End()
	log := c.logger.WithContext(ctx).WithTask(r.ID())

	if t.Status() != fhir.TaskStatusRequested {
		log.WithField("status", string(t.Status())).Debug("task not in status requested, ignored")
		return nil
	}

	businessKey, hasKey := t.FirstInput(fhir.CodeSystemBPMNMessage, fhir.CodeBusinessKey)
	if !hasKey {
		businessKey = c.newKey()
		t.AddInput(fhir.CodeSystemBPMNMessage, fhir.CodeBusinessKey, businessKey)
	}
	correlationKey, _ := t.FirstInput(fhir.CodeSystemBPMNMessage, fhir.CodeCorrelationKey)

	t.SetStatus(fhir.TaskStatusInProgress)
	persisted, err := c.repo.Update(ctx, t.Resource)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("persist %s in-progress: %w", r.Reference(), err)
	}
	if pt, err := fhir.AsTask(persisted); err == nil {
		t = pt
	}

	// an unusable reference still passes through in-progress before failing
	ref, err := ParseProcessReference(t.InstantiatesCanonical())
	if err != nil {
		return c.fail(ctx, t, err)
	}
	messageName, hasMessage := t.FirstInput(fhir.CodeSystemBPMNMessage, fhir.CodeMessageName)
	if !hasMessage {
		return c.fail(ctx, t, ErrMissingMessageName)
	}

	span.SetAttributes(
		attribute.String("process", ref.String()),
		attribute.String("message", messageName),
		attribute.String("business_key", businessKey),
	)
	if err := c.deliver(ctx, t, ref, messageName, businessKey, correlationKey); err != nil {
		return c.fail(ctx, t, err)
	}
	return nil
}

func (c *Correlator) deliver(ctx context.Context, t *fhir.Task, ref ProcessReference, messageName, businessKey, correlationKey string) error {
	def, err := c.registry.Definition(ctx, ref.DefinitionKey(), ref.Version)
	if err != nil {
		return err
	}

	taskJSON, err := sonic.ConfigStd.Marshal(t.Resource)
	if err != nil {
		return err
	}
	vars := workflow.Variables{
		workflow.VariableTask:     t.Reference(),
		workflow.VariableTaskJSON: string(taskJSON),
	}
	if correlationKey != "" {
		vars[workflow.VariableCorrelationKey] = correlationKey
	}

	instances, byAlternative, err := c.runtime.FindInstances(ctx, def.ID, businessKey)
	if err != nil {
		return err
	}
	log := c.logger.WithContext(ctx).WithTask(t.ID()).WithFields(map[string]any{
		"process":      ref.String(),
		"message":      messageName,
		"business_key": businessKey,
	})

	if len(instances) == 0 {
		inst, err := c.runtime.StartProcessInstanceByMessage(ctx, messageName, def.ID, businessKey, vars)
		if err != nil {
			return err
		}
		metrics.RecordTask("started")
		log.WithField("instance", inst.ID).Info("process instance started")
		return nil
	}

	if len(instances) > 1 {
		log.WithField("instances", len(instances)).Warn("more than one process instance matches the business key")
	}
	err = c.runtime.CorrelateMessage(ctx, workflow.Correlation{
		MessageName:              messageName,
		DefinitionID:             def.ID,
		BusinessKey:              businessKey,
		ByAlternativeBusinessKey: byAlternative,
		CorrelationKey:           correlationKey,
		Variables:                vars,
	})
	if err != nil {
		return err
	}
	metrics.RecordTask("correlated")
	log.Info("message correlated")
	return nil
}

// fail marks the task failed with an error output and persists it
func (c *Correlator) fail(ctx context.Context, t *fhir.Task, cause error) error {
	tracing.SetSpanError(ctx, cause)
	metrics.RecordTask("failed")
	c.logger.WithContext(ctx).WithTask(t.ID()).WithError(cause).Error("task correlation failed")

	t.SetStatus(fhir.TaskStatusFailed)
	t.AddOutput(fhir.CodeSystemBPMNMessage, fhir.CodeError, ErrorOutput(cause))
	if _, err := c.repo.Update(ctx, t.Resource); err != nil {
		return fmt.Errorf("persist %s failed status: %w", t.Reference(), errors.Join(err, cause))
	}
	return nil
}

// ErrorOutput renders "<kind>: <message>" for a task's error output
func ErrorOutput(err error) string {
	return errorKind(err) + ": " + err.Error()
}

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidProcessURL, "InvalidProcessURL"},
	{ErrMissingMessageName, "MissingMessageName"},
	{workflow.ErrDefinitionNotFound, "DefinitionNotFound"},
	{workflow.ErrAmbiguousCorrelation, "AmbiguousCorrelation"},
	{workflow.ErrNoMatchingInstance, "NoMatchingInstance"},
	{context.DeadlineExceeded, "DeadlineExceeded"},
	{context.Canceled, "Canceled"},
}

func errorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	// innermost wrapped error's type name
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	name := reflect.TypeOf(err).String()
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if name == "errorString" {
		return "Error"
	}
	return name
}
