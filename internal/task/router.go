package task

import (
	"context"
	"sync"

	"github.com/austindbirch/harbor_bpe/internal/dispatch"
	"github.com/austindbirch/harbor_bpe/internal/fhir"
	"github.com/austindbirch/harbor_bpe/internal/logging"
)

// Router sends each resource to the handler registered for its type
type Router struct {
	mu       sync.RWMutex
	handlers map[string]dispatch.ResourceHandler
	logger   *logging.Logger
}

// NewRouter returns a router with the correlator registered for Task
func NewRouter(correlator *Correlator, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Router{handlers: map[string]dispatch.ResourceHandler{}, logger: logger}
	if correlator != nil {
		r.Handle("Task", correlator)
	}
	return r
}

func (r *Router) Handle(resourceType string, h dispatch.ResourceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[resourceType] = h
}

func (r *Router) OnResource(ctx context.Context, res *fhir.Resource) error {
	r.mu.RLock()
	h, ok := r.handlers[res.ResourceType()]
	r.mu.RUnlock()
	if !ok {
		r.logger.WithContext(ctx).WithResourceType(res.ResourceType()).
			WithField("id", res.ID()).Info("no handler for resource type, ignored")
		return nil
	}
	return h.OnResource(ctx, res)
}
