package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_bpe/internal/bookmark"
	"github.com/austindbirch/harbor_bpe/internal/dispatch"
	"github.com/austindbirch/harbor_bpe/internal/fhir"
	"github.com/austindbirch/harbor_bpe/internal/logging"
)

// LiveHandler advances the bookmark for resources delivered on a payload
// channel, so a reconnect backfill resumes after them. The bookmark only moves
// forward: an older live event leaves a newer stored value in place.
type LiveHandler struct {
	next   dispatch.ResourceHandler
	store  bookmark.Store
	scope  bookmark.Scope
	logger *logging.Logger
}

func NewLiveHandler(next dispatch.ResourceHandler, store bookmark.Store, scope bookmark.Scope, logger *logging.Logger) (*LiveHandler, error) {
	if next == nil || store == nil {
		return nil, errors.New("backfill: handler and bookmark store are required")
	}
	if scope.ResourceType == "" {
		return nil, errors.New("backfill: scope resource type is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &LiveHandler{next: next, store: store, scope: scope, logger: logger}, nil
}

func (h *LiveHandler) OnResource(ctx context.Context, r *fhir.Resource) error {
	if err := h.next.OnResource(ctx, r); err != nil {
		return err
	}
	if r.ResourceType() != h.scope.ResourceType {
		return nil
	}
	updated, ok := r.LastUpdated()
	if !ok {
		h.logger.WithContext(ctx).WithResourceType(r.ResourceType()).
			WithField("id", r.ID()).Warn("resource without meta.lastUpdated, bookmark not advanced")
		return nil
	}
	updated = updated.UTC().Truncate(time.Millisecond)

	current, hasBookmark, err := h.store.ReadLastEventTime(ctx, h.scope)
	if err != nil {
		return fmt.Errorf("read bookmark %s: %w", h.scope, err)
	}
	if hasBookmark && !updated.After(current) {
		return nil
	}
	if err := h.store.WriteLastEventTime(ctx, h.scope, updated); err != nil {
		return fmt.Errorf("write bookmark %s: %w", h.scope, err)
	}
	return nil
}
