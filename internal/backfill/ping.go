package backfill

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/austindbirch/harbor_bpe/internal/bookmark"
	"github.com/austindbirch/harbor_bpe/internal/fhir"
	"github.com/austindbirch/harbor_bpe/internal/logging"
)

// PingHandler answers a ping by running a backfill scoped to the subscription's criteria
type PingHandler struct {
	loader         *Loader
	subscriptionID string
	query          Query
	logger         *logging.Logger
}

func NewPingHandler(loader *Loader, sub *fhir.Subscription, scopeName string, logger *logging.Logger) (*PingHandler, error) {
	if loader == nil || sub == nil {
		return nil, errors.New("backfill: loader and subscription are required")
	}
	resourceType := sub.CriteriaResourceType()
	if resourceType == "" {
		return nil, fmt.Errorf("subscription %s has no criteria resource type", sub.ID())
	}
	criteria, err := sub.CriteriaParameters()
	if err != nil {
		return nil, fmt.Errorf("subscription %s criteria: %w", sub.ID(), err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &PingHandler{
		loader:         loader,
		subscriptionID: sub.ID(),
		query: Query{
			ResourceType: resourceType,
			Criteria:     criteria,
			Scope:        bookmark.Scope{ResourceType: resourceType, Name: scopeName},
		},
		logger: logger,
	}, nil
}

// Query returns the backfill a ping triggers
func (h *PingHandler) Query() Query {
	return Query{
		ResourceType: h.query.ResourceType,
		Criteria:     cloneValues(h.query.Criteria),
		Scope:        h.query.Scope,
	}
}

func (h *PingHandler) OnPing(ctx context.Context, subscriptionID string) error {
	if !sameSubscription(subscriptionID, h.subscriptionID) {
		h.logger.WithContext(ctx).WithSubscription(subscriptionID).
			WithField("expected", h.subscriptionID).Warn("ping for unknown subscription ignored")
		return nil
	}
	h.logger.WithContext(ctx).WithSubscription(subscriptionID).
		WithResourceType(h.query.ResourceType).Debug("ping received, running backfill")
	return h.loader.Run(ctx, h.Query())
}

func sameSubscription(got, want string) bool {
	got = strings.TrimPrefix(strings.TrimSpace(got), "Subscription/")
	return got == strings.TrimPrefix(want, "Subscription/")
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
