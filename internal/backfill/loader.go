// Package backfill closes the gap between the persisted bookmark and the live
// channel by paging through the repository in ascending update order.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_bpe/internal/bookmark"
	"github.com/austindbirch/harbor_bpe/internal/dispatch"
	"github.com/austindbirch/harbor_bpe/internal/fhir"
	"github.com/austindbirch/harbor_bpe/internal/logging"
	"github.com/austindbirch/harbor_bpe/internal/metrics"
	"github.com/austindbirch/harbor_bpe/internal/tracing"
)

const (
	DefaultPageSize = 20

	// millisecond precision in UTC, as accepted by _lastUpdated
	lastUpdatedLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Searcher is the repository search operation the loader needs
type Searcher interface {
	Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error)
}

// Query describes one backfill run
type Query struct {
	ResourceType string
	Criteria     url.Values
	Scope        bookmark.Scope
}

type Loader struct {
	client   Searcher
	store    bookmark.Store
	handler  dispatch.ResourceHandler
	logger   *logging.Logger
	pageSize int
}

func NewLoader(client Searcher, store bookmark.Store, handler dispatch.ResourceHandler, logger *logging.Logger) (*Loader, error) {
	if client == nil {
		return nil, errors.New("backfill: repository client is required")
	}
	if store == nil {
		return nil, errors.New("backfill: bookmark store is required")
	}
	if handler == nil {
		return nil, errors.New("backfill: resource handler is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Loader{client: client, store: store, handler: handler, logger: logger, pageSize: DefaultPageSize}, nil
}

// Run pages through everything updated after the bookmark until the repository
// reports no further matches. Every handled resource advances the bookmark right
// away; a failure returns immediately and keeps the advances made so far.
func (l *Loader) Run(ctx context.Context, q Query) error {
	if q.ResourceType == "" {
		return errors.New("backfill: resource type is required")
	}
	ctx, span := tracing.StartSpan(ctx, "backfill.run",
		attribute.String("resource_type", q.ResourceType),
		attribute.String("scope", q.Scope.String()),
	)
	defer span.End()

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// re-read so concurrent writers (live events, pings) are honoured
		since, hasBookmark, err := l.store.ReadLastEventTime(ctx, q.Scope)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return fmt.Errorf("read bookmark %s: %w", q.Scope, err)
		}

		bundle, err := l.client.Search(ctx, q.ResourceType, l.params(q.Criteria, since, hasBookmark))
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return fmt.Errorf("search %s: %w", q.ResourceType, err)
		}
		if bundle.Total == 0 {
			l.logger.WithContext(ctx).WithResourceType(q.ResourceType).
				WithField("pages", page-1).Debug("backfill complete")
			return nil
		}

		advanced, err := l.handlePage(ctx, q, bundle, since, hasBookmark)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return err
		}
		if !advanced {
			l.logger.WithContext(ctx).WithResourceType(q.ResourceType).
				WithFields(map[string]any{"page": page, "total": bundle.Total}).
				Warn("backfill page did not advance the bookmark, stopping")
			return nil
		}
	}
}

func (l *Loader) handlePage(ctx context.Context, q Query, bundle *fhir.Bundle, since time.Time, hasBookmark bool) (bool, error) {
	advanced := false
	handled := 0
	defer func() { metrics.RecordBackfillPage(map[string]int{q.ResourceType: handled}) }()

	for _, r := range bundle.Entries {
		if r.ResourceType() != q.ResourceType {
			l.logger.WithContext(ctx).WithResourceType(r.ResourceType()).
				WithFields(map[string]any{"expected": q.ResourceType, "id": r.ID()}).
				Warn("unexpected resource type in backfill, skipped")
			continue
		}

		updated, hasUpdated := r.LastUpdated()
		updated = updated.UTC().Truncate(time.Millisecond)
		if hasUpdated && hasBookmark && !updated.After(since) {
			l.logger.WithContext(ctx).WithResourceType(q.ResourceType).
				WithField("id", r.ID()).Debug("resource not newer than bookmark, skipped")
			continue
		}

		if err := l.handler.OnResource(ctx, r); err != nil {
			return advanced, fmt.Errorf("handle %s: %w", r.Reference(), err)
		}
		handled++

		if !hasUpdated {
			l.logger.WithContext(ctx).WithResourceType(q.ResourceType).
				WithField("id", r.ID()).Warn("resource without meta.lastUpdated, bookmark not advanced")
			continue
		}
		if err := l.store.WriteLastEventTime(ctx, q.Scope, updated); err != nil {
			return advanced, fmt.Errorf("write bookmark %s: %w", q.Scope, err)
		}
		since, hasBookmark = updated, true
		advanced = true
	}
	return advanced, nil
}

func (l *Loader) params(criteria url.Values, since time.Time, hasBookmark bool) url.Values {
	params := url.Values{}
	for k, vs := range criteria {
		params[k] = append([]string(nil), vs...)
	}
	if hasBookmark {
		params.Set("_lastUpdated", "gt"+since.UTC().Format(lastUpdatedLayout))
	}
	params.Set("_count", strconv.Itoa(l.pageSize))
	params.Set("_page", "1")
	params.Set("_sort", "_lastUpdated")
	return params
}
