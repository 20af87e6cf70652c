package backfill

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_bpe/internal/bookmark"
	"github.com/austindbirch/harbor_bpe/internal/dispatch"
	"github.com/austindbirch/harbor_bpe/internal/fhir"
)

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// fakeRepo answers searches the way the repository does: _lastUpdated=gt filter,
// ascending order, _count page size and a total over all matches
type fakeRepo struct {
	mu        sync.Mutex
	resources []*fhir.Resource
	queries   []url.Values
	err       error

	beforeSearch func(n int)
}

func (f *fakeRepo) Search(_ context.Context, resourceType string, params url.Values) (*fhir.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, params)
	if f.beforeSearch != nil {
		f.beforeSearch(len(f.queries))
	}
	if f.err != nil {
		return nil, f.err
	}

	var after time.Time
	if gt := params.Get("_lastUpdated"); gt != "" {
		t, err := time.Parse(time.RFC3339Nano, strings.TrimPrefix(gt, "gt"))
		if err != nil {
			return nil, err
		}
		after = t
	}
	count, _ := strconv.Atoi(params.Get("_count"))

	var matches []*fhir.Resource
	for _, r := range f.resources {
		if lu, ok := r.LastUpdated(); ok && lu.After(after) {
			matches = append(matches, r)
		}
	}
	b := &fhir.Bundle{Total: len(matches)}
	if len(matches) > count {
		matches = matches[:count]
	}
	b.Entries = matches
	return b, nil
}

func resource(t *testing.T, resourceType, id string, offset time.Duration) *fhir.Resource {
	t.Helper()
	r, err := fhir.NewResource(map[string]any{"resourceType": resourceType, "id": id})
	if err != nil {
		t.Fatal(err)
	}
	r.SetLastUpdated(base.Add(offset))
	return r
}

type recorder struct {
	mu     sync.Mutex
	ids    []string
	failOn string
}

func (h *recorder) OnResource(_ context.Context, r *fhir.Resource) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.ID() == h.failOn {
		return errors.New("engine unavailable")
	}
	h.ids = append(h.ids, r.ID())
	return nil
}

var taskScope = bookmark.Scope{ResourceType: "Task", Name: "sub-0"}

func newLoader(t *testing.T, repo Searcher, store bookmark.Store, h dispatch.ResourceHandler, pageSize int) *Loader {
	t.Helper()
	l, err := NewLoader(repo, store, h, nil)
	if err != nil {
		t.Fatalf("NewLoader() error: %v", err)
	}
	l.pageSize = pageSize
	return l
}

func TestNewLoader_RequiresCollaborators(t *testing.T) {
	repo, store, h := &fakeRepo{}, bookmark.NewMemoryStore(), &recorder{}
	tests := []struct {
		name  string
		repo  Searcher
		store bookmark.Store
		h     dispatch.ResourceHandler
	}{
		{name: "missing client", store: store, h: h},
		{name: "missing store", repo: repo, h: h},
		{name: "missing handler", repo: repo, store: store},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader(tt.repo, tt.store, tt.h, nil); err == nil {
				t.Error("NewLoader() expected error")
			}
		})
	}
}

func TestLoader_AdvancesBookmarkToLastItem(t *testing.T) {
	tests := []struct {
		name     string
		bookmark time.Duration // offset from base, negative means none
		items    int
		pageSize int
		wantIDs  int
	}{
		{name: "no bookmark, several pages", bookmark: -1, items: 7, pageSize: 3, wantIDs: 7},
		{name: "bookmark mid-way", bookmark: 3 * time.Minute, items: 7, pageSize: 2, wantIDs: 4},
		{name: "bookmark at the end", bookmark: 7 * time.Minute, items: 7, pageSize: 2, wantIDs: 0},
		{name: "empty repository", bookmark: -1, items: 0, pageSize: 20, wantIDs: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &fakeRepo{}
			for i := 1; i <= tt.items; i++ {
				repo.resources = append(repo.resources, resource(t, "Task", "t"+strconv.Itoa(i), time.Duration(i)*time.Minute))
			}
			store := bookmark.NewMemoryStore()
			var initial time.Time
			if tt.bookmark >= 0 {
				initial = base.Add(tt.bookmark)
				_ = store.WriteLastEventTime(context.Background(), taskScope, initial)
			}
			h := &recorder{}

			err := newLoader(t, repo, store, h, tt.pageSize).Run(context.Background(), Query{ResourceType: "Task", Scope: taskScope})
			if err != nil {
				t.Fatalf("Run() error: %v", err)
			}

			if len(h.ids) != tt.wantIDs {
				t.Errorf("handled %d resources (%v), want %d", len(h.ids), h.ids, tt.wantIDs)
			}
			for _, id := range h.ids {
				n, _ := strconv.Atoi(strings.TrimPrefix(id, "t"))
				if tt.bookmark >= 0 && !base.Add(time.Duration(n)*time.Minute).After(initial) {
					t.Errorf("resource %s at or before the bookmark was re-dispatched", id)
				}
			}

			got, ok, _ := store.ReadLastEventTime(context.Background(), taskScope)
			switch {
			case tt.items == 0:
				if ok {
					t.Errorf("bookmark = %v, want none", got)
				}
			default:
				want := base.Add(time.Duration(tt.items) * time.Minute)
				if !ok || !got.Equal(want) {
					t.Errorf("bookmark = %v (%v), want %v", got, ok, want)
				}
			}
		})
	}
}

func TestLoader_QueryParameters(t *testing.T) {
	repo := &fakeRepo{}
	store := bookmark.NewMemoryStore()
	_ = store.WriteLastEventTime(context.Background(), taskScope, time.Date(2024, 5, 1, 10, 0, 0, 5e6, time.FixedZone("X", 7200)))

	criteria := url.Values{"status": {"requested"}, "_count": {"999"}}
	err := newLoader(t, repo, store, &recorder{}, DefaultPageSize).Run(context.Background(), Query{ResourceType: "Task", Criteria: criteria, Scope: taskScope})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(repo.queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(repo.queries))
	}
	q := repo.queries[0]
	tests := []struct {
		key  string
		want string
	}{
		{"_lastUpdated", "gt2024-05-01T08:00:00.005Z"},
		{"_count", "20"},
		{"_page", "1"},
		{"_sort", "_lastUpdated"},
		{"status", "requested"},
	}
	for _, tt := range tests {
		if got := q.Get(tt.key); got != tt.want {
			t.Errorf("query %s = %q, want %q", tt.key, got, tt.want)
		}
	}
	if criteria.Get("_count") != "999" {
		t.Error("Run() mutated the caller's criteria")
	}
}

func TestLoader_SkipsUnexpectedTypes(t *testing.T) {
	repo := &fakeRepo{resources: []*fhir.Resource{
		resource(t, "Task", "t1", time.Minute),
		resource(t, "OperationOutcome", "oo", 2*time.Minute),
		resource(t, "Task", "t3", 3*time.Minute),
	}}
	store := bookmark.NewMemoryStore()
	h := &recorder{}

	if err := newLoader(t, repo, store, h, 20).Run(context.Background(), Query{ResourceType: "Task", Scope: taskScope}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if strings.Join(h.ids, ",") != "t1,t3" {
		t.Errorf("handled = %v, want [t1 t3]", h.ids)
	}
}

func TestLoader_StopsWhenPageDoesNotAdvance(t *testing.T) {
	repo := &fakeRepo{resources: []*fhir.Resource{
		resource(t, "Patient", "p1", time.Minute),
	}}
	h := &recorder{}

	done := make(chan error)
	go func() {
		done <- newLoader(t, repo, bookmark.NewMemoryStore(), h, 20).Run(context.Background(), Query{ResourceType: "Task", Scope: taskScope})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not terminate on a page of unexpected types")
	}
	if len(repo.queries) != 1 {
		t.Errorf("queries = %d, want 1", len(repo.queries))
	}
}

func TestLoader_FailureKeepsEarlierAdvances(t *testing.T) {
	repo := &fakeRepo{}
	for i := 1; i <= 5; i++ {
		repo.resources = append(repo.resources, resource(t, "Task", "t"+strconv.Itoa(i), time.Duration(i)*time.Minute))
	}
	store := bookmark.NewMemoryStore()
	h := &recorder{failOn: "t4"}

	err := newLoader(t, repo, store, h, 2).Run(context.Background(), Query{ResourceType: "Task", Scope: taskScope})
	if err == nil || !strings.Contains(err.Error(), "Task/t4") {
		t.Fatalf("Run() error = %v, want failure on Task/t4", err)
	}

	got, ok, _ := store.ReadLastEventTime(context.Background(), taskScope)
	if want := base.Add(3 * time.Minute); !ok || !got.Equal(want) {
		t.Errorf("bookmark = %v, want %v", got, want)
	}
}

func TestLoader_SearchFailure(t *testing.T) {
	repo := &fakeRepo{err: errors.New("503")}
	err := newLoader(t, repo, bookmark.NewMemoryStore(), &recorder{}, 20).Run(context.Background(), Query{ResourceType: "Task", Scope: taskScope})
	if err == nil {
		t.Fatal("Run() expected error")
	}
}

func TestLoader_HonoursConcurrentBookmarkWrites(t *testing.T) {
	repo := &fakeRepo{}
	for i := 1; i <= 6; i++ {
		repo.resources = append(repo.resources, resource(t, "Task", "t"+strconv.Itoa(i), time.Duration(i)*time.Minute))
	}
	store := bookmark.NewMemoryStore()
	h := &recorder{}
	// a live event elsewhere moves the bookmark to t5 between the first and second page
	repo.beforeSearch = func(n int) {
		if n == 2 {
			_ = store.WriteLastEventTime(context.Background(), taskScope, base.Add(5*time.Minute))
		}
	}

	if err := newLoader(t, repo, store, h, 2).Run(context.Background(), Query{ResourceType: "Task", Scope: taskScope}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if strings.Join(h.ids, ",") != "t1,t2,t6" {
		t.Errorf("handled = %v, want [t1 t2 t6]", h.ids)
	}
}

func subscription(t *testing.T, criteria string) *fhir.Subscription {
	t.Helper()
	r, err := fhir.NewResource(map[string]any{
		"resourceType": "Subscription",
		"id":           "s1",
		"criteria":     criteria,
		"channel":      map[string]any{"type": "websocket"},
	})
	if err != nil {
		t.Fatal(err)
	}
	sub, err := fhir.AsSubscription(r)
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestPingHandler_RunsScopedBackfill(t *testing.T) {
	repo := &fakeRepo{resources: []*fhir.Resource{
		resource(t, "QuestionnaireResponse", "q1", time.Minute),
	}}
	h := &recorder{}
	loader := newLoader(t, repo, bookmark.NewMemoryStore(), h, 20)

	ph, err := NewPingHandler(loader, subscription(t, "QuestionnaireResponse?status=completed"), "sub-0", nil)
	if err != nil {
		t.Fatalf("NewPingHandler() error: %v", err)
	}

	if err := ph.OnPing(context.Background(), "s1"); err != nil {
		t.Fatalf("OnPing() error: %v", err)
	}
	if len(h.ids) != 1 || h.ids[0] != "q1" {
		t.Errorf("handled = %v, want [q1]", h.ids)
	}
	if got := repo.queries[0].Get("status"); got != "completed" {
		t.Errorf("ping backfill status = %q, want completed", got)
	}
	q := ph.Query()
	if q.ResourceType != "QuestionnaireResponse" || q.Scope != (bookmark.Scope{ResourceType: "QuestionnaireResponse", Name: "sub-0"}) {
		t.Errorf("Query() = %+v", q)
	}
}

func TestPingHandler_IgnoresOtherSubscriptions(t *testing.T) {
	repo := &fakeRepo{}
	ph, err := NewPingHandler(newLoader(t, repo, bookmark.NewMemoryStore(), &recorder{}, 20), subscription(t, "Task?status=requested"), "sub-0", nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		id          string
		wantQueries int
	}{
		{"other", 0},
		{"Subscription/s1", 1},
		{"s1", 2},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if err := ph.OnPing(context.Background(), tt.id); err != nil {
				t.Fatalf("OnPing() error: %v", err)
			}
			if len(repo.queries) != tt.wantQueries {
				t.Errorf("queries = %d, want %d", len(repo.queries), tt.wantQueries)
			}
		})
	}
}

func TestNewPingHandler_InvalidCriteria(t *testing.T) {
	loader := newLoader(t, &fakeRepo{}, bookmark.NewMemoryStore(), &recorder{}, 20)
	tests := []struct {
		name     string
		criteria string
	}{
		{name: "no resource type", criteria: "?status=requested"},
		{name: "bad query", criteria: "Task?status=%zz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPingHandler(loader, subscription(t, tt.criteria), "sub-0", nil); err == nil {
				t.Error("NewPingHandler() expected error")
			}
		})
	}
}

func TestLiveHandler_AdvancesBookmark(t *testing.T) {
	noUpdate, err := fhir.NewResource(map[string]any{"resourceType": "Task", "id": "no-meta"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		stored  time.Duration // <0 means no bookmark
		event   *fhir.Resource
		failOn  string
		want    time.Duration // <0 means no bookmark
		wantErr bool
	}{
		{name: "first live event", stored: -1, event: resource(t, "Task", "t1", time.Minute), want: time.Minute},
		{name: "newer event advances", stored: time.Minute, event: resource(t, "Task", "t3", 3*time.Minute), want: 3 * time.Minute},
		{name: "older event keeps newer bookmark", stored: 5 * time.Minute, event: resource(t, "Task", "t2", 2*time.Minute), want: 5 * time.Minute},
		{name: "other resource type", stored: time.Minute, event: resource(t, "Patient", "p1", 9*time.Minute), want: time.Minute},
		{name: "missing lastUpdated", stored: -1, event: noUpdate, want: -1},
		{name: "handler failure", stored: time.Minute, event: resource(t, "Task", "t4", 4*time.Minute), failOn: "t4", want: time.Minute, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := bookmark.NewMemoryStore()
			if tt.stored >= 0 {
				if err := store.WriteLastEventTime(ctx, taskScope, base.Add(tt.stored)); err != nil {
					t.Fatal(err)
				}
			}
			h := &recorder{failOn: tt.failOn}
			live, err := NewLiveHandler(h, store, taskScope, nil)
			if err != nil {
				t.Fatalf("NewLiveHandler() error: %v", err)
			}

			err = live.OnResource(ctx, tt.event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("OnResource() error = %v, wantErr %v", err, tt.wantErr)
			}

			got, ok, err := store.ReadLastEventTime(ctx, taskScope)
			if err != nil {
				t.Fatal(err)
			}
			if tt.want < 0 {
				if ok {
					t.Errorf("bookmark = %v, want none", got)
				}
				return
			}
			if !ok || !got.Equal(base.Add(tt.want)) {
				t.Errorf("bookmark = %v (%v), want %v", got, ok, base.Add(tt.want))
			}
		})
	}
}

func TestNewLiveHandler_RequiresCollaborators(t *testing.T) {
	store := bookmark.NewMemoryStore()
	if _, err := NewLiveHandler(nil, store, taskScope, nil); err == nil {
		t.Error("NewLiveHandler() without handler expected error")
	}
	if _, err := NewLiveHandler(&recorder{}, nil, taskScope, nil); err == nil {
		t.Error("NewLiveHandler() without store expected error")
	}
	if _, err := NewLiveHandler(&recorder{}, store, bookmark.Scope{Name: "sub-0"}, nil); err == nil {
		t.Error("NewLiveHandler() without resource type expected error")
	}
}
