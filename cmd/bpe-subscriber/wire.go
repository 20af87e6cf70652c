package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_bpe/internal/bookmark"
	"github.com/austindbirch/harbor_bpe/internal/config"
	"github.com/austindbirch/harbor_bpe/internal/db"
	"github.com/austindbirch/harbor_bpe/internal/deadletter"
	"github.com/austindbirch/harbor_bpe/internal/dispatch"
	"github.com/austindbirch/harbor_bpe/internal/fhir"
	"github.com/austindbirch/harbor_bpe/internal/health"
	"github.com/austindbirch/harbor_bpe/internal/logging"
	"github.com/austindbirch/harbor_bpe/internal/subscription"
	"github.com/austindbirch/harbor_bpe/internal/task"
	"github.com/austindbirch/harbor_bpe/internal/workflow"
)

const (
	engineREST   = "rest"
	engineMemory = "memory"
)

// service holds everything run needs to start and stop
type service struct {
	manager    *subscription.Manager
	engineKind string

	pool  *pgxpool.Pool
	redis *redis.Client
	dlq   *deadletter.NSQPublisher
}

func (s *service) pinger() health.Pinger {
	if s.pool == nil {
		return nil
	}
	return s.pool
}

func (s *service) close() {
	if s.dlq != nil {
		s.dlq.Close()
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func buildService(ctx context.Context, cfg config.Config, definitions []string, logger *logging.Logger) (*service, error) {
	svc := &service{}
	ok := false
	defer func() {
		if !ok {
			svc.close()
		}
	}()

	store, err := svc.bookmarkStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bookmark store: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	repo := fhir.NewClient(cfg.FHIR.BaseURL, cfg.FHIR.BearerToken, httpClient)

	registry, runtime, kind, err := newEngine(cfg.Workflow, definitions, httpClient, logger)
	if err != nil {
		return nil, err
	}
	svc.engineKind = kind

	correlator, err := task.NewCorrelator(repo, registry, runtime, logger)
	if err != nil {
		return nil, err
	}
	router := task.NewRouter(correlator, logger)

	var deadLetters deadletter.Publisher
	if cfg.NSQ.PublishDLQ {
		svc.dlq, err = deadletter.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic)
		if err != nil {
			return nil, fmt.Errorf("dead letter producer: %w", err)
		}
		deadLetters = svc.dlq
	}

	conns, err := newConnections(cfg, repo, store, router, deadLetters, logger)
	if err != nil {
		return nil, err
	}
	svc.manager = subscription.NewManager(conns...)
	ok = true
	return svc, nil
}

func (s *service) bookmarkStore(ctx context.Context, cfg config.Config) (bookmark.Store, error) {
	switch cfg.Bookmark.Backend {
	case "file":
		return bookmark.NewFileStore(cfg.Bookmark.Dir)
	case "memory":
		return bookmark.NewMemoryStore(), nil
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN(), db.WithApplicationName(cfg.AppName))
		if err != nil {
			return nil, err
		}
		s.pool = pool
		store := bookmark.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return store, nil
	case "redis":
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		return bookmark.NewRedisStore(s.redis), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Bookmark.Backend)
	}
}

// newEngine returns the REST engine when a URL is configured, otherwise an
// in-memory engine with the given key|versionTag definitions deployed
func newEngine(cfg config.Workflow, definitions []string, httpClient *http.Client, logger *logging.Logger) (workflow.Registry, workflow.Runtime, string, error) {
	if cfg.EngineURL != "" {
		c := workflow.NewRESTClient(cfg.EngineURL, httpClient)
		return c, c, engineREST, nil
	}

	mem := workflow.NewMemory()
	for _, d := range definitions {
		key, tag, err := parseDefinition(d)
		if err != nil {
			return nil, nil, "", err
		}
		def := mem.Deploy(key, tag)
		logger.Plain().WithFields(map[string]any{"definition": def.ID, "version_tag": tag}).Info("process definition deployed")
	}
	if len(definitions) == 0 {
		logger.Plain().Warn("in-memory engine without definitions, every task will fail")
	}
	return mem, mem, engineMemory, nil
}

func parseDefinition(raw string) (key, versionTag string, err error) {
	key, versionTag, _ = strings.Cut(strings.TrimSpace(raw), "|")
	if key == "" {
		return "", "", fmt.Errorf("invalid definition %q, want key|versionTag", raw)
	}
	return key, versionTag, nil
}

func newConnections(cfg config.Config, repo *fhir.Client, store bookmark.Store, handler dispatch.ResourceHandler, deadLetters deadletter.Publisher, logger *logging.Logger) ([]*subscription.Connection, error) {
	channels := subscription.WebsocketChannels(cfg.FHIR.WebsocketURL, cfg.FHIR.BearerToken, logger)

	conns := make([]*subscription.Connection, 0, len(cfg.Subscriptions.SearchParams))
	for i, raw := range cfg.Subscriptions.SearchParams {
		params, err := subscription.ParseSearchParams(raw)
		if err != nil {
			return nil, err
		}
		c, err := subscription.NewConnection(subscription.ConnectionOptions{
			Name:         connectionName(i, params.Get("criteria")),
			SearchParams: params,
			Repository:   repo,
			Bookmarks:    store,
			Resources:    handler,
			Channels:     channels,
			Retry: subscription.RetryPolicy{
				MaxRetries: cfg.Subscriptions.MaxRetries,
				Delay:      cfg.Subscriptions.RetryDelay,
			},
			ReconnectDelay: cfg.Subscriptions.ReconnectDelay,
			PoolSize:       cfg.Dispatch.PoolSize,
			IdleTimeout:    cfg.Dispatch.IdleTimeout,
			DeadLetters:    deadLetters,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, nil
}

// connectionName is stable across restarts so bookmark scopes survive, e.g. "task-0"
func connectionName(i int, criteria string) string {
	resourceType, _, _ := strings.Cut(criteria, "?")
	resourceType = strings.ToLower(strings.TrimSpace(resourceType))
	if resourceType == "" {
		resourceType = "subscription"
	}
	return fmt.Sprintf("%s-%d", resourceType, i)
}
