// Package subscription keeps a live change-notification channel to the repository
// for each configured subscription: it retrieves the subscription, backfills the
// gap since the bookmark, opens the channel and starts over when any stage fails.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_bpe/internal/backfill"
	"github.com/austindbirch/harbor_bpe/internal/bookmark"
	"github.com/austindbirch/harbor_bpe/internal/deadletter"
	"github.com/austindbirch/harbor_bpe/internal/dispatch"
	"github.com/austindbirch/harbor_bpe/internal/fhir"
	"github.com/austindbirch/harbor_bpe/internal/logging"
	"github.com/austindbirch/harbor_bpe/internal/metrics"
	"github.com/austindbirch/harbor_bpe/internal/tracing"
	"github.com/austindbirch/harbor_bpe/internal/websocket"
)

const (
	stageRetrieve = "retrieve_subscription"
	stageBackfill = "backfill"
	stageChannel  = "channel"
)

// Channel is an open live channel bound to one subscription
type Channel interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context) error
	Disconnect() error
}

// ChannelFactory creates the live channel for a subscription. decoder is nil for ping channels.
type ChannelFactory func(sub *fhir.Subscription, decoder fhir.Decoder, sink websocket.Sink) (Channel, error)

// WebsocketChannels returns a factory for the repository's websocket endpoint
func WebsocketChannels(wsURL, bearerToken string, logger *logging.Logger) ChannelFactory {
	return func(sub *fhir.Subscription, decoder fhir.Decoder, sink websocket.Sink) (Channel, error) {
		return websocket.NewClient(websocket.Options{
			URL:            wsURL,
			SubscriptionID: sub.ID(),
			BearerToken:    bearerToken,
			Decoder:        decoder,
			Sink:           sink,
			Logger:         logger,
		})
	}
}

type ConnectionOptions struct {
	// Name identifies the connection in logs, metrics and bookmark scopes
	Name string
	// SearchParams select exactly one Subscription resource
	SearchParams url.Values

	Repository backfill.Searcher
	Bookmarks  bookmark.Store
	// Resources handles every resource delivered by backfill or a payload channel
	Resources dispatch.ResourceHandler
	Channels  ChannelFactory

	Retry          RetryPolicy
	ReconnectDelay time.Duration
	PoolSize       int
	IdleTimeout    time.Duration

	DeadLetters deadletter.Publisher // optional
	Logger      *logging.Logger
}

type Connection struct {
	opts   ConnectionOptions
	pool   *dispatch.Pool
	loader *backfill.Loader
	logger *logging.Logger

	mu      sync.Mutex
	state   State
	err     error
	started bool
	closed  bool
	cancel  context.CancelFunc
	channel Channel

	done chan struct{}
}

func NewConnection(opts ConnectionOptions) (*Connection, error) {
	if opts.Name == "" {
		return nil, errors.New("subscription: connection name is required")
	}
	if len(opts.SearchParams) == 0 {
		return nil, errors.New("subscription: search parameters are required")
	}
	if opts.Channels == nil {
		return nil, errors.New("subscription: channel factory is required")
	}
	if opts.ReconnectDelay < 0 || opts.Retry.Delay < 0 {
		return nil, errors.New("subscription: delays must not be negative")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	loader, err := backfill.NewLoader(opts.Repository, opts.Bookmarks, opts.Resources, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", opts.Name, err)
	}
	pool, err := dispatch.NewPool(opts.PoolSize, opts.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", opts.Name, err)
	}

	c := &Connection{
		opts:   opts,
		pool:   pool,
		loader: loader,
		logger: opts.Logger,
		done:   make(chan struct{}),
	}
	c.publishState(StateIdle)
	return c, nil
}

func (c *Connection) Name() string {
	return c.opts.Name
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that ended the connection, if any
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection's pipeline has stopped
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Connect starts the pipeline in its own goroutine and returns immediately
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.publishState(s)
}

func (c *Connection) publishState(s State) {
	metrics.SetConnectionState(c.opts.Name, s.String(), stateNames)
}

func (c *Connection) log(ctx context.Context) *logging.LogEntry {
	return c.logger.WithContext(ctx).WithField("connection", c.opts.Name)
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	for {
		c.setState(StateRetrievingSubscription)
		sub, err := c.retrieve(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.fail(ctx, err)
			}
			return
		}

		stage, err := c.cycle(ctx, sub)
		if ctx.Err() != nil {
			return
		}
		metrics.RecordReconnect(stage)
		c.log(ctx).WithSubscription(sub.ID()).WithError(err).
			WithFields(map[string]any{"stage": stage, "retry_in": c.opts.ReconnectDelay.String()}).
			Warn("subscription connection failed, reconnecting")

		c.setState(StateReconnecting)
		if !sleep(ctx, c.opts.ReconnectDelay) {
			return
		}
	}
}

// cycle backfills and then serves the live channel until it fails. The returned
// stage names where the failure happened.
func (c *Connection) cycle(ctx context.Context, sub *fhir.Subscription) (string, error) {
	c.setState(StateBackfilling)
	if err := c.backfill(ctx, sub); err != nil {
		return stageBackfill, err
	}

	ch, err := c.openChannel(ctx, sub)
	if err != nil {
		return stageChannel, err
	}
	defer c.closeChannel(ch)

	c.setState(StateConnected)
	c.log(ctx).WithSubscription(sub.ID()).WithField("channel", sub.Kind().String()).Info("subscription connected")

	if err := ch.Run(ctx); err != nil {
		return stageChannel, err
	}
	if ctx.Err() != nil {
		return stageChannel, ctx.Err()
	}
	return stageChannel, errors.New("channel ended")
}

// retrieve searches for the connection's subscription under the retry policy
func (c *Connection) retrieve(ctx context.Context) (*fhir.Subscription, error) {
	rs := retryState{policy: c.opts.Retry}
	for {
		sub, err := c.searchSubscription(ctx)
		if err == nil {
			metrics.RecordRetrieval("found")
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.RecordRetrieval(retrievalResult(err))

		remaining, more := rs.next()
		if !more {
			return nil, fmt.Errorf("%s after %d attempts: %w", stageRetrieve, rs.attempts, err)
		}
		entry := c.log(ctx).WithError(err).WithField("retry_in", c.opts.Retry.Delay.String())
		if remaining >= 0 {
			entry = entry.WithField("remaining_attempts", remaining)
		}
		entry.Warn("subscription retrieval failed")

		if !sleep(ctx, c.opts.Retry.Delay) {
			return nil, ctx.Err()
		}
	}
}

func (c *Connection) searchSubscription(ctx context.Context) (*fhir.Subscription, error) {
	ctx, span := tracing.StartSpan(ctx, "subscription.retrieve", attribute.String("connection", c.opts.Name))
	defer span.End()

	bundle, err := c.opts.Repository.Search(ctx, "Subscription", c.opts.SearchParams)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	var found []*fhir.Subscription
	for _, r := range bundle.Entries {
		if sub, err := fhir.AsSubscription(r); err == nil {
			found = append(found, sub)
		}
	}
	switch len(found) {
	case 0:
		return nil, ErrSubscriptionNotFound
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%w: %d matches", ErrSubscriptionAmbiguous, len(found))
	}
}

func retrievalResult(err error) string {
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		return "not_found"
	case errors.Is(err, ErrSubscriptionAmbiguous):
		return "ambiguous"
	default:
		return "error"
	}
}

func (c *Connection) backfill(ctx context.Context, sub *fhir.Subscription) error {
	q, err := c.query(sub)
	if err != nil {
		return err
	}
	return c.loader.Run(ctx, q)
}

func (c *Connection) query(sub *fhir.Subscription) (backfill.Query, error) {
	resourceType := sub.CriteriaResourceType()
	if resourceType == "" {
		return backfill.Query{}, fmt.Errorf("subscription %s has no criteria resource type", sub.ID())
	}
	criteria, err := sub.CriteriaParameters()
	if err != nil {
		return backfill.Query{}, err
	}
	return backfill.Query{
		ResourceType: resourceType,
		Criteria:     criteria,
		Scope:        bookmark.Scope{ResourceType: resourceType, Name: c.opts.Name},
	}, nil
}

// openChannel installs the handler matching the channel kind and binds the channel
func (c *Connection) openChannel(ctx context.Context, sub *fhir.Subscription) (Channel, error) {
	d := &dispatch.Dispatcher{
		Connection:  c.opts.Name,
		Pool:        c.pool,
		DeadLetters: c.opts.DeadLetters,
		Logger:      c.logger,
	}
	decoder := fhir.DecoderFor(sub.Kind())
	if decoder == nil {
		pings, err := backfill.NewPingHandler(c.loader, sub, c.opts.Name, c.logger)
		if err != nil {
			return nil, err
		}
		d.Pings = pings
	} else {
		q, err := c.query(sub)
		if err != nil {
			return nil, err
		}
		live, err := backfill.NewLiveHandler(c.opts.Resources, c.opts.Bookmarks, q.Scope, c.logger)
		if err != nil {
			return nil, err
		}
		d.Resources = live
	}

	ch, err := c.opts.Channels(sub, decoder, d)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.channel = ch
	c.mu.Unlock()

	if err := ch.Connect(ctx); err != nil {
		c.closeChannel(ch)
		return nil, err
	}
	return ch, nil
}

func (c *Connection) closeChannel(ch Channel) {
	c.mu.Lock()
	if c.channel == ch {
		c.channel = nil
	}
	c.mu.Unlock()
	_ = ch.Disconnect()
}

// fail ends the connection after retrieval gave up
func (c *Connection) fail(ctx context.Context, err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.setState(StateFailed)
	c.log(ctx).WithError(err).Error("subscription retrieval gave up")
}

// Close stops the pipeline, disconnects the live channel and drains the worker
// pool. No reconnect is attempted afterwards.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	ch := c.channel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if ch != nil {
		if err := ch.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
	}
	if !started {
		close(c.done)
	} else {
		select {
		case <-c.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if err := c.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain pool: %w", err))
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.publishState(StateClosed)
	c.logger.Plain().WithField("connection", c.opts.Name).Info("subscription connection closed")
	return errors.Join(errs...)
}

// sleep waits for d; it returns false when ctx ends first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
