// Package websocket implements the repository's live subscription channel:
// the client binds to a subscription id and then receives ping or payload frames.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"nhooyr.io/websocket"

	"github.com/austindbirch/harbor_bpe/internal/fhir"
	"github.com/austindbirch/harbor_bpe/internal/logging"
	"github.com/austindbirch/harbor_bpe/internal/tracing"
)

const (
	defaultBindTimeout = 10 * time.Second
	readLimit          = 16 << 20
)

var (
	ErrNotConnected = errors.New("websocket: not connected")
	ErrBindRejected = errors.New("websocket: bind rejected")
)

// Sink receives the events read from the channel. Implementations must not block.
type Sink interface {
	DispatchResource(ctx context.Context, r *fhir.Resource)
	DispatchPing(ctx context.Context, subscriptionID string)
}

type Options struct {
	URL            string
	SubscriptionID string
	BearerToken    string
	// Decoder turns payload frames into resources; nil for ping-only channels
	Decoder     fhir.Decoder
	Sink        Sink
	Logger      *logging.Logger
	HTTPClient  *http.Client
	BindTimeout time.Duration
}

type Client struct {
	opts   Options
	logger *logging.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("websocket: url is required")
	}
	if opts.SubscriptionID == "" {
		return nil, errors.New("websocket: subscription id is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("websocket: sink is required")
	}
	if opts.BindTimeout <= 0 {
		opts.BindTimeout = defaultBindTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Client{opts: opts, logger: logger}, nil
}

// Connect dials the channel, sends "bind <id>" and waits for "bound <id>"
func (c *Client) Connect(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "websocket.connect",
		attribute.String("url", c.opts.URL),
		attribute.String("subscription", c.opts.SubscriptionID),
	)
	defer span.End()

	header := http.Header{}
	if c.opts.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.BearerToken)
	}
	for k, v := range tracing.InjectHeaders(ctx) {
		header.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.BindTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(readLimit)

	if err := c.bind(dialCtx, conn); err != nil {
		tracing.SetSpanError(ctx, err)
		conn.Close(websocket.StatusPolicyViolation, "bind failed")
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.WithContext(ctx).WithSubscription(c.opts.SubscriptionID).
		WithField("url", c.opts.URL).Info("websocket bound")
	return nil
}

func (c *Client) bind(ctx context.Context, conn *websocket.Conn) error {
	id := c.opts.SubscriptionID
	if err := conn.Write(ctx, websocket.MessageText, []byte("bind "+id)); err != nil {
		return fmt.Errorf("send bind: %w", err)
	}
	_, msg, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("await bound: %w", err)
	}
	if got := strings.TrimSpace(string(msg)); got != "bound "+id {
		return fmt.Errorf("%w: got %q", ErrBindRejected, got)
	}
	return nil
}

// Run reads frames until the channel ends. It returns nil after Disconnect or
// when ctx is done, and an error when the channel is lost.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	log := c.logger.WithContext(ctx).WithSubscription(c.opts.SubscriptionID)
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("websocket closed by server (%s): %w", status, err)
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if typ != websocket.MessageText {
			log.WithField("type", typ.String()).Warn("non-text frame ignored")
			continue
		}
		c.handleFrame(ctx, log, string(msg))
	}
}

func (c *Client) handleFrame(ctx context.Context, log *logging.LogEntry, frame string) {
	if id, ok := strings.CutPrefix(frame, "ping "); ok {
		c.opts.Sink.DispatchPing(ctx, strings.TrimSpace(id))
		return
	}
	if c.opts.Decoder == nil {
		log.WithField("frame_bytes", len(frame)).Warn("payload frame on ping channel ignored")
		return
	}
	r, err := c.opts.Decoder.Decode([]byte(frame))
	if err != nil {
		log.WithError(err).Warn("undecodable payload frame ignored")
		return
	}
	c.opts.Sink.DispatchResource(ctx, r)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Disconnect closes the channel normally. Safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "disconnect")
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
