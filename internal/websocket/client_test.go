package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/austindbirch/harbor_bpe/internal/fhir"
)

type recordingSink struct {
	mu        sync.Mutex
	resources []string
	pings     []string
	got       chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 16)}
}

func (s *recordingSink) DispatchResource(_ context.Context, r *fhir.Resource) {
	s.mu.Lock()
	s.resources = append(s.resources, r.Reference())
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *recordingSink) DispatchPing(_ context.Context, id string) {
	s.mu.Lock()
	s.pings = append(s.pings, id)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *recordingSink) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d events, want %d", i, n)
		}
	}
}

// fakeServer accepts one channel, answers the bind and then sends frames
type fakeServer struct {
	boundReply string
	frames     []string
	closeAfter bool

	mu         sync.Mutex
	authHeader string
	bindFrame  string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := r.Context()
	_, msg, err := conn.Read(ctx)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.authHeader = r.Header.Get("Authorization")
	f.bindFrame = string(msg)
	f.mu.Unlock()

	reply := f.boundReply
	if reply == "" {
		reply = "bound " + strings.TrimPrefix(string(msg), "bind ")
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
		return
	}
	for _, frame := range f.frames {
		if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			return
		}
	}
	if f.closeAfter {
		conn.Close(websocket.StatusGoingAway, "restart")
		return
	}
	// hold the channel open until the client disconnects
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNewClient_Validation(t *testing.T) {
	sink := newRecordingSink()
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing url", opts: Options{SubscriptionID: "s", Sink: sink}},
		{name: "missing subscription", opts: Options{URL: "ws://x", Sink: sink}},
		{name: "missing sink", opts: Options{URL: "ws://x", SubscriptionID: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(tt.opts); err == nil {
				t.Error("NewClient() expected error")
			}
		})
	}
}

func TestClient_BindAndDeliver(t *testing.T) {
	task := `{"resourceType":"Task","id":"t-1","status":"requested"}`
	fs := &fakeServer{frames: []string{"ping sub-1", task, "not json", "ping sub-1"}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	sink := newRecordingSink()
	c, err := NewClient(Options{
		URL:            wsURL(srv),
		SubscriptionID: "sub-1",
		BearerToken:    "secret",
		Decoder:        fhir.JSONDecoder{},
		Sink:           sink,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	sink.wait(t, 3)
	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect() error: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() after Disconnect = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Disconnect")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.bindFrame != "bind sub-1" {
		t.Errorf("bind frame = %q, want %q", fs.bindFrame, "bind sub-1")
	}
	if fs.authHeader != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", fs.authHeader, "Bearer secret")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if strings.Join(sink.pings, ",") != "sub-1,sub-1" {
		t.Errorf("pings = %v", sink.pings)
	}
	if strings.Join(sink.resources, ",") != "Task/t-1" {
		t.Errorf("resources = %v", sink.resources)
	}
}

func TestClient_PingChannelIgnoresPayload(t *testing.T) {
	fs := &fakeServer{frames: []string{`{"resourceType":"Task","id":"t-1"}`, "ping sub-1"}}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	sink := newRecordingSink()
	c, _ := NewClient(Options{URL: wsURL(srv), SubscriptionID: "sub-1", Sink: sink})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer c.Disconnect()
	go c.Run(context.Background())

	sink.wait(t, 1)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.resources) != 0 || len(sink.pings) != 1 {
		t.Errorf("resources = %v, pings = %v", sink.resources, sink.pings)
	}
}

func TestClient_BindRejected(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{boundReply: "error unknown subscription"})
	defer srv.Close()

	c, _ := NewClient(Options{URL: wsURL(srv), SubscriptionID: "sub-1", Sink: newRecordingSink()})
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrBindRejected) {
		t.Errorf("Connect() error = %v, want ErrBindRejected", err)
	}
}

func TestClient_ServerCloseEndsRunWithError(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{closeAfter: true})
	defer srv.Close()

	c, _ := NewClient(Options{URL: wsURL(srv), SubscriptionID: "sub-1", Sink: newRecordingSink()})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := c.Run(context.Background()); err == nil {
		t.Error("Run() = nil, want error after server close")
	}
}

func TestClient_RunBeforeConnect(t *testing.T) {
	c, _ := NewClient(Options{URL: "ws://127.0.0.1:1", SubscriptionID: "sub-1", Sink: newRecordingSink()})
	if err := c.Run(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Run() error = %v, want ErrNotConnected", err)
	}
}
