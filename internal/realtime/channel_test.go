package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/status"
	"github.com/matheus3301/imsync/internal/wire"
	"go.uber.org/zap"
)

type fakeConn struct {
	in     chan []byte
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.MessageText, data, nil
	case <-c.done:
		return 0, nil, errors.New("closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	dials int
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, url)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestChannel(t *testing.T, cfg Config, d Dialer) (*Channel, *bus.Bus) {
	t.Helper()
	b := bus.New()
	if cfg.URL == "" {
		cfg.URL = "ws://example.invalid/ws"
	}
	if cfg.Delay == 0 {
		cfg.Delay = time.Millisecond
	}
	ch := New(cfg, d, status.NewMachine(b), b, zap.NewNop())
	t.Cleanup(ch.Stop)
	return ch, b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartAppendsToken(t *testing.T) {
	d := &fakeDialer{}
	ch, _ := newTestChannel(t, Config{URL: "ws://host/ws?v=2", Token: "s3cret"}, d)

	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ch.State() != status.Open {
		t.Fatalf("state = %s, want OPEN", ch.State())
	}
	if !strings.Contains(d.urls[0], "token=s3cret") || !strings.Contains(d.urls[0], "v=2") {
		t.Errorf("dialed %q", d.urls[0])
	}
}

func TestNoTokenIsNoOp(t *testing.T) {
	d := &fakeDialer{}
	ch, _ := newTestChannel(t, Config{}, d)

	if err := ch.Start(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("Start() = %v, want ErrNoToken", err)
	}
	if err := ch.Reconnect(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("Reconnect() = %v, want ErrNoToken", err)
	}
	time.Sleep(20 * time.Millisecond)
	if d.count() != 0 {
		t.Errorf("dials = %d, want 0", d.count())
	}
	if ch.State() != status.Disconnected {
		t.Errorf("state = %s", ch.State())
	}
}

func TestReconnectBound(t *testing.T) {
	d := &fakeDialer{fail: true}
	ch, b := newTestChannel(t, Config{Token: "tok", MaxAttempts: 3}, d)
	gaveUp, unsub := b.Subscribe(bus.RealtimeGaveUp, 4)
	defer unsub()

	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gaveUp:
	case <-time.After(2 * time.Second):
		t.Fatal("never gave up")
	}

	time.Sleep(30 * time.Millisecond)
	if got := d.count(); got != 4 {
		t.Fatalf("dials = %d, want 4 (initial + 3 retries)", got)
	}
	if ch.Remaining() != 0 {
		t.Errorf("remaining = %d, want 0", ch.Remaining())
	}

	// Exhausted: nothing more happens until an external reset.
	time.Sleep(30 * time.Millisecond)
	if got := d.count(); got != 4 {
		t.Fatalf("dials after give-up = %d, want 4", got)
	}

	d.setFail(false)
	if err := ch.Reconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ch.State() != status.Open {
		t.Fatalf("state = %s, want OPEN", ch.State())
	}
	if ch.Remaining() != 3 {
		t.Errorf("remaining = %d, want reset to 3", ch.Remaining())
	}
}

func TestReconnectsAfterDrop(t *testing.T) {
	d := &fakeDialer{}
	ch, b := newTestChannel(t, Config{Token: "tok", MaxAttempts: 2}, d)
	opens, unsub := b.Subscribe(bus.RealtimeOpen, 4)
	defer unsub()

	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-opens

	_ = d.last().Close(websocket.StatusGoingAway, "server restart")

	select {
	case <-opens:
	case <-time.After(2 * time.Second):
		t.Fatal("did not reconnect")
	}
	if d.count() != 2 {
		t.Errorf("dials = %d, want 2", d.count())
	}
	waitFor(t, "retry budget reset", func() bool { return ch.Remaining() == 2 })
}

func TestStopCancelsPendingRetry(t *testing.T) {
	d := &fakeDialer{fail: true}
	ch, _ := newTestChannel(t, Config{Token: "tok", MaxAttempts: 5, Delay: 40 * time.Millisecond}, d)

	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch.Stop()

	time.Sleep(100 * time.Millisecond)
	if got := d.count(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestQueuedRetryHonoursCancellation(t *testing.T) {
	d := &fakeDialer{}
	ch, _ := newTestChannel(t, Config{Token: "tok"}, d)

	ch.mu.Lock()
	ch.noReconnect = true
	ch.reconnecting = true
	ch.mu.Unlock()

	ch.retry()

	if d.count() != 0 {
		t.Errorf("dials = %d, want 0", d.count())
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.reconnecting {
		t.Error("lock flag not released")
	}
}

func TestScheduleDoesNotOverlap(t *testing.T) {
	d := &fakeDialer{fail: true}
	ch, _ := newTestChannel(t, Config{Token: "tok", MaxAttempts: 5, Delay: time.Hour}, d)

	ch.mu.Lock()
	ch.scheduleLocked()
	ch.scheduleLocked()
	ch.scheduleLocked()
	remaining := ch.remaining
	ch.mu.Unlock()

	if remaining != 4 {
		t.Errorf("remaining = %d, want 4 (only one retry queued)", remaining)
	}
}

func TestDispatchesRecognisedFrames(t *testing.T) {
	d := &fakeDialer{}
	ch, _ := newTestChannel(t, Config{Token: "tok"}, d)

	var got []wire.Kind
	var mu sync.Mutex
	ch.SetHandler(func(_ context.Context, f wire.Frame) {
		mu.Lock()
		got = append(got, f.Kind())
		mu.Unlock()
	})
	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn := d.last()
	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"hello":"world"}`)
	conn.in <- []byte(`{"sessionId":"s1","sequenceId":"1","messageType":1}`)
	conn.in <- []byte(`{"sessionId":"s1","metaSessionType":2}`)

	waitFor(t, "two frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != wire.KindChat || got[1] != wire.KindSession {
		t.Errorf("kinds = %v", got)
	}
}

func TestAckAndSend(t *testing.T) {
	d := &fakeDialer{}
	ch, _ := newTestChannel(t, Config{Token: "tok", UserID: "me"}, d)

	if err := ch.Ack(context.Background(), wire.KindChat, "m1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Ack before start = %v, want ErrNotConnected", err)
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ch.Ack(context.Background(), wire.KindApplication, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := ch.Ack(context.Background(), wire.KindEvent, "e1"); err != nil {
		t.Fatal(err)
	}

	w := d.last().written()
	if len(w) != 1 {
		t.Fatalf("writes = %v, want one ack", w)
	}
	if w[0] != `{"messageId":"a1","type":102,"fromUserId":"me"}` {
		t.Errorf("ack = %s", w[0])
	}
}

func TestWebsocketRoundTrip(t *testing.T) {
	var gotToken atomic.Value
	acks := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.URL.Query().Get("token"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		frame := `{"messageId":"m7","sessionId":"s1","sequenceId":"42","messageType":1,"content":"hi","timestamp":1}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			return
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		acks <- string(data)
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	b := bus.New()
	ch := New(Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Token:  "tok",
		UserID: "me",
	}, WebsocketDialer(1<<20), status.NewMachine(b), b, zap.NewNop())
	defer ch.Stop()

	ch.SetHandler(func(ctx context.Context, f wire.Frame) {
		c := f.(*wire.ChatFrame)
		_ = ch.Ack(ctx, f.Kind(), c.MessageID.String())
	})
	if err := ch.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case ack := <-acks:
		if ack != `{"messageId":"m7","type":101,"fromUserId":"me"}` {
			t.Errorf("ack = %s", ack)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no ack received")
	}
	if gotToken.Load() != "tok" {
		t.Errorf("token = %v", gotToken.Load())
	}
}
