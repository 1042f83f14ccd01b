package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/wire"
	"go.uber.org/zap"
)

// mockTransport records frames and returns configurable results.
type mockTransport struct {
	mu     sync.Mutex
	frames []*wire.Chat
	err    error
	delay  time.Duration // artificial delay to observe intermediate states
}

func (m *mockTransport) Send(_ context.Context, v any) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := v.(*wire.Chat); ok {
		m.frames = append(m.frames, f)
	}
	return m.err
}

func (m *mockTransport) UserID() string { return "me" }

func (m *mockTransport) sent() []*wire.Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*wire.Chat(nil), m.frames...)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedSession(t *testing.T, db *store.DB) {
	t.Helper()
	if _, err := db.InsertSession(context.Background(), &store.Session{
		SessionID:   "s1",
		ContactID:   "u9",
		ContactType: store.ContactUser,
		Status:      store.SessionActive,
	}); err != nil {
		t.Fatal(err)
	}
}

func sendStatus(t *testing.T, db *store.DB, clientMsgID string) string {
	t.Helper()
	m, err := db.GetMessage(context.Background(), "s1", store.LocalSequence(clientMsgID))
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		return ""
	}
	var ext map[string]any
	if err := json.Unmarshal([]byte(m.ExtData), &ext); err != nil {
		t.Fatal(err)
	}
	s, _ := ext["sendStatus"].(string)
	return s
}

func TestSenderProcessesPendingMessages(t *testing.T) {
	db := testDB(t)
	seedSession(t, db)
	b := bus.New()
	mock := &mockTransport{}
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, mock, b, logger)

	ch, unsub := b.Subscribe(bus.MessageSendAck, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	id, err := s.Queue(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if res := evt.Payload.(bus.SendResult); res.ClientMsgID != id {
			t.Errorf("ack for %q, want %q", res.ClientMsgID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}

	frames := mock.sent()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.MessageID != id || f.TargetID != "u9" || f.SessionID != "s1" || f.FromUserID != "me" || f.Content != "hello" {
		t.Errorf("frame = %+v", f)
	}

	pending, err := db.PendingOutbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}
	if got := sendStatus(t, db, id); got != statusSent {
		t.Errorf("status = %q, want sent", got)
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	seedSession(t, db)
	b := bus.New()
	mock := &mockTransport{err: fmt.Errorf("network error")}
	s := NewSender(db, mock, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.MessageSendFailed, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	id, err := s.Queue(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if res := evt.Payload.(bus.SendResult); res.Err != "network error" {
			t.Errorf("failure = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	pending, err := db.PendingOutbox(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 (should be marked failed)", len(pending))
	}
	if got := sendStatus(t, db, id); got != statusFailed {
		t.Errorf("status = %q, want failed", got)
	}
}

// The message is stored as "sending" before the transport returns, and the
// session preview moves with it.
func TestSenderOptimisticInsert(t *testing.T) {
	db := testDB(t)
	seedSession(t, db)
	b := bus.New()
	mock := &mockTransport{delay: 500 * time.Millisecond}
	s := NewSender(db, mock, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.MessageUpserted, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	id, err := s.Queue(context.Background(), "s1", "optimistic")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for optimistic message.upserted event")
	}

	msgs, err := db.ListMessages(context.Background(), "s1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (optimistic insert)", len(msgs))
	}
	if msgs[0].Text != "optimistic" || msgs[0].SenderID != "me" {
		t.Errorf("message = %+v", msgs[0])
	}
	if got := sendStatus(t, db, id); got != statusSending {
		t.Errorf("status = %q, want sending", got)
	}
	sess, _ := db.GetSession(context.Background(), "s1")
	if sess.LastMsgContent != "optimistic" || sess.UnreadCount != 0 {
		t.Errorf("session = preview %q unread %d", sess.LastMsgContent, sess.UnreadCount)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sendStatus(t, db, id) != statusSent && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := sendStatus(t, db, id); got != statusSent {
		t.Errorf("final status = %q, want sent", got)
	}
}

func TestQueueUnknownSession(t *testing.T) {
	db := testDB(t)
	s := NewSender(db, &mockTransport{}, bus.New(), zap.NewNop())

	if _, err := s.Queue(context.Background(), "nope", "hi"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Queue() error = %v, want ErrUnknownSession", err)
	}
}

func TestEchoSettlesOptimisticRow(t *testing.T) {
	db := testDB(t)
	seedSession(t, db)
	ctx := context.Background()

	s := NewSender(db, &mockTransport{}, bus.New(), zap.NewNop())
	s.send(ctx, store.OutboxEntry{ClientMsgID: "c1", SessionID: "s1", TargetID: "u9", Body: "hi"})

	settled, err := db.SettleLocalMessage(ctx, "s1", "c1", "42", 5000)
	if err != nil || !settled {
		t.Fatalf("SettleLocalMessage() = %v, %v", settled, err)
	}
	if n, _ := db.CountMessages(ctx, "s1"); n != 1 {
		t.Errorf("messages = %d, want the echo to reuse the local row", n)
	}
	m, _ := db.GetMessage(ctx, "s1", "42")
	if m == nil || m.MsgID != "c1" || m.SendTime != 5000 {
		t.Errorf("settled row = %+v", m)
	}
}
