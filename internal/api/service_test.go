package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/index"
	"github.com/matheus3301/imsync/internal/outbox"
	"github.com/matheus3301/imsync/internal/profile"
	"github.com/matheus3301/imsync/internal/realtime"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/status"
	"github.com/matheus3301/imsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeProfiles struct{}

func (fakeProfiles) ResolveAvatar(_ context.Context, targetID string, _ store.ContactType, strategy store.AvatarStrategy, _ int64) (string, error) {
	return "/avatars/" + targetID + "/" + string(strategy), nil
}

func (fakeProfiles) ResolveNickname(_ context.Context, targetID string, _ store.ContactType, _ int64) (string, error) {
	return "nick-" + targetID, nil
}

type fakeOutbox struct{}

func (fakeOutbox) Queue(_ context.Context, sessionID, _ string) (string, error) {
	if sessionID != "s1" {
		return "", outbox.ErrUnknownSession
	}
	return "c1", nil
}

type fakeReconciler struct{ err error }

func (f fakeReconciler) Reconcile(context.Context) error { return f.err }

type fakeChannel struct{ token string }

func (f *fakeChannel) Reconnect(context.Context) error {
	if f.token == "" {
		return realtime.ErrNoToken
	}
	return nil
}
func (f *fakeChannel) Remaining() int      { return 10 }
func (f *fakeChannel) UserID() string      { return "me" }

type testEnv struct {
	client *Client
	db     *store.DB
	ix     *index.Index
	bus    *bus.Bus
}

func setup(t *testing.T, reconcileErr error) *testEnv {
	t.Helper()
	// Short path to stay under the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "imsync-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, _, err := store.OpenMigrated(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	ix := index.New()
	svc := NewService(Deps{
		Account:    "main",
		DB:         db,
		Index:      ix,
		Profiles:   fakeProfiles{},
		Outbox:     fakeOutbox{},
		Reconciler: fakeReconciler{err: reconcileErr},
		Channel:    &fakeChannel{},
		Machine:    status.NewMachine(b),
		Bus:        b,
		Logger:     zap.NewNop(),
	})

	socket := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return &testEnv{client: client, db: db, ix: ix, bus: b}
}

func call(t *testing.T, env *testEnv, method string, args map[string]any) *structpb.Struct {
	t.Helper()
	out, err := env.client.Call(context.Background(), method, args)
	if err != nil {
		t.Fatalf("%s error = %v", method, err)
	}
	return out
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Errorf("code = %v (%v), want %v", got, err, code)
	}
}

func TestGetStatus(t *testing.T) {
	env := setup(t, nil)
	out := call(t, env, MethodGetStatus, nil).AsMap()
	if out["account"] != "main" || out["userId"] != "me" || out["state"] != "DISCONNECTED" {
		t.Errorf("status = %v", out)
	}
}

func TestListSessionsFollowsIndexOrder(t *testing.T) {
	env := setup(t, nil)
	env.ix.Reset([]store.Session{
		{SessionID: "old", LastMsgTime: 1},
		{SessionID: "new", LastMsgTime: 9},
		{SessionID: "pinned", IsPinned: true},
	})

	out := call(t, env, MethodListSessions, nil)
	list := out.GetFields()["sessions"].GetListValue().GetValues()
	var got []string
	for _, v := range list {
		got = append(got, v.GetStructValue().GetFields()["sessionId"].GetStringValue())
	}
	want := []string{"pinned", "new", "old"}
	if len(got) != len(want) {
		t.Fatalf("sessions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sessions = %v, want %v", got, want)
			break
		}
	}
}

func TestSessionMutations(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	if _, err := env.db.InsertSession(ctx, &store.Session{SessionID: "s1", Status: store.SessionActive}); err != nil {
		t.Fatal(err)
	}
	events, unsub := env.bus.Subscribe(bus.SessionUpserted, 8)
	defer unsub()

	call(t, env, MethodPinSession, map[string]any{"sessionId": "s1"})
	call(t, env, MethodMuteSession, map[string]any{"sessionId": "s1", "muted": true})
	call(t, env, MethodRenameSession, map[string]any{"sessionId": "s1", "name": "Renamed"})
	call(t, env, MethodMarkRead, map[string]any{"sessionId": "s1"})

	s, err := env.db.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !s.IsPinned || !s.IsMuted || s.ContactName != "Renamed" {
		t.Errorf("session = %+v", s)
	}
	if len(events) != 4 {
		t.Errorf("got %d session events, want 4", len(events))
	}

	_, err = env.client.Call(ctx, MethodPinSession, map[string]any{"sessionId": "missing"})
	wantCode(t, err, codes.NotFound)
	_, err = env.client.Call(ctx, MethodRenameSession, map[string]any{"sessionId": "s1"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestListMessages(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	for i, seq := range []string{"1", "2", "3"} {
		if _, err := env.db.InsertMessage(ctx, &store.Message{SessionID: "s1", SequenceID: seq, Text: "m" + seq, SendTime: int64(100 * (i + 1)), ExtData: `{"path":"/tmp/x"}`}); err != nil {
			t.Fatal(err)
		}
	}

	out := call(t, env, MethodListMessages, map[string]any{"sessionId": "s1", "limit": 2})
	msgs := out.GetFields()["messages"].GetListValue().GetValues()
	if len(msgs) != 2 || !out.GetFields()["hasMore"].GetBoolValue() {
		t.Fatalf("messages = %d hasMore = %v", len(msgs), out.GetFields()["hasMore"])
	}
	first := msgs[0].GetStructValue().AsMap()
	if ext, ok := first["extData"].(map[string]any); !ok || ext["path"] != "/tmp/x" {
		t.Errorf("extData = %v", first["extData"])
	}

	_, err := env.client.Call(ctx, MethodListMessages, nil)
	wantCode(t, err, codes.InvalidArgument)
}

func TestListApplicationsFilter(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	for _, a := range []store.Application{
		{ApplyID: "a1", Status: store.ApplicationPending, LastApplyTime: 1},
		{ApplyID: "a2", Status: store.ApplicationApproved, LastApplyTime: 2},
	} {
		if _, err := env.db.ReplaceApplication(ctx, &a); err != nil {
			t.Fatal(err)
		}
	}

	out := call(t, env, MethodListApplications, map[string]any{"status": 0})
	apps := out.GetFields()["applications"].GetListValue().GetValues()
	if len(apps) != 1 || apps[0].GetStructValue().GetFields()["applyId"].GetStringValue() != "a1" {
		t.Errorf("applications = %v", apps)
	}
	out = call(t, env, MethodListApplications, nil)
	if n := len(out.GetFields()["applications"].GetListValue().GetValues()); n != 2 {
		t.Errorf("unfiltered = %d, want 2", n)
	}
}

func TestResolveProfile(t *testing.T) {
	env := setup(t, nil)

	out := call(t, env, MethodResolveAvatar, map[string]any{"targetId": "u9", "strategy": "original"})
	if got := out.GetFields()["path"].GetStringValue(); got != "/avatars/u9/original" {
		t.Errorf("path = %q", got)
	}
	out = call(t, env, MethodResolveNickname, map[string]any{"targetId": "u9"})
	if got := out.GetFields()["nickname"].GetStringValue(); got != "nick-u9" {
		t.Errorf("nickname = %q", got)
	}

	_, err := env.client.Call(context.Background(), MethodResolveAvatar, map[string]any{"targetId": "u9", "strategy": "huge"})
	wantCode(t, err, codes.InvalidArgument)
	_, err = env.client.Call(context.Background(), MethodResolveNickname, map[string]any{"targetId": "u9", "contactType": 7})
	wantCode(t, err, codes.InvalidArgument)
}

func TestSendText(t *testing.T) {
	env := setup(t, nil)

	out := call(t, env, MethodSendText, map[string]any{"sessionId": "s1", "text": "hi"})
	if got := out.GetFields()["clientMsgId"].GetStringValue(); got != "c1" {
		t.Errorf("clientMsgId = %q", got)
	}
	_, err := env.client.Call(context.Background(), MethodSendText, map[string]any{"sessionId": "nope", "text": "hi"})
	wantCode(t, err, codes.NotFound)
}

func TestReconcileAndReconnect(t *testing.T) {
	env := setup(t, errors.New("contacts: down"))

	out := call(t, env, MethodReconcile, nil).AsMap()
	if out["ok"] != false || out["error"] != "contacts: down" {
		t.Errorf("reconcile = %v", out)
	}
	_, err := env.client.Call(context.Background(), MethodReconnect, nil)
	wantCode(t, err, codes.FailedPrecondition)
}

func TestWatchEvents(t *testing.T) {
	env := setup(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan *structpb.Struct, 1)
	go func() {
		_ = env.client.Watch(ctx, "session.", func(evt *structpb.Struct) error {
			select {
			case got <- evt:
			default:
			}
			return errors.New("done")
		})
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case evt := <-got:
			m := evt.AsMap()
			if m["kind"] != bus.SessionUpserted || m["account"] != "main" {
				t.Errorf("event = %v", m)
			}
			payload, _ := m["payload"].(map[string]any)
			if payload["sessionId"] != "s1" {
				t.Errorf("payload = %v", m["payload"])
			}
			return
		case <-ticker.C:
			env.bus.Emit(bus.MessageUpserted, bus.MessageRef{SessionID: "ignored"})
			env.bus.Emit(bus.SessionUpserted, bus.SessionRef{SessionID: "s1"})
		case <-ctx.Done():
			t.Fatal("no event streamed")
		}
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"unknown session", outbox.ErrUnknownSession, codes.NotFound},
		{"no token", realtime.ErrNoToken, codes.FailedPrecondition},
		{"invalid target", fmt.Errorf("resolve: %w", profile.ErrInvalidTarget), codes.InvalidArgument},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"app error", &remote.AppError{Path: "/x", Code: "1", Msg: "no"}, codes.Aborted},
		{"transport", &remote.TransportError{Path: "/x", Err: errors.New("refused")}, codes.Unavailable},
		{"other", errors.New("disk full"), codes.Internal},
		{"already a status", grpcstatus.Error(codes.NotFound, "x"), codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := grpcstatus.Code(toStatus(tt.err)); got != tt.want {
				t.Errorf("code = %v, want %v", got, tt.want)
			}
		})
	}
}
