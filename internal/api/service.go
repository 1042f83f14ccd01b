package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/index"
	"github.com/matheus3301/imsync/internal/status"
	"github.com/matheus3301/imsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Profiles resolves avatars and nicknames on demand.
type Profiles interface {
	ResolveAvatar(ctx context.Context, targetID string, ct store.ContactType, strategy store.AvatarStrategy, requestedVersion int64) (string, error)
	ResolveNickname(ctx context.Context, targetID string, ct store.ContactType, requestedVersion int64) (string, error)
}

// Outbox queues outgoing text messages.
type Outbox interface {
	Queue(ctx context.Context, sessionID, text string) (string, error)
}

// Reconciler runs a full reconciliation.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Channel is the realtime connection as seen by clients.
type Channel interface {
	Reconnect(ctx context.Context) error
	Remaining() int
	UserID() string
}

// reconnectWait bounds how long Reconnect waits for a dial already in flight.
const reconnectWait = 5 * time.Second

// Deps are the components the service reads from and drives.
type Deps struct {
	Account    string
	DB         *store.DB
	Index      *index.Index
	Profiles   Profiles
	Outbox     Outbox
	Reconciler Reconciler
	Channel    Channel
	Machine    *status.Machine
	Bus        *bus.Bus
	Logger     *zap.Logger
}

// Service implements the UI boundary.
type Service struct {
	Deps
}

// NewService creates the service.
func NewService(d Deps) *Service {
	return &Service{Deps: d}
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.Machine.Snapshot()
	stats := s.Bus.Stats()
	out := map[string]any{
		"account":       s.Account,
		"userId":        s.Channel.UserID(),
		"state":         string(snap.State),
		"since":         snap.Since.UnixMilli(),
		"opens":         snap.Opens,
		"retries":       s.Channel.Remaining(),
		"sessions":      s.Index.Len(),
		"droppedEvents": stats.Dropped,
	}
	return newStruct(out)
}

func (s *Service) ListSessions(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sessions := s.Index.Snapshot()
	limit := intArg(in, "limit", 0)
	if limit > 0 && limit < len(sessions) {
		sessions = sessions[:limit]
	}
	list := make([]any, 0, len(sessions))
	for i := range sessions {
		list = append(list, sessionMap(&sessions[i]))
	}
	return newStruct(map[string]any{"sessions": list})
}

func (s *Service) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sessionID, err := requireString(in, "sessionId")
	if err != nil {
		return nil, err
	}
	limit := intArg(in, "limit", 50)
	if limit <= 0 || limit > 500 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "limit must be between 1 and 500")
	}
	before := int64Arg(in, "before", 0)

	msgs, err := s.DB.ListMessages(ctx, sessionID, before, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(msgs))
	for i := range msgs {
		list = append(list, messageMap(&msgs[i]))
	}
	return newStruct(map[string]any{"messages": list, "hasMore": len(msgs) == limit})
}

func (s *Service) ListApplications(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var filter *store.ApplicationStatus
	if v, ok := in.GetFields()["status"]; ok {
		st := store.ApplicationStatus(int(v.GetNumberValue()))
		filter = &st
	}
	apps, err := s.DB.ListApplications(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(apps))
	for i := range apps {
		list = append(list, applicationMap(&apps[i]))
	}
	return newStruct(map[string]any{"applications": list})
}

func (s *Service) ResolveAvatar(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	targetID, err := requireString(in, "targetId")
	if err != nil {
		return nil, err
	}
	ct, err := contactTypeArg(in)
	if err != nil {
		return nil, err
	}
	strategy := store.AvatarStrategy(stringArg(in, "strategy"))
	if strategy == "" {
		strategy = store.AvatarThumb
	}
	if !strategy.Valid() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown strategy %q", strategy)
	}

	path, err := s.Profiles.ResolveAvatar(ctx, targetID, ct, strategy, int64Arg(in, "version", 0))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"path": path})
}

func (s *Service) ResolveNickname(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	targetID, err := requireString(in, "targetId")
	if err != nil {
		return nil, err
	}
	ct, err := contactTypeArg(in)
	if err != nil {
		return nil, err
	}
	name, err := s.Profiles.ResolveNickname(ctx, targetID, ct, int64Arg(in, "version", 0))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"nickname": name})
}

func (s *Service) PinSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.mutateSession(ctx, in, func(id string) (int64, error) {
		return s.DB.SetPinned(ctx, id, boolArg(in, "pinned", true))
	})
}

func (s *Service) MuteSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.mutateSession(ctx, in, func(id string) (int64, error) {
		return s.DB.SetMuted(ctx, id, boolArg(in, "muted", true))
	})
}

func (s *Service) RenameSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name, err := requireString(in, "name")
	if err != nil {
		return nil, err
	}
	return s.mutateSession(ctx, in, func(id string) (int64, error) {
		return s.DB.RenameSession(ctx, id, name)
	})
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.mutateSession(ctx, in, func(id string) (int64, error) {
		return s.DB.MarkSessionRead(ctx, id)
	})
}

// mutateSession applies fn to the requested session and announces the change
// so the index repositions it.
func (s *Service) mutateSession(_ context.Context, in *structpb.Struct, fn func(id string) (int64, error)) (*structpb.Struct, error) {
	sessionID, err := requireString(in, "sessionId")
	if err != nil {
		return nil, err
	}
	n, err := fn(sessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	if n == 0 {
		return nil, grpcstatus.Errorf(codes.NotFound, "session %q not found", sessionID)
	}
	s.Bus.Emit(bus.SessionUpserted, bus.SessionRef{SessionID: sessionID})
	return newStruct(map[string]any{"sessionId": sessionID})
}

func (s *Service) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sessionID, err := requireString(in, "sessionId")
	if err != nil {
		return nil, err
	}
	text, err := requireString(in, "text")
	if err != nil {
		return nil, err
	}
	id, err := s.Outbox.Queue(ctx, sessionID, text)
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{"clientMsgId": id})
}

func (s *Service) Reconcile(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]any{"ok": true}
	if err := s.Reconciler.Reconcile(ctx); err != nil {
		s.Logger.Warn("requested reconcile finished with errors", zap.Error(err))
		out["ok"] = false
		out["error"] = err.Error()
	}
	return newStruct(out)
}

func (s *Service) Reconnect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.Channel.Reconnect(ctx); err != nil {
		return nil, toStatus(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, reconnectWait)
	defer cancel()
	state, _ := s.Machine.WaitFor(waitCtx, status.Settled)
	return newStruct(map[string]any{
		"state":   string(state),
		"retries": s.Channel.Remaining(),
	})
}

// WatchEvents streams bus events whose kind starts with the requested prefix
// until the client goes away.
func (s *Service) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	prefix := stringArg(in, "prefix")
	ch, unsub := s.Bus.Subscribe(prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !strings.HasPrefix(evt.Kind, prefix) {
				continue
			}
			out, err := newStruct(map[string]any{
				"eventId":    uuid.NewString(),
				"account":    s.Account,
				"kind":       evt.Kind,
				"occurredAt": evt.Timestamp.UnixMilli(),
				"payload":    payloadValue(evt.Payload),
			})
			if err != nil {
				s.Logger.Warn("encode event", zap.Error(err), zap.String("kind", evt.Kind))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

var errMissingArg = errors.New("missing argument")
