package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/matheus3301/imsync/internal/outbox"
	"github.com/matheus3301/imsync/internal/profile"
	"github.com/matheus3301/imsync/internal/realtime"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func sessionMap(s *store.Session) map[string]any {
	return map[string]any{
		"sessionId":      s.SessionID,
		"contactId":      s.ContactID,
		"contactType":    int(s.ContactType),
		"contactName":    s.ContactName,
		"contactAvatar":  s.ContactAvatar,
		"lastMsgContent": s.LastMsgContent,
		"lastMsgTime":    s.LastMsgTime,
		"unreadCount":    s.UnreadCount,
		"isPinned":       s.IsPinned,
		"isMuted":        s.IsMuted,
		"memberCount":    s.MemberCount,
		"myRole":         s.MyRole,
	}
}

func messageMap(m *store.Message) map[string]any {
	out := map[string]any{
		"sessionId":  m.SessionID,
		"sequenceId": m.SequenceID,
		"msgId":      m.MsgID,
		"senderId":   m.SenderID,
		"senderName": m.SenderName,
		"msgType":    int(m.MsgType),
		"text":       m.Text,
		"sendTime":   m.SendTime,
		"isRead":     m.IsRead,
		"isRecalled": m.IsRecalled,
	}
	var ext map[string]any
	if err := json.Unmarshal([]byte(m.ExtData), &ext); err == nil && len(ext) > 0 {
		out["extData"] = ext
	}
	return out
}

func applicationMap(a *store.Application) map[string]any {
	return map[string]any{
		"applyId":       a.ApplyID,
		"applyUserId":   a.ApplyUserID,
		"targetId":      a.TargetID,
		"contactType":   int(a.ContactType),
		"status":        int(a.Status),
		"applyInfo":     a.ApplyInfo,
		"lastApplyTime": a.LastApplyTime,
	}
}

// payloadValue converts a bus payload into a JSON-shaped value through its
// JSON encoding.
func payloadValue(p any) any {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func stringArg(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func requireString(in *structpb.Struct, key string) (string, error) {
	v := stringArg(in, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%v: %s", errMissingArg, key)
	}
	return v, nil
}

func int64Arg(in *structpb.Struct, key string, def int64) int64 {
	v, ok := in.GetFields()[key]
	if !ok {
		return def
	}
	return int64(v.GetNumberValue())
}

func intArg(in *structpb.Struct, key string, def int) int {
	return int(int64Arg(in, key, int64(def)))
}

func boolArg(in *structpb.Struct, key string, def bool) bool {
	v, ok := in.GetFields()[key]
	if !ok {
		return def
	}
	return v.GetBoolValue()
}

func contactTypeArg(in *structpb.Struct) (store.ContactType, error) {
	ct := store.ContactType(intArg(in, "contactType", int(store.ContactUser)))
	if ct != store.ContactUser && ct != store.ContactGroup {
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "unknown contact type %d", int(ct))
	}
	return ct, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	var (
		appErr       *remote.AppError
		transportErr *remote.TransportError
	)
	switch {
	case errors.Is(err, outbox.ErrUnknownSession),
		errors.Is(err, profile.ErrNotFound),
		errors.Is(err, profile.ErrNoAvatar):
		code = codes.NotFound
	case errors.Is(err, profile.ErrInvalidTarget):
		code = codes.InvalidArgument
	case errors.Is(err, realtime.ErrNoToken):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.As(err, &appErr):
		code = codes.Aborted
	case errors.As(err, &transportErr):
		code = codes.Unavailable
	}
	return grpcstatus.Error(code, err.Error())
}
