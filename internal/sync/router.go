// Package sync applies server data to the local store: pushed realtime frames
// through the Router and missed data through the reconciliation Puller.
package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/wire"
	"go.uber.org/zap"
)

// Acker acknowledges pushed frames on the realtime channel.
type Acker interface {
	Ack(ctx context.Context, kind wire.Kind, messageID string) error
}

// Router handles decoded realtime frames. Each variant goes to exactly one
// handler; the result is written to the store and announced on the bus.
type Router struct {
	db       *store.DB
	bus      *bus.Bus
	acker    Acker
	enricher *Enricher
	selfID   string
	logger   *zap.Logger
}

// NewRouter creates a router acting for the user selfID.
func NewRouter(db *store.DB, b *bus.Bus, acker Acker, enricher *Enricher, selfID string, logger *zap.Logger) *Router {
	return &Router{
		db:       db,
		bus:      b,
		acker:    acker,
		enricher: enricher,
		selfID:   selfID,
		logger:   logger,
	}
}

// Handle routes one frame. Frames are acknowledged once their effect is
// durable; a frame whose write failed is left unacknowledged so the server
// delivers it again.
func (r *Router) Handle(ctx context.Context, f wire.Frame) {
	var (
		messageID string
		err       error
	)
	switch v := f.(type) {
	case *wire.ChatFrame:
		messageID = v.MessageID.String()
		_, err = r.IngestChat(ctx, v)
	case *wire.ApplicationFrame:
		messageID = v.MessageID.String()
		err = r.handleApplication(ctx, v)
	case *wire.SessionFrame:
		messageID = v.MessageID.String()
		err = r.handleSession(ctx, v)
	case *wire.EventFrame:
		err = r.handleEvent(ctx, v)
	default:
		r.logger.Debug("no handler for frame", zap.String("kind", string(f.Kind())))
		return
	}

	if err != nil {
		r.logger.Error("frame handling failed", zap.Error(err), zap.String("kind", string(f.Kind())))
		return
	}
	if r.acker != nil && wire.AckFor(f.Kind()) != 0 {
		if err := r.acker.Ack(ctx, f.Kind(), messageID); err != nil {
			r.logger.Warn("ack failed", zap.Error(err), zap.String("message_id", messageID))
		}
	}
}

// IngestChat stores a chat message and advances its session. A message whose
// (session, sequence) key is already stored is a no-op and reports false.
func (r *Router) IngestChat(ctx context.Context, f *wire.ChatFrame) (bool, error) {
	sessionID := f.SessionID.String()
	fromSelf := f.FromUserID.String() == r.selfID

	stub := &store.Session{
		SessionID:   sessionID,
		ContactID:   r.peerOf(f),
		ContactType: contactTypeOf(f.ContactType),
		Status:      store.SessionActive,
	}
	created, err := r.db.InsertSession(ctx, stub)
	if err != nil {
		return false, fmt.Errorf("ensure session %s: %w", sessionID, err)
	}
	if created && r.enricher != nil {
		if err := r.enricher.Enrich(ctx, []store.Session{*stub}); err != nil {
			r.logger.Warn("enrich new session", zap.Error(err), zap.String("session_id", sessionID))
		}
	}

	if fromSelf {
		settled, err := r.db.SettleLocalMessage(ctx, sessionID, f.MessageID.String(), f.SequenceID.String(), f.Timestamp)
		if err != nil {
			return false, err
		}
		if settled {
			r.bus.Emit(bus.MessageUpserted, bus.MessageRef{
				SessionID:  sessionID,
				SequenceID: f.SequenceID.String(),
				MsgID:      f.MessageID.String(),
			})
			return false, nil
		}
	}

	ext := string(f.Extra)
	if ext == "" || ext == "null" {
		ext = "{}"
	}
	msgType := store.MsgType(f.MessageType)
	inserted, err := r.db.InsertMessage(ctx, &store.Message{
		SessionID:  sessionID,
		SequenceID: f.SequenceID.String(),
		MsgID:      f.MessageID.String(),
		SenderID:   f.FromUserID.String(),
		SenderName: f.SenderName,
		MsgType:    msgType,
		Text:       f.Content,
		ExtData:    ext,
		SendTime:   f.Timestamp,
		IsRead:     fromSelf,
	})
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	if !inserted {
		r.logger.Debug("duplicate message ignored",
			zap.String("session_id", sessionID),
			zap.String("sequence_id", f.SequenceID.String()))
		return false, nil
	}

	bumped, err := r.db.BumpSession(ctx, sessionID, msgType.Preview(f.Content), f.Timestamp)
	if err != nil {
		return true, fmt.Errorf("bump session: %w", err)
	}
	if !fromSelf {
		if _, err := r.db.AddUnread(ctx, sessionID, 1); err != nil {
			return true, fmt.Errorf("count unread: %w", err)
		}
	}

	r.bus.Emit(bus.MessageUpserted, bus.MessageRef{
		SessionID:  sessionID,
		SequenceID: f.SequenceID.String(),
		MsgID:      f.MessageID.String(),
	})
	if bumped || created || !fromSelf {
		r.bus.Emit(bus.SessionUpserted, bus.SessionRef{SessionID: sessionID})
	}
	return true, nil
}

func (r *Router) handleApplication(ctx context.Context, f *wire.ApplicationFrame) error {
	app := &store.Application{
		ApplyID:       f.ApplyID.String(),
		ApplyUserID:   f.ApplyUserID.String(),
		TargetID:      f.TargetID.String(),
		ContactType:   contactTypeOf(f.ContactType),
		Status:        store.ApplicationStatus(f.Status),
		ApplyInfo:     f.ApplyInfo.String(),
		LastApplyTime: f.LastApplyTime,
	}
	replaced, err := r.db.ReplaceApplication(ctx, app)
	if err != nil {
		return fmt.Errorf("store application: %w", err)
	}
	if replaced {
		r.bus.Emit(bus.ApplicationUpserted, app.Key())
	}
	return nil
}

func (r *Router) handleSession(ctx context.Context, f *wire.SessionFrame) error {
	sessionID := f.SessionID.String()

	if f.MetaSessionType.Ends() {
		n, err := r.db.SetSessionStatus(ctx, sessionID, store.SessionDeprecated)
		if err != nil {
			return fmt.Errorf("deprecate session: %w", err)
		}
		if n > 0 {
			r.bus.Emit(bus.SessionUpserted, bus.SessionRef{SessionID: sessionID})
		}
		return nil
	}

	s := store.Session{
		SessionID:     sessionID,
		ContactID:     f.ContactID.String(),
		ContactType:   contactTypeOf(f.ContactType),
		ContactName:   f.ContactName,
		ContactAvatar: f.ContactAvatar,
		MemberCount:   f.MemberCount,
		MyRole:        f.MyRole,
		Status:        store.SessionActive,
		LastMsgTime:   0,
	}
	created, err := r.db.InsertSession(ctx, &s)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if !created {
		patch := store.Record{"status": int(store.SessionActive), "myRole": f.MyRole}
		if f.ContactName != "" {
			patch["contactName"] = f.ContactName
		}
		if f.ContactAvatar != "" {
			patch["contactAvatar"] = f.ContactAvatar
		}
		if f.MemberCount > 0 {
			patch["memberCount"] = f.MemberCount
		}
		if _, err := r.db.PatchSession(ctx, sessionID, patch); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
	}

	if (f.ContactName == "" || f.ContactAvatar == "") && r.enricher != nil && s.ContactID != "" {
		if err := r.enricher.Enrich(ctx, []store.Session{s}); err != nil {
			r.logger.Warn("enrich session", zap.Error(err), zap.String("session_id", sessionID))
		}
	}
	r.bus.Emit(bus.SessionUpserted, bus.SessionRef{SessionID: sessionID})
	return nil
}

func (r *Router) handleEvent(ctx context.Context, f *wire.EventFrame) error {
	switch {
	case f.BehaviourType == wire.BehaviourRecall:
		m, err := r.db.MarkRecalled(ctx, f.MsgID.String())
		if err != nil {
			return fmt.Errorf("recall message: %w", err)
		}
		if m == nil {
			r.logger.Debug("recall for unknown message", zap.String("msg_id", f.MsgID.String()))
			return nil
		}
		r.bus.Emit(bus.MessageRecalled, bus.MessageRef{SessionID: m.SessionID, SequenceID: m.SequenceID, MsgID: m.MsgID})
	case f.EventType == wire.EventProfile:
		r.bus.Emit(bus.ProfileStale, bus.ProfileRef{
			TargetID:    f.TargetID.String(),
			ContactType: f.ContactType,
			Version:     f.Version,
		})
	default:
		r.logger.Debug("ignoring event",
			zap.String("event_type", f.EventType),
			zap.String("behaviour_type", f.BehaviourType))
	}
	return nil
}

// peerOf returns the contact a chat frame belongs to: the group for group
// chats, otherwise whichever side is not the local user.
func (r *Router) peerOf(f *wire.ChatFrame) string {
	if contactTypeOf(f.ContactType) == store.ContactGroup {
		return f.TargetID.String()
	}
	if f.FromUserID.String() == r.selfID {
		return f.TargetID.String()
	}
	return f.FromUserID.String()
}

func contactTypeOf(v int) store.ContactType {
	if store.ContactType(v) == store.ContactGroup {
		return store.ContactGroup
	}
	return store.ContactUser
}
