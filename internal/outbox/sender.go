package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/wire"
	"go.uber.org/zap"
)

// ErrUnknownSession is returned when queueing to a session that is not stored.
var ErrUnknownSession = errors.New("unknown session")

// Send statuses recorded in a message's ext data.
const (
	statusSending = "sending"
	statusSent    = "sent"
	statusFailed  = "failed"
)

// Transport writes outgoing frames for the signed-in user.
type Transport interface {
	Send(ctx context.Context, v any) error
	UserID() string
}

// Sender drains the outbox over the realtime channel.
type Sender struct {
	db        *store.DB
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	interval  time.Duration
	kick      chan struct{}
	cancel    context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, transport Transport, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:        db,
		transport: transport,
		bus:       b,
		logger:    logger,
		interval:  500 * time.Millisecond,
		kick:      make(chan struct{}, 1),
	}
}

// Queue adds a text message for sessionID and returns its client message id.
func (s *Sender) Queue(ctx context.Context, sessionID, text string) (string, error) {
	sess, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	id := uuid.NewString()
	if err := s.db.QueueOutbox(ctx, &store.OutboxEntry{
		ClientMsgID: id,
		SessionID:   sessionID,
		TargetID:    sess.ContactID,
		ContactType: sess.ContactType,
		Body:        text,
	}); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return id, nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-s.kick:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox(ctx)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, entry := range pending {
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	log := s.logger.With(zap.String("client_msg_id", entry.ClientMsgID), zap.String("session_id", entry.SessionID))

	if err := s.db.MarkOutboxSending(ctx, entry.ClientMsgID); err != nil {
		log.Error("failed to mark sending", zap.Error(err))
		return
	}

	self := s.transport.UserID()
	frame := wire.NewChat(self, entry.TargetID, entry.SessionID, int(store.MsgText), entry.Body)
	frame.MessageID = entry.ClientMsgID
	seq := store.LocalSequence(entry.ClientMsgID)

	// Optimistic insert: the message is visible before the server confirms it.
	if _, err := s.db.InsertMessage(ctx, &store.Message{
		SessionID:  entry.SessionID,
		SequenceID: seq,
		MsgID:      entry.ClientMsgID,
		SenderID:   self,
		MsgType:    store.MsgText,
		Text:       entry.Body,
		ExtData:    `{"sendStatus":"` + statusSending + `"}`,
		SendTime:   frame.Timestamp,
		IsRead:     true,
	}); err != nil {
		log.Error("optimistic insert failed", zap.Error(err))
	}
	if _, err := s.db.BumpSession(ctx, entry.SessionID, store.MsgText.Preview(entry.Body), frame.Timestamp); err != nil {
		log.Warn("bump session", zap.Error(err))
	}
	ref := bus.MessageRef{SessionID: entry.SessionID, SequenceID: seq, MsgID: entry.ClientMsgID}
	s.bus.Emit(bus.MessageUpserted, ref)
	s.bus.Emit(bus.SessionUpserted, bus.SessionRef{SessionID: entry.SessionID})

	if err := s.transport.Send(ctx, frame); err != nil {
		log.Error("failed to send message", zap.Error(err))
		if err := s.db.MarkOutboxFailed(ctx, entry.ClientMsgID, err.Error()); err != nil {
			log.Error("failed to mark failed", zap.Error(err))
		}
		s.setStatus(ctx, entry, statusFailed)
		s.bus.Emit(bus.MessageSendFailed, bus.SendResult{
			ClientMsgID: entry.ClientMsgID,
			SessionID:   entry.SessionID,
			Err:         err.Error(),
		})
		return
	}

	if err := s.db.MarkOutboxSent(ctx, entry.ClientMsgID); err != nil {
		log.Error("failed to mark sent", zap.Error(err))
	}
	s.setStatus(ctx, entry, statusSent)

	log.Info("message sent")
	s.bus.Emit(bus.MessageSendAck, bus.SendResult{ClientMsgID: entry.ClientMsgID, SessionID: entry.SessionID})
}

// setStatus records the send status on the optimistic row. The row may
// already carry the server sequence id when the echo arrived first.
func (s *Sender) setStatus(ctx context.Context, entry store.OutboxEntry, status string) {
	err := s.db.MergeMessageExtData(ctx, entry.SessionID, store.LocalSequence(entry.ClientMsgID), map[string]any{"sendStatus": status})
	if err != nil {
		s.logger.Debug("send status not recorded", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return
	}
	s.bus.Emit(bus.MessageUpserted, bus.MessageRef{
		SessionID:  entry.SessionID,
		SequenceID: store.LocalSequence(entry.ClientMsgID),
		MsgID:      entry.ClientMsgID,
	})
}
