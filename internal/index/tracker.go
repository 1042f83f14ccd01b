package index

import (
	"context"
	"fmt"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/store"
	"go.uber.org/zap"
)

// Tracker keeps an Index in step with the store by re-reading sessions the
// bus reports as changed.
type Tracker struct {
	ix     *Index
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewTracker creates a tracker for ix.
func NewTracker(ix *Index, db *store.DB, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{ix: ix, db: db, bus: b, logger: logger}
}

// Start loads every active session and subscribes to session events.
func (t *Tracker) Start(ctx context.Context) error {
	ch, unsub := t.bus.Subscribe("session.", 1024)
	if err := t.reload(ctx); err != nil {
		unsub()
		return err
	}

	ctx, t.cancel = context.WithCancel(ctx)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				t.handle(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends the subscription.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Tracker) handle(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.SessionsReloaded:
		if err := t.reload(ctx); err != nil {
			t.logger.Error("reload session index", zap.Error(err))
		}
	case bus.SessionUpserted:
		ref, ok := evt.Payload.(bus.SessionRef)
		if !ok {
			return
		}
		if err := t.refresh(ctx, ref.SessionID); err != nil {
			t.logger.Error("refresh session index", zap.Error(err), zap.String("session_id", ref.SessionID))
		}
	}
}

func (t *Tracker) reload(ctx context.Context) error {
	sessions, err := t.db.ListSessions(ctx, false)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	t.ix.Reset(sessions)
	return nil
}

func (t *Tracker) refresh(ctx context.Context, sessionID string) error {
	s, err := t.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s == nil || s.Status == store.SessionDeprecated {
		t.ix.Remove(sessionID)
		return nil
	}
	t.ix.Upsert(*s)
	return nil
}
