package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pass names, also used as sync_state checkpoint keys.
const (
	PassContacts     = "contacts"
	PassApplications = "applications"
	PassMailbox      = "mailbox"
)

var errCursorStalled = errors.New("application cursor did not advance")

// Remote is the server surface the puller reads from.
type Remote interface {
	InfoSource
	PullContacts(ctx context.Context) ([]remote.Contact, error)
	PullApplications(ctx context.Context, cursor string, pageSize int) (*remote.ApplicationPage, error)
	PullMailbox(ctx context.Context) (*remote.Mailbox, error)
	AckConfirm(ctx context.Context, messageIDs []string) error
}

// PullerOptions tunes reconciliation.
type PullerOptions struct {
	PageSize           int
	MailboxConcurrency int
}

// Puller recovers state missed while the realtime channel was down.
type Puller struct {
	db       *store.DB
	remote   Remote
	router   *Router
	enricher *Enricher
	bus      *bus.Bus
	opts     PullerOptions
	logger   *zap.Logger

	mu     gosync.Mutex
	drains gosync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPuller creates a puller. Mailbox messages are stored through router so
// they follow the same path as pushed chat frames.
func NewPuller(db *store.DB, r Remote, router *Router, enricher *Enricher, b *bus.Bus, opts PullerOptions, logger *zap.Logger) *Puller {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MailboxConcurrency <= 0 {
		opts.MailboxConcurrency = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Puller{
		db:       db,
		remote:   r,
		router:   router,
		enricher: enricher,
		bus:      b,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start reconciles every time the realtime channel opens.
func (p *Puller) Start(ctx context.Context) error {
	ch, unsub := p.bus.Subscribe(bus.RealtimeOpen, 8)
	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				if err := p.Reconcile(p.ctx); err != nil {
					p.logger.Warn("reconcile after open", zap.Error(err))
				}
			case <-p.ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop cancels background drains and waits for them to finish.
func (p *Puller) Stop() {
	p.cancel()
	p.drains.Wait()
}

// Wait blocks until scheduled mailbox drains have finished.
func (p *Puller) Wait() {
	p.drains.Wait()
}

// Reconcile runs the contact, application and mailbox passes in that order.
// A failing pass does not prevent the later ones; the joined error reports
// every failure.
func (p *Puller) Reconcile(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	started := time.Now()
	p.bus.Emit(bus.SyncStarted, nil)

	passes := []struct {
		name string
		run  func(context.Context) error
	}{
		{PassContacts, p.PullContacts},
		{PassApplications, p.PullApplications},
		{PassMailbox, p.DrainMailbox},
	}

	var errs []error
	for _, pass := range passes {
		if err := pass.run(ctx); err != nil {
			p.logger.Error("reconcile pass failed", zap.String("pass", pass.name), zap.Error(err))
			p.bus.Emit(bus.SyncPassFailed, bus.PassFailure{Pass: pass.name, Err: err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", pass.name, err))
			continue
		}
		if err := p.db.SetSyncState(ctx, pass.name, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
			p.logger.Warn("write checkpoint", zap.String("pass", pass.name), zap.Error(err))
		}
	}

	p.bus.Emit(bus.SyncCompleted, nil)
	p.logger.Info("reconcile finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("failed_passes", len(errs)))
	return errors.Join(errs...)
}

// PullContacts reconciles sessions against the authoritative contact list.
// Every session is first marked deprecated; sessions still on the list are
// flagged active again.
func (p *Puller) PullContacts(ctx context.Context) error {
	contacts, err := p.remote.PullContacts(ctx)
	if err != nil {
		return fmt.Errorf("pull contacts: %w", err)
	}
	if _, err := p.db.AbandonAllSessions(ctx); err != nil {
		return fmt.Errorf("abandon sessions: %w", err)
	}

	var enrich []store.Session
	for _, c := range contacts {
		s := store.Session{
			SessionID:   c.SessionID.String(),
			ContactID:   c.ContactID.String(),
			ContactType: contactTypeOf(c.ContactType),
			MyRole:      c.MyRole,
			Status:      store.SessionActive,
		}
		if s.SessionID == "" {
			continue
		}
		created, err := p.db.InsertSession(ctx, &s)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", s.SessionID, err)
		}
		if created {
			enrich = append(enrich, s)
			continue
		}

		if _, err := p.db.PatchSession(ctx, s.SessionID, store.Record{
			"status": int(store.SessionActive),
			"myRole": c.MyRole,
		}); err != nil {
			return fmt.Errorf("reactivate session %s: %w", s.SessionID, err)
		}
		existing, err := p.db.GetSession(ctx, s.SessionID)
		if err != nil {
			return fmt.Errorf("read session %s: %w", s.SessionID, err)
		}
		if existing != nil && (existing.ContactName == "" || existing.ContactAvatar == "") {
			enrich = append(enrich, *existing)
		}
	}

	if len(enrich) > 0 {
		if err := p.enricher.Enrich(ctx, enrich); err != nil {
			p.logger.Warn("enrich contacts", zap.Error(err), zap.Int("sessions", len(enrich)))
		}
	}

	p.bus.Emit(bus.SessionsReloaded, nil)
	p.logger.Debug("contacts reconciled", zap.Int("contacts", len(contacts)), zap.Int("enriched", len(enrich)))
	return nil
}

// PullApplications walks the application pages. The first cursor is the
// newest stored application time; every later cursor is the one returned by
// the server.
func (p *Puller) PullApplications(ctx context.Context) error {
	maxTime, err := p.db.MaxApplyTime(ctx)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	cursor := strconv.FormatInt(maxTime, 10)

	total := 0
	for {
		page, err := p.remote.PullApplications(ctx, cursor, p.opts.PageSize)
		if err != nil {
			return fmt.Errorf("pull applications at %s: %w", cursor, err)
		}
		for _, a := range page.List {
			app := &store.Application{
				ApplyID:       a.ApplyID.String(),
				ApplyUserID:   a.ApplyUserID.String(),
				TargetID:      a.TargetID.String(),
				ContactType:   contactTypeOf(a.ContactType),
				Status:        store.ApplicationStatus(a.Status),
				ApplyInfo:     a.ApplyInfo.String(),
				LastApplyTime: a.LastApplyTime,
			}
			replaced, err := p.db.ReplaceApplication(ctx, app)
			if err != nil {
				return fmt.Errorf("store application %s: %w", app.Key(), err)
			}
			if replaced {
				p.bus.Emit(bus.ApplicationUpserted, app.Key())
			}
		}
		total += len(page.List)
		if page.IsLast {
			break
		}

		next := page.Cursor.String()
		if next == "" || next == cursor {
			return fmt.Errorf("%w: %q", errCursorStalled, cursor)
		}
		cursor = next
	}

	p.logger.Debug("applications reconciled", zap.Int("applications", total))
	return nil
}

// DrainMailbox stores one batch of offline messages and confirms the stored
// ones in a single ack. When the server reports more, another drain is
// scheduled in the background.
func (p *Puller) DrainMailbox(ctx context.Context) error {
	box, err := p.remote.PullMailbox(ctx)
	if err != nil {
		return fmt.Errorf("pull mailbox: %w", err)
	}

	stored := make([]bool, len(box.MessageList))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MailboxConcurrency)
	for i := range box.MessageList {
		g.Go(func() error {
			f := &box.MessageList[i]
			if err := wire.Validate(f); err != nil {
				p.logger.Warn("dropping malformed mailbox message", zap.Error(err),
					zap.String("message_id", f.MessageID.String()))
				return nil
			}
			if _, err := p.router.IngestChat(gctx, f); err != nil {
				p.logger.Warn("store mailbox message", zap.Error(err),
					zap.String("message_id", f.MessageID.String()))
				return nil
			}
			stored[i] = true
			return nil
		})
	}
	_ = g.Wait()

	ids := make([]string, 0, len(box.MessageList))
	for i, ok := range stored {
		if id := box.MessageList[i].MessageID.String(); ok && id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		if err := p.remote.AckConfirm(ctx, ids); err != nil {
			return fmt.Errorf("ack mailbox: %w", err)
		}
	}

	p.bus.Emit(bus.SyncMailboxDrained, len(ids))
	p.logger.Debug("mailbox drained",
		zap.Int("messages", len(box.MessageList)),
		zap.Int("acked", len(ids)),
		zap.Bool("has_more", box.HasMore))

	// A batch that stored nothing would come back unchanged.
	if box.HasMore && len(ids) > 0 {
		p.drains.Add(1)
		go func() {
			defer p.drains.Done()
			if p.ctx.Err() != nil {
				return
			}
			if err := p.DrainMailbox(p.ctx); err != nil {
				p.logger.Warn("follow-up mailbox drain", zap.Error(err))
			}
		}()
	}
	return nil
}
