package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/store"
	"go.uber.org/zap"
)

// InfoSource returns display data for users and groups in batches.
type InfoSource interface {
	UserBaseInfo(ctx context.Context, ids []string) ([]remote.BaseInfo, error)
	GroupBaseInfo(ctx context.Context, ids []string) ([]remote.BaseInfo, error)
}

// Enricher fills in contact names and avatars of sessions.
type Enricher struct {
	db     *store.DB
	source InfoSource
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEnricher creates an enricher.
func NewEnricher(db *store.DB, source InfoSource, b *bus.Bus, logger *zap.Logger) *Enricher {
	return &Enricher{db: db, source: source, bus: b, logger: logger}
}

// Enrich looks up the contacts of sessions with one batched call per contact
// type and writes the results onto every session with that contact.
func (e *Enricher) Enrich(ctx context.Context, sessions []store.Session) error {
	byType := map[store.ContactType][]string{}
	sessionsOf := map[string][]string{}
	for _, s := range sessions {
		if s.ContactID == "" {
			continue
		}
		key := contactKey(s.ContactID, s.ContactType)
		if _, seen := sessionsOf[key]; !seen {
			byType[s.ContactType] = append(byType[s.ContactType], s.ContactID)
		}
		sessionsOf[key] = append(sessionsOf[key], s.SessionID)
	}

	var errs []error
	for _, ct := range []store.ContactType{store.ContactUser, store.ContactGroup} {
		ids := byType[ct]
		if len(ids) == 0 {
			continue
		}
		fetch := e.source.UserBaseInfo
		if ct == store.ContactGroup {
			fetch = e.source.GroupBaseInfo
		}
		infos, err := fetch(ctx, ids)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s base info: %w", ct, err))
			continue
		}
		for _, info := range infos {
			id := info.TargetID.String()
			if err := e.apply(ctx, id, ct, info); err != nil {
				errs = append(errs, err)
				continue
			}
			for _, sid := range sessionsOf[contactKey(id, ct)] {
				e.bus.Emit(bus.SessionUpserted, bus.SessionRef{SessionID: sid})
			}
		}
		e.logger.Debug("enriched contacts", zap.Stringer("contact_type", ct), zap.Int("requested", len(ids)), zap.Int("returned", len(infos)))
	}
	return errors.Join(errs...)
}

func (e *Enricher) apply(ctx context.Context, id string, ct store.ContactType, info remote.BaseInfo) error {
	avatar := info.Avatar
	if avatar == "" {
		avatar = info.ThumbURL
	}
	if _, err := e.db.SetSessionContact(ctx, id, ct, info.Nickname, avatar); err != nil {
		return fmt.Errorf("patch sessions of %s: %w", id, err)
	}
	if ct == store.ContactGroup && info.MemberCount > 0 {
		if _, err := e.db.Update(ctx, store.SessionsTable,
			store.Record{"memberCount": info.MemberCount},
			store.Record{"contactId": id, "contactType": int(ct)}); err != nil {
			return fmt.Errorf("patch member count of %s: %w", id, err)
		}
	}
	if info.Nickname != "" {
		if _, err := e.db.SaveNickname(ctx, id, ct, info.Nickname, info.NickVersion); err != nil {
			return fmt.Errorf("save nickname of %s: %w", id, err)
		}
	}
	return nil
}

func contactKey(id string, ct store.ContactType) string {
	return fmt.Sprintf("%d:%s", int(ct), id)
}
