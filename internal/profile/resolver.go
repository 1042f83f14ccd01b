// Package profile resolves contact nicknames and avatar files, serving from
// the local store whenever the stored version satisfies the request.
package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/matheus3301/imsync/internal/account"
	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoAvatar is returned when the metadata source has no avatar URL.
	ErrNoAvatar = errors.New("profile: no avatar published")
	// ErrNotFound is returned when the metadata source does not know the target.
	ErrNotFound = errors.New("profile: target not found")
	// ErrInvalidTarget is returned for target ids that are unsafe as a path
	// element.
	ErrInvalidTarget = errors.New("profile: invalid target id")
)

const (
	fieldAvatar   = "avatar"
	fieldNickname = "nickname"
)

// Remote is the metadata and object-store surface the resolver needs.
type Remote interface {
	UserMeta(ctx context.Context, userID string) (*remote.UserMeta, error)
	GroupBaseInfo(ctx context.Context, ids []string) ([]remote.BaseInfo, error)
	Download(ctx context.Context, rawURL string, w io.Writer) (int64, error)
}

// Options tunes the resolver.
type Options struct {
	AvatarDir     string
	MetaTTL       time.Duration
	MetaCacheSize int
	FetchTimeout  time.Duration
}

// Resolver answers nickname and avatar lookups. At most one remote refresh
// per (target, type, strategy) key is in flight at any time.
type Resolver struct {
	db     *store.DB
	remote Remote
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	flights singleflight.Group
	meta    *expirable.LRU[string, *remote.UserMeta]
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a resolver writing avatar files under opts.AvatarDir.
func New(db *store.DB, r Remote, b *bus.Bus, logger *zap.Logger, opts Options) *Resolver {
	if opts.MetaTTL <= 0 {
		opts.MetaTTL = 8 * time.Second
	}
	if opts.MetaCacheSize <= 0 {
		opts.MetaCacheSize = 256
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 60 * time.Second
	}
	return &Resolver{
		db:     db,
		remote: r,
		bus:    b,
		logger: logger,
		opts:   opts,
		meta:   expirable.NewLRU[string, *remote.UserMeta](opts.MetaCacheSize, nil, opts.MetaTTL),
	}
}

// Start drops cached metadata for profiles the server reports as changed and
// refreshes their nicknames in the background. Avatars are refreshed on the
// next request.
func (r *Resolver) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ch, unsub := r.bus.Subscribe(bus.ProfileStale, 64)
	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if ref, ok := evt.Payload.(bus.ProfileRef); ok {
					r.meta.Remove(ref.TargetID)
					r.refreshStale(ctx, ref)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the stale-profile subscription and waits for a refresh in
// progress.
func (r *Resolver) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Resolver) refreshStale(ctx context.Context, ref bus.ProfileRef) {
	if account.ValidateUserID(ref.TargetID) != nil {
		r.logger.Warn("ignoring stale profile with invalid target", zap.String("target_id", ref.TargetID))
		return
	}
	ct := store.ContactType(ref.ContactType)
	p, err := r.db.GetProfile(ctx, ref.TargetID, ct)
	if err != nil {
		r.logger.Warn("profile read failed", zap.Error(err), zap.String("target_id", ref.TargetID))
		return
	}
	if p != nil && ref.Version > 0 && p.NickVersion >= ref.Version {
		return
	}

	_, err, _ = r.flights.Do(flightKey(ref.TargetID, ct, fieldNickname), func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, r.opts.FetchTimeout)
		defer cancel()
		return r.refreshNickname(fctx, ref.TargetID, ct, ref.Version)
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Warn("stale nickname refresh failed", zap.Error(err), zap.String("target_id", ref.TargetID))
	}
}

// ResolveAvatar returns a local file holding the target's avatar at
// requestedVersion or newer.
func (r *Resolver) ResolveAvatar(ctx context.Context, targetID string, ct store.ContactType, strategy store.AvatarStrategy, requestedVersion int64) (string, error) {
	if err := checkTarget(targetID); err != nil {
		return "", err
	}
	if !strategy.Valid() {
		return "", fmt.Errorf("profile: unknown avatar strategy %q", strategy)
	}
	if p, ok := r.cachedAvatar(ctx, targetID, ct, strategy, requestedVersion); ok {
		return p, nil
	}

	key := flightKey(targetID, ct, string(strategy))
	v, err, _ := r.flights.Do(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FetchTimeout)
		defer cancel()
		return r.refreshAvatar(fctx, targetID, ct, strategy, requestedVersion)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ResolveNickname returns the target's nickname at requestedVersion or newer.
func (r *Resolver) ResolveNickname(ctx context.Context, targetID string, ct store.ContactType, requestedVersion int64) (string, error) {
	if err := checkTarget(targetID); err != nil {
		return "", err
	}
	p, err := r.db.GetProfile(ctx, targetID, ct)
	if err != nil {
		return "", err
	}
	if p != nil && p.NickVersion >= requestedVersion && p.Nickname != "" {
		return p.Nickname, nil
	}

	key := flightKey(targetID, ct, fieldNickname)
	v, err, _ := r.flights.Do(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FetchTimeout)
		defer cancel()
		return r.refreshNickname(fctx, targetID, ct, requestedVersion)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) cachedAvatar(ctx context.Context, targetID string, ct store.ContactType, strategy store.AvatarStrategy, requested int64) (string, bool) {
	p, err := r.db.GetProfile(ctx, targetID, ct)
	if err != nil {
		r.logger.Warn("profile read failed", zap.Error(err), zap.String("target_id", targetID))
		return "", false
	}
	if p == nil || p.AvatarVersion < requested {
		return "", false
	}
	local := p.AvatarPath(strategy)
	if local == "" || !fileExists(local) {
		return "", false
	}
	return local, true
}

// source is the current published identity of a target.
type source struct {
	nickname      string
	nickVersion   int64
	avatarVersion int64
	thumbURL      string
	originalURL   string
}

func (s *source) avatarURL(strategy store.AvatarStrategy) string {
	if strategy == store.AvatarOriginal && s.originalURL != "" {
		return s.originalURL
	}
	if s.thumbURL != "" {
		return s.thumbURL
	}
	return s.originalURL
}

// fetchSource returns the published identity. Cached user metadata older than
// the requested version of the wanted field is bypassed.
func (r *Resolver) fetchSource(ctx context.Context, targetID string, ct store.ContactType, field string, requested int64) (*source, error) {
	if ct == store.ContactGroup {
		infos, err := r.remote.GroupBaseInfo(ctx, []string{targetID})
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if info.TargetID.String() != targetID {
				continue
			}
			return &source{
				nickname:      info.Nickname,
				nickVersion:   info.NickVersion,
				avatarVersion: info.AvatarVersion,
				thumbURL:      firstNonEmpty(info.ThumbURL, info.Avatar),
				originalURL:   firstNonEmpty(info.OriginalURL, info.Avatar),
			}, nil
		}
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, targetID)
	}

	meta, ok := r.meta.Get(targetID)
	if ok {
		have := meta.AvatarVersion
		if field == fieldNickname {
			have = meta.NickVersion
		}
		ok = have >= requested
	}
	if !ok {
		var err error
		meta, err = r.remote.UserMeta(ctx, targetID)
		if err != nil {
			return nil, err
		}
		r.meta.Add(targetID, meta)
	}
	return &source{
		nickname:      meta.Nickname,
		nickVersion:   meta.NickVersion,
		avatarVersion: meta.AvatarVersion,
		thumbURL:      meta.ThumbedAvatarURL,
		originalURL:   meta.OriginalAvatarURL,
	}, nil
}

func (r *Resolver) refreshAvatar(ctx context.Context, targetID string, ct store.ContactType, strategy store.AvatarStrategy, requested int64) (string, error) {
	src, err := r.fetchSource(ctx, targetID, ct, fieldAvatar, requested)
	if err != nil {
		return "", fmt.Errorf("fetch profile %s: %w", targetID, err)
	}
	r.saveNickname(ctx, targetID, ct, src)

	// The published version may already be on disk.
	if local, ok := r.cachedAvatar(ctx, targetID, ct, strategy, src.avatarVersion); ok {
		return local, nil
	}

	rawURL := src.avatarURL(strategy)
	if rawURL == "" {
		return "", fmt.Errorf("%w: %s", ErrNoAvatar, targetID)
	}

	dest, err := r.download(ctx, rawURL, targetID, ct, strategy, src.avatarVersion)
	if err != nil {
		return "", err
	}

	prev, _ := r.db.GetProfile(ctx, targetID, ct)
	saved, err := r.db.SaveAvatar(ctx, targetID, ct, strategy, src.avatarVersion, dest)
	if err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	if !saved {
		// A newer version landed while downloading; serve that one.
		_ = os.Remove(dest)
		cur, err := r.db.GetProfile(ctx, targetID, ct)
		if err != nil {
			return "", err
		}
		if cur == nil || cur.AvatarPath(strategy) == "" {
			return "", fmt.Errorf("profile: avatar for %s superseded", targetID)
		}
		return cur.AvatarPath(strategy), nil
	}
	if prev != nil {
		for _, old := range []string{prev.AvatarThumbPath, prev.AvatarOriginalPath} {
			if old != "" && old != dest && prev.AvatarVersion < src.avatarVersion {
				_ = os.Remove(old)
			}
		}
	}

	r.logger.Debug("avatar refreshed",
		zap.String("target_id", targetID),
		zap.String("strategy", string(strategy)),
		zap.Int64("version", src.avatarVersion))
	r.bus.Emit(bus.ProfileUpdated, bus.ProfileRef{
		TargetID:    targetID,
		ContactType: int(ct),
		Field:       fieldAvatar,
		Version:     src.avatarVersion,
	})
	return dest, nil
}

func (r *Resolver) refreshNickname(ctx context.Context, targetID string, ct store.ContactType, requested int64) (string, error) {
	src, err := r.fetchSource(ctx, targetID, ct, fieldNickname, requested)
	if err != nil {
		return "", fmt.Errorf("fetch profile %s: %w", targetID, err)
	}
	r.saveNickname(ctx, targetID, ct, src)

	p, err := r.db.GetProfile(ctx, targetID, ct)
	if err != nil {
		return "", err
	}
	if p == nil {
		return src.nickname, nil
	}
	return p.Nickname, nil
}

func (r *Resolver) saveNickname(ctx context.Context, targetID string, ct store.ContactType, src *source) {
	if src.nickname == "" {
		return
	}
	saved, err := r.db.SaveNickname(ctx, targetID, ct, src.nickname, src.nickVersion)
	if err != nil {
		r.logger.Warn("save nickname failed", zap.Error(err), zap.String("target_id", targetID))
		return
	}
	if !saved {
		return
	}
	if _, err := r.db.SetSessionContact(ctx, targetID, ct, src.nickname, ""); err != nil {
		r.logger.Warn("patch session name failed", zap.Error(err), zap.String("target_id", targetID))
	}
	r.bus.Emit(bus.ProfileUpdated, bus.ProfileRef{
		TargetID:    targetID,
		ContactType: int(ct),
		Field:       fieldNickname,
		Version:     src.nickVersion,
	})
}

// download writes the object to
// {avatarDir}/{type}/{target}/{strategy}_{version}{ext} via a temp file so a
// partial download never appears under the final name.
func (r *Resolver) download(ctx context.Context, rawURL, targetID string, ct store.ContactType, strategy store.AvatarStrategy, version int64) (string, error) {
	dir := filepath.Join(r.opts.AvatarDir, ct.String(), targetID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create avatar dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	_, err = r.remote.Download(ctx, rawURL, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("download avatar %s: %w", targetID, err)
	}

	dest := filepath.Join(dir, string(strategy)+"_"+strconv.FormatInt(version, 10)+extension(rawURL))
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("place avatar: %w", err)
	}
	return dest, nil
}

func checkTarget(targetID string) error {
	if err := account.ValidateUserID(targetID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, targetID)
	}
	return nil
}

func flightKey(targetID string, ct store.ContactType, what string) string {
	return targetID + ":" + strconv.Itoa(int(ct)) + ":" + what
}

func extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(u.Path)
	if len(ext) > 6 {
		return ""
	}
	return ext
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
