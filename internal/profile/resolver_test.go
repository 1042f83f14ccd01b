package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/store"
	"go.uber.org/zap"
)

type metaServer struct {
	srv       *httptest.Server
	metaCalls atomic.Int32
	downloads atomic.Int32
	groupCall atomic.Int32

	mu      sync.Mutex
	version int64
	gate    chan struct{}
}

func newMetaServer(t *testing.T, version int64) *metaServer {
	t.Helper()
	m := &metaServer{version: version}
	mux := http.NewServeMux()
	mux.HandleFunc("/atom/", func(w http.ResponseWriter, r *http.Request) {
		m.metaCalls.Add(1)
		m.mu.Lock()
		gate, v := m.gate, m.version
		m.mu.Unlock()
		if gate != nil {
			<-gate
		}
		_ = json.NewEncoder(w).Encode(remote.UserMeta{
			Nickname:          fmt.Sprintf("Nine v%d", v),
			NickVersion:       v,
			ThumbedAvatarURL:  m.srv.URL + fmt.Sprintf("/files/t_%d.png", v),
			OriginalAvatarURL: m.srv.URL + fmt.Sprintf("/files/o_%d.png", v),
			AvatarVersion:     v,
		})
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		m.downloads.Add(1)
		_, _ = w.Write([]byte("IMG:" + r.URL.Path))
	})
	mux.HandleFunc(remote.PathGroupBaseInfoList, func(w http.ResponseWriter, r *http.Request) {
		m.groupCall.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{{
				"targetId": "g1", "nickname": "Team", "nickVersion": 2,
				"avatar": m.srv.URL + "/files/g1.jpg", "avatarVersion": 4,
			}},
		})
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func (m *metaServer) setVersion(v int64) {
	m.mu.Lock()
	m.version = v
	m.mu.Unlock()
}

func testResolver(t *testing.T, m *metaServer) (*Resolver, *store.DB, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	db, _, err := store.OpenMigrated(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	client := remote.New(remote.Options{BaseURL: m.srv.URL, AtomPath: "/atom"})
	r := New(db, client, b, zap.NewNop(), Options{AvatarDir: filepath.Join(dir, "avatars")})
	return r, db, b
}

func TestEqualVersionServedFromCache(t *testing.T) {
	m := newMetaServer(t, 5)
	r, db, _ := testResolver(t, m)
	ctx := context.Background()

	file := filepath.Join(t.TempDir(), "thumb_5.png")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SaveAvatar(ctx, "u9", store.ContactUser, store.AvatarThumb, 5, file); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SaveNickname(ctx, "u9", store.ContactUser, "Nine", 5); err != nil {
		t.Fatal(err)
	}

	got, err := r.ResolveAvatar(ctx, "u9", store.ContactUser, store.AvatarThumb, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got != file {
		t.Errorf("path = %q, want %q", got, file)
	}
	nick, err := r.ResolveNickname(ctx, "u9", store.ContactUser, 5)
	if err != nil {
		t.Fatal(err)
	}
	if nick != "Nine" {
		t.Errorf("nickname = %q", nick)
	}

	if n := m.metaCalls.Load() + m.downloads.Load(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
}

func TestNewerVersionFetchesOnce(t *testing.T) {
	m := newMetaServer(t, 6)
	r, db, b := testResolver(t, m)
	ctx := context.Background()
	updates, unsub := b.Subscribe(bus.ProfileUpdated, 8)
	defer unsub()

	old := filepath.Join(t.TempDir(), "thumb_5.png")
	_ = os.WriteFile(old, []byte("x"), 0o600)
	if _, err := db.SaveAvatar(ctx, "u9", store.ContactUser, store.AvatarThumb, 5, old); err != nil {
		t.Fatal(err)
	}

	got, err := r.ResolveAvatar(ctx, "u9", store.ContactUser, store.AvatarThumb, 6)
	if err != nil {
		t.Fatal(err)
	}
	if m.metaCalls.Load() != 1 || m.downloads.Load() != 1 {
		t.Errorf("meta=%d downloads=%d, want 1/1", m.metaCalls.Load(), m.downloads.Load())
	}
	if filepath.Base(got) != "thumb_6.png" {
		t.Errorf("path = %q", got)
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "IMG:/files/t_6.png" {
		t.Errorf("file = %q", data)
	}

	p, err := db.GetProfile(ctx, "u9", store.ContactUser)
	if err != nil {
		t.Fatal(err)
	}
	if p.AvatarVersion != 6 || p.AvatarThumbPath != got {
		t.Errorf("profile = %+v", p)
	}
	if p.Nickname != "Nine v6" {
		t.Errorf("nickname = %q, want refreshed alongside avatar", p.Nickname)
	}

	fields := map[string]bool{}
	for len(updates) > 0 {
		evt := <-updates
		fields[evt.Payload.(bus.ProfileRef).Field] = true
	}
	if !fields["avatar"] || !fields["nickname"] {
		t.Errorf("profile.updated fields = %v", fields)
	}
}

func TestSingleFlight(t *testing.T) {
	m := newMetaServer(t, 3)
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
	r, _, _ := testResolver(t, m)

	const callers = 10
	var wg sync.WaitGroup
	paths := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], errs[i] = r.ResolveAvatar(context.Background(), "u9", store.ContactUser, store.AvatarOriginal, 3)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Errorf("caller %d got %q, want %q", i, paths[i], paths[0])
		}
	}
	if got := m.metaCalls.Load(); got != 1 {
		t.Errorf("meta fetches = %d, want 1", got)
	}
	if got := m.downloads.Load(); got != 1 {
		t.Errorf("downloads = %d, want 1", got)
	}
}

func TestMissingFileRefetches(t *testing.T) {
	m := newMetaServer(t, 2)
	r, db, _ := testResolver(t, m)
	ctx := context.Background()

	if _, err := db.SaveAvatar(ctx, "u9", store.ContactUser, store.AvatarThumb, 2, "/nonexistent/thumb_2.png"); err != nil {
		t.Fatal(err)
	}
	got, err := r.ResolveAvatar(ctx, "u9", store.ContactUser, store.AvatarThumb, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(got, "thumb_2.png") || got == "/nonexistent/thumb_2.png" {
		t.Errorf("path = %q", got)
	}
	if m.downloads.Load() != 1 {
		t.Errorf("downloads = %d, want 1", m.downloads.Load())
	}
}

func TestMetaCachedAcrossStrategies(t *testing.T) {
	m := newMetaServer(t, 1)
	r, _, _ := testResolver(t, m)
	ctx := context.Background()

	if _, err := r.ResolveAvatar(ctx, "u9", store.ContactUser, store.AvatarThumb, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ResolveAvatar(ctx, "u9", store.ContactUser, store.AvatarOriginal, 1); err != nil {
		t.Fatal(err)
	}
	if got := m.metaCalls.Load(); got != 1 {
		t.Errorf("meta fetches = %d, want 1 within the TTL", got)
	}
	if got := m.downloads.Load(); got != 2 {
		t.Errorf("downloads = %d, want 2", got)
	}

	// A newer requested version bypasses the cached document.
	m.setVersion(2)
	if _, err := r.ResolveNickname(ctx, "u9", store.ContactUser, 2); err != nil {
		t.Fatal(err)
	}
	if got := m.metaCalls.Load(); got != 2 {
		t.Errorf("meta fetches = %d, want 2", got)
	}
}

func TestStaleEventRefreshesNickname(t *testing.T) {
	m := newMetaServer(t, 1)
	r, db, b := testResolver(t, m)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	if _, err := db.InsertSession(ctx, &store.Session{SessionID: "s9", ContactID: "u9", ContactType: store.ContactUser}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ResolveNickname(ctx, "u9", store.ContactUser, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.meta.Get("u9"); !ok {
		t.Fatal("metadata not cached")
	}

	m.setVersion(2)
	b.Emit(bus.ProfileStale, bus.ProfileRef{TargetID: "u9", ContactType: int(store.ContactUser), Version: 2})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := db.GetProfile(ctx, "u9", store.ContactUser)
		if err != nil {
			t.Fatal(err)
		}
		if p != nil && p.NickVersion == 2 {
			if p.Nickname != "Nine v2" {
				t.Errorf("nickname = %q", p.Nickname)
			}
			if s, _ := db.GetSession(ctx, "s9"); s == nil || s.ContactName != "Nine v2" {
				t.Errorf("session = %+v, want name patched", s)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("nickname not refreshed after stale event")
}

func TestStaleEventAtStoredVersionIsIgnored(t *testing.T) {
	m := newMetaServer(t, 3)
	r, db, b := testResolver(t, m)
	ctx := context.Background()
	if _, err := db.SaveNickname(ctx, "u9", store.ContactUser, "Nine", 3); err != nil {
		t.Fatal(err)
	}
	r.Start(ctx)

	b.Emit(bus.ProfileStale, bus.ProfileRef{TargetID: "u9", ContactType: int(store.ContactUser), Version: 3})
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	if n := m.metaCalls.Load(); n != 0 {
		t.Errorf("meta fetches = %d, want 0", n)
	}
}

func TestTargetIDMustBeSafePathElement(t *testing.T) {
	m := newMetaServer(t, 1)
	r, _, _ := testResolver(t, m)
	ctx := context.Background()

	for _, id := range []string{"../../escaped", "a/b", "..", ""} {
		if _, err := r.ResolveAvatar(ctx, id, store.ContactUser, store.AvatarThumb, 1); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("ResolveAvatar(%q) error = %v, want ErrInvalidTarget", id, err)
		}
		if _, err := r.ResolveNickname(ctx, id, store.ContactUser, 1); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("ResolveNickname(%q) error = %v, want ErrInvalidTarget", id, err)
		}
	}
	if n := m.metaCalls.Load() + m.downloads.Load(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
	if _, err := os.Stat(filepath.Join(r.opts.AvatarDir, "..", "..", "escaped")); !os.IsNotExist(err) {
		t.Errorf("file written outside the avatar directory: %v", err)
	}
}

func TestGroupProfile(t *testing.T) {
	m := newMetaServer(t, 1)
	r, db, _ := testResolver(t, m)
	ctx := context.Background()

	if _, err := db.InsertSession(ctx, &store.Session{SessionID: "sg", ContactID: "g1", ContactType: store.ContactGroup}); err != nil {
		t.Fatal(err)
	}

	nick, err := r.ResolveNickname(ctx, "g1", store.ContactGroup, 2)
	if err != nil {
		t.Fatal(err)
	}
	if nick != "Team" {
		t.Errorf("nickname = %q", nick)
	}
	s, _ := db.GetSession(ctx, "sg")
	if s.ContactName != "Team" {
		t.Errorf("session name = %q, want patched from profile", s.ContactName)
	}

	got, err := r.ResolveAvatar(ctx, "g1", store.ContactGroup, store.AvatarThumb, 4)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "thumb_4.jpg" || !strings.Contains(got, filepath.Join("group", "g1")) {
		t.Errorf("path = %q", got)
	}
	if m.metaCalls.Load() != 0 {
		t.Error("group lookup hit the user metadata store")
	}
}

func TestInvalidStrategy(t *testing.T) {
	m := newMetaServer(t, 1)
	r, _, _ := testResolver(t, m)
	if _, err := r.ResolveAvatar(context.Background(), "u9", store.ContactUser, "huge", 1); err == nil {
		t.Error("unknown strategy should fail")
	}
}
