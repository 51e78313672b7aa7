package svc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kopy/cfg"
	"kopy/pkg/domain"
	"kopy/pkg/seal"
	"kopy/svc/auth"
	"kopy/svc/cache"
	"kopy/svc/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		BaseURL:             "https://kopy.example",
		MaxPasteSize:        1024,
		MaxSenderNameLength: 10,
		MaxWorkerLoad:       100,
		ExpirationPresets:   []time.Duration{10 * time.Minute, time.Hour, 24 * time.Hour},
		DefaultExpiration:   10 * time.Minute,
	}
}

type fixture struct {
	svc   *Paste
	store *db.SQLite
	clock *fakeClock
}

func newFixture(t *testing.T, c *cfg.Cfg, withCache bool) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := db.NewSQLiteWithConfig(dsn, 1, 1, 5*time.Second)
	require.NoError(t, err)
	store.SetResponseFloor(0)
	t.Cleanup(func() { store.Close() })

	h, err := auth.NewHasher(auth.SchemeSHA256, 1, 1024, 1, nil)
	require.NoError(t, err)
	require.NoError(t, h.Start(1))
	t.Cleanup(h.Stop)

	var lru *cache.LRU
	if withCache {
		lru, err = cache.NewLRU(100)
		require.NoError(t, err)
	}
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	p := NewPaste(store, lru, h, c, WithClock(clock.Now))
	t.Cleanup(p.Shutdown)
	return &fixture{svc: p, store: store, clock: clock}
}

func TestCreateAndRetrieve(t *testing.T) {
	f := newFixture(t, testCfg(), true)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, domain.CreateParams{
		Content:     "# hello\nworld",
		SenderName:  "ana",
		Expiration:  time.Hour,
		ContentType: domain.ContentTypeMarkdown,
	})
	require.NoError(t, err)
	assert.Len(t, res.ID, 32)
	assert.Equal(t, f.clock.Now().Add(time.Hour), res.ExpiresAt)
	assert.False(t, res.HasPassword)
	assert.True(t, strings.HasPrefix(res.Locator, "https://kopy.example/view/"+res.ID+"#"))

	loc, err := domain.ParseLocator(res.Locator)
	require.NoError(t, err)

	got, err := f.svc.Retrieve(ctx, res.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.AccessUnlocked, got.State)
	assert.Equal(t, "ana", got.Paste.SenderName)
	assert.Equal(t, domain.ContentTypeMarkdown, got.Paste.ContentType)

	plain, err := seal.Decrypt(got.Paste.Ciphertext, loc.Key)
	require.NoError(t, err)
	assert.Equal(t, "# hello\nworld", plain)
}

func TestStoredRecordNeverContainsKeyOrPlaintext(t *testing.T) {
	f := newFixture(t, testCfg(), false)
	res, err := f.svc.Create(context.Background(), domain.CreateParams{Content: "top secret words"})
	require.NoError(t, err)
	loc, err := domain.ParseLocator(res.Locator)
	require.NoError(t, err)

	var ciphertext string
	require.NoError(t, f.store.DB().QueryRow("SELECT ciphertext FROM pastes WHERE id = ?", res.ID).Scan(&ciphertext))
	assert.NotContains(t, ciphertext, "top secret")
	assert.NotContains(t, ciphertext, loc.Key)
}

func TestRetrieveAfterExpiry(t *testing.T) {
	for _, withCache := range []bool{true, false} {
		t.Run(fmt.Sprintf("cache=%v", withCache), func(t *testing.T) {
			f := newFixture(t, testCfg(), withCache)
			ctx := context.Background()
			res, err := f.svc.Create(ctx, domain.CreateParams{Content: "hi", Expiration: time.Hour})
			require.NoError(t, err)

			f.clock.Advance(59 * time.Minute)
			_, err = f.svc.Retrieve(ctx, res.ID, "")
			require.NoError(t, err)

			f.clock.Advance(2 * time.Minute)
			_, err = f.svc.Retrieve(ctx, res.ID, "")
			assert.Equal(t, domain.ErrNotFoundOrExpired, err)
		})
	}
}

func TestUnknownAndExpiredLookIdentical(t *testing.T) {
	f := newFixture(t, testCfg(), true)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, domain.CreateParams{Content: "hi"})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)

	_, expiredErr := f.svc.Retrieve(ctx, res.ID, "")
	_, unknownErr := f.svc.Retrieve(ctx, strings.Repeat("ab", 16), "")
	assert.Equal(t, expiredErr, unknownErr)
	assert.Equal(t, domain.ErrNotFoundOrExpired, unknownErr)
}

func TestPasswordGate(t *testing.T) {
	f := newFixture(t, testCfg(), true)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, domain.CreateParams{Content: "gated", Password: "secret123"})
	require.NoError(t, err)
	assert.True(t, res.HasPassword)

	tests := []struct {
		password string
		want     domain.AccessState
	}{
		{"", domain.AccessPasswordRequired},
		{"wrong", domain.AccessPasswordIncorrect},
		{"secret123", domain.AccessUnlocked},
	}
	for _, tt := range tests {
		got, err := f.svc.Retrieve(ctx, res.ID, tt.password)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.State, "password %q", tt.password)
		assert.NotEmpty(t, got.Paste.Ciphertext)
		assert.Equal(t, "fcf730b6d95236ecd3c9fc2d92d7b6b2bb061514961aec041d6c7a7192f592e4", got.Paste.PasswordHash)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, testCfg(), false)
	tests := []struct {
		name   string
		params domain.CreateParams
		want   error
	}{
		{"empty content", domain.CreateParams{}, domain.ErrContentRequired},
		{"whitespace content", domain.CreateParams{Content: " \n\t "}, domain.ErrContentRequired},
		{"too large", domain.CreateParams{Content: strings.Repeat("x", 1025)}, domain.ErrPasteTooLarge},
		{"bad content type", domain.CreateParams{Content: "x", ContentType: "xml"}, domain.ErrInvalidContentType},
		{"expiration not a preset", domain.CreateParams{Content: "x", Expiration: 7 * time.Minute}, domain.ErrInvalidExpiration},
		{"negative expiration", domain.CreateParams{Content: "x", Expiration: -time.Hour}, domain.ErrInvalidExpiration},
		{"sender too long", domain.CreateParams{Content: "x", SenderName: "abcdefghijk"}, domain.ErrSenderNameTooLong},
		{"password too long", domain.CreateParams{Content: "x", Password: strings.Repeat("p", auth.MaxPasswordLength+1)}, domain.ErrPasswordTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.params)
			assert.Equal(t, tt.want, err)
		})
	}
}

func TestCreateDefaults(t *testing.T) {
	f := newFixture(t, testCfg(), false)
	res, err := f.svc.Create(context.Background(), domain.CreateParams{Content: "x", SenderName: "  名前\u0007 "})
	require.NoError(t, err)
	assert.Equal(t, domain.ContentTypeText, res.ContentType)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), res.ExpiresAt)

	got, err := f.svc.Retrieve(context.Background(), res.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "名前", got.Paste.SenderName)
}

func TestRetrieveRejectsMalformedID(t *testing.T) {
	f := newFixture(t, testCfg(), false)
	for _, id := range []string{"", "short", strings.Repeat("G", 32), "../../etc/passwd", strings.Repeat("a", 129)} {
		_, err := f.svc.Retrieve(context.Background(), id, "")
		assert.Equal(t, domain.ErrInvalidID, err, "id %q", id)
	}
}

func TestCreateSheddingAndShutdown(t *testing.T) {
	c := testCfg()
	c.MaxWorkerLoad = 0
	f := newFixture(t, c, false)
	_, err := f.svc.Create(context.Background(), domain.CreateParams{Content: "x"})
	assert.Equal(t, domain.ErrUnavailable, err)

	g := newFixture(t, testCfg(), false)
	g.svc.Shutdown()
	_, err = g.svc.Create(context.Background(), domain.CreateParams{Content: "x"})
	assert.Equal(t, domain.ErrUnavailable, err)
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, testCfg(), false)
	require.NoError(t, f.store.Close())
	_, err := f.svc.Create(context.Background(), domain.CreateParams{Content: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
	assert.Equal(t, domain.ErrUnavailable.Msg, domain.ToResp(err).Error)
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t, testCfg(), false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx, domain.CreateParams{Content: "short"})
		require.NoError(t, err)
	}
	_, err := f.svc.Create(ctx, domain.CreateParams{Content: "long", Expiration: 24 * time.Hour})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	n, err := f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = f.svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentRetrieve(t *testing.T) {
	f := newFixture(t, testCfg(), false)
	ctx := context.Background()
	res, err := f.svc.Create(ctx, domain.CreateParams{Content: "popular"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.Retrieve(ctx, res.ID, "")
			if err == nil && got.Paste.ID != res.ID {
				err = fmt.Errorf("wrong paste %s", got.Paste.ID)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

// gatedStore holds reads until release is closed and records whether the
// read context was cancelled while it waited.
type gatedStore struct {
	db.Store
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
	cancelled atomic.Bool
}

func (g *gatedStore) GetIfValid(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		g.cancelled.Store(true)
		return nil, ctx.Err()
	}
	return g.Store.GetIfValid(ctx, id, now)
}

func TestCancelledCallerDoesNotFailSharedRead(t *testing.T) {
	f := newFixture(t, testCfg(), false)
	res, err := f.svc.Create(context.Background(), domain.CreateParams{Content: "shared"})
	require.NoError(t, err)

	g := &gatedStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	p := NewPaste(g, nil, f.svc.hasher, testCfg(), WithClock(f.clock.Now))
	t.Cleanup(p.Shutdown)

	type result struct {
		got *domain.Retrieval
		err error
	}
	ctx1, cancel1 := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Retrieve(ctx1, res.ID, "")
		first <- err
	}()
	<-g.entered

	second := make(chan result, 1)
	go func() {
		got, err := p.Retrieve(context.Background(), res.ID, "")
		second <- result{got, err}
	}()
	// let the second caller join the read in flight
	time.Sleep(20 * time.Millisecond)

	cancel1()
	err = <-first
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	close(g.release)
	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, res.ID, r.got.Paste.ID)
	assert.False(t, g.cancelled.Load(), "shared read saw the first caller's cancellation")
}

func TestResponseFloorCoversCacheHits(t *testing.T) {
	f := newFixture(t, testCfg(), false)
	res, err := f.svc.Create(context.Background(), domain.CreateParams{Content: "cached"})
	require.NoError(t, err)

	lru, err := cache.NewLRU(10)
	require.NoError(t, err)
	floor := 30 * time.Millisecond
	p := NewPaste(f.store, lru, f.svc.hasher, testCfg(), WithClock(f.clock.Now), WithResponseFloor(floor))
	t.Cleanup(p.Shutdown)

	_, err = p.Retrieve(context.Background(), res.ID, "")
	require.NoError(t, err)
	require.Equal(t, 1, lru.Len())

	start := time.Now()
	got, err := p.Retrieve(context.Background(), res.ID, "")
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.Paste.ID)
	assert.GreaterOrEqual(t, time.Since(start), floor)

	start = time.Now()
	_, err = p.Retrieve(context.Background(), strings.Repeat("0", 32), "")
	assert.Equal(t, domain.ErrNotFoundOrExpired, err)
	assert.GreaterOrEqual(t, time.Since(start), floor)
}

func TestStartCleaner(t *testing.T) {
	f := newFixture(t, testCfg(), false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, f.svc.StartCleaner(ctx, 0))
	require.NoError(t, f.svc.StartCleaner(ctx, time.Hour))
	assert.Error(t, f.svc.StartCleaner(ctx, time.Hour), "second cleaner should be refused")
}

func TestNormalizeSenderName(t *testing.T) {
	assert.Equal(t, "é", NormalizeSenderName("é"))
	assert.Equal(t, "ab", NormalizeSenderName("a\nb"))
	assert.Equal(t, "ok", NormalizeSenderName("\xffok"))
	assert.Equal(t, "", NormalizeSenderName("   "))
}
