package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"kopy/cfg"
	"kopy/pkg/domain"
	"kopy/pkg/seal"
	"kopy/svc/auth"
	"kopy/svc/cache"
	"kopy/svc/db"
	"kopy/svc/lim"
	"kopy/svc/svc"

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
		Port:                "3000",
		Environment:         "test",
		BaseURL:             "https://kopy.example",
		MaxPasteSize:        4096,
		MaxSenderNameLength: 50,
		MaxWorkerLoad:       100,
		ExpirationPresets:   []time.Duration{10 * time.Minute, time.Hour, 24 * time.Hour},
		DefaultExpiration:   10 * time.Minute,
		ExposePasswordHash:  true,
		ContextTimeout:      5 * time.Second,
		RateLimit:           cfg.RateLimitCfg{RPM: 6000, Burst: 1000, ConservativeLimit: 1000},
	}
}

type fixture struct {
	srv   *httptest.Server
	clock *fakeClock
	cfg   *cfg.Cfg
}

func newFixture(t *testing.T, c *cfg.Cfg) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:api_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := db.NewSQLiteWithConfig(dsn, 1, 1, 5*time.Second)
	require.NoError(t, err)
	store.SetResponseFloor(0)
	t.Cleanup(func() { store.Close() })

	h, err := auth.NewHasher(auth.SchemeSHA256, 1, 1024, 1, nil)
	require.NoError(t, err)
	require.NoError(t, h.Start(1))
	t.Cleanup(h.Stop)

	lru, err := cache.NewLRU(100)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	p := svc.NewPaste(store, lru, h, c, svc.WithClock(clock.Now))
	t.Cleanup(p.Shutdown)

	l := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, nil)
	t.Cleanup(l.Stop)

	srv := httptest.NewServer(NewServer(c, p, l, store, nil))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, clock: clock, cfg: c}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path, password string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	if password != "" {
		req.Header.Set("X-Paste-Password", password)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateAndView(t *testing.T) {
	f := newFixture(t, testCfg())
	resp := f.postJSON(t, "/paste", map[string]any{
		"content":           "hello there",
		"senderName":        "ana",
		"expirationMinutes": 60,
		"contentType":       "markdown",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[CreateResp](t, resp)
	assert.True(t, created.Success)
	assert.Equal(t, "markdown", created.ContentType)
	assert.False(t, created.HasPassword)
	assert.Equal(t, f.clock.Now().Add(time.Hour), created.ExpiresAt.UTC())

	loc, err := domain.ParseLocator(created.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://kopy.example", loc.BaseURL)
	assert.Equal(t, created.ID, loc.ID)

	got := f.get(t, "/paste/"+created.ID, "")
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "no-store", got.Header.Get("Cache-Control"))
	view := decode[PasteResp](t, got)
	assert.Equal(t, "unlocked", view.State)
	assert.Equal(t, "ana", view.SenderName)
	assert.Empty(t, view.PasswordHash)
	plain, err := seal.Decrypt(view.Ciphertext, loc.Key)
	require.NoError(t, err)
	assert.Equal(t, "hello there", plain)
}

func TestCreateFromForms(t *testing.T) {
	f := newFixture(t, testCfg())

	form := url.Values{"content": {"from a form"}, "expirationMinutes": {"10"}}
	resp, err := http.PostForm(f.srv.URL+"/api/post", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text", decode[CreateResp](t, resp).ContentType)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("content", "from multipart"))
	require.NoError(t, mw.WriteField("password", "s3cret"))
	require.NoError(t, mw.Close())
	resp2, err := http.Post(f.srv.URL+"/paste", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	created := decode[CreateResp](t, resp2)
	assert.True(t, created.HasPassword)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), created.ExpiresAt.UTC())
}

func TestBaseURLFromForwardedHeaders(t *testing.T) {
	c := testCfg()
	c.BaseURL = ""
	f := newFixture(t, c)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/paste", strings.NewReader(`{"content":"x"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-Host", "paste.example.org")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[CreateResp](t, resp)
	assert.True(t, strings.HasPrefix(created.URL, "https://paste.example.org/view/"), created.URL)
}

func TestExpiredAndUnknownLookIdentical(t *testing.T) {
	f := newFixture(t, testCfg())
	created := decode[CreateResp](t, f.postJSON(t, "/paste", map[string]any{
		"content":           "short lived",
		"expirationMinutes": 60,
	}))

	f.clock.Advance(59 * time.Minute)
	assert.Equal(t, http.StatusOK, f.get(t, "/paste/"+created.ID, "").StatusCode)

	f.clock.Advance(2 * time.Minute)
	expired := f.get(t, "/paste/"+created.ID, "")
	unknown := f.get(t, "/paste/"+strings.Repeat("ab", 16), "")
	assert.Equal(t, http.StatusNotFound, expired.StatusCode)
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)
	a, err := io.ReadAll(expired.Body)
	require.NoError(t, err)
	b, err := io.ReadAll(unknown.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"Paste not found or has expired"}`, string(a))
	assert.Equal(t, string(a), string(b))
}

func TestPasswordGate(t *testing.T) {
	f := newFixture(t, testCfg())
	created := decode[CreateResp](t, f.postJSON(t, "/paste", map[string]any{
		"content":  "behind a gate",
		"password": "open sesame",
	}))
	require.True(t, created.HasPassword)

	tests := []struct {
		name     string
		password string
		want     string
	}{
		{"no password", "", "password_required"},
		{"wrong password", "nope", "password_incorrect"},
		{"right password", "open sesame", "unlocked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.get(t, "/api/paste/"+created.ID, tt.password)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			view := decode[PasteResp](t, resp)
			assert.Equal(t, tt.want, view.State)
			assert.NotEmpty(t, view.Ciphertext)
			assert.NotEmpty(t, view.PasswordHash)
		})
	}
}

func TestPasswordHashHidden(t *testing.T) {
	c := testCfg()
	c.ExposePasswordHash = false
	f := newFixture(t, c)
	created := decode[CreateResp](t, f.postJSON(t, "/paste", map[string]any{
		"content":  "x",
		"password": "pw",
	}))
	resp := f.get(t, "/paste/"+created.ID, "")
	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.NotContains(t, raw, "password_hash")
	assert.Equal(t, "password_required", raw["state"])
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, testCfg())
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"empty content", map[string]any{"content": "   "}, domain.ErrContentRequired.Msg},
		{"xml content type", map[string]any{"content": "x", "contentType": "xml"}, domain.ErrInvalidContentType.Msg},
		{"unknown preset", map[string]any{"content": "x", "expirationMinutes": 7}, domain.ErrInvalidExpiration.Msg},
		{"non numeric minutes", map[string]any{"content": "x", "expirationMinutes": "soon"}, domain.ErrInvalidExpiration.Msg},
		{"negative minutes", map[string]any{"content": "x", "expirationMinutes": -10}, domain.ErrInvalidExpiration.Msg},
		{"too large", map[string]any{"content": strings.Repeat("a", 4097)}, domain.ErrPasteTooLarge.Msg},
		{"long sender", map[string]any{"content": "x", "senderName": strings.Repeat("n", 51)}, domain.ErrSenderNameTooLong.Msg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.postJSON(t, "/paste", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.want, decode[domain.ErrResp](t, resp).Error)
		})
	}
}

func TestCreateRejectsOversizedBody(t *testing.T) {
	f := newFixture(t, testCfg())
	body := `{"content":"` + strings.Repeat("a", 3*4096) + `"}`
	resp, err := http.Post(f.srv.URL+"/paste", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestCreateRejectsUnknownMediaType(t *testing.T) {
	f := newFixture(t, testCfg())
	resp, err := http.Post(f.srv.URL+"/paste", "text/plain", strings.NewReader("content=x"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestMalformedID(t *testing.T) {
	f := newFixture(t, testCfg())
	for _, id := range []string{"short", strings.Repeat("G", 32), strings.Repeat("AB", 16)} {
		resp := f.get(t, "/paste/"+id, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, id)
		assert.Equal(t, domain.ErrInvalidID.Msg, decode[domain.ErrResp](t, resp).Error)
	}
}

func TestUsageAndPresets(t *testing.T) {
	f := newFixture(t, testCfg())
	for _, path := range []string{"/paste", "/api/post"} {
		resp := f.get(t, path, "")
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		usage := decode[UsageResp](t, resp)
		assert.Equal(t, http.MethodPost, usage.Method)
		assert.Contains(t, usage.Fields, "content")
	}
	presets := decode[PresetsResp](t, f.get(t, "/api/config/presets", ""))
	assert.Equal(t, []int{10, 60, 1440}, presets.Presets)
	assert.Equal(t, 10, presets.Default)
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, testCfg())
	for _, path := range []string{"/health", "/api/health"} {
		resp := f.get(t, path, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "connected", decode[HealthResponse](t, resp).Status)
	}
	ready := f.get(t, "/ready", "")
	require.Equal(t, http.StatusOK, ready.StatusCode)
	body := decode[ReadyResponse](t, ready)
	assert.True(t, body.Ready)
	assert.Equal(t, "unavailable", body.Cache)
}

func TestRequestIDPropagation(t *testing.T) {
	f := newFixture(t, testCfg())
	upstream := "0f8fad5b-d9cb-469f-a165-70867728950e"
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", upstream)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, upstream, resp.Header.Get("X-Request-ID"))

	req.Header.Set("X-Request-ID", "not-a-uuid\nforged")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.NotEqual(t, "not-a-uuid\nforged", resp2.Header.Get("X-Request-ID"))
	assert.NotEmpty(t, resp2.Header.Get("X-Request-ID"))
}

func TestRateLimitOnCreate(t *testing.T) {
	c := testCfg()
	c.RateLimit = cfg.RateLimitCfg{RPM: 60, Burst: 2, ConservativeLimit: 2}
	f := newFixture(t, c)
	for i := 0; i < 2; i++ {
		resp := f.postJSON(t, "/paste", map[string]any{"content": "x"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := f.postJSON(t, "/paste", map[string]any{"content": "x"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, http.StatusOK, f.get(t, "/health", "").StatusCode)
}

func TestMetricsBasicAuth(t *testing.T) {
	c := testCfg()
	c.MetricsUser = "prom"
	c.MetricsPass = cfg.NewSecret("scrape")
	f := newFixture(t, c)
	resp := f.get(t, "/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/metrics", nil)
	require.NoError(t, err)
	req.SetBasicAuth("prom", "scrape")
	ok, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}
