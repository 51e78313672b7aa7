package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"kopy/cfg"
	"kopy/metrics"
	"kopy/pkg/domain"
	"kopy/pkg/seal"
	"kopy/svc/auth"
	"kopy/svc/cache"
	"kopy/svc/db"
	"kopy/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

type Paste struct {
	store           db.Store
	lru             *cache.LRU
	hasher          *auth.Hasher
	cfg             *cfg.Cfg
	now             func() time.Time
	responseFloor   time.Duration
	reads           singleflight.Group
	activeCreateOps int32
	shutdown        atomic.Bool
	opWg            sync.WaitGroup
	cleanerRunning  atomic.Bool
}

type Option func(*Paste)

// WithClock replaces the wall clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Paste) {
		if now != nil {
			p.now = now
		}
	}
}

// WithResponseFloor makes every lookup, cache hits included, take at least
// floor plus jitter.
func WithResponseFloor(floor time.Duration) Option {
	return func(p *Paste) {
		if floor >= 0 {
			p.responseFloor = floor
		}
	}
}

// NewPaste wires the lifecycle service. lru may be nil to disable caching.
func NewPaste(store db.Store, lru *cache.LRU, h *auth.Hasher, c *cfg.Cfg, opts ...Option) *Paste {
	if store == nil || h == nil || c == nil {
		panic("paste service: nil dependency (store, hasher, or cfg)")
	}
	p := &Paste{
		store:  store,
		lru:    lru,
		hasher: h,
		cfg:    c,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Now is the service clock in UTC.
func (p *Paste) Now() time.Time {
	return p.now().UTC()
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

// Presets returns the accepted lifetimes in ascending order and the default.
func (p *Paste) Presets() ([]time.Duration, time.Duration) {
	out := make([]time.Duration, len(p.cfg.ExpirationPresets))
	copy(out, p.cfg.ExpirationPresets)
	return out, p.cfg.DefaultExpiration
}

// ResolveExpiration maps a requested lifetime onto the preset set. Zero
// means the default; anything else must match a preset exactly.
func (p *Paste) ResolveExpiration(d time.Duration) (time.Duration, error) {
	if d == 0 {
		return p.cfg.DefaultExpiration, nil
	}
	for _, preset := range p.cfg.ExpirationPresets {
		if d == preset {
			return d, nil
		}
	}
	return 0, domain.ErrInvalidExpiration
}

func (p *Paste) validate(params *domain.CreateParams) error {
	if strings.TrimSpace(params.Content) == "" {
		return domain.ErrContentRequired
	}
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return domain.ErrPasteTooLarge
	}
	switch params.ContentType {
	case "":
		params.ContentType = domain.ContentTypeText
	case domain.ContentTypeText, domain.ContentTypeMarkdown:
	default:
		return domain.ErrInvalidContentType
	}
	ttl, err := p.ResolveExpiration(params.Expiration)
	if err != nil {
		return err
	}
	params.Expiration = ttl
	params.SenderName = NormalizeSenderName(params.SenderName)
	if utf8.RuneCountInString(params.SenderName) > p.cfg.MaxSenderNameLength {
		return domain.ErrSenderNameTooLong
	}
	if len(params.Password) > auth.MaxPasswordLength {
		return domain.ErrPasswordTooLong
	}
	return nil
}

// Create encrypts the content under a fresh key, stores only the ciphertext
// and returns the one link that carries the key.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.CreateResult, error) {
	if p.shutdown.Load() {
		return nil, domain.ErrUnavailable
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	currentLoad := atomic.AddInt32(&p.activeCreateOps, 1)
	defer atomic.AddInt32(&p.activeCreateOps, -1)
	if currentLoad > int32(p.cfg.MaxWorkerLoad) {
		util.Warn().Int32("load", currentLoad).Msg("create rejected, worker load exceeded")
		return nil, domain.ErrUnavailable
	}
	if err := p.validate(&params); err != nil {
		return nil, err
	}
	key, err := seal.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	ciphertext, err := seal.Encrypt(params.Content, key)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt content")
	}
	metrics.EncryptionOps.WithLabelValues("encrypt").Inc()
	id, err := util.GenID()
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}
	var pwHash string
	if params.Password != "" {
		pwHash, err = p.hasher.Hash(ctx, params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "failed to hash password")
		}
	}
	now := p.Now()
	paste := &domain.Paste{
		ID:           id,
		Ciphertext:   ciphertext,
		SenderName:   params.SenderName,
		PasswordHash: pwHash,
		ContentType:  params.ContentType,
		CreatedAt:    now,
		ExpiresAt:    now.Add(params.Expiration),
	}
	if err := p.store.Insert(ctx, paste); err != nil {
		return nil, errors.Wrap(err, "create paste")
	}
	if p.lru != nil {
		p.lru.Set(paste)
	}
	metrics.PasteCreated.Inc()
	util.Info().
		Str("id", id).
		Str("content_type", string(paste.ContentType)).
		Bool("has_password", pwHash != "").
		Dur("ttl", params.Expiration).
		Msg("paste created")
	baseURL := params.BaseURL
	if baseURL == "" {
		baseURL = p.cfg.BaseURL
	}
	return &domain.CreateResult{
		ID:          id,
		Locator:     domain.BuildLocator(baseURL, id, key),
		ExpiresAt:   paste.ExpiresAt,
		ContentType: paste.ContentType,
		HasPassword: pwHash != "",
	}, nil
}

// Retrieve returns the stored record and how the password gate resolved.
// The ciphertext is present in every state; without the key it is opaque.
// Unknown and expired ids both yield ErrNotFoundOrExpired.
func (p *Paste) Retrieve(ctx context.Context, id, password string) (*domain.Retrieval, error) {
	if !util.ValidID(id) {
		return nil, domain.ErrInvalidID
	}
	now := p.Now()
	paste, err := p.paddedLookup(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if paste == nil {
		metrics.PasteNotFound.Inc()
		return nil, domain.ErrNotFoundOrExpired
	}
	state, err := p.checkAccess(paste, password)
	if err != nil {
		return nil, err
	}
	metrics.PasteRetrieved.WithLabelValues(string(state)).Inc()
	return &domain.Retrieval{Paste: paste, State: state}, nil
}

func (p *Paste) paddedLookup(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	defer util.PadResponseTime(time.Now(), p.responseFloor)
	return p.lookup(ctx, id, now)
}

func (p *Paste) lookup(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	if p.lru != nil {
		if paste := p.lru.Get(ctx, id, now); paste != nil {
			metrics.CacheHits.Inc()
			return paste, nil
		}
		metrics.CacheMisses.Inc()
	}
	// the shared read outlives any single caller; each caller waits on its own ctx
	ch := p.reads.DoChan(id, func() (interface{}, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.readTimeout())
		defer cancel()
		return p.store.GetIfValid(readCtx, id, now)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "get paste")
	}
	if res.Err != nil {
		return nil, errors.Wrap(res.Err, "get paste")
	}
	shared, _ := res.Val.(*domain.Paste)
	// a coalesced read may have been made at a slightly earlier now
	if shared == nil || !shared.ReadableAt(now) {
		return nil, nil
	}
	paste := *shared
	if p.lru != nil {
		p.lru.Set(&paste)
	}
	return &paste, nil
}

func (p *Paste) readTimeout() time.Duration {
	if p.cfg.ContextTimeout > 0 {
		return p.cfg.ContextTimeout
	}
	return 5 * time.Second
}

func (p *Paste) checkAccess(paste *domain.Paste, password string) (domain.AccessState, error) {
	if !paste.Protected() {
		return domain.AccessUnlocked, nil
	}
	if password == "" {
		return domain.AccessPasswordRequired, nil
	}
	match, err := p.hasher.Verify(password, paste.PasswordHash)
	if err != nil {
		return "", errors.Wrap(err, "verify password")
	}
	if !match {
		return domain.AccessPasswordIncorrect, nil
	}
	return domain.AccessUnlocked, nil
}
