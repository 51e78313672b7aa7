package cache

import (
	"context"
	"testing"
	"time"

	"kopy/pkg/domain"
)

func TestLRUHonoursExpiry(t *testing.T) {
	l, err := NewLRU(10)
	if err != nil {
		t.Fatal(err)
	}
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.Set(&domain.Paste{ID: "a", Ciphertext: "c", CreatedAt: created, ExpiresAt: created.Add(10 * time.Minute)})
	ctx := context.Background()

	if p := l.Get(ctx, "a", created.Add(9*time.Minute)); p == nil {
		t.Fatal("live entry missed")
	}
	if p := l.Get(ctx, "a", created.Add(10*time.Minute)); p != nil {
		t.Fatal("entry served at expires_at")
	}
	if l.Len() != 0 {
		t.Errorf("expired entry not evicted, len = %d", l.Len())
	}
}

func TestLRUReturnsCopies(t *testing.T) {
	l, _ := NewLRU(10)
	now := time.Now()
	l.Set(&domain.Paste{ID: "a", Ciphertext: "original", ExpiresAt: now.Add(time.Hour)})
	p := l.Get(context.Background(), "a", now)
	p.Ciphertext = "mutated"
	if again := l.Get(context.Background(), "a", now); again.Ciphertext != "original" {
		t.Errorf("cached record mutated through a returned pointer")
	}
}

func TestLRUCanceledContext(t *testing.T) {
	l, _ := NewLRU(10)
	now := time.Now()
	l.Set(&domain.Paste{ID: "a", ExpiresAt: now.Add(time.Hour)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if l.Get(ctx, "a", now) != nil {
		t.Errorf("canceled lookup should miss")
	}
}

func TestNewLRUValidation(t *testing.T) {
	if _, err := NewLRU(0); err == nil {
		t.Error("zero size accepted")
	}
	if _, err := NewLRU(100001); err == nil {
		t.Error("oversized cache accepted")
	}
}
