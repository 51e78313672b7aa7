package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"kopy/cfg"
	"kopy/svc/util"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	r, err := NewRedis(url, &cfg.Cfg{RedisTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func freshID(t *testing.T) string {
	t.Helper()
	id, err := util.GenID()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestRedisInsertAndGet(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()
	p := testPaste(freshID(t), now, time.Minute)
	if err := r.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetIfValid(ctx, p.ID, now)
	if err != nil || got == nil {
		t.Fatalf("GetIfValid: %v %v", got, err)
	}
	if got.Ciphertext != p.Ciphertext {
		t.Errorf("ciphertext mismatch")
	}
	if err := r.Insert(ctx, p); err == nil {
		t.Errorf("duplicate insert should fail")
	}
}

func TestRedisExpiredRecordIsDeleted(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()
	p := testPaste(freshID(t), now, time.Minute)
	if err := r.Insert(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetIfValid(ctx, p.ID, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("record readable at expires_at")
	}
	exists, err := r.client.Exists(ctx, pasteKeyPrefix+p.ID).Result()
	if err != nil {
		t.Fatal(err)
	}
	if exists != 0 {
		t.Errorf("stale key not deleted")
	}
}

func TestRedisPurgeIsNoop(t *testing.T) {
	r := newTestRedis(t)
	for i := 0; i < 2; i++ {
		n, err := r.Purge(context.Background(), time.Now())
		if err != nil || n != 0 {
			t.Errorf("Purge = %d, %v", n, err)
		}
	}
}

func TestRedisRateLimit(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("rl:test:%d", time.Now().UnixNano())
	for i := 1; i <= 3; i++ {
		usage, err := r.RateLimit(ctx, key, 3, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if usage != i {
			t.Errorf("usage = %d, want %d", usage, i)
		}
	}
	usage, err := r.RateLimit(ctx, key, 3, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if usage != 4 {
		t.Errorf("refused call should report limit+1, usage = %d", usage)
	}
	usage, _ = r.RateLimit(ctx, key, 3, time.Minute)
	if usage != 4 {
		t.Errorf("refused calls should not increment, usage = %d", usage)
	}
}

func TestRedisPingTouchesNoKeys(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := r.Ping(ctx); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}
	keys, err := r.client.Keys(ctx, "health_check_*").Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("Ping left keys behind: %v", keys)
	}
	if err := r.PingWrite(ctx); err != nil {
		t.Errorf("PingWrite: %v", err)
	}
}
