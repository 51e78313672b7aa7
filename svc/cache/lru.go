package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"kopy/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is a read-through cache of paste records. It holds ciphertext only and
// never extends a paste's life: every hit is checked against the caller's now.
type LRU struct {
	c  *lru.Cache[string, domain.Paste]
	mu sync.Mutex
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, domain.Paste](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

// Get returns a copy of the cached record if it is still readable at now.
// An expired entry is evicted.
func (l *LRU) Get(ctx context.Context, id string, now time.Time) *domain.Paste {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	if !p.ReadableAt(now) {
		l.c.Remove(id)
		return nil
	}
	return &p
}

func (l *LRU) Set(p *domain.Paste) {
	if p == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(p.ID, *p)
}

func (l *LRU) Len() int {
	return l.c.Len()
}
