package db

import (
	"context"
	"strings"
	"time"

	"kopy/pkg/domain"

	"github.com/pkg/errors"
)

// Store persists pastes. Implementations never update a record; the only
// mutations are Insert and the deletion of expired rows.
type Store interface {
	Insert(ctx context.Context, p *domain.Paste) error
	// GetIfValid purges everything expired at now and returns the paste only
	// if it exists and now < expires_at. A miss is (nil, nil).
	GetIfValid(ctx context.Context, id string, now time.Time) (*domain.Paste, error)
	// Purge deletes every paste with expires_at <= now and is idempotent.
	Purge(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// BackendFor picks the store implementation from a connection string.
func BackendFor(url string) Backend {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		return BackendRedis
	}
	return BackendSQLite
}

// SQLitePath strips an optional sqlite:// scheme.
func SQLitePath(url string) string {
	return strings.TrimPrefix(url, "sqlite://")
}

var errEmptyID = errors.New("paste id is empty")

func validateForInsert(p *domain.Paste) error {
	if p == nil {
		return errors.New("nil paste")
	}
	if p.ID == "" {
		return errEmptyID
	}
	if !p.ExpiresAt.After(p.CreatedAt) {
		return errors.New("expires_at must be after created_at")
	}
	return nil
}
