package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"kopy/cfg"
	"kopy/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const pasteKeyPrefix = "paste:"

var errDuplicateID = errors.New("paste id already exists")

// Redis stores each paste as a JSON value whose key TTL equals the paste
// lifetime, so expiry is enforced by the server itself.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

var _ Store = (*Redis)(nil)

func NewRedis(url string, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		host := opt.Addr
		if h, _, err := net.SplitHostPort(opt.Addr); err == nil {
			host = h
		}
		tlsConfig, err := buildRedisTLSConfig(host)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	timeout := c.RedisTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Redis{
		client:  client,
		timeout: timeout,
	}, nil
}

func buildRedisTLSConfig(defaultHost string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	tlsConfig.ServerName = os.Getenv("REDIS_HOSTNAME")
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = defaultHost
	}
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	return tlsConfig, nil
}

func (r *Redis) Insert(ctx context.Context, p *domain.Paste) error {
	if err := validateForInsert(p); err != nil {
		return domain.NewStoreError("insert", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	data, err := json.Marshal(p)
	if err != nil {
		return domain.NewStoreError("insert", errors.Wrap(err, "marshal paste"))
	}
	ttl := p.ExpiresAt.Sub(p.CreatedAt)
	ok, err := r.client.SetNX(ctx, pasteKeyPrefix+p.ID, data, ttl).Result()
	if err != nil {
		return domain.NewStoreError("insert", errors.Wrap(err, "set paste"))
	}
	if !ok {
		return domain.NewStoreError("insert", errDuplicateID)
	}
	return nil
}

// GetIfValid re-checks expires_at against now even though the key carries a
// TTL: the caller's clock and the Redis clock are not the same clock.
func (r *Redis) GetIfValid(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := pasteKeyPrefix + id
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewStoreError("get", errors.Wrap(err, "get paste"))
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, domain.NewStoreError("get", errors.Wrap(err, "unmarshal paste"))
	}
	if !p.ReadableAt(now) {
		if err := r.client.Del(ctx, key).Err(); err != nil {
			return nil, domain.NewStoreError("get", errors.Wrap(err, "delete stale paste"))
		}
		return nil, nil
	}
	return &p, nil
}

// Purge is a no-op: key expiry already removes expired pastes.
func (r *Redis) Purge(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// RateLimit increments a fixed-window counter and returns the usage including
// this call. A refused call reports limit+1 without incrementing.
func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}

var rateLimitScript = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if current >= tonumber(ARGV[2]) then
		return current + 1
	end
	local new_val = redis.call("INCR", KEYS[1])
	if new_val == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return new_val
`)

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
