package cfg

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                string
	Environment         string
	LogLevel            string
	DatabaseURL         string
	RedisURL            string
	RedisTLS            bool
	RedisUsername       string
	RedisPassword       Secret
	RedisTimeout        time.Duration
	LRUCacheSize        int
	BaseURL             string
	PasswordHashScheme  string
	Argon2Time          uint32
	Argon2Memory        uint32
	Argon2Parallelism   uint8
	HasherWorkerCount   int
	Pepper              Secret
	SecretsFromProvider bool
	RateLimit           RateLimitCfg
	MaxPasteSize        int64
	MaxSenderNameLength int
	MaxWorkerLoad       int
	TrustedProxies      []string
	MetricsUser         string
	MetricsPass         Secret
	ExpirationPresets   []time.Duration
	DefaultExpiration   time.Duration
	ExposePasswordHash  bool
	ContextTimeout      time.Duration
	AllowedOrigins      []string
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	DBQueryTimeout      time.Duration
	CleanupInterval     time.Duration
	IPHashRotation      time.Duration
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

// LoadEnvFile seeds the process environment from a dotenv file. Variables
// already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}

func Load() (*Cfg, error) {
	if err := LoadEnvFile(getEnv("ENV_FILE", ".env")); err != nil {
		return nil, err
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabaseURL = getEnv("DATABASE_URL", "kopy.db")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.BaseURL = strings.TrimRight(getEnv("BASE_URL", ""), "/")
	c.PasswordHashScheme = getEnv("PASSWORD_HASH_SCHEME", "sha256")
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.Argon2Time, err = getUint32("ARGON2_TIME", 4)
	if err != nil {
		return nil, err
	}
	c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 128*1024)
	if err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4)
	if err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.SecretsFromProvider = getEnv("SECRETS_FROM_PROVIDER", "false") == "true"
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 10)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 30)
	if err != nil {
		return nil, err
	}
	c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 512*1024)
	if err != nil {
		return nil, err
	}
	c.MaxSenderNameLength, err = getInt("MAX_SENDER_NAME_LENGTH", 100)
	if err != nil {
		return nil, err
	}
	c.MaxWorkerLoad, err = getInt("MAX_WORKER_LOAD", 100)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ExpirationPresets, err = getDurations("EXPIRATION_PRESETS", "10m,1h,24h,72h,168h")
	if err != nil {
		return nil, err
	}
	c.DefaultExpiration, err = getDuration("DEFAULT_EXPIRATION", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.ExposePasswordHash = getEnv("EXPOSE_PASSWORD_HASH", "true") == "true"
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.IPHashRotation, err = getDuration("IP_HASH_ROTATION_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
	}
	if strings.HasPrefix(c.RedisURL, "rediss://") || strings.HasPrefix(c.DatabaseURL, "rediss://") {
		if !c.RedisTLS {
			return errors.New("rediss:// requires REDIS_TLS=true")
		}
	}
	if c.BaseURL != "" && !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return errors.New("BASE_URL must start with http:// or https://")
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	switch strings.ToLower(c.PasswordHashScheme) {
	case "sha256", "":
	case "argon2id":
		if c.Argon2Time < 1 {
			return errors.New("ARGON2_TIME must be >= 1")
		}
		if c.Argon2Memory < 16*1024 {
			return errors.New("ARGON2_MEMORY must be >= 16384")
		}
		if c.Argon2Parallelism < 1 {
			return errors.New("ARGON2_PARALLELISM must be at least 1")
		}
		if !c.SecretsFromProvider && len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER of at least 32 bytes is required for argon2id")
		}
	default:
		return fmt.Errorf("unknown PASSWORD_HASH_SCHEME %q", c.PasswordHashScheme)
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.MaxSenderNameLength <= 0 {
		return errors.New("MAX_SENDER_NAME_LENGTH must be positive")
	}
	if c.MaxWorkerLoad <= 0 {
		return errors.New("MAX_WORKER_LOAD must be positive")
	}
	if len(c.ExpirationPresets) == 0 {
		return errors.New("EXPIRATION_PRESETS must not be empty")
	}
	found := false
	for _, d := range c.ExpirationPresets {
		if d <= 0 || d%time.Minute != 0 {
			return fmt.Errorf("expiration preset %s must be a positive whole number of minutes", d)
		}
		if d == c.DefaultExpiration {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("DEFAULT_EXPIRATION %s is not one of EXPIRATION_PRESETS", c.DefaultExpiration)
	}
	if c.CleanupInterval < time.Second {
		return errors.New("CLEANUP_INTERVAL must be at least 1s")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" && !c.SecretsFromProvider {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}

// getDurations parses a comma separated list, dropping duplicates and
// returning the values in ascending order.
func getDurations(key, fallback string) ([]time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		raw = fallback
	}
	seen := map[time.Duration]bool{}
	var out []time.Duration
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q in %s: %w", s, key, err)
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
