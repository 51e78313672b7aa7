package db

import (
	"context"
	"database/sql"
	"embed"
	"strings"
	"sync/atomic"
	"time"

	"kopy/pkg/domain"
	"kopy/svc/util"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
	purgeBatchSize  = 500
	maxPurgeBatches = 10000
)

const (
	defaultMaxOpenConns = 100
	defaultMaxIdleConns = 10
	defaultQueryTimeout = 5 * time.Second
)

type SQLite struct {
	db            *sql.DB
	memory        bool
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	responseFloor time.Duration
}

var _ Store = (*SQLite)(nil)

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	memory := isMemoryPath(path)
	db, err := sql.Open("sqlite3", buildDSN(path, memory))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if path == ":memory:" {
		// every connection to a private in-memory database is a new database
		maxOpenConns, maxIdleConns = 1, 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return &SQLite{
		db:            db,
		memory:        memory,
		queryTimeout:  queryTimeout,
		responseFloor: util.ResponseFloor,
	}, nil
}

// SetResponseFloor changes the minimum duration of a lookup. Zero disables
// response time normalization.
func (s *SQLite) SetResponseFloor(d time.Duration) {
	s.responseFloor = d
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// buildDSN sets connection-level pragmas through go-sqlite3 DSN parameters so
// they apply to every pooled connection, not just the first one.
func buildDSN(path string, memory bool) string {
	params := []string{"_busy_timeout=5000", "_synchronous=FULL", "_txlock=immediate"}
	if !memory {
		params = append(params, "_journal_mode=WAL")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		path = "file:" + path
	}
	return path + sep + strings.Join(params, "&")
}

// RunMigrations applies the embedded schema migrations. Already applied
// migrations are skipped.
func RunMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "create migration source")
	}
	driver, err := migratesqlite3.WithInstance(db, &migratesqlite3.Config{})
	if err != nil {
		return errors.Wrap(err, "create migration db driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return errors.Wrap(err, "create migrator")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "run migrations")
	}
	return nil
}

func (s *SQLite) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := validateForInsert(p); err != nil {
		return domain.NewStoreError("insert", err)
	}
	if err := s.checkCircuit(); err != nil {
		return domain.NewStoreError("insert", err)
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO pastes (id, ciphertext, sender_name, password_hash, content_type, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Ciphertext, nullString(p.SenderName), nullString(p.PasswordHash), string(p.ContentType),
		p.CreatedAt.UnixNano(), p.ExpiresAt.UnixNano(),
	)
	s.recordError(err)
	if err != nil {
		return domain.NewStoreError("insert", errors.Wrap(err, "db insert"))
	}
	return nil
}

func (s *SQLite) GetIfValid(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	start := time.Now()
	defer util.PadResponseTime(start, s.responseFloor)
	if err := s.checkCircuit(); err != nil {
		return nil, domain.NewStoreError("get", err)
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	p, err := s.purgeAndGet(queryCtx, id, now.UnixNano())
	s.recordError(err)
	if err != nil {
		return nil, domain.NewStoreError("get", err)
	}
	return p, nil
}

// purgeAndGet runs the expiry delete and the lookup in one immediate
// transaction against the same instant.
func (s *SQLite) purgeAndGet(ctx context.Context, id string, now int64) (*domain.Paste, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pastes WHERE expires_at <= ?`, now); err != nil {
		return nil, errors.Wrap(err, "purge expired")
	}
	q := `
	SELECT id, ciphertext, sender_name, password_hash, content_type, created_at, expires_at
	FROM pastes WHERE id = ? AND expires_at > ?
	`
	var (
		p                    domain.Paste
		sender, hash         sql.NullString
		contentType          string
		createdAt, expiresAt int64
	)
	err = tx.QueryRowContext(ctx, q, id, now).Scan(
		&p.ID, &p.Ciphertext, &sender, &hash, &contentType, &createdAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(tx.Commit(), "commit")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	p.SenderName = sender.String
	p.PasswordHash = hash.String
	p.ContentType = domain.ContentType(contentType)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &p, nil
}

// Purge deletes expired rows in bounded batches so a large backlog never
// holds the write lock for long.
func (s *SQLite) Purge(ctx context.Context, now time.Time) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, domain.NewStoreError("purge", err)
	}
	cutoff := now.UnixNano()
	total := 0
	for i := 0; i < maxPurgeBatches; i++ {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at <= ?
				LIMIT ?
			)
		`, cutoff, purgeBatchSize)
		cancel()
		s.recordError(err)
		if err != nil {
			return total, domain.NewStoreError("purge", errors.Wrap(err, "purge batch failed"))
		}
		deleted, _ := result.RowsAffected()
		total += int(deleted)
		if deleted < purgeBatchSize {
			return total, nil
		}
	}
	return total, errors.New("purge hit iteration limit, more records may exist")
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
