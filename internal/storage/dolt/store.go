// Package dolt implements the flowshift stores on Dolt (a versioned MySQL-compatible database).
//
// Connection modes:
//   - Embedded: no server required, database/sql interface via dolthub/driver (requires CGO)
//   - Server: connect to a running dolt sql-server over the MySQL protocol
//
// Every write that matters to an operator (plans, scenario imports) can be
// captured as a Dolt commit via Commit, so plan history is queryable with
// dolt_log and AS OF.
package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	// Import MySQL driver for server mode connections
	_ "github.com/go-sql-driver/mysql"

	"github.com/steveyegge/flowshift/internal/storage"
)

// DefaultSQLPort is the default dolt sql-server port.
const DefaultSQLPort = 3307

var errNoCGO = errors.New("dolt: this binary was built without CGO support; rebuild with CGO_ENABLED=1")

// IsUnavailable reports whether err means the embedded engine is not compiled in.
func IsUnavailable(err error) bool {
	return errors.Is(err, errNoCGO)
}

// DoltStore implements storage.Store using Dolt
type DoltStore struct {
	db         *sql.DB
	dbPath     string       // Path to Dolt database directory (embedded mode)
	closed     atomic.Bool  // Tracks whether Close() has been called
	mu         sync.RWMutex // Protects db during Close
	serverMode bool         // True if connected to dolt sql-server (vs embedded)

	// embeddedConnector is non-nil only in embedded mode. It must be closed to release
	// filesystem locks held by the embedded engine.
	embeddedConnector io.Closer

	committerName  string
	committerEmail string
	now            func() time.Time
}

var (
	_ storage.Store       = (*DoltStore)(nil)
	_ storage.AuditReader = (*DoltStore)(nil)
	_ storage.Committer   = (*DoltStore)(nil)
)

// Config holds Dolt database configuration
type Config struct {
	Path           string // Path to Dolt database directory (embedded mode)
	CommitterName  string // Git-style committer name
	CommitterEmail string // Git-style committer email
	Database       string // Database name within Dolt (default: "flowshift")

	// Server mode options
	ServerMode     bool   // Connect to dolt sql-server instead of embedded
	ServerHost     string // Server host (default: 127.0.0.1)
	ServerPort     int    // Server port (default: 3307)
	ServerUser     string // MySQL user (default: root)
	ServerPassword string // MySQL password (default: empty, can be set via FLOWSHIFT_DOLT_PASSWORD)
	ServerTLS      bool   // Enable TLS for server connections
}

// Server mode retry configuration.
// go-sql-driver/mysql has no built-in retry like the embedded driver, so
// transient connection errors (stale pool connections, brief network issues,
// server restarts) are retried here.
const serverRetryMaxElapsed = 30 * time.Second

func newServerRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = serverRetryMaxElapsed
	return bo
}

// isRetryableError returns true if the error is a transient connection error
// that should be retried in server mode.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, transient := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused", // server restart; may come back within the backoff window
		"database is read only",
		"lost connection", // MySQL error 2013: mid-query disconnect
		"gone away",       // MySQL error 2006: idle connection timeout
		"i/o timeout",
	} {
		if strings.Contains(errStr, transient) {
			return true
		}
	}
	return false
}

// withRetry executes an operation with retry for transient errors.
// Only active in server mode; embedded mode has driver-level retry.
func (s *DoltStore) withRetry(ctx context.Context, op func() error) error {
	if !s.serverMode {
		return op()
	}

	bo := newServerRetryBackoff()
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err // Retryable - backoff will retry
		}
		if err != nil {
			return backoff.Permanent(err) // Non-retryable - stop immediately
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// execContext wraps s.db.ExecContext with server-mode retry for transient errors.
func (s *DoltStore) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return result, err
}

// queryContext wraps s.db.QueryContext with server-mode retry for transient errors.
func (s *DoltStore) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = s.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// queryRowContext wraps s.db.QueryRowContext with server-mode retry for transient errors.
// The scan function receives the *sql.Row and should call .Scan() on it.
func (s *DoltStore) queryRowContext(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	return s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, args...)
		return scan(row)
	})
}

// withTx runs fn inside a transaction, retrying the whole unit in server mode.
func (s *DoltStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// New creates a new Dolt storage backend
func New(ctx context.Context, cfg *Config) (*DoltStore, error) {
	if cfg.Database == "" {
		cfg.Database = "flowshift"
	}
	if err := validateDatabaseName(cfg.Database); err != nil {
		return nil, fmt.Errorf("invalid database name %q: %w", cfg.Database, err)
	}
	if cfg.CommitterName == "" {
		cfg.CommitterName = os.Getenv("GIT_AUTHOR_NAME")
		if cfg.CommitterName == "" {
			cfg.CommitterName = "flowshift"
		}
	}
	if cfg.CommitterEmail == "" {
		cfg.CommitterEmail = os.Getenv("GIT_AUTHOR_EMAIL")
		if cfg.CommitterEmail == "" {
			cfg.CommitterEmail = "flowshift@local"
		}
	}

	if !cfg.ServerMode {
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		return newEmbeddedMode(ctx, cfg)
	}

	if cfg.ServerHost == "" {
		cfg.ServerHost = "127.0.0.1"
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = DefaultSQLPort
	}
	if cfg.ServerUser == "" {
		cfg.ServerUser = "root"
	}
	// Check environment variable for password (more secure than command-line)
	if cfg.ServerPassword == "" {
		cfg.ServerPassword = os.Getenv("FLOWSHIFT_DOLT_PASSWORD")
	}
	return newServerMode(ctx, cfg)
}

func newServerMode(ctx context.Context, cfg *Config) (*DoltStore, error) {
	// Fail-fast TCP check before MySQL protocol initialization.
	addr := net.JoinHostPort(cfg.ServerHost, fmt.Sprintf("%d", cfg.ServerPort))
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("dolt server unreachable at %s: %w\n\nThe Dolt server may not be running. Try:\n  dolt sql-server  # in the database directory", addr, err)
	}
	_ = conn.Close()

	db, err := openServerConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping Dolt database: %w", err)
	}

	store := &DoltStore{
		db:             db,
		serverMode:     true,
		committerName:  cfg.CommitterName,
		committerEmail: cfg.CommitterEmail,
		now:            time.Now,
	}
	if err := initSchemaOnDB(ctx, db); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// buildServerDSN constructs a MySQL DSN for connecting to a Dolt server.
// If database is empty, connects without selecting a database (for init operations).
func buildServerDSN(cfg *Config, database string) string {
	var userPart string
	if cfg.ServerPassword != "" {
		userPart = fmt.Sprintf("%s:%s", cfg.ServerUser, cfg.ServerPassword)
	} else {
		userPart = cfg.ServerUser
	}

	params := "parseTime=true"
	if cfg.ServerTLS {
		params += "&tls=true"
	}

	return fmt.Sprintf("%s@tcp(%s:%d)/%s?%s",
		userPart, cfg.ServerHost, cfg.ServerPort, database, params)
}

// openServerConnection opens a connection to a dolt sql-server via MySQL protocol
func openServerConnection(ctx context.Context, cfg *Config) (*sql.DB, error) {
	// Ensure database exists; connect without a database to create it.
	initDB, err := sql.Open("mysql", buildServerDSN(cfg, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to open init connection: %w", err)
	}
	defer func() { _ = initDB.Close() }()

	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database)) //nolint:gosec // G201: cfg.Database validated by validateDatabaseName
	if err != nil {
		// Dolt may return error 1007 even with IF NOT EXISTS
		errLower := strings.ToLower(err.Error())
		if !strings.Contains(errLower, "database exists") && !strings.Contains(errLower, "1007") {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	db, err := sql.Open("mysql", buildServerDSN(cfg, cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to open Dolt server connection: %w", err)
	}

	// Server mode supports multi-writer, configure reasonable pool size
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

var databaseNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]{0,63}$`)

// validateDatabaseName rejects names that could escape backtick quoting.
func validateDatabaseName(name string) error {
	if !databaseNamePattern.MatchString(name) {
		return fmt.Errorf("must match %s", databaseNamePattern)
	}
	return nil
}

// Close closes the database connection
func (s *DoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	// For embedded mode, ensure the underlying engine is closed to release filesystem locks.
	if s.embeddedConnector != nil {
		cerr := s.embeddedConnector.Close()
		// Ignore context cancellation noise from Dolt shutdown plumbing.
		if cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = errors.Join(err, cerr)
		}
		s.embeddedConnector = nil
	}
	s.db = nil
	return err
}

// Path returns the database directory path
func (s *DoltStore) Path() string {
	return s.dbPath
}

func (s *DoltStore) commitAuthorString() string {
	return fmt.Sprintf("%s <%s>", s.committerName, s.committerEmail)
}

// Commit creates a Dolt commit with the given message.
// "nothing to commit" is not an error.
func (s *DoltStore) Commit(ctx context.Context, message string) error {
	// In SQL procedure mode Dolt defaults the author to the SQL user; pass it explicitly.
	_, err := s.execContext(ctx, "CALL DOLT_COMMIT('-Am', ?, '--author', ?)", message, s.commitAuthorString())
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
