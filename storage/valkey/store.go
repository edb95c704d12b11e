// Package valkey is the production storage backend. One Store implements
// every interface in the storage package on a single Valkey connection,
// with all keys under a configurable prefix and TTLs mirroring each row's
// natural lifetime, so the backend is self-cleaning without a janitor.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/veridianlabs/oauth-core/instrumentation"
	"github.com/veridianlabs/oauth-core/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authcore:"

	// DefaultRevokedFamilyRetention keeps revoked family rows for
	// forensics after their natural expiry
	DefaultRevokedFamilyRetention = 90 * 24 * time.Hour

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers
	MaxIDLength = 256
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authcore:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedFamilyRetention is how long revoked family rows outlive
	// their natural expiry. Default: 90 days
	RevokedFamilyRetention time.Duration

	// Metrics optionally records per-operation counts and latency
	Metrics *instrumentation.Metrics
}

// Store is a Valkey-backed implementation of all storage interfaces.
type Store struct {
	client                 valkeygo.Client
	prefix                 string
	logger                 *slog.Logger
	metrics                *instrumentation.Metrics
	revokedFamilyRetention time.Duration
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.CodeStore   = (*Store)(nil)
	_ storage.FamilyStore = (*Store)(nil)
	_ storage.KeyStore    = (*Store)(nil)
	_ storage.DenyList    = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.RevokedFamilyRetention
	if retention <= 0 {
		retention = DefaultRevokedFamilyRetention
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:                 client,
		prefix:                 prefix,
		logger:                 logger,
		metrics:                cfg.Metrics,
		revokedFamilyRetention: retention,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics attaches storage operation metrics. Call before the store
// serves traffic.
func (s *Store) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// observe records one operation's outcome and latency. Used as
// defer s.observe(ctx, "client.get", time.Now(), &err).
func (s *Store) observe(ctx context.Context, operation string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordStorageOperation(ctx, operation, start, *err)
	}
}

// Key builders. All keys live under the configured prefix.

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

func (s *Store) subjectFamiliesKey(subjectID string) string {
	return s.prefix + "subject_families:" + subjectID
}

func (s *Store) signingKeyKey(kid string) string {
	return s.prefix + "signing_key:" + kid
}

func (s *Store) denyKey(jti string) string {
	return s.prefix + "denied_jti:" + jti
}

// calculateTTL returns the remaining lifetime of a row, floored at zero.
func calculateTTL(expiresAt time.Time) time.Duration {
	return time.Until(expiresAt)
}

// isNilError checks if the error indicates a nil/not-found result from
// Valkey. Uses the valkey-go library's built-in nil detection.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// validateIDLength guards identifier inputs against oversized keys.
func validateIDLength(id, name string) error {
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s exceeds maximum length of %d", name, MaxIDLength)
	}
	return nil
}
