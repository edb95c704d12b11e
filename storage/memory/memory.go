// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for tests and single-node deployments; a
// janitor goroutine expires codes, family rows, and denylist entries.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/veridianlabs/oauth-core/instrumentation"
	"github.com/veridianlabs/oauth-core/storage"
)

const (
	// defaultCleanupInterval is how often the janitor sweeps expired rows
	defaultCleanupInterval = 1 * time.Minute

	// revokedFamilyRetention keeps revoked family rows around for
	// forensics before the janitor deletes them
	revokedFamilyRetention = 90 * 24 * time.Hour
)

// Store is an in-memory implementation of ClientStore, CodeStore,
// FamilyStore, KeyStore, and DenyList.
type Store struct {
	mu sync.RWMutex

	clients     map[string]*storage.Client
	codes       map[string]*storage.AuthorizationCodeRecord
	families    map[string]*storage.TokenFamilyRecord
	bySubject   map[string]map[string]bool // subjectID -> set of familyIDs
	keys        map[string]*storage.SigningKeyRecord
	revokedJTIs map[string]time.Time // jti -> expiry

	logger  *slog.Logger
	metrics *instrumentation.Metrics

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New creates a new in-memory store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a store with a custom janitor interval.
// Useful in tests to force fast expiry sweeps.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCodeRecord),
		families:        make(map[string]*storage.TokenFamilyRecord),
		bySubject:       make(map[string]map[string]bool),
		keys:            make(map[string]*storage.SigningKeyRecord),
		revokedJTIs:     make(map[string]time.Time),
		logger:          slog.Default(),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetMetrics attaches storage operation metrics. Call before the store
// serves traffic.
func (s *Store) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// Stop terminates the janitor goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// observe records one operation's outcome and latency. Used as
// defer s.observe(ctx, "client.get", time.Now(), &err).
func (s *Store) observe(ctx context.Context, operation string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordStorageOperation(ctx, operation, start, *err)
	}
}

// ==================== ClientStore ====================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	defer s.observe(ctx, "client.save", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	defer s.observe(ctx, "client.get", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	cp := *stored
	return &cp, nil
}

// ValidateClientSecret validates a client's secret against its bcrypt hash
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (err error) {
	defer s.observe(ctx, "client.validate_secret", time.Now(), &err)

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		// Burn a bcrypt comparison anyway so missing and present clients
		// take the same time.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(clientSecret))
		return storage.ErrClientNotFound
	}

	return bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret))
}

// ==================== CodeStore ====================

// SaveAuthorizationCode writes the issuance row
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCodeRecord) (err error) {
	defer s.observe(ctx, "code.save", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *code
	s.codes[code.Code] = &cp
	return nil
}

// MarkAuthorizationCodeUsed flips the Used flag on the durable row
func (s *Store) MarkAuthorizationCodeUsed(ctx context.Context, code string, issuedJTI string) (err error) {
	defer s.observe(ctx, "code.mark_used", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return storage.ErrCodeNotFound
	}
	rec.Used = true
	rec.IssuedJTI = issuedJTI
	return nil
}

// DeleteAuthorizationCode removes the row
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) (err error) {
	defer s.observe(ctx, "code.delete", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, code)
	return nil
}

// ==================== FamilyStore ====================

// RecordFamilyIssuance writes one row per family creation
func (s *Store) RecordFamilyIssuance(ctx context.Context, rec *storage.TokenFamilyRecord) (err error) {
	defer s.observe(ctx, "family.record", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.families[rec.FamilyID] = &cp

	set, ok := s.bySubject[rec.SubjectID]
	if !ok {
		set = make(map[string]bool)
		s.bySubject[rec.SubjectID] = set
	}
	set[rec.FamilyID] = true

	return nil
}

// MarkFamilyRevoked marks a family revoked in the index
func (s *Store) MarkFamilyRevoked(ctx context.Context, familyID string) (err error) {
	defer s.observe(ctx, "family.mark_revoked", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.families[familyID]
	if !ok {
		return storage.ErrFamilyNotFound
	}
	if !rec.Revoked {
		rec.Revoked = true
		rec.RevokedAt = time.Now()
	}
	return nil
}

// ListFamiliesBySubject returns all family rows for a subject
func (s *Store) ListFamiliesBySubject(ctx context.Context, subjectID string) (out []*storage.TokenFamilyRecord, err error) {
	defer s.observe(ctx, "family.list_by_subject", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for familyID := range s.bySubject[subjectID] {
		if rec, ok := s.families[familyID]; ok {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ==================== KeyStore ====================

// SaveSigningKey upserts a key row
func (s *Store) SaveSigningKey(ctx context.Context, rec *storage.SigningKeyRecord) (err error) {
	defer s.observe(ctx, "key.save", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.keys[rec.Kid] = &cp
	return nil
}

// ListSigningKeys returns all key rows
func (s *Store) ListSigningKeys(ctx context.Context) (out []*storage.SigningKeyRecord, err error) {
	defer s.observe(ctx, "key.list", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out = make([]*storage.SigningKeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteSigningKey removes a retired key row
func (s *Store) DeleteSigningKey(ctx context.Context, kid string) (err error) {
	defer s.observe(ctx, "key.delete", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keys, kid)
	return nil
}

// ==================== DenyList ====================

// RevokeJTI denies a jti until expiresAt
func (s *Store) RevokeJTI(ctx context.Context, jti string, expiresAt time.Time) (err error) {
	defer s.observe(ctx, "denylist.revoke", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokedJTIs[jti] = expiresAt
	return nil
}

// IsJTIRevoked reports whether a jti has been denied
func (s *Store) IsJTIRevoked(ctx context.Context, jti string) (revoked bool, err error) {
	defer s.observe(ctx, "denylist.check", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, ok := s.revokedJTIs[jti]
	if !ok {
		return false, nil
	}
	// Expired entries answer false; the janitor removes them later.
	return time.Now().Before(expiry), nil
}

// ==================== Janitor ====================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removedCodes := 0
	for code, rec := range s.codes {
		if now.After(rec.ExpiresAt) {
			delete(s.codes, code)
			removedCodes++
		}
	}

	removedFamilies := 0
	for familyID, rec := range s.families {
		expired := now.After(rec.ExpiresAt)
		revokedLongAgo := rec.Revoked && now.Sub(rec.RevokedAt) > revokedFamilyRetention
		if expired || revokedLongAgo {
			delete(s.families, familyID)
			if set, ok := s.bySubject[rec.SubjectID]; ok {
				delete(set, familyID)
				if len(set) == 0 {
					delete(s.bySubject, rec.SubjectID)
				}
			}
			removedFamilies++
		}
	}

	removedJTIs := 0
	for jti, expiry := range s.revokedJTIs {
		if now.After(expiry) {
			delete(s.revokedJTIs, jti)
			removedJTIs++
		}
	}

	if removedCodes > 0 || removedFamilies > 0 || removedJTIs > 0 {
		s.logger.Debug("Storage cleanup completed",
			"expired_codes", removedCodes,
			"expired_families", removedFamilies,
			"expired_denylist_entries", removedJTIs)
	}
}

// Counts returns current row counts for observability gauges.
func (s *Store) Counts() (codes, families, keys, denied int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.codes)), int64(len(s.families)), int64(len(s.keys)), int64(len(s.revokedJTIs))
}
