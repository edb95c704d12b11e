// Package authcore is an embeddable OAuth 2.0 / OIDC authorization server
// core. It wires four components behind one Server: single-use
// authorization codes bound to PKCE S256 challenges, DPoP proof
// validation, refresh-token rotation with theft detection, and an ES256
// signing keyset with rotation. The host supplies durable storage, the
// client registry, and subject authentication; the core supplies the
// grant flows and an http.Handler for the authorize, token, and revoke
// endpoints.
package authcore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/veridianlabs/oauth-core/authcode"
	"github.com/veridianlabs/oauth-core/dpop"
	"github.com/veridianlabs/oauth-core/instrumentation"
	"github.com/veridianlabs/oauth-core/keys"
	"github.com/veridianlabs/oauth-core/refresh"
	"github.com/veridianlabs/oauth-core/security"
	"github.com/veridianlabs/oauth-core/storage"
)

// SubjectAuthenticator resolves the authenticated end user behind an
// authorization request. The core has no opinion on how users log in;
// the host bridges its session layer through this interface.
type SubjectAuthenticator interface {
	// Authenticate returns the subject identifier for the request, or an
	// error if no subject is authenticated.
	Authenticate(ctx context.Context, r *http.Request) (string, error)
}

// SubjectAuthenticatorFunc adapts a function to SubjectAuthenticator.
type SubjectAuthenticatorFunc func(ctx context.Context, r *http.Request) (string, error)

// Authenticate implements SubjectAuthenticator.
func (f SubjectAuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) (string, error) {
	return f(ctx, r)
}

// Stores bundles the durable backends a Server needs. All five may point
// at the same implementation; memory.Store and valkey.Store both satisfy
// every interface.
type Stores struct {
	Clients  storage.ClientStore
	Codes    storage.CodeStore
	Families storage.FamilyStore
	Keys     storage.KeyStore
	DenyList storage.DenyList
}

func (s Stores) validate() error {
	if s.Clients == nil || s.Codes == nil || s.Families == nil || s.Keys == nil || s.DenyList == nil {
		return fmt.Errorf("all stores are required")
	}
	return nil
}

// Server is the authorization server core.
type Server struct {
	config        Config
	stores        Stores
	authenticator SubjectAuthenticator

	codes    *authcode.Store
	rotator  *refresh.Rotator
	keys     *keys.Manager
	dpop     *dpop.Validator
	limiter  *security.RateLimiter
	logger   *slog.Logger
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer
	tenantID string
}

// metricsSettable is implemented by storage backends that can record
// per-operation metrics; memory.Store and valkey.Store both do.
type metricsSettable interface {
	SetMetrics(*instrumentation.Metrics)
}

// countable is implemented by storage backends that can report current
// row counts for the observability gauges.
type countable interface {
	Counts() (codes, families, keys, denied int64)
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger       *slog.Logger
	auditor      *security.Auditor
	encryptor    *security.Encryptor
	inst         *instrumentation.Instrumentation
	replayCache  dpop.ReplayCache
	tenantID     string
	auditEnabled bool
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditLog enables the structured security audit stream.
func WithAuditLog(enabled bool) Option {
	return func(o *serverOptions) { o.auditEnabled = enabled }
}

// WithEncryptor sets the at-rest encryptor for signing key rows.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(o *serverOptions) { o.encryptor = enc }
}

// WithInstrumentation attaches OpenTelemetry metrics and tracing.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(o *serverOptions) { o.inst = inst }
}

// WithReplayCache overrides the DPoP jti replay cache, e.g. with a
// shared backend when proofs may arrive at multiple nodes.
func WithReplayCache(cache dpop.ReplayCache) Option {
	return func(o *serverOptions) { o.replayCache = cache }
}

// WithTenantID sets the tenant identifier baked into refresh-token
// shard routing. Single-tenant deployments can leave it empty.
func WithTenantID(tenantID string) Option {
	return func(o *serverOptions) { o.tenantID = tenantID }
}

// NewServer wires the core. It loads or creates the signing keyset, so
// it needs a live KeyStore; everything else starts lazily.
func NewServer(ctx context.Context, config Config, stores Stores, authenticator SubjectAuthenticator, opts ...Option) (*Server, error) {
	if err := config.applySecureDefaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if authenticator == nil {
		return nil, fmt.Errorf("subject authenticator is required")
	}

	o := serverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.auditor == nil {
		o.auditor = security.NewAuditor(o.logger, o.auditEnabled)
	}

	var metrics *instrumentation.Metrics
	tracer := tracenoop.NewTracerProvider().Tracer("")
	if o.inst != nil {
		metrics = o.inst.Metrics()
		tracer = o.inst.Tracer("server")
		if err := wireStorageInstrumentation(o.inst, metrics, stores); err != nil {
			return nil, err
		}
	}

	keyOpts := []keys.Option{
		keys.WithLogger(o.logger),
		keys.WithAuditor(o.auditor),
		keys.WithClock(config.Now),
	}
	if o.encryptor != nil {
		keyOpts = append(keyOpts, keys.WithEncryptor(o.encryptor))
	}
	keyManager, err := keys.NewManager(ctx, stores.Keys, keyOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	codeStore := authcode.NewStore(
		authcode.Config{
			TTL:            time.Duration(config.CodeTTL) * time.Second,
			AccessTokenTTL: time.Duration(config.AccessTokenTTL) * time.Second,
			Now:            config.Now,
		},
		stores.Codes,
		stores.DenyList.RevokeJTI,
		authcode.WithLogger(o.logger),
		authcode.WithAuditor(o.auditor),
		authcode.WithMetrics(metrics),
	)

	rotator, err := refresh.NewRotator(
		refresh.Config{
			Generation:  config.Generation,
			ShardCounts: config.ShardCounts,
			FamilyTTL:   time.Duration(config.RefreshTTL) * time.Second,
			Now:         config.Now,
		},
		stores.Families,
		refresh.WithLogger(o.logger),
		refresh.WithAuditor(o.auditor),
		refresh.WithMetrics(metrics),
	)
	if err != nil {
		keyManager.Close()
		codeStore.Close()
		return nil, err
	}

	validator := dpop.NewValidator(dpop.Config{
		FreshnessWindow: time.Duration(config.DPoPFreshnessWindow) * time.Second,
		Now:             config.Now,
	}, o.replayCache)

	var limiter *security.RateLimiter
	if config.RateLimitPerSecond > 0 {
		burst := config.RateLimitBurst
		if burst <= 0 {
			burst = config.RateLimitPerSecond * 2
		}
		limiter = security.NewRateLimiter(config.RateLimitPerSecond, burst, o.logger)
	}

	return &Server{
		config:        config,
		stores:        stores,
		authenticator: authenticator,
		codes:         codeStore,
		rotator:       rotator,
		keys:          keyManager,
		dpop:          validator,
		limiter:       limiter,
		logger:        o.logger,
		auditor:       o.auditor,
		metrics:       metrics,
		tracer:        tracer,
		tenantID:      o.tenantID,
	}, nil
}

// wireStorageInstrumentation attaches operation metrics to every distinct
// backend behind the five store interfaces and registers the row-count
// gauges with the first backend that can report them.
func wireStorageInstrumentation(inst *instrumentation.Instrumentation, metrics *instrumentation.Metrics, stores Stores) error {
	backends := make([]any, 0, 5)
	add := func(v any) {
		for _, b := range backends {
			if b == v {
				return
			}
		}
		backends = append(backends, v)
	}
	add(stores.Clients)
	add(stores.Codes)
	add(stores.Families)
	add(stores.Keys)
	add(stores.DenyList)

	registered := false
	for _, backend := range backends {
		if ms, ok := backend.(metricsSettable); ok {
			ms.SetMetrics(metrics)
		}
		if c, ok := backend.(countable); ok && !registered {
			registered = true
			err := inst.RegisterStorageSizeCallbacks(
				func() int64 { codes, _, _, _ := c.Counts(); return codes },
				func() int64 { _, families, _, _ := c.Counts(); return families },
				func() int64 { _, _, keys, _ := c.Counts(); return keys },
				func() int64 { _, _, _, denied := c.Counts(); return denied },
			)
			if err != nil {
				return fmt.Errorf("failed to register storage gauges: %w", err)
			}
		}
	}
	return nil
}

// PublicKeySet returns the verification keys (active and retiring) for
// the host's JWKS endpoint.
func (s *Server) PublicKeySet(ctx context.Context) (jose.JSONWebKeySet, error) {
	return s.keys.PublicKeySet(ctx)
}

// RotateSigningKey promotes a fresh signing key and demotes the current
// one to retiring.
func (s *Server) RotateSigningKey(ctx context.Context) error {
	if err := s.keys.Rotate(ctx); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.KeyRotated.Add(ctx, 1)
	}
	return nil
}

// RetireExpiredKeys removes retiring keys whose last-signed tokens have
// all expired. Run it periodically alongside rotation.
func (s *Server) RetireExpiredKeys(ctx context.Context) (int, error) {
	return s.keys.RetireExpired(ctx, time.Duration(s.config.AccessTokenTTL)*time.Second)
}

// Close shuts down every component. In-flight requests fail with the
// components' closed errors.
func (s *Server) Close() {
	s.codes.Close()
	s.rotator.Close()
	s.keys.Close()
	_ = s.dpop.Close()
	if s.limiter != nil {
		s.limiter.Stop()
	}
}
