package authcore

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/veridianlabs/oauth-core/instrumentation"
	"github.com/veridianlabs/oauth-core/storage"
	"github.com/veridianlabs/oauth-core/storage/memory"
)

// newInstrumentedServer wires a server against a manual-reader meter
// provider so tests can assert what actually got recorded.
func newInstrumentedServer(t *testing.T) (*Server, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:   "oauth-core-test",
		MeterProvider: provider,
	})
	require.NoError(t, err)

	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte(testClientSecret), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.SaveClient(ctx, &storage.Client{
		ClientID:         "web-app",
		ClientType:       "public",
		RedirectURIs:     []string{testRedirectURI},
		GrantTypes:       []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		Scopes:           []string{"openid", "profile"},
		ClientSecretHash: string(hash),
	}))

	server, err := NewServer(ctx, Config{Issuer: testIssuer}, Stores{
		Clients:  store,
		Codes:    store,
		Families: store,
		Keys:     store,
		DenyList: store,
	}, SubjectAuthenticatorFunc(func(context.Context, *http.Request) (string, error) {
		return "user-1", nil
	}), WithInstrumentation(inst))
	require.NoError(t, err)
	t.Cleanup(server.Close)

	return server, reader
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				found[m.Name] = total
			}
		}
	}
	return found
}

func TestCodeReuseIncrementsAttackCounter(t *testing.T) {
	s, reader := newInstrumentedServer(t)
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	result, err := s.Authorize(ctx, AuthorizeRequest{
		ClientID:            "web-app",
		RedirectURI:         testRedirectURI,
		ResponseType:        "code",
		Scope:               "openid",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
		SubjectID:           "user-1",
	})
	require.NoError(t, err)

	req := TokenRequest{
		GrantType:    GrantTypeAuthorizationCode,
		Code:         result.Code,
		RedirectURI:  testRedirectURI,
		ClientID:     "web-app",
		CodeVerifier: verifier,
	}
	_, err = s.ExchangeAuthorizationCode(ctx, req)
	require.NoError(t, err)
	_, err = s.ExchangeAuthorizationCode(ctx, req)
	require.Error(t, err)

	found := collectSums(t, reader)
	assert.Equal(t, int64(1), found["oauth.code.reuse_detected"])
	assert.Equal(t, int64(1), found["oauth.code.issued"])
	assert.Equal(t, int64(1), found["oauth.code.redeemed"])
}

func TestRefreshTheftIncrementsAttackCounter(t *testing.T) {
	s, reader := newInstrumentedServer(t)
	ctx := context.Background()

	first := authorizeAndExchange(t, s, "openid")

	refreshReq := func(token string) TokenRequest {
		return TokenRequest{
			GrantType:    GrantTypeRefreshToken,
			ClientID:     "web-app",
			RefreshToken: token,
		}
	}
	_, err := s.RefreshGrant(ctx, refreshReq(first.RefreshToken))
	require.NoError(t, err)

	// Replaying the superseded token is the theft signal.
	_, err = s.RefreshGrant(ctx, refreshReq(first.RefreshToken))
	require.Error(t, err)

	found := collectSums(t, reader)
	assert.Equal(t, int64(1), found["oauth.token.theft_detected"])
	assert.Equal(t, int64(1), found["oauth.token.refreshed"])
}

func TestStorageOperationsAndGaugesRecorded(t *testing.T) {
	s, reader := newInstrumentedServer(t)

	authorizeAndExchange(t, s, "openid")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var operations int64
	gauges := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				if m.Name == "oauth.storage.operations.total" {
					for _, dp := range data.DataPoints {
						operations += dp.Value
					}
				}
			case metricdata.Gauge[int64]:
				if len(data.DataPoints) > 0 {
					gauges[m.Name] = data.DataPoints[0].Value
				}
			}
		}
	}

	assert.Positive(t, operations, "backend calls must be recorded")
	assert.Equal(t, int64(1), gauges["oauth.storage.codes.count"], "the redeemed code row is kept until expiry")
	assert.Equal(t, int64(1), gauges["oauth.storage.families.count"])
	assert.Equal(t, int64(1), gauges["oauth.storage.keys.count"])
	assert.Zero(t, gauges["oauth.storage.denied.count"])
}
