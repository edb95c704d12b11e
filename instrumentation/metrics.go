package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server core.
type Metrics struct {
	// Authorization code lifecycle
	CodeIssued           metric.Int64Counter
	CodeRedeemed         metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter

	// Refresh token lifecycle
	TokenRefreshed     metric.Int64Counter
	TokenRevoked       metric.Int64Counter
	TheftDetected      metric.Int64Counter
	SubjectRevocations metric.Int64Counter

	// DPoP
	DPoPVerified metric.Int64Counter
	DPoPRejected metric.Int64Counter

	// Keys
	KeyRotated metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageCodesCount        metric.Int64ObservableGauge
	StorageFamiliesCount     metric.Int64ObservableGauge
	StorageKeysCount         metric.Int64ObservableGauge
	StorageDeniedCount       metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	m.CodeIssued, err = serverMeter.Int64Counter(
		"oauth.code.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.issued counter: %w", err)
	}

	m.CodeRedeemed, err = serverMeter.Int64Counter(
		"oauth.code.redeemed",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.redeemed counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"oauth.pkce.validation_failed",
		metric.WithDescription("Number of PKCE validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.CodeReuseDetected, err = securityMeter.Int64Counter(
		"oauth.code.reuse_detected",
		metric.WithDescription("Number of authorization code reuse attacks detected"),
		metric.WithUnit("{attack}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.reuse_detected counter: %w", err)
	}

	m.TokenRefreshed, err = serverMeter.Int64Counter(
		"oauth.token.refreshed",
		metric.WithDescription("Number of refresh token rotations"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = serverMeter.Int64Counter(
		"oauth.token.revoked",
		metric.WithDescription("Number of tokens and token families revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.TheftDetected, err = securityMeter.Int64Counter(
		"oauth.token.theft_detected",
		metric.WithDescription("Number of refresh token theft detections"),
		metric.WithUnit("{attack}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.theft_detected counter: %w", err)
	}

	m.SubjectRevocations, err = serverMeter.Int64Counter(
		"oauth.subject.revocations",
		metric.WithDescription("Number of subject-wide revocation sweeps"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subject.revocations counter: %w", err)
	}

	m.DPoPVerified, err = securityMeter.Int64Counter(
		"oauth.dpop.verified",
		metric.WithDescription("Number of DPoP proofs accepted"),
		metric.WithUnit("{proof}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dpop.verified counter: %w", err)
	}

	m.DPoPRejected, err = securityMeter.Int64Counter(
		"oauth.dpop.rejected",
		metric.WithDescription("Number of DPoP proofs rejected"),
		metric.WithUnit("{proof}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dpop.rejected counter: %w", err)
	}

	m.KeyRotated, err = serverMeter.Int64Counter(
		"oauth.signing_key.rotated",
		metric.WithDescription("Number of signing key rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signing_key.rotated counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"oauth.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageCodesCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.codes.count",
		metric.WithDescription("Current number of live authorization code rows"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	m.StorageFamiliesCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.families.count",
		metric.WithDescription("Current number of token family index rows"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.families.count gauge: %w", err)
	}

	m.StorageKeysCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.keys.count",
		metric.WithDescription("Current number of signing key rows"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.keys.count gauge: %w", err)
	}

	m.StorageDeniedCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.denied.count",
		metric.WithDescription("Current number of denylisted access token jtis"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.denied.count gauge: %w", err)
	}

	return m, nil
}

// RecordStorageOperation records one storage call with its outcome and
// latency.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}

// RecordDPoPVerdict records one proof verification outcome.
func (m *Metrics) RecordDPoPVerdict(ctx context.Context, err error) {
	if err == nil {
		m.DPoPVerified.Add(ctx, 1)
		return
	}
	m.DPoPRejected.Add(ctx, 1)
}
