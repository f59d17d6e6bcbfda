package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the server's metric instruments.
type Metrics struct {
	TokensIssued             metric.Int64Counter
	GrantsIssued             metric.Int64Counter
	AuthorizationsDenied     metric.Int64Counter
	TokenEndpointErrors      metric.Int64Counter
	RefreshTokensEvicted     metric.Int64Counter
	StorageOperations        metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TokensIssued, err = meter.Int64Counter("oauth.tokens.issued",
		metric.WithDescription("Access tokens issued, by grant type and client type"),
		metric.WithUnit("{token}")); err != nil {
		return nil, fmt.Errorf("tokens issued counter: %w", err)
	}

	if m.GrantsIssued, err = meter.Int64Counter("oauth.grants.issued",
		metric.WithDescription("Authorization codes issued after user consent"),
		metric.WithUnit("{grant}")); err != nil {
		return nil, fmt.Errorf("grants issued counter: %w", err)
	}

	if m.AuthorizationsDenied, err = meter.Int64Counter("oauth.authorizations.denied",
		metric.WithDescription("Authorization requests declined by the user"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("authorizations denied counter: %w", err)
	}

	if m.TokenEndpointErrors, err = meter.Int64Counter("oauth.token_endpoint.errors",
		metric.WithDescription("Token endpoint errors, by OAuth error code"),
		metric.WithUnit("{error}")); err != nil {
		return nil, fmt.Errorf("token endpoint errors counter: %w", err)
	}

	if m.RefreshTokensEvicted, err = meter.Int64Counter("oauth.refresh_tokens.evicted",
		metric.WithDescription("Refresh tokens evicted by the retention limit"),
		metric.WithUnit("{token}")); err != nil {
		return nil, fmt.Errorf("refresh tokens evicted counter: %w", err)
	}

	if m.StorageOperations, err = meter.Int64Counter("oauth.storage.operations",
		metric.WithDescription("Storage operations, by operation and outcome"),
		metric.WithUnit("{operation}")); err != nil {
		return nil, fmt.Errorf("storage operations counter: %w", err)
	}

	if m.StorageOperationDuration, err = meter.Float64Histogram("oauth.storage.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("storage duration histogram: %w", err)
	}

	return m, nil
}

// RecordTokenIssued increments the issued-token counter.
func (i *Instrumentation) RecordTokenIssued(ctx context.Context, grantType, clientType string) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("client_type", clientType),
	))
}

// RecordGrantIssued increments the issued-grant counter.
func (i *Instrumentation) RecordGrantIssued(ctx context.Context) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.GrantsIssued.Add(ctx, 1)
}

// RecordAuthorizationDenied increments the denied-authorization counter.
func (i *Instrumentation) RecordAuthorizationDenied(ctx context.Context) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.AuthorizationsDenied.Add(ctx, 1)
}

// RecordTokenEndpointError counts a token endpoint failure by error code.
func (i *Instrumentation) RecordTokenEndpointError(ctx context.Context, code string) {
	if i == nil || i.metrics == nil {
		return
	}
	i.metrics.TokenEndpointErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error", code),
	))
}

// RecordRefreshTokensEvicted counts refresh tokens removed by retention.
func (i *Instrumentation) RecordRefreshTokensEvicted(ctx context.Context, n int) {
	if i == nil || i.metrics == nil || n <= 0 {
		return
	}
	i.metrics.RefreshTokensEvicted.Add(ctx, int64(n))
}

// RecordStorageOperation records one storage call with its outcome and
// duration.
func (i *Instrumentation) RecordStorageOperation(ctx context.Context, operation, outcome string, elapsed time.Duration) {
	if i == nil || i.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	i.metrics.StorageOperations.Add(ctx, 1, attrs)
	i.metrics.StorageOperationDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}
