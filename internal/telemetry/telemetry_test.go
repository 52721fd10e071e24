package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/pkg/types"
)

func TestNewDisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, Noop(), tel)

	tel.RecordScan(context.Background(), types.ScanStatusCompleted, 1.5)
	tel.RecordIssue(context.Background(), types.CheckBrokenObjectLevelAuth, types.SeverityHigh)
	tel.RecordProbe(context.Background(), "GET", 200)
	assert.NoError(t, tel.Close())
}

func TestRecorder(t *testing.T) {
	rec, err := newRecorder(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	rec.RecordScan(ctx, types.ScanStatusFailed, 0.2)
	rec.RecordIssue(ctx, types.CheckServerSideRequestForgery, types.SeverityLow)
	rec.RecordProbe(ctx, "POST", 429)
	assert.NoError(t, rec.Close())
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(429))
	assert.Equal(t, "other", statusClass(0))
}
