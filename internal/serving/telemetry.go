package serving

import (
	"context"
	"time"
)

type TelemetryHooks interface {
	OnPredict(ctx context.Context, modelKey string, latency time.Duration, err error)
	OnJobStateChange(ctx context.Context, jobID string, from JobStatus, to JobStatus)
	OnExport(ctx context.Context, jobID string, format string, err error)
}

type NopTelemetryHooks struct{}

func (NopTelemetryHooks) OnPredict(
	_ context.Context,
	_ string,
	_ time.Duration,
	_ error,
) {
}

func (NopTelemetryHooks) OnJobStateChange(
	_ context.Context,
	_ string,
	_ JobStatus,
	_ JobStatus,
) {
}

func (NopTelemetryHooks) OnExport(
	_ context.Context,
	_ string,
	_ string,
	_ error,
) {
}
