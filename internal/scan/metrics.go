package scan

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/lorehq/lore/internal/scan"

// Instruments are no-ops until the host process installs a meter provider.
var (
	scannedTotal metric.Int64Counter
	scanDuration metric.Float64Histogram
)

func init() {
	meter := otel.Meter(instrumentationName)
	var err error

	scannedTotal, err = meter.Int64Counter(
		"lore.scan.conversations_total",
		metric.WithDescription("Conversations covered by bulk scans, labeled by run mode"),
		metric.WithUnit("{conversation}"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create scan counter")
	}

	scanDuration, err = meter.Float64Histogram(
		"lore.scan.duration_seconds",
		metric.WithDescription("Wall time per scan run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create scan duration histogram")
	}
}

func recordScan(ctx context.Context, missingOnly bool, res *Result) {
	attrs := metric.WithAttributes(attribute.Bool("missing_only", missingOnly))
	if scannedTotal != nil {
		scannedTotal.Add(ctx, res.Processed, attrs)
	}
	if scanDuration != nil {
		scanDuration.Record(ctx, res.Elapsed.Seconds(), attrs)
	}
}
