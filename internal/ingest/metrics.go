package ingest

import (
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/lorehq/lore/internal/ingest"

// Instruments are no-ops until the host process installs a meter provider.
var (
	syncsTotal   metric.Int64Counter
	syncDuration metric.Float64Histogram
)

func init() {
	meter := otel.Meter(instrumentationName)
	var err error

	syncsTotal, err = meter.Int64Counter(
		"lore.ingest.syncs_total",
		metric.WithDescription("Transcript syncs by provider, labeled by whether the merge changed stored rows"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create sync counter")
	}

	syncDuration, err = meter.Float64Histogram(
		"lore.ingest.sync_duration_seconds",
		metric.WithDescription("Merge-upsert duration per transcript"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create sync duration histogram")
	}
}
