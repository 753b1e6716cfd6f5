// Package ingest turns provider transcripts into stored conversations and
// queued analysis work. One Sync call covers the whole arrival path:
// merge-upsert, per-capability enqueue, and the post-change indexer hook.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

// Indexer receives conversations after their stored form changed. Indexing
// is advisory: a failing indexer never fails the sync.
type Indexer interface {
	IndexConversation(ctx context.Context, conv *models.Conversation, messages []*models.Message) error
}

// Service is the ingestion orchestrator.
type Service struct {
	convs    *db.ConversationStore
	queue    *db.QueueStore
	registry *config.Registry
	indexer  Indexer
}

// NewService builds the orchestrator. indexer may be nil.
func NewService(store *db.Store, registry *config.Registry, indexer Indexer) *Service {
	return &Service{
		convs:    db.NewConversationStore(store),
		queue:    db.NewQueueStore(store),
		registry: registry,
		indexer:  indexer,
	}
}

// SyncOutcome reports what one transcript arrival did.
type SyncOutcome struct {
	ConversationID string
	Enqueued       []models.AnalysisType
	Created        bool
	Changed        bool
}

// Sync merges one incoming conversation and, when the merge changed stored
// rows, enqueues the provider's analyses and notifies the indexer. An
// analysis already active for the conversation is not an error; the queued
// item will see the merged state when it runs.
func (s *Service) Sync(ctx context.Context, cs *models.ConversationSync) (*SyncOutcome, error) {
	p, ok := s.registry.Get(cs.Provider)
	if !ok {
		return nil, &models.ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", cs.Provider)}
	}
	if cs.SourceType == "" {
		cs.SourceType = p.SourceType
	}
	applyCapabilities(p, cs)

	start := time.Now()
	res, err := s.convs.Sync(ctx, cs, db.SyncOptions{StripBlankSystem: p.StripBlankSystem})
	if err != nil {
		return nil, fmt.Errorf("sync conversation: %w", err)
	}
	recordSync(ctx, cs.Provider, res.Changed, time.Since(start))

	out := &SyncOutcome{
		ConversationID: res.ConversationID,
		Created:        res.Created,
		Changed:        res.Changed,
	}
	if !res.Changed {
		log.Debug().
			Str("provider", cs.Provider).
			Str("conversationId", res.ConversationID).
			Msg("Transcript unchanged")
		return out, nil
	}

	for _, t := range p.AnalysisTypes() {
		if _, err := s.queue.Enqueue(ctx, models.NewQueueItem(res.ConversationID, t, 0)); err != nil {
			var conflict *models.ConflictError
			if errors.As(err, &conflict) {
				log.Debug().
					Str("conversationId", res.ConversationID).
					Str("analysisType", string(t)).
					Msg("Analysis already queued")
				continue
			}
			return out, fmt.Errorf("enqueue %s analysis: %w", t, err)
		}
		out.Enqueued = append(out.Enqueued, t)
	}

	s.index(ctx, res.ConversationID)

	log.Info().
		Str("provider", cs.Provider).
		Str("conversationId", res.ConversationID).
		Bool("created", res.Created).
		Int("enqueued", len(out.Enqueued)).
		Msg("Transcript synced")
	return out, nil
}

// SyncFile parses and syncs one on-disk transcript for a file-based
// provider.
func (s *Service) SyncFile(ctx context.Context, providerKey, path string) (*SyncOutcome, error) {
	p, ok := s.registry.Get(providerKey)
	if !ok {
		return nil, &models.ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", providerKey)}
	}
	if p.SourceType != "jsonl" {
		return nil, &models.ValidationError{Field: "source_type", Reason: fmt.Sprintf("provider %q does not sync from transcript files", providerKey)}
	}

	cs, err := ParseTranscript(path)
	if err != nil {
		return nil, err
	}
	cs.Provider = providerKey
	return s.Sync(ctx, cs)
}

// ImportStats summarizes one directory import.
type ImportStats struct {
	Files   int
	Synced  int
	Changed int
}

// ImportDir walks dir and syncs every transcript matching the provider's
// glob. Per-file failures are logged and skipped so one corrupt file does
// not stop a backfill.
func (s *Service) ImportDir(ctx context.Context, providerKey, dir string) (*ImportStats, error) {
	p, ok := s.registry.Get(providerKey)
	if !ok {
		return nil, &models.ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", providerKey)}
	}
	glob := p.TranscriptGlob
	if glob == "" {
		glob = "*.jsonl"
	}

	stats := &ImportStats{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			log.Error().Err(walkErr).Str("path", path).Msg("Walk transcript file")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if match, _ := filepath.Match(glob, strings.ToLower(d.Name())); !match {
			return nil
		}

		stats.Files++
		out, err := s.SyncFile(ctx, providerKey, path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to sync transcript file")
			return nil
		}
		stats.Synced++
		if out.Changed {
			stats.Changed++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk transcript directory: %w", err)
	}

	log.Info().
		Str("provider", providerKey).
		Str("dir", dir).
		Int("files", stats.Files).
		Int("synced", stats.Synced).
		Int("changed", stats.Changed).
		Msg("Transcript import finished")
	return stats, nil
}

// ReconcileDir tombstones stored conversations of a file-based provider
// whose transcripts no longer exist under dir. It refuses to run when any
// transcript fails to parse or the walk errors: an incomplete seen set
// would tombstone conversations that are still on disk.
func (s *Service) ReconcileDir(ctx context.Context, providerKey, dir string) (int64, error) {
	p, ok := s.registry.Get(providerKey)
	if !ok {
		return 0, &models.ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", providerKey)}
	}
	if p.SourceType != "jsonl" {
		return 0, &models.ValidationError{Field: "source_type", Reason: fmt.Sprintf("provider %q does not sync from transcript files", providerKey)}
	}
	glob := p.TranscriptGlob
	if glob == "" {
		glob = "*.jsonl"
	}

	var seen []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if match, _ := filepath.Match(glob, strings.ToLower(d.Name())); !match {
			return nil
		}
		cs, err := ParseTranscript(path)
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		seen = append(seen, cs.ExternalID)
		return nil
	})
	if err != nil {
		return 0, err
	}

	n, err := s.convs.MarkDeletedMissing(ctx, providerKey, seen)
	if err != nil {
		return 0, fmt.Errorf("tombstone missing conversations: %w", err)
	}
	if n > 0 {
		log.Info().
			Str("provider", providerKey).
			Int64("tombstoned", n).
			Msg("Reconciled deleted transcripts")
	}
	return n, nil
}

// index hands the merged conversation to the indexer, when one is wired.
func (s *Service) index(ctx context.Context, conversationID string) {
	if s.indexer == nil {
		return
	}
	conv, err := s.convs.GetByID(ctx, conversationID)
	if err != nil || conv == nil {
		log.Warn().Err(err).Str("conversationId", conversationID).Msg("Skipping index of missing conversation")
		return
	}
	msgs, err := s.convs.ListMessages(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversationId", conversationID).Msg("Skipping index, messages unavailable")
		return
	}
	if err := s.indexer.IndexConversation(ctx, conv, msgs); err != nil {
		log.Warn().Err(err).Str("conversationId", conversationID).Msg("Conversation indexing failed")
	}
}

// applyCapabilities drops identity fields the provider cannot really
// supply, so the merge never trusts ids a parser fabricated.
func applyCapabilities(p config.Provider, cs *models.ConversationSync) {
	if p.MessageIDs && p.Threading {
		return
	}
	for i := range cs.Messages {
		if !p.MessageIDs {
			cs.Messages[i].ExternalID = ""
		}
		if !p.MessageIDs || !p.Threading {
			cs.Messages[i].ParentExternalID = ""
		}
	}
}

func recordSync(ctx context.Context, provider string, changed bool, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("changed", changed),
	)
	if syncsTotal != nil {
		syncsTotal.Add(ctx, 1, attrs)
	}
	if syncDuration != nil {
		syncDuration.Record(ctx, d.Seconds(), attrs)
	}
}
