package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore/internal/config"
	"github.com/lorehq/lore/pkg/models"
)

// DefaultWatchProvider owns watch entries configured as a bare path.
const DefaultWatchProvider = "claude-code"

// WatchTarget pairs a provider with the directory its transcripts land in.
type WatchTarget struct {
	Provider string
	Dir      string
}

// ParseWatchTarget reads one configured watch entry of the form
// "provider:path". A bare path belongs to the default provider.
func ParseWatchTarget(entry string) WatchTarget {
	if provider, dir, ok := strings.Cut(entry, ":"); ok {
		return WatchTarget{Provider: provider, Dir: dir}
	}
	return WatchTarget{Provider: DefaultWatchProvider, Dir: entry}
}

type watchTarget struct {
	provider string
	dir      string
	glob     string
}

// Watcher syncs transcripts as their files change on disk. Target trees are
// watched recursively and their existing transcripts are scheduled at
// Start, so a fresh watcher backfills through the same debounce pipeline
// it uses for live changes. Rapid write bursts on one file collapse into a
// single sync per debounce window.
type Watcher struct {
	svc      *Service
	fsw      *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	targets  []watchTarget
	debounce time.Duration

	// owner is only touched from the event goroutine after Start.
	owner map[string]watchTarget

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewWatcher validates the targets against the provider table and prepares
// the filesystem watcher. Watching starts on Start.
func NewWatcher(svc *Service, registry *config.Registry, targets []WatchTarget, debounce time.Duration) (*Watcher, error) {
	resolved := make([]watchTarget, 0, len(targets))
	for _, t := range targets {
		p, ok := registry.Get(t.Provider)
		if !ok {
			return nil, &models.ValidationError{Field: "watch_paths", Reason: fmt.Sprintf("unknown provider %q", t.Provider)}
		}
		if p.SourceType != "jsonl" {
			return nil, &models.ValidationError{Field: "watch_paths", Reason: fmt.Sprintf("provider %q does not sync from transcript files", t.Provider)}
		}
		glob := p.TranscriptGlob
		if glob == "" {
			glob = "*.jsonl"
		}
		resolved = append(resolved, watchTarget{provider: t.Provider, dir: t.Dir, glob: glob})
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		svc:      svc,
		fsw:      fsw,
		ctx:      ctx,
		cancel:   cancel,
		targets:  resolved,
		debounce: debounce,
		owner:    map[string]watchTarget{},
		timers:   map[string]*time.Timer{},
	}, nil
}

// Start adds the target trees and begins processing events.
func (w *Watcher) Start() {
	for _, t := range w.targets {
		w.addTree(t.dir, t)
	}
	w.wg.Add(1)
	go w.run()
	log.Info().
		Int("targets", len(w.targets)).
		Dur("debounce", w.debounce).
		Msg("Transcript watcher started")
}

// Stop cancels watching and waits for the event goroutine. Syncs already
// past their debounce window finish against a canceled context.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.fsw.Close()

	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
	log.Info().Msg("Transcript watcher stopped")
}

// addTree watches dir and every directory below it, and schedules the
// transcripts already present so nothing that landed before the watch
// existed is missed. A missing target is normal; the provider may not be
// installed on this machine.
func (w *Watcher) addTree(dir string, t watchTarget) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			// Watch before listing children, so files created mid-walk
			// show up as events instead of falling through the gap.
			if err := w.fsw.Add(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
				return nil
			}
			w.owner[path] = t
			return nil
		}
		if match, _ := filepath.Match(t.glob, strings.ToLower(d.Name())); match {
			w.schedule(path, t.provider)
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Str("provider", t.provider).Msg("Transcript directory not watchable")
	}
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Transcript watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	t, ok := w.owner[filepath.Dir(ev.Name)]
	if !ok {
		return
	}

	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		// A new project directory; its transcripts arrive next.
		w.addTree(ev.Name, t)
		return
	}
	if match, _ := filepath.Match(t.glob, strings.ToLower(filepath.Base(ev.Name))); !match {
		return
	}
	w.schedule(ev.Name, t.provider)
}

// schedule arms or extends the debounce timer for one file.
func (w *Watcher) schedule(path, provider string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.flush(path, provider)
	})
}

func (w *Watcher) flush(path, provider string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	out, err := w.svc.SyncFile(w.ctx, provider, path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Watched transcript sync failed")
		return
	}
	if out.Changed {
		log.Debug().
			Str("path", path).
			Str("conversationId", out.ConversationID).
			Msg("Watched transcript synced")
	}
}
