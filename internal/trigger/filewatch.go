package trigger

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
)

// FileWatcher fires file_watch triggers on filesystem changes under
// the configured directories. Leader-only: followers keep no watcher,
// and a demoted leader drops its watcher so events are not fired twice.
type FileWatcher struct {
	svc      *Service
	store    *store.Store
	cfg      config.FileWatchConfig
	isLeader func() bool
	log      *slog.Logger

	watcher *fsnotify.Watcher
}

func NewFileWatcher(svc *Service, st *store.Store, cfg config.FileWatchConfig, isLeader func() bool, logger *slog.Logger) *FileWatcher {
	return &FileWatcher{
		svc:      svc,
		store:    st,
		cfg:      cfg,
		isLeader: isLeader,
		log:      ilog.WithComponent(logger, "filewatch"),
	}
}

// Run watches until the context ends. Leadership is re-checked every
// second; the watcher exists only while this node leads.
func (w *FileWatcher) Run(ctx context.Context) {
	if len(w.cfg.Dirs) == 0 {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		leading := w.isLeader == nil || w.isLeader()
		switch {
		case leading && w.watcher == nil:
			w.start()
		case !leading && w.watcher != nil:
			w.drop()
		}

		var events chan fsnotify.Event
		var errs chan error
		if w.watcher != nil {
			events = w.watcher.Events
			errs = w.watcher.Errors
		}

		select {
		case <-ctx.Done():
			w.drop()
			return
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				w.drop()
				continue
			}
			w.handle(ctx, ev)
		case err, ok := <-errs:
			if ok && err != nil {
				w.log.Warn("file watch error", "error", err)
			}
		}
	}
}

func (w *FileWatcher) start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("file watcher unavailable", "error", err)
		return
	}
	for _, dir := range w.cfg.Dirs {
		if err := watcher.Add(dir); err != nil {
			w.log.Warn("cannot watch directory", "dir", dir, "error", err)
		}
	}
	w.watcher = watcher
	w.log.Info("file watch started", "dirs", strings.Join(w.cfg.Dirs, ","), "pattern", w.cfg.Pattern)
}

func (w *FileWatcher) drop() {
	if w.watcher == nil {
		return
	}
	w.watcher.Close()
	w.watcher = nil
	w.log.Info("file watch stopped")
}

func (w *FileWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if !w.matches(ev.Name) {
		return
	}
	regs, err := w.store.ListEnabledTriggers(ctx, "file_watch")
	if err != nil {
		w.log.Warn("file_watch trigger load failed", "error", err)
		return
	}
	vars := map[string]any{
		"path": ev.Name,
		"op":   ev.Op.String(),
	}
	for _, reg := range regs {
		run, err := w.svc.Fire(ctx, reg.ProcedureID, "file_watch", "filesystem", vars)
		if err != nil {
			w.log.Warn("file_watch fire failed",
				ilog.ProcedureKey, reg.ProcedureID, "path", ev.Name, "error", err)
			continue
		}
		w.log.Info("file event fired run",
			ilog.ProcedureKey, reg.ProcedureID, ilog.RunIDKey, run.RunID, "path", ev.Name)
	}
}

func (w *FileWatcher) matches(path string) bool {
	if w.cfg.Pattern == "" {
		return true
	}
	slashed := filepath.ToSlash(path)
	if ok, err := doublestar.Match(w.cfg.Pattern, slashed); err == nil && ok {
		return true
	}
	ok, err := doublestar.Match(w.cfg.Pattern, filepath.Base(path))
	return err == nil && ok
}
