// Package refresher implements the Periodic Refresher: it calls the
// Bundle Builder on a fixed interval so file changes written directly to
// the shared-configuration directory (outside of any agent heartbeat)
// are picked up, and optionally triggers an earlier rebuild when
// fsnotify reports a change directly in that directory (its group
// subdirectories are not watched).
package refresher

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetsync/pkg/log"
	"github.com/cuemby/fleetsync/pkg/metrics"
)

// Rebuilder is the Bundle Builder's rebuild entry point.
type Rebuilder interface {
	Rebuild() error
}

// Refresher is the Periodic Refresher component.
type Refresher struct {
	rebuild  Rebuilder
	interval time.Duration
	watch    *fsnotify.Watcher
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Refresher that calls rebuild.Rebuild every interval.
// If watchDir is non-empty, a write, create, remove or rename event
// directly in it also triggers an immediate rebuild. Events are not
// debounced, and subdirectories of watchDir are not watched.
func New(rebuild Rebuilder, interval time.Duration, watchDir string) (*Refresher, error) {
	r := &Refresher{
		rebuild:  rebuild,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if watchDir != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		if err := w.Add(watchDir); err != nil {
			w.Close()
			return nil, err
		}
		r.watch = w
	}

	return r, nil
}

// Start runs the refresh loop in a goroutine. An immediate rebuild
// happens before the first tick so a cold start doesn't wait a full
// interval.
func (r *Refresher) Start() {
	go r.run()
}

// Stop signals the refresh loop to exit and waits for it to finish.
func (r *Refresher) Stop() {
	close(r.stopCh)
	<-r.doneCh
	if r.watch != nil {
		r.watch.Close()
	}
}

func (r *Refresher) run() {
	defer close(r.doneCh)
	logger := log.WithComponent("refresher")

	r.doRebuild(logger)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watch != nil {
		events = r.watch.Events
		errs = r.watch.Errors
	}

	for {
		select {
		case <-ticker.C:
			r.doRebuild(logger)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("shared-config change detected")
				r.doRebuild(logger)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn().Err(err).Msg("fsnotify watch error")
		case <-r.stopCh:
			return
		}
	}
}

func (r *Refresher) doRebuild(logger zerolog.Logger) {
	err := r.rebuild.Rebuild()

	if err != nil {
		metrics.RebuildsTotal.WithLabelValues("failure").Inc()
		metrics.UpdateComponent("bundle", false, err.Error())
		logger.Error().Err(err).Msg("rebuild failed")
		return
	}
	metrics.RebuildsTotal.WithLabelValues("success").Inc()
	metrics.UpdateComponent("bundle", true, "")
}
