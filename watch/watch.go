// Package watch re-runs a migrate function whenever migration files change.
// It is a client of the engine: every invocation replans from the
// database's current committed revision, so the watcher itself carries no
// migration state.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultDebounce = 100 * time.Millisecond

// MigrateFunc runs one engine invocation.
type MigrateFunc func(ctx context.Context) error

type Watcher struct {
	dir      string
	debounce time.Duration
	migrate  MigrateFunc
}

// Option adjusts a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the delay between the last filesystem event and
// the migrate invocation it triggers.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// New prepares a watcher over the migrations directory.
func New(migrationsDir string, migrate MigrateFunc, opts ...Option) (*Watcher, error) {
	stat, err := os.Stat(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat migrations directory: %w", err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", migrationsDir)
	}

	w := &Watcher{
		dir:      migrationsDir,
		debounce: defaultDebounce,
		migrate:  migrate,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is cancelled. Migrate failures are logged, not
// fatal: the next batch of changes gets a fresh invocation.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start filesystem watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.dir, err)
	}
	fixupsDir := filepath.Join(w.dir, "fixups")
	if stat, err := os.Stat(fixupsDir); err == nil && stat.IsDir() {
		if err := fw.Add(fixupsDir); err != nil {
			return fmt.Errorf("failed to watch %q: %w", fixupsDir, err)
		}
	}

	triggers := make(chan struct{}, 1)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.collect(ctx, fw, triggers)
	})
	g.Go(func() error {
		return w.apply(ctx, triggers)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// collect debounces raw filesystem events into triggers.
func (w *Watcher) collect(ctx context.Context, fw *fsnotify.Watcher, triggers chan<- struct{}) error {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if relevant(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("filesystem watcher error")
		case <-timer.C:
			select {
			case triggers <- struct{}{}:
			default:
				// an invocation is already pending
			}
		}
	}
}

func (w *Watcher) apply(ctx context.Context, triggers <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-triggers:
			log.Info().Str("dir", w.dir).Msg("migration files changed")
			if err := w.migrate(ctx); err != nil {
				log.Warn().Err(err).Msg("migration failed; waiting for further changes")
			}
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !strings.HasSuffix(ev.Name, ".edgeql") {
		return false
	}
	return ev.Op.Has(fsnotify.Create) ||
		ev.Op.Has(fsnotify.Write) ||
		ev.Op.Has(fsnotify.Remove) ||
		ev.Op.Has(fsnotify.Rename)
}
