package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultWatchGap is the minimum time between two syncs triggered by writes.
const DefaultWatchGap = 250 * time.Millisecond

var ErrNotWatchable = errors.New("change log has no watchable path")

type pathed interface {
	Path() string
}

// Watch syncs soon after the change log file is written, on top of the
// periodic Run loop. Bursts of writes collapse into at most one sync per gap.
// It returns when ctx is done or Stop is called.
func (s *Scheduler) Watch(ctx context.Context, gap time.Duration) error {
	p, ok := s.changes.(pathed)
	if !ok || p.Path() == "" {
		return ErrNotWatchable
	}
	if gap <= 0 {
		gap = DefaultWatchGap
	}
	path := p.Path()
	dir, file := filepath.Dir(path), filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer w.Close()
	// The directory is watched because the file may not exist yet.
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	kick := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		limiter := rate.NewLimiter(rate.Every(gap), 1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-kick:
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			if n := s.Sync(ctx); n > 0 {
				log.Debug().Int("ops", n).Str("path", path).Msg("synced on change")
			}
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	log.Debug().Str("path", path).Msg("watching change log")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			select {
			case kick <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", path).Msg("change log watch error")
		}
	}
}
