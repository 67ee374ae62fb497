// Package sync fans the tracked repositories out to a bounded pool of workers
// that each snapshot and push one repository.
package sync

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/reposync/internal/git"
	"github.com/schaermu/reposync/internal/state"
)

// Source yields the repositories to sync, e.g. a registry scan.
type Source interface {
	Scan() iter.Seq[*git.Repository]
}

// Syncer runs the sync protocol for one repository.
type Syncer interface {
	Sync(ctx context.Context, repo *git.Repository, remoteURL string) (*git.Result, error)
}

// Recorder receives the outcome of every unit that ran.
type Recorder interface {
	Record(state.Outcome) error
}

// Engine orchestrates a sync of every repository the source yields.
type Engine struct {
	source   Source
	syncer   Syncer
	recorder Recorder
	workers  int
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a new sync engine. recorder may be nil. workers below 1
// are treated as 1.
func NewEngine(source Source, syncer Syncer, recorder Recorder, workers int, logger *slog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		source:   source,
		syncer:   syncer,
		recorder: recorder,
		workers:  workers,
		logger:   logger,
		now:      time.Now,
	}
}

// Run syncs every repository against remoteURL and returns the first error
// any of them reported.
//
// Once a unit has failed no further units are started, but units already
// running are not interrupted and their commits are kept. Which error is
// returned when several units fail concurrently is not defined.
func (e *Engine) Run(ctx context.Context, remoteURL string) error {
	e.logger.Info("starting sync", "remote", remoteURL, "workers", e.workers)

	var (
		g      errgroup.Group
		failed atomic.Bool
		synced atomic.Int64
		count  int
	)
	g.SetLimit(e.workers)

	// the scan runs on this goroutine only; workers receive finished handles
	for repo := range e.source.Scan() {
		if failed.Load() || ctx.Err() != nil {
			break
		}
		count++

		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			if err := e.syncOne(ctx, repo, remoteURL); err != nil {
				failed.Store(true)
				return err
			}
			synced.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.Error("sync failed", "error", err, "synced", synced.Load(), "count", count)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.logger.Info("sync completed successfully", "count", count)
	return nil
}

func (e *Engine) syncOne(ctx context.Context, repo *git.Repository, remoteURL string) error {
	log := e.logger.With("path", repo.Path())
	log.Debug("syncing repository")

	res, err := e.syncer.Sync(ctx, repo, remoteURL)

	outcome := state.Outcome{Path: repo.Path(), Time: e.now()}
	if err != nil {
		kind, _ := git.KindOf(err)
		outcome.Kind = kind.String()
		outcome.Error = err.Error()
		log.Warn("repository sync failed", "kind", kind.String(), "error", err)
	} else {
		outcome.Commit = res.Commit.String()
		outcome.Ref = res.Ref.String()
		if !res.Parent.IsZero() {
			outcome.Parent = res.Parent.String()
		}
		log.Info("repository synced", "commit", outcome.Commit, "ref", outcome.Ref)
	}

	if e.recorder != nil {
		if rerr := e.recorder.Record(outcome); rerr != nil {
			log.Warn("failed to record sync outcome", "error", rerr)
		}
	}

	return err
}
