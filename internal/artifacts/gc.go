package artifacts

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// ReferenceChecker reports whether hash is still referenced by any
// session, so the sweep can skip it. Backed in practice by the session
// store's IsReferenced, which searches tool_result event payloads.
type ReferenceChecker interface {
	IsReferenced(ctx context.Context, hash string) (bool, error)
}

// GCSweeper periodically removes blobs older than a retention window that
// no session references any more. Spec §9 leaves garbage collection as
// "an external cron job"; this wires that suggestion into an opt-in
// scheduled sweep the operator can enable rather than having to set one
// up themselves.
type GCSweeper struct {
	store     *Store
	checker   ReferenceChecker
	retention time.Duration
	log       *slog.Logger
	cron      *cron.Cron
}

// NewGCSweeper constructs a sweeper. It does nothing until Start is
// called; scheduling is opt-in per plugins.enabled-style configuration.
func NewGCSweeper(store *Store, checker ReferenceChecker, retention time.Duration, log *slog.Logger) *GCSweeper {
	if log == nil {
		log = slog.Default()
	}
	return &GCSweeper{store: store, checker: checker, retention: retention, log: log.With("component", "artifact_gc")}
}

// Start schedules the sweep on spec (standard 5-field cron syntax, e.g.
// "0 3 * * *" for daily at 03:00) and returns immediately; the sweep runs
// in the cron library's own goroutine.
func (g *GCSweeper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, g.sweepOnce); err != nil {
		return err
	}
	g.cron = c
	c.Start()
	return nil
}

// Stop cancels the schedule; a sweep already in progress runs to
// completion.
func (g *GCSweeper) Stop() {
	if g.cron != nil {
		g.cron.Stop()
	}
}

func (g *GCSweeper) sweepOnce() {
	ctx := context.Background()
	cutoff := time.Now().Add(-g.retention)
	removed := 0

	err := filepath.WalkDir(g.store.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		hash := d.Name()
		if !hashPattern.MatchString(hash) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		referenced, err := g.checker.IsReferenced(ctx, hash)
		if err != nil || referenced {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		return nil
	})
	if err != nil {
		g.log.Error("artifact gc sweep failed", "error", err)
		return
	}
	g.log.Info("artifact gc sweep complete", "removed", removed)
}
