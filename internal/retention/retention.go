// Package retention purges staged files once their ledger entry is older than
// the configured window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pacsrelay/pacsrelay/internal/ledger"
	"github.com/pacsrelay/pacsrelay/internal/logging/audit"
	"github.com/pacsrelay/pacsrelay/internal/metrics"
)

// Ledger is the subset of *ledger.Ledger the sweeper needs.
type Ledger interface {
	Expired(cutoff time.Time) []ledger.Entry
	RemoveIf(entries ...ledger.Entry) ([]string, error)
}

// Result holds the outcome of one sweep.
type Result struct {
	Cutoff     time.Time
	Deleted    int   // files removed from disk
	Missing    int   // entries whose file was already gone
	Failed     int   // files that could not be removed; their entries are kept
	Skipped    int   // files rewritten after they were forwarded; kept on disk
	BytesFreed int64
	Errors     []error
}

// Purged returns the number of ledger entries dropped by the sweep.
func (r Result) Purged() int {
	return r.Deleted + r.Missing
}

// Sweeper deletes expired staged files.
type Sweeper struct {
	ledger  Ledger
	maxAge  time.Duration
	root    string
	metrics *metrics.RelayMetrics
	audit   *audit.Logger
	guard   sync.Locker

	now func() time.Time
}

// New creates a sweeper. root bounds empty-directory pruning and may be empty
// to disable it.
func New(l Ledger, maxAge time.Duration, root string, m *metrics.RelayMetrics) *Sweeper {
	return &Sweeper{
		ledger:  l,
		maxAge:  maxAge,
		root:    root,
		metrics: m,
		now:     time.Now,
	}
}

// SetAudit records every purge decision to a.
func (s *Sweeper) SetAudit(a *audit.Logger) {
	s.audit = a
}

// SetGuard makes each delete and directory prune run under g, which staging
// holds while it writes. Pass the store writer.
func (s *Sweeper) SetGuard(g sync.Locker) {
	s.guard = g
}

// Sweep runs one retention pass. Files are handled independently; one
// failure does not stop the others. The ledger is saved once per pass, and an
// entry re-appended during the pass is left in place.
func (s *Sweeper) Sweep() Result {
	result := Result{Cutoff: s.now().Add(-s.maxAge)}

	expired := s.ledger.Expired(result.Cutoff)
	if len(expired) == 0 {
		return result
	}

	purged := make([]ledger.Entry, 0, len(expired))
	for _, e := range expired {
		size, err := s.purge(e)
		switch {
		case err == nil:
			result.Deleted++
			result.BytesFreed += size
			purged = append(purged, e)
			s.audit.LogPurge(e.Path, e.ForwardedAt, audit.ResultOK, "")
		case errors.Is(err, errRestaged):
			result.Skipped++
			log.Info().Str("path", e.Path).Time("forwarded_at", e.ForwardedAt).Msg("retention skipped file staged again after forwarding")
		case errors.Is(err, os.ErrNotExist):
			result.Missing++
			purged = append(purged, e)
			s.audit.LogPurge(e.Path, e.ForwardedAt, audit.ResultOK, "already gone")
		default:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", e.Path, err))
			log.Warn().Err(err).Str("path", e.Path).Msg("retention failed to delete file")
			s.audit.LogPurge(e.Path, e.ForwardedAt, audit.ResultFailed, err.Error())
		}
	}

	if len(purged) > 0 {
		removed, err := s.ledger.RemoveIf(purged...)
		if err != nil {
			result.Errors = append(result.Errors, err)
			log.Error().Err(err).Msg("retention failed to save ledger")
		}
		if kept := len(purged) - len(removed); kept > 0 {
			log.Info().Int("kept", kept).Msg("retention kept entries forwarded again during the sweep")
		}
	}

	s.metrics.Retention(result.Purged(), result.Failed)

	log.Info().
		Int("deleted", result.Deleted).
		Int("missing", result.Missing).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Int64("bytes_freed", result.BytesFreed).
		Time("cutoff", result.Cutoff).
		Msg("retention sweep complete")
	return result
}

var errRestaged = errors.New("file modified after forward")

// purge deletes the file for e and prunes emptied directories. A file whose
// modification time is later than the forward was staged again by a newer
// object and is left alone.
func (s *Sweeper) purge(e ledger.Entry) (int64, error) {
	if s.guard != nil {
		s.guard.Lock()
		defer s.guard.Unlock()
	}

	info, err := os.Stat(e.Path)
	if err != nil {
		return 0, err
	}
	if info.ModTime().After(e.ForwardedAt) {
		return 0, errRestaged
	}
	if err := os.Remove(e.Path); err != nil {
		return 0, err
	}
	s.pruneDirs(filepath.Dir(e.Path))
	return info.Size(), nil
}

// pruneDirs removes empty directories from dir upward, stopping at root.
func (s *Sweeper) pruneDirs(dir string) {
	if s.root == "" {
		return
	}
	root := filepath.Clean(s.root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return
		}
		// Remove fails on non-empty directories.
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	log.Info().
		Dur("max_age", s.maxAge).
		Dur("interval", interval).
		Msg("retention sweeper started")

	s.Sweep()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}
