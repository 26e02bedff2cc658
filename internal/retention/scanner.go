// Package retention reconciles a directory of uploaded artifacts against a
// declarative policy: global file cap, max age, per-group version cap, and
// a pluggable duplicate heuristic. The directory tree is the only source
// of truth; nothing is cached between runs.
package retention

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/filekeep/filekeep/internal/artifact"
)

// defaultBatchSize bounds concurrent stat and delete operations.
const defaultBatchSize = 16

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	FS         billy.Filesystem
	Duplicates DuplicateChecker // nil selects SizeDuplicateChecker
	Logger     *zerolog.Logger  // nil selects the global logger
	BatchSize  int              // concurrent I/O bound, 0 selects the default
	Now        func() time.Time // nil selects time.Now
}

// Scanner deletes artifacts that violate a retention policy. It holds no
// state between runs; concurrent reconciles of the same directory may race
// and the loser of a delete race records a tolerated not-found failure.
type Scanner struct {
	fs        billy.Filesystem
	dup       DuplicateChecker
	logger    zerolog.Logger
	batchSize int
	now       func() time.Time
}

// NewScanner creates a Scanner.
func NewScanner(cfg ScannerConfig) *Scanner {
	s := &Scanner{
		fs:        cfg.FS,
		dup:       cfg.Duplicates,
		batchSize: cfg.BatchSize,
		now:       cfg.Now,
	}
	if s.dup == nil {
		s.dup = SizeDuplicateChecker{}
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	} else {
		s.logger = log.With().Str("component", "retention").Logger()
	}
	return s
}

// Reconcile scans dir, partitions its artifacts into kept and deleted per
// the policy, and removes the deleted ones unless the policy is a dry run.
// Only a scan-level failure (directory unreadable) returns an error;
// per-file failures are tallied in the report.
func (s *Scanner) Reconcile(ctx context.Context, dir string, policy Policy) (*Report, error) {
	runID := uuid.New().String()
	logger := s.logger.With().Str("run_id", runID).Str("dir", dir).Logger()

	arts, err := s.scan(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("scan artifact directory: %w", err)
	}

	report := &Report{
		RunID:      runID,
		TotalFiles: len(arts),
		DryRun:     policy.DryRun,
	}
	if len(arts) == 0 {
		logger.Debug().Msg("artifact directory empty, nothing to reconcile")
		return report, nil
	}

	artifact.SortNewestFirst(arts)
	groups := artifact.GroupByKey(arts)
	report.Kept, report.Deleted = s.decide(groups, policy)

	if policy.DryRun {
		for _, d := range report.Deleted {
			report.FreedBytes += d.Artifact.Size
		}
		logger.Info().
			Int("total", report.TotalFiles).
			Int("kept", len(report.Kept)).
			Int("deleted", len(report.Deleted)).
			Msg("dry run, no files removed")
		return report, nil
	}

	report.FreedBytes, report.FailedDeletes = s.deleteBatch(ctx, logger, report.Deleted)

	logger.Info().
		Int("total", report.TotalFiles).
		Int("kept", len(report.Kept)).
		Int("deleted", len(report.Deleted)).
		Int("failed", report.FailedDeletes).
		Int64("freed_bytes", report.FreedBytes).
		Msg("reconcile completed")
	return report, nil
}

// scan lists dir and stats each entry as a bounded concurrent batch.
// Entries that vanish between list and stat are skipped.
func (s *Scanner) scan(ctx context.Context, dir string) ([]artifact.Artifact, error) {
	entries, err := s.fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	results := make([]*artifact.Artifact, len(entries))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchSize)
	for i, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			path := s.fs.Join(dir, name)
			info, err := s.fs.Stat(path)
			if err != nil {
				return nil // vanished between list and stat
			}
			results[i] = &artifact.Artifact{
				Name:       name,
				Path:       path,
				Size:       info.Size(),
				ModTime:    info.ModTime(),
				LogicalKey: artifact.LogicalKey(name),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	arts := make([]artifact.Artifact, 0, len(entries))
	for _, a := range results {
		if a != nil {
			arts = append(arts, *a)
		}
	}
	return arts, nil
}

// decide walks groups in discovery order and versions newest first,
// threading the global kept tally explicitly between groups. Rule
// precedence per version: global cap, age, group cap, duplicate.
func (s *Scanner) decide(groups []*artifact.Group, policy Policy) ([]artifact.Artifact, []Deletion) {
	now := s.now()
	keepPerGroup := policy.VersionsToKeep()

	var kept []artifact.Artifact
	var deleted []Deletion
	globalKept := 0

	for _, g := range groups {
		groupKept := 0
		var keptInGroup []artifact.Artifact

		for i, v := range g.Versions {
			switch {
			case policy.MaxFiles > 0 && globalKept >= policy.MaxFiles && i > 0:
				// The newest version of a group is never sacrificed
				// to the global cap.
				deleted = append(deleted, Deletion{Artifact: v, Reason: ReasonGlobalCap})
			case policy.MaxAge > 0 && v.Age(now) > policy.MaxAge && i >= keepPerGroup:
				deleted = append(deleted, Deletion{Artifact: v, Reason: ReasonTooOld})
			case groupKept >= keepPerGroup:
				deleted = append(deleted, Deletion{Artifact: v, Reason: ReasonGroupCap})
			case s.duplicatesAny(v, keptInGroup):
				deleted = append(deleted, Deletion{Artifact: v, Reason: ReasonDuplicate})
			default:
				kept = append(kept, v)
				keptInGroup = append(keptInGroup, v)
				groupKept++
				globalKept++
			}
		}
	}
	return kept, deleted
}

func (s *Scanner) duplicatesAny(candidate artifact.Artifact, kept []artifact.Artifact) bool {
	for _, k := range kept {
		if s.dup.IsDuplicate(candidate, k) {
			return true
		}
	}
	return false
}

// deleteBatch removes marked files as independent bounded concurrent
// operations. One failure never blocks the others; outcomes are tallied.
func (s *Scanner) deleteBatch(ctx context.Context, logger zerolog.Logger, deletions []Deletion) (freed int64, failed int) {
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.batchSize)

	for _, d := range deletions {
		if ctx.Err() != nil {
			break
		}
		d := d
		g.Go(func() error {
			err := s.fs.Remove(d.Artifact.Path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				if os.IsNotExist(err) {
					logger.Debug().Str("file", d.Artifact.Name).Msg("file already gone")
				} else {
					logger.Warn().Err(err).Str("file", d.Artifact.Name).Msg("delete failed")
				}
				return nil
			}
			freed += d.Artifact.Size
			logger.Debug().
				Str("file", d.Artifact.Name).
				Stringer("reason", d.Reason).
				Msg("deleted artifact")
			return nil
		})
	}
	_ = g.Wait()
	return freed, failed
}
