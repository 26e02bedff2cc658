// Package backup preserves prior versions of files before they are
// overwritten. Each backup is a byte-identical copy in an isolated store
// directory plus a JSON metadata sidecar, pruned by the store's own
// age/count/size policy, deliberately decoupled from the working
// directory's retention rules.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/filekeep/filekeep/internal/metrics"
)

var (
	// ErrSidecarMissing is returned when a backup lacks its metadata sidecar.
	ErrSidecarMissing = errors.New("backup sidecar missing")
	// ErrSidecarCorrupt is returned when a sidecar cannot be parsed.
	ErrSidecarCorrupt = errors.New("backup sidecar unparsable")
)

// backupNamePattern matches store filenames {unixMillis}_backup_{base}.
var backupNamePattern = regexp.MustCompile(`^(\d+)_backup_(.+)$`)

// Policy bounds how many backups survive per original file and how large
// the store may grow. Zero values mean "no limit".
type Policy struct {
	MaxPerFile   int           // newest-first rank cap per original base name
	MaxAge       time.Duration // backups older than this are purged regardless of rank
	MaxTotalSize int64         // store-wide byte budget, enforced by Sweep
}

// Config configures a Manager.
type Config struct {
	FS      billy.Filesystem
	Dir     string // backup store directory
	Policy  Policy
	Logger  *zerolog.Logger  // nil selects the global logger
	Now     func() time.Time // nil selects time.Now
	Metrics *metrics.Metrics // optional
}

// Manager copies files into the backup store before overwrites and prunes
// the store per its own policy.
type Manager struct {
	fs      billy.Filesystem
	dir     string
	policy  Policy
	logger  zerolog.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewManager creates a Manager. Call Init before relying on backups.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		fs:      cfg.FS,
		dir:     cfg.Dir,
		policy:  cfg.Policy,
		now:     cfg.Now,
		metrics: cfg.Metrics,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if cfg.Logger != nil {
		m.logger = *cfg.Logger
	} else {
		m.logger = log.With().Str("component", "backup").Logger()
	}
	return m
}

// Init idempotently creates the store directory and a .gitignore that
// keeps its contents out of version control.
func (m *Manager) Init() error {
	if err := m.fs.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("create backup store: %w", err)
	}
	ignorePath := m.fs.Join(m.dir, ".gitignore")
	if _, err := m.fs.Stat(ignorePath); err == nil {
		return nil
	}
	if err := util.WriteFile(m.fs, ignorePath, []byte("*\n!.gitignore\n"), 0644); err != nil {
		return fmt.Errorf("write backup store gitignore: %w", err)
	}
	return nil
}

// CreateResult reports the outcome of Create.
type CreateResult struct {
	Skipped    bool   // the original did not exist, nothing to protect
	BackupName string // store filename of the new copy
	BackupPath string
	Pruned     int // older backups removed by the per-file policy
}

// Create snapshots originalPath into the store before an overwrite. A
// missing original is not an error: overwriting a brand-new file needs no
// protection, so the result is a successful skip. After a successful copy
// the per-file policy prunes older backups of the same base name.
func (m *Manager) Create(ctx context.Context, originalPath string, metadata map[string]any) (*CreateResult, error) {
	if _, err := m.fs.Stat(originalPath); err != nil {
		if os.IsNotExist(err) {
			m.logger.Debug().Str("original", originalPath).Msg("original missing, backup skipped")
			if m.metrics != nil {
				m.metrics.BackupsSkipped.Inc()
			}
			return &CreateResult{Skipped: true}, nil
		}
		return nil, fmt.Errorf("stat original: %w", err)
	}

	base := filepath.Base(originalPath)
	ts := m.now().UnixMilli()
	var name, backupPath string
	for {
		name = fmt.Sprintf("%d_backup_%s", ts, base)
		backupPath = m.fs.Join(m.dir, name)
		_, err := m.fs.Stat(backupPath)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("probe backup name: %w", err)
		}
		ts++ // same-millisecond collision with an existing backup
	}

	if err := m.copyFile(originalPath, backupPath); err != nil {
		return nil, fmt.Errorf("copy %s: %w", originalPath, err)
	}

	rec := Record{
		OriginalPath: originalPath,
		BackupPath:   backupPath,
		Timestamp:    ts,
		Date:         time.UnixMilli(ts).UTC().Format(time.RFC3339),
		Metadata:     metadata,
	}
	data, err := marshalSidecar(rec)
	if err != nil {
		_ = m.fs.Remove(backupPath)
		return nil, fmt.Errorf("encode sidecar: %w", err)
	}
	if err := util.WriteFile(m.fs, backupPath+".json", data, 0644); err != nil {
		// A copy without its sidecar is invalid; do not leave one behind.
		_ = m.fs.Remove(backupPath)
		return nil, fmt.Errorf("write sidecar: %w", err)
	}

	if m.metrics != nil {
		m.metrics.BackupsCreated.Inc()
	}

	pruned, _ := m.pruneFile(ctx, base)
	m.logger.Info().
		Str("original", originalPath).
		Str("backup", name).
		Int("pruned", pruned).
		Msg("backup created")
	return &CreateResult{BackupName: name, BackupPath: backupPath, Pruned: pruned}, nil
}

// RestoreResult reports the outcome of Restore.
type RestoreResult struct {
	RestoredTo string
	Record     Record
}

// Restore copies the named backup's content to target, or to the
// sidecar's recorded original path when target is empty. It fails without
// partial effects when the sidecar is missing or unparsable rather than
// guessing where the bytes belong.
func (m *Manager) Restore(ctx context.Context, backupName, target string) (*RestoreResult, error) {
	data, err := util.ReadFile(m.fs, m.fs.Join(m.dir, backupName+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", backupName, ErrSidecarMissing)
		}
		return nil, fmt.Errorf("read sidecar: %w", err)
	}
	rec, err := unmarshalSidecar(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", backupName, ErrSidecarCorrupt, err)
	}

	if target == "" {
		target = rec.OriginalPath
	}
	if dir := filepath.Dir(target); dir != "." {
		if err := m.fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create restore directory: %w", err)
		}
	}
	if err := m.copyFile(m.fs.Join(m.dir, backupName), target); err != nil {
		return nil, fmt.Errorf("restore %s: %w", backupName, err)
	}

	if m.metrics != nil {
		m.metrics.Restores.Inc()
	}
	m.logger.Info().Str("backup", backupName).Str("target", target).Msg("backup restored")
	return &RestoreResult{RestoredTo: target, Record: rec}, nil
}

// List returns all valid backups, newest first. Copies lacking a readable
// sidecar are skipped.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	pairs, err := m.listPairs()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(pairs))
	for _, p := range pairs {
		records = append(records, p.rec)
	}
	return records, nil
}

// SweepResult reports the outcome of a full-store Sweep.
type SweepResult struct {
	Pruned int
	Failed int
}

// Sweep applies the per-file policy across every original base in the
// store, so age-expired backups are purged even for files that are never
// overwritten again, then enforces the store-wide size budget.
func (m *Manager) Sweep(ctx context.Context) (*SweepResult, error) {
	pairs, err := m.listPairs()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	res := &SweepResult{}
	for _, p := range pairs {
		if seen[p.base] {
			continue
		}
		seen[p.base] = true
		pruned, failed := m.pruneFile(ctx, p.base)
		res.Pruned += pruned
		res.Failed += failed
	}

	pruned, failed := m.enforceSizeCap(ctx)
	res.Pruned += pruned
	res.Failed += failed

	if res.Pruned > 0 || res.Failed > 0 {
		m.logger.Info().Int("pruned", res.Pruned).Int("failed", res.Failed).Msg("backup store swept")
	}
	return res, nil
}

// pair is one valid backup copy with its parsed sidecar.
type pair struct {
	name string // copy filename in the store
	base string // original base filename embedded in the name
	rec  Record
}

// listPairs reads the store and returns valid copy/sidecar pairs, newest
// first. A copy is valid only when its companion sidecar exists and
// parses; everything else, including the sidecars themselves and the
// store's .gitignore, is skipped.
func (m *Manager) listPairs() ([]pair, error) {
	entries, err := m.fs.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup store: %w", err)
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names[e.Name()] = true
		}
	}

	var pairs []pair
	for name := range names {
		matches := backupNamePattern.FindStringSubmatch(name)
		if matches == nil || !names[name+".json"] {
			continue
		}
		data, err := util.ReadFile(m.fs, m.fs.Join(m.dir, name+".json"))
		if err != nil {
			continue
		}
		rec, err := unmarshalSidecar(data)
		if err != nil {
			m.logger.Warn().Str("backup", name).Msg("skipping backup with unparsable sidecar")
			continue
		}
		pairs = append(pairs, pair{name: name, base: matches[2], rec: rec})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].rec.Timestamp == pairs[j].rec.Timestamp {
			return pairs[i].name > pairs[j].name
		}
		return pairs[i].rec.Timestamp > pairs[j].rec.Timestamp
	})
	return pairs, nil
}

// pruneFile removes backups of one original base beyond the rank cap and
// any past the age cap regardless of rank. Copy and sidecar are removed
// together; each removal is isolated so one failure never blocks the rest.
func (m *Manager) pruneFile(ctx context.Context, base string) (pruned, failed int) {
	pairs, err := m.listPairs()
	if err != nil {
		m.logger.Warn().Err(err).Msg("prune skipped, store unreadable")
		return 0, 0
	}

	now := m.now()
	rank := 0
	for _, p := range pairs {
		if p.base != base {
			continue
		}
		tooMany := m.policy.MaxPerFile > 0 && rank >= m.policy.MaxPerFile
		tooOld := m.policy.MaxAge > 0 && now.Sub(p.rec.Time()) > m.policy.MaxAge
		rank++
		if !tooMany && !tooOld {
			continue
		}
		if m.removePair(p.name) {
			pruned++
			if m.metrics != nil {
				m.metrics.BackupsPruned.Inc()
			}
		} else {
			failed++
		}
	}
	return pruned, failed
}

// enforceSizeCap removes the oldest backups until the store's copies fit
// the byte budget. Runs after per-file pruning so rank and age cuts have
// already reduced the candidate set.
func (m *Manager) enforceSizeCap(ctx context.Context) (pruned, failed int) {
	if m.policy.MaxTotalSize <= 0 {
		return 0, 0
	}
	pairs, err := m.listPairs()
	if err != nil {
		m.logger.Warn().Err(err).Msg("size cap skipped, store unreadable")
		return 0, 0
	}

	var used int64
	for _, p := range pairs {
		info, err := m.fs.Stat(m.fs.Join(m.dir, p.name))
		if err != nil {
			continue
		}
		used += info.Size()
		if used <= m.policy.MaxTotalSize {
			continue
		}
		if m.removePair(p.name) {
			pruned++
			if m.metrics != nil {
				m.metrics.BackupsPruned.Inc()
			}
		} else {
			failed++
		}
	}
	return pruned, failed
}

// removePair deletes a backup copy and its sidecar. Already-gone files
// count as removed.
func (m *Manager) removePair(name string) bool {
	ok := true
	for _, path := range []string{m.fs.Join(m.dir, name), m.fs.Join(m.dir, name+".json")} {
		if err := m.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn().Err(err).Str("file", path).Msg("prune delete failed")
			ok = false
		}
	}
	return ok
}

func (m *Manager) copyFile(src, dst string) error {
	in, err := m.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := m.fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
