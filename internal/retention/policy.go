package retention

import (
	"time"

	"github.com/filekeep/filekeep/internal/artifact"
)

// Policy declares what reconciliation may delete from a working directory.
// Zero values mean "no limit" for MaxAge and MaxFiles.
type Policy struct {
	// MaxAge is the age beyond which an artifact may be purged, provided
	// enough newer versions of the same logical key survive.
	MaxAge time.Duration

	// MaxFiles caps the total surviving artifacts across all groups.
	MaxFiles int

	// KeepBackups keeps a fallback version per group (two versions
	// instead of one).
	KeepBackups bool

	// DryRun computes the decision set without deleting anything.
	DryRun bool
}

// VersionsToKeep returns how many versions each group retains.
func (p Policy) VersionsToKeep() int {
	if p.KeepBackups {
		return 2
	}
	return 1
}

// Reason says why an artifact was marked for deletion. Human-readable text
// is rendered only at the reporting boundary.
type Reason int

const (
	// ReasonGlobalCap marks a version sacrificed to the MaxFiles cap.
	// A group's newest version is never deleted for this reason.
	ReasonGlobalCap Reason = iota
	// ReasonTooOld marks a version past MaxAge and outside the keep window.
	ReasonTooOld
	// ReasonGroupCap marks a version beyond the per-group keep count.
	ReasonGroupCap
	// ReasonDuplicate marks a version judged equal to an already-kept
	// newer version of the same group.
	ReasonDuplicate
)

// String renders the reason for reports and logs.
func (r Reason) String() string {
	switch r {
	case ReasonGlobalCap:
		return "exceeds global file cap"
	case ReasonTooOld:
		return "exceeds max age"
	case ReasonGroupCap:
		return "exceeds group version cap"
	case ReasonDuplicate:
		return "duplicate of newer version"
	default:
		return "unknown"
	}
}

// Deletion is one artifact marked for removal and the rule that marked it.
type Deletion struct {
	Artifact artifact.Artifact
	Reason   Reason
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	RunID      string
	TotalFiles int
	Kept       []artifact.Artifact
	Deleted    []Deletion
	// FailedDeletes counts per-file deletion failures, including files
	// that vanished between scan and delete. They never fail the run.
	FailedDeletes int
	// FreedBytes sums sizes of successfully deleted files. In a dry run
	// it is the planned total.
	FreedBytes int64
	DryRun     bool
}

// ReasonCounts tallies deletions per rule.
func (r *Report) ReasonCounts() map[Reason]int {
	counts := make(map[Reason]int)
	for _, d := range r.Deleted {
		counts[d.Reason]++
	}
	return counts
}
