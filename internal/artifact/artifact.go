// Package artifact models uploaded artifact files and their grouping into
// logical documents. Upload filenames carry a creation timestamp and an
// optional content hash prefix: {unixMillis}_{hexHash}_{logicalName} or
// {unixMillis}_{logicalName}. Everything after the prefix is the logical
// name; all versions of the same document share it.
package artifact

import (
	"regexp"
	"sort"
	"time"
)

// namePattern matches upload filenames. The hash segment is optional and
// must look like a hex digest to avoid eating the start of a logical name.
var namePattern = regexp.MustCompile(`^\d{10,}_(?:[0-9a-f]{8,}_)?(.+)$`)

// Artifact is one uploaded file in the watched directory.
type Artifact struct {
	Name       string    // on-disk filename
	Path       string    // full path within the filesystem
	Size       int64     // bytes
	ModTime    time.Time // last modification time from stat
	LogicalKey string    // stable identity shared by versions of one document
}

// Age returns how long ago the artifact was last modified.
func (a Artifact) Age(now time.Time) time.Duration {
	return now.Sub(a.ModTime)
}

// LogicalKey recovers the logical document name from an upload filename.
// A filename that does not match the upload pattern is its own logical key.
func LogicalKey(name string) string {
	if m := namePattern.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return name
}

// Group holds all artifacts sharing one logical key, newest first.
type Group struct {
	Key      string
	Versions []Artifact
}

// Newest returns the most recently modified version of the group.
func (g *Group) Newest() Artifact {
	return g.Versions[0]
}

// SortNewestFirst orders artifacts by modification time, newest first.
// Ties break on name so the order is deterministic.
func SortNewestFirst(arts []Artifact) {
	sort.Slice(arts, func(i, j int) bool {
		if arts[i].ModTime.Equal(arts[j].ModTime) {
			return arts[i].Name < arts[j].Name
		}
		return arts[i].ModTime.After(arts[j].ModTime)
	})
}

// GroupByKey assigns artifacts to groups by logical key. The input must
// already be sorted newest first; because assignment walks that global
// order, the group whose newest member is the most recent file in the
// directory is discovered first, and each group's versions come out
// newest first without re-sorting.
func GroupByKey(arts []Artifact) []*Group {
	byKey := make(map[string]*Group)
	var groups []*Group
	for _, a := range arts {
		g, ok := byKey[a.LogicalKey]
		if !ok {
			g = &Group{Key: a.LogicalKey}
			byKey[a.LogicalKey] = g
			groups = append(groups, g)
		}
		g.Versions = append(g.Versions, a)
	}
	return groups
}
