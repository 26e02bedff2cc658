package retention

import "github.com/filekeep/filekeep/internal/artifact"

// DuplicateChecker decides whether a candidate version duplicates an
// already-kept newer version of the same group.
type DuplicateChecker interface {
	IsDuplicate(candidate, kept artifact.Artifact) bool
}

// SizeDuplicateChecker treats two same-size versions as duplicates without
// reading content. This matches the upload handler's historical behavior
// but can produce false positives: two different documents of identical
// byte length look the same. Substitute a content-hash checker if that
// ever matters more than the saved I/O.
type SizeDuplicateChecker struct{}

// IsDuplicate reports whether the two artifacts have the same size.
func (SizeDuplicateChecker) IsDuplicate(candidate, kept artifact.Artifact) bool {
	return candidate.Size == kept.Size
}
