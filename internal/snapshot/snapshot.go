// Package snapshot defines the canonical representation of an owned-track
// set: a sorted, deduplicated id list with a content hash, a monotonically
// increasing library version, and an optional update timestamp. Everything
// that crosses a storage tier boundary goes through Normalize first.
//
// Track ids are opaque. They are compared byte for byte and never
// rewritten; only the empty string is dropped.
package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"slices"
	"time"
)

// SchemaVersion is the current snapshot schema. Stored snapshots with a
// zero schema are treated as this version.
const SchemaVersion = 1

// hashPrefix tags the hash algorithm so a future change is detectable.
const hashPrefix = "v1:"

// Snapshot is the full owned-track set at a point in time.
type Snapshot struct {
	TrackIDs       []string   `json:"trackIds"`
	Count          int        `json:"count"`
	SchemaVersion  int        `json:"schemaVersion"`
	LibraryVersion int64      `json:"libraryVersion"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
	Hash           string     `json:"hash"`
}

// Raw is an un-normalized snapshot as read from a storage tier or built by
// a caller. Zero values mean "absent" and are filled by Normalize.
type Raw struct {
	TrackIDs       []string
	SchemaVersion  int
	LibraryVersion int64
	UpdatedAt      *time.Time
}

// Normalize drops empty ids, dedupes and sorts the rest, recomputes Hash
// and Count, and fills defaults.
func Normalize(raw Raw) Snapshot {
	ids := NormalizeIDs(raw.TrackIDs)

	schema := raw.SchemaVersion
	if schema <= 0 {
		schema = SchemaVersion
	}

	version := raw.LibraryVersion
	if version < 0 {
		version = 0
	}

	var updated *time.Time
	if raw.UpdatedAt != nil && !raw.UpdatedAt.IsZero() {
		t := raw.UpdatedAt.UTC()
		updated = &t
	}

	return Snapshot{
		TrackIDs:       ids,
		Count:          len(ids),
		SchemaVersion:  schema,
		LibraryVersion: version,
		UpdatedAt:      updated,
		Hash:           Hash(ids),
	}
}

// New is shorthand for Normalize with the given ids, version, and time.
func New(ids []string, version int64, updatedAt time.Time) Snapshot {
	return Normalize(Raw{TrackIDs: ids, LibraryVersion: version, UpdatedAt: &updatedAt})
}

// Renormalize re-derives the id list and hash of an existing snapshot.
// Used on values decoded from storage, which may have been tampered with
// or written by an older schema.
func (s Snapshot) Renormalize() Snapshot {
	return Normalize(Raw{
		TrackIDs:       s.TrackIDs,
		SchemaVersion:  s.SchemaVersion,
		LibraryVersion: s.LibraryVersion,
		UpdatedAt:      s.UpdatedAt,
	})
}

// NormalizeIDs returns a sorted, deduplicated copy of ids without empty
// entries.
func NormalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}

	slices.Sort(out)

	return slices.Compact(out)
}

// Hash returns the content hash of an already-sorted, deduplicated id list.
// Callers holding arbitrary input should use Normalize instead.
func Hash(sortedIDs []string) string {
	h := sha256.New()

	// Length prefixes keep the encoding unambiguous for any id bytes.
	var n [binary.MaxVarintLen64]byte
	for _, id := range sortedIDs {
		h.Write(n[:binary.PutUvarint(n[:], uint64(len(id)))])
		h.Write([]byte(id))
	}

	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// Empty reports whether s is nil or has no ids.
func Empty(s *Snapshot) bool {
	return s == nil || len(s.TrackIDs) == 0
}

// IDs returns the id list of s, or nil when s is nil.
func IDs(s *Snapshot) []string {
	if s == nil {
		return nil
	}

	return s.TrackIDs
}

// Equal reports whether a and b hold the same id set. Timestamps, versions
// and stored hashes are ignored.
func Equal(a, b []string) bool {
	return slices.Equal(NormalizeIDs(a), NormalizeIDs(b))
}

// Union returns the sorted union of every id list.
func Union(lists ...[]string) []string {
	var n int
	for _, l := range lists {
		n += len(l)
	}

	all := make([]string, 0, n)
	for _, l := range lists {
		all = append(all, l...)
	}

	return NormalizeIDs(all)
}

// Diff returns the sorted ids present in a but not in b.
func Diff(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, id := range b {
		drop[id] = struct{}{}
	}

	var out []string

	for _, id := range NormalizeIDs(a) {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}

	return out
}

// Contains reports whether the sorted id list holds id.
func Contains(sortedIDs []string, id string) bool {
	_, found := slices.BinarySearch(sortedIDs, id)

	return found
}
