// Package profile merges the user profile document that surrounds the owned
// library: setlist order, genre overrides, band members and live-stream
// fields. Merging never drops data: sets are unioned and, on key conflicts,
// the cloud copy wins.
package profile

import (
	"maps"
	"strings"
	"time"
)

// BandMember is one entry of a profile's band. Members are identified by
// UID, falling back to DJName.
type BandMember struct {
	UID    string `json:"uid,omitempty"`
	DJName string `json:"djName,omitempty"`
}

func (m BandMember) key() string {
	if m.UID != "" {
		return m.UID
	}

	return m.DJName
}

// Profile is the user profile document.
type Profile struct {
	UID                 string            `json:"uid"`
	Email               string            `json:"email"`
	DJName              string            `json:"djName"`
	StreamURL           string            `json:"streamUrl"`
	IsLive              bool              `json:"isLive"`
	LiveStartedAt       *time.Time        `json:"liveStartedAt"`
	LiveSince           *time.Time        `json:"liveSince,omitempty"`
	OwnedTracks         []string          `json:"ownedTracks"`
	Setlist             []string          `json:"setlist"`
	GenreOverrides      map[string]string `json:"genreOverrides"`
	BandMembers         []BandMember      `json:"bandMembers"`
	CreatedAt           *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt           *time.Time        `json:"updatedAt,omitempty"`
	MigratedFromLocalAt *time.Time        `json:"migratedFromLocalAt"`
}

// Normalize returns a copy with empty entries dropped, the stream URL
// trimmed, nil collections replaced by empty ones, and the legacy
// liveSince folded into LiveStartedAt.
func Normalize(p Profile) Profile {
	out := p
	out.StreamURL = strings.TrimSpace(p.StreamURL)
	out.OwnedTracks = nonEmpty(p.OwnedTracks)
	out.Setlist = nonEmpty(p.Setlist)
	out.GenreOverrides = maps.Clone(p.GenreOverrides)

	if out.GenreOverrides == nil {
		out.GenreOverrides = map[string]string{}
	}

	out.BandMembers = make([]BandMember, 0, len(p.BandMembers))

	for _, m := range p.BandMembers {
		if m.key() != "" {
			out.BandMembers = append(out.BandMembers, m)
		}
	}

	if out.LiveStartedAt == nil {
		out.LiveStartedAt = p.LiveSince
	}

	out.LiveSince = nil

	return out
}

// HasMeaningfulData reports whether p carries anything worth syncing.
func HasMeaningfulData(p *Profile) bool {
	if p == nil {
		return false
	}

	return strings.TrimSpace(p.StreamURL) != "" ||
		len(p.OwnedTracks) > 0 ||
		len(p.Setlist) > 0 ||
		len(p.GenreOverrides) > 0 ||
		len(p.BandMembers) > 0
}

// Union returns the distinct non-empty ids of primary followed by those of
// secondary, in first-seen order.
func Union(primary, secondary []string) []string {
	seen := make(map[string]struct{}, len(primary)+len(secondary))
	out := make([]string, 0, len(primary)+len(secondary))

	for _, list := range [][]string{primary, secondary} {
		for _, id := range list {
			if id == "" {
				continue
			}

			if _, dup := seen[id]; dup {
				continue
			}

			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	return out
}

// MergeOrder keeps the cloud order and appends local-only ids.
func MergeOrder(cloud, local []string) []string {
	return Union(cloud, local)
}

// MergeGenreOverrides overlays cloud on local: cloud keys win.
func MergeGenreOverrides(local, cloud map[string]string) map[string]string {
	out := make(map[string]string, len(local)+len(cloud))
	maps.Copy(out, local)
	maps.Copy(out, cloud)

	return out
}

// MergeBandMembers unions members by key, cloud first.
func MergeBandMembers(cloud, local []BandMember) []BandMember {
	seen := make(map[string]struct{}, len(cloud)+len(local))
	out := make([]BandMember, 0, len(cloud)+len(local))

	for _, list := range [][]BandMember{cloud, local} {
		for _, m := range list {
			k := m.key()
			if k == "" {
				continue
			}

			if _, dup := seen[k]; dup {
				continue
			}

			seen[k] = struct{}{}
			out = append(out, m)
		}
	}

	return out
}

// SyncPlan is the outcome of BuildSyncPlan.
type SyncPlan struct {
	Merged           Profile `json:"merged"`
	ShouldWriteCloud bool    `json:"shouldWriteCloud"`
	CloudEmpty       bool    `json:"cloudEmpty"`
	LocalHasData     bool    `json:"localHasData"`
}

// BuildSyncPlan merges a cloud profile (nil when absent) with the local one.
// Local-only data seeds an empty cloud; when both carry data the sets are
// unioned and the result is written back. Live-stream fields come from
// whichever side has a stream URL, cloud first.
func BuildSyncPlan(cloud *Profile, local Profile) SyncPlan {
	nl := Normalize(local)

	var nc *Profile
	if cloud != nil {
		c := Normalize(*cloud)
		nc = &c
	}

	plan := SyncPlan{
		CloudEmpty:   nc == nil || !HasMeaningfulData(nc),
		LocalHasData: HasMeaningfulData(&nl),
	}

	merged := nl
	if nc != nil {
		merged = *nc
	}

	switch {
	case plan.CloudEmpty && plan.LocalHasData:
		merged = nl
		plan.ShouldWriteCloud = true
	case nc != nil && plan.LocalHasData:
		merged.OwnedTracks = Union(nc.OwnedTracks, nl.OwnedTracks)
		merged.Setlist = MergeOrder(nc.Setlist, nl.Setlist)
		merged.GenreOverrides = MergeGenreOverrides(nl.GenreOverrides, nc.GenreOverrides)
		merged.BandMembers = MergeBandMembers(nc.BandMembers, nl.BandMembers)
		plan.ShouldWriteCloud = true
	}

	merged.StreamURL, merged.IsLive, merged.LiveStartedAt = resolveLive(nc, &nl)
	plan.Merged = merged

	return plan
}

func resolveLive(cloud, local *Profile) (string, bool, *time.Time) {
	for _, p := range []*Profile{cloud, local} {
		if p != nil && p.StreamURL != "" {
			return p.StreamURL, p.IsLive, p.LiveStartedAt
		}
	}

	return "", false, nil
}

func nonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}

	return out
}
