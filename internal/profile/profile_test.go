package profile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnion(t *testing.T) {
	tests := []struct {
		name               string
		primary, secondary []string
		want               []string
	}{
		{"preserves first-seen order", []string{"a", "b"}, []string{"b", "c", "d"}, []string{"a", "b", "c", "d"}},
		{"drops empties and duplicates", []string{"a", "", "a"}, []string{"", "b"}, []string{"a", "b"}},
		{"both nil", nil, nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Union(tt.primary, tt.secondary))
		})
	}
}

func TestMergeOrder_KeepsCloudOrder(t *testing.T) {
	assert.Equal(t, []string{"x", "y", "z", "q"}, MergeOrder([]string{"x", "y"}, []string{"y", "z", "x", "q"}))
}

func TestMergeGenreOverrides_CloudWins(t *testing.T) {
	local := map[string]string{"a": "rock", "b": "pop"}
	cloud := map[string]string{"b": "edm", "c": "jazz"}

	got := MergeGenreOverrides(local, cloud)

	assert.Equal(t, map[string]string{"a": "rock", "b": "edm", "c": "jazz"}, got)
	assert.Equal(t, "pop", local["b"], "inputs are not modified")
}

func TestMergeBandMembers(t *testing.T) {
	cloud := []BandMember{{UID: "u1", DJName: "Cloud One"}, {DJName: "Solo"}}
	local := []BandMember{{UID: "u1", DJName: "Local One"}, {UID: "u2"}, {}, {DJName: "Solo"}}

	got := MergeBandMembers(cloud, local)

	assert.Equal(t, []BandMember{{UID: "u1", DJName: "Cloud One"}, {DJName: "Solo"}, {UID: "u2"}}, got)
}

func TestNormalize(t *testing.T) {
	since := time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC)

	got := Normalize(Profile{
		StreamURL:   "  https://stream.example.com/live  ",
		OwnedTracks: []string{"t1", ""},
		BandMembers: []BandMember{{}, {DJName: "x"}},
		LiveSince:   &since,
	})

	assert.Equal(t, "https://stream.example.com/live", got.StreamURL)
	assert.Equal(t, []string{"t1"}, got.OwnedTracks)
	assert.Equal(t, []string{}, got.Setlist)
	assert.NotNil(t, got.GenreOverrides)
	assert.Equal(t, []BandMember{{DJName: "x"}}, got.BandMembers)
	require.NotNil(t, got.LiveStartedAt)
	assert.Equal(t, since, *got.LiveStartedAt)
	assert.Nil(t, got.LiveSince)
}

func TestHasMeaningfulData(t *testing.T) {
	assert.False(t, HasMeaningfulData(nil))
	assert.False(t, HasMeaningfulData(&Profile{DJName: "name only", StreamURL: "   "}))
	assert.True(t, HasMeaningfulData(&Profile{Setlist: []string{"s"}}))
	assert.True(t, HasMeaningfulData(&Profile{GenreOverrides: map[string]string{"a": "b"}}))
}

func TestBuildSyncPlan_LocalSeedsEmptyCloud(t *testing.T) {
	plan := BuildSyncPlan(&Profile{}, Profile{Setlist: []string{"s1"}})

	assert.True(t, plan.CloudEmpty)
	assert.True(t, plan.LocalHasData)
	assert.True(t, plan.ShouldWriteCloud)
	assert.Equal(t, []string{"s1"}, plan.Merged.Setlist)
}

func TestBuildSyncPlan_MissingCloud(t *testing.T) {
	plan := BuildSyncPlan(nil, Profile{OwnedTracks: []string{"t1"}})

	assert.True(t, plan.CloudEmpty)
	assert.True(t, plan.ShouldWriteCloud)
	assert.Equal(t, []string{"t1"}, plan.Merged.OwnedTracks)
}

func TestBuildSyncPlan_BothSidesUnion(t *testing.T) {
	cloud := &Profile{
		UID:            "u1",
		DJName:         "Cloud Name",
		OwnedTracks:    []string{"t1", "t2"},
		Setlist:        []string{"s2", "s1"},
		GenreOverrides: map[string]string{"t1": "edm"},
		BandMembers:    []BandMember{{UID: "m1"}},
	}
	local := Profile{
		DJName:         "Local Name",
		OwnedTracks:    []string{"t3", "t1"},
		Setlist:        []string{"s1", "s3"},
		GenreOverrides: map[string]string{"t1": "rock", "t3": "pop"},
		BandMembers:    []BandMember{{UID: "m2"}, {UID: "m1"}},
	}

	plan := BuildSyncPlan(cloud, local)

	assert.False(t, plan.CloudEmpty)
	assert.True(t, plan.ShouldWriteCloud)
	assert.Equal(t, "Cloud Name", plan.Merged.DJName, "scalar fields come from the cloud")
	assert.Equal(t, []string{"t1", "t2", "t3"}, plan.Merged.OwnedTracks)
	assert.Equal(t, []string{"s2", "s1", "s3"}, plan.Merged.Setlist)
	assert.Equal(t, map[string]string{"t1": "edm", "t3": "pop"}, plan.Merged.GenreOverrides)
	assert.Equal(t, []BandMember{{UID: "m1"}, {UID: "m2"}}, plan.Merged.BandMembers)
}

func TestBuildSyncPlan_NothingLocal(t *testing.T) {
	cloud := &Profile{OwnedTracks: []string{"t1"}}

	plan := BuildSyncPlan(cloud, Profile{})

	assert.False(t, plan.ShouldWriteCloud)
	assert.False(t, plan.LocalHasData)
	assert.Equal(t, []string{"t1"}, plan.Merged.OwnedTracks)
}

func TestBuildSyncPlan_LiveFields(t *testing.T) {
	started := time.Date(2026, 6, 1, 21, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		cloud      *Profile
		local      Profile
		wantURL    string
		wantLive   bool
		wantHasAge bool
	}{
		{
			name:       "cloud stream wins",
			cloud:      &Profile{StreamURL: "https://c", IsLive: true, LiveStartedAt: &started},
			local:      Profile{StreamURL: "https://l"},
			wantURL:    "https://c",
			wantLive:   true,
			wantHasAge: true,
		},
		{
			name:    "local stream used when cloud has none",
			cloud:   &Profile{OwnedTracks: []string{"t"}},
			local:   Profile{StreamURL: "https://l", IsLive: false},
			wantURL: "https://l",
		},
		{
			name:  "no stream anywhere",
			cloud: &Profile{IsLive: true},
			local: Profile{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := BuildSyncPlan(tt.cloud, tt.local)

			assert.Equal(t, tt.wantURL, plan.Merged.StreamURL)
			assert.Equal(t, tt.wantLive, plan.Merged.IsLive)
			assert.Equal(t, tt.wantHasAge, plan.Merged.LiveStartedAt != nil)
		})
	}
}

func TestProfile_DecodesLegacyLiveSince(t *testing.T) {
	var p Profile
	require.NoError(t, json.Unmarshal([]byte(`{"streamUrl":"https://s","liveSince":"2026-01-02T03:04:05Z"}`), &p))

	n := Normalize(p)
	require.NotNil(t, n.LiveStartedAt)
	assert.Equal(t, 2026, n.LiveStartedAt.Year())
}
