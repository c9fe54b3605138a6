package sync

import (
	"log/slog"
	"slices"
	"time"

	"github.com/tonimelisma/ownedsync/internal/snapshot"
)

// PlanInput holds every tier's snapshot as read at reconciliation time.
// A nil tier was absent (never written or unreadable). Tombstones are ids
// removed locally whose removal has not reached the cloud yet.
type PlanInput struct {
	Cache      *snapshot.Snapshot
	Cloud      *snapshot.Snapshot
	Backup     *snapshot.Snapshot
	Tombstones []string
}

// ReconcilePlan is the authoritative snapshot plus the writes needed to
// bring every tier in line with it.
type ReconcilePlan struct {
	Chosen            snapshot.Snapshot
	Source            Source
	ShouldUpdateCache bool
	ShouldWriteCloud  bool
	ShouldSeedCloud   bool
	Recovered         bool
}

// Planner is a pure decision function with logging. It performs no I/O.
type Planner struct {
	logger *slog.Logger
}

// NewPlanner creates a Planner with the given logger.
func NewPlanner(logger *slog.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan runs BuildPlan and logs the decision.
func (p *Planner) Plan(in PlanInput) ReconcilePlan {
	plan := BuildPlan(in)

	p.logger.Info("reconciliation planned",
		slog.Int("cache_count", len(snapshot.IDs(in.Cache))),
		slog.Int("cloud_count", len(snapshot.IDs(in.Cloud))),
		slog.Int("backup_count", len(snapshot.IDs(in.Backup))),
		slog.Int("tombstones", len(in.Tombstones)),
		slog.Int("chosen_count", plan.Chosen.Count),
		slog.String("source", string(plan.Source)),
		slog.Bool("update_cache", plan.ShouldUpdateCache),
		slog.Bool("write_cloud", plan.ShouldWriteCloud),
		slog.Bool("seed_cloud", plan.ShouldSeedCloud),
		slog.Bool("recovered", plan.Recovered),
	)

	return plan
}

// BuildPlan merges the cache, cloud and backup tiers. The chosen id set is
// the union of all tiers, so an id known to any tier survives; only
// explicit tombstones remove ids. An empty tier never overrides a non-empty
// one.
func BuildPlan(in PlanInput) ReconcilePlan {
	if in.Cache == nil && in.Cloud == nil && in.Backup == nil {
		return ReconcilePlan{
			Chosen: snapshot.Normalize(snapshot.Raw{}),
			Source: SourceNone,
		}
	}

	cloudIDs := snapshot.NormalizeIDs(snapshot.IDs(in.Cloud))
	cacheIDs := snapshot.NormalizeIDs(snapshot.IDs(in.Cache))
	backupIDs := snapshot.NormalizeIDs(snapshot.IDs(in.Backup))

	merged := snapshot.Union(cloudIDs, cacheIDs, backupIDs)
	if len(in.Tombstones) > 0 {
		merged = snapshot.NormalizeIDs(snapshot.Diff(merged, in.Tombstones))
	}

	cloudEmpty := len(cloudIDs) == 0
	cacheEmpty := len(cacheIDs) == 0
	backupEmpty := len(backupIDs) == 0

	chosen := snapshot.Normalize(snapshot.Raw{
		TrackIDs:       merged,
		LibraryVersion: maxVersion(in.Cloud, in.Cache, in.Backup),
		UpdatedAt:      firstUpdatedAt(in.Cloud, in.Cache, in.Backup),
	})

	return ReconcilePlan{
		Chosen:            chosen,
		Source:            pickSource(cloudEmpty, cacheEmpty, backupEmpty),
		ShouldUpdateCache: !slices.Equal(merged, cacheIDs),
		ShouldWriteCloud:  !slices.Equal(merged, cloudIDs),
		ShouldSeedCloud:   cloudEmpty && (!cacheEmpty || !backupEmpty),
		Recovered:         (cloudEmpty && (!cacheEmpty || !backupEmpty)) || (cacheEmpty && !backupEmpty),
	}
}

// pickSource returns the display label for a plan.
func pickSource(cloudEmpty, cacheEmpty, backupEmpty bool) Source {
	switch {
	case !cloudEmpty:
		return SourceCloud
	case !cacheEmpty:
		return SourceCache
	case !backupEmpty:
		return SourceBackup
	default:
		return SourceNone
	}
}

func maxVersion(tiers ...*snapshot.Snapshot) int64 {
	var v int64

	for _, t := range tiers {
		if t != nil && t.LibraryVersion > v {
			v = t.LibraryVersion
		}
	}

	return v
}

// firstUpdatedAt returns the first non-nil UpdatedAt in priority order.
func firstUpdatedAt(tiers ...*snapshot.Snapshot) *time.Time {
	for _, t := range tiers {
		if t != nil && t.UpdatedAt != nil {
			return t.UpdatedAt
		}
	}

	return nil
}
