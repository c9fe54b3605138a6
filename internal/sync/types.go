// Package sync implements the owned-library sync engine. It keeps one
// user's owned-track set consistent across the in-memory working copy, a
// local cache, and a remote cloud store: reconciliation on session start,
// debounced persistence after every mutation, and step-tagged status
// reporting when the cloud misbehaves.
package sync

import (
	"time"
)

// Phase is the coarse lifecycle state reported in Status.
type Phase string

// Engine phases.
const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseSaving  Phase = "saving"
	PhaseReady   Phase = "ready"
	PhaseError   Phase = "error"
)

// Source labels where the current data came from or went to. It is a
// display hint only and never drives merge decisions.
type Source string

// Status sources.
const (
	SourceNone   Source = "none"
	SourceDevice Source = "device"
	SourceLocal  Source = "local"
	SourceCache  Source = "cache"
	SourceCloud  Source = "cloud"
	SourceBackup Source = "backup"
)

// Step identifies the cloud-bound operation that failed.
type Step string

// Cloud steps surfaced in Status.ErrorStep.
const (
	StepLoadingRemote Step = "loadingRemote"
	StepSavingRemote  Step = "savingRemote"
	StepLoadingBackup Step = "loadingBackup"
	StepSavingBackup  Step = "savingBackup"
	StepCleanupBackup Step = "cleanupBackup"
)

// Well-known mutation reasons.
const (
	ReasonToggle        = "toggle"
	ReasonUpdate        = "update"
	ReasonMarkAll       = "mark_all"
	ReasonExplicitClear = "explicit_clear"
	ReasonManual        = "manual"
	ReasonLogout        = "logout"
	ReasonDebounce      = "debounce"
	ReasonReconcile     = "reconcile"
	ReasonLegacy        = "legacy"
	ReasonInitial       = "initial"
)

// Skip reasons returned in Result.
const (
	SkipMissingID = "missing_id"
	SkipIdentical = "identical"
)

// User-visible status messages.
const (
	msgRestoring       = "Restoring your library…"
	msgRestoringCached = "Restoring your library… Using cached library."
	msgSaving          = "Saving…"
	msgSavedDevice     = "Saved to device"
	msgSyncedCloud     = "Synced to cloud"
	msgSyncPaused      = "Sync paused"
	msgOffline         = "Offline: saved to device"
	msgSyncFailed      = "Sync failed, will retry"
	msgEmptyHeld       = "Saved to device. Empty library not synced"
	msgBackupFailed    = "Synced to cloud. Backup failed, will retry"
	msgLoadedFormat    = "Library loaded (%s)"
)

// Status is the engine's observable sync state. Only the engine mutates
// it; callers receive copies.
type Status struct {
	Phase     Phase     `json:"phase"`
	Source    Source    `json:"source"`
	Message   string    `json:"message"`
	ErrorCode string    `json:"errorCode,omitempty"`
	ErrorStep Step      `json:"errorStep,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SnapshotEvent is emitted on every committed mutation and after
// reconciliation.
type SnapshotEvent struct {
	TrackIDs []string `json:"trackIds"`
	Count    int      `json:"count"`
}

// EventType classifies save-lifecycle telemetry.
type EventType string

// Sync event types.
const (
	EventSaveStarted   EventType = "save_started"
	EventLocalSaved    EventType = "local_saved"
	EventCloudSaved    EventType = "cloud_saved"
	EventCloudDeferred EventType = "cloud_deferred"
	EventCloudFailed   EventType = "cloud_failed"
	EventBackupSaved   EventType = "backup_saved"
	EventBackupFailed  EventType = "backup_failed"
	EventReconciled    EventType = "reconciled"
	EventRecovered     EventType = "recovered"
)

// SyncEvent is optional, non-authoritative save-lifecycle telemetry.
type SyncEvent struct {
	Type   EventType `json:"type"`
	Reason string    `json:"reason,omitempty"`
	Code   string    `json:"code,omitempty"`
	Step   Step      `json:"step,omitempty"`
	At     time.Time `json:"at"`
}

// PendingWrite records a deferred cloud write. It is cleared only by a
// successful cloud write.
type PendingWrite struct {
	Reason     string `json:"reason"`
	AllowEmpty bool   `json:"allowEmpty"`
}

// Result is returned by every mutation. Skipped mutations are not errors.
type Result struct {
	Skipped bool
	Reason  string
	Queued  bool
}

// SetOpts controls SetOwnedList.
type SetOpts struct {
	AllowEmpty bool
}

// FlushOpts controls Flush.
type FlushOpts struct {
	AllowEmpty bool
}

// InitOpts seeds a session when the cache holds nothing.
type InitOpts struct {
	LegacyTrackIDs  []string // ids from a pre-sync storage format
	InitialTrackIDs []string // ids supplied by the host at startup
	SkipCloud       bool     // restore locally only
}

// Meta is a point-in-time view of engine bookkeeping.
type Meta struct {
	UID            string
	Dirty          bool
	DirtySince     time.Time
	Booting        bool
	Saving         bool
	LastSavedAt    time.Time
	LibraryVersion int64
	RemoteCount    int // -1 until the cloud count is known
	Pending        *PendingWrite
	Tombstones     []string
}
