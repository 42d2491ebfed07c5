package domain

import "github.com/google/uuid"

// SyncStep names what a sync pass is doing for one video
type SyncStep string

const (
	StepIndex    SyncStep = "index"
	StepDownload SyncStep = "download"
	StepCached   SyncStep = "cached"
	StepMerge    SyncStep = "merge"
	StepUpload   SyncStep = "upload"
	StepConflict SyncStep = "conflict"
	StepOrphan   SyncStep = "orphan"
)

// SyncProgress reports progress during an online refresh.
type SyncProgress struct {
	Host    string
	ID      uuid.UUID // zero for host-level steps
	Step    SyncStep
	Attempt int
	Err     error
}

// SyncObserver receives progress updates during sync operations.
type SyncObserver interface {
	OnProgress(progress SyncProgress)
}

// NoOpObserver discards progress updates (for testing/batch operations).
type NoOpObserver struct{}

func (NoOpObserver) OnProgress(SyncProgress) {}

// ObserverFunc adapts a function to SyncObserver
type ObserverFunc func(SyncProgress)

func (f ObserverFunc) OnProgress(p SyncProgress) { f(p) }
