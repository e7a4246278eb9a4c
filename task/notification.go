package task

import "time"

type EventKind string

const (
	BatchRequested  EventKind = "batch_requested"
	BatchProved     EventKind = "batch_proved"
	BundleProved    EventKind = "bundle_proved"
	BundleSubmitted EventKind = "bundle_submitted"
	PipelineFailure EventKind = "failure"
)

// Notification describes one step of the pipeline.
type Notification struct {
	Kind            EventKind `json:"kind"`
	BatchIndex      uint64    `json:"batch_index,omitempty"`
	BeginBatchIndex uint64    `json:"begin_batch_index,omitempty"`
	EndBatchIndex   uint64    `json:"end_batch_index,omitempty"`
	Operation       string    `json:"operation,omitempty"`
	Error           string    `json:"error,omitempty"`
	Time            time.Time `json:"time"`
}

// Notifier receives pipeline notifications. Notify must not block.
type Notifier interface {
	Notify(n Notification)
}
