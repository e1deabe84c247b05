// Package notify carries governance events to observers. Delivery is fire
// and forget: a sink never reports failure back to the component that
// raised the event.
package notify

import (
	"time"
)

// Kind names an event type.
type Kind string

// Runtime governor events.
const (
	KindSlowdown       Kind = "slowdown"
	KindMemoryOveruse  Kind = "memory_overuse"
	KindErrorThreshold Kind = "error_threshold"
	KindAutoDisabled   Kind = "auto_disabled"
)

// Lifecycle events.
const (
	KindInstallStarted     Kind = "install_started"
	KindInstallCompleted   Kind = "install_completed"
	KindInstallFailed      Kind = "install_failed"
	KindUpdateStarted      Kind = "update_started"
	KindUpdateCompleted    Kind = "update_completed"
	KindUpdateFailed       Kind = "update_failed"
	KindRollbackCompleted  Kind = "rollback_completed"
	KindRollbackFailed     Kind = "rollback_failed"
	KindUninstallStarted   Kind = "uninstall_started"
	KindUninstallCompleted Kind = "uninstall_completed"
	KindUninstallFailed    Kind = "uninstall_failed"
	KindEnabled            Kind = "enabled"
)

// Event is one notification. Fields that do not apply to Kind are zero.
type Event struct {
	Kind        Kind          `json:"kind"`
	ExtensionID string        `json:"extension_id"`
	Version     string        `json:"version,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	MemoryMB    float64       `json:"memory_mb,omitempty"`
	ErrorCount  int64         `json:"error_count,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	OperationID string        `json:"operation_id,omitempty"`
	Seq         uint64        `json:"seq,omitempty"`
	Time        time.Time     `json:"time"`
}

// Sink receives events. Notify must not block for long.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans one event out to several sinks in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return multi(out)
}

type multi []Sink

func (m multi) Notify(e Event) {
	for _, s := range m {
		s.Notify(e)
	}
}
