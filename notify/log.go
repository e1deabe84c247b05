package notify

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogSink writes events to the global zerolog logger. Disable and failure
// events are logged at warn level, everything else at info.
type LogSink struct{}

func (LogSink) Notify(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case KindAutoDisabled, KindErrorThreshold, KindInstallFailed, KindUpdateFailed, KindRollbackFailed, KindUninstallFailed:
		ev = log.Warn()
	default:
		ev = log.Info()
	}

	ev = ev.Str("event", string(e.Kind)).Str("extension", e.ExtensionID)
	if e.Version != "" {
		ev = ev.Str("version", e.Version)
	}
	if e.Duration > 0 {
		ev = ev.Dur("duration", e.Duration)
	}
	if e.MemoryMB > 0 {
		ev = ev.Float64("memory_mb", e.MemoryMB)
	}
	if e.ErrorCount > 0 {
		ev = ev.Int64("error_count", e.ErrorCount)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	if e.OperationID != "" {
		ev = ev.Str("operation", e.OperationID).Uint64("seq", e.Seq)
	}
	ev.Msg("extension event")
}
