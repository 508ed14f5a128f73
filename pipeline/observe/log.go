package observe

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogObserver writes each event as a structured zap entry.
//
// Levels follow severity: sends at debug, deliveries and flushes at info,
// retries at warn, drops, evictions and faults at error. The message is the
// event kind, so entries can be filtered on msg.
//
// Example output (production encoder):
//
//	{"level":"error","msg":"batch_dropped","batch_id":"6f1c...","size":50,"attempt":3,"status":503,"reason":"retries_exhausted"}
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates a LogObserver. A nil logger discards everything.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

// Observe implements Observer.
func (l *LogObserver) Observe(event Event) {
	ce := l.logger.Check(levelFor(event.Kind), string(event.Kind))
	if ce == nil {
		return
	}
	ce.Write(fields(event)...)
}

func levelFor(kind Kind) zapcore.Level {
	switch kind {
	case KindBatchSent:
		return zapcore.DebugLevel
	case KindBatchRetry:
		return zapcore.WarnLevel
	case KindBatchDropped, KindPayloadEvicted, KindWorkerFault:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func fields(event Event) []zap.Field {
	fs := make([]zap.Field, 0, 8+len(event.Meta))
	if event.BatchID != "" {
		fs = append(fs, zap.String("batch_id", event.BatchID))
	}
	if event.Size > 0 {
		fs = append(fs, zap.Int("size", event.Size))
	}
	if event.Kind != KindFlushResolved && event.Kind != KindWorkerStopped {
		fs = append(fs, zap.Int("attempt", event.Attempt))
	}
	if event.StatusCode != 0 {
		fs = append(fs, zap.Int("status", event.StatusCode))
	}
	if event.Reason != "" {
		fs = append(fs, zap.String("reason", event.Reason))
	}
	if event.Delay > 0 {
		fs = append(fs, zap.Duration("delay", event.Delay))
	}
	for k, v := range event.Meta {
		fs = append(fs, zap.Any(k, v))
	}
	return fs
}
