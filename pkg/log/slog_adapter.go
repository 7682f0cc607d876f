package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes SDK events to an slog.Logger.
// Useful for development when you want to see sync events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at the corresponding level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("component", event.Component.String()),
	}

	if event.DeviceID != "" {
		attrs = append(attrs, slog.String("device_id", event.DeviceID))
	}
	if event.RequestID != 0 {
		attrs = append(attrs, slog.Uint64("request_id", uint64(event.RequestID)))
	}
	if event.AttributeID != 0 {
		attrs = append(attrs, slog.Uint64("attribute_id", uint64(event.AttributeID)))
	}
	if event.Seq != 0 {
		attrs = append(attrs, slog.Uint64("seq", event.Seq))
	}
	if event.StateChange != nil {
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	}
	if event.Err != "" {
		attrs = append(attrs, slog.String("error", event.Err))
	}

	a.logger.LogAttrs(context.Background(), slogLevel(event.Level), event.Message, attrs...)
}

// slogLevel maps an SDK level to an slog level.
func slogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
