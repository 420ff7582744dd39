package emit

import "log/slog"

// SlogEmitter writes events to a structured logger.
type SlogEmitter struct {
	logger *slog.Logger
}

// NewSlogEmitter creates a SlogEmitter. A nil logger selects slog.Default.
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{logger: logger}
}

// Emit implements Emitter.
func (e *SlogEmitter) Emit(event Event) {
	attrs := make([]any, 0, 6+2*len(event.Meta))
	attrs = append(attrs, "session_id", event.SessionID)
	if event.Step >= 0 {
		attrs = append(attrs, "step", event.Step)
	}
	if event.StepName != "" {
		attrs = append(attrs, "step_name", event.StepName)
	}
	for k, v := range event.Meta {
		attrs = append(attrs, k, v)
	}

	if _, failed := event.Meta["error"]; failed {
		e.logger.Error(event.Msg, attrs...)
		return
	}
	e.logger.Info(event.Msg, attrs...)
}
