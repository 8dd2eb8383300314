package meter

import (
	"log/slog"

	"github.com/ineyio/inferbatch"
)

// LogMeter logs dispatch events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ inferbatch.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDispatch(e inferbatch.DispatchEvent) {
	m.Logger.Debug("dispatch",
		"request_id", e.RequestID,
		"index", e.Index,
		"provider", e.Provider,
		"model", e.Model,
		"estimated_tokens", e.EstimatedTokens,
		"waited_ms", e.Waited.Milliseconds(),
	)
}

func (m *LogMeter) OnResult(e inferbatch.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"index", e.Index,
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"estimated_tokens", e.EstimatedTokens,
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
			"cost", e.Cost.Total(),
		)
		return
	}
	m.Logger.Warn("result_error",
		"request_id", e.RequestID,
		"index", e.Index,
		"model", e.Model,
		"kind", string(e.Kind),
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}
