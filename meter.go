package inferbatch

import "time"

// Meter observes dispatch events for monitoring/logging.
type Meter interface {
	// OnDispatch is called when a request is admitted by the limiter and
	// handed to the transport.
	OnDispatch(event DispatchEvent)

	// OnResult is called once per request with its final outcome.
	OnResult(event ResultEvent)
}

// DispatchEvent describes an admitted request.
type DispatchEvent struct {
	RequestID       string
	Index           int
	Provider        string
	Model           string
	EstimatedTokens int64
	Waited          time.Duration
}

// ResultEvent describes the outcome of a request.
type ResultEvent struct {
	RequestID       string
	Index           int
	Provider        string
	Model           string
	Success         bool
	Kind            ErrorKind
	Duration        time.Duration
	EstimatedTokens int64
	Usage           Usage
	Cost            Cost
	Error           error
}

type noopMeter struct{}

func (m *noopMeter) OnDispatch(DispatchEvent) {}
func (m *noopMeter) OnResult(ResultEvent)     {}
