package meter

import (
	"sync"
	"time"

	"github.com/ineyio/inferbatch"
)

// StatsMeter accumulates batch counters in memory.
type StatsMeter struct {
	mu    sync.Mutex
	stats Stats
}

// Stats is a snapshot of StatsMeter counters.
type Stats struct {
	Dispatched       int64
	Succeeded        int64
	Failed           map[inferbatch.ErrorKind]int64
	PromptTokens     int64
	CompletionTokens int64
	EstimatedTokens  int64
	Cost             float64
	MaxWait          time.Duration
}

var _ inferbatch.Meter = (*StatsMeter)(nil)

// NewStatsMeter creates an empty StatsMeter.
func NewStatsMeter() *StatsMeter {
	return &StatsMeter{stats: Stats{Failed: make(map[inferbatch.ErrorKind]int64)}}
}

func (m *StatsMeter) OnDispatch(e inferbatch.DispatchEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Dispatched++
	if e.Waited > m.stats.MaxWait {
		m.stats.MaxWait = e.Waited
	}
}

func (m *StatsMeter) OnResult(e inferbatch.ResultEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.EstimatedTokens += e.EstimatedTokens
	if !e.Success {
		m.stats.Failed[e.Kind]++
		return
	}
	m.stats.Succeeded++
	m.stats.PromptTokens += e.Usage.PromptTokens
	m.stats.CompletionTokens += e.Usage.CompletionTokens
	m.stats.Cost += e.Cost.Total()
}

// Snapshot returns a copy of the current counters.
func (m *StatsMeter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Failed = make(map[inferbatch.ErrorKind]int64, len(m.stats.Failed))
	for k, v := range m.stats.Failed {
		s.Failed[k] = v
	}
	return s
}
