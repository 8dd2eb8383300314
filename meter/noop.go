package meter

import "github.com/ineyio/inferbatch"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ inferbatch.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDispatch(inferbatch.DispatchEvent) {}
func (m *NoopMeter) OnResult(inferbatch.ResultEvent)     {}
