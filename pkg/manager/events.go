package manager

import (
	"github.com/cuemby/tailkeeper/pkg/events"
	"github.com/cuemby/tailkeeper/pkg/metrics"
)

// recordEvents counts lifecycle events and logs them at debug level until
// the manager stops
func (m *Manager) recordEvents(sub events.Subscriber) {
	defer m.broker.Unsubscribe(sub)

	for {
		select {
		case e := <-sub:
			metrics.SessionEventsTotal.WithLabelValues(string(e.Type)).Inc()
			m.logger.Debug().
				Str("event", string(e.Type)).
				Str("workload", string(e.Workload)).
				Str("message", e.Message).
				Time("at", e.Timestamp).
				Msg("Session event")
		case <-m.ctx.Done():
			return
		}
	}
}
