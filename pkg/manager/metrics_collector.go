package manager

import (
	"github.com/cuemby/tailkeeper/pkg/metrics"
	"github.com/cuemby/tailkeeper/pkg/types"
)

var sessionStates = []types.SessionState{
	types.SessionStateProvisioning,
	types.SessionStateConnected,
	types.SessionStateRefreshing,
	types.SessionStateClosed,
}

// collectMetrics publishes session counts per state
func (m *Manager) collectMetrics() {
	counts := m.registry.CountByState()
	for _, state := range sessionStates {
		metrics.SessionsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
