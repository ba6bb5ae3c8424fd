package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Components reported by /health. Store and boot gate readiness; a failing
// discovery only degrades health since existing sessions keep streaming.
const (
	ComponentStore     = "store"
	ComponentBoot      = "boot"
	ComponentDiscovery = "discovery"
)

var readinessGates = []string{ComponentStore, ComponentBoot}

// Report is the JSON body of /health and /ready
type Report struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
}

type componentState struct {
	healthy bool
	message string
}

type healthState struct {
	mu         sync.RWMutex
	components map[string]componentState
	started    time.Time
	version    string
}

var health = newHealthState()

func newHealthState() *healthState {
	return &healthState{
		components: make(map[string]componentState),
		started:    time.Now(),
	}
}

// SetVersion sets the version reported by /health and /ready
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// SetComponent records the current health of a component
func SetComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = componentState{healthy: healthy, message: message}
}

// Health summarizes every component: healthy, degraded or unhealthy
func Health() Report {
	health.mu.RLock()
	defer health.mu.RUnlock()

	r := health.report("healthy")
	for name, c := range health.components {
		if c.healthy {
			r.Components[name] = "ok"
			continue
		}
		r.Components[name] = "failing: " + c.message
		switch {
		case isGate(name):
			r.Status = "unhealthy"
		case r.Status == "healthy":
			r.Status = "degraded"
		}
	}
	return r
}

// Readiness is ready once the store is open and boot has finished
func Readiness() Report {
	health.mu.RLock()
	defer health.mu.RUnlock()

	r := health.report("ready")
	for _, name := range readinessGates {
		c, ok := health.components[name]
		switch {
		case !ok:
			r.Components[name] = "pending"
		case !c.healthy:
			r.Components[name] = "failing: " + c.message
		default:
			r.Components[name] = "ok"
			continue
		}
		r.Status = "not_ready"
		if r.Message == "" {
			r.Message = "waiting for " + name
		}
	}
	return r
}

// report starts a Report; caller holds mu
func (h *healthState) report(status string) Report {
	return Report{
		Status:     status,
		Components: make(map[string]string),
		Version:    h.version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
	}
}

func isGate(name string) bool {
	for _, gate := range readinessGates {
		if gate == name {
			return true
		}
	}
	return false
}

// HealthHandler serves /health; only an unhealthy gate returns 503
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := Health()
		code := http.StatusOK
		if report.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := Readiness()
		code := http.StatusOK
		if report.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, report)
	}
}

// LivenessHandler serves /live and always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health.mu.RLock()
		report := health.report("alive")
		health.mu.RUnlock()
		report.Components = nil
		writeReport(w, http.StatusOK, report)
	}
}

func writeReport(w http.ResponseWriter, code int, report Report) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}
