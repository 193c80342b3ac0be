package api

import (
	"net/http"

	"github.com/nerrad567/gray-logic-ethrelay/internal/bridges/ethrelay"
)

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status            ethrelay.HealthStatus `json:"status"`
	Reason            string                `json:"reason,omitempty"`
	Version           string                `json:"version"`
	Session           string                `json:"session"`
	WebSocketClients  int                   `json:"websocket_clients"`
	MQTTSubscriptions *int                  `json:"mqtt_subscriptions,omitempty"`
	Database          *databaseStats        `json:"database,omitempty"`
}

type databaseStats struct {
	OpenConnections int `json:"open_connections"`
	InUse           int `json:"in_use"`
	Idle            int `json:"idle"`
}

// handleHealth reports whether the module is polling and every dependency
// check passes. Degraded answers 503 so load balancers and probes can act on
// the status code alone.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.controller.State()
	resp := healthResponse{
		Status:           ethrelay.HealthHealthy,
		Version:          s.version,
		Session:          state.String(),
		WebSocketClients: s.hub.ClientCount(),
	}

	if s.mqtt != nil {
		n := s.mqtt.SubscriptionCount()
		resp.MQTTSubscriptions = &n
	}
	if s.db != nil {
		st := s.db.Stats()
		resp.Database = &databaseStats{
			OpenConnections: st.OpenConnections,
			InUse:           st.InUse,
			Idle:            st.Idle,
		}
	}

	switch name, err := ethrelay.RunHealthChecks(r.Context(), s.checks); {
	case state != ethrelay.StatePolling:
		resp.Status = ethrelay.HealthDegraded
		resp.Reason = "module session " + state.String()
	case err != nil:
		s.logger.Warn("health check failed", "check", name, "error", err)
		resp.Status = ethrelay.HealthDegraded
		resp.Reason = name + " unhealthy"
	}

	status := http.StatusOK
	if resp.Status != ethrelay.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	respond(w, status, resp)
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	State      string                    `json:"state"`
	Address    string                    `json:"address"`
	Module     *ethrelay.StateMessage    `json:"module,omitempty"`
	Statistics ethrelay.BridgeStatistics `json:"statistics"`
}

// handleStatus returns the session state, statistics and, once the module
// is polling, its latest readings.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.controller.State()
	stats := s.controller.Stats()

	resp := statusResponse{
		State:   state.String(),
		Address: s.controller.Address(),
		Statistics: ethrelay.BridgeStatistics{
			CommandsSent:     stats.CommandsTx,
			Polls:            stats.PollsTotal,
			Errors:           stats.ErrorsTotal,
			TelemetryDropped: stats.TelemetryDropped,
		},
	}
	if state == ethrelay.StatePolling {
		msg := ethrelay.NewStateMessage(s.deviceID, s.controller.Snapshot())
		resp.Module = &msg
	}

	respond(w, http.StatusOK, resp)
}
