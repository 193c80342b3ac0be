package ethrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	defaultHealthInterval = 30 * time.Second

	// healthCheckTimeout bounds each dependency check.
	healthCheckTimeout = 5 * time.Second
)

// HealthCheck tests one dependency the bridge relies on, such as the
// database or the telemetry store. Check returns nil when it is usable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthPublisher is where health reports go, normally the MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Address is the module host:port shown in the connection block.
	Address string

	// Interval between reports; zero means 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Session   Controller

	// Checks run before every report. The first failure marks the
	// bridge degraded.
	Checks []HealthCheck
}

// HealthReporter publishes a retained health message on HealthTopic at a
// fixed interval and on demand.
type HealthReporter struct {
	cfg     HealthReporterConfig
	started time.Time

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.RWMutex
	logger Logger
}

// NewHealthReporter returns a reporter that is idle until Start.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{cfg: cfg, started: time.Now(), quit: make(chan struct{})}
}

// Start reports every interval until ctx ends or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		tick := time.NewTicker(h.cfg.Interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.quit:
				return
			case <-tick.C:
				if err := h.PublishNow(); err != nil {
					h.logError("failed to publish health", err)
				}
			}
		}
	}()
}

// Stop ends periodic reporting and publishes a final "stopping" report.
// Later calls do nothing.
func (h *HealthReporter) Stop() {
	h.quitOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		if err := h.publish(HealthStopping, ""); err != nil {
			h.logError("failed to publish stopping status", err)
		}
	})
}

// SetLogger sets where report failures are logged.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.mu.Lock()
	h.logger = logger
	h.mu.Unlock()
}

// PublishStarting reports that the bridge is coming up.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "bridge starting")
}

// PublishNow reports the current status without waiting for the next
// tick, so Core sees a session change straight away.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.determineStatus())
}

// LWTPayload returns the JSON offline message for bridgeID, registered
// as the MQTT will before any reporter exists.
func LWTPayload(bridgeID string) ([]byte, error) {
	return json.Marshal(NewLWTMessage(bridgeID))
}

// determineStatus checks, in order, the broker link, the module session
// and the dependency checks.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	switch {
	case h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected():
		return HealthDegraded, "MQTT disconnected"
	case h.cfg.Session == nil:
		return HealthDegraded, "no module session"
	}
	if state := h.cfg.Session.State(); state != StatePolling {
		return HealthDegraded, "module session " + state.String()
	}
	if name, err := RunHealthChecks(context.Background(), h.cfg.Checks); err != nil {
		h.logError("dependency unhealthy", err)
		return HealthDegraded, name + " unhealthy"
	}
	return HealthHealthy, ""
}

// RunHealthChecks runs checks in order, each under its own timeout, and
// returns the name and error of the first one that fails. Checks with a
// nil func are skipped.
func RunHealthChecks(ctx context.Context, checks []HealthCheck) (string, error) {
	for _, c := range checks {
		if c.Check == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := c.Check(checkCtx)
		cancel()
		if err != nil {
			return c.Name, fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return "", nil
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	var stats SessionStats
	if h.cfg.Session != nil {
		stats = h.cfg.Session.Stats()
	}
	msg := NewHealthMessage(h.cfg.BridgeID, h.cfg.Version, h.cfg.Address, status, stats, h.started)
	if reason != "" {
		msg.Reason = reason
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding health: %w", err)
	}
	return h.cfg.Publisher.Publish(HealthTopic(), payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.mu.RLock()
	logger := h.logger
	h.mu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
