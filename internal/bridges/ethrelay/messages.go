package ethrelay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol names this bridge in topics and message bodies.
const Protocol = "ethrelay"

// TopicPrefix is the root of all Gray Logic MQTT topics.
const TopicPrefix = "graylogic"

// CommandMessage drives a relay. Core publishes it on CommandTopic.
//
// Parameters carry the channel and, for pulse, the hold time:
//
//	{"channel": 2, "hold_ms": 1500}
type CommandMessage struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	DeviceID   string         `json:"device_id"`
	Command    string         `json:"command"` // on, off, toggle or pulse
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source"` // api, automation, scene, console...
	UserID     string         `json:"user_id,omitempty"`
}

// commandWire is CommandMessage with the timestamp as text, so an empty
// string decodes to the zero time and encoding drops sub-second digits.
type commandWire struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	DeviceID   string         `json:"device_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source"`
	UserID     string         `json:"user_id,omitempty"`
}

// MarshalJSON writes Timestamp as RFC 3339 in UTC.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(commandWire{
		ID: m.ID, Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
		DeviceID: m.DeviceID, Command: m.Command, Parameters: m.Parameters,
		Source: m.Source, UserID: m.UserID,
	})
}

// UnmarshalJSON accepts an RFC 3339 or empty timestamp.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	var w commandWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	var ts time.Time
	if w.Timestamp != "" {
		var err error
		if ts, err = time.Parse(time.RFC3339, w.Timestamp); err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
	}
	*m = CommandMessage{
		ID: w.ID, Timestamp: ts, DeviceID: w.DeviceID, Command: w.Command,
		Parameters: w.Parameters, Source: w.Source, UserID: w.UserID,
	}
	return nil
}

// AckStatus is the outcome reported for a command.
type AckStatus string

const (
	// AckQueued means the command passed validation and will reach the
	// module on the next poll pass.
	AckQueued AckStatus = "queued"
	AckFailed AckStatus = "failed"
)

// AckMessage answers a CommandMessage on AckTopic.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"` // module host:port
	Error     *AckError `json:"error,omitempty"`
}

// AckError explains a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ack error codes.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
)

// StateMessage is the retained snapshot published on StateTopic, e.g.
//
//	{"supply_volts": 12.5, "outputs": 1, "relay_1": true, "relay_2": false,
//	 "serial": "AA:BB:CC:DD:EE:FF", "module_id": 2, "firmware": 9}
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol"`
	Address   string         `json:"address"`
}

// HealthStatus is the bridge status carried on HealthTopic.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"  // polling, broker and dependencies up
	HealthDegraded HealthStatus = "degraded" // something is down; see Reason
	HealthOffline  HealthStatus = "offline"  // published by the broker as the will
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained bridge status.
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the module session. Status is the session
// state name ("polling", "closed" and so on).
type ConnectionStatus struct {
	Status         string     `json:"status"`
	Address        string     `json:"address"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

// BridgeStatistics are the session counters.
type BridgeStatistics struct {
	CommandsSent     uint64 `json:"commands_sent"`
	Polls            uint64 `json:"polls"`
	Errors           uint64 `json:"errors"`
	TelemetryDropped uint64 `json:"telemetry_dropped"`
}

func newAck(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckMessage acknowledges cmd with status.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return newAck(cmd, status, address)
}

// NewAckError reports cmd as failed with code and message.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	ack := newAck(cmd, AckFailed, address)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage flattens a telemetry snapshot into a StateMessage.
func NewStateMessage(deviceID string, t Telemetry) StateMessage {
	state := map[string]any{
		"supply_volts": t.SupplyVoltage.Volts(),
		"outputs":      int(t.Outputs),
		"serial":       t.SerialNumber,
		"module_id":    int(t.ModuleID),
		"firmware":     int(t.Firmware),
	}
	for i, on := range t.Outputs.States(t.Channels) {
		state[fmt.Sprintf("relay_%d", i+1)] = on
	}
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: t.Timestamp.UTC(),
		State:     state,
		Protocol:  Protocol,
		Address:   t.Address,
	}
}

// NewHealthMessage builds a report from session counters. ConnectedSince
// is only set while polling.
func NewHealthMessage(bridgeID, version, address string, status HealthStatus, stats SessionStats, startTime time.Time) HealthMessage {
	conn := &ConnectionStatus{Status: stats.State.String(), Address: address}
	if stats.State == StatePolling && !stats.ConnectedSince.IsZero() {
		since := stats.ConnectedSince.UTC()
		conn.ConnectedSince = &since
	}

	return HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Connection:    conn,
		Statistics: &BridgeStatistics{
			CommandsSent:     stats.CommandsTx,
			Polls:            stats.PollsTotal,
			Errors:           stats.ErrorsTotal,
			TelemetryDropped: stats.TelemetryDropped,
		},
	}
}

// NewLWTMessage is the offline report the broker publishes if the
// bridge drops without disconnecting.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected disconnect",
	}
}

func topic(kind, deviceID string) string {
	if deviceID == "" {
		return TopicPrefix + "/" + kind + "/" + Protocol
	}
	return TopicPrefix + "/" + kind + "/" + Protocol + "/" + deviceID
}

// StateTopic is graylogic/state/ethrelay/{device_id}.
func StateTopic(deviceID string) string { return topic("state", deviceID) }

// CommandTopic is graylogic/command/ethrelay/{device_id}.
func CommandTopic(deviceID string) string { return topic("command", deviceID) }

// AckTopic is graylogic/ack/ethrelay/{device_id}.
func AckTopic(deviceID string) string { return topic("ack", deviceID) }

// HealthTopic is graylogic/health/ethrelay.
func HealthTopic() string { return topic("health", "") }
