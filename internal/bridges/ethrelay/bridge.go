package ethrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// journalTimeout bounds a single journal write.
	journalTimeout = 2 * time.Second
)

// Bridge connects one module session to Gray Logic Core over MQTT.
// It handles:
//   - Receiving relay commands via MQTT and queueing them on the session
//   - Publishing telemetry as retained state when it changes
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	deviceID string
	mqtt     MQTTClient
	session  Controller
	health   *HealthReporter
	recorder TelemetryRecorder // Optional time-series sink
	journal  CommandJournal    // Optional command history

	// Last published state for change detection
	lastState   map[string]any
	lastStateMu sync.Mutex

	// Shutdown coordination
	done      chan struct{}
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes the subscription for a topic pattern.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// TelemetryRecorder stores telemetry snapshots (e.g. in InfluxDB).
// It is optional - if nil, telemetry is only published as MQTT state.
type TelemetryRecorder interface {
	RecordTelemetry(deviceID string, t Telemetry)
}

// CommandJournal records handled commands (e.g. in the SQLite audit log).
// It is optional - if nil, commands are not journalled.
type CommandJournal interface {
	RecordCommand(ctx context.Context, rec CommandRecord) error
}

// CommandRecord describes one command the bridge handled.
type CommandRecord struct {
	CommandID string
	DeviceID  string
	Command   string
	Channel   int
	Source    string
	Status    AckStatus
	Error     string
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// DeviceID is the Gray Logic identifier of the module.
	DeviceID string

	// Version is reported in health messages.
	Version string

	// HealthInterval is how often health is published.
	// Default: 30 seconds.
	HealthInterval time.Duration

	// MQTTClient is the MQTT client implementation.
	MQTTClient MQTTClient

	// Session is the connected module session.
	Session Controller

	// Logger is optional structured logger.
	Logger Logger

	// Recorder is optional; receives every telemetry snapshot.
	Recorder TelemetryRecorder

	// Journal is optional; records every handled command.
	Journal CommandJournal

	// HealthChecks are optional dependency checks folded into the
	// published health status.
	HealthChecks []HealthCheck
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("device ID is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("session is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		deviceID:  opts.DeviceID,
		mqtt:      opts.MQTTClient,
		session:   opts.Session,
		recorder:  opts.Recorder,
		journal:   opts.Journal,
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.DeviceID,
		Version:   opts.Version,
		Address:   opts.Session.Address(),
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Session:   opts.Session,
		Checks:    opts.HealthChecks,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to the command topic, registers for telemetry
// and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.session.SetOnTelemetry(b.HandleTelemetry)

	topic := CommandTopic(b.deviceID)
	if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", topic)

	b.health.Start(ctx)

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.logInfo("bridge started",
		"device_id", b.deviceID,
		"address", b.session.Address())

	return nil
}

// Stop gracefully shuts down the bridge.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		b.session.SetOnTelemetry(nil)

		topic := CommandTopic(b.deviceID)
		if err := b.mqtt.Unsubscribe(topic); err != nil {
			b.logError("failed to unsubscribe from commands", err)
		}

		// Publishes "stopping"
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// SessionClosed publishes health immediately after the module session ends.
func (b *Bridge) SessionClosed(reason string) {
	b.logInfo("module session closed", "reason", reason)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", err)
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch messageType := parts[1]; messageType {
	case "command":
		b.handleCommand(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", messageType))
	}
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = b.deviceID
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	if cmd.DeviceID != b.deviceID {
		b.publishAckError(cmd, 0, ErrCodeNotConfigured,
			fmt.Sprintf("device %s not configured", cmd.DeviceID))
		return
	}

	channel, err := paramInt(cmd.Parameters, "channel")
	if err != nil {
		b.publishAckError(cmd, 0, ErrCodeInvalidParameters, err.Error())
		return
	}

	if err := b.executeCommand(cmd, channel); err != nil {
		b.publishAckError(cmd, channel, errorCode(err), err.Error())
		return
	}

	b.publishAck(cmd, channel)
}

// executeCommand translates a command into a queued session frame.
func (b *Bridge) executeCommand(cmd CommandMessage, channel int) error {
	hold, err := paramDuration(cmd.Parameters, "hold_ms")
	if err != nil {
		return err
	}

	switch cmd.Command {
	case "on":
		return b.session.SubmitCommand(channel, true, hold)
	case "off":
		return b.session.SubmitCommand(channel, false, hold)
	case "toggle":
		return b.session.Toggle(channel)
	case "pulse":
		return b.session.Pulse(channel, hold)
	default:
		return fmt.Errorf("%w: %s", errUnknownCommand, cmd.Command)
	}
}

var (
	errUnknownCommand = errors.New("unknown command")
	errBadParameter   = errors.New("invalid parameter")
)

// errorCode maps a command error onto an ack error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errUnknownCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrNotConnected):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrInvalidChannel),
		errors.Is(err, ErrInvalidHoldTime),
		errors.Is(err, errBadParameter):
		return ErrCodeInvalidParameters
	default:
		return ErrCodeDeviceUnreachable
	}
}

// paramInt reads a required whole-number parameter. JSON numbers decode
// as float64.
func paramInt(params map[string]any, key string) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", errBadParameter, key)
	}
	switch v := raw.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s must be a whole number", errBadParameter, key)
		}
		if math.Abs(v) > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %s is out of range", errBadParameter, key)
		}
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", errBadParameter, key)
	}
}

// paramDuration reads an optional millisecond hold parameter. Values are
// range-checked before conversion so a large count cannot wrap.
func paramDuration(params map[string]any, key string) (time.Duration, error) {
	if _, ok := params[key]; !ok {
		return 0, nil
	}
	ms, err := paramInt(params, key)
	if err != nil {
		return 0, err
	}
	if ms < 0 || ms > int(MaxHoldTime/time.Millisecond) {
		return 0, fmt.Errorf("%w: %s=%d must be 0-%d", ErrInvalidHoldTime, key, ms, MaxHoldTime/time.Millisecond)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// HandleTelemetry publishes the snapshot as retained state when it differs
// from the last published one, and forwards it to the recorder.
func (b *Bridge) HandleTelemetry(t Telemetry) {
	select {
	case <-b.done:
		return
	default:
	}

	if b.recorder != nil {
		b.recorder.RecordTelemetry(b.deviceID, t)
	}

	msg := NewStateMessage(b.deviceID, t)
	if b.stateUnchanged(msg.State) {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}

	if err := b.mqtt.Publish(StateTopic(b.deviceID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
		b.ClearStateCache()
		return
	}

	b.logDebug("published state",
		"device_id", b.deviceID,
		"outputs", int(t.Outputs),
		"supply", t.SupplyVoltage.String())
}

// stateUnchanged reports whether state equals the last published state,
// recording it as the new baseline when it does not.
func (b *Bridge) stateUnchanged(state map[string]any) bool {
	b.lastStateMu.Lock()
	defer b.lastStateMu.Unlock()

	if b.lastState != nil && len(b.lastState) == len(state) {
		same := true
		for k, v := range state {
			if b.lastState[k] != v {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}

	b.lastState = state
	return false
}

// ClearStateCache forces the next telemetry snapshot to be published.
func (b *Bridge) ClearStateCache() {
	b.lastStateMu.Lock()
	b.lastState = nil
	b.lastStateMu.Unlock()
}

// publishAck publishes a queued acknowledgment.
func (b *Bridge) publishAck(cmd CommandMessage, channel int) {
	ack := NewAckMessage(cmd, AckQueued, b.session.Address())
	b.sendAck(ack)
	b.recordCommand(cmd, channel, AckQueued, "")
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, channel int, code, message string) {
	ack := NewAckError(cmd, b.session.Address(), code, message)
	b.sendAck(ack)
	b.recordCommand(cmd, channel, AckFailed, code+": "+message)

	b.logError("command failed",
		fmt.Errorf("code=%s message=%s", code, message))
}

func (b *Bridge) sendAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	if err := b.mqtt.Publish(AckTopic(b.deviceID), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

func (b *Bridge) recordCommand(cmd CommandMessage, channel int, status AckStatus, detail string) {
	if b.journal == nil {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, journalTimeout)
	defer cancel()

	rec := CommandRecord{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Command,
		Channel:   channel,
		Source:    cmd.Source,
		Status:    status,
		Error:     detail,
	}
	if err := b.journal.RecordCommand(ctx, rec); err != nil {
		b.logError("failed to journal command", err)
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
