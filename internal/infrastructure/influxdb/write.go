package influxdb

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-ethrelay/internal/bridges/ethrelay"
)

// Measurement names.
const (
	measurementTelemetry = "relay_telemetry"
	measurementSession   = "relay_session"
)

// RecordTelemetry writes one poll cycle's readings as a relay_telemetry point.
//
// Tags: device_id, serial. Fields: supply_volts, outputs and one
// relay_N boolean per configured channel. The point carries the
// telemetry timestamp, not the write time.
//
// The write is non-blocking; data is batched and sent asynchronously.
// It satisfies ethrelay.TelemetryRecorder.
func (c *Client) RecordTelemetry(deviceID string, t ethrelay.Telemetry) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(telemetryPoint(deviceID, t))
}

// telemetryPoint builds the relay_telemetry point for t.
func telemetryPoint(deviceID string, t ethrelay.Telemetry) *write.Point {
	fields := map[string]interface{}{
		"supply_volts": t.SupplyVoltage.Volts(),
		"outputs":      int64(t.Outputs),
	}
	for i, on := range t.Outputs.States(t.Channels) {
		fields[fmt.Sprintf("relay_%d", i+1)] = on
	}

	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return write.NewPoint(
		measurementTelemetry,
		map[string]string{
			"device_id": deviceID,
			"serial":    t.SerialNumber,
		},
		fields,
		ts,
	)
}

// WriteSessionEvent records a session lifecycle event (connect, disconnect
// or error) as a relay_session point.
//
// Parameters:
//   - deviceID: Gray Logic device identifier
//   - event: Event name
//   - detail: Free-form detail such as the error message (may be empty)
func (c *Client) WriteSessionEvent(deviceID, event, detail string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		measurementSession,
		map[string]string{
			"device_id": deviceID,
			"event":     event,
		},
		map[string]interface{}{
			"count":  int64(1),
			"detail": detail,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
