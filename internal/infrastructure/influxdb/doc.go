// Package influxdb keeps a time series of relay module readings.
//
// Each poll pass becomes one relay_telemetry point (supply voltage plus
// one boolean field per relay), and session lifecycle changes become
// relay_session points. Points are queued on the client library's
// batching writer, so recording never blocks the session; failed
// batches are reported later through SetOnError.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.RecordTelemetry("garage", session.Snapshot())
package influxdb
