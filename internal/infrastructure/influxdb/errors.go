package influxdb

import "errors"

// Errors returned by Client.
//
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry history is off
//	}
var (
	ErrNotConnected     = errors.New("influxdb: client closed")
	ErrConnectionFailed = errors.New("influxdb: cannot reach server")
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
)
