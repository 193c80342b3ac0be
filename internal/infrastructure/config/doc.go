// Package config loads config.yaml for the ETH relay bridge.
//
// Values are layered: built-in defaults, then the file, then ETHRELAY_*
// environment variables (for example ETHRELAY_DEVICE_PASSWORD or
// ETHRELAY_API_PORT). Secrets belong in the environment; a config file
// that does hold them should be mode 0600.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
