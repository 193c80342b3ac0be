package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors config.yaml. See Load for how values are layered.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Console   ConsoleConfig   `yaml:"console"`
}

// DeviceConfig identifies the relay module and tunes its session.
type DeviceConfig struct {
	// ID is the Gray Logic device identifier used in MQTT topics.
	ID string `yaml:"id"`

	// Host is the module IP or host name. If empty, the module is found
	// through discovery by Name.
	Host string `yaml:"host"`

	// Name selects a discovered module by host name.
	Name string `yaml:"name"`

	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	Channels int    `yaml:"channels"`

	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	IOTimeout        time.Duration `yaml:"io_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	CloseGracePeriod time.Duration `yaml:"close_grace_period"`
}

// DiscoveryConfig controls how modules are located on the network.
type DiscoveryConfig struct {
	// Mode is "static" (use Static), "broadcast" (UDP announce query to
	// BroadcastAddress) or "mdns" (browse Service).
	Mode             string        `yaml:"mode"`
	BroadcastAddress string        `yaml:"broadcast_address"`
	Service          string        `yaml:"service"`
	Domain           string        `yaml:"domain"`
	Timeout          time.Duration `yaml:"timeout"`
	Static           []StaticEntry `yaml:"static"`
}

// StaticEntry is a known module address.
type StaticEntry struct {
	HostName string `yaml:"host_name"`
	IP       string `yaml:"ip"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled        bool                `yaml:"enabled"`
	Broker         MQTTBrokerConfig    `yaml:"broker"`
	Auth           MQTTAuthConfig      `yaml:"auth"`
	QoS            int                 `yaml:"qos"`
	Reconnect      MQTTReconnectConfig `yaml:"reconnect"`
	HealthInterval int                 `yaml:"health_interval"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
// An empty AllowedOrigins list allows every origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ConsoleConfig contains interactive console settings.
type ConsoleConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Prompt      string `yaml:"prompt"`
	HistoryFile string `yaml:"history_file"`
}

// Discovery modes.
const (
	DiscoveryStatic    = "static"
	DiscoveryBroadcast = "broadcast"
	DiscoveryMDNS      = "mdns"
)

// Load builds the configuration in three layers: built-in defaults, then
// the YAML file at path, then ETHRELAY_* environment variables. The
// result is validated before it is returned.
//
// Parameters:
//   - path: YAML configuration file
//
// Returns:
//   - *Config: Validated configuration
//   - error: Wrapped read, parse or validation failure
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default is the configuration used when no file exists: defaults plus
// environment overrides, unvalidated.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:               "ethrelay-001",
			Port:             17494,
			Channels:         2,
			ConnectTimeout:   10 * time.Second,
			IOTimeout:        5 * time.Second,
			PollInterval:     100 * time.Millisecond,
			CloseGracePeriod: time.Second,
		},
		Discovery: DiscoveryConfig{
			Mode:             DiscoveryStatic,
			BroadcastAddress: "255.255.255.255:30303",
			Service:          "_ethrelay._tcp",
			Domain:           "local",
			Timeout:          3 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/ethrelay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-ethrelay",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			HealthInterval: 30,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8094,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Console: ConsoleConfig{
			Prompt: "ethrelay> ",
		},
	}
}

// envOverrides maps each supported variable to the field it replaces.
// Values that fail to parse are ignored.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"ETHRELAY_DEVICE_HOST", func(c *Config, v string) { c.Device.Host = v }},
	{"ETHRELAY_DEVICE_PASSWORD", func(c *Config, v string) { c.Device.Password = v }},
	{"ETHRELAY_DATABASE_PATH", func(c *Config, v string) { c.Database.Path = v }},
	{"ETHRELAY_MQTT_HOST", func(c *Config, v string) { c.MQTT.Broker.Host = v }},
	{"ETHRELAY_MQTT_USERNAME", func(c *Config, v string) { c.MQTT.Auth.Username = v }},
	{"ETHRELAY_MQTT_PASSWORD", func(c *Config, v string) { c.MQTT.Auth.Password = v }},
	{"ETHRELAY_INFLUXDB_TOKEN", func(c *Config, v string) { c.InfluxDB.Token = v }},
	{"ETHRELAY_API_PORT", func(c *Config, v string) {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		}
	}},
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.apply(cfg, v)
		}
	}
}

// Validate reports every problem found, joined with "; ".
func (c *Config) Validate() error {
	var errs []string
	for _, section := range []func() []string{c.validateDevice, c.validateDiscovery, c.validateServices} {
		errs = append(errs, section()...)
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateDevice() []string {
	var errs []string
	d := c.Device
	if d.ID == "" {
		errs = append(errs, "device.id is required")
	}
	if d.Host == "" && d.Name == "" {
		errs = append(errs, "device.host or device.name is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, "device.port must be between 1 and 65535")
	}
	if d.Channels < 1 || d.Channels > 8 {
		errs = append(errs, "device.channels must be between 1 and 8")
	}
	if min(d.PollInterval, d.IOTimeout, d.ConnectTimeout) < 0 {
		errs = append(errs, "device timeouts must not be negative")
	}
	return errs
}

func (c *Config) validateDiscovery() []string {
	d := c.Discovery
	switch d.Mode {
	case DiscoveryStatic:
		var errs []string
		for i, e := range d.Static {
			if net.ParseIP(e.IP) == nil {
				errs = append(errs, fmt.Sprintf("discovery.static[%d].ip %q is not an IP address", i, e.IP))
			}
		}
		return errs
	case DiscoveryBroadcast:
		if _, _, err := net.SplitHostPort(d.BroadcastAddress); err != nil {
			return []string{fmt.Sprintf("discovery.broadcast_address %q must be host:port", d.BroadcastAddress)}
		}
	case DiscoveryMDNS:
		if d.Service == "" {
			return []string{"discovery.service is required for mdns discovery"}
		}
	default:
		return []string{"discovery.mode must be static, broadcast or mdns"}
	}
	return nil
}

// validateServices covers the optional outer services.
func (c *Config) validateServices() []string {
	var errs []string
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.API.Enabled && (c.API.Port < 0 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	return errs
}

// GetHealthInterval returns the MQTT health interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.MQTT.HealthInterval) * time.Second
}
