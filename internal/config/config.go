// Package config handles envnode configuration loading and validation.
package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Feature values for the Encoding key.
const (
	EncodingInflux = "influx"
	EncodingJSON   = "json"
)

// Feature values for the Security key.
const (
	SecurityPlain = "plain"
	SecurityTLS   = "tls"
	SecurityMTLS  = "mtls"
)

// KnownSensors lists the sensor kinds accepted in the sensors list.
var KnownSensors = []string{"bme280", "scd30", "sds011"}

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/envnode/config.yaml, /etc/envnode/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "envnode", "config.yaml"))
	}

	paths = append(paths, "/etc/envnode/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all envnode configuration. It is immutable after Load:
// the supervisor owns the value and hands read-only references to every
// other component for their lifetime.
type Config struct {
	// Link-layer credentials, consumed by the external bring-up
	// collaborator. The agent itself never touches the radio.
	WifiSSID string `yaml:"wifi_ssid"`
	WifiPSK  string `yaml:"wifi_psk"`

	// DeviceID identifies this node to both the broker (client id) and
	// the update endpoint. A random identity is generated when empty.
	DeviceID string `yaml:"device_id"`
	Location string `yaml:"location"`

	MQTTHostname string `yaml:"mqtt_hostname"`
	MQTTPort     int    `yaml:"mqtt_port"`
	MQTTUsername string `yaml:"mqtt_username"`
	MQTTPassword string `yaml:"mqtt_password"`
	MQTTTopic    string `yaml:"mqtt_topic"`

	MeasurementIntervalSeconds int `yaml:"measurement_interval_seconds"`

	OTAEnabled              bool   `yaml:"ota_enabled"`
	OTAHostname             string `yaml:"ota_hostname"`
	OTAPort                 int    `yaml:"ota_port"`
	OTACheckIntervalSeconds int    `yaml:"ota_check_interval_seconds"`

	// FlashDir is where the firmware image slots and the boot-target
	// flag live.
	FlashDir string `yaml:"flash_dir"`

	// PEM-encoded TLS material, inline in the document.
	TLSCA   string `yaml:"tls_ca"`
	TLSKey  string `yaml:"tls_key"`
	TLSCert string `yaml:"tls_cert"`

	// Sensors selects the enabled sensor set. Must be a non-empty
	// subset of KnownSensors. The suffix ":sim" on any entry swaps in
	// the simulated driver for that sensor.
	Sensors []string `yaml:"sensors"`

	// SDS011Port is the serial device the particulate sensor is wired
	// to (e.g. /dev/ttyUSB0). Required when sds011 is enabled and not
	// simulated.
	SDS011Port string `yaml:"sds011_port"`

	Encoding string `yaml:"encoding"` // influx | json
	Security string `yaml:"security"` // plain | tls | mtls

	LogLevel string `yaml:"log_level"`

	// MetricsListen enables the Prometheus endpoint when non-empty
	// (e.g. "127.0.0.1:9090"). Off by default.
	MetricsListen string `yaml:"metrics_listen"`
}

// Load reads and parses the config file at path, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MQTTPort == 0 {
		c.MQTTPort = 1883
	}
	if c.MQTTTopic == "" {
		c.MQTTTopic = "sensor"
	}
	if c.MeasurementIntervalSeconds == 0 {
		c.MeasurementIntervalSeconds = 60
	}
	if c.OTACheckIntervalSeconds == 0 {
		c.OTACheckIntervalSeconds = 3600
	}
	if c.FlashDir == "" {
		c.FlashDir = "/var/lib/envnode/flash"
	}
	if c.Encoding == "" {
		c.Encoding = EncodingInflux
	}
	if c.Security == "" {
		c.Security = SecurityPlain
	}
}

// Validate checks the configuration for internal consistency. TLS
// restrictions (cipher suite, key type) are enforced here, at startup,
// so an unsupported combination surfaces as a clear configuration error
// rather than a handshake-time buffer failure.
func (c *Config) Validate() error {
	if c.MQTTHostname == "" {
		return fmt.Errorf("mqtt_hostname is required")
	}
	if c.MQTTPort < 1 || c.MQTTPort > 65535 {
		return fmt.Errorf("mqtt_port %d out of range", c.MQTTPort)
	}
	if c.MeasurementIntervalSeconds < 1 {
		return fmt.Errorf("measurement_interval_seconds must be positive")
	}

	if len(c.Sensors) == 0 {
		return fmt.Errorf("sensors must name at least one of %v", KnownSensors)
	}
	for _, s := range c.Sensors {
		name, _ := SensorSpec(s)
		if !slices.Contains(KnownSensors, name) {
			return fmt.Errorf("unknown sensor %q (valid: %v)", s, KnownSensors)
		}
	}

	switch c.Encoding {
	case EncodingInflux, EncodingJSON:
	default:
		return fmt.Errorf("unknown encoding %q (valid: influx, json)", c.Encoding)
	}

	switch c.Security {
	case SecurityPlain:
	case SecurityTLS:
		if _, err := c.CAPool(); err != nil {
			return err
		}
	case SecurityMTLS:
		if _, err := c.CAPool(); err != nil {
			return err
		}
		if _, err := c.ClientCertificate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown security %q (valid: plain, tls, mtls)", c.Security)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	if c.OTAEnabled {
		if c.OTAHostname == "" {
			return fmt.Errorf("ota_hostname is required when ota_enabled")
		}
		if c.OTAPort < 1 || c.OTAPort > 65535 {
			return fmt.Errorf("ota_port %d out of range", c.OTAPort)
		}
	}

	return nil
}

// SensorSpec splits a sensors list entry into its kind and whether the
// simulated driver was requested ("bme280:sim" → "bme280", true).
func SensorSpec(entry string) (name string, sim bool) {
	if n, ok := strings.CutSuffix(entry, ":sim"); ok {
		return n, true
	}
	return entry, false
}

// CAPool parses tls_ca into a certificate pool.
func (c *Config) CAPool() (*x509.CertPool, error) {
	if c.TLSCA == "" {
		return nil, fmt.Errorf("tls_ca is required for security=%s", c.Security)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(c.TLSCA)) {
		return nil, fmt.Errorf("tls_ca: no valid PEM certificates found")
	}
	return pool, nil
}

// ClientCertificate parses tls_cert and tls_key into a client
// certificate for mutual TLS. The private key must be elliptic-curve
// P-256: the transport's fixed parsing buffers are sized for that key
// shape only, so anything else is rejected here.
func (c *Config) ClientCertificate() (tls.Certificate, error) {
	if c.TLSCert == "" {
		return tls.Certificate{}, fmt.Errorf("tls_cert is required for security=mtls")
	}
	if c.TLSKey == "" {
		return tls.Certificate{}, fmt.Errorf("tls_key is required for security=mtls")
	}

	cert, err := tls.X509KeyPair([]byte(c.TLSCert), []byte(c.TLSKey))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls_cert/tls_key: %w", err)
	}

	key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return tls.Certificate{}, fmt.Errorf("tls_key: client keys must be elliptic-curve P-256, got %T", cert.PrivateKey)
	}
	if key.Curve != elliptic.P256() {
		return tls.Certificate{}, fmt.Errorf("tls_key: client keys must use curve P-256, got %s", key.Curve.Params().Name)
	}

	return cert, nil
}
