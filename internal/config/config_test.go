package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
mqtt_hostname: broker.local
sensors: [bme280]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTTPort != 1883 {
		t.Errorf("MQTTPort = %d, want 1883", cfg.MQTTPort)
	}
	if cfg.MQTTTopic != "sensor" {
		t.Errorf("MQTTTopic = %q, want %q", cfg.MQTTTopic, "sensor")
	}
	if cfg.MeasurementIntervalSeconds != 60 {
		t.Errorf("MeasurementIntervalSeconds = %d, want 60", cfg.MeasurementIntervalSeconds)
	}
	if cfg.OTACheckIntervalSeconds != 3600 {
		t.Errorf("OTACheckIntervalSeconds = %d, want 3600", cfg.OTACheckIntervalSeconds)
	}
	if cfg.Encoding != EncodingInflux {
		t.Errorf("Encoding = %q, want influx", cfg.Encoding)
	}
	if cfg.Security != SecurityPlain {
		t.Errorf("Security = %q, want plain", cfg.Security)
	}
}

func TestLoad_RejectsEmptySensors(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
mqtt_hostname: broker.local
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted a config with no sensors")
	}
}

func TestLoad_RejectsUnknownSensor(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
mqtt_hostname: broker.local
sensors: [dht22]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted unknown sensor dht22")
	}
}

func TestLoad_OTARequiresEndpoint(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
mqtt_hostname: broker.local
sensors: [sds011]
ota_enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted ota_enabled without ota_hostname")
	}
}

func TestLoad_RejectsUnknownLogLevel(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
mqtt_hostname: broker.local
sensors: [bme280]
log_level: verbose
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted log_level verbose")
	}
}

func TestSensorSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		entry string
		name  string
		sim   bool
	}{
		{"bme280", "bme280", false},
		{"bme280:sim", "bme280", true},
		{"sds011:sim", "sds011", true},
	}
	for _, tt := range tests {
		name, sim := SensorSpec(tt.entry)
		if name != tt.name || sim != tt.sim {
			t.Errorf("SensorSpec(%q) = (%q, %v), want (%q, %v)",
				tt.entry, name, sim, tt.name, tt.sim)
		}
	}
}

// selfSignedPEM builds a throwaway certificate and key for TLS material
// validation tests. keyPEM encoding depends on the key type.
func selfSignedPEM(t *testing.T, priv any, pub any) (certPEM, keyPEM string) {
	t.Helper()
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "envnode-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

func TestClientCertificate_AcceptsP256(t *testing.T) {
	t.Parallel()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	certPEM, keyPEM := selfSignedPEM(t, key, &key.PublicKey)

	cfg := &Config{Security: SecurityMTLS, TLSCert: certPEM, TLSKey: keyPEM}
	if _, err := cfg.ClientCertificate(); err != nil {
		t.Fatalf("ClientCertificate() error = %v, want nil for P-256", err)
	}
}

func TestClientCertificate_RejectsRSA(t *testing.T) {
	t.Parallel()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	certPEM, keyPEM := selfSignedPEM(t, key, &key.PublicKey)

	cfg := &Config{Security: SecurityMTLS, TLSCert: certPEM, TLSKey: keyPEM}
	_, err = cfg.ClientCertificate()
	if err == nil {
		t.Fatal("ClientCertificate() accepted an RSA key")
	}
	if !strings.Contains(err.Error(), "P-256") {
		t.Errorf("error %q does not name the P-256 constraint", err)
	}
}

func TestClientCertificate_RejectsP384(t *testing.T) {
	t.Parallel()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	certPEM, keyPEM := selfSignedPEM(t, key, &key.PublicKey)

	cfg := &Config{Security: SecurityMTLS, TLSCert: certPEM, TLSKey: keyPEM}
	if _, err := cfg.ClientCertificate(); err == nil {
		t.Fatal("ClientCertificate() accepted a P-384 key")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
