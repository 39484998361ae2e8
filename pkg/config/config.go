package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// DefaultEnvFile is loaded by LoadFromEnv when no other file is named.
const DefaultEnvFile = ".env"

type EndpointConfig struct {
	ID     string `env:"GARAGE_ENDPOINT_ID"`
	Secret string `env:"GARAGE_ENDPOINT_SECRET"`
}

type MQTTConfig struct {
	Host           string        `env:"IOT_MQTT_HOST"`
	Port           int           `env:"IOT_MQTT_PORT"`
	UseTLS         bool          `env:"IOT_MQTT_USE_TLS"`
	KeepAlive      time.Duration `env:"IOT_MQTT_KEEPALIVE"`
	CleanSession   bool          `env:"IOT_MQTT_CLEAN_SESSION"`
	ConnectTimeout time.Duration `env:"IOT_MQTT_CONNECT_TIMEOUT"`
}

type TLSConfig struct {
	CACert     string `env:"IOT_TLS_CA_CERT"`
	ServerName string `env:"IOT_TLS_SERVER_NAME"`
	SkipVerify bool   `env:"IOT_TLS_SKIP_VERIFY"`
}

// IdentityConfig holds the user the endpoint attaches to. The defaults are
// the demo values and are expected to be overridden outside of local runs.
type IdentityConfig struct {
	ExternalIDSuffix string        `env:"GARAGE_USER_EXTERNAL_ID"`
	AccessToken      string        `env:"GARAGE_USER_ACCESS_TOKEN"`
	AttachTimeout    time.Duration `env:"GARAGE_ATTACH_TIMEOUT"`
}

type StorageConfig struct {
	ConfigurationFile string `env:"GARAGE_CONFIGURATION_FILE"`
}

type ProfileConfig struct {
	SerialPrefix    string `env:"GARAGE_SERIAL_PREFIX"`
	FirmwareVersion string `env:"GARAGE_FIRMWARE_VERSION"`
}

type AppConfig struct {
	LogLevel    string `env:"GARAGE_LOG_LEVEL"`
	ExitOnEOF   bool   `env:"GARAGE_EXIT_ON_EOF"`
	WorkerCount int    `env:"GARAGE_WORKER_COUNT"`
}

// FabricConfig configures fabricd.
type FabricConfig struct {
	ListenAddr  string `env:"FABRIC_LISTEN_ADDR"`
	TokenSecret string `env:"FABRIC_TOKEN_SECRET"`
	SeedFile    string `env:"FABRIC_SEED_FILE"`
}

type Config struct {
	Endpoint EndpointConfig
	MQTT     MQTTConfig
	TLS      TLSConfig
	Identity IdentityConfig
	Storage  StorageConfig
	Profile  ProfileConfig
	App      AppConfig
	Fabric   FabricConfig
}

func NewConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Host:           "localhost",
			Port:           1883,
			UseTLS:         false,
			KeepAlive:      60 * time.Second,
			CleanSession:   true,
			ConnectTimeout: 10 * time.Second,
		},
		Identity: IdentityConfig{
			ExternalIDSuffix: "test@example.com",
			AccessToken:      "xxx",
			AttachTimeout:    10 * time.Second,
		},
		Storage: StorageConfig{
			ConfigurationFile: "configuration.cfg",
		},
		Profile: ProfileConfig{
			SerialPrefix:    "SN12301231-",
			FirmwareVersion: "1.4.2",
		},
		App: AppConfig{
			LogLevel:    "info",
			WorkerCount: 4,
		},
		Fabric: FabricConfig{
			ListenAddr: ":1883",
			SeedFile:   "fabric.yaml",
		},
	}
}

// LoadFromEnv reads the given dotenv files (DefaultEnvFile when none are
// named; missing files are skipped) and then overrides every field whose
// variable is set in the environment.
func (c *Config) LoadFromEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{DefaultEnvFile}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("MQTT host is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("MQTT port must be between 1 and 65535")
	}
	if c.Identity.ExternalIDSuffix == "" {
		return fmt.Errorf("user external id is required")
	}
	if c.Identity.AccessToken == "" {
		return fmt.Errorf("user access token is required")
	}
	if c.Storage.ConfigurationFile == "" {
		return fmt.Errorf("configuration file is required")
	}
	if c.App.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	return nil
}

// EndpointID returns the configured endpoint id, or one derived from the
// profile serial so that restarts keep the same identity.
func (c *Config) EndpointID(serial string) string {
	if c.Endpoint.ID != "" {
		return c.Endpoint.ID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(serial)).String()
}

// Serial builds the profile serial number for an endpoint running in mode.
func (c *Config) Serial(mode string) string {
	return c.Profile.SerialPrefix + mode
}

// Broker returns the broker URL paho should dial.
func (c *Config) Broker() string {
	if c.MQTT.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", c.MQTT.Host, c.MQTT.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", c.MQTT.Host, c.MQTT.Port)
}
