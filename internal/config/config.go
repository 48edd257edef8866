package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aiserve/gpuproxy/internal/outbound"
	"github.com/joho/godotenv"
)

// Config is the gateway process's top-level configuration: where to bind,
// how to log, and the named per-sink outbound.RequestConfig overrides that
// feed outbound.Resolve when each sink's pipeline is built.
type Config struct {
	Server  ServerConfig
	Logging LoggingConfig
	Sinks   map[string]outbound.RequestConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	SyslogEnabled  bool
	SyslogNetwork  string
	SyslogAddress  string
	SyslogTag      string
	SyslogFacility string
	LogFile        string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ReadTimeout:  getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			SyslogEnabled:  getEnvAsBool("SYSLOG_ENABLED", false),
			SyslogNetwork:  getEnv("SYSLOG_NETWORK", ""),
			SyslogAddress:  getEnv("SYSLOG_ADDRESS", ""),
			SyslogTag:      getEnv("SYSLOG_TAG", "outbound-gateway"),
			SyslogFacility: getEnv("SYSLOG_FACILITY", "LOG_LOCAL0"),
			LogFile:        getEnv("LOG_FILE", ""),
		},
	}

	sinks, err := loadSinks(getEnv("SINKS_CONFIG_FILE", ""))
	if err != nil {
		return nil, fmt.Errorf("loading sink config: %w", err)
	}
	cfg.Sinks = sinks

	return cfg, cfg.Validate()
}

// loadSinks reads a JSON file mapping sink name to an outbound.RequestConfig
// override. An empty path is valid and yields no overrides — every sink then
// runs on pure global defaults.
func loadSinks(path string) (map[string]outbound.RequestConfig, error) {
	sinks := make(map[string]outbound.RequestConfig)
	if path == "" {
		return sinks, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for name, msg := range raw {
		rc, err := outbound.ParseConfig(msg)
		if err != nil {
			return nil, fmt.Errorf("sink %q: %w", name, err)
		}
		sinks[name] = rc
	}
	return sinks, nil
}

func (c *Config) Validate() error {
	for name, rc := range c.Sinks {
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("sink %q: %w", name, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var value int
	fmt.Sscanf(valueStr, "%d", &value)
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "true" || valueStr == "1"
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return duration
}
