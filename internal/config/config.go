package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"ptw-monitor/internal/models"
	"ptw-monitor/pkg/config"
)

// Config holds the permit safety monitor configuration.
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// Vessel identity, required at startup.
	VesselID string

	Monitor struct {
		// Redis key layout for the permit status mirror.
		Cache struct {
			StatusKeyPrefix string // status mirror key prefix, e.g. "ptw:permit:"
			StatusSuffix    string // status mirror key suffix, e.g. ":status"
			StatusTTL       int    // status mirror TTL in seconds
		}

		// Command stream configuration.
		Stream struct {
			Name          string // command stream name, e.g. "ptw:commands"
			ConsumerGroup string
			ConsumerName  string
		}

		// Evaluation tick period in seconds.
		TickInterval int

		// Permit list refresh period in seconds.
		RefreshInterval int

		// Optional YAML file overriding the default gas table.
		GasProfilePath string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "ptw"
	cfg.Database.SSLMode = "disable"
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "ptw-monitor"
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.VesselID = os.Getenv("VESSEL_ID")

	cfg.Monitor.Cache.StatusKeyPrefix = getEnv("CACHE_STATUS_PREFIX", "ptw:permit:")
	cfg.Monitor.Cache.StatusSuffix = ":status"
	cfg.Monitor.Cache.StatusTTL = getEnvInt("CACHE_STATUS_TTL", 30)

	cfg.Monitor.Stream.Name = getEnv("COMMAND_STREAM", "ptw:commands")
	cfg.Monitor.Stream.ConsumerGroup = getEnv("COMMAND_GROUP", "ptw-monitor")
	cfg.Monitor.Stream.ConsumerName = getEnv("COMMAND_CONSUMER", "ptw-monitor-1")

	cfg.Monitor.TickInterval = getEnvInt("TICK_INTERVAL", 1)
	cfg.Monitor.RefreshInterval = getEnvInt("REFRESH_INTERVAL", 60)
	cfg.Monitor.GasProfilePath = os.Getenv("GAS_PROFILE_PATH")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if c.VesselID == "" {
		return fmt.Errorf("VESSEL_ID is required")
	}
	if c.Monitor.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive")
	}
	return nil
}

// gasProfileFile is the on-disk shape of a vessel gas profile.
type gasProfileFile struct {
	Gases []struct {
		GasID string `yaml:"gas_id"`
		Name  string `yaml:"name"`
		TLV   string `yaml:"tlv"`
		Unit  string `yaml:"unit"`
	} `yaml:"gases"`
}

// LoadGasProfile returns the vessel's gas table. Without a configured
// profile file the mandatory default table is used.
func (c *Config) LoadGasProfile() ([]models.GasReading, error) {
	if c.Monitor.GasProfilePath == "" {
		return models.DefaultGasConfig(), nil
	}

	raw, err := os.ReadFile(c.Monitor.GasProfilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read gas profile: %w", err)
	}

	var file gasProfileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse gas profile: %w", err)
	}
	if len(file.Gases) == 0 {
		return nil, fmt.Errorf("gas profile %s defines no gases", c.Monitor.GasProfilePath)
	}

	readings := make([]models.GasReading, 0, len(file.Gases))
	seenOxygen := false
	for _, g := range file.Gases {
		if g.GasID == "" {
			return nil, fmt.Errorf("gas profile entry missing gas_id")
		}
		if g.GasID == models.OxygenGasID {
			seenOxygen = true
		}
		readings = append(readings, models.GasReading{
			ID:   g.GasID,
			Name: g.Name,
			TLV:  g.TLV,
			Unit: g.Unit,
		})
	}
	if !seenOxygen {
		return nil, fmt.Errorf("gas profile must include oxygen (%s)", models.OxygenGasID)
	}
	return readings, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
