package config

import (
	"fmt"
	"os"
)

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig holds MQTT broker settings.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// GetDSN builds the lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv overrides database settings from <prefix>_* environment variables.
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Port)
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_DATABASE"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
}

// LoadFromEnv overrides Redis settings from <prefix>_* environment variables.
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		fmt.Sscanf(db, "%d", &c.DB)
	}
}

// LoadFromEnv overrides MQTT settings from <prefix>_* environment variables.
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if broker := os.Getenv(prefix + "_BROKER"); broker != "" {
		c.Broker = broker
	}
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if qos := os.Getenv(prefix + "_QOS"); qos != "" {
		var q int
		fmt.Sscanf(qos, "%d", &q)
		c.QoS = byte(q)
	}
}
