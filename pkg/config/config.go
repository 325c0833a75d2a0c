package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls encryption-specific parameters.
type SecurityConfig struct {
	SecretEncryptionKey string `json:"secret_encryption_key" env:"SECRET_ENCRYPTION_KEY"`
}

// AuthConfig controls HTTP API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	TokenTTL  time.Duration `json:"token_ttl" env:"AUTH_TOKEN_TTL"`
	Users     []UserSpec    `json:"users"`
	RedisAddr string        `json:"redis_addr" env:"AUTH_REDIS_ADDR"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

type UserSpec struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// BridgeConfig controls the coordination kernel components: the event log,
// the speed-layer dispatcher, and the elicitation coordinator.
type BridgeConfig struct {
	NodeID               string        `json:"node_id" env:"BRIDGE_NODE_ID"`
	DataDir              string        `json:"data_dir" env:"BRIDGE_DATA_DIR"`
	MasterSecret         string        `json:"master_secret" env:"BRIDGE_MASTER_SECRET"`
	ElicitationTTL       time.Duration `json:"elicitation_ttl" env:"BRIDGE_ELICITATION_TTL"`
	ElicitationSweep     string        `json:"elicitation_sweep" env:"BRIDGE_ELICITATION_SWEEP"` // cron schedule
	DispatchBudget       time.Duration `json:"dispatch_budget" env:"BRIDGE_DISPATCH_BUDGET"`
	MemoryTierCapacity   int           `json:"memory_tier_capacity" env:"BRIDGE_MEMORY_TIER_CAPACITY"`
	MemoryTierTTL        time.Duration `json:"memory_tier_ttl" env:"BRIDGE_MEMORY_TIER_TTL"`
	PatternConfidence    float64       `json:"pattern_confidence" env:"BRIDGE_PATTERN_CONFIDENCE"`
	HealthCheckInterval  time.Duration `json:"health_check_interval" env:"BRIDGE_HEALTH_CHECK_INTERVAL"`
	HealthMemoryPercent  float64       `json:"health_memory_percent" env:"BRIDGE_HEALTH_MEMORY_PERCENT"`
	HealthDiskPercent    float64       `json:"health_disk_percent" env:"BRIDGE_HEALTH_DISK_PERCENT"`
	HealthMountPath      string        `json:"health_mount_path" env:"BRIDGE_HEALTH_MOUNT_PATH"`
	SnapshotEveryNEvents int           `json:"snapshot_every_n_events" env:"BRIDGE_SNAPSHOT_EVERY_N"`
	RelayDSN             string        `json:"relay_dsn" env:"BRIDGE_RELAY_DSN"` // Postgres DSN for cross-instance commit fan-out; empty disables it
	RelayChannel         string        `json:"relay_channel" env:"BRIDGE_RELAY_CHANNEL"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Bridge   BridgeConfig   `json:"bridge"`
	Security SecurityConfig `json:"security"`
	Auth     AuthConfig     `json:"auth"`
	Tracing  TracingConfig  `json:"tracing"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "service-layer",
		},
		Bridge: BridgeConfig{
			NodeID:              "bridge-0",
			DataDir:             "data/bridge",
			ElicitationTTL:      5 * time.Minute,
			ElicitationSweep:    "@every 5s",
			DispatchBudget:      100 * time.Millisecond,
			MemoryTierCapacity:  10000,
			MemoryTierTTL:       time.Minute,
			PatternConfidence:   0.9,
			HealthCheckInterval: 5 * time.Second,
			HealthMemoryPercent: 90,
			HealthDiskPercent:   90,
			HealthMountPath:     "/",
			RelayChannel:        "bridge_events",
		},
		Security: SecurityConfig{},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		Tracing: TracingConfig{},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig loads configuration from a JSON file.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride lets DATABASE_URL, when set, override any
// file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
