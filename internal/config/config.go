package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
	// Retention is the number of executions kept per automation.
	Retention int
}

// EngineConfig tunes the trigger dispatcher and executor.
type EngineConfig struct {
	PollInterval       time.Duration
	SensorTimeout      time.Duration
	// EffectivenessDelay has no default; zero disables effectiveness checks.
	EffectivenessDelay time.Duration
	DispatchTimeout    time.Duration
	Workers            int
	UseUTC             bool
}

// DeviceConfig holds the sensor and actuator backends.
type DeviceConfig struct {
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	CacheTTL        time.Duration
	ReadingMaxAge   time.Duration
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
	MQTTQoS         int
	CommandTTL      time.Duration
	// DryRun logs commands instead of publishing them.
	DryRun bool
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Group   string
	Enabled bool
}

// KafkaConfig holds the execution event sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark  BarkConfig
	Kafka KafkaConfig
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Engine       EngineConfig
	Devices      DeviceConfig
	Notification NotificationConfig

	// Mode is http, mcp (stdio) or both.
	Mode string
	// MCPUser acts for stdio MCP sessions and header-less MCP requests.
	MCPUser string
	// DirectoryFile is imported into the room/section/device tables at startup.
	DirectoryFile string
	StateDir      string
	ShutdownGrace time.Duration
}

const (
	defaultAddr            = "0.0.0.0:7070"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultRetention       = 100
	defaultShutdownGrace   = 10 * time.Second
	defaultPollInterval    = time.Minute
	defaultSensorTimeout   = 5 * time.Second
	defaultDispatchTimeout = 10 * time.Second
	defaultWorkers         = 4
	defaultCacheTTL        = 5 * time.Second
	defaultReadingMaxAge   = 10 * time.Minute
	defaultRedisAddr       = "localhost:6379"
	defaultTopicPrefix     = "growrules"
	defaultCommandTTL      = time.Minute
	defaultKafkaTopic      = "growrules.events"
	configDirName          = "growrules"
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	// Check multiple locations: current directory, then config directory
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, configDirName, ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // optional
	}
	return parse(os.Args[1:])
}

func parse(args []string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("GROWRULES_ADDR", defaultAddr),
			AuthToken: getEnvString("GROWRULES_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:     getEnvString("GROWRULES_LOG_LEVEL", defaultLogLevel),
			Format:    getEnvString("GROWRULES_LOG_FORMAT", defaultLogFormat),
			Retention: getEnvInt("GROWRULES_EXECUTION_RETENTION", defaultRetention),
		},
		Engine: EngineConfig{
			PollInterval:       getEnvDuration("GROWRULES_POLL_INTERVAL", defaultPollInterval),
			SensorTimeout:      getEnvDuration("GROWRULES_SENSOR_TIMEOUT", defaultSensorTimeout),
			EffectivenessDelay: getEnvDuration("GROWRULES_EFFECTIVENESS_DELAY", 0),
			DispatchTimeout:    getEnvDuration("GROWRULES_DISPATCH_TIMEOUT", defaultDispatchTimeout),
			Workers:            getEnvInt("GROWRULES_WORKERS", defaultWorkers),
			UseUTC:             getEnvBool("GROWRULES_USE_UTC", false),
		},
		Devices: DeviceConfig{
			RedisAddr:       getEnvString("GROWRULES_REDIS_ADDR", defaultRedisAddr),
			RedisPassword:   getEnvString("GROWRULES_REDIS_PASSWORD", ""),
			RedisDB:         getEnvInt("GROWRULES_REDIS_DB", 0),
			CacheTTL:        getEnvDuration("GROWRULES_READING_CACHE_TTL", defaultCacheTTL),
			ReadingMaxAge:   getEnvDuration("GROWRULES_READING_MAX_AGE", defaultReadingMaxAge),
			MQTTBroker:      getEnvString("GROWRULES_MQTT_BROKER", ""),
			MQTTClientID:    getEnvString("GROWRULES_MQTT_CLIENT_ID", "growrulesd"),
			MQTTUsername:    getEnvString("GROWRULES_MQTT_USERNAME", ""),
			MQTTPassword:    getEnvString("GROWRULES_MQTT_PASSWORD", ""),
			MQTTTopicPrefix: getEnvString("GROWRULES_MQTT_TOPIC_PREFIX", defaultTopicPrefix),
			MQTTQoS:         getEnvInt("GROWRULES_MQTT_QOS", 1),
			CommandTTL:      getEnvDuration("GROWRULES_COMMAND_TTL", defaultCommandTTL),
			DryRun:          getEnvBool("GROWRULES_DRY_RUN", false),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("GROWRULES_BARK_URL", ""),
				Group:   getEnvString("GROWRULES_BARK_GROUP", "growrules"),
				Enabled: getEnvBool("GROWRULES_BARK_ENABLED", false),
			},
			Kafka: KafkaConfig{
				Brokers: getEnvList("GROWRULES_KAFKA_BROKERS"),
				Topic:   getEnvString("GROWRULES_KAFKA_TOPIC", defaultKafkaTopic),
			},
		},
		Mode:          getEnvString("GROWRULES_MODE", "http"),
		MCPUser:       getEnvString("GROWRULES_MCP_USER", ""),
		DirectoryFile: getEnvString("GROWRULES_DIRECTORY_FILE", ""),
		StateDir:      getEnvString("GROWRULES_STATE_DIR", ""),
		ShutdownGrace: getEnvDuration("GROWRULES_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("growrulesd", flag.ContinueOnError)
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "HTTP listen address")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Directory holding the database")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (text, json)")
	fs.IntVar(&cfg.Log.Retention, "retention", cfg.Log.Retention, "Number of executions to retain per automation")
	fs.DurationVar(&cfg.Engine.EffectivenessDelay, "effectiveness-delay", cfg.Engine.EffectivenessDelay, "Delay before re-sampling a condition after an execution (0 disables checks)")
	fs.BoolVar(&cfg.Engine.UseUTC, "use-utc", cfg.Engine.UseUTC, "Evaluate schedules in UTC instead of system local time")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Grace period when shutting down")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Serve http, mcp (stdio) or both")
	fs.StringVar(&cfg.DirectoryFile, "directory", cfg.DirectoryFile, "JSON file with rooms, sections and devices to import")
	fs.StringVar(&cfg.MCPUser, "mcp-user", cfg.MCPUser, "User the MCP server acts for")
	fs.BoolVar(&cfg.Devices.DryRun, "dry-run", cfg.Devices.DryRun, "Log device commands instead of publishing them")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Resolve state dir if not set
	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q: want http, mcp or both", c.Mode)
	}
	if c.Mode != "http" && c.MCPUser == "" {
		return fmt.Errorf("mode %s requires GROWRULES_MCP_USER", c.Mode)
	}
	if c.Log.Retention < 1 {
		c.Log.Retention = defaultRetention
	}
	if c.Engine.Workers < 1 {
		c.Engine.Workers = defaultWorkers
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Engine.PollInterval)
	}
	if c.Engine.EffectivenessDelay < 0 {
		return fmt.Errorf("effectiveness delay must not be negative, got %s", c.Engine.EffectivenessDelay)
	}
	if c.Devices.MQTTQoS < 0 || c.Devices.MQTTQoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.Devices.MQTTQoS)
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return fmt.Errorf("bark is enabled but GROWRULES_BARK_URL is empty")
	}
	return nil
}

// Location is the zone schedules are evaluated in.
func (c *Config) Location() *time.Location {
	if c.Engine.UseUTC {
		return time.UTC
	}
	return time.Local
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, configDirName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
