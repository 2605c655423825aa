package config

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path   string `mapstructure:"path"`
	URI    string `mapstructure:"uri"`
}

type LogConfig struct {
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"`
}

type EngineConfig struct {
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	SensorTimeoutMs     int    `mapstructure:"sensor_timeout_ms"`
	SensorMaxAgeSeconds int    `mapstructure:"sensor_max_age_seconds"`
	Timezone            string `mapstructure:"timezone"`
	EventRetentionDays  int    `mapstructure:"event_retention_days"`
}

type AlarmConfig struct {
	MaxSnoozeCount       int  `mapstructure:"max_snooze_count"`
	DefaultSnoozeMinutes int  `mapstructure:"default_snooze_minutes"`
	StaleAfterMinutes    int  `mapstructure:"stale_after_minutes"`
	WakeLock             bool `mapstructure:"wake_lock"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type NotifyConfig struct {
	Backends              []string    `mapstructure:"backends"`
	DesktopTimeoutSeconds int         `mapstructure:"desktop_timeout_seconds"`
	Kafka                 KafkaConfig `mapstructure:"kafka"`
}

type BatteryConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	SysfsPath       string `mapstructure:"sysfs_path"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Token   string `mapstructure:"token"`
}

type Config struct {
	Database   DatabaseConfig `mapstructure:"database"`
	Log        LogConfig      `mapstructure:"log"`
	SocketPath string         `mapstructure:"socket_path"`
	Engine     EngineConfig   `mapstructure:"engine"`
	Alarm      AlarmConfig    `mapstructure:"alarm"`
	Notify     NotifyConfig   `mapstructure:"notify"`
	Battery    BatteryConfig  `mapstructure:"battery"`
	HTTP       HTTPConfig     `mapstructure:"http"`
}

const DefaultSocketPath = "/tmp/cuewatch.sock"

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cuewatch.db"
	}
	return filepath.Join(home, ".local", "share", "cuewatch", "cuewatch.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", defaultDatabasePath())
	v.SetDefault("database.uri", "")
	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "INFO")
	v.SetDefault("socket_path", DefaultSocketPath)
	v.SetDefault("engine.poll_interval_seconds", 60)
	v.SetDefault("engine.sensor_timeout_ms", 3000)
	v.SetDefault("engine.sensor_max_age_seconds", 900)
	v.SetDefault("engine.timezone", "Local")
	v.SetDefault("engine.event_retention_days", 90)
	v.SetDefault("alarm.max_snooze_count", 3)
	v.SetDefault("alarm.default_snooze_minutes", 10)
	v.SetDefault("alarm.stale_after_minutes", 5)
	v.SetDefault("alarm.wake_lock", true)
	v.SetDefault("notify.backends", []string{"log", "desktop"})
	v.SetDefault("notify.desktop_timeout_seconds", 10)
	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", "cuewatch.notifications")
	v.SetDefault("battery.enabled", true)
	v.SetDefault("battery.sysfs_path", "/sys/class/power_supply")
	v.SetDefault("battery.interval_seconds", 60)
	v.SetDefault("http.enabled", false)
	v.SetDefault("http.listen", "127.0.0.1:7461")
	v.SetDefault("http.token", "")
}

// LoadConfig reads .env, then the config file, then CUEWATCH_* variables.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[WARN] Failed to load .env: %v", err)
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/cuewatch")
		v.AddConfigPath("/etc/cuewatch/")
	}

	v.SetEnvPrefix("CUEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Println("[INFO] Config file not found, using defaults.")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.validate()

	log.Printf("[DEBUG] Configuration loaded: driver=%s socket=%s poll=%ds backends=%v http=%t",
		cfg.Database.Driver, cfg.SocketPath, cfg.Engine.PollIntervalSeconds, cfg.Notify.Backends, cfg.HTTP.Enabled)
	return &cfg, nil
}

func (cfg *Config) validate() {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		log.Printf("[WARN] invalid database.driver '%s', defaulting to 'sqlite'", cfg.Database.Driver)
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.URI == "" {
		cfg.Database.URI = os.Getenv("DATABASE_URI")
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}

	if cfg.Engine.PollIntervalSeconds < 5 {
		log.Println("[WARN] engine.poll_interval_seconds too low, setting to 5")
		cfg.Engine.PollIntervalSeconds = 5
	}
	if cfg.Engine.SensorTimeoutMs < 100 {
		log.Println("[WARN] engine.sensor_timeout_ms too low, setting to 100")
		cfg.Engine.SensorTimeoutMs = 100
	}
	if cfg.Engine.SensorMaxAgeSeconds < 0 {
		log.Println("[WARN] engine.sensor_max_age_seconds negative, setting to 0 (never stale)")
		cfg.Engine.SensorMaxAgeSeconds = 0
	}
	if cfg.Engine.EventRetentionDays < 0 {
		log.Println("[WARN] engine.event_retention_days negative, disabling retention")
		cfg.Engine.EventRetentionDays = 0
	}
	if _, err := cfg.Engine.Location(); err != nil {
		log.Printf("[WARN] invalid engine.timezone '%s', defaulting to 'Local': %v", cfg.Engine.Timezone, err)
		cfg.Engine.Timezone = "Local"
	}

	if cfg.Alarm.MaxSnoozeCount < 0 {
		log.Println("[WARN] alarm.max_snooze_count negative, setting to 0")
		cfg.Alarm.MaxSnoozeCount = 0
	}
	if cfg.Alarm.DefaultSnoozeMinutes < 1 {
		log.Println("[WARN] alarm.default_snooze_minutes too low, setting to 1")
		cfg.Alarm.DefaultSnoozeMinutes = 1
	}
	if cfg.Alarm.StaleAfterMinutes < 1 {
		log.Println("[WARN] alarm.stale_after_minutes too low, setting to 1")
		cfg.Alarm.StaleAfterMinutes = 1
	}

	var backends []string
	for _, b := range cfg.Notify.Backends {
		b = strings.ToLower(strings.TrimSpace(b))
		switch b {
		case "log", "desktop", "kafka":
			backends = append(backends, b)
		default:
			log.Printf("[WARN] ignoring unknown notify backend '%s'", b)
		}
	}
	if len(backends) == 0 {
		log.Println("[WARN] no valid notify backend, using 'log'")
		backends = []string{"log"}
	}
	cfg.Notify.Backends = backends
	if cfg.Notify.DesktopTimeoutSeconds < 0 {
		cfg.Notify.DesktopTimeoutSeconds = 0
	}

	if cfg.Battery.IntervalSeconds < 5 {
		log.Println("[WARN] battery.interval_seconds too low, setting to 5")
		cfg.Battery.IntervalSeconds = 5
	}
}

// HasBackend reports whether name is among the configured notify backends.
func (n NotifyConfig) HasBackend(name string) bool {
	for _, b := range n.Backends {
		if b == name {
			return true
		}
	}
	return false
}

// Location resolves the timezone used for quiet hours.
func (e EngineConfig) Location() (*time.Location, error) {
	if e.Timezone == "" || e.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(e.Timezone)
}

func (e EngineConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSeconds) * time.Second
}

func (e EngineConfig) SensorTimeout() time.Duration {
	return time.Duration(e.SensorTimeoutMs) * time.Millisecond
}

func (e EngineConfig) SensorMaxAge() time.Duration {
	return time.Duration(e.SensorMaxAgeSeconds) * time.Second
}

func (a AlarmConfig) DefaultSnooze() time.Duration {
	return time.Duration(a.DefaultSnoozeMinutes) * time.Minute
}

func (a AlarmConfig) StaleAfter() time.Duration {
	return time.Duration(a.StaleAfterMinutes) * time.Minute
}

func (b BatteryConfig) Interval() time.Duration {
	return time.Duration(b.IntervalSeconds) * time.Second
}
