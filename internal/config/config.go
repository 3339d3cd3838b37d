package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const DefaultConfigPath = ".chatroute/config.json"

type Config struct {
	Version int `json:"version"`
	Redis   struct {
		Addr          string `json:"addr"`
		Stream        string `json:"stream"`
		ConsumerGroup string `json:"consumer_group"`
	} `json:"redis"`
	Database struct {
		Driver string `json:"driver"`
		DSN    string `json:"dsn"`
	} `json:"database"`
	Routing struct {
		// QueueCapacity of 0 means unlimited.
		QueueCapacity          int    `json:"queue_capacity"`
		NoAgentsMessage        string `json:"no_agents_message"`
		QueueFullMessage       string `json:"queue_full_message"`
		RedrainIntervalSeconds int    `json:"redrain_interval_seconds"`
		// AutoCloseIdleSeconds of 0 disables idle auto-close.
		AutoCloseIdleSeconds int    `json:"auto_close_idle_seconds"`
		AutoCloseMessage     string `json:"auto_close_message"`
	} `json:"routing"`
	Bot struct {
		NoMatchMessage       string `json:"no_match_message"`
		SweepIntervalSeconds int    `json:"sweep_interval_seconds"`
		SweepLockTTLSeconds  int    `json:"sweep_lock_ttl_seconds"`
		ContextTTLSeconds    int    `json:"context_ttl_seconds"`
	} `json:"bot"`
	Sandbox struct {
		TimeoutMillis   int `json:"timeout_millis"`
		RegistryMaxSize int `json:"registry_max_size"`
		CallStackSize   int `json:"call_stack_size"`
	} `json:"sandbox"`
	Stats struct {
		MessageWindow int `json:"message_window"`
	} `json:"stats"`
}

func Default() Config {
	cfg := Config{Version: 1}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.Stream = "chatroute"
	cfg.Redis.ConsumerGroup = "chatroute-worker"
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = ".chatroute/chatroute.db"
	cfg.Routing.QueueCapacity = 0
	cfg.Routing.NoAgentsMessage = "No agents are available right now. Please leave your contact details and we will get back to you."
	cfg.Routing.QueueFullMessage = "Our queue is currently full. Please try again in a few minutes."
	cfg.Routing.RedrainIntervalSeconds = 10
	cfg.Routing.AutoCloseIdleSeconds = 0
	cfg.Routing.AutoCloseMessage = "This conversation was closed automatically after a period of inactivity."
	cfg.Bot.NoMatchMessage = "Sorry, I did not understand that. Could you rephrase?"
	cfg.Bot.SweepIntervalSeconds = 30
	cfg.Bot.SweepLockTTLSeconds = 60
	cfg.Bot.ContextTTLSeconds = 1800
	cfg.Sandbox.TimeoutMillis = 200
	cfg.Sandbox.RegistryMaxSize = 1024 * 64
	cfg.Sandbox.CallStackSize = 120
	cfg.Stats.MessageWindow = 500
	return cfg
}

// Load reads the JSON config at path (falling back to DefaultConfigPath and
// then to defaults when absent) and applies environment overrides for the
// connection settings. A .env file is honored when present.
func Load(path string) (Config, string, error) {
	_ = godotenv.Load()

	cfg := Default()
	finalPath := strings.TrimSpace(path)
	if finalPath == "" {
		finalPath = DefaultConfigPath
	}
	if _, err := os.Stat(finalPath); err == nil {
		b, err := os.ReadFile(finalPath)
		if err != nil {
			return cfg, finalPath, fmt.Errorf("read config %s: %w", finalPath, err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, finalPath, fmt.Errorf("parse config %s: %w", finalPath, err)
		}
	}

	if addr := strings.TrimSpace(os.Getenv("CHATROUTE_REDIS_ADDR")); addr != "" {
		cfg.Redis.Addr = addr
	}
	if driver := strings.TrimSpace(os.Getenv("CHATROUTE_DB_DRIVER")); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := strings.TrimSpace(os.Getenv("CHATROUTE_DB_DSN")); dsn != "" {
		cfg.Database.DSN = dsn
	}

	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate config %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr cannot be empty")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite|postgres")
	}
	if cfg.Routing.QueueCapacity < 0 {
		return fmt.Errorf("routing.queue_capacity must be >= 0")
	}
	if cfg.Routing.RedrainIntervalSeconds <= 0 {
		return fmt.Errorf("routing.redrain_interval_seconds must be > 0")
	}
	if cfg.Routing.AutoCloseIdleSeconds < 0 {
		return fmt.Errorf("routing.auto_close_idle_seconds must be >= 0")
	}
	if cfg.Bot.SweepIntervalSeconds <= 0 || cfg.Bot.SweepLockTTLSeconds <= 0 {
		return fmt.Errorf("bot sweep intervals must be > 0")
	}
	if cfg.Bot.ContextTTLSeconds <= 0 {
		return fmt.Errorf("bot.context_ttl_seconds must be > 0")
	}
	if cfg.Sandbox.TimeoutMillis <= 0 {
		return fmt.Errorf("sandbox.timeout_millis must be > 0")
	}
	if cfg.Sandbox.RegistryMaxSize <= 0 || cfg.Sandbox.CallStackSize <= 0 {
		return fmt.Errorf("sandbox size limits must be > 0")
	}
	if cfg.Stats.MessageWindow <= 0 {
		return fmt.Errorf("stats.message_window must be > 0")
	}
	return nil
}
