// Package config — общая конфигурация vss-dci и vss-hub.
//
// Порядок: значения по умолчанию → YAML-файл (VSS_CONFIG, по умолчанию
// vss.yaml, если существует) → переменные окружения → проверка.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/vss/internal/chat"
	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/drp"
	"github.com/shaiso/vss/internal/monitor"
	"github.com/shaiso/vss/internal/mq"
	"github.com/shaiso/vss/internal/repo"
)

// DefaultPath — файл конфигурации, если VSS_CONFIG не задан.
const DefaultPath = "vss.yaml"

// Config — конфигурация сервисов.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Bus      BusConfig      `yaml:"bus"`
	Log      LogConfig      `yaml:"log"`
	DCI      DCIConfig      `yaml:"dci"`
	Hub      HubConfig      `yaml:"hub"`
	GACS     GACSConfig     `yaml:"gacs"`
	DRP      DRPConfig      `yaml:"drp"`
	Device   DeviceConfig   `yaml:"device"`
	Chat     ChatConfig     `yaml:"chat"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Slots    []SlotConfig   `yaml:"slots"`
}

// DatabaseConfig — PostgreSQL. Пустой URL и Memory — хранилище в памяти.
type DatabaseConfig struct {
	URL    string `yaml:"url"`
	Memory bool   `yaml:"memory"`
}

// BusConfig — RabbitMQ и политика переподключения.
type BusConfig struct {
	URL           string        `yaml:"url"`
	Enabled       bool          `yaml:"enabled"`
	AutoReconnect bool          `yaml:"auto_reconnect"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	Multiplier    float64       `yaml:"multiplier"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	MaxAttempts   int           `yaml:"max_attempts"`
	LogInterval   time.Duration `yaml:"log_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DCIConfig — сервис слотов.
type DCIConfig struct {
	Port           int           `yaml:"port"`
	MediaBaseURL   string        `yaml:"media_base_url"`
	LeadRetryDelay time.Duration `yaml:"lead_retry_delay"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	Prefetch       int           `yaml:"prefetch"`
}

// HubConfig — event hub. Tokens: токен → роль.
type HubConfig struct {
	Port      int               `yaml:"port"`
	QueueSize int               `yaml:"queue_size"`
	Prefetch  int               `yaml:"prefetch"`
	Tokens    map[string]string `yaml:"tokens"`
}

type GACSConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type DRPConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
}

// DeviceConfig — пути к утилитам управления устройствами.
type DeviceConfig struct {
	ADBPath         string `yaml:"adb_path"`
	UhubctlPath     string `yaml:"uhubctl_path"`
	DockerPath      string `yaml:"docker_path"`
	ShellPath       string `yaml:"shell_path"`
	PowerShellPath  string `yaml:"powershell_path"`
	ContainerPrefix string `yaml:"container_prefix"`
}

// ChatConfig — платформа сообщений для chat-message скриптов.
// Пустая платформа — chat-message отключены.
type ChatConfig struct {
	Platform       string `yaml:"platform"`
	SlackToken     string `yaml:"slack_token"`
	DiscordToken   string `yaml:"discord_token"`
	DefaultChannel string `yaml:"default_channel"`
}

// MonitorConfig — автоматическое восстановление слотов в FAULT.
type MonitorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Schedule     string        `yaml:"schedule"`
	RecoveryKind string        `yaml:"recovery_kind"`
	Cooldown     time.Duration `yaml:"cooldown"`
}

// SlotConfig — провижининг слота при старте vss-dci.
type SlotConfig struct {
	ID           string `yaml:"id"`
	DeviceType   string `yaml:"device_type"`
	DeviceSerial string `yaml:"device_serial"`
	SIPUsername  string `yaml:"sip_username"`
	Number       string `yaml:"number"`
	TrunkID      string `yaml:"trunk_id"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{URL: repo.DefaultDSN},
		Bus: BusConfig{
			URL:           mq.DefaultURL(),
			Enabled:       true,
			AutoReconnect: true,
			InitialDelay:  30 * time.Second,
			Multiplier:    1.5,
			MaxAttempts:   5,
			LogInterval:   time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		DCI: DCIConfig{
			Port:           8081,
			LeadRetryDelay: 5 * time.Second,
			ReplayInterval: 10 * time.Second,
			Prefetch:       5,
		},
		Hub:  HubConfig{Port: 8082, QueueSize: 256, Prefetch: 20},
		GACS: GACSConfig{DefaultTimeout: 60 * time.Second},
		DRP: DRPConfig{
			DefaultTimeout: 120 * time.Second,
			MaxAttempts:    3,
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
		},
		Monitor: MonitorConfig{
			Schedule:     "* * * * *",
			RecoveryKind: string(domain.RecoveryDeviceReboot),
			Cooldown:     5 * time.Minute,
		},
	}
}

// Load читает конфигурацию. Путь берётся из VSS_CONFIG; без него
// используется vss.yaml, если файл существует.
func Load() (*Config, error) {
	path := os.Getenv("VSS_CONFIG")
	required := path != ""
	if path == "" {
		path = DefaultPath
	}
	return load(path, required, os.Getenv)
}

func load(path string, required bool, getenv func(string) string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse разбирает YAML поверх значений по умолчанию без окружения.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv применяет переменные окружения.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []string

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}

	str("DB_URL", &c.Database.URL)
	str("RABBITMQ_URL", &c.Bus.URL)
	boolean("RABBITMQ_ENABLED", &c.Bus.Enabled)
	boolean("RABBITMQ_AUTO_RECONNECT", &c.Bus.AutoReconnect)
	integer("RABBITMQ_MAX_RECONNECT_ATTEMPTS", &c.Bus.MaxAttempts)

	// RABBITMQ_RECONNECT_DELAY — в миллисекундах
	var delayMs int
	integer("RABBITMQ_RECONNECT_DELAY", &delayMs)
	if delayMs > 0 {
		c.Bus.InitialDelay = time.Duration(delayMs) * time.Millisecond
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	integer("DCI_PORT", &c.DCI.Port)
	integer("HUB_PORT", &c.Hub.Port)
	str("SLACK_BOT_TOKEN", &c.Chat.SlackToken)
	str("DISCORD_BOT_TOKEN", &c.Chat.DiscordToken)

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validate проверяет согласованность значений.
func (c *Config) validate() error {
	var errs []string

	if c.Bus.Enabled && c.Bus.URL == "" {
		errs = append(errs, "bus.url is required when bus is enabled")
	}
	if c.Bus.MaxAttempts < 1 {
		errs = append(errs, "bus.max_attempts must be positive")
	}
	if c.Bus.Multiplier < 1 {
		errs = append(errs, "bus.multiplier must be >= 1")
	}
	if c.Bus.MaxDelay > 0 && c.Bus.MaxDelay < c.Bus.InitialDelay {
		errs = append(errs, "bus.max_delay must not be less than bus.initial_delay")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}

	switch chat.Platform(c.Chat.Platform) {
	case "":
	case chat.PlatformSlack:
		if c.Chat.SlackToken == "" {
			errs = append(errs, "chat.slack_token (SLACK_BOT_TOKEN) is required for slack")
		}
	case chat.PlatformDiscord:
		if c.Chat.DiscordToken == "" {
			errs = append(errs, "chat.discord_token (DISCORD_BOT_TOKEN) is required for discord")
		}
	default:
		errs = append(errs, fmt.Sprintf("chat.platform %q must be slack or discord", c.Chat.Platform))
	}

	if c.Monitor.Enabled {
		if !domain.RecoveryKind(c.Monitor.RecoveryKind).Valid() {
			errs = append(errs, fmt.Sprintf("monitor.recovery_kind %q is unknown", c.Monitor.RecoveryKind))
		}
		if err := monitor.ValidateSchedule(c.Monitor.Schedule); err != nil {
			errs = append(errs, "monitor.schedule: "+err.Error())
		}
	}

	for token, role := range c.Hub.Tokens {
		if token == "" {
			errs = append(errs, "hub.tokens: empty token")
		}
		switch role {
		case "admin", "supervisor", "seller", "monitor", "automation":
		default:
			errs = append(errs, fmt.Sprintf("hub.tokens: unknown role %q", role))
		}
	}

	seen := make(map[string]bool, len(c.Slots))
	for i, s := range c.Slots {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("slots[%d].id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("slots[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		switch domain.DeviceType(s.DeviceType) {
		case "", domain.DeviceTypeAuto, domain.DeviceTypeManualFallback, domain.DeviceTypeLocalScript:
		default:
			errs = append(errs, fmt.Sprintf("slots[%d].device_type %q is unknown", i, s.DeviceType))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MQ возвращает конфигурацию соединения с шиной.
func (b BusConfig) MQ(topology mq.Topology, logger *slog.Logger) mq.Config {
	return mq.Config{
		URL:           b.URL,
		Enabled:       b.Enabled,
		AutoReconnect: b.AutoReconnect,
		InitialDelay:  b.InitialDelay,
		Multiplier:    b.Multiplier,
		MaxDelay:      b.MaxDelay,
		MaxAttempts:   b.MaxAttempts,
		LogInterval:   b.LogInterval,
		Topology:      topology,
		Logger:        logger,
	}
}

// Retry возвращает политику повторов DRP.
func (d DRPConfig) Retry() drp.RetryPolicy {
	return drp.RetryPolicy{
		MaxAttempts:  d.MaxAttempts,
		InitialDelay: d.InitialDelay,
		MaxDelay:     d.MaxDelay,
	}
}

// Sender возвращает конфигурацию отправителя сообщений.
// false — платформа не настроена.
func (c ChatConfig) Sender() (chat.Config, bool) {
	p := chat.Platform(c.Platform)
	switch p {
	case chat.PlatformSlack:
		return chat.Config{Platform: p, Token: c.SlackToken, DefaultChannel: c.DefaultChannel}, true
	case chat.PlatformDiscord:
		return chat.Config{Platform: p, Token: c.DiscordToken, DefaultChannel: c.DefaultChannel}, true
	default:
		return chat.Config{}, false
	}
}

// Slot строит доменный слот для провижининга.
func (s SlotConfig) Slot() *domain.Slot {
	deviceType := domain.DeviceType(s.DeviceType)
	if deviceType == "" {
		deviceType = domain.DeviceTypeAuto
	}
	slot := domain.NewSlot(s.ID, deviceType)
	slot.DeviceSerial = s.DeviceSerial
	slot.TrunkID = s.TrunkID
	if s.SIPUsername != "" || s.Number != "" {
		slot.SIP = &domain.SIPIdentity{Username: s.SIPUsername, Number: s.Number}
	}
	return slot
}
