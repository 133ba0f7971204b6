// Package config defines the configuration contract and handles loading and validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// Canonical environment variable keys. Groups are separated by a double underscore.
	KeyAppEnv            = "APP_ENV"
	KeyLogLevel          = "LOG_LEVEL"
	KeyWebDomain         = "WEB__DOMAIN"
	KeyWebHost           = "WEB__HOST"
	KeyWebPort           = "WEB__PORT"
	KeyWebTrustedProxies = "WEB__TRUSTED_PROXIES"
	KeyBotToken          = "BOT__TOKEN"
	KeyBotUseWebhook     = "BOT__USE_WEBHOOK"
	KeyBotUseRedis       = "BOT__USE_REDIS"
	KeyBotWebhookPath    = "BOT__WEBHOOK_PATH"
	KeyBotWebhookSecret  = "BOT__WEBHOOK_SECRET"
	KeyAdminID           = "ADMIN__ID"
	KeyChatAllowedIDs    = "CHAT__ALLOWED_IDS"
	KeyPostgresHost      = "POSTGRES__HOST"
	KeyPostgresPort      = "POSTGRES__PORT"
	KeyPostgresDatabase  = "POSTGRES__DATABASE"
	KeyPostgresUser      = "POSTGRES__USER"
	KeyPostgresPassword  = "POSTGRES__PASSWORD"
	KeyPostgresPoolSize  = "POSTGRES__POOL_SIZE"
	KeyPostgresOverflow  = "POSTGRES__MAX_OVERFLOW"
	KeyRedisHost         = "REDIS__HOST"
	KeyRedisPort         = "REDIS__PORT"
	KeyRedisDB           = "REDIS__DB"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Defaults for optional settings.
	DefaultAppEnv       = EnvProduction
	DefaultLogLevel     = "info"
	DefaultWebHost      = "0.0.0.0"
	DefaultWebPort      = 8080
	DefaultWebhookPath  = "/webhook"
	DefaultPostgresPort = 5432
	DefaultPoolSize     = 20
	DefaultMaxOverflow  = 200
	DefaultRedisPort    = 6379
)

// Required describes when a key must be present.
type Required int

const (
	Optional Required = iota
	Always
	WhenWebhook
	WhenRedis
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string   // environment variable name
	Example     string   // human-friendly sample value
	Required    Required // whether the bot must refuse to start without this value
	Default     string   // default when unset (empty when required)
	Description string   // what the variable controls
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only implicit when APP_ENV=development; production must rely
// on environment variables supplied by the runtime or an explicit env file.
var Contract = []VarSpec{
	{Key: KeyAppEnv, Example: EnvDevelopment + " / " + EnvProduction, Default: DefaultAppEnv, Description: "Runtime environment; controls log format and dotenv usage."},
	{Key: KeyLogLevel, Example: "debug", Default: DefaultLogLevel, Description: "Log level."},
	{Key: KeyWebDomain, Example: "https://bot.example.com", Required: WhenWebhook, Description: "Public base URL the webhook path is appended to."},
	{Key: KeyWebHost, Example: "0.0.0.0", Default: DefaultWebHost, Description: "Webhook listener host."},
	{Key: KeyWebPort, Example: "8080", Default: strconv.Itoa(DefaultWebPort), Description: "Webhook listener port."},
	{Key: KeyWebTrustedProxies, Example: "10.0.0.0/8", Description: "Reverse proxies whose X-Forwarded-For is honoured; empty trusts only the peer address."},
	{Key: KeyBotToken, Example: "123:ABC", Required: Always, Description: "Telegram Bot Token issued by BotFather."},
	{Key: KeyBotUseWebhook, Example: "false", Default: "false", Description: "Receive updates through a webhook instead of long polling."},
	{Key: KeyBotUseRedis, Example: "false", Default: "false", Description: "Keep conversation state in Redis instead of memory."},
	{Key: KeyBotWebhookPath, Example: DefaultWebhookPath, Required: WhenWebhook, Default: DefaultWebhookPath, Description: "HTTP path of the webhook endpoint."},
	{Key: KeyBotWebhookSecret, Example: "s3cr3t-token", Required: WhenWebhook, Description: "Secret token Telegram echoes in X-Telegram-Bot-Api-Secret-Token."},
	{Key: KeyAdminID, Example: "123456789", Required: Always, Description: "Administrator Telegram user_id."},
	{Key: KeyChatAllowedIDs, Example: "-1001,-1002", Description: "Chats whose messages are processed; empty allows all."},
	{Key: KeyPostgresHost, Example: "localhost", Required: Always, Description: "PostgreSQL host."},
	{Key: KeyPostgresPort, Example: "5432", Default: strconv.Itoa(DefaultPostgresPort), Description: "PostgreSQL port."},
	{Key: KeyPostgresDatabase, Example: "shop", Required: Always, Description: "PostgreSQL database name."},
	{Key: KeyPostgresUser, Example: "shop", Required: Always, Description: "PostgreSQL user."},
	{Key: KeyPostgresPassword, Example: "secret", Required: Always, Description: "PostgreSQL password."},
	{Key: KeyPostgresPoolSize, Example: "20", Default: strconv.Itoa(DefaultPoolSize), Description: "Idle connections kept in the pool."},
	{Key: KeyPostgresOverflow, Example: "200", Default: strconv.Itoa(DefaultMaxOverflow), Description: "Connections allowed beyond the pool size."},
	{Key: KeyRedisHost, Example: "localhost", Required: WhenRedis, Description: "Redis host."},
	{Key: KeyRedisPort, Example: "6379", Default: strconv.Itoa(DefaultRedisPort), Description: "Redis port."},
	{Key: KeyRedisDB, Example: "0", Default: "0", Description: "Redis logical database index."},
}

// Web groups the network settings of the webhook listener.
type Web struct {
	Domain         string
	Host           string   `default:"0.0.0.0"`
	Port           int      `default:"8080"`
	TrustedProxies []string `split_words:"true"`
}

// Bot groups Telegram credentials and mode flags.
type Bot struct {
	Token         string
	UseWebhook    bool   `split_words:"true" default:"false"`
	UseRedis      bool   `split_words:"true" default:"false"`
	WebhookPath   string `split_words:"true" default:"/webhook"`
	WebhookSecret string `split_words:"true"`
}

// Admin identifies the bot administrator.
type Admin struct {
	ID int64
}

// Chat restricts which chats may talk to the bot.
type Chat struct {
	AllowedIDs []int64 `envconfig:"ALLOWED_IDS"`
}

// Postgres holds the database connection parameters.
type Postgres struct {
	Host        string
	Port        int `default:"5432"`
	Database    string
	User        string
	Password    string
	PoolSize    int `split_words:"true" default:"20"`
	MaxOverflow int `split_words:"true" default:"200"`
}

// Redis holds the optional cache backend connection parameters.
type Redis struct {
	Host string
	Port int `default:"6379"`
	DB   int `default:"0"`
}

// Config mirrors resolved configuration values after loading. The trailing
// underscore on the group tags yields the double underscore delimiter
// (WEB__DOMAIN, BOT__TOKEN, ...).
type Config struct {
	AppEnv   string   `envconfig:"APP_ENV" default:"production"`
	LogLevel string   `envconfig:"LOG_LEVEL" default:"info"`
	Web      Web      `envconfig:"WEB_"`
	Bot      Bot      `envconfig:"BOT_"`
	Admin    Admin    `envconfig:"ADMIN_"`
	Chat     Chat     `envconfig:"CHAT_"`
	Postgres Postgres `envconfig:"POSTGRES_"`
	Redis    Redis    `envconfig:"REDIS_"`
}

var webhookSecretPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// Load resolves configuration from the environment. Explicit env files are
// loaded first when given; otherwise a .env file is only read in development.
// Variables already present in the environment always win.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	} else {
		appEnv, err := resolveAppEnv()
		if err != nil {
			return Config{}, err
		}

		if err := loadDotEnv(appEnv); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		var parseErr *envconfig.ParseError
		if errors.As(err, &parseErr) {
			return Config{}, fmt.Errorf("invalid %s: %w", parseErr.KeyName, parseErr.Err)
		}
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.AppEnv = normalizeEnv(cfg.AppEnv)
	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
	cfg.Bot.Token = strings.TrimSpace(cfg.Bot.Token)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports every missing required key at once, then the first
// malformed value.
func (c Config) Validate() error {
	if err := validateAppEnv(c.AppEnv); err != nil {
		return err
	}

	if missing := c.missingKeys(); len(missing) > 0 {
		return fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", KeyWebPort)
	}
	if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", KeyPostgresPort)
	}
	if c.Postgres.PoolSize <= 0 {
		return fmt.Errorf("%s must be greater than 0", KeyPostgresPoolSize)
	}
	if c.Postgres.MaxOverflow < 0 {
		return fmt.Errorf("%s must not be negative", KeyPostgresOverflow)
	}

	if c.Bot.UseWebhook {
		domain, err := url.Parse(c.Web.Domain)
		if err != nil || domain.Scheme != "https" || domain.Host == "" {
			return fmt.Errorf("invalid %s: must be an https URL", KeyWebDomain)
		}
		if !strings.HasPrefix(c.Bot.WebhookPath, "/") {
			return fmt.Errorf("invalid %s: must start with /", KeyBotWebhookPath)
		}
		if !webhookSecretPattern.MatchString(c.Bot.WebhookSecret) {
			return fmt.Errorf("invalid %s: only A-Z, a-z, 0-9, _ and - are allowed (1-256 chars)", KeyBotWebhookSecret)
		}
	}

	for _, proxy := range c.Web.TrustedProxies {
		if !validNetwork(proxy) {
			return fmt.Errorf("invalid %s: %q is not an IP address or CIDR", KeyWebTrustedProxies, proxy)
		}
	}

	if c.Bot.UseRedis && (c.Redis.DB < 0 || c.Redis.DB > 15) {
		return fmt.Errorf("%s must be between 0 and 15", KeyRedisDB)
	}

	return nil
}

func (c Config) missingKeys() []string {
	present := map[string]bool{
		KeyBotToken:         c.Bot.Token != "",
		KeyAdminID:          c.Admin.ID != 0,
		KeyPostgresHost:     strings.TrimSpace(c.Postgres.Host) != "",
		KeyPostgresDatabase: strings.TrimSpace(c.Postgres.Database) != "",
		KeyPostgresUser:     strings.TrimSpace(c.Postgres.User) != "",
		KeyPostgresPassword: c.Postgres.Password != "",
		KeyWebDomain:        strings.TrimSpace(c.Web.Domain) != "",
		KeyBotWebhookPath:   strings.TrimSpace(c.Bot.WebhookPath) != "",
		KeyBotWebhookSecret: c.Bot.WebhookSecret != "",
		KeyRedisHost:        strings.TrimSpace(c.Redis.Host) != "",
	}

	missing := make([]string, 0)
	for _, spec := range Contract {
		switch {
		case spec.Required == Always,
			spec.Required == WhenWebhook && c.Bot.UseWebhook,
			spec.Required == WhenRedis && c.Bot.UseRedis:
			if !present[spec.Key] {
				missing = append(missing, spec.Key)
			}
		}
	}

	return missing
}

func validNetwork(value string) bool {
	value = strings.TrimSpace(value)
	if _, _, err := net.ParseCIDR(value); err == nil {
		return true
	}

	return net.ParseIP(value) != nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// IsAdmin reports whether the Telegram user is the configured administrator.
func (c Config) IsAdmin(userID int64) bool {
	return userID != 0 && userID == c.Admin.ID
}

// WebhookURL is the public URL registered with Telegram.
func (c Config) WebhookURL() string {
	return strings.TrimRight(c.Web.Domain, "/") + c.Bot.WebhookPath
}

// ListenAddr is the host:port the webhook listener binds to.
func (c Web) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN renders a PostgreSQL connection string in key=value form.
func (p Postgres) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		p.Host, p.Port, p.User, p.Password, p.Database)
}

// MaxOpenConns is the hard ceiling of concurrent connections.
func (p Postgres) MaxOpenConns() int {
	return p.PoolSize + p.MaxOverflow
}

// Addr renders the Redis host:port pair.
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// URL renders the Redis connection string.
func (r Redis) URL() string {
	return fmt.Sprintf("redis://%s/%d", r.Addr(), r.DB)
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
