package config

import (
	"fmt"
	"strconv"
	"strings"
)

const redactedSuffix = "...redacted"

// FormatRedacted renders the resolved configuration with secrets masked so it
// can be printed or logged safely.
func FormatRedacted(cfg Config) string {
	allowed := make([]string, 0, len(cfg.Chat.AllowedIDs))
	for _, id := range cfg.Chat.AllowedIDs {
		allowed = append(allowed, strconv.FormatInt(id, 10))
	}

	lines := []string{
		fmt.Sprintf("app_env: %s", cfg.AppEnv),
		fmt.Sprintf("log_level: %s", cfg.LogLevel),
		fmt.Sprintf("web: domain=%s listen=%s trusted_proxies=[%s]",
			cfg.Web.Domain, cfg.Web.ListenAddr(), strings.Join(cfg.Web.TrustedProxies, ", ")),
		fmt.Sprintf("bot_token: %s", maskSecret(cfg.Bot.Token)),
		fmt.Sprintf("bot_mode: webhook=%t redis=%t", cfg.Bot.UseWebhook, cfg.Bot.UseRedis),
		fmt.Sprintf("webhook: path=%s secret=%s", cfg.Bot.WebhookPath, maskSecret(cfg.Bot.WebhookSecret)),
		fmt.Sprintf("admin_id: %d", cfg.Admin.ID),
		fmt.Sprintf("allowed_chats: [%s]", strings.Join(allowed, ", ")),
		fmt.Sprintf("postgres: %s@%s:%d/%s password=%s pool=%d overflow=%d",
			cfg.Postgres.User, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Database,
			maskSecret(cfg.Postgres.Password), cfg.Postgres.PoolSize, cfg.Postgres.MaxOverflow),
		fmt.Sprintf("redis: %s", cfg.Redis.URL()),
	}

	return strings.Join(lines, "\n")
}

func maskSecret(value string) string {
	if value == "" {
		return "<unset>"
	}
	if len(value) <= 4 {
		return "****"
	}

	return value[:4] + redactedSuffix
}
