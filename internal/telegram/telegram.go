// Package telegram owns the bot client and selects how updates arrive:
// long polling or a webhook behind the web server.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tg_shop_bot/internal/broadcast"
	"tg_shop_bot/internal/commands"
	"tg_shop_bot/internal/config"
	"tg_shop_bot/internal/logging"
	"tg_shop_bot/internal/router"
	"tg_shop_bot/internal/web"
)

const (
	// StartupMessage is sent to the admin once the bot is ready.
	StartupMessage = "Bot started"

	shutdownTimeout = 10 * time.Second
)

// botAPI is the subset of *bot.Bot the client drives.
type botAPI interface {
	Start(ctx context.Context)
	StartWebhook(ctx context.Context)
	WebhookHandler() http.HandlerFunc
	GetMe(ctx context.Context) (*models.User, error)
	SetWebhook(ctx context.Context, params *bot.SetWebhookParams) (bool, error)
	DeleteWebhook(ctx context.Context, params *bot.DeleteWebhookParams) (bool, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SetMyCommands(ctx context.Context, params *bot.SetMyCommandsParams) (bool, error)
}

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

var (
	// AllowedUpdates lists the update types the routing table consumes.
	AllowedUpdates = bot.AllowedUpdates{
		"message",
		"my_chat_member",
	}

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		b, err := bot.New(token, options...)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	newServer = func(opts web.Options) (httpServer, error) {
		return web.NewServer(opts)
	}
)

// Options carries the optional collaborators of a Client.
type Options struct {
	Commands *commands.Registry
	// Checks are exposed on /healthz.
	Checks map[string]web.Pinger
	Logger *logrus.Entry
}

// Client wraps the Telegram bot instance and the transport selected by
// configuration.
type Client struct {
	bot        botAPI
	cfg        config.Config
	dispatcher *router.Dispatcher
	commands   *commands.Registry
	checks     map[string]web.Pinger
	logger     *logrus.Entry
}

// NewClient initializes the bot and routes every update to the dispatcher.
func NewClient(cfg config.Config, dispatcher *router.Dispatcher, opts Options) (*Client, error) {
	if strings.TrimSpace(cfg.Bot.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Logger()
	}
	registry := opts.Commands
	if registry == nil {
		registry = commands.Default()
	}

	options := []bot.Option{
		bot.WithAllowedUpdates(AllowedUpdates),
		bot.WithDefaultHandler(dispatcher.HandleUpdate),
		bot.WithErrorsHandler(errorHandler(logger)),
	}
	if cfg.Bot.UseWebhook && cfg.Bot.WebhookSecret != "" {
		options = append(options, bot.WithWebhookSecretToken(cfg.Bot.WebhookSecret))
	}

	tgBot, err := createBot(cfg.Bot.Token, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}

	return &Client{
		bot:        tgBot,
		cfg:        cfg,
		dispatcher: dispatcher,
		commands:   registry,
		checks:     opts.Checks,
		logger:     logger,
	}, nil
}

// Run performs the startup sequence and serves updates until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.identify(ctx); err != nil {
		return err
	}

	if err := c.startup(ctx); err != nil {
		return err
	}

	if c.cfg.Bot.UseWebhook {
		return c.runWebhook(ctx)
	}

	return c.runPolling(ctx)
}

func (c *Client) identify(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("get bot identity: %w", err)
	}

	c.dispatcher.SetIdentity(me.ID, me.Username)
	c.logger.WithFields(logging.Fields{
		"event":    "telegram_identity",
		"bot_id":   me.ID,
		"username": me.Username,
	}).Info("telegram bot identified")

	return nil
}

// startup registers the webhook when needed, notifies the admin and
// installs the command menus, in that order.
func (c *Client) startup(ctx context.Context) error {
	if c.cfg.Bot.UseWebhook {
		url := c.cfg.WebhookURL()
		if _, err := c.bot.SetWebhook(ctx, &bot.SetWebhookParams{
			URL:                url,
			DropPendingUpdates: true,
			AllowedUpdates:     AllowedUpdates,
			SecretToken:        c.cfg.Bot.WebhookSecret,
		}); err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		c.logger.WithFields(logging.Fields{
			"event": "telegram_webhook_set",
			"url":   url,
		}).Info("telegram webhook registered")
	}

	opts := broadcast.DefaultOptions()
	opts.Delay = 0
	opts.Logger = c.logger
	report, err := broadcast.Broadcast(ctx, c.bot, []int64{c.cfg.Admin.ID}, StartupMessage, opts)
	if err != nil {
		return fmt.Errorf("notify admin: %w", err)
	}
	if report.Sent == 0 {
		c.logger.WithFields(logging.Fields{
			"event":    "admin_notify_failed",
			"admin_id": c.cfg.Admin.ID,
		}).Warn("startup notification was not delivered")
	}

	if err := c.commands.Install(ctx, c.bot, c.cfg.Admin.ID); err != nil {
		return fmt.Errorf("install command menus: %w", err)
	}

	return nil
}

func (c *Client) runPolling(ctx context.Context) error {
	// getUpdates is refused while a webhook is registered.
	if _, err := c.bot.DeleteWebhook(ctx, &bot.DeleteWebhookParams{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}

	server, err := newServer(web.Options{
		Addr:   c.cfg.Web.ListenAddr(),
		Checks: c.checks,
		Logger: c.logger,
	})
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"mode":            "polling",
		"allowed_updates": AllowedUpdates,
	}).Info("starting telegram long polling")

	err = c.serve(ctx, server, c.bot.Start)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
	return err
}

func (c *Client) runWebhook(ctx context.Context) error {
	server, err := newServer(web.Options{
		Addr:           c.cfg.Web.ListenAddr(),
		WebhookPath:    c.cfg.Bot.WebhookPath,
		WebhookHandler: c.bot.WebhookHandler(),
		WebhookSecret:  c.cfg.Bot.WebhookSecret,
		TrustedProxies: c.cfg.Web.TrustedProxies,
		Checks:         c.checks,
		Logger:         c.logger,
	})
	if err != nil {
		return fmt.Errorf("init webhook server: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"event": "telegram_listen",
		"mode":  "webhook",
		"addr":  c.cfg.Web.ListenAddr(),
		"path":  c.cfg.Bot.WebhookPath,
	}).Info("starting telegram webhook")

	err = c.serve(ctx, server, c.bot.StartWebhook)

	c.logger.WithField("event", "telegram_stopped").Info("telegram webhook stopped")
	return err
}

// serve runs the update loop next to the HTTP server and stops both once
// ctx is done or the server fails.
func (c *Client) serve(ctx context.Context, server httpServer, loop func(context.Context)) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		loop(gctx)
		return nil
	})

	g.Go(func() error {
		return server.ListenAndServe()
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			c.logger.WithField("event", "http_shutdown_error").WithError(err).Error("http server shutdown failed")
		}
		return nil
	})

	return g.Wait()
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram api error")
	}
}
