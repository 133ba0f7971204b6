// Package handlers assembles the routing table of the bot.
package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tg_shop_bot/internal/commands"
	"tg_shop_bot/internal/config"
	"tg_shop_bot/internal/feature/user"
	"tg_shop_bot/internal/logging"
	"tg_shop_bot/internal/router"
)

// StateBroadcastText is the conversation state awaiting broadcast text.
const StateBroadcastText = "broadcast:text"

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Users          *user.Registrar
	Commands       *commands.Registry
	BroadcastDelay time.Duration
	Logger         *logrus.Entry
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.Logger()
	}
	if d.Users == nil {
		d.Users = user.NewRegistrar(d.Logger)
	}
	if d.Commands == nil {
		d.Commands = commands.Default()
	}

	return d
}

// Routers returns the routing table in priority order: administrator
// commands, member commands, then membership changes. Message routers only
// accept chats from CHAT__ALLOWED_IDS.
func Routers(cfg config.Config, deps Deps) []*router.Router {
	deps = deps.withDefaults()
	chatAllowed := router.ChatIn(cfg.Chat.AllowedIDs)

	return []*router.Router{
		adminRouter(deps, router.IsMessage(), chatAllowed, router.Admin()),
		userRouter(deps, router.IsMessage(), chatAllowed, router.NotAdmin()),
		membershipRouter(deps, router.MyChatMember(), router.IsPrivate()),
	}
}

// Setup installs the routing table on a dispatcher.
func Setup(d *router.Dispatcher, cfg config.Config, deps Deps) error {
	return d.Include(Routers(cfg, deps)...)
}

func sessionDB(req *router.Request) (*gorm.DB, error) {
	if req.Session == nil {
		return nil, errors.New("no database session for update")
	}

	return req.Session.DB(), nil
}

// registered records the sender before running next.
func registered(users *user.Registrar, next router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		db, err := sessionDB(req)
		if err != nil {
			return err
		}
		if _, err := users.EnsureUser(ctx, db, req.From()); err != nil {
			return err
		}

		return next(ctx, req)
	}
}

// deactivate marks chats that blocked the bot as inactive. Failures are
// logged and skipped.
func deactivate(ctx context.Context, deps Deps, req *router.Request, db *gorm.DB, chatIDs []int64) {
	for _, chatID := range chatIDs {
		if err := deps.Users.SetActive(ctx, db, chatID, false); err != nil {
			req.Logger.WithError(err).WithField("chat_id", chatID).Warn("deactivate blocked user")
		}
	}
}
