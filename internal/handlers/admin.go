package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot/models"

	"tg_shop_bot/internal/broadcast"
	"tg_shop_bot/internal/commands"
	"tg_shop_bot/internal/domain"
	"tg_shop_bot/internal/router"
)

const (
	textAdminGreeting   = "Hello, admin!"
	textBroadcastPrompt = "Send the text to broadcast, or /cancel."
	textCancelled       = "Cancelled."
	textNothingToCancel = "Nothing to cancel."
)

func adminRouter(deps Deps, filters ...router.Filter) *router.Router {
	return router.NewRouter("admin", filters...).
		Handle("start", registered(deps.Users, adminStart), router.Command(commands.Start)).
		Handle("menu", adminMenu(deps), router.Command(commands.Admin)).
		Handle("cancel", adminCancel, router.Command(commands.Cancel)).
		Handle("broadcast", adminBroadcastCommand(deps), router.Command(commands.Broadcast)).
		Handle("broadcast_text", adminBroadcastText(deps), router.StateIs(StateBroadcastText), router.HasText())
}

func adminStart(ctx context.Context, req *router.Request) error {
	return req.ReplyTo(ctx, textAdminGreeting)
}

func adminMenu(deps Deps) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		db, err := sessionDB(req)
		if err != nil {
			return err
		}

		counts, err := domain.NewUserRepository(db).Count(ctx)
		if err != nil {
			return err
		}

		text := fmt.Sprintf("<b>Admin menu</b>\nUsers: %d (active: %d)\n\n%s",
			counts.Total, counts.Active, commands.Help(deps.Commands.Admins()))

		return req.Reply(ctx, text)
	}
}

func adminCancel(ctx context.Context, req *router.Request) error {
	state, err := req.State.State(ctx)
	if err != nil {
		return err
	}
	if state == "" {
		return req.Reply(ctx, textNothingToCancel)
	}

	if err := req.State.Clear(ctx); err != nil {
		return err
	}

	return req.Reply(ctx, textCancelled)
}

// adminBroadcastCommand sends "/broadcast text" right away as plain text and
// otherwise waits for the text in the next message.
func adminBroadcastCommand(deps Deps) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if text := commandArgs(req.Meta.Text); text != "" {
			return runBroadcast(ctx, deps, req, text, nil)
		}

		if err := req.State.SetState(ctx, StateBroadcastText); err != nil {
			return err
		}

		return req.Reply(ctx, textBroadcastPrompt)
	}
}

func adminBroadcastText(deps Deps) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if err := req.State.Clear(ctx); err != nil {
			return err
		}

		msg := req.Message()
		return runBroadcast(ctx, deps, req, msg.Text, msg.Entities)
	}
}

// runBroadcast sends text with the admin's own formatting entities. Blocked
// chats are deactivated once every send is done.
func runBroadcast(ctx context.Context, deps Deps, req *router.Request, text string, entities []models.MessageEntity) error {
	db, err := sessionDB(req)
	if err != nil {
		return err
	}

	ids, err := domain.NewUserRepository(db).ListActiveIDs(ctx)
	if err != nil {
		return err
	}

	var blocked []int64
	report, err := broadcast.Broadcast(ctx, req.Bot, ids, text, broadcast.Options{
		Delay:    deps.BroadcastDelay,
		Entities: entities,
		Logger:   req.Logger,
		OnForbidden: func(_ context.Context, chatID int64) {
			blocked = append(blocked, chatID)
		},
	})
	if err != nil {
		return err
	}

	deactivate(ctx, deps, req, db, blocked)

	return req.Reply(ctx, fmt.Sprintf("Broadcast finished: sent %d, blocked %d, failed %d.",
		report.Sent, report.Blocked, report.Failed))
}

func commandArgs(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexAny(text, " \n\t"); idx >= 0 {
		return strings.TrimSpace(text[idx+1:])
	}

	return ""
}
