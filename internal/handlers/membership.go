package handlers

import (
	"context"

	"github.com/go-telegram/bot/models"

	"tg_shop_bot/internal/router"
)

func membershipRouter(deps Deps, filters ...router.Filter) *router.Router {
	return router.NewRouter("membership", filters...).
		Handle("status", memberStatus(deps))
}

// memberStatus tracks users blocking and unblocking the bot in private chats.
func memberStatus(deps Deps) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		db, err := sessionDB(req)
		if err != nil {
			return err
		}

		change := req.Update.MyChatMember
		switch change.NewChatMember.Type {
		case models.ChatMemberTypeBanned, models.ChatMemberTypeLeft:
			return deps.Users.SetActive(ctx, db, change.From.ID, false)
		case models.ChatMemberTypeMember:
			_, err := deps.Users.EnsureUser(ctx, db, &change.From)
			return err
		default:
			return nil
		}
	}
}
