package handlers

import (
	"context"
	"fmt"
	"html"

	"tg_shop_bot/internal/commands"
	"tg_shop_bot/internal/domain"
	"tg_shop_bot/internal/router"
)

func userRouter(deps Deps, filters ...router.Filter) *router.Router {
	return router.NewRouter("user", filters...).
		Handle("start", registered(deps.Users, userStart), router.Command(commands.Start))
}

func userStart(ctx context.Context, req *router.Request) error {
	name := domain.UserFromTelegram(req.From()).FullName
	if name == "" {
		name = "there"
	}

	return req.Reply(ctx, fmt.Sprintf("Hello, <b>%s</b>! Welcome to the shop.", html.EscapeString(name)))
}
