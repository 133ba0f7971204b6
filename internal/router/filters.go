package router

import (
	"context"
	"strings"

	"github.com/go-telegram/bot/models"
)

// Command matches messages starting with /name, optionally addressed as
// /name@bot. Mentions of other bots never match.
func Command(names ...string) Filter {
	want := make(map[string]struct{}, len(names))
	for _, name := range names {
		want[strings.ToLower(strings.TrimPrefix(name, "/"))] = struct{}{}
	}

	return func(_ context.Context, req *Request) bool {
		msg := req.Message()
		if msg == nil {
			return false
		}

		name, mention, ok := ParseCommand(msg.Text)
		if !ok {
			return false
		}
		if mention != "" && !strings.EqualFold(mention, req.BotUsername) {
			return false
		}

		_, found := want[name]
		return found
	}
}

// ParseCommand splits "/Name@bot args" into its lowercase name and mention.
func ParseCommand(text string) (name, mention string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}

	token := strings.Fields(text)[0][1:]
	if at := strings.IndexByte(token, '@'); at >= 0 {
		token, mention = token[:at], token[at+1:]
	}
	if token == "" {
		return "", "", false
	}

	return strings.ToLower(token), mention, true
}

// ChatIn passes updates from the listed chats. An empty list passes all.
func ChatIn(ids []int64) Filter {
	allowed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}

	return func(_ context.Context, req *Request) bool {
		if len(allowed) == 0 {
			return true
		}

		_, ok := allowed[req.Meta.ChatID]
		return ok
	}
}

// FromUser passes updates sent by one of the listed users.
func FromUser(ids ...int64) Filter {
	allowed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}

	return func(_ context.Context, req *Request) bool {
		_, ok := allowed[req.Meta.UserID]
		return ok
	}
}

// Admin passes updates sent by the configured administrator.
func Admin() Filter {
	return func(_ context.Context, req *Request) bool {
		return req.Config.IsAdmin(req.Meta.UserID)
	}
}

// NotAdmin passes updates from anyone but the administrator.
func NotAdmin() Filter {
	return Not(Admin())
}

// IsMessage passes new messages.
func IsMessage() Filter {
	return func(_ context.Context, req *Request) bool {
		return req.Message() != nil
	}
}

// IsPrivate passes updates from one-to-one chats.
func IsPrivate() Filter {
	return func(_ context.Context, req *Request) bool {
		if req.Update == nil {
			return false
		}

		switch {
		case req.Update.Message != nil:
			return req.Update.Message.Chat.Type == models.ChatTypePrivate
		case req.Update.MyChatMember != nil:
			return req.Update.MyChatMember.Chat.Type == models.ChatTypePrivate
		case req.Update.ChatMember != nil:
			return req.Update.ChatMember.Chat.Type == models.ChatTypePrivate
		default:
			return false
		}
	}
}

// MyChatMember passes changes of the bot's own membership.
func MyChatMember() Filter {
	return func(_ context.Context, req *Request) bool {
		return req.Update != nil && req.Update.MyChatMember != nil
	}
}

// HasText passes messages with non-blank text.
func HasText() Filter {
	return func(_ context.Context, req *Request) bool {
		msg := req.Message()
		return msg != nil && strings.TrimSpace(msg.Text) != ""
	}
}

// StateIs passes when the conversation is in state. Storage errors fail the
// filter.
func StateIs(state string) Filter {
	return func(ctx context.Context, req *Request) bool {
		current, err := req.State.State(ctx)
		if err != nil {
			if req.Logger != nil {
				req.Logger.WithError(err).Warn("read fsm state")
			}
			return false
		}

		return current == state
	}
}

// Not inverts a filter.
func Not(filter Filter) Filter {
	return func(ctx context.Context, req *Request) bool {
		return !filter(ctx, req)
	}
}

// Any passes when at least one filter passes, evaluated in order.
func Any(filters ...Filter) Filter {
	return func(ctx context.Context, req *Request) bool {
		for _, filter := range filters {
			if filter(ctx, req) {
				return true
			}
		}
		return false
	}
}
