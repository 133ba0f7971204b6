package router

import (
	"context"
	"errors"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_shop_bot/internal/config"
	"tg_shop_bot/internal/fsm"
	"tg_shop_bot/internal/storage"
)

// Sender is the part of the Bot API handlers talk back through.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Request carries everything a handler needs for one update. Session is only
// set while the session middleware is active.
type Request struct {
	Update      *models.Update
	Meta        UpdateMeta
	Config      config.Config
	Session     storage.Session
	State       *fsm.Context
	Bot         Sender
	BotUsername string
	Logger      *logrus.Entry
	TraceID     string

	// Route is the name of the matched route, empty until one matches.
	Route string

	panicked bool
}

// Message returns the incoming message, if any.
func (r *Request) Message() *models.Message {
	if r == nil || r.Update == nil {
		return nil
	}

	return r.Update.Message
}

// From returns the user that triggered the update.
func (r *Request) From() *models.User {
	if r == nil || r.Update == nil {
		return nil
	}

	switch {
	case r.Update.Message != nil:
		return r.Update.Message.From
	case r.Update.EditedMessage != nil:
		return r.Update.EditedMessage.From
	case r.Update.CallbackQuery != nil:
		return &r.Update.CallbackQuery.From
	case r.Update.MyChatMember != nil:
		return &r.Update.MyChatMember.From
	case r.Update.ChatMember != nil:
		return &r.Update.ChatMember.From
	default:
		return nil
	}
}

// Reply sends an HTML formatted message to the chat of the update.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r == nil || r.Bot == nil {
		return errors.New("request has no sender")
	}
	if r.Meta.ChatID == 0 {
		return errors.New("update has no chat to reply to")
	}

	_, err := r.Bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    r.Meta.ChatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})

	return err
}

// ReplyTo answers the triggering message as a quoted reply.
func (r *Request) ReplyTo(ctx context.Context, text string) error {
	msg := r.Message()
	if msg == nil {
		return r.Reply(ctx, text)
	}
	if r.Bot == nil {
		return errors.New("request has no sender")
	}

	_, err := r.Bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    msg.Chat.ID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		ReplyParameters: &models.ReplyParameters{
			MessageID:                msg.ID,
			AllowSendingWithoutReply: true,
		},
	})

	return err
}
