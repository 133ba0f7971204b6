package router

import (
	"strings"

	"github.com/go-telegram/bot/models"
)

// Update type names as reported in logs and metrics.
const (
	UpdateMessage       = "message"
	UpdateEditedMessage = "edited_message"
	UpdateCallbackQuery = "callback_query"
	UpdateMyChatMember  = "my_chat_member"
	UpdateChatMember    = "chat_member"
	UpdateUnknown       = "unknown"
)

// UpdateMeta is the routing-relevant summary of an update.
type UpdateMeta struct {
	UserID int64
	ChatID int64
	Text   string
	Type   string
}

// Meta extracts the sender, chat and text of an update.
func Meta(update *models.Update) UpdateMeta {
	if update == nil {
		return UpdateMeta{Type: UpdateUnknown}
	}

	switch {
	case update.Message != nil:
		return UpdateMeta{
			UserID: userID(update.Message.From),
			ChatID: update.Message.Chat.ID,
			Text:   strings.TrimSpace(update.Message.Text),
			Type:   UpdateMessage,
		}
	case update.EditedMessage != nil:
		return UpdateMeta{
			UserID: userID(update.EditedMessage.From),
			ChatID: update.EditedMessage.Chat.ID,
			Text:   strings.TrimSpace(update.EditedMessage.Text),
			Type:   UpdateEditedMessage,
		}
	case update.CallbackQuery != nil:
		return UpdateMeta{
			UserID: update.CallbackQuery.From.ID,
			ChatID: messageChatID(update.CallbackQuery.Message),
			Text:   strings.TrimSpace(update.CallbackQuery.Data),
			Type:   UpdateCallbackQuery,
		}
	case update.MyChatMember != nil:
		return UpdateMeta{
			UserID: update.MyChatMember.From.ID,
			ChatID: update.MyChatMember.Chat.ID,
			Type:   UpdateMyChatMember,
		}
	case update.ChatMember != nil:
		return UpdateMeta{
			UserID: update.ChatMember.From.ID,
			ChatID: update.ChatMember.Chat.ID,
			Type:   UpdateChatMember,
		}
	default:
		return UpdateMeta{Type: UpdateUnknown}
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return msg.Message.Chat.ID
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return msg.InaccessibleMessage.Chat.ID
	default:
		return 0
	}
}
