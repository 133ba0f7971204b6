// Package broadcast delivers one text to many chats.
package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_shop_bot/internal/logging"
	"tg_shop_bot/internal/metrics"
)

// DefaultDelay keeps bulk sends under the Bot API rate limit.
const DefaultDelay = 50 * time.Millisecond

// Sender is the part of the Bot API the broadcaster uses.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Options tunes a broadcast.
type Options struct {
	// Delay between two sends. Zero sends back to back.
	Delay time.Duration
	// DisableNotification delivers silently.
	DisableNotification bool
	// ParseMode applies to the text. Empty sends it as is.
	ParseMode models.ParseMode
	// Entities format plain text and are ignored when ParseMode is set.
	Entities []models.MessageEntity
	// OnForbidden is called for chats that blocked the bot.
	OnForbidden func(ctx context.Context, chatID int64)
	Logger      *logrus.Entry
}

// DefaultOptions returns rate-limited options without callbacks.
func DefaultOptions() Options {
	return Options{Delay: DefaultDelay}
}

// Report counts the outcome of a broadcast.
type Report struct {
	Sent    int
	Blocked int
	Failed  int
}

// sleep is overridable for tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Broadcast sends text to every chat in order. Blocked chats are reported to
// OnForbidden, other failures are logged and skipped. A rate-limit answer is
// honoured once per chat. The only returned error is context cancellation.
func Broadcast(ctx context.Context, sender Sender, chatIDs []int64, text string, opts Options) (Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Logger()
	}

	var report Report
	for i, chatID := range chatIDs {
		if i > 0 {
			if err := sleep(ctx, opts.Delay); err != nil {
				return report, err
			}
		}

		err := send(ctx, sender, chatID, text, opts)
		switch {
		case err == nil:
			report.Sent++
			metrics.BroadcastResult("sent")
		case errors.Is(err, bot.ErrorForbidden):
			report.Blocked++
			metrics.BroadcastResult("blocked")
			logger.WithFields(logging.Fields{
				"event":   "broadcast_blocked",
				"chat_id": chatID,
			}).Debug("chat blocked the bot")
			if opts.OnForbidden != nil {
				opts.OnForbidden(ctx, chatID)
			}
		case ctx.Err() != nil:
			return report, ctx.Err()
		default:
			report.Failed++
			metrics.BroadcastResult("failed")
			logger.WithFields(logging.Fields{
				"event":   "broadcast_failed",
				"chat_id": chatID,
			}).WithError(err).Warn("broadcast delivery failed")
		}
	}

	logger.WithFields(logging.Fields{
		"event":   "broadcast_done",
		"sent":    report.Sent,
		"blocked": report.Blocked,
		"failed":  report.Failed,
	}).Info("broadcast finished")

	return report, nil
}

func send(ctx context.Context, sender Sender, chatID int64, text string, opts Options) error {
	params := &bot.SendMessageParams{
		ChatID:              chatID,
		Text:                text,
		ParseMode:           opts.ParseMode,
		DisableNotification: opts.DisableNotification,
	}
	if opts.ParseMode == "" {
		params.Entities = opts.Entities
	}

	_, err := sender.SendMessage(ctx, params)

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		if waitErr := sleep(ctx, time.Duration(tooMany.RetryAfter)*time.Second); waitErr != nil {
			return waitErr
		}
		_, err = sender.SendMessage(ctx, params)
	}

	return err
}
