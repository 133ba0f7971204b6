// Package user provides helpers for user registration and lifecycle updates.
package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tg_shop_bot/internal/domain"
	"tg_shop_bot/internal/logging"
)

type userStore interface {
	Upsert(ctx context.Context, user domain.User) (bool, error)
	SetActive(ctx context.Context, userID int64, active bool) error
}

// Registrar ensures users are present in the database and tracks whether they
// can still be reached.
type Registrar struct {
	logger   *logrus.Entry
	newStore func(db *gorm.DB) userStore
}

// NewRegistrar constructs a Registrar.
func NewRegistrar(logger *logrus.Entry) *Registrar {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registrar{
		logger: logger,
		newStore: func(db *gorm.DB) userStore {
			return domain.NewUserRepository(db)
		},
	}
}

// EnsureUser records the Telegram user on the given handle, refreshing names
// and reactivating known users. It reports whether the user is new.
func (r *Registrar) EnsureUser(ctx context.Context, db *gorm.DB, from *models.User) (bool, error) {
	if r == nil || r.newStore == nil {
		return false, errors.New("user registrar is not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}
	if db == nil {
		return false, errors.New("database handle is required")
	}
	if from == nil || from.ID == 0 {
		return false, errors.New("user id is required")
	}
	if from.IsBot {
		return false, nil
	}

	created, err := r.newStore(db).Upsert(ctx, domain.UserFromTelegram(from))
	if err != nil {
		return false, fmt.Errorf("ensure user: %w", err)
	}

	if created {
		r.logger.WithFields(logging.Fields{
			"event":   "user_registered",
			"user_id": from.ID,
		}).Info("registered new user")
		return true, nil
	}

	r.logger.WithFields(logging.Fields{
		"event":   "user_seen",
		"user_id": from.ID,
	}).Debug("refreshed known user")

	return false, nil
}

// SetActive flips the reachability flag. Unknown users are ignored.
func (r *Registrar) SetActive(ctx context.Context, db *gorm.DB, userID int64, active bool) error {
	if r == nil || r.newStore == nil {
		return errors.New("user registrar is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if db == nil {
		return errors.New("database handle is required")
	}

	err := r.newStore(db).SetActive(ctx, userID, active)
	if errors.Is(err, domain.ErrUserNotFound) {
		r.logger.WithFields(logging.Fields{
			"event":   "user_status_skipped",
			"user_id": userID,
		}).Debug("status change for unknown user")
		return nil
	}
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}

	r.logger.WithFields(logging.Fields{
		"event":   "user_status",
		"user_id": userID,
		"active":  active,
	}).Info("updated user status")

	return nil
}
