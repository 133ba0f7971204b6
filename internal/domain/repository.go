package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrUserNotFound is returned when no row matches the requested user_id.
var ErrUserNotFound = errors.New("user not found")

// UserRepository persists and retrieves users. It operates on whatever handle
// it is given, so a request-scoped transaction and the shared pool both work.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a UserRepository.
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user exactly as given, including Active=false. The creation
// timestamp is populated by gorm when zero.
func (r *UserRepository) Create(ctx context.Context, user User) (User, error) {
	if err := r.check(ctx); err != nil {
		return User{}, err
	}
	if err := validateUser(user); err != nil {
		return User{}, err
	}

	if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return r.GetByID(ctx, user.UserID)
}

// GetByID fetches a user by Telegram user_id.
func (r *UserRepository) GetByID(ctx context.Context, userID int64) (User, error) {
	if err := r.check(ctx); err != nil {
		return User{}, err
	}
	if userID == 0 {
		return User{}, errors.New("user_id is required")
	}

	var user User
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}

	return user, nil
}

// Upsert inserts the user when absent and otherwise refreshes the display
// fields and marks the user active again. It reports whether a row was created.
func (r *UserRepository) Upsert(ctx context.Context, user User) (bool, error) {
	if err := r.check(ctx); err != nil {
		return false, err
	}
	if err := validateUser(user); err != nil {
		return false, err
	}

	db := r.db.WithContext(ctx)

	insert := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&user)
	if insert.Error != nil {
		return false, fmt.Errorf("insert user: %w", insert.Error)
	}
	if insert.RowsAffected > 0 {
		return true, nil
	}

	update := db.Model(&User{}).Where("user_id = ?", user.UserID).Updates(map[string]interface{}{
		"username":  user.Username,
		"full_name": user.FullName,
		"active":    true,
	})
	if update.Error != nil {
		return false, fmt.Errorf("refresh user: %w", update.Error)
	}

	return false, nil
}

// SetActive toggles the active flag. It returns ErrUserNotFound when the user
// has never been seen.
func (r *UserRepository) SetActive(ctx context.Context, userID int64, active bool) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	if userID == 0 {
		return errors.New("user_id is required")
	}

	result := r.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", userID).Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("set user active: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}

	return nil
}

// ListActiveIDs lists the ids of every active user in creation order.
func (r *UserRepository) ListActiveIDs(ctx context.Context) ([]int64, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}

	var ids []int64
	err := r.db.WithContext(ctx).Model(&User{}).
		Where("active = ?", true).
		Order("created_at, user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}

	return ids, nil
}

// UserCounts summarises the users table.
type UserCounts struct {
	Total  int64
	Active int64
}

// Count returns total and active user counts.
func (r *UserRepository) Count(ctx context.Context) (UserCounts, error) {
	if err := r.check(ctx); err != nil {
		return UserCounts{}, err
	}

	var counts UserCounts
	db := r.db.WithContext(ctx)

	if err := db.Model(&User{}).Count(&counts.Total).Error; err != nil {
		return UserCounts{}, fmt.Errorf("count users: %w", err)
	}
	if err := db.Model(&User{}).Where("active = ?", true).Count(&counts.Active).Error; err != nil {
		return UserCounts{}, fmt.Errorf("count active users: %w", err)
	}

	return counts, nil
}

func (r *UserRepository) check(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("user repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return nil
}

func validateUser(user User) error {
	if user.UserID == 0 {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(user.FullName) == "" {
		return errors.New("full_name is required")
	}

	return nil
}
