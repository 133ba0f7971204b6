package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot/models"
)

// Column limits of the users table.
const (
	MaxUsernameLen = 128
	MaxFullNameLen = 128
)

// User represents a Telegram user that has interacted with the bot. Rows are
// never deleted; Active is cleared instead.
type User struct {
	UserID    int64     `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	Username  *string   `gorm:"column:username;size:128" json:"username,omitempty"`
	FullName  string    `gorm:"column:full_name;size:128;not null" json:"full_name"`
	Active    bool      `gorm:"column:active;not null" json:"active"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName pins the table name regardless of naming strategy.
func (User) TableName() string {
	return "users"
}

// UserFromTelegram maps a Telegram user onto the persisted shape, trimming
// names to the column limits. The result is always active.
func UserFromTelegram(from *models.User) User {
	if from == nil {
		return User{}
	}

	fullName := strings.TrimSpace(strings.TrimSpace(from.FirstName) + " " + strings.TrimSpace(from.LastName))
	if fullName == "" {
		fullName = strings.TrimSpace(from.Username)
	}

	user := User{
		UserID:   from.ID,
		FullName: truncate(fullName, MaxFullNameLen),
		Active:   true,
	}

	if username := strings.TrimSpace(from.Username); username != "" {
		trimmed := truncate(username, MaxUsernameLen)
		user.Username = &trimmed
	}

	return user
}

// Handle returns the @username when known.
func (u User) Handle() string {
	if u.Username == nil || *u.Username == "" {
		return ""
	}

	return "@" + *u.Username
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}

	runes := []rune(value)
	return string(runes[:limit])
}
