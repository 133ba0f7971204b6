// Package domain defines shared domain constants and types.
package domain

const (
	// RoleAdmin is the configured administrator.
	RoleAdmin = "admin"
	// RoleMember is every other Telegram user.
	RoleMember = "member"
)

// RoleOf resolves the role of a Telegram user given the administrator id.
func RoleOf(adminID, userID int64) string {
	if adminID != 0 && userID == adminID {
		return RoleAdmin
	}

	return RoleMember
}
