// Package commands defines the command menus shown by Telegram clients.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Command names handled by the bot.
const (
	Start     = "start"
	Admin     = "admin"
	Broadcast = "broadcast"
	Cancel    = "cancel"
)

// Command is one menu entry.
type Command struct {
	Name        string
	Description string
}

// Setter installs a command menu for a scope.
type Setter interface {
	SetMyCommands(ctx context.Context, params *bot.SetMyCommandsParams) (bool, error)
}

// Registry holds the member and administrator menus.
type Registry struct {
	members []Command
	admins  []Command
}

// Default returns the menus of the bot. Administrators see the member
// commands as well.
func Default() *Registry {
	members := []Command{
		{Name: Start, Description: "Start working with the bot"},
	}

	admins := []Command{
		{Name: Admin, Description: "Admin menu"},
		{Name: Broadcast, Description: "Send a message to all users"},
		{Name: Cancel, Description: "Cancel the current action"},
	}

	return New(members, append(admins, members...))
}

// New constructs a Registry from explicit menus.
func New(members, admins []Command) *Registry {
	return &Registry{
		members: append([]Command(nil), members...),
		admins:  append([]Command(nil), admins...),
	}
}

// Members returns the member menu.
func (r *Registry) Members() []Command {
	return append([]Command(nil), r.members...)
}

// Admins returns the administrator menu.
func (r *Registry) Admins() []Command {
	return append([]Command(nil), r.admins...)
}

// Validate checks every entry against the Bot API limits.
func (r *Registry) Validate() error {
	for _, menu := range [][]Command{r.members, r.admins} {
		for _, cmd := range menu {
			if err := validate(cmd); err != nil {
				return err
			}
		}
	}

	return nil
}

// Install publishes the menus: members for private and group chats,
// administrators for group administrators and for each admin's private chat.
func (r *Registry) Install(ctx context.Context, setter Setter, adminIDs ...int64) error {
	if setter == nil {
		return errors.New("command setter is required")
	}
	if err := r.Validate(); err != nil {
		return err
	}

	type install struct {
		name  string
		menu  []Command
		scope models.BotCommandScope
	}

	installs := []install{
		{name: "default", menu: r.members, scope: &models.BotCommandScopeDefault{}},
		{name: "all_group_chats", menu: r.members, scope: &models.BotCommandScopeAllGroupChats{}},
		{name: "all_chat_administrators", menu: r.admins, scope: &models.BotCommandScopeAllChatAdministrators{}},
	}
	for _, id := range adminIDs {
		if id == 0 {
			continue
		}
		installs = append(installs, install{
			name:  fmt.Sprintf("chat:%d", id),
			menu:  r.admins,
			scope: &models.BotCommandScopeChat{ChatID: id},
		})
	}

	for _, in := range installs {
		if _, err := setter.SetMyCommands(ctx, &bot.SetMyCommandsParams{
			Commands: toBotCommands(in.menu),
			Scope:    in.scope,
		}); err != nil {
			return fmt.Errorf("set commands for %s: %w", in.name, err)
		}
	}

	return nil
}

// Help renders a menu as "/name - description" lines.
func Help(menu []Command) string {
	lines := make([]string, 0, len(menu))
	for _, cmd := range menu {
		lines = append(lines, "/"+cmd.Name+" - "+cmd.Description)
	}

	return strings.Join(lines, "\n")
}

func toBotCommands(menu []Command) []models.BotCommand {
	out := make([]models.BotCommand, 0, len(menu))
	for _, cmd := range menu {
		out = append(out, models.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}

	return out
}

func validate(cmd Command) error {
	if len(cmd.Name) == 0 || len(cmd.Name) > 32 {
		return fmt.Errorf("command %q: name must be 1-32 characters", cmd.Name)
	}
	for _, r := range cmd.Name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return fmt.Errorf("command %q: only lowercase letters, digits and underscores are allowed", cmd.Name)
		}
	}
	if n := len([]rune(cmd.Description)); n == 0 || n > 256 {
		return fmt.Errorf("command %q: description must be 1-256 characters", cmd.Name)
	}

	return nil
}
