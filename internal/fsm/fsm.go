// Package fsm keeps short-lived conversation state per bot, chat and user.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const (
	keyPrefix      = "fsm"
	defaultDestiny = "default"
)

// Key addresses one conversation.
type Key struct {
	BotID  int64
	ChatID int64
	UserID int64
}

// StateKey is the storage key of the state value.
func (k Key) StateKey() string {
	return k.build("state")
}

// DataKey is the storage key of the data map.
func (k Key) DataKey() string {
	return k.build("data")
}

func (k Key) build(part string) string {
	return fmt.Sprintf("%s:%d:%d:%d:%s:%s", keyPrefix, k.BotID, k.ChatID, k.UserID, defaultDestiny, part)
}

// Storage persists states and data. An empty state or data map deletes the
// stored value.
type Storage interface {
	GetState(ctx context.Context, key Key) (string, error)
	SetState(ctx context.Context, key Key, state string) error
	GetData(ctx context.Context, key Key) (map[string]string, error)
	SetData(ctx context.Context, key Key, data map[string]string) error
	Close() error
}

// MemoryStorage keeps everything in process memory. State is lost on restart.
type MemoryStorage struct {
	mu     sync.RWMutex
	states map[Key]string
	data   map[Key]map[string]string
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		states: make(map[Key]string),
		data:   make(map[Key]map[string]string),
	}
}

func (m *MemoryStorage) GetState(_ context.Context, key Key) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.states[key], nil
}

func (m *MemoryStorage) SetState(_ context.Context, key Key, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state == "" {
		delete(m.states, key)
		return nil
	}
	m.states[key] = state

	return nil
}

func (m *MemoryStorage) GetData(_ context.Context, key Key) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return copyData(m.data[key]), nil
}

func (m *MemoryStorage) SetData(_ context.Context, key Key, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(data) == 0 {
		delete(m.data, key)
		return nil
	}
	m.data[key] = copyData(data)

	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

// Context binds a storage to one conversation key for the lifetime of an update.
type Context struct {
	storage Storage
	key     Key
}

// NewContext constructs a Context.
func NewContext(storage Storage, key Key) *Context {
	return &Context{storage: storage, key: key}
}

// Key returns the conversation key.
func (c *Context) Key() Key {
	return c.key
}

// State returns the current state, empty when none is set.
func (c *Context) State(ctx context.Context) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}

	return c.storage.GetState(ctx, c.key)
}

// SetState moves the conversation to state.
func (c *Context) SetState(ctx context.Context, state string) error {
	if err := c.check(); err != nil {
		return err
	}

	return c.storage.SetState(ctx, c.key, state)
}

// Data returns a copy of the stored data.
func (c *Context) Data(ctx context.Context) (map[string]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	return c.storage.GetData(ctx, c.key)
}

// UpdateData merges values into the stored data and returns the result.
func (c *Context) UpdateData(ctx context.Context, values map[string]string) (map[string]string, error) {
	data, err := c.Data(ctx)
	if err != nil {
		return nil, err
	}

	for k, v := range values {
		data[k] = v
	}

	if err := c.storage.SetData(ctx, c.key, data); err != nil {
		return nil, err
	}

	return data, nil
}

// Clear drops both state and data.
func (c *Context) Clear(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}

	if err := c.storage.SetState(ctx, c.key, ""); err != nil {
		return err
	}

	return c.storage.SetData(ctx, c.key, nil)
}

func (c *Context) check() error {
	if c == nil || c.storage == nil {
		return errors.New("fsm context is not initialized")
	}

	return nil
}

func copyData(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}

	return dst
}
