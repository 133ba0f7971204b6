package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"gorm.io/gorm"

	"tg_shop_bot/internal/config"
	"tg_shop_bot/internal/fsm"
	"tg_shop_bot/internal/storage"
	"tg_shop_bot/internal/storage/storagetest"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*bot.SendMessageParams
}

func (f *fakeSender) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, params)
	return &models.Message{}, nil
}

type fakeSession struct {
	commits   int
	rollbacks int
}

func (s *fakeSession) DB() *gorm.DB { return nil }

func (s *fakeSession) Commit() error {
	s.commits++
	return nil
}

func (s *fakeSession) Rollback() error {
	s.rollbacks++
	return nil
}

func (s *fakeSession) Closed() bool { return s.commits+s.rollbacks > 0 }

type fakeOpener struct {
	sessions []*fakeSession
	err      error
}

func (o *fakeOpener) Begin(context.Context) (storage.Session, error) {
	if o.err != nil {
		return nil, o.err
	}
	s := &fakeSession{}
	o.sessions = append(o.sessions, s)
	return s, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *logtest.Hook) {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := config.Config{}
	cfg.Admin.ID = 1

	d := NewDispatcher(cfg, fsm.NewMemoryStorage(), logrus.NewEntry(logger))
	d.SetIdentity(999, "@shop_bot")

	return d, hook
}

func textUpdate(userID, chatID int64, text string) *models.Update {
	return &models.Update{
		ID: 1,
		Message: &models.Message{
			From: &models.User{ID: userID},
			Chat: models.Chat{ID: chatID, Type: models.ChatTypePrivate},
			Text: text,
		},
	}
}

func TestFirstMatchingRouteWinsInRegistrationOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var calls []string
	record := func(name string) HandlerFunc {
		return func(context.Context, *Request) error {
			calls = append(calls, name)
			return nil
		}
	}

	first := NewRouter("first", Admin()).Handle("start", record("first"), Command("start"))
	second := NewRouter("second").
		Handle("start", record("second:start"), Command("start")).
		Handle("any", record("second:any"))
	third := NewRouter("third").Handle("start", record("third"), Command("start"))

	if err := d.Include(first, second, third); err != nil {
		t.Fatalf("Include returned error: %v", err)
	}

	matched, err := d.Dispatch(context.Background(), &fakeSender{}, textUpdate(2, 2, "/start"))
	if err != nil || !matched {
		t.Fatalf("expected match without error, got matched=%v err=%v", matched, err)
	}
	if len(calls) != 1 || calls[0] != "second:start" {
		t.Fatalf("expected only second:start to run, got %v", calls)
	}

	calls = nil
	if _, err := d.Dispatch(context.Background(), &fakeSender{}, textUpdate(1, 1, "/start")); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(calls) != 1 || calls[0] != "first" {
		t.Fatalf("expected admin router to win for admin, got %v", calls)
	}
}

func TestFiltersShortCircuit(t *testing.T) {
	d, _ := newTestDispatcher(t)

	evaluated := 0
	counting := func(context.Context, *Request) bool {
		evaluated++
		return true
	}
	never := func(context.Context, *Request) bool { return false }

	r := NewRouter("r").Handle("x", func(context.Context, *Request) error { return nil }, never, counting)
	if err := d.Include(r); err != nil {
		t.Fatalf("Include returned error: %v", err)
	}

	matched, err := d.Dispatch(context.Background(), &fakeSender{}, textUpdate(2, 2, "hi"))
	if err != nil || matched {
		t.Fatalf("expected no match, got matched=%v err=%v", matched, err)
	}
	if evaluated != 0 {
		t.Fatalf("expected filters after a failing one to be skipped, evaluated %d", evaluated)
	}
}

func TestUnmatchedUpdatesAreDroppedSilently(t *testing.T) {
	d, hook := newTestDispatcher(t)
	sender := &fakeSender{}

	r := NewRouter("r").Handle("start", func(context.Context, *Request) error {
		t.Fatalf("handler must not run")
		return nil
	}, Command("start"))
	if err := d.Include(r); err != nil {
		t.Fatalf("Include returned error: %v", err)
	}

	matched, err := d.Dispatch(context.Background(), sender, textUpdate(2, 2, "hello"))
	if err != nil || matched {
		t.Fatalf("expected silent drop, got matched=%v err=%v", matched, err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no reply for dropped update, got %d", len(sender.sent))
	}

	last := hook.LastEntry()
	if last == nil || last.Level != logrus.DebugLevel || last.Data["event"] != "update_dropped" {
		t.Fatalf("expected debug drop log, got %v", last)
	}
}

func TestRoutingTableFreezesOnFirstDispatch(t *testing.T) {
	d, _ := newTestDispatcher(t)

	if _, err := d.Dispatch(context.Background(), &fakeSender{}, textUpdate(2, 2, "hi")); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if err := d.Include(NewRouter("late")); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	if err := d.Use(Recover()); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expected ErrFrozen from Use, got %v", err)
	}
}

func TestSessionCommittedOnSuccess(t *testing.T) {
	d, _ := newTestDispatcher(t)
	opener := &fakeOpener{}

	var seen storage.Session
	r := NewRouter("r").Handle("any", func(_ context.Context, req *Request) error {
		seen = req.Session
		return nil
	})
	mustSetup(t, d, []Middleware{SessionMiddleware(opener)}, r)

	if _, err := d.Dispatch(context.Background(), &fakeSender{}, textUpdate(2, 2, "hi")); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if len(opener.sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(opener.sessions))
	}
	s := opener.sessions[0]
	if seen != s {
		t.Fatalf("expected handler to receive the opened session")
	}
	if s.commits != 1 || s.rollbacks != 0 {
		t.Fatalf("expected one commit, got commits=%d rollbacks=%d", s.commits, s.rollbacks)
	}
}

func TestSessionRolledBackOnError(t *testing.T) {
	d, _ := newTestDispatcher(t)
	opener := &fakeOpener{}
	boom := errors.New("boom")

	r := NewRouter("r").Handle("any", func(context.Context, *Request) error { return boom })
	mustSetup(t, d, []Middleware{SessionMiddleware(opener)}, r)

	matched, err := d.Dispatch(context.Background(), &fakeSender{}, textUpdate(2, 2, "hi"))
	if !matched || !errors.Is(err, boom) {
		t.Fatalf("expected handler error to propagate, got matched=%v err=%v", matched, err)
	}
	if !strings.Contains(err.Error(), "r:any") {
		t.Fatalf("expected route name in error, got %v", err)
	}

	s := opener.sessions[0]
	if s.commits != 0 || s.rollbacks != 1 {
		t.Fatalf("expected one rollback, got commits=%d rollbacks=%d", s.commits, s.rollbacks)
	}
}

func TestSessionRolledBackOnPanicAndPanicRecovered(t *testing.T) {
	d, _ := newTestDispatcher(t)
	opener := &fakeOpener{}

	r := NewRouter("r").Handle("any", func(context.Context, *Request) error { panic("kaboom") })
	mustSetup(t, d, []Middleware{Recover(), SessionMiddleware(opener)}, r)

	_, err := d.Dispatch(context.Background(), &fakeSender{}, textUpdate(2, 2, "hi"))
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected panic converted to error, got %v", err)
	}

	s := opener.sessions[0]
	if s.commits != 0 || s.rollbacks != 1 {
		t.Fatalf("expected one rollback after panic, got commits=%d rollbacks=%d", s.commits, s.rollbacks)
	}
}

func TestSessionMiddlewareRepanicsWithoutRecover(t *testing.T) {
	opener := &fakeOpener{}
	handler := SessionMiddleware(opener)(func(context.Context, *Request) error { panic("kaboom") })

	defer func() {
		if p := recover(); p != "kaboom" {
			t.Fatalf("expected panic to be re-raised, got %v", p)
		}
		if opener.sessions[0].rollbacks != 1 {
			t.Fatalf("expected rollback before re-raise")
		}
	}()

	_ = handler(context.Background(), &Request{})
}

func TestSessionOpenFailurePropagates(t *testing.T) {
	d, _ := newTestDispatcher(t)
	opener := &fakeOpener{err: errors.New("pool exhausted")}

	r := NewRouter("r").Handle("any", func(context.Context, *Request) error {
		t.Fatalf("handler must not run without a session")
		return nil
	})
	mustSetup(t, d, []Middleware{SessionMiddleware(opener)}, r)

	if _, err := d.Dispatch(context.Background(), &fakeSender{}, textUpdate(2, 2, "hi")); err == nil {
		t.Fatalf("expected open error to propagate")
	}
}

func TestSessionMiddlewareWithDatabase(t *testing.T) {
	pool := storagetest.NewPool(t)
	d, _ := newTestDispatcher(t)

	insert := func(ctx context.Context, req *Request) error {
		if err := req.Session.DB().Exec("INSERT INTO users (user_id, full_name) VALUES (?, ?)", req.Meta.UserID, "U").Error; err != nil {
			return err
		}
		if req.Meta.Text == "fail" {
			return errors.New("rejected")
		}
		return nil
	}
	mustSetup(t, d, []Middleware{SessionMiddleware(pool)}, NewRouter("r").Handle("insert", insert))

	if _, err := d.Dispatch(context.Background(), &fakeSender{}, textUpdate(10, 10, "ok")); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), &fakeSender{}, textUpdate(11, 11, "fail")); err == nil {
		t.Fatalf("expected handler error")
	}

	var count int64
	if err := pool.DB().Table("users").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the committed row, got %d", count)
	}
}

func TestHandleLogsFailures(t *testing.T) {
	d, hook := newTestDispatcher(t)
	r := NewRouter("r").Handle("any", func(context.Context, *Request) error { return errors.New("boom") })
	mustSetup(t, d, nil, r)

	d.handle(context.Background(), &fakeSender{}, textUpdate(2, 3, "hi"))

	last := hook.LastEntry()
	if last == nil || last.Level != logrus.ErrorLevel || last.Data["event"] != "handler_failed" {
		t.Fatalf("expected handler failure log, got %v", last)
	}
	if last.Data["chat_id"] != int64(3) {
		t.Fatalf("expected chat id field, got %v", last.Data)
	}
}

func TestRequestCarriesContext(t *testing.T) {
	d, _ := newTestDispatcher(t)
	sender := &fakeSender{}

	var got *Request
	r := NewRouter("r").Handle("any", func(ctx context.Context, req *Request) error {
		got = req
		return req.Reply(ctx, "pong")
	})
	mustSetup(t, d, nil, r)

	if _, err := d.Dispatch(context.Background(), sender, textUpdate(5, 6, "ping")); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if got.TraceID == "" || got.BotUsername != "shop_bot" || got.Config.Admin.ID != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
	if key := got.State.Key(); key.BotID != 999 || key.ChatID != 6 || key.UserID != 5 {
		t.Fatalf("unexpected fsm key %+v", key)
	}
	if got.Logger.Data["trace_id"] != got.TraceID {
		t.Fatalf("expected trace id on logger, got %v", got.Logger.Data)
	}
	if len(sender.sent) != 1 || sender.sent[0].ChatID != int64(6) || sender.sent[0].Text != "pong" {
		t.Fatalf("unexpected reply %+v", sender.sent)
	}
}

func TestMetaExtraction(t *testing.T) {
	tests := []struct {
		name   string
		update *models.Update
		want   UpdateMeta
	}{
		{
			name:   "message",
			update: textUpdate(10, 20, " hello "),
			want:   UpdateMeta{UserID: 10, ChatID: 20, Text: "hello", Type: UpdateMessage},
		},
		{
			name: "callback query",
			update: &models.Update{
				CallbackQuery: &models.CallbackQuery{
					From: models.User{ID: 12},
					Data: "choice",
					Message: models.MaybeInaccessibleMessage{
						Type:    models.MaybeInaccessibleMessageTypeMessage,
						Message: &models.Message{Chat: models.Chat{ID: 22}},
					},
				},
			},
			want: UpdateMeta{UserID: 12, ChatID: 22, Text: "choice", Type: UpdateCallbackQuery},
		},
		{
			name: "my chat member",
			update: &models.Update{
				MyChatMember: &models.ChatMemberUpdated{
					From: models.User{ID: 13},
					Chat: models.Chat{ID: 23},
				},
			},
			want: UpdateMeta{UserID: 13, ChatID: 23, Type: UpdateMyChatMember},
		},
		{
			name:   "unknown",
			update: &models.Update{},
			want:   UpdateMeta{Type: UpdateUnknown},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Meta(tt.update); got != tt.want {
				t.Fatalf("Meta() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func mustSetup(t *testing.T, d *Dispatcher, middlewares []Middleware, routers ...*Router) {
	t.Helper()

	if err := d.Use(middlewares...); err != nil {
		t.Fatalf("Use returned error: %v", err)
	}
	if err := d.Include(routers...); err != nil {
		t.Fatalf("Include returned error: %v", err)
	}
}
