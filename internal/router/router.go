// Package router dispatches Telegram updates to the first matching handler of
// an ordered routing table.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tg_shop_bot/internal/config"
	"tg_shop_bot/internal/domain"
	"tg_shop_bot/internal/fsm"
	"tg_shop_bot/internal/logging"
	"tg_shop_bot/internal/metrics"
)

// ErrFrozen is returned when the routing table is changed after the first
// update was dispatched.
var ErrFrozen = errors.New("routing table is frozen")

// HandlerFunc processes a matched update.
type HandlerFunc func(ctx context.Context, req *Request) error

// Filter decides whether a route applies to an update. Filters must not have
// side effects; evaluation stops at the first false.
type Filter func(ctx context.Context, req *Request) bool

// Middleware wraps the whole dispatch of an update.
type Middleware func(next HandlerFunc) HandlerFunc

type route struct {
	name    string
	filters []Filter
	handler HandlerFunc
}

// Router is a named group of routes sharing router-level filters.
type Router struct {
	name    string
	filters []Filter
	routes  []route
}

// NewRouter constructs a Router guarded by filters.
func NewRouter(name string, filters ...Filter) *Router {
	return &Router{name: name, filters: filters}
}

// Name returns the router name.
func (r *Router) Name() string {
	return r.name
}

// Handle appends a route. Routes are tried in the order they were added.
func (r *Router) Handle(name string, handler HandlerFunc, filters ...Filter) *Router {
	r.routes = append(r.routes, route{
		name:    r.name + ":" + name,
		filters: filters,
		handler: handler,
	})

	return r
}

func (r *Router) match(ctx context.Context, req *Request) *route {
	if !allPass(ctx, req, r.filters) {
		return nil
	}

	for i := range r.routes {
		if allPass(ctx, req, r.routes[i].filters) {
			return &r.routes[i]
		}
	}

	return nil
}

func allPass(ctx context.Context, req *Request, filters []Filter) bool {
	for _, filter := range filters {
		if !filter(ctx, req) {
			return false
		}
	}

	return true
}

// Dispatcher owns the routing table and the middleware chain.
type Dispatcher struct {
	mu          sync.Mutex
	frozen      bool
	routers     []*Router
	middlewares []Middleware
	chain       HandlerFunc

	cfg         config.Config
	states      fsm.Storage
	logger      *logrus.Entry
	botID       int64
	botUsername string
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher(cfg config.Config, states fsm.Storage, logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		logger = logging.Logger()
	}
	if states == nil {
		states = fsm.NewMemoryStorage()
	}

	return &Dispatcher{
		cfg:    cfg,
		states: states,
		logger: logger,
	}
}

// SetIdentity records the bot account, used for FSM keys and command mentions.
func (d *Dispatcher) SetIdentity(botID int64, username string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.botID = botID
	d.botUsername = strings.TrimPrefix(username, "@")
}

// Include appends routers in priority order.
func (d *Dispatcher) Include(routers ...*Router) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen {
		return ErrFrozen
	}
	for _, r := range routers {
		if r == nil {
			return errors.New("router is nil")
		}
	}
	d.routers = append(d.routers, routers...)

	return nil
}

// Use appends middlewares; the first one added is the outermost.
func (d *Dispatcher) Use(middlewares ...Middleware) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.frozen {
		return ErrFrozen
	}
	d.middlewares = append(d.middlewares, middlewares...)

	return nil
}

// Routers returns the router names in priority order.
func (d *Dispatcher) Routers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.routers))
	for _, r := range d.routers {
		names = append(names, r.name)
	}

	return names
}

func (d *Dispatcher) freeze() HandlerFunc {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.frozen {
		d.frozen = true

		chain := HandlerFunc(d.route)
		for i := len(d.middlewares) - 1; i >= 0; i-- {
			chain = d.middlewares[i](chain)
		}
		d.chain = chain
	}

	return d.chain
}

func (d *Dispatcher) route(ctx context.Context, req *Request) error {
	for _, r := range d.routers {
		if matched := r.match(ctx, req); matched != nil {
			req.Route = matched.name
			return matched.handler(ctx, req)
		}
	}

	return nil
}

// Dispatch runs one update through the middleware chain and the routing
// table. It reports whether a route matched. Unmatched updates are dropped
// without error.
func (d *Dispatcher) Dispatch(ctx context.Context, sender Sender, update *models.Update) (bool, error) {
	if update == nil {
		return false, nil
	}

	chain := d.freeze()
	req := d.newRequest(sender, update)
	metrics.UpdateReceived(req.Meta.Type)

	started := time.Now()
	err := chain(ctx, req)

	if req.Route == "" {
		metrics.UpdateDropped()
		req.Logger.WithField("event", "update_dropped").Debug("no route matched update")
		return false, err
	}

	outcome := metrics.OutcomeOK
	switch {
	case req.panicked:
		outcome = metrics.OutcomePanic
	case err != nil:
		outcome = metrics.OutcomeError
	}
	metrics.ObserveHandler(req.Route, outcome, time.Since(started))

	if err != nil {
		return true, fmt.Errorf("%s: %w", req.Route, err)
	}

	return true, nil
}

// HandleUpdate adapts Dispatch to the bot default handler signature.
func (d *Dispatcher) HandleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	d.handle(ctx, b, update)
}

func (d *Dispatcher) handle(ctx context.Context, sender Sender, update *models.Update) {
	_, err := d.Dispatch(ctx, sender, update)
	if err == nil {
		return
	}

	meta := Meta(update)
	logging.Enrich(d.logger, logging.Context{
		UpdateID: update.ID,
		UserID:   meta.UserID,
		ChatID:   meta.ChatID,
		Event:    "handler_failed",
	}).WithField("stack", fmt.Sprintf("%+v", err)).WithError(err).Error("update handling failed")
}

func (d *Dispatcher) newRequest(sender Sender, update *models.Update) *Request {
	d.mu.Lock()
	botID, username := d.botID, d.botUsername
	d.mu.Unlock()

	meta := Meta(update)
	traceID := uuid.NewString()

	return &Request{
		Update:      update,
		Meta:        meta,
		Config:      d.cfg,
		State:       fsm.NewContext(d.states, fsm.Key{BotID: botID, ChatID: meta.ChatID, UserID: meta.UserID}),
		Bot:         sender,
		BotUsername: username,
		TraceID:     traceID,
		Logger: logging.Enrich(d.logger, logging.Context{
			UpdateID: update.ID,
			UserID:   meta.UserID,
			ChatID:   meta.ChatID,
			TraceID:  traceID,
		}).WithFields(logrus.Fields{
			"update_type": meta.Type,
			"role":        domain.RoleOf(d.cfg.Admin.ID, meta.UserID),
		}),
	}
}
