package router

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"tg_shop_bot/internal/storage"
)

// SessionOpener hands out one session per call.
type SessionOpener interface {
	Begin(ctx context.Context) (storage.Session, error)
}

// SessionMiddleware opens a session for the update, exposes it on the request
// and closes it exactly once: committed when the handler succeeds, rolled back
// when it fails or panics. Panics are re-raised after the rollback.
func SessionMiddleware(opener SessionOpener) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			session, err := opener.Begin(ctx)
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			req.Session = session

			committed := false
			defer func() {
				req.Session = nil
				if committed {
					return
				}
				if rbErr := session.Rollback(); rbErr != nil && req.Logger != nil {
					req.Logger.WithError(rbErr).Error("session rollback failed")
				}
			}()

			if err := next(ctx, req); err != nil {
				return err
			}

			committed = true
			return session.Commit()
		}
	}
}

// Recover turns a handler panic into an error carrying the stack so the
// update loop keeps serving.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.panicked = true
					if cause, ok := p.(error); ok {
						err = errors.WithStack(cause)
						return
					}
					err = errors.Errorf("panic: %v", p)
				}
			}()

			return next(ctx, req)
		}
	}
}
