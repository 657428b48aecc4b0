// Package telegram exposes the monitor's control surface as owner-only
// Telegram bot commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "portalwatch/pkg/logx"
)

var (
	ErrForbidden      = errors.New("not allowed")
	ErrRateLimited    = errors.New("too many commands, slow down")
	ErrUnknownCommand = errors.New("unknown command")
)

// Request is one incoming command, independent of the bot library.
type Request struct {
	ChatID       int64
	FromID       int64
	FromUsername string
	Command      string // without the leading slash
	Args         []string
	Logger       logx.Logger
}

// HandlerFunc returns the reply text.
type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (reply string, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						logx.String("cmd", req.Command),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWOwnerOnly rejects senders that are not in owners. owners is read on
// every request so hot reloads apply immediately.
func MWOwnerOnly(owners func() []int64) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			if !slices.Contains(owners(), req.FromID) {
				return "", ErrForbidden
			}
			return next(ctx, req)
		}
	}
}

// MWRateLimit applies a token bucket per sender.
func MWRateLimit(every time.Duration, burst int) Middleware {
	var (
		mu       sync.Mutex
		limiters = map[int64]*rate.Limiter{}
	)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			mu.Lock()
			l, ok := limiters[req.FromID]
			if !ok {
				l = rate.NewLimiter(rate.Every(every), burst)
				limiters[req.FromID] = l
			}
			mu.Unlock()
			if !l.Allow() {
				return "", ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []logx.Field{
				logx.String("cmd", req.Command),
				logx.Int64("chat_id", req.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				log.Warn("command failed", append(fields, logx.Err(err))...)
			} else {
				log.Debug("command ok", fields...)
			}
			return reply, err
		}
	}
}

// Command is one bot command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Handle      HandlerFunc
}

// Router dispatches requests to commands through the middleware chain.
type Router struct {
	cmds   []Command
	byName map[string]HandlerFunc
}

func NewRouter(cmds []Command, mw ...Middleware) *Router {
	r := &Router{byName: map[string]HandlerFunc{}}
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		r.cmds = append(r.cmds, c)
		r.byName[name] = Chain(c.Handle, mw...)
	}
	return r
}

func (r *Router) Commands() []Command { return append([]Command(nil), r.cmds...) }

func (r *Router) Handle(ctx context.Context, req *Request) (string, error) {
	h, ok := r.byName[strings.ToLower(req.Command)]
	if !ok {
		return "", ErrUnknownCommand
	}
	return h(ctx, req)
}
