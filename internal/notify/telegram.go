// Package notify delivers monitor notifications through the Telegram Bot API.
package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"portalwatch/internal/monitor"
	logx "portalwatch/pkg/logx"
)

const (
	telegramTextLimit = 4000
	defaultAPITimeout = 15 * time.Second
)

// chatRecipient addresses a chat by numeric ID or @channel username.
type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

type Options struct {
	// APIURL overrides the Bot API endpoint (self-hosted servers, tests).
	APIURL string
	// HTTPTimeout bounds a single Bot API request.
	HTTPTimeout time.Duration
	Logger      logx.Logger
}

// Telegram implements monitor.Notifier and logx.Sender.
type Telegram struct {
	bot  *tele.Bot
	chat chatRecipient
	log  logx.Logger
}

var _ monitor.Notifier = (*Telegram)(nil)

// New builds an offline bot (no getMe round trip) bound to one chat.
func New(token, chatID string, opts Options) (*Telegram, error) {
	token = strings.TrimSpace(token)
	chatID = strings.TrimSpace(chatID)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == "" {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     strings.TrimRight(strings.TrimSpace(opts.APIURL), "/"),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{bot: b, chat: chatRecipient(chatID), log: log}, nil
}

// Factory adapts New to monitor.NotifierFactory.
func Factory(opts Options) monitor.NotifierFactory {
	return func(destination, token string) (monitor.Notifier, error) {
		return New(token, destination, opts)
	}
}

// Send delivers text as plain messages, split at Telegram's size limit.
// It returns as soon as ctx is done; a request already on the wire is then
// bounded by the HTTP client timeout.
func (t *Telegram) Send(ctx context.Context, text string) error {
	chunks := splitTelegramText(text, telegramTextLimit)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		done := make(chan error, 1)
		go func() {
			_, err := t.bot.Send(t.chat, chunk, &tele.SendOptions{DisableWebPagePreview: true})
			done <- err
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if err != nil {
				t.log.Debug("telegram send failed", logx.Int("chunk", i), logx.Int("chunks", len(chunks)), logx.Err(err))
				return err
			}
		}
	}
	return nil
}

// splitTelegramText splits long messages into chunks Telegram accepts,
// preferring a newline near the end of each window.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
