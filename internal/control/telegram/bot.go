package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "portalwatch/internal/runtime/supervisor"
	logx "portalwatch/pkg/logx"
)

type BotConfig struct {
	Token       string
	APIURL      string
	PollTimeout time.Duration
	// CommandTimeout bounds one command handler.
	CommandTimeout time.Duration
}

// Bot long-polls Telegram and routes commands to a Router.
type Bot struct {
	cfg    BotConfig
	log    logx.Logger
	bot    *tele.Bot
	router *Router

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func NewBot(cfg BotConfig, router *Router, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if router == nil {
		return nil, errors.New("telegram router is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Poller: &tele.LongPoller{Timeout: timeout},
		// getUpdates holds the connection for PollTimeout; leave headroom.
		Client: &http.Client{Timeout: timeout + 10*time.Second},
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	tb := &Bot{cfg: cfg, log: log, bot: b, router: router}
	tb.registerHandlers()
	return tb, nil
}

func (b *Bot) registerHandlers() {
	for _, c := range b.router.Commands() {
		name := c.Name
		b.bot.Handle("/"+name, func(c tele.Context) error {
			return b.handle(c, name)
		})
	}
}

func (b *Bot) handle(c tele.Context, command string) error {
	sender := c.Sender()
	chat := c.Chat()
	if sender == nil || chat == nil {
		return nil
	}
	req := &Request{
		ChatID:       chat.ID,
		FromID:       sender.ID,
		FromUsername: sender.Username,
		Command:      command,
		Args:         c.Args(),
		Logger:       b.log,
	}

	b.runMu.Lock()
	sup := b.sup
	b.runMu.Unlock()
	parent := context.Background()
	if sup != nil {
		parent = sup.Context()
	}
	ctx, cancel := context.WithTimeout(parent, b.cfg.CommandTimeout)
	defer cancel()

	reply, err := b.router.Handle(ctx, req)
	switch {
	case errors.Is(err, ErrForbidden):
		// Stay silent for strangers.
		return nil
	case err != nil:
		reply = "Error: " + err.Error()
	}
	if reply == "" {
		return nil
	}
	for _, chunk := range splitReply(reply, 4000) {
		if err := c.Send(chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// splitReply cuts text on line boundaries into chunks of at most limit runes.
func splitReply(text string, limit int) []string {
	var (
		out []string
		cur strings.Builder
		n   int
	)
	for _, line := range strings.Split(text, "\n") {
		l := len([]rune(line))
		if n > 0 && n+1+l > limit {
			out = append(out, cur.String())
			cur.Reset()
			n = 0
		}
		if n > 0 {
			cur.WriteByte('\n')
			n++
		}
		cur.WriteString(line)
		n += l
	}
	if cur.Len() > 0 || len(out) == 0 {
		out = append(out, cur.String())
	}
	return out
}

// Start begins long polling under its own supervisor and publishes the
// command menu. It is a no-op when already running.
func (b *Bot) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	b.sup = rtsup.New(ctx, rtsup.WithLogger(b.log.With(logx.String("comp", "telegram.control"))))
	sup := b.sup
	b.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})

	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", 500*time.Millisecond, 10*time.Second, func(c context.Context) error {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
		return c.Err()
	})

	sup.Go0("telegram.menu.update", func(c context.Context) {
		if err := b.updateMenu(); err != nil {
			b.log.Debug("command menu update failed", logx.Err(err))
		}
	})
	return nil
}

func (b *Bot) updateMenu() error {
	cmds := make([]tele.Command, 0, len(b.router.Commands()))
	for _, c := range b.router.Commands() {
		cmds = append(cmds, tele.Command{Text: c.Name, Description: c.Description})
	}
	return b.bot.SetCommands(cmds)
}

// Stop ends polling. It never blocks shutdown for longer than ctx allows,
// and at most a short grace window.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	sup.Cancel()
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			b.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		b.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
