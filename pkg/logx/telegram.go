package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	telegramLogLimit   = 3500
	telegramFieldLimit = 600
)

func (s *Service) telegramWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.tgQueue:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = sender.Send(sctx, msg)
			cancel()
		}
	}
}

// telegramWriter is a zerolog LevelWriter that never blocks the caller:
// lines below the min level, over the rate limit, or beyond the queue are dropped.
type telegramWriter struct{ svc *Service }

func (w *telegramWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	sender := s.sender
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if sender == nil || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	msg := formatTelegramJSON(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.tgQueue <- msg:
	default:
	}
	return len(p), nil
}

// formatTelegramJSON renders one zerolog JSON line as "[LEVEL] msg" followed
// by "- key=value" lines in key order.
func formatTelegramJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, telegramLogLimit)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), telegramFieldLimit))
	}
	return truncate(b.String(), telegramLogLimit)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
