package monitor

import (
	"context"
	"strings"
	"time"

	logx "portalwatch/pkg/logx"
)

const (
	DefaultActiveMessage = "Portal monitor: ACTIVE and watching {portal}"
	DefaultUpdateMessage = "PORTAL UPDATE DETECTED!\nNew Value: {value}"
)

// RenderMessage substitutes {portal} and {value} in tmpl.
func RenderMessage(tmpl, portal, value string) string {
	if strings.TrimSpace(portal) == "" {
		portal = "the portal"
	}
	return strings.NewReplacer("{portal}", portal, "{value}", value).Replace(tmpl)
}

func (m Messages) active(portal string) NotificationEvent {
	tmpl := m.Active
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultActiveMessage
	}
	return NotificationEvent{Message: RenderMessage(tmpl, portal, ""), CausedBy: CauseStart}
}

func (m Messages) update(portal, value string) NotificationEvent {
	tmpl := m.Update
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultUpdateMessage
	}
	return NotificationEvent{Message: RenderMessage(tmpl, portal, value), CausedBy: CauseUpdate}
}

// dispatcher delivers notifications exactly once. Failures are reported and
// swallowed: no retry, no effect on the loop.
type dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	log      logx.Logger
}

func (d dispatcher) send(ctx context.Context, n NotificationEvent) error {
	if n.CausedBy == CauseNone || n.Message == "" {
		return nil
	}
	timeout := d.timeout
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := d.notifier.Send(sctx, n.Message)
	if err != nil {
		d.log.Warn("notification delivery failed",
			logx.String("cause", string(n.CausedBy)),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
		return err
	}
	d.log.Info("notification sent", logx.String("cause", string(n.CausedBy)), logx.Duration("took", time.Since(start)))
	return nil
}
