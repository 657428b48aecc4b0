package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultIntervalMinutes = 30
	MinIntervalMinutes     = 5
	MaxIntervalMinutes     = 60

	DefaultExtractTimeout = 25 * time.Second
	DefaultNotifyTimeout  = 10 * time.Second
	DefaultSettleDelay    = 4 * time.Second
	DefaultEventLogSize   = 300

	DefaultUsernameSelector = "#username"
	DefaultPasswordSelector = "#password"
	DefaultSubmitSelector   = "button[type='submit']"

	DefaultHTTPAddr = "127.0.0.1:8088"
)

// Validate rejects configs that can never run. Missing notifier credentials
// are NOT an error here: the monitor refuses to start without them, but the
// process (and its control surfaces) still comes up.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if n := cfg.Monitor.IntervalMinutes; n != 0 && (n < MinIntervalMinutes || n > MaxIntervalMinutes) {
		return fmt.Errorf("monitor.interval_minutes must be between %d and %d (got %d)", MinIntervalMinutes, MaxIntervalMinutes, n)
	}
	if cfg.Monitor.EventLogSize < 0 {
		return fmt.Errorf("monitor.event_log_size must be >= 0")
	}
	if _, err := ParseDurationField("monitor.extract_timeout", cfg.Monitor.ExtractTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("monitor.notify_timeout", cfg.Monitor.NotifyTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Monitor.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("monitor.timezone: %w", err)
		}
	}

	if _, err := ParseDurationField("portal.settle_delay", cfg.Portal.SettleDelay); err != nil {
		return err
	}
	for path, raw := range map[string]string{
		"portal.login_url":  cfg.Portal.LoginURL,
		"portal.target_url": cfg.Portal.TargetURL,
		"portal.remote_url": cfg.Portal.RemoteURL,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Telegram.Commands && len(cfg.Telegram.OwnerUserIDs) == 0 {
		return fmt.Errorf("telegram.owner_user_ids is required when telegram.commands is enabled")
	}

	if h := cfg.HTTP; h != nil && h.Enabled {
		addr := h.Addr
		if strings.TrimSpace(addr) == "" {
			addr = DefaultHTTPAddr
		}
		if !IsLoopbackAddr(addr) && strings.TrimSpace(h.Token) == "" {
			return fmt.Errorf("http.token is required when http.addr %q is not loopback", addr)
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unsupported %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// IsLoopbackAddr reports whether a listen address only accepts local clients.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Interval returns the configured poll interval, defaulting to 30 minutes.
func (m MonitorConfig) Interval() time.Duration {
	n := m.IntervalMinutes
	if n == 0 {
		n = DefaultIntervalMinutes
	}
	return time.Duration(n) * time.Minute
}

func (m MonitorConfig) ExtractTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("monitor.extract_timeout", m.ExtractTimeout, DefaultExtractTimeout)
	if err != nil {
		return DefaultExtractTimeout
	}
	return d
}

func (m MonitorConfig) NotifyTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("monitor.notify_timeout", m.NotifyTimeout, DefaultNotifyTimeout)
	if err != nil {
		return DefaultNotifyTimeout
	}
	return d
}

func (m MonitorConfig) EventLogSizeOrDefault() int {
	if m.EventLogSize <= 0 {
		return DefaultEventLogSize
	}
	return m.EventLogSize
}

// Location returns the configured timezone, or time.Local.
func (m MonitorConfig) Location() *time.Location {
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

func (p PortalConfig) SettleDelayOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("portal.settle_delay", p.SettleDelay, DefaultSettleDelay)
	if err != nil {
		return DefaultSettleDelay
	}
	return d
}

func (p PortalConfig) IsHeadless() bool {
	return p.Headless == nil || *p.Headless
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func (p PortalConfig) UsernameSelectorOrDefault() string {
	return orDefault(p.UsernameSelector, DefaultUsernameSelector)
}

func (p PortalConfig) PasswordSelectorOrDefault() string {
	return orDefault(p.PasswordSelector, DefaultPasswordSelector)
}

func (p PortalConfig) SubmitSelectorOrDefault() string {
	return orDefault(p.SubmitSelector, DefaultSubmitSelector)
}

func (h *HTTPConfig) AddrOrDefault() string {
	if h == nil {
		return DefaultHTTPAddr
	}
	return orDefault(h.Addr, DefaultHTTPAddr)
}

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. path prefixes error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
