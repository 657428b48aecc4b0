package app

import (
	"fmt"
	"strings"
	"time"

	"portalwatch/internal/config"
	"portalwatch/internal/extractor"
	"portalwatch/internal/monitor"
	logx "portalwatch/pkg/logx"
)

// monitorSettings snapshots the config into what one monitor run consumes.
// Credentials are passed through as-is; the scheduler rejects missing ones.
func monitorSettings(cfg *config.Config) monitor.Settings {
	if cfg == nil {
		cfg = &config.Config{}
	}
	name := strings.TrimSpace(cfg.Portal.Name)
	if name == "" {
		name = strings.TrimSpace(cfg.Portal.TargetURL)
	}
	return monitor.Settings{
		Portal: name,
		Credentials: monitor.Credentials{
			Username: cfg.Portal.Username,
			Password: cfg.Portal.Password,
		},
		Locator: monitor.Locator{
			LoginURL:   strings.TrimSpace(cfg.Portal.LoginURL),
			TargetURL:  strings.TrimSpace(cfg.Portal.TargetURL),
			ValueXPath: strings.TrimSpace(cfg.Portal.ValueXPath),
		},
		Destination:    strings.TrimSpace(cfg.Telegram.ChatID),
		Token:          strings.TrimSpace(cfg.Telegram.Token),
		Interval:       cfg.Monitor.Interval(),
		Schedule:       strings.TrimSpace(cfg.Monitor.Schedule),
		Location:       cfg.Monitor.Location(),
		ExtractTimeout: cfg.Monitor.ExtractTimeoutOrDefault(),
		NotifyTimeout:  cfg.Monitor.NotifyTimeoutOrDefault(),
		Messages: monitor.Messages{
			Active: cfg.Monitor.Messages.Active,
			Update: cfg.Monitor.Messages.Update,
		},
	}
}

func extractorOptions(cfg *config.Config, log logx.Logger) extractor.Options {
	p := cfg.Portal
	return extractor.Options{
		UsernameSelector: p.UsernameSelectorOrDefault(),
		PasswordSelector: p.PasswordSelectorOrDefault(),
		SubmitSelector:   p.SubmitSelectorOrDefault(),
		SettleDelay:      p.SettleDelayOrDefault(),
		UserAgent:        strings.TrimSpace(p.UserAgent),
		Headless:         p.IsHeadless(),
		ChromePath:       strings.TrimSpace(p.ChromePath),
		RemoteURL:        strings.TrimSpace(p.RemoteURL),
		Logger:           log,
	}
}

func logConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// validateConfig is the reload gate: the static checks plus the schedule
// grammar and cadence, which live with the monitor. A schedule obeys the same
// polling bounds as interval_minutes.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if s := strings.TrimSpace(cfg.Monitor.Schedule); s != "" {
		p, err := monitor.NewPacer(cfg.Monitor.Interval(), s, cfg.Monitor.Location())
		if err != nil {
			return fmt.Errorf("monitor.schedule: %w", err)
		}
		floor := time.Duration(config.MinIntervalMinutes) * time.Minute
		ceil := time.Duration(config.MaxIntervalMinutes) * time.Minute
		if err := monitor.CheckCadence(p, floor, ceil, time.Now()); err != nil {
			return fmt.Errorf("monitor.schedule: %w", err)
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
