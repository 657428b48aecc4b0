package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PORTALWATCH_"

// envOverrides lists the secrets that may come from the environment instead of the file.
type envOverrides struct {
	TelegramToken  string `env:"TELEGRAM_TOKEN"`
	TelegramChatID string `env:"TELEGRAM_CHAT_ID"`
	PortalUsername string `env:"PORTAL_USERNAME"`
	PortalPassword string `env:"PORTAL_PASSWORD"`
	HTTPToken      string `env:"HTTP_TOKEN"`
}

// applyEnv overlays non-empty PORTALWATCH_* variables onto cfg.
// environ replaces the process environment when non-nil.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.Telegram.ChatID, o.TelegramChatID)
	set(&cfg.Portal.Username, o.PortalUsername)
	set(&cfg.Portal.Password, o.PortalPassword)
	if strings.TrimSpace(o.HTTPToken) != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{}
		}
		cfg.HTTP.Token = strings.TrimSpace(o.HTTPToken)
	}
	return nil
}
