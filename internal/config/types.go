package config

// Config is the on-disk configuration (JSON or YAML).
//
// Secrets (bot token, portal password, HTTP token) may be left empty in the
// file and supplied through PORTALWATCH_* environment variables instead.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Portal   PortalConfig   `json:"portal"`
	Monitor  MonitorConfig  `json:"monitor"`
	Logging  LoggingConfig  `json:"logging"`
	HTTP     *HTTPConfig    `json:"http,omitempty"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

// TelegramConfig holds the notifier destination/credential and the optional
// command surface.
//
// The notifier needs both Token and ChatID; starting the monitor without them
// is rejected.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`

	// Commands enables owner-only bot commands (/watch_start, /watch_stop, ...).
	Commands     bool    `json:"commands,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers).
	APIURL string `json:"api_url,omitempty"`
}

// PortalConfig describes how the extractor logs in and where the value lives.
//
// Defaults (when fields are omitted):
//   - username_selector: "#username"
//   - password_selector: "#password"
//   - submit_selector: "button[type='submit']"
//   - settle_delay: "4s"
//   - headless: true
type PortalConfig struct {
	Name      string `json:"name,omitempty"`
	LoginURL  string `json:"login_url"`
	TargetURL string `json:"target_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`

	UsernameSelector string `json:"username_selector,omitempty"`
	PasswordSelector string `json:"password_selector,omitempty"`
	SubmitSelector   string `json:"submit_selector,omitempty"`
	// ValueXPath locates the monitored value on the target page.
	ValueXPath string `json:"value_xpath"`

	SettleDelay string `json:"settle_delay,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Headless    *bool  `json:"headless,omitempty"`
	ChromePath  string `json:"chrome_path,omitempty"`
	// RemoteURL connects to an already running browser (DevTools websocket URL)
	// instead of spawning Chrome.
	RemoteURL string `json:"remote_url,omitempty"`
}

// MonitorConfig controls the polling engine.
//
// Defaults:
//   - interval_minutes: 30 (allowed range 5..60)
//   - extract_timeout: "25s"
//   - notify_timeout: "10s"
//   - event_log_size: 300
type MonitorConfig struct {
	IntervalMinutes int `json:"interval_minutes"`
	// Schedule optionally replaces the fixed interval with a cron expression
	// (e.g. "cron:*/30 7-22 * * *"). Interval forms ("45m", "00:45") are accepted too.
	Schedule       string          `json:"schedule,omitempty"`
	ExtractTimeout string          `json:"extract_timeout,omitempty"`
	NotifyTimeout  string          `json:"notify_timeout,omitempty"`
	EventLogSize   int             `json:"event_log_size,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
	Messages       MonitorMessages `json:"messages,omitempty"`
}

// MonitorMessages overrides notification texts. "{value}" and "{portal}" are substituted.
type MonitorMessages struct {
	Active string `json:"active,omitempty"`
	Update string `json:"update,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the optional JSON control API.
//
// Security note: binding to a non-loopback address requires a token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8088"
	Token   string `json:"token,omitempty"`
}

// StorageConfig controls the optional event audit store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/portalwatch" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
