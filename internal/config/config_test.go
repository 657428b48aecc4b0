package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "portalwatch/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "file-token"
  chat_id: "12345"
portal:
  name: "Student portal"
  login_url: "https://portal.example.edu/login"
  target_url: "https://portal.example.edu/grades"
  username: "alice"
  password: "secret"
  value_xpath: "//table[@id='grades']//tr[1]/td[2]"
monitor:
  interval_minutes: 15
logging:
  level: "info"
  console: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnviron(map[string]string{})

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "file-token", cfg.Telegram.Token)
	assert.Equal(t, "12345", cfg.Telegram.ChatID)
	assert.Equal(t, 15*time.Minute, cfg.Monitor.Interval())
	assert.Equal(t, DefaultUsernameSelector, cfg.Portal.UsernameSelectorOrDefault())
	assert.True(t, cfg.Portal.IsHeadless())
	assert.Same(t, cfg, m.Get())
}

func TestLoadJSONRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"telegram":{"token":"x"},"bogus":1}`))
	m.SetEnviron(map[string]string{})

	_, err := m.Load()
	require.Error(t, err)
	assert.Nil(t, m.Get())
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnviron(map[string]string{
		"PORTALWATCH_TELEGRAM_TOKEN":  "env-token",
		"PORTALWATCH_PORTAL_PASSWORD": "env-pass",
		"PORTALWATCH_HTTP_TOKEN":      "http-secret",
		"TELEGRAM_TOKEN":              "ignored-without-prefix",
	})

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "env-pass", cfg.Portal.Password)
	assert.Equal(t, "alice", cfg.Portal.Username)
	require.NotNil(t, cfg.HTTP)
	assert.Equal(t, "http-secret", cfg.HTTP.Token)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "zero interval uses default", mutate: func(c *Config) {}},
		{name: "interval lower bound", mutate: func(c *Config) { c.Monitor.IntervalMinutes = 5 }},
		{name: "interval upper bound", mutate: func(c *Config) { c.Monitor.IntervalMinutes = 60 }},
		{name: "interval too small", mutate: func(c *Config) { c.Monitor.IntervalMinutes = 4 }, wantErr: "interval_minutes"},
		{name: "interval too large", mutate: func(c *Config) { c.Monitor.IntervalMinutes = 61 }, wantErr: "interval_minutes"},
		{name: "bad timeout", mutate: func(c *Config) { c.Monitor.ExtractTimeout = "soon" }, wantErr: "extract_timeout"},
		{name: "bad timezone", mutate: func(c *Config) { c.Monitor.Timezone = "Mars/Olympus" }, wantErr: "timezone"},
		{name: "commands need owners", mutate: func(c *Config) { c.Telegram.Commands = true }, wantErr: "owner_user_ids"},
		{name: "public http needs token", mutate: func(c *Config) {
			c.HTTP = &HTTPConfig{Enabled: true, Addr: "0.0.0.0:8088"}
		}, wantErr: "http.token"},
		{name: "loopback http without token", mutate: func(c *Config) {
			c.HTTP = &HTTPConfig{Enabled: true}
		}},
		{name: "unknown storage driver", mutate: func(c *Config) {
			c.Storage = &StorageConfig{Driver: "redis"}
		}, wantErr: "storage.driver"},
		{name: "missing credentials are allowed", mutate: func(c *Config) {
			c.Telegram.Token = ""
			c.Telegram.ChatID = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Telegram: TelegramConfig{Token: "t", ChatID: "1"}}
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, IsLoopbackAddr("127.0.0.1:8088"))
	assert.True(t, IsLoopbackAddr("localhost:80"))
	assert.True(t, IsLoopbackAddr("[::1]:9000"))
	assert.False(t, IsLoopbackAddr("0.0.0.0:8088"))
	assert.False(t, IsLoopbackAddr(":8088"))
}

func TestWatchPublishesValidReload(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	m.SetEnviron(map[string]string{})
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := sampleYAML + "\n" + "storage:\n  driver: file\n  path: ./audit\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-ch:
		require.NotNil(t, cfg.Storage)
		assert.Equal(t, "file", cfg.Storage.Driver)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}

	cancel()
	<-done
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	m.SetEnviron(map[string]string{})
	first, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"\n"), 0o600))
	bad := `
monitor:
  interval_minutes: 2
`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))
	m.reload(context.Background())

	assert.Same(t, first, m.Get())
	select {
	case <-ch:
		t.Fatal("invalid config must not be published")
	default:
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "old-secret"}, Monitor: MonitorConfig{IntervalMinutes: 30}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "new-secret"}, Monitor: MonitorConfig{IntervalMinutes: 30}}

	sections, fields := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"telegram"}, sections)

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("changed", fields...)
	assert.NotContains(t, buf.String(), "secret")
	assert.Contains(t, buf.String(), `"telegram.token":"set"`)

	sections, _ = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, sections)

	newCfg.Storage = &StorageConfig{Driver: "file"}
	newCfg.Monitor.IntervalMinutes = 10
	sections, _ = SummarizeChange(oldCfg, newCfg)
	assert.ElementsMatch(t, []string{"telegram", "monitor", "storage"}, sections)
}

func TestDecodeEmptyYAMLAndTrailingJSON(t *testing.T) {
	t.Parallel()
	cfg, err := decode("c.yml", []byte("# only a comment\n"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)

	_, err = decode("c.json", []byte(`{} {}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationOrDefault("x", "-1s", time.Second)
	require.Error(t, err)
}

func TestPublishKeepsNewestWhenFull(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	sub := m.Subscribe(1)
	older, newer := &Config{}, &Config{}
	older.Portal.Name = "older"
	newer.Portal.Name = "newer"

	m.publish(older)
	m.publish(newer)
	require.Len(t, sub, 1)
	assert.Equal(t, "newer", (<-sub).Portal.Name)

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
	m.Unsubscribe(sub)
	m.Unsubscribe(nil)
}
