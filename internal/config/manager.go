package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "portalwatch/pkg/logx"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
	validateTimeout    = 5 * time.Second
)

// Manager loads the config file, keeps the committed copy and publishes
// validated reloads to subscribers.
type Manager struct {
	path    string
	environ map[string]string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu also guarantees we never send on a channel Unsubscribe is closing.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), validator: func(_ context.Context, cfg *Config) error { return Validate(cfg) }}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetEnviron replaces the process environment used for overrides (tests).
func (m *Manager) SetEnviron(environ map[string]string) { m.environ = environ }

// SetValidator installs the hook Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.validator = fn }

// Parse reads and strictly decodes the file, then applies env overrides.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, b)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, m.environ); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses, validates and commits the config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = fingerprint(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	sub := make(chan *Config, buffer)
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subs = append(m.subs, sub)
	return sub
}

// Unsubscribe removes and closes sub. Unknown channels are ignored.
func (m *Manager) Unsubscribe(sub chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if i := slices.Index(m.subs, sub); sub != nil && i >= 0 {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(sub)
	}
}

// publish hands cfg to every subscriber; a full buffer loses its oldest
// pending config so the newest one always lands.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, sub := range m.subs {
		if !offerLatest(sub, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(sub)))
		}
	}
}

func offerLatest(sub chan *Config, cfg *Config) bool {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case sub <- cfg:
			return true
		default:
		}
		if attempt == 0 {
			select {
			case <-sub:
			default:
			}
		}
	}
	return false
}

// reload is the debounced body of Watch: parse, skip unchanged content,
// validate, commit, publish.
func (m *Manager) reload(ctx context.Context) {
	path := logx.String("path", m.path)
	next, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", path, logx.Err(err))
		return
	}

	sum := fingerprint(next)
	if m.sameAsCommitted(sum) {
		m.log.Debug("config unchanged; skipping publish", path)
		return
	}
	if err := m.validate(ctx, next); err != nil {
		m.log.Warn("config rejected", path, logx.Err(err))
		return
	}

	m.commit(next)
	m.publish(next)
	m.log.Debug("config published", path, logx.String("hash", fmt.Sprintf("%x", sum)))
}

func (m *Manager) sameAsCommitted(sum uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sum != 0 && sum == m.lastHash
}

func (m *Manager) validate(ctx context.Context, cfg *Config) error {
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.validator(vctx, cfg)
}

// debouncer runs fn once events stop arriving for the configured delay.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
}

func (d *debouncer) poke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Watch follows the config directory and reloads on change until ctx is done.
// A broken fsnotify watcher is recreated with jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	reloads := &debouncer{delay: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer reloads.stop()

	delay := restartBackoffBase
	jitter := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		healthy := m.watchOnce(ctx, reloads.poke)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			delay = restartBackoffBase
		}
		wait := delay + time.Duration(jitter.Int63n(int64(delay/2)+1))
		delay = min(delay*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one fsnotify watcher until ctx is done or the watcher
// breaks. It reports whether the watcher came up at all.
func (m *Manager) watchOnce(ctx context.Context, changed func()) bool {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	where := logx.String("dir", dir)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("config watch init failed", logx.Err(err), where)
		return false
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		m.log.Warn("config watch add failed", logx.Err(err), where)
		return false
	}
	m.log.Debug("config watcher started", where, logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				m.log.Warn("config watcher stopped; restarting", where)
				return true
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				changed()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				m.log.Warn("config watcher stopped; restarting", where)
				return true
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", where)
				changed()
			default:
				m.log.Warn("config watch error", logx.Err(err), where)
			}
		}
	}
}
