// Package browser runs the headless Chrome that note cards are captured in.
//
// The Manager leases Chrome to capture pages. Chrome is relaunched when it
// has been up longer than RecycleInterval or when a closing page reports a
// JS heap above MemoryLimit, but only once no page is open: a capture never
// loses its browser halfway through the density ladder.
//
// Pages opened through the Manager implement raster.Page.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("browser: manager is closed")

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome. Empty
	// launches a local one.
	RemoteURL string

	// Bin overrides the Chrome binary used by the launcher.
	Bin string

	// MemoryLimit is the JS heap size, in bytes, past which Chrome is
	// recycled. Default: 1GB.
	MemoryLimit int64

	// RecycleInterval is the longest a Chrome process is kept. Default: 4h.
	RecycleInterval time.Duration

	// ResourceBlocking lists request kinds capture pages refuse: images,
	// fonts, media, stylesheets, scripts, xhr, or all.
	ResourceBlocking []string

	// LoadTimeout bounds loading the card document. Default: 15s.
	LoadTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// session is one connected Chrome.
type session struct {
	browser *rod.Browser
	stop    func()
	started time.Time
}

// Manager leases a Chrome instance to capture pages.
type Manager struct {
	cfg     Config
	blocked blockSet
	dial    func(context.Context) (*session, error)
	now     func() time.Time

	mu     sync.Mutex
	cur    *session
	open   int
	due    string // why a recycle is pending, "" when none
	closed bool
}

// NewManager creates a Manager. Call Start to launch Chrome.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	m := &Manager{cfg: cfg, blocked: newBlockSet(cfg.ResourceBlocking), now: time.Now}
	m.dial = m.connect
	return m
}

// Start launches or connects to Chrome.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.cur != nil {
		return nil
	}
	s, err := m.dial(ctx)
	if err != nil {
		return err
	}
	m.cur = s
	return nil
}

// Recycle replaces Chrome now, or as soon as the last open page closes.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.due = "requested"
	if m.open > 0 {
		return nil
	}
	return m.recycleLocked(ctx)
}

// Close shuts Chrome down. Open pages fail from then on.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopLocked()
	return nil
}

// acquire returns the browser for a new page and counts the page as open.
// A pending or age-based recycle runs first when nothing else is open.
func (m *Manager) acquire(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.cur == nil {
		return nil, errors.New("browser: not started")
	}
	if m.due == "" && m.now().Sub(m.cur.started) > m.cfg.RecycleInterval {
		m.due = "interval"
	}
	if m.due != "" && m.open == 0 {
		if err := m.recycleLocked(ctx); err != nil {
			return nil, err
		}
	}
	m.open++
	return m.cur.browser, nil
}

// release marks a page closed. heap is the page's JS heap at close, or -1
// when it could not be read.
func (m *Manager) release(heap int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open--
	if heap > m.cfg.MemoryLimit && m.due == "" {
		m.cfg.Logger.Info("browser: heap over limit", "used", heap, "limit", m.cfg.MemoryLimit)
		m.due = "memory"
	}
	if m.due == "" || m.open > 0 || m.closed {
		return
	}
	if err := m.recycleLocked(context.Background()); err != nil {
		m.cfg.Logger.Error("browser: recycle failed", "error", err)
	}
}

func (m *Manager) recycleLocked(ctx context.Context) error {
	reason := m.due
	var uptime time.Duration
	if m.cur != nil {
		uptime = m.now().Sub(m.cur.started)
	}
	m.stopLocked()

	s, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.cur, m.due = s, ""
	m.cfg.Logger.Info("browser: recycled", "reason", reason, "uptime", uptime)
	return nil
}

func (m *Manager) stopLocked() {
	if m.cur != nil {
		m.cur.stop()
		m.cur = nil
	}
}

// connect launches a local Chrome, or dials RemoteURL. The process outlives
// the caller's context: it is stopped by recycle or Close.
func (m *Manager) connect(context.Context) (*session, error) {
	url := m.cfg.RemoteURL
	var lnch *launcher.Launcher
	if url == "" {
		lnch = launcher.New().Headless(true).
			Set("disable-gpu").
			Set("hide-scrollbars").
			Set("font-render-hinting", "none")
		if m.cfg.Bin != "" {
			lnch = lnch.Bin(m.cfg.Bin)
		}
		u, err := lnch.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		url = u
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Cleanup()
		}
		return nil, fmt.Errorf("browser: connect %s: %w", url, err)
	}
	m.cfg.Logger.Info("browser: connected", "url", url, "local", lnch != nil)

	return &session{
		browser: b,
		started: m.now(),
		stop: func() {
			b.Close()
			if lnch != nil {
				lnch.Cleanup()
			}
		},
	}, nil
}
