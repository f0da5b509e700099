package conf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/webproxy/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webproxy/internal/msg"
	"github.com/GriffinCanCode/webproxy/internal/rendezvous"
	"github.com/GriffinCanCode/webproxy/internal/sandbox"
	"github.com/GriffinCanCode/webproxy/internal/storage"
)

// ScriptCallback is the global a configuration script calls with its
// configuration object.
const ScriptCallback = "jsproxy_config"

var errNoSource = errors.New("no source configured")

// Notifier delivers a message to open pages.
type Notifier interface {
	Broadcast(cmd msg.Command, payload any, exclude string)
}

// Subscriber is told about every accepted configuration.
type Subscriber interface {
	SetConf(c *Config)
}

// State describes the manager lifecycle
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Options configures a Manager.
type Options struct {
	Store         storage.KV
	StoreKey      string
	Bootstrap     string // path to a bootstrap config file
	ScriptURL     string
	Fetcher       Fetcher
	Refresh       time.Duration
	ScriptTimeout time.Duration
	Logger        *zap.Logger
	Metrics       *monitoring.Metrics
	Notifier      Notifier
}

// Manager owns the process-wide configuration.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu       sync.RWMutex
	cur      *Config
	table    *HandlerTable
	subs     []Subscriber
	notifier Notifier
	loading  bool
	waiters  []*rendezvous.Signal[struct{}]

	// serializes Update as a whole
	updateMu sync.Mutex
}

// NewManager creates a manager. Nothing is loaded until Ensure.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StoreKey == "" {
		opts.StoreKey = "/conf.json"
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = sandbox.DefaultConfig().Timeout
	}
	return &Manager{
		opts:     opts,
		log:      opts.Logger.Named("conf"),
		notifier: opts.Notifier,
	}
}

// Current returns the active configuration or nil.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Handlers returns the url_handler table of the active configuration.
func (m *Manager) Handlers() *HandlerTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table
}

// State reports the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.cur != nil:
		return StateReady
	case m.loading:
		return StateLoading
	default:
		return StateUninitialized
	}
}

// Subscribe registers s. If a configuration is active s receives it now.
func (m *Manager) Subscribe(s Subscriber) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.Lock()
	m.subs = append(m.subs, s)
	cur := m.cur
	m.mu.Unlock()

	if cur != nil {
		s.SetConf(cur)
	}
}

// SetNotifier sets where change notifications go. The bus is created
// after the manager, so this is not a constructor option only.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	m.notifier = n
	m.mu.Unlock()
}

// Ensure returns the active configuration, initializing it first if
// needed. Concurrent callers share one load.
func (m *Manager) Ensure(ctx context.Context) (*Config, error) {
	if c := m.Current(); c != nil {
		return c, nil
	}
	if err := m.coalesce(ctx, m.initLoad); err != nil {
		return nil, err
	}
	if c := m.Current(); c != nil {
		return c, nil
	}
	return nil, ErrUnavailable
}

// Reload fetches the remote script and applies it if newer. Without an
// active configuration it runs the full initialization instead.
func (m *Manager) Reload(ctx context.Context) error {
	if m.Current() == nil {
		_, err := m.Ensure(ctx)
		return err
	}
	return m.coalesce(ctx, func(ctx context.Context) {
		if err := m.loadRemote(ctx); err != nil {
			m.log.Warn("Configuration reload failed", zap.Error(err))
		}
	})
}

// Run refreshes the configuration every Refresh interval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	if m.opts.Refresh <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.opts.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Reload(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("Periodic configuration refresh failed", zap.Error(err))
			}
		}
	}
}

// Update applies c. Unless force is set, c must be strictly newer than
// the active configuration. It reports whether c was applied.
func (m *Manager) Update(ctx context.Context, c *Config, force bool) (bool, error) {
	if c == nil {
		return false, ErrInvalid
	}

	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	prev := m.Current()
	if prev != nil && !force && c.Ver <= prev.Ver {
		m.log.Debug("Ignoring stale configuration",
			zap.Int("current", prev.Ver),
			zap.Int("incoming", c.Ver))
		return false, nil
	}

	if prev != nil && !c.HasNode(c.NodeDefault) {
		m.log.Warn("node_default missing from node_map, keeping previous",
			zap.String("node_default", c.NodeDefault),
			zap.String("previous", prev.NodeDefault))
		patched, err := c.withNodeDefault(prev.NodeDefault)
		if err != nil {
			return false, fmt.Errorf("patch node_default: %w", err)
		}
		c = patched
	}

	table := NewHandlerTable(c.URLHandler, m.log)

	m.mu.RLock()
	subs := append([]Subscriber(nil), m.subs...)
	notifier := m.notifier
	m.mu.RUnlock()

	// Subscribers first: once Current reports c, the gateway and
	// injector already route with it.
	for _, s := range subs {
		s.SetConf(c)
	}

	m.mu.Lock()
	m.cur = c
	m.table = table
	m.mu.Unlock()

	m.log.Info("Configuration applied",
		zap.Int("ver", c.Ver),
		zap.Bool("forced", force),
		zap.String("node_default", c.NodeDefault),
		zap.Int("url_handlers", table.Len()))

	if m.opts.Store != nil {
		if err := m.save(ctx, c); err != nil {
			m.log.Warn("Failed to persist configuration", zap.Error(err))
		}
	}
	if notifier != nil {
		notifier.Broadcast(msg.SWConfChange, c, "")
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.ConfVersion.Set(float64(c.Ver))
	}
	return true, nil
}

// coalesce joins the in-flight load or starts fn as a new one, then
// waits for it. The load itself is detached from ctx; only the wait is
// cancellable.
func (m *Manager) coalesce(ctx context.Context, fn func(context.Context)) error {
	sig := rendezvous.New[struct{}]()

	m.mu.Lock()
	m.waiters = append(m.waiters, sig)
	start := !m.loading
	m.loading = true
	m.mu.Unlock()

	if start {
		go m.runLoad(context.WithoutCancel(ctx), fn)
	}

	_, err := sig.Wait(ctx)
	return err
}

func (m *Manager) runLoad(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Configuration load panicked", zap.Any("panic", r))
		}

		m.mu.Lock()
		waiters := m.waiters
		m.waiters = nil
		m.loading = false
		m.mu.Unlock()

		for _, w := range waiters {
			w.Notify(struct{}{})
		}
	}()

	fn(ctx)
}

// initLoad tries, in order: persisted storage, bootstrap file, remote script.
func (m *Manager) initLoad(ctx context.Context) {
	if c, err := m.loadStore(ctx); err == nil {
		m.record("store", nil)
		if _, err := m.Update(ctx, c, false); err == nil && m.Current() != nil {
			return
		}
	} else {
		m.record("store", err)
	}

	if c, err := m.loadBootstrap(); err == nil {
		m.record("bootstrap", nil)
		if _, err := m.Update(ctx, c, false); err == nil && m.Current() != nil {
			return
		}
	} else {
		m.record("bootstrap", err)
	}

	if err := m.loadRemote(ctx); err != nil {
		m.log.Warn("All configuration sources failed", zap.Error(err))
	}
}

func (m *Manager) loadStore(ctx context.Context) (*Config, error) {
	if m.opts.Store == nil {
		return nil, errNoSource
	}
	data, err := m.opts.Store.Get(ctx, m.opts.StoreKey)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (m *Manager) loadBootstrap() (*Config, error) {
	if m.opts.Bootstrap == "" {
		return nil, errNoSource
	}
	return LoadFile(m.opts.Bootstrap)
}

// loadRemote fetches the configuration script and runs it. Each call
// the script makes to the callback is a regular update.
func (m *Manager) loadRemote(ctx context.Context) (err error) {
	defer func() { m.record("remote", err) }()

	if m.opts.ScriptURL == "" || m.opts.Fetcher == nil {
		return errNoSource
	}

	body, err := m.opts.Fetcher.Fetch(ctx, m.opts.ScriptURL)
	if err != nil {
		return fmt.Errorf("fetch config script: %w", err)
	}

	cfg := sandbox.DefaultConfig()
	cfg.Timeout = m.opts.ScriptTimeout
	rt, err := sandbox.New(cfg)
	if err != nil {
		return err
	}

	calls := 0
	err = rt.Expose(ScriptCallback, func(v any) {
		calls++
		c, err := FromMap(v)
		if err != nil {
			m.log.Warn("Config script passed an invalid configuration", zap.Error(err))
			return
		}
		if _, err := m.Update(ctx, c, false); err != nil {
			m.log.Warn("Failed to apply scripted configuration", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	result, err := rt.Execute(ctx, string(body))
	if result != nil {
		for _, entry := range result.Console {
			m.log.Debug("config script console",
				zap.String("level", entry.Level),
				zap.String("message", entry.Message))
		}
	}
	if err != nil {
		return fmt.Errorf("run config script: %w", err)
	}
	if calls == 0 {
		return fmt.Errorf("config script did not call %s", ScriptCallback)
	}
	return nil
}

func (m *Manager) save(ctx context.Context, c *Config) error {
	data, err := c.MarshalJSON()
	if err != nil {
		return err
	}
	return m.opts.Store.Put(ctx, m.opts.StoreKey, data)
}

func (m *Manager) record(source string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, errNoSource), errors.Is(err, storage.ErrNotFound):
		result = "missing"
	case err != nil:
		result = "error"
		m.log.Warn("Configuration source failed", zap.String("source", source), zap.Error(err))
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordConfLoad(source, result)
	}
}
