package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/1mcp-app/onemcp/pkg/auth"
	"github.com/1mcp-app/onemcp/pkg/config"
)

// backgroundRetryBatch caps how many Failed servers one background tick
// re-drives.
const backgroundRetryBatch = 3

// ConnectFunc establishes one outbound session. Implemented by the client
// manager. It must honor ctx at every await point and return
// *auth.OAuthRequiredError when the server demands interactive
// authorization.
type ConnectFunc func(ctx context.Context, name string, desc *config.ServerConfig) error

// ErrLoadAborted is returned by Load when continue-on-failure is disabled
// and a server failed terminally.
var ErrLoadAborted = errors.New("loading aborted after server failure")

// Manager drives outbound servers from Pending to a terminal state with
// bounded concurrency, exponential-backoff retries, OAuth interception, and
// optional background re-attempts for Failed servers.
type Manager struct {
	cfg     config.LoaderConfig
	tracker *Tracker
	connect ConnectFunc
	logger  *slog.Logger

	mu          sync.Mutex
	descriptors map[string]*config.ServerConfig
	cancels     map[string]context.CancelFunc

	// sf guarantees at most one in-flight load per server name.
	sf singleflight.Group
	wg sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
	bgOnce     sync.Once
}

// NewManager creates a loading manager. The tracker is shared so hosts can
// subscribe to loading events independently.
func NewManager(cfg config.LoaderConfig, tracker *Tracker, connect ConnectFunc) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		tracker:     tracker,
		connect:     connect,
		logger:      slog.Default(),
		descriptors: make(map[string]*config.ServerConfig),
		cancels:     make(map[string]context.CancelFunc),
		rootCtx:     ctx,
		rootCancel:  cancel,
	}
}

// Tracker returns the shared state tracker.
func (m *Manager) Tracker() *Tracker { return m.tracker }

// Load brings up every named server in lexicographic batches of
// maxConcurrentLoads, waiting for each batch to settle before starting the
// next. It returns once all batches settled (or the walk aborted).
func (m *Manager) Load(ctx context.Context, servers map[string]*config.ServerConfig) error {
	names := make([]string, 0, len(servers))
	m.mu.Lock()
	for name, desc := range servers {
		m.descriptors[name] = desc
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	m.tracker.Init(names)

	batchSize := m.cfg.MaxConcurrentLoads
	if batchSize <= 0 {
		batchSize = config.DefaultMaxConcurrentLoads
	}
	for start := 0; start < len(names); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(names))

		var batch sync.WaitGroup
		for _, name := range names[start:end] {
			batch.Add(1)
			go func() {
				defer batch.Done()
				m.loadServer(name)
			}()
		}
		batch.Wait()

		if !m.cfg.ContinueOnFailureEnabled() && m.tracker.Summary().Failed > 0 {
			m.logger.Error("Aborting server loading", "loaded", end, "total", len(names))
			return ErrLoadAborted
		}
	}

	return nil
}

// Enqueue registers a new server (config reload) and loads it without
// blocking the caller.
func (m *Manager) Enqueue(name string, desc *config.ServerConfig) {
	m.mu.Lock()
	m.descriptors[name] = desc
	m.mu.Unlock()

	m.tracker.Restore(name)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loadServer(name)
	}()
}

// Remove cancels any in-flight load and drops the server's records.
func (m *Manager) Remove(name string) {
	m.cancelLocked(name)
	m.mu.Lock()
	delete(m.descriptors, name)
	m.mu.Unlock()
	m.tracker.Remove(name)
}

// CancelServerLoading trips the per-server cancel token. Servers already in
// a terminal state are left untouched.
func (m *Manager) CancelServerLoading(name string) {
	m.cancelLocked(name)
	if err := m.tracker.SetCancelled(name); err != nil {
		m.logger.Warn("Cancel failed", "server", name, "error", err)
	}
}

// FinishAuth re-drives loading for a server parked in AwaitingOAuth after
// the host completed the authorization flow.
func (m *Manager) FinishAuth(name string) error {
	info, ok := m.tracker.Get(name)
	if !ok {
		return fmt.Errorf("unknown server %q", name)
	}
	if info.State != StateAwaitingOAuth {
		return fmt.Errorf("server %q is %s, not awaiting authorization", name, info.State)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loadServer(name)
	}()
	return nil
}

// Shutdown cancels every in-flight load, stops background retries, waits
// for workers to drain, and moves leftover Pending/Loading to Cancelled.
func (m *Manager) Shutdown() {
	m.rootCancel()

	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	m.wg.Wait()

	for _, state := range []State{StatePending, StateLoading} {
		for _, name := range m.tracker.ServersIn(state) {
			_ = m.tracker.SetCancelled(name)
		}
	}
}

// loadServer runs one load cycle under single-flight; a concurrent call for
// the same name joins the in-flight cycle instead of starting another.
func (m *Manager) loadServer(name string) {
	_, _, _ = m.sf.Do(name, func() (any, error) {
		m.runLoad(name)
		return nil, nil
	})
}

func (m *Manager) runLoad(name string) {
	m.mu.Lock()
	desc, ok := m.descriptors[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	serverCtx, cancel := context.WithCancel(m.rootCtx)
	m.cancels[name] = cancel
	m.mu.Unlock()

	// Cancel tokens live only for the duration of a load cycle.
	defer func() {
		m.mu.Lock()
		if m.cancels[name] != nil {
			m.cancels[name]()
			delete(m.cancels, name)
		}
		m.mu.Unlock()
	}()

	if err := m.tracker.SetLoading(name, "connecting", ""); err != nil {
		m.logger.Warn("Cannot start load", "server", name, "error", err)
		return
	}

	timeout := m.cfg.ServerTimeout()
	delay := m.cfg.RetryDelay()
	maxRetries := m.cfg.MaxRetries

	for attempt := 0; ; attempt++ {
		err := m.connectOnce(serverCtx, name, desc, timeout)
		if err == nil {
			if terr := m.tracker.SetReady(name); terr != nil {
				m.logger.Warn("Ready transition rejected", "server", name, "error", terr)
			}
			m.logger.Info("Server loaded", "server", name)
			return
		}

		if oe, isOAuth := auth.AsOAuthRequired(err); isOAuth {
			_ = m.tracker.SetAwaitingOAuth(name, oe.AuthorizationURL)
			m.logger.Info("Server awaiting authorization", "server", name, "url", oe.AuthorizationURL)
			return
		}
		if serverCtx.Err() != nil {
			_ = m.tracker.SetCancelled(name)
			m.logger.Info("Server load cancelled", "server", name)
			return
		}
		if attempt >= maxRetries {
			_ = m.tracker.SetFailed(name, err)
			m.logger.Error("Server load failed", "server", name, "attempts", attempt+1, "error", err)
			// Arm the ticker at the failure site so servers enqueued after
			// the initial load walk are re-driven too.
			if m.cfg.BackgroundRetryEnabled() {
				m.startBackgroundRetry()
			}
			return
		}

		_ = m.tracker.SetRetrying(name, err.Error())
		m.logger.Warn("Server load attempt failed, retrying",
			"server", name, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-serverCtx.Done():
			_ = m.tracker.SetCancelled(name)
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// connectOnce races one connect attempt against the per-server timeout.
func (m *Manager) connectOnce(ctx context.Context, name string, desc *config.ServerConfig, timeout time.Duration) error {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if desc.TimeoutMs > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, time.Duration(desc.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	return m.connect(attemptCtx, name, desc)
}

// startBackgroundRetry launches the periodic failed-server re-drive. Runs
// once per manager lifetime; stops when the manager shuts down.
func (m *Manager) startBackgroundRetry() {
	m.bgOnce.Do(func() {
		interval := m.cfg.BackgroundRetryInterval()
		if interval <= 0 {
			interval = time.Duration(config.DefaultBackgroundRetryIntervalMs) * time.Millisecond
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-m.rootCtx.Done():
					return
				case <-ticker.C:
					m.retryFailed()
				}
			}
		}()
	})
}

// retryFailed re-drives up to backgroundRetryBatch Failed servers without
// blocking the ticker.
func (m *Manager) retryFailed() {
	failed := m.tracker.ServersIn(StateFailed)
	if len(failed) == 0 {
		return
	}
	if len(failed) > backgroundRetryBatch {
		failed = failed[:backgroundRetryBatch]
	}
	m.logger.Info("Retrying failed servers in background", "servers", failed)
	for _, name := range failed {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.loadServer(name)
		}()
	}
}

func (m *Manager) cancelLocked(name string) {
	m.mu.Lock()
	if cancel, ok := m.cancels[name]; ok {
		cancel()
		delete(m.cancels, name)
	}
	m.mu.Unlock()
}
