// onemcp aggregates multiple MCP servers behind one inbound endpoint,
// with per-session tag filtering, namespaced routing, and hot reload.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1mcp-app/onemcp/pkg/client"
	"github.com/1mcp-app/onemcp/pkg/config"
	"github.com/1mcp-app/onemcp/pkg/filter"
	"github.com/1mcp-app/onemcp/pkg/instructions"
	"github.com/1mcp-app/onemcp/pkg/loader"
	"github.com/1mcp-app/onemcp/pkg/preset"
	"github.com/1mcp-app/onemcp/pkg/proxy"
	"github.com/1mcp-app/onemcp/pkg/reload"
	"github.com/1mcp-app/onemcp/pkg/version"
)

const shutdownTimeout = 15 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("ONEMCP_CONFIG", "./onemcp.yaml"),
		"Path to configuration file")
	transportMode := flag.String("transport",
		getEnv("ONEMCP_TRANSPORT", "stdio"),
		"Inbound transport: stdio or http")
	templatePath := flag.String("template", "",
		"Path to a custom instruction template (default: built-in)")
	tagsCSV := flag.String("tags", "",
		"Comma-separated tags for the stdio session (OR semantics)")
	tagFilter := flag.String("filter", "",
		"Boolean tag expression for the stdio session")
	presetName := flag.String("preset", "",
		"Preset name for the stdio session")
	pagination := flag.Bool("pagination", false,
		"Paginate list results one upstream server per page")
	flag.Parse()

	// Load .env next to the process, matching container deployments
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", err)
	}

	httpPort := getEnv("HTTP_PORT", "3050")

	slog.Info("Starting onemcp",
		"version", version.Full(),
		"transport", *transportMode,
		"config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, err := range errs {
			slog.Error("Configuration invalid", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("Configuration loaded", "servers", len(cfg.Servers))

	templateText := ""
	if *templatePath != "" {
		data, err := os.ReadFile(*templatePath)
		if err != nil {
			slog.Error("Failed to read instruction template", "path", *templatePath, "error", err)
			os.Exit(1)
		}
		templateText = string(data)
	}

	// 2. Configuration source and server registry
	source := config.NewSource(cfg)
	defer source.Close()
	registry := config.NewServerRegistry(cfg.Servers)

	// 3. Instruction aggregator
	aggregator := instructions.NewAggregator(cfg.Templates.SizeLimitBytes)
	defer aggregator.Close()

	// 4. Outbound client manager
	clients := client.NewManager(registry, nil, aggregator)
	defer func() {
		if err := clients.Close(); err != nil {
			slog.Error("Error closing outbound clients", "error", err)
		}
	}()

	// 5. Loading tracker and manager
	tracker := loader.NewTracker()
	defer tracker.Close()
	loadMgr := loader.NewManager(cfg.Loader, tracker, clients.CreateSingleClient)

	// 6. Preset store with file watcher
	store, err := preset.NewStore(cfg.Presets.Directory, clients)
	if err != nil {
		slog.Error("Failed to open preset store", "dir", cfg.Presets.Directory, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Watch(ctx); err != nil {
		slog.Warn("Preset file watching unavailable", "error", err)
	}

	// 7. Proxy manager (inbound sessions)
	proxyMgr := proxy.NewManager(clients, tracker, store, aggregator, cfg.Notifications, templateText)
	proxyMgr.Start(ctx)
	defer proxyMgr.Stop()

	// 8. Config-reload dispatcher
	dispatcher := reload.NewDispatcher(source, registry, loadMgr, clients, store)
	go dispatcher.Run(ctx)

	// 9. Kick off the initial outbound load. The inbound endpoint comes up
	// immediately; servers appear in session views as they become Ready.
	go func() {
		if err := loadMgr.Load(ctx, cfg.Servers); err != nil {
			slog.Error("Initial server loading aborted", "error", err)
		} else {
			summary := tracker.Summary()
			slog.Info("Initial server loading finished",
				"ready", summary.Ready,
				"failed", summary.Failed,
				"awaiting_oauth", summary.AwaitingOAuth)
		}
	}()
	defer loadMgr.Shutdown()

	// 10. Serve inbound
	switch *transportMode {
	case "stdio":
		opts := proxy.SessionOptions{
			Tags:          proxy.ParseTagsCSV(*tagsCSV),
			TagExpression: *tagFilter,
			Preset:        *presetName,
			Pagination:    *pagination,
		}
		if err := serveStdio(ctx, proxyMgr, opts); err != nil {
			slog.Error("Stdio session ended with error", "error", err)
			os.Exit(1)
		}
	case "http":
		if err := serveHTTP(ctx, proxyMgr, httpPort); err != nil {
			slog.Error("HTTP server ended with error", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Unknown transport mode", "transport", *transportMode)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}

// serveStdio runs a single bridged session over stdin/stdout until the
// peer disconnects or a signal cancels ctx.
func serveStdio(ctx context.Context, proxyMgr *proxy.Manager, opts proxy.SessionOptions) error {
	bridge, err := proxy.NewBridge(ctx, proxyMgr, opts)
	if err != nil {
		return err
	}
	slog.Info("Serving on stdio", "session", bridge.SessionID())
	return bridge.Run(ctx, &mcpsdk.StdioTransport{})
}

// serveHTTP exposes the proxy over streamable HTTP. Session options come
// from query parameters; bridges are shared per distinct option set since
// identical options yield identical views.
func serveHTTP(ctx context.Context, proxyMgr *proxy.Manager, port string) error {
	pool := &bridgePool{proxy: proxyMgr, bridges: make(map[string]*proxy.Bridge)}
	defer pool.closeAll()

	handler := mcpsdk.NewStreamableHTTPHandler(pool.serverFor, nil)
	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: ":" + port, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// maxPoolBridges caps the number of distinct option sets the pool serves.
// Each bridge carries a session and a capability registry, and option sets
// are attacker-controlled query strings on a public endpoint.
const maxPoolBridges = 64

// bridgePool hands the streamable handler one bridge per distinct option
// set. The SDK serves many concurrent sessions from one mcpsdk.Server.
type bridgePool struct {
	proxy *proxy.Manager

	mu      sync.Mutex
	bridges map[string]*proxy.Bridge
}

func (p *bridgePool) serverFor(r *http.Request) *mcpsdk.Server {
	opts := sessionOptionsFromQuery(r.URL.Query())
	key := poolKey(opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.bridges[key]; ok {
		return b.Server()
	}
	// Returning nil makes the handler reject the request.
	if len(p.bridges) >= maxPoolBridges {
		slog.Warn("Rejected inbound session, bridge pool full",
			"query", r.URL.RawQuery, "limit", maxPoolBridges)
		return nil
	}
	b, err := proxy.NewBridge(r.Context(), p.proxy, opts)
	if err != nil {
		slog.Warn("Rejected inbound session", "query", r.URL.RawQuery, "error", err)
		return nil
	}
	p.bridges[key] = b
	slog.Info("Opened inbound session", "session", b.SessionID(), "query", r.URL.RawQuery)
	return b.Server()
}

func (p *bridgePool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.bridges {
		b.Close()
	}
	p.bridges = make(map[string]*proxy.Bridge)
}

func sessionOptionsFromQuery(q url.Values) proxy.SessionOptions {
	return proxy.SessionOptions{
		Tags:          proxy.ParseTagsCSV(q.Get("tags")),
		TagExpression: q.Get("tagExpression"),
		TagFilterMode: filter.Mode(q.Get("tagFilterMode")),
		Preset:        q.Get("preset"),
		Pagination:    q.Get("pagination") == "true",
		ToolPattern:   q.Get("toolPattern"),
	}
}

func poolKey(opts proxy.SessionOptions) string {
	return strings.Join([]string{
		strings.Join(opts.Tags, ","),
		opts.TagExpression,
		string(opts.TagFilterMode),
		opts.Preset,
		opts.ToolPattern,
		map[bool]string{true: "1", false: "0"}[opts.Pagination],
	}, "\x00")
}
