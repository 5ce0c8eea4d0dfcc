package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	containerdash "github.com/kinexon/containerdash"
	appconfig "github.com/kinexon/containerdash/internal/config"
	"github.com/kinexon/containerdash/internal/health"
	"github.com/kinexon/containerdash/internal/metrics"
	"github.com/kinexon/containerdash/internal/observability"
	"github.com/kinexon/containerdash/internal/proxyrules"
	"github.com/kinexon/containerdash/internal/routes"
	"github.com/kinexon/containerdash/internal/server"
)

const (
	defaultHost    = "0.0.0.0"
	defaultPort    = 5000
	defaultEnvFile = ".env"

	embeddedRoot   = "web/dist"
	reloadDebounce = 100 * time.Millisecond
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

// config holds all server configuration.
type config struct {
	ShowVersion  bool
	ShowRoutes   bool
	Host         string
	Port         int
	StaticDir    string
	ConfigFile   string
	EnvFile      string
	LogFormat    string
	StrictRoutes bool
	LiveReload   bool
	Trace        bool

	HealthInterval time.Duration

	// Snapshot is the config and .env content read at startup. It is
	// never nil; a file that failed to parse leaves it empty.
	Snapshot *appconfig.Snapshot
	// LoadErrs are parse and validation errors from the startup read,
	// logged once the logger exists.
	LoadErrs []error
}

// Addr returns the listen address.
func (c config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func main() {
	// Quick check for version flag before full config loading
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("containerdash version %s\n", Version)
			return
		}
	}

	cfg, err := loadConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if cfg.ShowRoutes {
		fmt.Print(routes.Render(routes.Table()))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses flags, the environment, the .env file and the YAML
// config file with precedence: Flag > Env > .env > Config > Default.
func loadConfig(args []string, env appconfig.LookupFunc) (config, error) {
	flags := flag.NewFlagSet("containerdash", flag.ContinueOnError)

	cfg := config{}
	var portStr string
	flags.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	flags.BoolVar(&cfg.ShowRoutes, "routes", false, "print the client route table and exit")
	flags.StringVar(&cfg.Host, "host", "", "listen host, also CONTAINERDASH_HOST or HOST (default "+defaultHost+"); tcsh sets HOST to the machine name")
	flags.StringVar(&portStr, "port", "", "listen port (default "+strconv.Itoa(defaultPort)+")")
	flags.StringVar(&cfg.StaticDir, "static-dir", "", "serve the SPA from this directory instead of the embedded build")
	flags.StringVar(&cfg.ConfigFile, "config", getEnv(env, "CONFIG_FILE", ""), "path to YAML config file")
	flags.StringVar(&cfg.EnvFile, "env-file", getEnv(env, "ENV_FILE", defaultEnvFile), "path to .env file (empty to disable)")
	flags.StringVar(&cfg.LogFormat, "log-format", "", "log format (json or text)")
	flags.BoolVar(&cfg.StrictRoutes, "strict-routes", false, "only fall back to index.html for known client routes")
	flags.BoolVar(&cfg.LiveReload, "live-reload", false, "reload browsers when the static directory changes")
	flags.BoolVar(&cfg.Trace, "trace", false, "export request traces to stderr")

	healthIntervalStr := getEnv(env, "HEALTH_INTERVAL", "10s")
	flags.StringVar(&healthIntervalStr, "health-interval", healthIntervalStr, "proxy target probe interval")

	if err := flags.Parse(args); err != nil {
		return config{}, err
	}

	explicit := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	snap, loadErrs := appconfig.Sources{ConfigFile: cfg.ConfigFile, EnvFile: cfg.EnvFile}.Load()
	if snap == nil {
		snap = &appconfig.Snapshot{Config: &appconfig.Config{}}
	}
	cfg.Snapshot = snap
	cfg.LoadErrs = loadErrs
	file := snap.Config.Server

	// resolve returns the flag value when given on the command line, else
	// the environment (process, then .env), else the config file value.
	resolve := func(name, key, flagValue, fileValue string) string {
		if explicit[name] {
			return flagValue
		}
		return snap.Lookup(env, key, fileValue)
	}

	// CONTAINERDASH_HOST wins over HOST, which tcsh exports as the hostname.
	hostFallback := snap.Lookup(env, "HOST", orDefault(file.Host, defaultHost))
	cfg.Host = resolve("host", "CONTAINERDASH_HOST", cfg.Host, hostFallback)

	filePort := defaultPort
	if file.Port != 0 {
		filePort = file.Port
	}
	portStr = resolve("port", "PORT", portStr, strconv.Itoa(filePort))
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return config{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if port < 1 || port > 65535 {
		return config{}, fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	cfg.Port = port

	cfg.StaticDir = resolve("static-dir", "STATIC_DIR", cfg.StaticDir, file.StaticDir)
	cfg.LogFormat = resolve("log-format", "LOG_FORMAT", cfg.LogFormat, "text")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}

	interval, err := time.ParseDuration(healthIntervalStr)
	if err != nil {
		return config{}, fmt.Errorf("invalid health interval %q: %w", healthIntervalStr, err)
	}
	if interval < time.Second {
		return config{}, fmt.Errorf("health interval must be at least 1s, got %q", healthIntervalStr)
	}
	cfg.HealthInterval = interval

	boolSettings := []struct {
		name, key string
		file      *bool
		dst       *bool
	}{
		{"strict-routes", "STRICT_ROUTES", file.StrictRoutes, &cfg.StrictRoutes},
		{"live-reload", "LIVE_RELOAD", snap.Config.LiveReload, &cfg.LiveReload},
		{"trace", "TRACE", nil, &cfg.Trace},
	}
	for _, b := range boolSettings {
		if explicit[b.name] {
			continue
		}
		fallback := b.file != nil && *b.file
		*b.dst = getEnvBool(env, snap, b.key, fallback)
	}

	return cfg, nil
}

func getEnv(env appconfig.LookupFunc, key, fallback string) string {
	if value, ok := env(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(env appconfig.LookupFunc, snap *appconfig.Snapshot, key string, fallback bool) bool {
	value := snap.Lookup(env, key, "")
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func setupLogger(format string) *slog.Logger {
	return setupLoggerWithWriter(format, os.Stdout)
}

func setupLoggerWithWriter(format string, writer io.Writer) *slog.Logger {
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, nil)
	} else {
		handler = slog.NewJSONHandler(writer, nil)
	}
	return slog.New(handler)
}

// run starts the server and handles graceful shutdown.
func run(ctx context.Context, cfg config) error {
	logger := setupLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting containerdash", "version", Version)

	if cfg.Trace {
		shutdownTracer, err := observability.InitTracer("containerdash", Version, os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to init tracer: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				slog.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	table := routes.Table()
	for _, e := range routes.Validate(table) {
		slog.Warn("Route table warning", "error", e)
	}

	logLoadErrors(cfg.LoadErrs, false)

	m := metrics.New()
	rules := resolveRules(os.LookupEnv, cfg.Snapshot, logger)

	static, root, err := staticFS(cfg.StaticDir)
	if err != nil {
		return err
	}

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()

	var reloader *server.Reloader
	if cfg.LiveReload {
		if cfg.StaticDir == "" {
			slog.Warn("Live reload needs -static-dir, serving the embedded build without it")
		} else {
			reloader = server.NewReloader(logger, m)
			go func() {
				if err := reloader.WatchDir(watcherCtx, cfg.StaticDir, reloadDebounce); err != nil && watcherCtx.Err() == nil {
					slog.Warn("static dir watcher stopped with error", "error", err)
				}
			}()
			slog.Info("Live reload enabled", "dir", cfg.StaticDir)
		}
	}

	// Probe targets through the live rule set, so reloads are picked up.
	var rulesSource rulesRef
	probeClient := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
			},
		},
	}
	checker := health.NewChecker(&rulesSource, probeClient, cfg.HealthInterval, m, logger)

	srv, err := server.New(server.Options{
		Static:       static,
		StaticRoot:   root,
		Routes:       table,
		StrictRoutes: cfg.StrictRoutes,
		Rules:        rules,
		Reloader:     reloader,
		Health:       checker,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	rulesSource.srv = srv
	go checker.Run(watcherCtx)

	// Start config and .env watcher for proxy hot-reload
	sources := appconfig.Sources{ConfigFile: cfg.ConfigFile, EnvFile: cfg.EnvFile}
	if len(sources.Paths()) > 0 {
		configWatcher := appconfig.NewWatcher(sources, reloadRules(srv, m, os.LookupEnv, logger), logger)
		go func() {
			if err := configWatcher.Run(watcherCtx); err != nil && watcherCtx.Err() == nil {
				slog.Warn("config watcher stopped with error", "error", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if reloader != nil {
		// Open reload streams never go idle, so end them when draining starts.
		httpSrv.RegisterOnShutdown(reloader.Close)
	}

	// Channel to catch server errors
	serverError := make(chan error, 1)

	go func() {
		slog.Info("Listening", "addr", cfg.Addr(), "url", "http://"+cfg.Addr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverError <- err
		}
	}()

	// Wait for interruption or server error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down gracefully...")
		// Stop watchers before server shutdown
		watcherCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		slog.Info("Connections drained")
		slog.Info("Server stopped")
	case err := <-serverError:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// rulesRef lets the checker be built before the server it reads from.
type rulesRef struct {
	srv *server.Server
}

func (r *rulesRef) Rules() *proxyrules.Rules {
	if r.srv == nil {
		return nil
	}
	return r.srv.Rules()
}

// staticFS returns the SPA filesystem and the directory inside it holding
// index.html.
func staticFS(dir string) (fs.FS, string, error) {
	if dir == "" {
		return containerdash.WebFS, embeddedRoot, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, "", fmt.Errorf("static dir: %w", err)
	}
	if !info.IsDir() {
		return nil, "", fmt.Errorf("static dir %s is not a directory", dir)
	}
	return os.DirFS(dir), ".", nil
}

// resolveRules builds the proxy rules from the environment and snapshot and
// logs where they came from.
func resolveRules(env appconfig.LookupFunc, snap *appconfig.Snapshot, logger *slog.Logger) *proxyrules.Rules {
	rules, origin := appconfig.ResolveProxy(env, snap, logger)
	slog.Info("Proxy rules resolved", "origin", origin, "count", rules.Len())
	for _, w := range rules.Validate() {
		slog.Warn("Proxy rule warning", "error", w)
	}
	return rules
}

// reloadRules returns the watcher callback that swaps in freshly resolved
// proxy rules.
func reloadRules(srv *server.Server, m *metrics.Metrics, env appconfig.LookupFunc, logger *slog.Logger) appconfig.ReloadCallback {
	return func(snap *appconfig.Snapshot, errs []error) {
		logLoadErrors(errs, true)
		if snap == nil {
			// Keep the last-known-good rules active when reload parsing fails.
			m.RuleReload(false)
			return
		}
		srv.SwapRules(resolveRules(env, snap, logger))
		m.RuleReload(true)
	}
}

func logLoadErrors(errs []error, reload bool) {
	msg := "Config validation warning"
	if reload {
		msg = "Config reload warning"
	}
	for _, e := range errs {
		slog.Warn(msg, "error", e)
	}
}
