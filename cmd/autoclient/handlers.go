package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/MatthewCash/discord-autoclient/internal/avatar"
	"github.com/MatthewCash/discord-autoclient/internal/config"
	"github.com/MatthewCash/discord-autoclient/internal/fleet"
	"github.com/MatthewCash/discord-autoclient/internal/gateway"
	"github.com/MatthewCash/discord-autoclient/internal/observability"
	"github.com/MatthewCash/discord-autoclient/internal/presence"
)

const shutdownTimeout = 30 * time.Second

// runFleet handles the run command execution.
func runFleet(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg, debug)
	slog.SetDefault(logger)

	identities, failures := cfg.Identities()
	for _, failure := range failures {
		logger.Error("skipping account", "account", failure.Name, "index", failure.Index, "error", failure.Err)
	}
	if len(identities) == 0 {
		return errors.New("no valid accounts configured")
	}

	logger.Info("starting autoclient",
		"version", version,
		"commit", commit,
		"config", path,
		"accounts", len(identities),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "discord-autoclient",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
	}

	accounts := buildAccounts(cfg, identities, logger, metrics, tracer)
	if hasCompanions(accounts) {
		removed, err := avatar.RemoveLocks(cfg.Browser.ProfilesDir)
		if err != nil {
			logger.Warn("failed to clear browser profile locks", "dir", cfg.Browser.ProfilesDir, "error", err)
		} else if removed > 0 {
			logger.Info("cleared browser profile locks", "dir", cfg.Browser.ProfilesDir, "count", removed)
		}
	}

	supervisor := fleet.New(fleet.Config{
		NewClient: clientFactory(cfg.Gateway, logger, metrics, tracer),
		Ports:     fleet.NewPortAllocator(cfg.Browser.BaseDebugPort, 0),
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	var server *http.Server
	if cfg.Metrics.Enabled {
		server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           statusMux(metrics, supervisor),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	watcher := config.NewWatcher(path, 0, logger, func(changed string) {
		logger.Warn("roster changed on disk; restart to apply", "path", changed)
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watch disabled", "path", path, "error", err)
	}
	defer watcher.Close()

	supervisor.Start(ctx, accounts)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stop()
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error("fleet shutdown incomplete", "error", err)
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("autoclient stopped")
	return runErr
}

// buildLogger creates the process logger, redacting every configured token.
func buildLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	var patterns []string
	for _, account := range cfg.Accounts {
		if account.Token != "" {
			patterns = append(patterns, regexp.QuoteMeta(account.Token))
		}
	}
	return observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Logging.Format,
		Output:         os.Stderr,
		AddSource:      debug,
		RedactPatterns: patterns,
	})
}

// clientFactory builds gateway clients that share the configured transport.
func clientFactory(gw config.GatewayConfig, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) fleet.ClientFactory {
	policy := gw.DialBackoff.Policy()
	return func(id presence.Identity) (fleet.Runner, error) {
		dialer := gateway.NewWebsocketDialer()
		dialer.URL = gw.URL
		if gw.UserAgent != "" {
			dialer.UserAgent = gw.UserAgent
		}
		dialer.MaxMessageBytes = gw.MaxMessageBytes
		dialer.HandshakeTimeout = gw.HandshakeTimeout
		dialer.Backoff = policy
		dialer.Logger = logger.With("account", id.Name)
		name := id.Name
		dialer.OnAttempt = func(err error) {
			if err != nil {
				metrics.ConnectionFailed(name)
			}
		}

		return gateway.NewClient(gateway.ClientConfig{
			Identity:     id,
			Dialer:       dialer,
			DialBackoff:  policy,
			WriteTimeout: gw.WriteTimeout,
			Logger:       logger,
			Metrics:      metrics,
			Tracer:       tracer,
		})
	}
}

// buildAccounts pairs each identity with its avatar companion, if enabled.
func buildAccounts(cfg *config.Config, identities []presence.Identity, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) []fleet.Account {
	accounts := make([]fleet.Account, 0, len(identities))
	for _, id := range identities {
		account := fleet.Account{Identity: id}
		entry, _ := cfg.Account(id.Name)
		if cycle := entry.AvatarCycle; cycle != nil && cycle.Enable {
			name := id.Name
			browser := cfg.Browser
			account.Companion = func(port int) (fleet.Runner, error) {
				return avatar.New(avatar.Config{
					Account:   name,
					Cron:      cycle.Cron,
					Directory: cycle.Directory,
					Browser: avatar.BrowserOptions{
						Executable:  browser.Executable,
						ProfilesDir: browser.ProfilesDir,
						AppURL:      browser.AppURL,
						Headless:    browser.IsHeadless(),
						DebugPort:   port,
					},
					Logger:  logger,
					Metrics: metrics,
					Tracer:  tracer,
				})
			}
		}
		accounts = append(accounts, account)
	}
	return accounts
}

func hasCompanions(accounts []fleet.Account) bool {
	for _, a := range accounts {
		if a.Companion != nil {
			return true
		}
	}
	return false
}

type sessionView struct {
	Name         string `json:"name"`
	State        string `json:"state"`
	Error        string `json:"error,omitempty"`
	Gateway      string `json:"gateway_state,omitempty"`
	Connections  int    `json:"connections,omitempty"`
	LastSequence *int64 `json:"last_sequence,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	Companion    string `json:"avatar_cycle,omitempty"`
}

// statusMux serves metrics and a JSON view of the fleet.
func statusMux(metrics *observability.Metrics, supervisor *fleet.Supervisor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sessionViews(supervisor.Sessions()))
	})
	return mux
}

func sessionViews(sessions []fleet.SessionStatus) []sessionView {
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		view := sessionView{Name: s.Name, State: s.State.String()}
		if s.Err != nil {
			view.Error = s.Err.Error()
		}
		if g := s.Gateway; g != nil {
			view.Gateway = g.State.String()
			view.Connections = g.Connections
			if g.HasSequence {
				seq := g.LastSequence
				view.LastSequence = &seq
			}
			if g.LastError != nil {
				view.LastError = g.LastError.Error()
			}
		}
		if s.HasCompanion {
			view.Companion = s.Companion.String()
		}
		views = append(views, view)
	}
	return views
}

// runValidate loads the roster and reports every account's status.
func runValidate(cmd *cobra.Command, configPath string) error {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	identities, failures := cfg.Identities()
	for _, id := range identities {
		fmt.Fprintf(out, "ok      %s (%s)\n", id.Name, id.Presence.Status)
	}
	for _, failure := range failures {
		fmt.Fprintf(out, "invalid %s\n", failure.Error())
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d accounts invalid", len(failures), len(cfg.Accounts))
	}
	return nil
}

// runIdentify prints the frame an account sends on connect, without its token.
func runIdentify(cmd *cobra.Command, configPath, name string, update bool) error {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	entry, ok := cfg.Account(name)
	if !ok {
		return fmt.Errorf("account %q not found in %s", name, path)
	}
	id, err := entry.Identity()
	if err != nil {
		return fmt.Errorf("account %q: %w", name, err)
	}
	id.Token = "[REDACTED]"

	frame := gateway.EncodeIdentify(id, id.Presence)
	if update {
		frame = gateway.EncodePresenceUpdate(id.Presence)
	}
	data, err := json.MarshalIndent(frame, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
