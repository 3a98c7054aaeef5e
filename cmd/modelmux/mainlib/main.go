// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package mainlib assembles and runs the proxy. It is exposed as a library
// so users can embed the proxy in their own binaries.
package mainlib

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/logstore"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/recorder"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/server"
	"github.com/modelmux/modelmux/internal/statestore"
	"github.com/modelmux/modelmux/internal/tracing"
	"github.com/modelmux/modelmux/internal/version"
)

const (
	// configWatchInterval is how often the config file is polled for changes.
	configWatchInterval = 5 * time.Second
	// shutdownGracePeriod bounds draining in-flight requests and flushing
	// pending log rows at shutdown.
	shutdownGracePeriod = 5 * time.Second
)

// proxyFlags is the struct that holds the flags passed to the proxy.
type proxyFlags struct {
	configPath string     // path to the configuration file.
	addr       string     // listen address override; empty means the config decides.
	adminPort  int        // HTTP port for the admin server (metrics, health, profiling).
	logLevel   slog.Level // log level for the proxy.
}

// parseAndValidateFlags parses and validates the flags passed to the proxy.
func parseAndValidateFlags(args []string) (proxyFlags, error) {
	var (
		flags proxyFlags
		errs  []error
		fs    = flag.NewFlagSet("ModelMux Proxy", flag.ContinueOnError)
	)

	fs.StringVar(&flags.configPath,
		"configPath",
		"",
		"path to the configuration file. The file must be in the proxy's YAML format. "+
			"The configuration file is watched for changes.",
	)
	fs.StringVar(&flags.addr,
		"addr",
		"",
		"listen address override, such as :8080 or unix:///tmp/modelmux.sock. "+
			"Defaults to the address from proxy_settings in the configuration. "+
			"The address is read once at startup; changing it requires a restart.",
	)
	logLevelPtr := fs.String(
		"logLevel",
		"info",
		"log level for the proxy. One of 'debug', 'info', 'warn', or 'error'.",
	)
	fs.IntVar(&flags.adminPort, "adminPort", 8081,
		"HTTP port for the admin server (serves /metrics, /health and /debug/pprof endpoints).")

	if err := fs.Parse(args); err != nil {
		return proxyFlags{}, fmt.Errorf("failed to parse proxyFlags: %w", err)
	}

	if flags.configPath == "" {
		errs = append(errs, fmt.Errorf("configPath must be provided"))
	}
	if err := flags.logLevel.UnmarshalText([]byte(*logLevelPtr)); err != nil {
		errs = append(errs, fmt.Errorf("failed to unmarshal log level: %w", err))
	}

	return flags, errors.Join(errs...)
}

// receivers fans one configuration update out to each receiver in order. The
// registry must come first so the router and server read a consistent model
// table.
type receivers []config.Receiver

// LoadConfig implements [config.Receiver.LoadConfig].
func (rs receivers) LoadConfig(ctx context.Context, cfg *config.Config) error {
	for _, r := range rs {
		if err := r.LoadConfig(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Main is the proxy's entry point, exposed for embedding.
//
//   - ctx is the context for the proxy; cancellation starts a graceful shutdown.
//   - args are the command line arguments without the program name.
//   - stderr is the writer the proxy logs to.
//
// This returns an error if the proxy fails to start, or nil otherwise. When
// ctx is canceled the function drains and returns nil.
func Main(ctx context.Context, args []string, stderr io.Writer) (err error) {
	defer func() {
		// Don't err the caller about normal shutdown scenarios.
		if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}()
	flags, err := parseAndValidateFlags(args)
	if err != nil {
		return fmt.Errorf("failed to parse and validate proxyFlags: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: flags.logLevel}))
	l.Info("starting modelmux",
		slog.String("version", version.Version),
		slog.String("configPath", flags.configPath),
	)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := flags.addr
	if addr == "" {
		addr = cfg.ProxySettings.Server.Addr()
	}
	network, address := listenAddress(addr)
	proxyLis, err := listen(ctx, "proxy", network, address)
	if err != nil {
		return err
	}
	if network == "unix" {
		// Let clients in the same group reach the socket.
		if err = os.Chmod(address, 0o775); err != nil {
			return fmt.Errorf("failed to change UDS permission: %w", err)
		}
	}

	adminLis, err := listen(ctx, "admin server", "tcp", fmt.Sprintf(":%d", flags.adminPort))
	if err != nil {
		return err
	}

	m, err := metrics.NewMetricsFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	tr, err := tracing.NewTracingFromEnv(ctx, os.Stdout)
	if err != nil {
		return err
	}

	tracker := &recorder.Tracker{}
	var sink recorder.RowSink
	var logDB *logstore.Store
	if db := cfg.GeneralSettings.Database; db != nil && db.Path != "" {
		if logDB, err = logstore.Open(ctx, db.Path); err != nil {
			return fmt.Errorf("failed to open request log store: %w", err)
		}
		sink = logDB
		l.Info("request log store enabled", slog.String("path", db.Path))
	}
	recorders := recorder.NewFactory(cfg.GeneralSettings.LogDir, sink, tracker, l)

	var durable cache.Cache
	var redisCache *cache.RedisCache
	if rs := cfg.GeneralSettings.Redis; rs != nil && rs.Address != "" {
		if redisCache, err = cache.NewRedisCache(cache.RedisConfig{
			Addr:     rs.Address,
			Password: rs.Password,
			DB:       rs.DB,
		}); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		durable = redisCache
		l.Info("durable response state enabled", slog.String("address", rs.Address))
	}
	states, err := statestore.New(0, durable, tracker, l)
	if err != nil {
		return err
	}

	reg := registry.New(l)
	routes := router.New(reg, l)
	srv := server.New(server.Options{
		Router:    routes,
		Registry:  reg,
		Recorders: recorders,
		States:    states,
		Metrics:   metrics.NewRequestMetricsFactory(m.Meter()),
		Tracing:   tr,
		Logger:    l,
	})

	if err = config.StartWatcher(ctx, flags.configPath, receivers{reg, routes, srv}, l, configWatchInterval); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	// The added layer is seeded after the first config load so shadowed names
	// are dropped against the current defaults.
	if p := cfg.GeneralSettings.AddedModelsPath; p != "" {
		am, aerr := config.LoadAddedModels(p)
		if aerr != nil {
			return fmt.Errorf("failed to load added models: %w", aerr)
		}
		reg.LoadAdded(am)
	}

	adminServer := startAdminServer(adminLis, l, m.Registry())

	proxyServer := &http.Server{
		Handler: srv.Handler(),
		// No WriteTimeout: streamed responses are open-ended.
		ReadHeaderTimeout: 120 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancelShutdown()

		// New registrations stop first; in-flight requests drain, then the
		// recorder flushes before the stores close.
		reg.Close()
		if err := proxyServer.Shutdown(shutdownCtx); err != nil {
			l.Error("failed to shutdown proxy server gracefully", "error", err)
			_ = proxyServer.Close()
		}
		if err := tracker.Wait(shutdownCtx); err != nil {
			l.Error("failed to flush request logs", "error", err)
		}
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			l.Error("failed to shutdown admin server gracefully", "error", err)
		}
		if err := tr.Shutdown(shutdownCtx); err != nil {
			l.Error("failed to shutdown tracing gracefully", "error", err)
		}
		if err := m.Shutdown(shutdownCtx); err != nil {
			l.Error("failed to shutdown metrics gracefully", "error", err)
		}
		routes.CloseIdleConnections()
		if logDB != nil {
			if err := logDB.Close(); err != nil {
				l.Error("failed to close request log store", "error", err)
			}
		}
		if redisCache != nil {
			if err := redisCache.Close(); err != nil {
				l.Error("failed to close redis client", "error", err)
			}
		}
	}()

	// Emit the startup message once all listeners are ready.
	l.Info("modelmux proxy is ready",
		slog.String("address", proxyLis.Addr().String()),
		slog.String("adminAddress", adminLis.Addr().String()),
	)
	err = proxyServer.Serve(proxyLis)
	cancel()
	<-shutdownDone
	return err
}

func listen(ctx context.Context, name, network, address string) (net.Listener, error) {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for %s: %w", name, err)
	}
	return lis, nil
}

// listenAddress returns the network and address for the given address flag.
func listenAddress(addrFlag string) (string, string) {
	if after, ok := strings.CutPrefix(addrFlag, "unix://"); ok {
		_ = os.Remove(after) // Remove the socket file if it exists.
		return "unix", after
	}
	return "tcp", addrFlag
}
