// Command dispatchd runs the policy-driven DNS dispatcher: it loads a
// TOML configuration (spec.md §6), builds the rule engine and upstream
// resolver pool, and serves UDP/TCP (and optionally DNS-over-TLS) on the
// configured bind address. Bootstrap sequencing follows the teacher's
// cmd/glory-hole/main.go (config watcher → logger → telemetry → server →
// signal-driven graceful shutdown), trimmed to this dispatcher's narrower
// component set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"dispatchd/internal/adminapi"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatcher"
	"dispatchd/internal/logging"
	"dispatchd/internal/querylog"
	"dispatchd/internal/servertls"
	"dispatchd/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.StringVar(configPath, "c", "config.toml", "Path to configuration file (shorthand)")
	flag.Parse()

	os.Exit(run(*configPath))
}

func run(configPath string) int {
	ctx := context.Background()

	watcher, err := config.NewWatcher(configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	cfg, rt := watcher.Config(), watcher.Runtime()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	logging.SetGlobal(logger)
	logger.Info("dispatchd starting", "config", configPath, "bind", cfg.Bind)

	telem, err := telemetry.New(ctx, telemetry.Config{Enabled: cfg.Telemetry.Enabled, Listen: cfg.Telemetry.Listen}, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		return 1
	}

	var qlog *querylog.Log
	if cfg.QueryLog.Enabled {
		qlog, err = querylog.Open(cfg.QueryLog.Path, logger, 1024)
		if err != nil {
			logger.Error("failed to open query log", "error", err)
			return 1
		}
	}

	queryTimeout := time.Duration(cfg.QueryTimeoutSeconds * float64(time.Second))
	disp := dispatcher.New(rt.Upstreams, rt.Engine, logger, queryTimeout, telem)

	udpServer := &dns.Server{Addr: cfg.Bind, Net: "udp", Handler: disp}
	tcpServer := &dns.Server{Addr: cfg.Bind, Net: "tcp", Handler: disp}

	var tlsServer *dns.Server
	var tlsMgr *servertls.Manager
	if cfg.TLSListen.Enabled {
		tlsMgr, err = servertls.New(servertls.Config{
			Domain:     cfg.TLSListen.Domain,
			Email:      cfg.TLSListen.ACMEEmail,
			CFAPIToken: cfg.TLSListen.CFAPIToken,
			CacheDir:   cfg.TLSListen.CacheDir,
		}, logger)
		if err != nil {
			logger.Error("failed to provision DoT certificate", "error", err)
			return 1
		}
		tlsServer = &dns.Server{Addr: cfg.TLSListen.Listen, Net: "tcp-tls", Handler: disp, TLSConfig: tlsMgr.TLSConfig()}
	}

	var admin *adminapi.Server
	if cfg.Admin.Enabled {
		admin = adminapi.New(cfg.Admin.Listen, adminapi.Credentials{
			Username: cfg.Admin.Username, Password: cfg.Admin.Password,
		}, qlog, logger)
	}

	watcher.OnChange(func(newRt *config.Runtime) {
		disp.Swap(newRt.Upstreams, newRt.Engine)
		logger.Info("dispatcher runtime reloaded")
	})

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()
	go func() {
		if err := watcher.Start(watcherCtx); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 3)
	go func() {
		if err := udpServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("udp server: %w", err)
		}
	}()
	go func() {
		if err := tcpServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("tcp server: %w", err)
		}
	}()
	if tlsServer != nil {
		go func() {
			if err := tlsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("tls server: %w", err)
			}
		}()
	}
	if admin != nil {
		go func() {
			if err := admin.Start(); err != nil {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	logger.Info("dispatchd is running", "bind", cfg.Bind, "upstreams", len(rt.Upstreams))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = udpServer.ShutdownContext(shutdownCtx)
	_ = tcpServer.ShutdownContext(shutdownCtx)
	if tlsServer != nil {
		_ = tlsServer.ShutdownContext(shutdownCtx)
	}
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
	if tlsMgr != nil {
		tlsMgr.Close()
	}
	if qlog != nil {
		_ = qlog.Close()
	}
	_ = watcher.Close()
	_ = telem.Shutdown(shutdownCtx)
	rt.Close()

	logger.Info("dispatchd stopped")
	return 0
}
