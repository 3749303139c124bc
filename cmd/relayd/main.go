package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"tailscale.com/tsnet"

	"github.com/loppo-llc/relayd/internal/apiserver"
	"github.com/loppo-llc/relayd/internal/auth"
	"github.com/loppo-llc/relayd/internal/config"
	"github.com/loppo-llc/relayd/internal/discovery"
	"github.com/loppo-llc/relayd/internal/lock"
	"github.com/loppo-llc/relayd/internal/mux"
	"github.com/loppo-llc/relayd/internal/pathguard"
	"github.com/loppo-llc/relayd/internal/ratelimit"
	"github.com/loppo-llc/relayd/internal/registry"
	"github.com/loppo-llc/relayd/internal/terminal"
)

var version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to relayd.toml (defaults built in if absent)")
	dev := flag.Bool("dev", false, "enable verbose logging")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("relayd", version)
		return
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if cfg.Auth.PSK == "" {
		logger.Error("auth.psk is required; set it in the config file")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authenticator := auth.New(cfg.Auth.PSK, logger)

	bridge := terminal.New(terminal.Config{
		BatchInterval:      cfg.Term.BatchInterval.Duration,
		BufferCap:          cfg.Term.BufferCap,
		BackpressureLimit:  cfg.Term.BackpressureLimit,
		HeartbeatInterval:  cfg.Term.HeartbeatInterval.Duration,
		MaxMissedPongs:     cfg.Term.MaxMissedPongs,
		OrphanReapInterval: cfg.Term.OrphanReapInterval.Duration,
	}, logger)

	muxMgr := mux.New(mux.Config{
		Binary:      cfg.Mux.Binary,
		CLIBinary:   cfg.Mux.CLIBinary,
		Prefix:      cfg.Mux.Prefix,
		Cols:        cfg.Mux.Cols,
		Rows:        cfg.Mux.Rows,
		MaxSessions: cfg.Mux.MaxSessions,
		CacheTTL:    cfg.Mux.CacheTTL.Duration,
	}, bridge, logger)

	disco := discovery.New(cfg.Paths.LogDir, cfg.Paths.ConfigDir, logger)
	if err := disco.Start(); err != nil {
		logger.Error("failed to start session discovery", "err", err)
		os.Exit(1)
	}

	reg := registry.New(disco, muxMgr, bridge)
	locks := lock.New()
	rateLimiter := ratelimit.New(5 * time.Second)
	guard := pathguard.New(cfg.Paths.ProjectRoots)

	if err := os.MkdirAll(cfg.Paths.ConfigDir, 0o700); err != nil {
		logger.Warn("failed to create config dir", "err", err)
	}

	if owned, err := muxMgr.Reconcile(ctx); err != nil {
		logger.Warn("startup reconciliation failed", "err", err)
	} else if len(owned) > 0 {
		logger.Info("adopted pre-existing owned windows at startup", "count", len(owned))
	}

	scheduler := cron.New()
	scheduler.AddFunc("@every 10s", authenticator.Sweep)
	scheduler.AddFunc("@every 60s", rateLimiter.Sweep)
	scheduler.AddFunc("@every 60s", bridge.ReapOrphans)
	scheduler.Start()

	srv := apiserver.New(apiserver.Config{
		Addr:        cfg.Listen.Addr,
		Version:     version,
		CLIName:     cfg.Mux.CLIBinary,
		OriginHosts: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	}, authenticator, reg, muxMgr, bridge, disco, locks, rateLimiter, guard, logger)

	var tsServer *tsnet.Server
	if *local || *dev || !cfg.Listen.Tailscale {
		ln, err := listenWithFallback(cfg.Listen.Addr, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		logger.Info("relayd listening", "addr", ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		tsServer = &tsnet.Server{
			Hostname: cfg.Listen.Hostname,
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}
		ln, err := tsServer.ListenTLS("tcp", cfg.Listen.Addr)
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}
		logger.Info("relayd listening via tailscale", "hostname", cfg.Listen.Hostname)
		go func() {
			if lc, err := tsServer.LocalClient(); err == nil {
				if status, err := lc.Status(ctx); err == nil && status.Self != nil {
					dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
					logger.Info("tailnet address", "dns", dnsName)
				}
			}
			if err := srv.Serve(ln); err != nil {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
		defer tsServer.Close()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	scheduler.Stop()
	disco.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func listenWithFallback(addr string, logger *slog.Logger) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	startPort, err := strconv.Atoi(portStr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	const maxAttempts = 10
	for i := range maxAttempts {
		port := startPort + i
		candidate := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", candidate)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
