package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/GriffinCanCode/webproxy/internal/infrastructure/config"
	"github.com/GriffinCanCode/webproxy/internal/infrastructure/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the environment.
	pflag.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "Listen host")
	pflag.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "Listen port")
	pflag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "Development logging (console, debug level)")
	pflag.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level: debug|info|warn|error")
	pflag.StringVar(&cfg.Logging.File, "log-file", cfg.Logging.File, "Also log to this file, rotated")
	pflag.StringVar(&cfg.Gateway.Upstream, "upstream", cfg.Gateway.Upstream, "Egress for gateway traffic: direct:// | http://host:port | socks5://[user:pass@]host:port")
	pflag.DurationVar(&cfg.Gateway.Timeout, "gateway-timeout", cfg.Gateway.Timeout, "Gateway dial and response header timeout")
	pflag.StringVar(&cfg.Conf.ScriptURL, "conf-script", cfg.Conf.ScriptURL, "URL of the remote configuration script")
	pflag.StringVar(&cfg.Conf.Bootstrap, "conf-bootstrap", cfg.Conf.Bootstrap, "Bootstrap configuration file (.json, .yaml, .toml)")
	pflag.DurationVar(&cfg.Conf.Refresh, "conf-refresh", cfg.Conf.Refresh, "Remote configuration refresh interval")
	pflag.StringVar(&cfg.Proxy.StaticDir, "static", cfg.Proxy.StaticDir, "Directory holding conf.js and favicon.ico")
	pflag.StringVar(&cfg.Proxy.Locale, "locale", cfg.Proxy.Locale, "Default error page language: zh|en")
	pflag.StringVar(&cfg.Storage.DSN, "storage", cfg.Storage.DSN, "sqlite path for persisted state, or \"memory\"")
	pflag.BoolVar(&cfg.RateLimit.Enabled, "rate-limit", cfg.RateLimit.Enabled, "Enable per-IP rate limiting")
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)
	if err := srv.Close(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", runErr)
		os.Exit(1)
	}
}
