package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	vibedb "github.com/vibedb/vibedb"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vibedb/vibedb/internal/audit"
)

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Load ServerConfig
	serverConfig, err := loadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. Resolve upstream connection string
	if connString := os.Getenv("VIBEDB_PG_CONNSTRING"); connString != "" {
		serverConfig.UpstreamURL = connString
	}
	if serverConfig.UpstreamURL == "" {
		return fmt.Errorf("no upstream database configured: set upstream_url or VIBEDB_PG_CONNSTRING")
	}

	// 3. Setup logger and audit sink
	logger := setupLogger(serverConfig.Logging)
	auditor, auditClose, err := setupAudit(serverConfig.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit output: %w", err)
	}
	defer auditClose()

	if isTTY(os.Stderr.Fd()) {
		printBanner(os.Stderr, true)
	}

	// 4. Create the proxy
	p, err := vibedb.New(ctx, serverConfig.Config, auditor, logger)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	defer p.Close(context.Background())

	// 5. Test database connection
	logger.Info().Msg("testing database connection")
	if err := p.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("database connection test failed")
		return fmt.Errorf("database connection test failed: %w", err)
	}
	logger.Info().Msg("database connection test successful")

	// 6. Optional Prometheus endpoint
	if serverConfig.Metrics.Enabled {
		if serverConfig.Metrics.Addr == "" {
			panic("vibedb: metrics.addr must be set when metrics.enabled is true")
		}
		path := serverConfig.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux := http.NewServeMux()
		mux.Handle(path, promhttp.HandlerFor(p.Metrics().Registry(),
			promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(serverConfig.Metrics.Addr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		logger.Info().
			Str("addr", serverConfig.Metrics.Addr).
			Str("path", path).
			Msg("metrics endpoint enabled")
	}

	logger.Info().
		Str("listen_addr", serverConfig.ListenAddr).
		Msgf("connect through the proxy: postgres://<user>@%s/<db>", serverConfig.ListenAddr)
	return p.ListenAndServe(ctx)
}

// loadServerConfig reads the JSON config file. A missing file is not an
// error: defaults apply and environment variables fill in the rest.
func loadServerConfig() (*vibedb.ServerConfig, error) {
	configPath := os.Getenv("VIBEDB_CONFIG_PATH")
	if configPath == "" {
		configPath = ".vibedb/config.json"
	}

	var config vibedb.ServerConfig
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.ListenAddr == "" {
		config.ListenAddr = vibedb.DefaultListenAddr
	}
	if addr := os.Getenv("VIBEDB_LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if config.Limits.MaxRows == 0 {
		config.Limits.MaxRows = vibedb.DefaultMaxRows
		config.Limits.Enforce = true
	}
	if len(config.Security.Honeytokens) == 0 {
		config.Security.Honeytokens = []string{vibedb.DefaultCanary}
	}
	return &config, nil
}

func setupLogger(config vibedb.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	output := openOutput(config.Output, os.Stderr)
	if config.Format == "text" {
		output = zerolog.ConsoleWriter{Out: output}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// setupAudit opens the audit sink. The returned closer is a no-op for the
// standard streams.
func setupAudit(config vibedb.AuditConfig) (*audit.Logger, func(), error) {
	switch config.Output {
	case "", "stdout":
		return audit.New(os.Stdout), func() {}, nil
	case "stderr":
		return audit.New(os.Stderr), func() {}, nil
	}
	f, err := os.OpenFile(config.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return audit.New(f), func() { f.Close() }, nil
}

func openOutput(name string, fallback io.Writer) io.Writer {
	switch name {
	case "stdout":
		return os.Stdout
	case "", "stderr":
		return fallback
	}
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fallback
	}
	return f
}
