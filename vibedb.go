package vibedb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vibedb/vibedb/internal/audit"
	"github.com/vibedb/vibedb/internal/metrics"
	"github.com/vibedb/vibedb/internal/policy"
	"github.com/vibedb/vibedb/internal/probe"
)

// Proxy is the core engine: it accepts client connections, runs one Session
// per connection, and owns the shared side-channel pool used by the
// row-impact estimator. All exported methods are safe for concurrent use.
type Proxy struct {
	config       Config
	upstreamAddr string // host:port for raw TCP forwarding
	pool         *pgxpool.Pool
	engine       *policy.Engine
	auditor      *audit.Logger
	metrics      *metrics.Metrics
	logger       zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions sync.WaitGroup
}

// New creates a Proxy. Panics on invalid config (the caller's bug); returns
// an error only for runtime failures such as pool creation.
func New(ctx context.Context, config Config, auditor *audit.Logger, logger zerolog.Logger) (*Proxy, error) {
	if config.ListenAddr == "" {
		panic("vibedb: listen_addr must be non-empty")
	}
	if config.UpstreamURL == "" {
		panic("vibedb: upstream_url must be non-empty")
	}
	if auditor == nil {
		panic("vibedb: audit logger must be non-nil")
	}

	// Apply defaults for zero values.
	if config.Probe.MaxConns == 0 {
		config.Probe.MaxConns = defaultProbeMaxConns
	}
	if config.Probe.DefaultTimeoutSeconds == 0 {
		config.Probe.DefaultTimeoutSeconds = defaultProbeTimeoutSeconds
	}
	if config.Probe.MaxConns < 0 {
		panic("vibedb: probe.max_conns must be > 0")
	}
	if config.Probe.DefaultTimeoutSeconds < 0 {
		panic("vibedb: probe.default_timeout_seconds must be > 0")
	}

	// The upstream URL serves two purposes: the side-channel pool connects
	// with full credentials, and raw client traffic is forwarded to the same
	// host and port over plain TCP.
	poolConfig, err := pgxpool.ParseConfig(config.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream URL: %w", err)
	}
	poolConfig.MaxConns = int32(config.Probe.MaxConns)
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	upstreamAddr := net.JoinHostPort(poolConfig.ConnConfig.Host,
		fmt.Sprintf("%d", poolConfig.ConnConfig.Port))

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe pool: %w", err)
	}

	timeoutRules := make([]probe.Rule, len(config.Probe.TimeoutRules))
	for i, r := range config.Probe.TimeoutRules {
		timeoutRules[i] = probe.Rule{
			Pattern: r.Pattern,
			Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
		}
	}
	m := metrics.New()
	prober, err := probe.New(pool, probe.Config{
		DefaultTimeout: time.Duration(config.Probe.DefaultTimeoutSeconds) * time.Second,
		Rules:          timeoutRules,
	}, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	engine, err := policy.NewEngine(policy.Config{
		MaxRows:     config.Limits.MaxRows,
		Enforce:     config.Limits.Enforce,
		Honeytokens: config.Security.Honeytokens,
	}, instrumentedEstimator{inner: prober, metrics: m})
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Proxy{
		config:       config,
		upstreamAddr: upstreamAddr,
		pool:         pool,
		engine:       engine,
		auditor:      auditor,
		metrics:      m,
		logger:       logger,
	}, nil
}

// Ping verifies the side-channel pool can reach the upstream database.
func (p *Proxy) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Metrics exposes the proxy's Prometheus collectors.
func (p *Proxy) Metrics() *metrics.Metrics { return p.metrics }

// Addr returns the bound listener address, or nil before ListenAndServe has
// bound it.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// ListenAndServe accepts client connections until ctx is cancelled or Close
// is called, running each connection as an independent Session. A session's
// transport or protocol errors never disturb the listener or other sessions.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	p.logger.Info().
		Str("listen_addr", p.config.ListenAddr).
		Str("upstream", p.upstreamAddr).
		Int64("max_rows", p.config.Limits.MaxRows).
		Bool("enforce", p.config.Limits.Enforce).
		Strs("honeytokens", p.config.Security.Honeytokens).
		Msg("proxy listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		p.metrics.SessionsTotal.Inc()
		p.metrics.SessionsActive.Inc()
		p.sessions.Add(1)
		go func() {
			defer p.sessions.Done()
			defer p.metrics.SessionsActive.Dec()
			s := newSession(p, conn)
			s.run(ctx)
		}()
	}
}

// Close stops accepting, waits for in-flight sessions to tear down, and
// closes the probe pool. Accepts a context for API forward-compatibility.
func (p *Proxy) Close(ctx context.Context) {
	p.mu.Lock()
	ln := p.listener
	p.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	p.sessions.Wait()
	p.pool.Close()
}

// instrumentedEstimator wraps the prober with metrics.
type instrumentedEstimator struct {
	inner   policy.Estimator
	metrics *metrics.Metrics
}

func (e instrumentedEstimator) Estimate(ctx context.Context, table, sql string) (int64, error) {
	start := time.Now()
	n, err := e.inner.Estimate(ctx, table, sql)
	e.metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.ProbeFailures.Inc()
	}
	return n, err
}
