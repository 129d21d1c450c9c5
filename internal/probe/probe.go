// Package probe implements the row-impact estimator: it derives a
// SELECT COUNT(*) probe from a DELETE/UPDATE statement, validates the
// derived SQL with PostgreSQL's own parser, and executes it over a dedicated
// side-channel pool, never the client's in-flight connection. The estimate
// is therefore approximate under concurrent writes and differing MVCC
// snapshots.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/rs/zerolog"

	"github.com/vibedb/vibedb/internal/classify"
)

// ErrProbe wraps every estimator failure: malformed derived SQL, probe
// timeout, or side-channel connection failure. Callers treat any ErrProbe
// as "cannot verify row impact".
var ErrProbe = errors.New("row-impact probe failed")

// Rule maps a SQL pattern to a probe timeout.
type Rule struct {
	Pattern string
	Timeout time.Duration
}

// Config is the prober's own config type.
type Config struct {
	DefaultTimeout time.Duration
	Rules          []Rule
}

// Prober executes row-impact probes. Safe for concurrent use; concurrent
// probes from different sessions share the pool without a common lock.
type Prober struct {
	pool     *pgxpool.Pool
	timeouts *manager
	logger   zerolog.Logger
}

// New creates a Prober on the given side-channel pool. Returns an error for
// invalid timeout rule patterns.
func New(pool *pgxpool.Pool, config Config, logger zerolog.Logger) (*Prober, error) {
	if config.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("probe: default timeout must be > 0")
	}
	m, err := newManager(config)
	if err != nil {
		return nil, err
	}
	return &Prober{pool: pool, timeouts: m, logger: logger}, nil
}

// Estimate returns the number of rows the statement's WHERE clause currently
// matches. table and sql come from the statement's classification and
// original text. The derived probe never re-enters policy evaluation.
func (p *Prober) Estimate(ctx context.Context, table, sql string) (int64, error) {
	probeSQL, err := DeriveCountSQL(table, sql)
	if err != nil {
		return 0, err
	}
	if _, err := pg_query.Parse(probeSQL); err != nil {
		return 0, fmt.Errorf("%w: malformed derived SQL: %v", ErrProbe, err)
	}

	timeout := p.timeouts.timeoutFor(sql)
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var count int64
	if err := p.pool.QueryRow(probeCtx, probeSQL).Scan(&count); err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			return 0, fmt.Errorf("%w: timed out after %s", ErrProbe, timeout)
		}
		return 0, fmt.Errorf("%w: %v", ErrProbe, err)
	}

	p.logger.Debug().
		Str("probe_sql", probeSQL).
		Int64("estimate", count).
		Dur("duration", time.Since(start)).
		Msg("row-impact probe executed")
	return count, nil
}

// tailKeywords are clause heads that are valid at the end of a DELETE/UPDATE
// but invalid inside a COUNT form; everything from the earliest one onward
// is stripped from the extracted WHERE clause.
var tailKeywords = []string{"ORDER", "LIMIT", "OFFSET", "RETURNING"}

// DeriveCountSQL builds the probe statement
// "SELECT COUNT(*) FROM <table> WHERE <clause>" from a DELETE/UPDATE with a
// top-level WHERE. The clause is the literal statement text from the WHERE
// keyword to the end, minus trailing modifiers and the statement terminator.
func DeriveCountSQL(table, sql string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("%w: no target table extracted", ErrProbe)
	}
	clause, ok := classify.WhereClause(sql)
	if !ok {
		return "", fmt.Errorf("%w: no top-level WHERE clause", ErrProbe)
	}

	cut := len(clause)
	for _, kw := range tailKeywords {
		if idx, _ := classify.TopLevelKeyword(clause, kw); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	clause = strings.TrimSpace(clause[:cut])
	clause = strings.TrimSpace(strings.TrimSuffix(clause, ";"))
	if clause == "" {
		return "", fmt.Errorf("%w: empty WHERE clause", ErrProbe)
	}

	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", quoteQualified(table), clause), nil
}

// quoteQualified double-quotes each dot-separated part of a table name so
// the normalized name from classification round-trips safely into the probe.
func quoteQualified(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}
