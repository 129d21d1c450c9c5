package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vibedb/vibedb/internal/classify"
)

// fakeEstimator returns a fixed estimate or error and records the call.
type fakeEstimator struct {
	estimate int64
	err      error
	calls    int
	table    string
	sql      string
}

func (f *fakeEstimator) Estimate(_ context.Context, table, sql string) (int64, error) {
	f.calls++
	f.table = table
	f.sql = sql
	return f.estimate, f.err
}

func newEngine(t *testing.T, config Config, est Estimator) *Engine {
	t.Helper()
	e, err := NewEngine(config, est)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e
}

func evaluate(e *Engine, sql string) Decision {
	return e.Evaluate(context.Background(), classify.Classify(sql), sql)
}

func TestSelectPassesThrough(t *testing.T) {
	t.Parallel()
	est := &fakeEstimator{}
	e := newEngine(t, Config{MaxRows: 500, Enforce: true}, est)

	d := evaluate(e, "SELECT * FROM users WHERE id = 1")
	if d.Blocked() {
		t.Fatalf("SELECT blocked: %+v", d)
	}
	if est.calls != 0 {
		t.Error("SELECT must not trigger a probe")
	}
}

func TestDeleteWithoutWhereBlocked(t *testing.T) {
	t.Parallel()
	est := &fakeEstimator{}
	e := newEngine(t, Config{MaxRows: 500, Enforce: true}, est)

	d := evaluate(e, "DELETE FROM orders")
	if !d.Blocked() {
		t.Fatal("expected block")
	}
	if d.Rule != RuleDangerous {
		t.Errorf("expected rule %q, got %q", RuleDangerous, d.Rule)
	}
	if d.Reason != "missing WHERE clause" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if !strings.Contains(d.Hint, "orders") {
		t.Errorf("hint should name the table: %q", d.Hint)
	}
	if est.calls != 0 {
		t.Error("blocked statement must not trigger a probe")
	}
}

func TestUpdateWithoutWhereBlocked(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{MaxRows: 500, Enforce: true}, &fakeEstimator{})
	d := evaluate(e, "UPDATE users SET active = false")
	if !d.Blocked() || d.Rule != RuleDangerous {
		t.Fatalf("expected dangerous-statement block, got %+v", d)
	}
}

func TestDropAndTruncateBlocked(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{MaxRows: 500, Enforce: true}, &fakeEstimator{})

	d := evaluate(e, "DROP TABLE users")
	if !d.Blocked() || d.Rule != RuleDangerous {
		t.Fatalf("expected DROP block, got %+v", d)
	}
	if d.Reason != "DROP statements are blocked" {
		t.Errorf("unexpected reason %q", d.Reason)
	}

	d = evaluate(e, "TRUNCATE audit_log")
	if !d.Blocked() || d.Reason != "TRUNCATE statements are blocked" {
		t.Fatalf("expected TRUNCATE block, got %+v", d)
	}
}

func TestRowImpactUnderThresholdAllowed(t *testing.T) {
	t.Parallel()
	est := &fakeEstimator{estimate: 3}
	e := newEngine(t, Config{MaxRows: 500, Enforce: true}, est)

	d := evaluate(e, "DELETE FROM orders WHERE customer_id = 42")
	if d.Blocked() {
		t.Fatalf("under-threshold DELETE blocked: %+v", d)
	}
	if d.RowEstimate != 3 {
		t.Errorf("expected estimate 3, got %d", d.RowEstimate)
	}
	if est.table != "orders" {
		t.Errorf("probe called with table %q", est.table)
	}
}

func TestRowImpactOverThresholdBlocked(t *testing.T) {
	t.Parallel()
	est := &fakeEstimator{estimate: 1200}
	e := newEngine(t, Config{MaxRows: 500, Enforce: true}, est)

	d := evaluate(e, "DELETE FROM orders WHERE created_at < now()")
	if !d.Blocked() {
		t.Fatal("expected block")
	}
	if d.Rule != RuleRowImpact {
		t.Errorf("expected rule %q, got %q", RuleRowImpact, d.Rule)
	}
	if d.Reason != "exceeds row limit (1200 > 500)" {
		t.Errorf("unexpected reason %q", d.Reason)
	}
	if d.RowEstimate != 1200 {
		t.Errorf("expected estimate in decision, got %d", d.RowEstimate)
	}
}

func TestRowImpactExactThresholdAllowed(t *testing.T) {
	t.Parallel()
	est := &fakeEstimator{estimate: 500}
	e := newEngine(t, Config{MaxRows: 500, Enforce: true}, est)
	if d := evaluate(e, "DELETE FROM t WHERE a = 1"); d.Blocked() {
		t.Fatalf("estimate equal to the limit must pass: %+v", d)
	}
}

func TestAdvisoryModeAllowsOverThreshold(t *testing.T) {
	t.Parallel()
	est := &fakeEstimator{estimate: 9000}
	e := newEngine(t, Config{MaxRows: 500, Enforce: false}, est)

	d := evaluate(e, "UPDATE users SET active = false WHERE signup < '2020-01-01'")
	if d.Blocked() {
		t.Fatalf("advisory mode must not block: %+v", d)
	}
	if !d.Advisory {
		t.Error("expected advisory mark")
	}
	if d.RowEstimate != 9000 {
		t.Errorf("expected estimate 9000, got %d", d.RowEstimate)
	}
}

func TestProbeFailureBlocksInBothModes(t *testing.T) {
	t.Parallel()
	for _, enforce := range []bool{true, false} {
		est := &fakeEstimator{err: errors.New("connection refused")}
		e := newEngine(t, Config{MaxRows: 500, Enforce: enforce}, est)

		d := evaluate(e, "DELETE FROM orders WHERE id = 1")
		if !d.Blocked() {
			t.Fatalf("enforce=%v: probe failure must block", enforce)
		}
		if d.Reason != "cannot verify row impact" {
			t.Errorf("unexpected reason %q", d.Reason)
		}
	}
}

func TestMaxRowsZeroDisablesProbe(t *testing.T) {
	t.Parallel()
	est := &fakeEstimator{estimate: 1 << 40}
	e := newEngine(t, Config{MaxRows: 0, Enforce: true}, est)

	d := evaluate(e, "DELETE FROM orders WHERE id = 1")
	if d.Blocked() {
		t.Fatalf("probe disabled but blocked: %+v", d)
	}
	if est.calls != 0 {
		t.Error("probe ran with MaxRows <= 0")
	}
}

func TestHoneytokenBlocksAllKinds(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{MaxRows: 500, Enforce: true,
		Honeytokens: []string{"_vibedb_canary"}}, &fakeEstimator{})

	for _, sql := range []string{
		"SELECT * FROM _vibedb_canary",
		"INSERT INTO _vibedb_canary VALUES (1)",
		"DELETE FROM _vibedb_canary WHERE id = 1",
		"DROP TABLE _vibedb_canary",
		"SELECT * FROM public._vibedb_canary",
		"SELECT * FROM \"_vibedb_canary\"",
	} {
		d := evaluate(e, sql)
		if !d.Blocked() {
			t.Errorf("%q not blocked", sql)
			continue
		}
		if d.Rule != RuleHoneytoken {
			t.Errorf("%q blocked by %q, want %q", sql, d.Rule, RuleHoneytoken)
		}
		if d.Reason != "honeytoken access denied" {
			t.Errorf("%q: unexpected reason %q", sql, d.Reason)
		}
	}
}

func TestHoneytokenBeatsOtherRules(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{MaxRows: 500, Enforce: true,
		Honeytokens: []string{"_vibedb_canary"}}, &fakeEstimator{})

	// Also a missing-WHERE DELETE; the honeytoken rule must decide first.
	d := evaluate(e, "DELETE FROM _vibedb_canary")
	if d.Rule != RuleHoneytoken {
		t.Errorf("expected honeytoken rule, got %q", d.Rule)
	}
}

func TestHoneytokenLiteralPatternMatchesAnywhere(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{MaxRows: 500, Enforce: true,
		Honeytokens: []string{"_vibedb_canary"}}, &fakeEstimator{})

	// The canary is only joined, not the target table.
	d := evaluate(e, "SELECT u.* FROM users u JOIN _vibedb_canary c ON c.id = u.id")
	if !d.Blocked() {
		t.Fatal("canary referenced in join must still block")
	}
}

func TestHoneytokenWildcardPattern(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{MaxRows: 500, Enforce: true,
		Honeytokens: []string{"canary_*"}}, &fakeEstimator{})

	if d := evaluate(e, "SELECT * FROM canary_users"); !d.Blocked() {
		t.Error("wildcard pattern should match target table")
	}
	if d := evaluate(e, "SELECT * FROM users"); d.Blocked() {
		t.Error("wildcard pattern should not match unrelated table")
	}
	// Wildcard patterns match extracted tables only, never raw text.
	if d := evaluate(e, "SELECT 'canary_users'"); d.Blocked() {
		t.Error("wildcard pattern must not match statement text")
	}
}

func TestHoneytokenCaseInsensitive(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{MaxRows: 500, Enforce: true,
		Honeytokens: []string{"_VibeDB_Canary"}}, &fakeEstimator{})
	if d := evaluate(e, "select * from _VIBEDB_CANARY"); !d.Blocked() {
		t.Error("honeytoken match must be case-insensitive")
	}
}

func TestInvalidHoneytokenPattern(t *testing.T) {
	t.Parallel()
	_, err := NewEngine(Config{Honeytokens: []string{"[unclosed"}}, nil)
	if err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestOtherStatementsPass(t *testing.T) {
	t.Parallel()
	e := newEngine(t, Config{MaxRows: 500, Enforce: true}, &fakeEstimator{})
	for _, sql := range []string{"BEGIN", "COMMIT", "SET search_path TO app", "CREATE TABLE t (id int)"} {
		if d := evaluate(e, sql); d.Blocked() {
			t.Errorf("%q blocked: %+v", sql, d)
		}
	}
}
