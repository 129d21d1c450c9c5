// Package audit emits one structured, append-only record per policy decision
// and per session lifecycle transition. Records are zerolog JSON events on a
// dedicated logger whose sink is serialized, so concurrent sessions can
// append safely. Records are never mutated after emission.
package audit

import (
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// Record is one policy decision, captured at the moment the decision is
// final and before any synthesized response or forwarding happens.
type Record struct {
	SessionID   string
	ClientAddr  string
	Kind        string // statement kind (SELECT, DELETE, ...)
	Table       string // target table, may be empty
	RowEstimate int64  // -1 when no probe ran
	Outcome     string // allow | block
	Rule        string // rule that decided, empty for default allow
	Reason      string
	Advisory    bool
	SQL         string // literal-redacted statement text
}

// Logger writes audit records. Safe for concurrent use.
type Logger struct {
	log zerolog.Logger
}

// New creates a Logger appending to w. Writes are serialized through
// zerolog's SyncWriter so records from concurrent sessions never interleave.
func New(w io.Writer) *Logger {
	l := zerolog.New(zerolog.SyncWriter(w)).With().
		Timestamp().
		Str("stream", "audit").
		Logger()
	return &Logger{log: l}
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{log: zerolog.Nop()}
}

// Decision records one policy decision.
func (l *Logger) Decision(r Record) {
	ev := l.log.Info().
		Str("event", "decision").
		Str("session_id", r.SessionID).
		Str("client_addr", r.ClientAddr).
		Str("kind", r.Kind).
		Str("outcome", r.Outcome).
		Str("stmt_fingerprint", Fingerprint(r.SQL)).
		Str("sql", r.SQL)
	if r.Table != "" {
		ev = ev.Str("table", r.Table)
	}
	if r.Rule != "" {
		ev = ev.Str("rule", r.Rule)
	}
	if r.Reason != "" {
		ev = ev.Str("reason", r.Reason)
	}
	if r.RowEstimate >= 0 {
		ev = ev.Int64("row_estimate", r.RowEstimate)
	}
	if r.Advisory {
		ev = ev.Bool("advisory", true)
	}
	ev.Msg("policy decision")
}

// Lifecycle records a session state transition.
func (l *Logger) Lifecycle(sessionID, clientAddr, from, to string) {
	l.log.Info().
		Str("event", "lifecycle").
		Str("session_id", sessionID).
		Str("client_addr", clientAddr).
		Str("from", from).
		Str("to", to).
		Msg("session transition")
}

// Fingerprint returns a stable 16-hex-digit hash of the statement text, a
// correlation key for repeated statements across records.
func Fingerprint(sql string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(sql))
}

// RedactLiterals replaces the contents of single-quoted string literals with
// a placeholder so audit records do not retain literal values. Identifiers,
// keywords, and numbers are preserved.
func RedactLiterals(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	for i := 0; i < len(sql); {
		c := sql[i]
		if c != '\'' {
			b.WriteByte(c)
			i++
			continue
		}
		// Consume the literal, honoring '' escapes.
		i++
		for i < len(sql) {
			if sql[i] == '\'' {
				if i+1 < len(sql) && sql[i+1] == '\'' {
					i += 2
					continue
				}
				i++
				break
			}
			i++
		}
		b.WriteString("'?'")
	}
	return b.String()
}
