package audit

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestDecisionRecordFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := New(&buf)

	l.Decision(Record{
		SessionID:   "sess-1",
		ClientAddr:  "127.0.0.1:50001",
		Kind:        "DELETE",
		Table:       "orders",
		RowEstimate: 1200,
		Outcome:     "block",
		Rule:        "row_impact",
		Reason:      "exceeds row limit (1200 > 500)",
		SQL:         "DELETE FROM orders WHERE created_at < '?'",
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	if rec["event"] != "decision" {
		t.Errorf("event = %v", rec["event"])
	}
	if rec["session_id"] != "sess-1" || rec["outcome"] != "block" {
		t.Errorf("unexpected record: %v", rec)
	}
	if rec["table"] != "orders" || rec["rule"] != "row_impact" {
		t.Errorf("unexpected record: %v", rec)
	}
	if rec["row_estimate"] != float64(1200) {
		t.Errorf("row_estimate = %v", rec["row_estimate"])
	}
	if rec["stmt_fingerprint"] == "" {
		t.Error("missing statement fingerprint")
	}
	if _, ok := rec["time"]; !ok {
		t.Error("missing timestamp")
	}
}

func TestDecisionOmitsEmptyOptionalFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := New(&buf)

	l.Decision(Record{
		SessionID:   "sess-2",
		ClientAddr:  "127.0.0.1:50002",
		Kind:        "SELECT",
		RowEstimate: -1,
		Outcome:     "allow",
		SQL:         "SELECT 1",
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	for _, key := range []string{"table", "rule", "reason", "row_estimate", "advisory"} {
		if _, ok := rec[key]; ok {
			t.Errorf("field %q should be omitted for a default allow", key)
		}
	}
}

func TestLifecycleRecord(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := New(&buf)

	l.Lifecycle("sess-3", "127.0.0.1:50003", "connecting", "authenticating")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	if rec["event"] != "lifecycle" || rec["from"] != "connecting" || rec["to"] != "authenticating" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestFingerprintStable(t *testing.T) {
	t.Parallel()
	a := Fingerprint("DELETE FROM t WHERE id = 1")
	b := Fingerprint("DELETE FROM t WHERE id = 1")
	c := Fingerprint("DELETE FROM t WHERE id = 2")
	if a != b {
		t.Error("same text must fingerprint identically")
	}
	if a == c {
		t.Error("different text must fingerprint differently")
	}
	if len(a) != 16 {
		t.Errorf("expected 16 hex digits, got %q", a)
	}
}

func TestRedactLiterals(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"DELETE FROM t WHERE name = 'alice'", "DELETE FROM t WHERE name = '?'"},
		{"UPDATE t SET a = 'x', b = 'y'", "UPDATE t SET a = '?', b = '?'"},
		{"SELECT 'it''s quoted'", "SELECT '?'"},
		{"SELECT 'unterminated", "SELECT '?'"},
	}
	for _, tc := range cases {
		if got := RedactLiterals(tc.in); got != tc.want {
			t.Errorf("RedactLiterals(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
