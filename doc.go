// Package vibedb implements a transparent PostgreSQL proxy that enforces a
// safety policy on the wire: it decodes the v3 protocol just far enough to
// classify each submitted statement, evaluates an ordered rule chain
// (honeytoken tables, DROP/TRUNCATE, DELETE/UPDATE without WHERE, live
// row-impact limits), and either forwards the client's bytes bit-for-bit or
// synthesizes a protocol-correct error without ever contacting upstream.
//
// The row-impact rule runs a SELECT COUNT(*) probe over a dedicated
// side-channel pool, never the client's own connection or transaction, so
// the estimate is approximate under concurrent writes. Probe failures
// block; the proxy never fails open.
//
// # Usage
//
//	p, err := vibedb.New(ctx, vibedb.Config{
//		ListenAddr:  "0.0.0.0:6543",
//		UpstreamURL: "postgres://app@db:5432/app",
//		Limits:      vibedb.LimitsConfig{MaxRows: 500, Enforce: true},
//		Security:    vibedb.SecurityConfig{Honeytokens: []string{"_vibedb_canary"}},
//	}, auditor, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer p.Close(ctx)
//
//	if err := p.ListenAndServe(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Every policy decision and session lifecycle transition is appended to the
// audit logger as a structured record. Blocked statements receive an
// ErrorResponse followed by ReadyForQuery(idle); the session stays open.
package vibedb
