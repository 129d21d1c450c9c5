package vibedb

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vibedb/vibedb/internal/audit"
	"github.com/vibedb/vibedb/internal/classify"
	"github.com/vibedb/vibedb/internal/policy"
	"github.com/vibedb/vibedb/internal/wire"
)

// sessionState is the per-connection lifecycle state.
type sessionState int

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateReady
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateReady:
		return "ready"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// statement is a cached prepared statement with its memoized classification.
type statement struct {
	name  string
	sql   string
	class classify.Classification
}

// session exclusively owns one client connection and one upstream
// connection. The request loop is pull-based: the next client message is
// read only after the current one is fully resolved, so no byte of a
// blocked statement ever reaches upstream.
type session struct {
	id         string
	proxy      *Proxy
	client     net.Conn
	upstream   net.Conn
	clientAddr string
	logger     zerolog.Logger

	decoder    *wire.Decoder
	cache      *classify.Cache
	statements map[string]*statement
	portals    map[string]*statement

	// pending holds an extended-protocol batch (Parse, Bind, Describe, ...)
	// that has not been forwarded because its Execute decision is still
	// open. skipToSync mirrors the backend's skip-until-Sync error recovery.
	pending    [][]byte
	skipToSync bool

	// writeMu serializes client writes: the response relay and synthesized
	// error responses both write whole frames to the client.
	writeMu sync.Mutex

	stateMu sync.Mutex
	state   sessionState
}

func newSession(p *Proxy, client net.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:         id,
		proxy:      p,
		client:     client,
		clientAddr: client.RemoteAddr().String(),
		logger:     p.logger.With().Str("session_id", id).Logger(),
		decoder:    &wire.Decoder{},
		cache:      classify.NewCache(),
		statements: make(map[string]*statement),
		portals:    make(map[string]*statement),
		state:      stateConnecting,
	}
}

// run drives the session to completion and tears everything down. Errors
// are confined to this session.
func (s *session) run(ctx context.Context) {
	defer s.client.Close()
	s.audit().Lifecycle(s.id, s.clientAddr, "", stateConnecting.String())

	upstream, err := net.DialTimeout("tcp", s.proxy.upstreamAddr, dialTimeout)
	if err != nil {
		s.logger.Error().Err(err).Str("upstream", s.proxy.upstreamAddr).Msg("upstream connect failed")
		s.writeClient(backendUnavailable())
		s.transition(stateClosed)
		return
	}
	s.upstream = upstream
	defer upstream.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		s.relayResponses()
		// Upstream gone: unblock the request loop's client read.
		s.client.Close()
	}()

	if err := s.requestLoop(ctx); err != nil && !isDisconnect(err) {
		s.logger.Warn().Err(err).Msg("session ended with error")
	}

	s.transition(stateClosing)
	s.client.Close()
	s.upstream.Close()
	<-relayDone
	s.transition(stateClosed)
}

// requestLoop reads, decodes, polices, and forwards client messages one at a
// time until disconnect, Terminate, or a fatal protocol error.
func (s *session) requestLoop(ctx context.Context) error {
	buf := make([]byte, 8192)
	for {
		msg, err := s.decoder.Next()
		if errors.Is(err, wire.ErrIncomplete) {
			n, rerr := s.client.Read(buf)
			if n > 0 {
				s.decoder.Feed(buf[:n])
			}
			if rerr != nil {
				return rerr
			}
			continue
		}
		if err != nil {
			// Malformed or unsupported-version: fatal to this session only.
			s.writeClient(wire.ErrorResponse("FATAL", "08P01", "protocol violation", err.Error(), ""))
			return err
		}

		done, err := s.handleMessage(ctx, msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// handleMessage resolves one decoded message. done is true on Terminate.
func (s *session) handleMessage(ctx context.Context, msg wire.Message) (done bool, err error) {
	// Mirror the backend's error recovery: after a blocked extended-protocol
	// statement, ignore everything until the client's Sync.
	if s.skipToSync {
		switch msg.(type) {
		case wire.Sync:
			s.skipToSync = false
			return false, s.writeClient(wire.ReadyForQuery(wire.TxIdle))
		case wire.Terminate:
			return true, s.forwardUpstream(msg.Raw())
		default:
			return false, nil
		}
	}

	switch m := msg.(type) {
	case wire.Startup:
		return false, s.handleStartup(m)

	case wire.SimpleQuery:
		// A pending batch ahead of a simple query is flushed first to keep
		// upstream ordering identical to the client's.
		if err := s.flushPending(); err != nil {
			return false, err
		}
		return false, s.police(ctx, s.cache.Classify(m.SQL), m.SQL, m.Raw())

	case wire.Parse:
		st := &statement{name: m.Name, sql: m.SQL, class: s.cache.Classify(m.SQL)}
		s.statements[m.Name] = st
		s.pending = append(s.pending, m.Raw())
		return false, nil

	case wire.Bind:
		if st, ok := s.statements[m.Statement]; ok {
			s.portals[m.Portal] = st
		} else {
			delete(s.portals, m.Portal)
		}
		s.pending = append(s.pending, m.Raw())
		return false, nil

	case wire.Execute:
		st := s.portals[m.Portal]
		if st == nil {
			// Unknown portal: classify as OTHER and let upstream report it.
			st = &statement{}
		}
		return false, s.police(ctx, st.class, st.sql, m.Raw())

	case wire.Close:
		switch m.Kind {
		case 'S':
			delete(s.statements, m.Name)
		case 'P':
			delete(s.portals, m.Name)
		}
		return false, s.forwardOrQueue(m.Raw())

	case wire.Sync:
		if err := s.flushPending(); err != nil {
			return false, err
		}
		return false, s.forwardUpstream(m.Raw())

	case wire.Terminate:
		if err := s.flushPending(); err != nil {
			return false, err
		}
		return true, s.forwardUpstream(m.Raw())

	case wire.Opaque:
		return false, s.forwardOrQueue(m.Raw())

	default:
		return false, s.forwardOrQueue(msg.Raw())
	}
}

// handleStartup forwards startup-phase messages, answering SSL and GSSENC
// upgrade requests locally with a denial so both directions stay framed.
func (s *session) handleStartup(m wire.Startup) error {
	if m.IsSSLRequest() || m.IsGSSENCRequest() {
		return s.writeClient(wire.SSLDenied)
	}
	if err := s.forwardUpstream(m.Raw()); err != nil {
		return err
	}
	if !m.IsCancelRequest() {
		s.transition(stateAuthenticating)
	}
	return nil
}

// police finalizes the policy decision for one statement, then either
// forwards its bytes (flushing any pending batch first) or synthesizes the
// block response. raw is the triggering message (SimpleQuery or Execute).
func (s *session) police(ctx context.Context, class classify.Classification, sql string, raw []byte) error {
	decision := s.proxy.engine.Evaluate(ctx, class, sql)

	rule := decision.Rule
	if rule == "" {
		rule = "default"
	}
	s.proxy.metrics.Decisions.WithLabelValues(decision.Outcome.String(), rule).Inc()
	s.audit().Decision(audit.Record{
		SessionID:   s.id,
		ClientAddr:  s.clientAddr,
		Kind:        class.Kind.String(),
		Table:       class.Table,
		RowEstimate: decision.RowEstimate,
		Outcome:     decision.Outcome.String(),
		Rule:        decision.Rule,
		Reason:      decision.Reason,
		Advisory:    decision.Advisory,
		SQL:         audit.RedactLiterals(sql),
	})

	if decision.Blocked() {
		s.pending = nil
		return s.synthesizeBlock(decision, raw)
	}

	if decision.RowEstimate >= 0 {
		s.logger.Info().
			Str("table", class.Table).
			Int64("row_estimate", decision.RowEstimate).
			Bool("advisory", decision.Advisory).
			Msg("destructive statement allowed")
	}
	if err := s.flushPending(); err != nil {
		return err
	}
	return s.forwardUpstream(raw)
}

// synthesizeBlock answers a blocked statement without contacting upstream.
// Simple queries get ErrorResponse + ReadyForQuery immediately; extended-
// protocol statements get the ErrorResponse now and ReadyForQuery at the
// client's Sync, exactly as a real backend reports errors.
func (s *session) synthesizeBlock(d policy.Decision, raw []byte) error {
	detail := "blocked by rule " + d.Rule
	resp := wire.ErrorResponse("ERROR", blockSQLState, d.Reason, detail, d.Hint)
	if len(raw) > 0 && raw[0] == wire.TagExecute {
		s.skipToSync = true
		return s.writeClient(resp)
	}
	if err := s.writeClient(resp); err != nil {
		return err
	}
	return s.writeClient(wire.ReadyForQuery(wire.TxIdle))
}

// flushPending forwards a buffered extended-protocol batch in arrival order.
func (s *session) flushPending() error {
	for _, raw := range s.pending {
		if err := s.forwardUpstream(raw); err != nil {
			return err
		}
	}
	s.pending = nil
	return nil
}

// forwardOrQueue appends to the pending batch when one is open, otherwise
// forwards directly.
func (s *session) forwardOrQueue(raw []byte) error {
	if len(s.pending) > 0 {
		s.pending = append(s.pending, raw)
		return nil
	}
	return s.forwardUpstream(raw)
}

func (s *session) forwardUpstream(raw []byte) error {
	_, err := s.upstream.Write(raw)
	return err
}

func (s *session) writeClient(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.client.Write(b)
	return err
}

func (s *session) audit() *audit.Logger { return s.proxy.auditor }

func (s *session) currentState() sessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// transition moves the session state and records the lifecycle event.
func (s *session) transition(to sessionState) {
	s.stateMu.Lock()
	from := s.state
	if from == to || from == stateClosed {
		s.stateMu.Unlock()
		return
	}
	s.state = to
	s.stateMu.Unlock()
	s.audit().Lifecycle(s.id, s.clientAddr, from.String(), to.String())
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
