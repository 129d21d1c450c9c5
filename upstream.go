package vibedb

import (
	"errors"
	"io"
	"time"

	"github.com/vibedb/vibedb/internal/wire"
)

const dialTimeout = 10 * time.Second

// blockSQLState is the SQLSTATE class reported on every synthesized block.
const blockSQLState = "42000"

// backendUnavailable is the FATAL response sent when the upstream cannot be
// dialed at session start.
func backendUnavailable() []byte {
	return wire.ErrorResponse("FATAL", "08001",
		"database currently not available", "", "try again later")
}

// relayResponses copies upstream frames to the client one whole message at a
// time. Reading framed rather than raw keeps synthesized error responses
// from ever landing inside a server message, and lets the session observe
// the first ReadyForQuery to mark authentication complete.
func (s *session) relayResponses() {
	sawReady := false
	for {
		tag, frame, err := wire.ReadFrame(s.upstream)
		if err != nil {
			if !isDisconnect(err) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.logger.Warn().Err(err).Msg("upstream read failed")
			}
			// A backend lost mid-session gets reported to the client; a
			// teardown the session itself started does not.
			if s.currentState() != stateClosing && s.currentState() != stateClosed {
				s.writeClient(backendUnavailable())
			}
			return
		}
		if err := s.writeClient(frame); err != nil {
			if !isDisconnect(err) {
				s.logger.Warn().Err(err).Msg("client write failed")
			}
			// Unblock the upstream read so the relay exits promptly.
			s.upstream.Close()
			return
		}
		if !sawReady && tag == wire.TagReadyForQuery {
			sawReady = true
			s.transition(stateReady)
		}
	}
}
