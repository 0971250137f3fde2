package mdmserver

import (
	"github.com/hideaway-io/hideaway/internal/domain"
	"github.com/hideaway-io/hideaway/internal/mdm"
)

// Check-in exchange states. A device walks these strictly forward within
// one exchange; any out-of-order step terminates it.
type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateAwaitingCommand
	stateCommandServed
	stateAcknowledged
)

// checkinSession tracks one device exchange through the protocol steps.
type checkinSession struct {
	state sessionState
	dev   *domain.Device
}

func newCheckinSession() *checkinSession {
	return &checkinSession{state: stateUnauthenticated}
}

// authenticate binds the verified device identity to the session.
func (s *checkinSession) authenticate(dev *domain.Device) error {
	if s.state != stateUnauthenticated {
		return &mdm.ProtocolRejectionError{Detail: "authenticate out of order"}
	}
	s.state = stateAuthenticated
	s.dev = dev
	return nil
}

// requestCommand moves the session to awaiting after check-in state was
// recorded.
func (s *checkinSession) requestCommand() error {
	if s.state != stateAuthenticated {
		return &mdm.ProtocolRejectionError{Detail: "command request before authentication"}
	}
	s.state = stateAwaitingCommand
	return nil
}

// serveCommand records that a bundle left the server. Serving with no
// prior request is a protocol violation.
func (s *checkinSession) serveCommand(seq int64) error {
	if s.state != stateAwaitingCommand {
		return &mdm.ProtocolRejectionError{CommandSeq: seq, Detail: "serve before command request"}
	}
	s.state = stateCommandServed
	return nil
}

// idle closes an exchange that had nothing to deliver.
func (s *checkinSession) idle() error {
	if s.state != stateAwaitingCommand {
		return &mdm.ProtocolRejectionError{Detail: "idle close before command request"}
	}
	s.state = stateAcknowledged
	return nil
}

func (s *checkinSession) device() *domain.Device {
	return s.dev
}
