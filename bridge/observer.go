package bridge

import (
	"errors"

	"hop.computer/wsbridge/common"
	"hop.computer/wsbridge/frame"
	"hop.computer/wsbridge/handshake"
	"hop.computer/wsbridge/proxy"
	"hop.computer/wsbridge/routing"
)

// Observer is notified of session events. Implementations must be safe for
// concurrent use.
type Observer interface {
	SessionOpened()
	SessionClosed(outcome Outcome)
	MessageRelayed(d proxy.Direction, n int)
}

type nopObserver struct{}

func (nopObserver) SessionOpened()                      {}
func (nopObserver) SessionClosed(Outcome)               {}
func (nopObserver) MessageRelayed(proxy.Direction, int) {}

// Outcome classifies how a session ended.
type Outcome string

// Session outcomes.
const (
	OutcomeRoutingError      Outcome = "routing_error"
	OutcomeConnectError      Outcome = "connect_error"
	OutcomeSignatureMismatch Outcome = "signature_mismatch"
	OutcomeIncompatible      Outcome = "incompatible_protocol"
	OutcomeFrameError        Outcome = "frame_error"
	OutcomeClosed            Outcome = "closed"
	OutcomeSocketError       Outcome = "socket_error"
)

// Outcomes lists every Outcome.
var Outcomes = []Outcome{
	OutcomeRoutingError,
	OutcomeConnectError,
	OutcomeSignatureMismatch,
	OutcomeIncompatible,
	OutcomeFrameError,
	OutcomeClosed,
	OutcomeSocketError,
}

// OutcomeOf classifies the error returned by Session.Run.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeClosed
	case errors.Is(err, routing.ErrRouting):
		return OutcomeRoutingError
	case errors.Is(err, ErrConnect):
		return OutcomeConnectError
	case errors.Is(err, handshake.ErrSignatureMismatch):
		return OutcomeSignatureMismatch
	case errors.Is(err, handshake.ErrIncompatibleProtocol):
		return OutcomeIncompatible
	case errors.Is(err, frame.ErrFrameTooLarge), errors.Is(err, frame.ErrInvalidUTF8):
		return OutcomeFrameError
	case errors.Is(err, ErrSessionClosed), common.IsExpectedCloseError(err):
		return OutcomeClosed
	default:
		return OutcomeSocketError
	}
}
