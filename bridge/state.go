package bridge

import "fmt"

// State is the lifecycle state of a Session. States only move forward.
type State int32

// Session states, in order.
const (
	Connecting State = iota
	Handshaking
	Relaying
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
