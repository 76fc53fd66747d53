package handshake

import (
	"encoding/json"
	"fmt"
	"io"

	"hop.computer/wsbridge/frame"
)

// Accept runs the server side of the handshake over rw: it verifies the
// client signature, answers with Signature, reads the compatibility request
// and echoes its id and command back. The bridge never calls Accept; it
// exists for upstream implementations and tests.
func Accept(rw io.ReadWriter, limits frame.Limits) (*CompatibilityRequest, error) {
	if err := readSignature(rw); err != nil {
		return nil, err
	}
	if _, err := rw.Write(Signature[:]); err != nil {
		return nil, fmt.Errorf("handshake: unable to send signature: %w", err)
	}

	payload, err := frame.ReadText(rw, limits)
	if err != nil {
		return nil, &IncompatibleError{Err: fmt.Errorf("unable to read request: %w", err)}
	}
	var req CompatibilityRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, &IncompatibleError{Err: fmt.Errorf("malformed request: %w", err)}
	}
	if req.Command != CompatibilityCommand {
		return nil, &IncompatibleError{Command: req.Command}
	}

	b, err := json.Marshal(CompatibilityResponse{ID: req.ID, Command: req.Command})
	if err != nil {
		return nil, err
	}
	if err := frame.Write(rw, b, limits); err != nil {
		return nil, err
	}
	return &req, nil
}
