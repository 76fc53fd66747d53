// Package handshake implements the upstream session handshake: a fixed
// signature exchange followed by a single compatibility negotiation frame in
// each direction.
//
// The wire sequence, as seen from the bridge (the client), is:
//
//	client -> server: Signature (16 raw bytes)
//	server -> client: Signature (16 raw bytes)
//	client -> server: frame {"id", "command", "flags", "content": null, "tags": null}
//	server -> client: frame whose "command" must equal the one sent
//
// Nothing in the handshake is retried. Any failure ends the session.
package handshake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"hop.computer/wsbridge/frame"
)

// SignatureLen is the length of the protocol signature.
const SignatureLen = 16

// Signature identifies the protocol version. It is not a secret.
var Signature = [SignatureLen]byte{
	0xfe, 0xa6, 0xb9, 0x58, 0xda, 0xfb, 0x4f, 0x5c,
	0xb6, 0x20, 0xfe, 0x0a, 0xaf, 0xbd, 0x47, 0xe2,
}

const (
	// CompatibilityCommand is the protocol token carried in every
	// compatibility request and echoed by a compatible server.
	CompatibilityCommand = "173cbbeb-1d81-4e01-bf3c-5d06f9c878c3"

	// CompatibilityFlags is the capability bitmask sent by the bridge.
	CompatibilityFlags uint32 = 2164291649
)

var (
	// ErrSignatureMismatch is returned when the peer's signature differs from
	// Signature, or the peer closes before sending all of it.
	ErrSignatureMismatch = errors.New("handshake: signature mismatch")

	// ErrIncompatibleProtocol is matched by every *IncompatibleError.
	ErrIncompatibleProtocol = errors.New("handshake: incompatible protocol")
)

// IncompatibleError describes a failed compatibility negotiation. Command is
// the value the server answered with, empty if the response could not be
// parsed.
type IncompatibleError struct {
	Command string
	Err     error
}

func (e *IncompatibleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", ErrIncompatibleProtocol, e.Err)
	}
	return fmt.Sprintf("%s, server response: %q", ErrIncompatibleProtocol, e.Command)
}

// Is reports whether target is ErrIncompatibleProtocol.
func (e *IncompatibleError) Is(target error) bool {
	return target == ErrIncompatibleProtocol
}

func (e *IncompatibleError) Unwrap() error {
	return e.Err
}

// CompatibilityRequest is the JSON payload of the client's negotiation
// frame. Content and Tags are reserved and always sent as null.
type CompatibilityRequest struct {
	ID      string           `json:"id"`
	Command string           `json:"command"`
	Flags   uint32           `json:"flags"`
	Content *json.RawMessage `json:"content"`
	Tags    *json.RawMessage `json:"tags"`
}

// CompatibilityResponse holds the only field of the server's reply that the
// bridge inspects.
type CompatibilityResponse struct {
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
}

// Options configures the client side of the handshake.
type Options struct {
	// NewID generates the request id. Defaults to uuid.NewString.
	NewID func() string

	// Limits bounds the response frame.
	Limits frame.Limits
}

// Result describes a successful handshake.
type Result struct {
	RequestID string
	Command   string
}

// Perform runs the client side of the handshake over rw. It blocks until the
// handshake completes or fails; callers bound it with a deadline on the
// underlying connection.
func Perform(rw io.ReadWriter, opts Options) (*Result, error) {
	if err := exchangeSignature(rw); err != nil {
		return nil, err
	}
	return negotiate(rw, opts)
}

func exchangeSignature(rw io.ReadWriter) error {
	if _, err := rw.Write(Signature[:]); err != nil {
		return fmt.Errorf("handshake: unable to send signature: %w", err)
	}
	return readSignature(rw)
}

func readSignature(r io.Reader) error {
	var got [SignatureLen]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}
	if !bytes.Equal(got[:], Signature[:]) {
		return fmt.Errorf("%w: got %x", ErrSignatureMismatch, got)
	}
	return nil
}

// NewCompatibilityRequest returns the request the bridge sends, with the
// given id.
func NewCompatibilityRequest(id string) *CompatibilityRequest {
	return &CompatibilityRequest{
		ID:      id,
		Command: CompatibilityCommand,
		Flags:   CompatibilityFlags,
	}
}

func negotiate(rw io.ReadWriter, opts Options) (*Result, error) {
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	req := NewCompatibilityRequest(newID())
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := frame.Write(rw, b, opts.Limits); err != nil {
		return nil, &IncompatibleError{Err: fmt.Errorf("unable to send request: %w", err)}
	}

	payload, err := frame.ReadText(rw, opts.Limits)
	if err != nil {
		return nil, &IncompatibleError{Err: fmt.Errorf("unable to read response: %w", err)}
	}
	command, err := responseCommand(payload)
	if err != nil {
		return nil, err
	}
	if command != req.Command {
		return nil, &IncompatibleError{Command: command}
	}
	return &Result{RequestID: req.ID, Command: command}, nil
}

// responseCommand extracts the command of a compatibility response. A command
// that is not a JSON string is reported verbatim.
func responseCommand(payload string) (string, error) {
	var resp struct {
		Command json.RawMessage `json:"command"`
	}
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return "", &IncompatibleError{Err: fmt.Errorf("malformed response: %w", err)}
	}
	if len(resp.Command) == 0 {
		return "", nil
	}
	var command string
	if err := json.Unmarshal(resp.Command, &command); err != nil {
		return string(resp.Command), nil
	}
	return command, nil
}
