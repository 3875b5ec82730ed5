package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

type MessageType string

const (
	TypeSuccess MessageType = "success"
	TypeError   MessageType = "error"
	TypeEvent   MessageType = "event"
)

// Command is a client-to-relay request.
type Command struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type SuccessResponse struct {
	Type   MessageType `json:"type"`
	ID     uint64      `json:"id"`
	Result any         `json:"result"`
}

type ErrorResponse struct {
	Type    MessageType `json:"type"`
	ID      *uint64     `json:"id"`
	Error   ErrorCode   `json:"error"`
	Message string      `json:"message"`
}

type EventMessage struct {
	Type   MessageType `json:"type"`
	Method string      `json:"method"`
	Params any         `json:"params"`
}

// Incoming is the union of everything the relay sends, used by clients to
// decode a frame before knowing its type.
type Incoming struct {
	Type    MessageType     `json:"type"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   ErrorCode       `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// DecodeCommand parses a raw frame. A frame that is not valid JSON or lacks
// an id or method yields an invalid argument error; the returned command
// still carries the id when one could be read.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, InvalidArgument("malformed command: %v", err)
	}
	if cmd.ID == nil {
		return cmd, InvalidArgument("command is missing an id")
	}
	if cmd.Method == "" {
		return cmd, InvalidArgument("command %d is missing a method", *cmd.ID)
	}
	return cmd, nil
}

// NewCommand builds a command with params encoded as JSON.
func NewCommand(id uint64, method string, params any) (Command, error) {
	cmd := Command{ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Command{}, fmt.Errorf("encoding %s params: %w", method, err)
		}
		cmd.Params = raw
	}
	return cmd, nil
}

// DecodeParams unmarshals command params into dst. Missing params decode as
// an empty object; type mismatches are reported as invalid argument.
func DecodeParams(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return InvalidArgument("invalid params: %v", err)
	}
	return nil
}

func Success(id uint64, result any) SuccessResponse {
	if result == nil {
		result = struct{}{}
	}
	return SuccessResponse{Type: TypeSuccess, ID: id, Result: result}
}

// Failure converts err into an error response. Non-protocol errors are
// reported as unknown error with their message.
func Failure(id *uint64, err error) ErrorResponse {
	resp := ErrorResponse{Type: TypeError, ID: id, Error: CodeOf(err)}
	var pe *Error
	if errors.As(err, &pe) {
		resp.Message = pe.Message
	} else {
		resp.Message = err.Error()
	}
	return resp
}

func Event(method string, params any) EventMessage {
	return EventMessage{Type: TypeEvent, Method: method, Params: params}
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func DecodeIncoming(data []byte) (Incoming, error) {
	var in Incoming
	if err := json.Unmarshal(data, &in); err != nil {
		return Incoming{}, fmt.Errorf("decoding frame: %w", err)
	}
	return in, nil
}
