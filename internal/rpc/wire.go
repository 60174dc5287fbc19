// Package rpc is the internal, node-to-node request/response transport
// (spec.md §4.5): "A request-response transport between executor nodes.
// The message set is minimal: ExecuteFunction(FunctionId, Request) ->
// Response | Error." Framing follows the shape of the original
// executor's own hand-rolled connection manager (length-delimited
// frames over a TLS stream, per-request correlation instead of one
// stream per request) rather than grpc, since this repo cannot invoke
// protoc.
package rpc

import (
	"errors"

	"github.com/muprotocol/mu/internal/runtime"
	"github.com/muprotocol/mu/internal/stack"
)

// FrameKind tags a wire Frame.
type FrameKind uint8

const (
	frameRequest FrameKind = iota
	frameResponse
)

// ErrorKind enumerates the distinct RPC error kinds spec.md §4.5 names.
type ErrorKind string

const (
	ErrKindNotOwner        ErrorKind = "NotOwner"
	ErrKindUnknownStack    ErrorKind = "UnknownStack"
	ErrKindUnknownFunction ErrorKind = "UnknownFunction"
	ErrKindRuntimeError    ErrorKind = "RuntimeError"
	ErrKindTimeout         ErrorKind = "Timeout"
)

// RemoteError is a structured error a peer sent back for one request.
type RemoteError struct {
	Kind   ErrorKind
	Detail string
}

func (e *RemoteError) Error() string {
	return string(e.Kind) + ": " + e.Detail
}

// ErrConnectionClosed is returned to any request still pending when its
// underlying connection drops.
var ErrConnectionClosed = errors.New("rpc: connection closed")

// frame is the single wire type gob encodes; exactly one of the payload
// fields is meaningful, selected by Kind and, for responses, whether Err
// is nil.
type frame struct {
	ID       uint64
	Kind     FrameKind
	Function stack.FunctionID
	Request  runtime.Request
	Response runtime.Response
	Err      *RemoteError
}
