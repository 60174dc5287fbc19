package rpc

import (
	"context"
	"crypto/tls"
	"encoding/gob"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/muprotocol/mu/internal/lifecycle"
	"github.com/muprotocol/mu/internal/runtime"
	"github.com/muprotocol/mu/internal/stack"
	"github.com/muprotocol/mu/internal/telemetry"
)

// Handler resolves and executes one function invocation locally. The
// lifecycle Manager and runtime Sandbox satisfy this shape through a
// small adapter (see LocalHandler).
type Handler interface {
	Execute(ctx context.Context, fn stack.FunctionID, req runtime.Request) (runtime.Response, error)
}

// UsageRecorder accumulates billable events for a stack. usage.Aggregator
// satisfies this; kept as a narrow interface here the way gateway.UsageRecorder
// is, so this package never imports internal/usage.
type UsageRecorder interface {
	Record(id stack.ID, delta stack.UsageVector)
}

// LocalHandler adapts a lifecycle Manager + Sandbox pair into a
// Handler, translating lifecycle/runtime errors into the RPC error
// kinds spec.md §4.5 names.
type LocalHandler struct {
	Lifecycle *lifecycle.Manager
	Sandbox   runtime.Sandbox
	Usage     UsageRecorder
}

func (h *LocalHandler) Execute(_ context.Context, fn stack.FunctionID, req runtime.Request) (runtime.Response, error) {
	handle, err := h.Lifecycle.Handle(fn.StackID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotOwner) {
			return runtime.Response{}, &RemoteError{Kind: ErrKindNotOwner, Detail: fn.StackID.String()}
		}
		return runtime.Response{}, &RemoteError{Kind: ErrKindUnknownStack, Detail: err.Error()}
	}
	resp, delta, err := h.Sandbox.Execute(handle, fn, req)
	if err != nil {
		var fault *runtime.Fault
		if errors.As(err, &fault) && fault.Kind == "unknown_function" {
			return runtime.Response{}, &RemoteError{Kind: ErrKindUnknownFunction, Detail: fault.Detail}
		}
		return runtime.Response{}, &RemoteError{Kind: ErrKindRuntimeError, Detail: err.Error()}
	}
	if h.Usage != nil {
		h.Usage.Record(fn.StackID, delta)
	}
	return resp, nil
}

// Server accepts TLS connections from peers and serves ExecuteFunction
// requests against a Handler.
type Server struct {
	listener net.Listener
	handler  Handler
	log      zerolog.Logger
	mx       *telemetry.Registry
}

// NewServer wraps a TLS listener already bound to the node's advertised
// address (spec.md §4.5: "self-signed certificates keyed to NodeId").
func NewServer(tlsListener net.Listener, handler Handler, log zerolog.Logger, mx *telemetry.Registry) *Server {
	return &Server{listener: tlsListener, handler: handler, log: log.With().Str("component", "rpc-server").Logger(), mx: mx}
}

// Serve accepts connections until ctx is cancelled or the listener errs.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	var writeMu sync.Mutex
	enc := gob.NewEncoder(conn)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("rpc connection read error")
			}
			return
		}
		if f.Kind != frameRequest {
			continue
		}
		wg.Add(1)
		go func(f frame) {
			defer wg.Done()
			resp, err := s.handler.Execute(ctx, f.Function, f.Request)
			out := frame{ID: f.ID, Kind: frameResponse, Response: resp}
			var remote *RemoteError
			if err != nil {
				if !errors.As(err, &remote) {
					remote = &RemoteError{Kind: ErrKindRuntimeError, Detail: err.Error()}
				}
				out.Err = remote
			}
			s.recordOutcome(remote)

			writeMu.Lock()
			werr := enc.Encode(out)
			writeMu.Unlock()
			if werr != nil {
				s.log.Debug().Err(werr).Msg("rpc connection write error")
			}
		}(f)
	}
}

func (s *Server) recordOutcome(remote *RemoteError) {
	if s.mx == nil {
		return
	}
	outcome := "ok"
	if remote != nil {
		outcome = string(remote.Kind)
	}
	s.mx.RPCRequests.WithLabelValues(outcome).Inc()
}

// ServerTLSConfig builds a minimal single-cert server TLS configuration
// (spec.md §4.5: self-signed certificates keyed to NodeId, trust anchor
// is the membership row, not a CA).
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}
}
