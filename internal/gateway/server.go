package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/muprotocol/mu/internal/assigner"
	"github.com/muprotocol/mu/internal/chain"
	"github.com/muprotocol/mu/internal/identity"
	"github.com/muprotocol/mu/internal/lifecycle"
	"github.com/muprotocol/mu/internal/membership"
	"github.com/muprotocol/mu/internal/runtime"
	"github.com/muprotocol/mu/internal/stack"
	"github.com/muprotocol/mu/internal/telemetry"
)

// maxRequestBodyBytes bounds an inbound invocation's body so one guest
// can't exhaust the node's memory serving it (spec.md §7 "413 body
// over limit").
const maxRequestBodyBytes = 10 << 20

// Forwarder delivers a function invocation to a remote node over the
// internal RPC transport (spec.md §4.4 step 3, §4.5).
type Forwarder interface {
	ExecuteFunction(ctx context.Context, target identity.NodeID, fn stack.FunctionID, req runtime.Request) (runtime.Response, error)
}

// ErrNotOwner surfaces from Forwarder implementations when the remote
// replies NotOwner (spec.md §4.5), triggering the gateway's one retry.
var ErrNotOwner = errors.New("gateway: remote replied not-owner")

// UsageRecorder accumulates billable events for a stack. usage.Aggregator
// satisfies this; kept as a narrow interface here the way lifecycle.Metrics
// and supervisor.Metrics are, so this package never imports internal/usage.
type UsageRecorder interface {
	Record(id stack.ID, delta stack.UsageVector)
}

// Server is the HTTP entrypoint (spec.md §4.4), built the way
// cycle-start-hosting's api.Server assembles a chi.Router: middleware
// first, then routes, ServeHTTP delegating straight to the router.
type Server struct {
	router     chi.Router
	log        zerolog.Logger
	mx         *telemetry.Registry
	table      *Table
	self       identity.NodeID
	membership *membership.Table
	lifecycle  *lifecycle.Manager
	sandbox    runtime.Sandbox
	forwarder  Forwarder
	chainCli   chain.Client
	handles    func(stack.ID) (runtime.Handle, error)
	usage      UsageRecorder
}

// New builds a gateway Server. handles resolves a stack ID to its local
// runtime.Handle, when Running here (normally lifecycle.Manager.Handle).
func New(self identity.NodeID, table *membership.Table, routes *Table, sbx runtime.Sandbox,
	forwarder Forwarder, chainCli chain.Client, handles func(stack.ID) (runtime.Handle, error),
	usage UsageRecorder, log zerolog.Logger, mx *telemetry.Registry) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        log.With().Str("component", "gateway").Logger(),
		mx:         mx,
		table:      routes,
		self:       self,
		membership: table,
		sandbox:    sbx,
		forwarder:  forwarder,
		chainCli:   chainCli,
		handles:    handles,
		usage:      usage,
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.HandleFunc("/{stackID}/*", s.handleInvoke)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleInvoke implements spec.md §4.4's five-step per-request flow.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	stackIDHex := chi.URLParam(r, "stackID")
	path := "/" + chi.URLParam(r, "*")

	id, ok := parseStackID(stackIDHex)
	if !ok {
		s.reply(w, http.StatusNotFound, nil)
		s.meter("bad_stack_id", start)
		return
	}

	method := stack.HTTPMethod(r.Method)
	target, region, status := s.table.Match(id, method, path)
	switch status {
	case MatchNoPath:
		s.reply(w, http.StatusNotFound, nil)
		s.meter("no_route", start)
		return
	case MatchMethodNotAllowed:
		s.reply(w, http.StatusMethodNotAllowed, nil)
		s.meter("method_not_allowed", start)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reply(w, http.StatusRequestEntityTooLarge, nil)
			s.meter("body_too_large", start)
			return
		}
		s.reply(w, http.StatusBadRequest, nil)
		s.meter("bad_body", start)
		return
	}
	req := runtime.Request{Method: r.Method, Body: body, Headers: headerKVs(r.Header), QueryParams: queryKVs(r.URL.Query())}

	resp, status := s.dispatch(r.Context(), id, region, target, req, true)
	s.reply(w, status, resp)
	s.meter(http.StatusText(status), start)
	s.recordGatewayUsage(id, req, resp)
}

// recordGatewayUsage charges exactly one gateway-requests event (plus its
// request+response byte count) per dispatched external request, regardless
// of whether it was served locally or forwarded (spec.md §4.4 step 4, I5).
func (s *Server) recordGatewayUsage(id stack.ID, req runtime.Request, resp *runtime.Response) {
	if s.usage == nil {
		return
	}
	traffic := uint64(len(req.Body))
	if resp != nil {
		traffic += uint64(len(resp.Body))
	}
	s.usage.Record(id, stack.UsageVector{GatewayRequests: 1, GatewayTrafficBytes: traffic})
}

// dispatch implements ownership resolution and the single-retry rule
// (spec.md §4.4 "a retry (up to one) is issued if the old owner replies
// NotOwner").
func (s *Server) dispatch(ctx context.Context, id stack.ID, region uint32, target stack.FunctionID, req runtime.Request, allowRetry bool) (*runtime.Response, int) {
	snapshot, err := s.membership.Snapshot(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("snapshot failed")
		return nil, http.StatusBadGateway
	}
	owner, err := assigner.Owner(id, membership.AliveNodes(snapshot))
	if err != nil {
		return nil, http.StatusServiceUnavailable
	}

	var resp runtime.Response
	if owner.Equal(s.self) {
		h, err := s.handles(id)
		if err != nil {
			return nil, statusForLifecycleErr(err)
		}
		var derr error
		var delta runtime.UsageDelta
		resp, delta, derr = s.sandbox.Execute(h, target, req)
		if derr != nil {
			return nil, statusForRuntimeErr(derr)
		}
		if s.usage != nil {
			s.usage.Record(id, delta)
		}
	} else {
		var ferr error
		resp, ferr = s.forwarder.ExecuteFunction(ctx, owner, target, req)
		if ferr != nil {
			if errors.Is(ferr, ErrNotOwner) && allowRetry {
				return s.dispatch(ctx, id, region, target, req, false)
			}
			return nil, statusForRuntimeErr(ferr)
		}
	}
	return &resp, resp.Status
}

func statusForLifecycleErr(err error) int {
	if errors.Is(err, lifecycle.ErrNotOwner) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// statusForRuntimeErr maps runtime/RPC faults to HTTP status per
// spec.md §7.
func statusForRuntimeErr(err error) int {
	var fault *runtime.Fault
	if errors.As(err, &fault) {
		switch fault.Kind {
		case "unknown_stack":
			return http.StatusNotFound
		case "unknown_function":
			return http.StatusNotFound
		case "trap", "oom":
			return http.StatusInternalServerError
		case "timeout":
			return http.StatusGatewayTimeout
		}
	}
	return http.StatusBadGateway
}

func (s *Server) reply(w http.ResponseWriter, status int, resp *runtime.Response) {
	if resp == nil {
		w.WriteHeader(status)
		return
	}
	for _, h := range resp.Headers {
		w.Header().Add(h.Key, h.Value)
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) meter(status string, start time.Time) {
	if s.mx == nil {
		return
	}
	s.mx.GatewayRequests.WithLabelValues(status).Inc()
	s.mx.GatewayLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func parseStackID(s string) (stack.ID, bool) {
	var id stack.ID
	if len(s) != len(id)*2 {
		return id, false
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, false
	}
	return id, true
}

func headerKVs(h http.Header) []runtime.KV {
	out := make([]runtime.KV, 0, len(h))
	for k, vs := range h {
		for _, v := range vs {
			out = append(out, runtime.KV{Key: k, Value: v})
		}
	}
	return out
}

func queryKVs(v map[string][]string) []runtime.KV {
	out := make([]runtime.KV, 0, len(v))
	for k, vs := range v {
		for _, val := range vs {
			out = append(out, runtime.KV{Key: k, Value: val})
		}
	}
	return out
}

