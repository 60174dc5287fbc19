// Package runtime is the function-execution capability the spine
// depends on (spec.md §4.6). The sandbox itself is out of narrow scope
// per spec.md §1; this package defines the contract and ships one
// concrete backend grounded in the teacher's podman client.
package runtime

import "github.com/muprotocol/mu/internal/stack"

// KV is an ordered (key, value) pair — spec.md §6 requires headers and
// path/query params to preserve wire order, so these are slices, not maps.
type KV struct {
	Key   string
	Value string
}

// Request is the guest-facing invocation payload, shared by the gateway
// and the internal RPC transport (spec.md §6 wire format).
type Request struct {
	Method      string
	PathParams  []KV
	QueryParams []KV
	Headers     []KV
	Body        []byte
}

// Response is the guest's reply.
type Response struct {
	Status  int
	Headers []KV
	Body    []byte
}

// UsageDelta is the resource consumption one execution produced.
type UsageDelta = stack.UsageVector

// Handle identifies one deployed stack's warmed runtime state (compiled
// artifacts, table/bucket handles) to the capability interface below.
type Handle struct {
	StackID  stack.ID
	Revision uint32
}

// Fault distinguishes the runtime-fault error kinds spec.md §5.9/§7 name.
type Fault struct {
	Kind    string // e.g. "trap", "unknown_handle", "unknown_function", "artifact_fetch"
	Detail  string
	OpaqueID string
}

func (f *Fault) Error() string {
	return f.Kind + ": " + f.Detail
}

// Sandbox is the pluggable execution backend. Any implementation that
// can run guest code and report deterministic memory/instruction usage
// satisfies the spine's needs (spec.md §4.6).
type Sandbox interface {
	Deploy(stackID stack.ID, revision uint32, spec stack.Spec) (Handle, error)
	Undeploy(h Handle) error
	Execute(h Handle, fn stack.FunctionID, req Request) (Response, UsageDelta, error)
}
