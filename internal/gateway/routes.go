// Package gateway is the HTTP entrypoint that maps a marketplace stack's
// declared Gateway service (spec.md §4.4) onto its Function services,
// routing each inbound request to whichever node currently owns the
// target stack. Route table shape and middleware stack are adapted from
// cycle-start-hosting's chi-based api.Server.
package gateway

import (
	"strings"
	"sync"

	"github.com/muprotocol/mu/internal/stack"
)

// route is one resolved (method, path) -> function binding for a stack.
type route struct {
	method HTTPMethodKey
	path   string
	target stack.FunctionID
}

// HTTPMethodKey mirrors stack.HTTPMethod but keeps this package's route
// table independent of import cycles with the domain package's naming.
type HTTPMethodKey = stack.HTTPMethod

// Table holds the routing state for every stack the gateway has learned
// about, keyed by stack ID. Rebuilt wholesale on each spec change since
// route tables are small and changes are infrequent (spec.md §4.4).
type Table struct {
	mu     sync.RWMutex
	stacks map[stack.ID]stackRoutes
}

type stackRoutes struct {
	region uint32
	routes []route
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	return &Table{stacks: make(map[stack.ID]stackRoutes)}
}

// Put (re)installs the route set derived from a stack's spec, replacing
// whatever was previously registered for that stack ID.
func (t *Table) Put(region uint32, id stack.ID, spec stack.Spec) {
	var routes []route
	for _, gw := range spec.Gateways() {
		for _, ep := range gw.Endpoints {
			for _, r := range ep.Routes {
				target, ok := resolveTarget(id, r.RouteToFunction)
				if !ok {
					continue
				}
				routes = append(routes, route{method: r.Method, path: ep.Path, target: target})
			}
		}
	}
	t.mu.Lock()
	t.stacks[id] = stackRoutes{region: region, routes: routes}
	t.mu.Unlock()
}

// Remove drops a stack's routes, e.g. on deletion or ownership loss.
func (t *Table) Remove(id stack.ID) {
	t.mu.Lock()
	delete(t.stacks, id)
	t.mu.Unlock()
}

// resolveTarget parses a "<assembly>.<function>" route target.
func resolveTarget(id stack.ID, routeTo string) (stack.FunctionID, bool) {
	parts := strings.SplitN(routeTo, ".", 2)
	if len(parts) != 2 {
		return stack.FunctionID{}, false
	}
	return stack.FunctionID{StackID: id, AssemblyName: parts[0], FunctionName: parts[1]}, true
}

// MatchStatus distinguishes why Match did or didn't find a target, so
// the gateway can tell "no such path" (404) apart from "path exists,
// method doesn't" (405) per spec.md §7's HTTP mapping.
type MatchStatus int

const (
	MatchOK MatchStatus = iota
	MatchNoPath
	MatchMethodNotAllowed
)

// Match finds the function target for a stack, method, and path. Path
// matching is exact string equality; templates like "/users/{id}" are
// not expanded. The marketplace manifest format (spec.md §6) declares
// one Endpoint per literal path.
func (t *Table) Match(id stack.ID, method stack.HTTPMethod, path string) (stack.FunctionID, uint32, MatchStatus) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sr, ok := t.stacks[id]
	if !ok {
		return stack.FunctionID{}, 0, MatchNoPath
	}
	pathKnown := false
	for _, r := range sr.routes {
		if r.path != path {
			continue
		}
		pathKnown = true
		if r.method == method {
			return r.target, sr.region, MatchOK
		}
	}
	if pathKnown {
		return stack.FunctionID{}, 0, MatchMethodNotAllowed
	}
	return stack.FunctionID{}, 0, MatchNoPath
}
