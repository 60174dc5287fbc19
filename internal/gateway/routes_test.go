package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muprotocol/mu/internal/stack"
)

func testSpec() stack.Spec {
	return stack.Spec{
		Name:    "demo",
		Version: 1,
		Services: []stack.Service{
			{Kind: stack.ServiceFunction, Function: &stack.Function{Name: "handle"}},
			{
				Kind: stack.ServiceGateway,
				Gateway: &stack.Gateway{
					Name: "http",
					Endpoints: []stack.Endpoint{
						{
							Path: "/orders",
							Routes: []stack.EndpointRoute{
								{Method: stack.MethodGet, RouteToFunction: "assembly.handle"},
								{Method: stack.MethodPost, RouteToFunction: "assembly.handle"},
							},
						},
					},
				},
			},
		},
	}
}

func TestTable_MatchResolvesRegisteredRoute(t *testing.T) {
	tbl := NewTable()
	id := stack.ID{1}
	tbl.Put(7, id, testSpec())

	target, region, status := tbl.Match(id, stack.MethodGet, "/orders")
	require.Equal(t, MatchOK, status)
	require.EqualValues(t, 7, region)
	require.Equal(t, id, target.StackID)
	require.Equal(t, "assembly", target.AssemblyName)
	require.Equal(t, "handle", target.FunctionName)
}

func TestTable_MatchReportsMethodNotAllowedOnKnownPath(t *testing.T) {
	tbl := NewTable()
	id := stack.ID{2}
	tbl.Put(1, id, testSpec())

	_, _, status := tbl.Match(id, stack.MethodDelete, "/orders")
	require.Equal(t, MatchMethodNotAllowed, status)
}

func TestTable_MatchReportsNoPathOnUnknownStack(t *testing.T) {
	tbl := NewTable()
	_, _, status := tbl.Match(stack.ID{9}, stack.MethodGet, "/orders")
	require.Equal(t, MatchNoPath, status)
}

func TestTable_MatchReportsNoPathOnUnknownPath(t *testing.T) {
	tbl := NewTable()
	id := stack.ID{5}
	tbl.Put(1, id, testSpec())

	_, _, status := tbl.Match(id, stack.MethodGet, "/unknown")
	require.Equal(t, MatchNoPath, status)
}

func TestTable_RemoveDropsRoutes(t *testing.T) {
	tbl := NewTable()
	id := stack.ID{3}
	tbl.Put(1, id, testSpec())
	tbl.Remove(id)

	_, _, status := tbl.Match(id, stack.MethodGet, "/orders")
	require.Equal(t, MatchNoPath, status)
}

func TestTable_PutIgnoresMalformedRouteTarget(t *testing.T) {
	spec := stack.Spec{
		Services: []stack.Service{
			{
				Kind: stack.ServiceGateway,
				Gateway: &stack.Gateway{
					Endpoints: []stack.Endpoint{
						{Path: "/bad", Routes: []stack.EndpointRoute{{Method: stack.MethodGet, RouteToFunction: "no-dot-here"}}},
					},
				},
			},
		},
	}
	tbl := NewTable()
	id := stack.ID{4}
	tbl.Put(1, id, spec)

	_, _, status := tbl.Match(id, stack.MethodGet, "/bad")
	require.Equal(t, MatchNoPath, status)
}
