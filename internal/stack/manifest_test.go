package stack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSpec_RoundTrip(t *testing.T) {
	spec := Spec{
		Name:    "checkout",
		Version: 3,
		Services: []Service{
			{
				Kind: ServiceFunction,
				Function: &Function{
					Name:             "handle",
					BinaryLocator:    "sha256:deadbeef",
					Runtime:          RuntimeWasi1_0,
					Env:              []EnvVar{{Key: "STAGE", Value: "prod"}},
					MemoryLimitBytes: 128 << 20,
				},
			},
			{
				Kind: ServiceGateway,
				Gateway: &Gateway{
					Name: "http",
					Endpoints: []Endpoint{
						{
							Path: "/orders",
							Routes: []EndpointRoute{
								{Method: MethodGet, RouteToFunction: "assembly.handle"},
							},
						},
					},
				},
			},
			{Kind: ServiceKeyValueTable, KVTable: &KeyValueTable{Name: "sessions", Delete: false}},
			{Kind: ServiceStorageBucket, Bucket: &StorageBucket{Name: "uploads", Delete: true}},
		},
	}

	encoded, err := EncodeSpec(spec)
	require.NoError(t, err)

	decoded, err := DecodeSpec(encoded)
	require.NoError(t, err)
	require.Equal(t, spec, decoded)

	reencoded, err := EncodeSpec(decoded)
	require.NoError(t, err)
	require.Equal(t, encoded, reencoded)
}

// TestDecodeSpec_TrailingEmptyStringField guards against readFull treating a
// zero-length final read as EOF: a manifest whose last field is an empty
// string (here, the last route's RouteToFunction) must still decode.
func TestDecodeSpec_TrailingEmptyStringField(t *testing.T) {
	spec := Spec{
		Name:    "demo",
		Version: 1,
		Services: []Service{
			{
				Kind: ServiceGateway,
				Gateway: &Gateway{
					Name: "http",
					Endpoints: []Endpoint{
						{
							Path: "/ping",
							Routes: []EndpointRoute{
								{Method: MethodGet, RouteToFunction: ""},
							},
						},
					},
				},
			},
		},
	}

	encoded, err := EncodeSpec(spec)
	require.NoError(t, err)

	decoded, err := DecodeSpec(encoded)
	require.NoError(t, err)
	require.Equal(t, spec, decoded)

	reencoded, err := EncodeSpec(decoded)
	require.NoError(t, err)
	require.Equal(t, encoded, reencoded)
}

func TestDecodeSpec_RejectsBadMagic(t *testing.T) {
	_, err := DecodeSpec([]byte{0x00, 0x00})
	require.Error(t, err)
}

func TestDecodeSpec_RejectsShortRead(t *testing.T) {
	spec := Spec{Name: "x", Version: 1}
	encoded, err := EncodeSpec(spec)
	require.NoError(t, err)

	_, err = DecodeSpec(encoded[:len(encoded)-1])
	require.Error(t, err)
}
