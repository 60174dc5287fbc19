package stack

import (
	"encoding/binary"
	"math/big"
)

// Uint128 is an unsigned 128-bit integer (spec.md §3 types
// FunctionMBInstructions and DBByteSeconds as u128: a function that
// burns 10^9 instructions per call at 128MB, called many times across
// the default 1-day solana_usage_report_interval, plausibly overflows
// a uint64 running total).
type Uint128 struct {
	Hi, Lo uint64
}

// Uint128FromUint64 lifts a small value into Uint128.
func Uint128FromUint64(v uint64) Uint128 {
	return Uint128{Lo: v}
}

// Add returns u+other with carry propagated from the low word.
func (u Uint128) Add(other Uint128) Uint128 {
	lo := u.Lo + other.Lo
	hi := u.Hi + other.Hi
	if lo < u.Lo {
		hi++
	}
	return Uint128{Hi: hi, Lo: lo}
}

// IsZero reports whether u is zero.
func (u Uint128) IsZero() bool {
	return u.Hi == 0 && u.Lo == 0
}

// Bytes returns the big-endian 16-byte encoding of u, the same layout
// chain.UsageUpdate's Seed already uses for its own 128-bit value.
func (u Uint128) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], u.Hi)
	binary.BigEndian.PutUint64(b[8:], u.Lo)
	return b
}

// BigInt converts u to an arbitrary-precision integer for signing and
// display.
func (u Uint128) BigInt() *big.Int {
	i := new(big.Int).SetUint64(u.Hi)
	i.Lsh(i, 64)
	i.Or(i, new(big.Int).SetUint64(u.Lo))
	return i
}

// String renders u in decimal.
func (u Uint128) String() string {
	return u.BigInt().String()
}

// UsageVector is the monoidal unit of billable resource consumption: the
// identity is the zero value and Add is commutative and associative, so
// aggregation never depends on event ordering.
type UsageVector struct {
	FunctionMBInstructions Uint128
	DBByteSeconds          Uint128
	DBReads                uint64
	DBWrites               uint64
	GatewayRequests        uint64
	GatewayTrafficBytes    uint64
}

// Add returns the component-wise sum of v and other.
func (v UsageVector) Add(other UsageVector) UsageVector {
	return UsageVector{
		FunctionMBInstructions: v.FunctionMBInstructions.Add(other.FunctionMBInstructions),
		DBByteSeconds:          v.DBByteSeconds.Add(other.DBByteSeconds),
		DBReads:                v.DBReads + other.DBReads,
		DBWrites:               v.DBWrites + other.DBWrites,
		GatewayRequests:        v.GatewayRequests + other.GatewayRequests,
		GatewayTrafficBytes:    v.GatewayTrafficBytes + other.GatewayTrafficBytes,
	}
}

// IsZero reports whether v is the additive identity.
func (v UsageVector) IsZero() bool {
	return v == UsageVector{}
}
