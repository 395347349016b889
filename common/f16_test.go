package common

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestF16RoundTripExactValues(t *testing.T) {
	for _, v := range []float32{0, 1, -1, 0.5, 2.5, 3.140625, 1024, -2048, 65504} {
		h := FromFloat32(v)
		assert.Equal(t, v, h.ToFloat32(), "value %g must survive the f16 round trip", v)
	}
}

func TestF16OverflowClampsToLargestFinite(t *testing.T) {
	h := FromFloat32(1e9)
	assert.Equal(t, float32(65504), h.ToFloat32(), "overflow clamps instead of producing Inf")

	h = FromFloat32(-1e9)
	assert.Equal(t, float32(-65504), h.ToFloat32())
}

func TestF16NaNPreserved(t *testing.T) {
	h := FromFloat32(float32(math.NaN()))
	assert.True(t, h.IsNaN())
	assert.True(t, math.IsNaN(float64(h.ToFloat32())))
}

func TestF16SubnormalRoundTrip(t *testing.T) {
	// The smallest positive subnormal half is 2^-24.
	small := float32(math.Ldexp(1, -24))
	h := FromFloat32(small)
	assert.Equal(t, small, h.ToFloat32())
}

func TestF16SignedZero(t *testing.T) {
	neg := FromFloat32(float32(math.Copysign(0, -1)))
	assert.Equal(t, float32(0), neg.ToFloat32())
	assert.True(t, math.Signbit(float64(neg.ToFloat32())))
}

func TestF16Bool(t *testing.T) {
	assert.True(t, BoolF16(true).Bool())
	assert.False(t, BoolF16(false).Bool())
	assert.Equal(t, float32(1), BoolF16(true).ToFloat32())
	assert.Equal(t, float32(0), BoolF16(false).ToFloat32())
	assert.False(t, FromFloat32(float32(math.NaN())).Bool(), "NaN is not truthy")
}
