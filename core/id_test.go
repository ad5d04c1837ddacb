package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceSymmetry(t *testing.T) {
	for i := 0; i < 1000; i++ {
		a, b := RandomId(), RandomId()
		assert.Equal(t, Distance(a, b), Distance(b, a))
	}
	a := RandomId()
	assert.Equal(t, ZeroId, Distance(a, a))
}

func TestThreeWayCompare(t *testing.T) {
	for i := 0; i < 1000; i++ {
		p, a, b := RandomId(), RandomId(), RandomId()
		assert.Equal(t, ThreeWayCompare(p, a, b), -ThreeWayCompare(p, b, a))
	}

	// known ordering: a differs from the pivot in a lower bit than b
	var p, a, b Id
	a[31] = 0x01
	b[0] = 0x80
	assert.Equal(t, -1, ThreeWayCompare(p, a, b))
	assert.Equal(t, 1, ThreeWayCompare(p, b, a))
	assert.Equal(t, 0, ThreeWayCompare(p, a, a))
}

func TestIdCodecs(t *testing.T) {
	id := RandomId()

	fromHex, err := IdFromHex(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, fromHex)

	fromB58, err := IdFromBase58(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, fromB58)

	_, err = IdFromHex("0xzz")
	assert.Error(t, err)
	_, err = IdFromBytes(make([]byte, 31))
	assert.Error(t, err)
}

func TestBitsEqual(t *testing.T) {
	a := RandomId()
	b := a

	assert.True(t, BitsEqual(a, b, -1))
	assert.True(t, BitsEqual(a, b, IdBits-1))

	// flip the bit just past the checked range
	b[2] ^= 0x40 // bit 17
	assert.True(t, BitsEqual(a, b, 16))
	assert.False(t, BitsEqual(a, b, 17))
}

func TestPrefixSplitAndSibling(t *testing.T) {
	p := AllPrefix
	low := p.SplitBranch(false)
	high := p.SplitBranch(true)

	require.Equal(t, 0, low.Depth())
	require.Equal(t, 0, high.Depth())
	assert.True(t, low.IsSiblingOf(high))
	assert.True(t, high.IsSiblingOf(low))
	assert.Equal(t, p, low.Parent())
	assert.Equal(t, p, high.Parent())

	for i := 0; i < 100; i++ {
		id := RandomId()
		inLow := low.IsPrefixOf(id)
		inHigh := high.IsPrefixOf(id)
		assert.True(t, inLow != inHigh, "an id belongs to exactly one branch")
	}
}

func TestPrefixRandomId(t *testing.T) {
	id := RandomId()
	for depth := -1; depth < 64; depth++ {
		p := NewPrefix(id, depth)
		r := p.RandomId()
		assert.True(t, p.IsPrefixOf(r), "depth %d", depth)
	}
}

func TestPrefixFirstLast(t *testing.T) {
	id := RandomId()
	p := NewPrefix(id, 9)
	assert.True(t, p.IsPrefixOf(p.First()))
	assert.True(t, p.IsPrefixOf(p.Last()))
	assert.True(t, p.First().CompareTo(p.Last()) < 0)
}
