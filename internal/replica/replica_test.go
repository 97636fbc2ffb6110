package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bc(node uint16, state uint32) Copy {
	return Copy{Node: node, State: State{Checksum: 0x123, DocCount: state, TotalDocSize: state}}
}

func TestCopy_EqualIgnoresTimestamp(t *testing.T) {
	a := bc(1, 10)
	b := bc(1, 10)
	b.Timestamp = time.Unix(1000, 0)
	assert.True(t, a.Equal(b))

	b.Trusted = true
	assert.False(t, a.Equal(b))
	assert.False(t, a.Equal(bc(2, 10)))
	assert.False(t, a.Equal(bc(1, 11)))
}

func TestInfo_AddNode(t *testing.T) {
	t.Run("append without order", func(t *testing.T) {
		info := New(bc(3, 1), bc(1, 1))
		assert.Equal(t, []uint16{3, 1}, info.Nodes())
	})

	t.Run("recommended order", func(t *testing.T) {
		order := []uint16{2, 0, 1}
		var info Info
		info.AddNode(bc(1, 1), order)
		info.AddNode(bc(5, 1), order)
		info.AddNode(bc(2, 1), order)
		info.AddNode(bc(0, 1), order)
		assert.Equal(t, []uint16{2, 0, 1, 5}, info.Nodes())
	})

	t.Run("existing node replaced in place", func(t *testing.T) {
		info := New(bc(1, 1), bc(2, 1))
		info.AddNode(bc(1, 9), []uint16{2, 1})
		assert.Equal(t, []uint16{1, 2}, info.Nodes())
		assert.Equal(t, uint32(9), info.Node(0).State.DocCount)
	})
}

func TestInfo_UpdateRemove(t *testing.T) {
	info := New(bc(1, 1), bc(2, 2))

	assert.True(t, info.UpdateNode(bc(2, 7)))
	assert.False(t, info.UpdateNode(bc(3, 7)))
	c, ok := info.Find(2)
	require.True(t, ok)
	assert.Equal(t, uint32(7), c.State.DocCount)

	assert.True(t, info.RemoveNode(1))
	assert.False(t, info.RemoveNode(1))
	assert.Equal(t, []uint16{2}, info.Nodes())
	assert.False(t, info.HasNode(1))
}

func TestInfo_Consistency(t *testing.T) {
	assert.True(t, Info{}.ValidAndConsistent())
	assert.True(t, New(bc(0, 5), bc(1, 5)).ValidAndConsistent())
	assert.False(t, New(bc(0, 5), bc(1, 6)).Consistent())

	invalid := New(Copy{Node: 0}, Copy{Node: 1})
	assert.True(t, invalid.Consistent())
	assert.False(t, invalid.ValidAndConsistent())
}

func TestInfo_UpdateTrusted(t *testing.T) {
	info := New(bc(0, 5), bc(1, 5))
	info.UpdateTrusted()
	assert.Equal(t, 2, info.TrustedCount())

	info = New(bc(0, 5), bc(1, 6), bc(2, 5))
	info.UpdateTrusted()
	assert.Equal(t, 0, info.TrustedCount(), "no reference copy")

	c := info.Node(0)
	c.Trusted = true
	info.UpdateNode(c)
	info.UpdateTrusted()
	assert.True(t, info.Node(2).Trusted)
	assert.False(t, info.Node(1).Trusted)

	info.RemoveNode(1)
	info.ResetTrusted()
	assert.Equal(t, 2, info.TrustedCount())
}

func TestInfo_MergeFrom(t *testing.T) {
	info := New(bc(0, 1), bc(1, 1))
	info.MergeFrom(New(bc(1, 1), bc(4, 1)), nil)

	assert.Equal(t, []uint16{0, 1, 4}, info.Nodes())
	assert.Equal(t, 3, info.TrustedCount())
}

func TestInfo_CloneDoesNotAlias(t *testing.T) {
	info := New(bc(0, 1))
	clone := info.Clone()
	clone.UpdateNode(bc(0, 99))
	assert.Equal(t, uint32(1), info.Node(0).State.DocCount)
	assert.False(t, info.Equal(clone))
}

func TestInfo_String(t *testing.T) {
	info := New(bc(1, 2))
	assert.Equal(t, "BucketInfo(node(1, crc 0x123, docs 2/0, bytes 2/0, ready false, active false))", info.String())
}
