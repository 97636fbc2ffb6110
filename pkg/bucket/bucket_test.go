package bucket

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		used     int
		location uint64
		wantErr  bool
	}{
		{"super bucket", 0, 0, false},
		{"16 bits", 16, 0x10, false},
		{"max used bits", MaxUsedBits, locationMask, false},
		{"too many used bits", MaxUsedBits + 1, 0, true},
		{"negative used bits", -1, 0, true},
		{"location above used bits", 4, 0x10, true},
		{"super with location", 0, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := New(tt.used, tt.location)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.used, id.UsedBits())
			assert.Equal(t, tt.location, id.Location())
			assert.NoError(t, id.Validate())
		})
	}
}

func TestValidate_RawIDs(t *testing.T) {
	assert.ErrorIs(t, FromRaw(uint64(59)<<MaxUsedBits).Validate(), ErrInvalidID)
	assert.ErrorIs(t, FromRaw(uint64(2)<<MaxUsedBits|0x4).Validate(), ErrInvalidID)
	assert.NoError(t, FromRaw(0x4000000000000010).Validate())
}

func TestString(t *testing.T) {
	id := MustNew(16, 0x10)
	assert.Equal(t, "BucketId(0x4000000000000010)", id.String())
	assert.Equal(t, "16:0x10", id.Short())
}

func TestContains(t *testing.T) {
	b := MustNew(16, 0x10)

	assert.True(t, Super.Contains(b))
	assert.True(t, b.Contains(b), "containment is reflexive")
	assert.True(t, MustNew(4, 0x0).Contains(b))
	assert.True(t, MustNew(5, 0x10).Contains(b))
	assert.False(t, MustNew(5, 0x0).Contains(b))
	assert.False(t, b.Contains(MustNew(4, 0x0)), "child does not contain parent")
	assert.False(t, MustNew(16, 0x11).Contains(b), "sibling")
	assert.True(t, b.Contains(MustNew(17, 0x10010)))
}

func TestKeyOrdering_ParentsFirst(t *testing.T) {
	b := MustNew(16, 0x10)
	for n := 0; n < b.UsedBits(); n++ {
		anc := b.Truncate(n)
		assert.Less(t, anc.Key(), b.Key(), "ancestor %s", anc.Short())
	}
	left, right, err := b.Split()
	require.NoError(t, err)
	assert.Less(t, b.Key(), left.Key())
	assert.Less(t, left.Key(), right.Key())
	assert.Equal(t, uint64(0), Super.Key())
}

func TestKey_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for range 1000 {
		id := randomID(rng, 0, MaxUsedBits)
		assert.Equal(t, id, FromKey(id.Key()))
	}
}

func TestKey_Injective(t *testing.T) {
	seen := make(map[uint64]ID)
	for used := 0; used <= 8; used++ {
		for loc := uint64(0); loc < 1<<uint(used); loc++ {
			id := MustNew(used, loc)
			prev, dup := seen[id.Key()]
			require.False(t, dup, "%s and %s share a key", prev.Short(), id.Short())
			seen[id.Key()] = id
		}
	}
}

func TestKeyOrder_IsPreOrder(t *testing.T) {
	// Every descendant of x must sort between x and the next non-descendant.
	var ids []ID
	for used := 0; used <= 6; used++ {
		for loc := uint64(0); loc < 1<<uint(used); loc++ {
			ids = append(ids, MustNew(used, loc))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	for i, x := range ids {
		inside := true
		for _, y := range ids[i+1:] {
			if x.Contains(y) {
				require.True(t, inside, "descendant %s of %s found after a non-descendant", y.Short(), x.Short())
			} else {
				inside = false
			}
		}
	}
}

func TestAncestorKeyRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for range 200 {
		b := randomID(rng, 0, 30)
		lo, hi := AncestorKeyRange(b)
		for n := 0; n <= b.UsedBits(); n++ {
			k := b.Truncate(n).Key()
			assert.GreaterOrEqual(t, k, lo)
			assert.LessOrEqual(t, k, hi)
		}
	}
}

func TestDescendantKeyRange(t *testing.T) {
	x := MustNew(3, 0x5)
	lo, hi := DescendantKeyRange(x)
	for used := 0; used <= 7; used++ {
		for loc := uint64(0); loc < 1<<uint(used); loc++ {
			id := MustNew(used, loc)
			in := id.Key() >= lo && id.Key() <= hi
			assert.Equal(t, x.Contains(id), in, "%s", id.Short())
		}
	}
}

func TestSplitParentSibling(t *testing.T) {
	b := MustNew(3, 0x5)
	left, right, err := b.Split()
	require.NoError(t, err)
	assert.Equal(t, MustNew(4, 0x5), left)
	assert.Equal(t, MustNew(4, 0xd), right)
	assert.Equal(t, b, left.Parent())
	assert.Equal(t, b, right.Parent())
	assert.Equal(t, right, left.Sibling())
	assert.Equal(t, Super, Super.Parent())

	_, _, err = MustNew(MaxUsedBits, 0).Split()
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestCommonBits(t *testing.T) {
	assert.Equal(t, 4, CommonBits(MustNew(8, 0x0f), MustNew(8, 0x1f)))
	assert.Equal(t, 3, CommonBits(MustNew(3, 0x7), MustNew(8, 0xff)))
	assert.Equal(t, 0, CommonBits(MustNew(8, 0x01), MustNew(8, 0x00)))
}

func TestParse(t *testing.T) {
	want := MustNew(16, 0x10)
	for _, in := range []string{"16:0x10", "(16, 16)", "(16, 0x10)", "0x4000000000000010", "BucketId(0x4000000000000010)"} {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := Parse("4:0x10")
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = Parse("nope")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestTextMarshaling(t *testing.T) {
	id := MustNew(20, 0xabcd)
	text, err := id.MarshalText()
	require.NoError(t, err)

	var back ID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, id, back)
}

func randomID(rng *rand.Rand, minUsed, maxUsed int) ID {
	used := minUsed + rng.Intn(maxUsed-minUsed+1)
	return MustNew(used, rng.Uint64()&usedMask(used))
}
