// Package bucket implements hierarchical bucket identifiers and the ordered
// key encoding used by the bucket database.
//
// A bucket ID is a 64-bit value. The top 6 bits hold the used-bit count
// (0..58) and the low 58 bits hold the location bits, of which only the low
// usedBits may be set. Splitting a bucket appends one more location bit.
package bucket

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const (
	// CountBits is the number of bits that hold the used-bit count.
	CountBits = 6
	// MaxUsedBits is the largest legal used-bit count.
	MaxUsedBits = 64 - CountBits

	locationMask uint64 = 1<<MaxUsedBits - 1
	countMask    uint64 = 1<<CountBits - 1
)

// ErrInvalidID is returned for IDs with too many used bits or with
// location bits set above the used-bit count.
var ErrInvalidID = errors.New("invalid bucket id")

// ID is a hierarchical bucket identifier.
type ID uint64

// Super is the root of the bucket tree. It contains every other bucket.
const Super ID = 0

// New builds an ID from a used-bit count and location bits.
func New(usedBits int, location uint64) (ID, error) {
	if usedBits < 0 || usedBits > MaxUsedBits {
		return 0, fmt.Errorf("%w: used bits %d out of range [0, %d]", ErrInvalidID, usedBits, MaxUsedBits)
	}
	if location&^usedMask(usedBits) != 0 {
		return 0, fmt.Errorf("%w: location 0x%x has bits above used bits %d", ErrInvalidID, location, usedBits)
	}
	return ID(uint64(usedBits)<<MaxUsedBits | location), nil
}

// MustNew is like New but panics on error.
func MustNew(usedBits int, location uint64) ID {
	id, err := New(usedBits, location)
	if err != nil {
		panic(err)
	}
	return id
}

// FromRaw reinterprets a raw 64-bit value. The result is not validated.
func FromRaw(raw uint64) ID {
	return ID(raw)
}

// Raw returns the packed 64-bit representation.
func (id ID) Raw() uint64 {
	return uint64(id)
}

// UsedBits returns the number of significant location bits.
func (id ID) UsedBits() int {
	return int(uint64(id) >> MaxUsedBits)
}

// Location returns the location bits.
func (id ID) Location() uint64 {
	return uint64(id) & locationMask
}

// Validate reports whether the ID is well formed.
func (id ID) Validate() error {
	used := id.UsedBits()
	if used > MaxUsedBits {
		return fmt.Errorf("%w: used bits %d exceed %d", ErrInvalidID, used, MaxUsedBits)
	}
	if id.Location()&^usedMask(used) != 0 {
		return fmt.Errorf("%w: %s has location bits above used bits", ErrInvalidID, id)
	}
	return nil
}

// Key returns the ordered key for the bucket. Location bits are bit-reversed
// into the high 58 bits and the used-bit count goes into the low 6 bits, so
// ascending key order visits a bucket before all of its descendants.
func (id ID) Key() uint64 {
	return bits.Reverse64(id.Location()) | uint64(id.UsedBits())
}

// FromKey is the inverse of Key.
func FromKey(key uint64) ID {
	used := key & countMask
	loc := bits.Reverse64(key &^ countMask)
	return ID(used<<MaxUsedBits | loc)
}

// Contains reports whether id is an ancestor of other. Every bucket
// contains itself.
func (id ID) Contains(other ID) bool {
	used := id.UsedBits()
	if used > other.UsedBits() {
		return false
	}
	return other.Location()&usedMask(used) == id.Location()
}

// Truncate returns the ancestor of id with the given used-bit count. If bits
// is not smaller than the current count, id is returned unchanged.
func (id ID) Truncate(n int) ID {
	if n >= id.UsedBits() {
		return id
	}
	if n < 0 {
		n = 0
	}
	return ID(uint64(n)<<MaxUsedBits | id.Location()&usedMask(n))
}

// Parent returns the bucket id was split from. The super bucket is its own
// parent.
func (id ID) Parent() ID {
	if id.UsedBits() == 0 {
		return id
	}
	return id.Truncate(id.UsedBits() - 1)
}

// Split returns the two children of id. It fails if id already uses the
// maximum number of bits.
func (id ID) Split() (ID, ID, error) {
	used := id.UsedBits()
	if used >= MaxUsedBits {
		return 0, 0, fmt.Errorf("%w: cannot split %s", ErrInvalidID, id)
	}
	left := ID(uint64(used+1)<<MaxUsedBits | id.Location())
	right := ID(uint64(used+1)<<MaxUsedBits | id.Location() | 1<<uint(used))
	return left, right, nil
}

// Sibling returns the other child of id's parent. The super bucket has no
// sibling and is returned unchanged.
func (id ID) Sibling() ID {
	used := id.UsedBits()
	if used == 0 {
		return id
	}
	return id ^ ID(1<<uint(used-1))
}

// Less orders IDs by key.
func (id ID) Less(other ID) bool {
	return id.Key() < other.Key()
}

// String renders the packed form, e.g. BucketId(0x4000000000000010).
func (id ID) String() string {
	return fmt.Sprintf("BucketId(0x%016x)", uint64(id))
}

// Short renders "used:0xlocation".
func (id ID) Short() string {
	return fmt.Sprintf("%d:0x%x", id.UsedBits(), id.Location())
}

// CommonBits returns the number of leading location bits (counted from bit
// 0) that a and b agree on, capped at the smaller used-bit count.
func CommonBits(a, b ID) int {
	limit := min(a.UsedBits(), b.UsedBits())
	diff := a.Location() ^ b.Location()
	if diff == 0 {
		return limit
	}
	return min(limit, bits.TrailingZeros64(diff))
}

// AncestorKeyRange returns the inclusive key range holding every ancestor of
// id. The range can also hold non-ancestors, which callers filter with
// Contains.
func AncestorKeyRange(id ID) (lo, hi uint64) {
	return Super.Key(), id.Key()
}

// DescendantKeyRange returns the inclusive key range holding id and all of
// its descendants, and nothing else.
func DescendantKeyRange(id ID) (lo, hi uint64) {
	used := id.UsedBits()
	lo = id.Key()
	hi = bits.Reverse64(id.Location()|^usedMask(used)&locationMask) | countMask
	if used == MaxUsedBits {
		hi = lo
	}
	return lo, hi
}

// Parse accepts "16:0x10", "(16, 0x10)", "(16, 16)" and the packed
// "0x4000000000000010" or "BucketId(0x4000000000000010)" forms.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if inner, ok := strings.CutPrefix(s, "BucketId("); ok {
		s = strings.TrimSuffix(inner, ")")
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")

	sep := ":"
	if strings.Contains(s, ",") {
		sep = ","
	}
	usedStr, locStr, ok := strings.Cut(s, sep)
	if !ok {
		raw, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: parse %q: %v", ErrInvalidID, s, err)
		}
		id := FromRaw(raw)
		if err := id.Validate(); err != nil {
			return 0, err
		}
		return id, nil
	}

	used, err := strconv.Atoi(strings.TrimSpace(usedStr))
	if err != nil {
		return 0, fmt.Errorf("%w: parse used bits %q: %v", ErrInvalidID, usedStr, err)
	}
	loc, err := strconv.ParseUint(strings.TrimSpace(locStr), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse location %q: %v", ErrInvalidID, locStr, err)
	}
	return New(used, loc)
}

// MarshalText implements encoding.TextMarshaler using the short form.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Short()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func usedMask(used int) uint64 {
	if used >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(used) - 1
}
