package ohm

// Voxel addressing. A Key names a voxel by the signed coordinate of its
// region plus the unsigned coordinate of the voxel inside that region.
// The two parts are independently addressable so that region level
// operations (chunk lookup, GPU residency) can ignore the local part.

// Key addresses a single voxel in an OccupancyMap.
type Key struct {
	Region [3]int16
	Local  [3]uint8
}

// NullKey is a distinguished invalid key. It does not address any voxel in
// any map; region dimensions are limited to 255, so a local coordinate of
// 255 never addresses a voxel and the all-max pattern is free for the
// sentinel.
var NullKey = Key{
	Region: [3]int16{-32768, -32768, -32768},
	Local:  [3]uint8{255, 255, 255},
}

// IsNull reports whether k is the null key.
func (k Key) IsNull() bool {
	return k == NullKey
}

// Equal reports component-wise equality.
func (k Key) Equal(other Key) bool {
	return k == other
}

// Less orders keys lexicographically by (region, local) with z as the most
// significant axis. The order exists for deterministic test and debug
// output, not for spatial meaning.
func (k Key) Less(other Key) bool {
	for i := 2; i >= 0; i-- {
		if k.Region[i] != other.Region[i] {
			return k.Region[i] < other.Region[i]
		}
	}
	for i := 2; i >= 0; i-- {
		if k.Local[i] != other.Local[i] {
			return k.Local[i] < other.Local[i]
		}
	}
	return false
}

// SetLocalAxis sets one axis of the local coordinate.
func (k *Key) SetLocalAxis(axis int, value uint8) {
	k.Local[axis] = value
}

// SetRegionAxis sets one axis of the region coordinate.
func (k *Key) SetRegionAxis(axis int, value int16) {
	k.Region[axis] = value
}

// Large primes for mixing, same scheme as a spatial hash grid.
const (
	hashPrimeX = 73856093
	hashPrimeY = 19349663
	hashPrimeZ = 83492791
)

// RegionHash hashes the region coordinate. Collisions are possible; callers
// must compare region keys for equality before using a bucket entry.
func RegionHash(region [3]int16) uint32 {
	x := int32(region[0])
	y := int32(region[1])
	z := int32(region[2])
	return uint32(x*hashPrimeX ^ y*hashPrimeY ^ z*hashPrimeZ)
}

// Hash returns the spatial hash of the key's region part.
func (k Key) Hash() uint32 {
	return RegionHash(k.Region)
}

// KeyList is an ordered sequence of keys, normally the result of a line
// walk. It reuses its backing storage across calls.
type KeyList struct {
	keys []Key
}

// Clear empties the list without releasing storage.
func (l *KeyList) Clear() {
	l.keys = l.keys[:0]
}

// Reserve grows the backing storage to hold at least capacity keys.
func (l *KeyList) Reserve(capacity int) {
	if cap(l.keys) < capacity {
		keys := make([]Key, len(l.keys), capacity)
		copy(keys, l.keys)
		l.keys = keys
	}
}

// Add appends a key.
func (l *KeyList) Add(key Key) {
	l.keys = append(l.keys, key)
}

// Count returns the number of keys held.
func (l *KeyList) Count() int {
	return len(l.keys)
}

// At returns the key at index i.
func (l *KeyList) At(i int) Key {
	return l.keys[i]
}

// Keys exposes the underlying slice. Valid until the next Clear or Add.
func (l *KeyList) Keys() []Key {
	return l.keys
}
