package ohm

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentKeysDiagonal(t *testing.T) {
	m, err := NewOccupancyMap(0.25, [3]int{32, 32, 32})
	require.NoError(t, err)

	var keys KeyList
	m.CalculateSegmentKeys(&keys, mgl64.Vec3{0.3, 0.3, 0.3}, mgl64.Vec3{1.1, 1.1, 1.1}, true)

	require.Greater(t, keys.Count(), 0)
	assert.Equal(t, Key{Local: [3]uint8{1, 1, 1}}, keys.At(0))
	assert.Equal(t, Key{Local: [3]uint8{4, 4, 4}}, keys.At(keys.Count()-1))
	assertAdjacentKeys(t, m, &keys)

	// Excluding the endpoint drops exactly the last key.
	var partial KeyList
	m.CalculateSegmentKeys(&partial, mgl64.Vec3{0.3, 0.3, 0.3}, mgl64.Vec3{1.1, 1.1, 1.1}, false)
	assert.Equal(t, keys.Count()-1, partial.Count())
	assert.Equal(t, keys.At(keys.Count()-2), partial.At(partial.Count()-1))
}

func TestSegmentKeysCrossRegion(t *testing.T) {
	m, err := NewOccupancyMap(0.25, [3]int{16, 16, 16})
	require.NoError(t, err)

	var keys KeyList
	m.CalculateSegmentKeys(&keys, mgl64.Vec3{-5, -5, -5}, mgl64.Vec3{0.3, 0.3, 0.3}, true)

	require.Greater(t, keys.Count(), 1)
	assert.Equal(t, [3]int16{-2, -2, -2}, keys.At(0).Region)
	last := keys.At(keys.Count() - 1)
	assert.Equal(t, [3]int16{0, 0, 0}, last.Region)
	assert.Equal(t, [3]uint8{1, 1, 1}, last.Local)
	assertAdjacentKeys(t, m, &keys)

	regions := map[[3]int16]struct{}{}
	for _, key := range keys.Keys() {
		regions[key.Region] = struct{}{}
	}
	assert.Contains(t, regions, [3]int16{-1, -1, -1})
	assert.Contains(t, regions, [3]int16{0, 0, 0})
}

func TestSegmentKeysZeroLength(t *testing.T) {
	m, err := NewOccupancyMap(0.25, [3]int{32, 32, 32})
	require.NoError(t, err)

	p := mgl64.Vec3{0.4, 0.4, 0.4}
	var keys KeyList
	m.CalculateSegmentKeys(&keys, p, p, false)
	assert.Equal(t, 0, keys.Count())
	m.CalculateSegmentKeys(&keys, p, p, true)
	require.Equal(t, 1, keys.Count())
	assert.Equal(t, m.VoxelKey(p), keys.At(0))
}

func TestSegmentKeysAxisAligned(t *testing.T) {
	m, err := NewOccupancyMap(0.5, [3]int{32, 32, 32})
	require.NoError(t, err)

	var keys KeyList
	m.CalculateSegmentKeys(&keys, mgl64.Vec3{0.25, 0.25, 0.25}, mgl64.Vec3{4.25, 0.25, 0.25}, true)
	require.Equal(t, 9, keys.Count())
	for i, key := range keys.Keys() {
		assert.Equal(t, uint8(i), key.Local[0])
		assert.Equal(t, uint8(0), key.Local[1])
		assert.Equal(t, uint8(0), key.Local[2])
	}
}

func TestSegmentKeysRandomisedProperties(t *testing.T) {
	m, err := NewOccupancyMap(0.25, [3]int{32, 32, 32})
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(7))

	var keys KeyList
	for i := 0; i < 200; i++ {
		from := mgl64.Vec3{rng.Float64()*40 - 20, rng.Float64()*40 - 20, rng.Float64()*40 - 20}
		to := mgl64.Vec3{rng.Float64()*40 - 20, rng.Float64()*40 - 20, rng.Float64()*40 - 20}
		m.CalculateSegmentKeys(&keys, from, to, true)

		require.LessOrEqual(t, keys.Count(), m.SegmentKeyBound(from, to),
			"segment %v -> %v exceeds the key bound", from, to)
		require.Greater(t, keys.Count(), 0)
		assert.Equal(t, m.VoxelKey(from), keys.At(0))
		assert.Equal(t, m.VoxelKey(to), keys.At(keys.Count()-1))
		assertAdjacentKeys(t, m, &keys)
	}
}

func TestSegmentRegions(t *testing.T) {
	m, err := NewOccupancyMap(0.25, [3]int{16, 16, 16})
	require.NoError(t, err)

	regions := m.CalculateSegmentRegions(nil, mgl64.Vec3{-5, -5, -5}, mgl64.Vec3{0.3, 0.3, 0.3})
	require.NotEmpty(t, regions)
	assert.Equal(t, [3]int16{-2, -2, -2}, regions[0])
	assert.Equal(t, [3]int16{0, 0, 0}, regions[len(regions)-1])

	// Each traversed voxel's region must appear in the coarse walk.
	var keys KeyList
	m.CalculateSegmentKeys(&keys, mgl64.Vec3{-5, -5, -5}, mgl64.Vec3{0.3, 0.3, 0.3}, true)
	coarse := map[[3]int16]struct{}{}
	for _, region := range regions {
		coarse[region] = struct{}{}
	}
	for _, key := range keys.Keys() {
		assert.Contains(t, coarse, key.Region)
	}
}

// assertAdjacentKeys verifies consecutive keys differ by one step along
// exactly one axis, counting region crossings.
func assertAdjacentKeys(t *testing.T, m *OccupancyMap, keys *KeyList) {
	t.Helper()
	for i := 1; i < keys.Count(); i++ {
		prev, cur := keys.At(i-1), keys.At(i)
		diffAxes := 0
		for axis := 0; axis < 3; axis++ {
			d := key64(cur, axis, m.regionDim[axis]) - key64(prev, axis, m.regionDim[axis])
			switch d {
			case 0:
			case 1, -1:
				diffAxes++
			default:
				t.Fatalf("keys %d..%d step axis %d by %d", i-1, i, axis, d)
			}
		}
		if diffAxes != 1 {
			t.Fatalf("keys %d..%d differ on %d axes", i-1, i, diffAxes)
		}
	}
}
