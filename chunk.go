package ohm

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
)

// MapChunk is one region's voxel storage: a contiguous buffer per layer,
// all sharing the chunk's region key and origin.
type MapChunk struct {
	key    Key
	origin mgl64.Vec3

	// One buffer per layout layer, indexed by layer index.
	voxelBuffers [][]byte

	// Wall clock timestamps.
	createdTime time.Time
	touchedTime time.Time
	// Timestamp of the first ray integrated into this chunk, zero until
	// then. Carried from the sensor stream rather than the wall clock.
	firstRayTime float64

	// Per-layer dirty stamps against the owning map's monotonic stamp.
	touchedStamps []uint64
	dirtyStamp    uint64

	// Lowest occupancy-layer voxel index known to hold a non-clear value.
	firstValidIndex int
}

// newMapChunk allocates a chunk for the region addressed by key. Every
// layer buffer is initialised to its clear pattern.
func newMapChunk(key Key, origin mgl64.Vec3, layout *MapLayout, regionDim [3]int) (*MapChunk, error) {
	chunk := &MapChunk{
		key:             key,
		origin:          origin,
		voxelBuffers:    make([][]byte, layout.LayerCount()),
		touchedStamps:   make([]uint64, layout.LayerCount()),
		createdTime:     time.Now(),
		touchedTime:     time.Now(),
		firstValidIndex: -1,
	}
	for i := 0; i < layout.LayerCount(); i++ {
		layer := layout.Layer(i)
		size := layer.LayerByteSize(regionDim)
		if size <= 0 {
			return nil, errors.Wrapf(ErrRegionAllocationFailed, "layer %q has zero voxel size", layer.Name())
		}
		buffer := make([]byte, size)
		layer.FillClear(buffer)
		chunk.voxelBuffers[i] = buffer
	}
	return chunk, nil
}

// Key returns the chunk's region key. The local part is zero.
func (c *MapChunk) Key() Key { return c.key }

// Region returns the chunk's region coordinate.
func (c *MapChunk) Region() [3]int16 { return c.key.Region }

// Origin returns the world coordinate of the chunk's minimum corner.
func (c *MapChunk) Origin() mgl64.Vec3 { return c.origin }

// VoxelBuffer returns the raw layer buffer, nil for an out of range index.
func (c *MapChunk) VoxelBuffer(layerIndex int) []byte {
	if layerIndex < 0 || layerIndex >= len(c.voxelBuffers) {
		return nil
	}
	return c.voxelBuffers[layerIndex]
}

// CreatedTime returns the chunk allocation time.
func (c *MapChunk) CreatedTime() time.Time { return c.createdTime }

// TouchedTime returns the last modification wall clock time.
func (c *MapChunk) TouchedTime() time.Time { return c.touchedTime }

// FirstRayTime returns the sensor timestamp of the first ray integrated
// into the chunk, zero if none has been.
func (c *MapChunk) FirstRayTime() float64 { return c.firstRayTime }

// SetFirstRayTime records the first ray timestamp if not already set.
func (c *MapChunk) SetFirstRayTime(t float64) {
	if c.firstRayTime == 0 {
		c.firstRayTime = t
	}
}

// DirtyStamp returns the map stamp of the chunk's most recent modification.
func (c *MapChunk) DirtyStamp() uint64 { return c.dirtyStamp }

// TouchedStamp returns the map stamp of the most recent modification to
// the given layer.
func (c *MapChunk) TouchedStamp(layerIndex int) uint64 {
	if layerIndex < 0 || layerIndex >= len(c.touchedStamps) {
		return 0
	}
	return c.touchedStamps[layerIndex]
}

// TouchLayer marks the layer modified at the given map stamp.
func (c *MapChunk) TouchLayer(layerIndex int, stamp uint64) {
	c.dirtyStamp = stamp
	if layerIndex >= 0 && layerIndex < len(c.touchedStamps) {
		c.touchedStamps[layerIndex] = stamp
	}
	c.touchedTime = time.Now()
}

// updateFirstValid lowers the first valid occupancy index if voxelIndex
// precedes the current one.
func (c *MapChunk) updateFirstValid(voxelIndex int) {
	if c.firstValidIndex < 0 || voxelIndex < c.firstValidIndex {
		c.firstValidIndex = voxelIndex
	}
}

// FirstValidIndex returns the lowest voxel index known modified, -1 when
// the chunk is untouched.
func (c *MapChunk) FirstValidIndex() int { return c.firstValidIndex }
