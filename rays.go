package ohm

import (
	"github.com/go-gl/mathgl/mgl64"
)

// RayFlags modify how IntegrateRays treats the sample voxel and the
// traversal.
type RayFlags uint32

const (
	// RayDefault integrates misses along the segment and a hit at the
	// sample voxel.
	RayDefault RayFlags = 0
	// RayEndPointAsFree integrates a miss at the sample voxel instead of
	// a hit.
	RayEndPointAsFree RayFlags = 1 << iota
	// RayStopOnFirstOccupied stops each ray's traversal at the first
	// currently occupied voxel.
	RayStopOnFirstOccupied
	// RayClearOnly leaves unobserved voxels unobserved; only voxels with
	// an existing value are adjusted.
	RayClearOnly
	// RayExcludeSample skips the sample voxel entirely. Used internally
	// when the caller will integrate samples separately.
	RayExcludeSample
)

// IntegrateRays integrates consecutive (origin, sample) pairs into the map
// on the host. Each traversed voxel receives one miss; the sample voxel
// receives a hit unless flags direct otherwise.
func (m *OccupancyMap) IntegrateRays(rays []mgl64.Vec3, flags RayFlags) error {
	var keys KeyList
	for i := 0; i+1 < len(rays); i += 2 {
		if m.aborted() {
			return ErrAborted
		}
		if err := m.integrateRay(&keys, rays[i], rays[i+1], flags); err != nil {
			return err
		}
	}
	return nil
}

func (m *OccupancyMap) integrateRay(keys *KeyList, from, to mgl64.Vec3, flags RayFlags) error {
	m.CalculateSegmentKeys(keys, from, to, false)

	clearOnly := flags&RayClearOnly != 0
	for _, key := range keys.Keys() {
		if flags&RayStopOnFirstOccupied != 0 {
			voxel, err := m.Voxel(key, false)
			if err != nil {
				return err
			}
			if voxel.OccupancyType() == OccupancyOccupied {
				// The ray is blocked before the sample; adjust the
				// blocking voxel and stop.
				return m.integrateAdjustment(key, m.missValue, clearOnly)
			}
		}
		if err := m.integrateAdjustment(key, m.missValue, clearOnly); err != nil {
			return err
		}
	}

	if flags&RayExcludeSample != 0 {
		return nil
	}
	sampleKey := m.VoxelKey(to)
	adjustment := m.hitValue
	if flags&RayEndPointAsFree != 0 {
		adjustment = m.missValue
	}
	return m.integrateAdjustment(sampleKey, adjustment, clearOnly)
}
