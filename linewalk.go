package ohm

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Voxel traversal of line segments. The walk works in voxel coordinates
// relative to the map origin so that precision does not degrade with
// distance from the world origin.

// SegmentKeyBound returns an upper bound on the number of keys a segment
// walk can produce. Callers use it to size buffers. A walk visits the start
// voxel plus at most ceil(|d_i|/r) voxels per axis, and the axis spans sum
// to at most sqrt(3) times the length, so three cells of per-axis rounding
// plus the start voxel cover the rest.
func (m *OccupancyMap) SegmentKeyBound(from, to mgl64.Vec3) int {
	length := to.Sub(from).Len()
	return int(math.Ceil(length/m.resolution)*math.Sqrt(3)) + 4
}

// stepKey advances key one voxel along axis in direction dir (+1 or -1),
// carrying into the region coordinate at chunk boundaries.
func (m *OccupancyMap) stepKey(key *Key, axis, dir int) {
	local := int(key.Local[axis]) + dir
	if local < 0 {
		key.Region[axis]--
		local = m.regionDim[axis] - 1
	} else if local >= m.regionDim[axis] {
		key.Region[axis]++
		local = 0
	}
	key.Local[axis] = uint8(local)
}

// CalculateSegmentKeys appends the ordered keys of every voxel the open
// segment from..to crosses. The voxel containing to is appended only when
// includeEndpoint is set. The list is cleared first.
func (m *OccupancyMap) CalculateSegmentKeys(keys *KeyList, from, to mgl64.Vec3, includeEndpoint bool) {
	keys.Clear()
	keys.Reserve(m.SegmentKeyBound(from, to))

	startKey := m.VoxelKey(from)
	endKey := m.VoxelKey(to)
	if startKey == endKey {
		if includeEndpoint {
			keys.Add(endKey)
		}
		return
	}

	// Voxel-space coordinates relative to the map origin.
	var startV, dir [3]float64
	for i := 0; i < 3; i++ {
		startV[i] = (from[i] - m.origin[i]) / m.resolution
		dir[i] = (to[i] - from[i]) / m.resolution
	}

	var step [3]int
	var tMax, tDelta [3]float64
	// Integer cell of the start voxel, aligned with startKey.
	var cell [3]int
	for i := 0; i < 3; i++ {
		cell[i] = int(key64(startKey, i, m.regionDim[i]))
		switch {
		case dir[i] > 0:
			step[i] = 1
			tMax[i] = (float64(cell[i]+1) - startV[i]) / dir[i]
			tDelta[i] = 1 / dir[i]
		case dir[i] < 0:
			step[i] = -1
			tMax[i] = (float64(cell[i]) - startV[i]) / dir[i]
			tDelta[i] = -1 / dir[i]
		default:
			// Axis never steps.
			step[i] = 0
			tMax[i] = math.Inf(1)
			tDelta[i] = math.Inf(1)
		}
	}

	key := startKey
	// The iteration guard defends against pathological floating point
	// where tMax never reaches the end cell.
	limit := m.SegmentKeyBound(from, to) + 3
	for iter := 0; key != endKey && iter < limit; iter++ {
		keys.Add(key)
		// Step the axis with the smallest tMax; ties resolve to the
		// lowest axis index for reproducibility.
		axis := 0
		if tMax[1] < tMax[axis] {
			axis = 1
		}
		if tMax[2] < tMax[axis] {
			axis = 2
		}
		m.stepKey(&key, axis, step[axis])
		tMax[axis] += tDelta[axis]
	}
	if includeEndpoint {
		keys.Add(endKey)
	}
}

// key64 flattens one axis of a key into an absolute voxel index.
func key64(key Key, axis, regionDim int) int64 {
	return int64(key.Region[axis])*int64(regionDim) + int64(key.Local[axis])
}

// CalculateSegmentRegions appends the region coordinate of every region the
// segment crosses, in traversal order, including both end regions. This is
// the coarse walk the batched integrator uses to resolve device residency.
func (m *OccupancyMap) CalculateSegmentRegions(regions [][3]int16, from, to mgl64.Vec3) [][3]int16 {
	startRegion := m.RegionKey(from)
	endRegion := m.RegionKey(to)
	regions = append(regions, startRegion)
	if startRegion == endRegion {
		return regions
	}

	var startR, dir [3]float64
	for i := 0; i < 3; i++ {
		startR[i] = (from[i] - m.origin[i]) / m.regionSpatial[i]
		dir[i] = (to[i] - from[i]) / m.regionSpatial[i]
	}

	var step [3]int16
	var tMax, tDelta [3]float64
	cell := startRegion
	for i := 0; i < 3; i++ {
		switch {
		case dir[i] > 0:
			step[i] = 1
			tMax[i] = (float64(cell[i]+1) - startR[i]) / dir[i]
			tDelta[i] = 1 / dir[i]
		case dir[i] < 0:
			step[i] = -1
			tMax[i] = (float64(cell[i]) - startR[i]) / dir[i]
			tDelta[i] = -1 / dir[i]
		default:
			step[i] = 0
			tMax[i] = math.Inf(1)
			tDelta[i] = math.Inf(1)
		}
	}

	limit := len(regions) + 3*(absInt16Diff(startRegion, endRegion)+1)
	for iter := 0; cell != endRegion && iter < limit; iter++ {
		axis := 0
		if tMax[1] < tMax[axis] {
			axis = 1
		}
		if tMax[2] < tMax[axis] {
			axis = 2
		}
		cell[axis] += step[axis]
		tMax[axis] += tDelta[axis]
		regions = append(regions, cell)
	}
	return regions
}

func absInt16Diff(a, b [3]int16) int {
	total := 0
	for i := 0; i < 3; i++ {
		d := int(a[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		total += d
	}
	return total
}
