package gpumap

import (
	"encoding/binary"
	"math"

	"github.com/fabioruetz/ohm"
)

// Host-side kernel implementations. These define the effect of the device
// kernels: the wgpu path expresses the same update in WGSL and is held to
// convergence with these, not bit equality.

// Staging wire formats, shared with the WGSL kernels.
const (
	// gpuKeySize is a voxel key: region 3xi16, pad, local 3xu8, pad.
	gpuKeySize = 12
	// regionKeySize is a region coordinate: 3xi16 plus padding.
	regionKeySize = 8
	// rayStride is two float3 positions relative to the map origin.
	rayStride = 24
	// offsetSize is one u64 slot byte offset.
	offsetSize = 8
)

type gpuKey struct {
	region [3]int16
	local  [3]uint8
}

func putGpuKey(dst []byte, key ohm.Key) {
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(key.Region[i]))
	}
	dst[6] = 0
	dst[7] = 0
	dst[8] = key.Local[0]
	dst[9] = key.Local[1]
	dst[10] = key.Local[2]
	dst[11] = 0
}

func getGpuKey(src []byte) gpuKey {
	var key gpuKey
	for i := 0; i < 3; i++ {
		key.region[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	key.local[0] = src[8]
	key.local[1] = src[9]
	key.local[2] = src[10]
	return key
}

func putRegionKey(dst []byte, region [3]int16) {
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(region[i]))
	}
	binary.LittleEndian.PutUint16(dst[6:], 0)
}

func getRegionKey(src []byte) [3]int16 {
	var region [3]int16
	for i := 0; i < 3; i++ {
		region[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return region
}

// findRegionSlot resolves a region to its slot byte offset via the batch's
// region list. Returns false when the region was not uploaded with the
// batch.
func findRegionSlot(regionKeys, offsets []byte, regionCount uint32, region [3]int16) (uint64, bool) {
	for i := uint32(0); i < regionCount; i++ {
		if getRegionKey(regionKeys[i*regionKeySize:]) == region {
			return binary.LittleEndian.Uint64(offsets[i*offsetSize:]), true
		}
	}
	return 0, false
}

func voxelIndex(key gpuKey, dim [3]int32) int {
	return int(key.local[0]) + int(key.local[1])*int(dim[0]) + int(key.local[2])*int(dim[0])*int(dim[1])
}

func readVoxelFloat(layer []byte, slotOffset uint64, index int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(layer[int(slotOffset)+index*4:]))
}

func writeVoxelFloat(layer []byte, slotOffset uint64, index int, value float32) {
	binary.LittleEndian.PutUint32(layer[int(slotOffset)+index*4:], math.Float32bits(value))
}

// stepGpuKey advances one voxel along axis, carrying across regions.
func stepGpuKey(key *gpuKey, axis, dir int, dim [3]int32) {
	local := int(key.local[axis]) + dir
	if local < 0 {
		key.region[axis]--
		local = int(dim[axis]) - 1
	} else if local >= int(dim[axis]) {
		key.region[axis]++
		local = 0
	}
	key.local[axis] = uint8(local)
}

// walkRayVoxels traverses the voxels of one ray, excluding the sample
// voxel, calling visit for each. Traversal stops early when visit returns
// false. Mirrors the host line walker including its tie rule.
func walkRayVoxels(start, end [3]float64, startKey, endKey gpuKey, dim [3]int32, resolution float64, visit func(gpuKey) bool) {
	if startKey == endKey {
		return
	}
	var dir [3]float64
	var step [3]int
	var tMax, tDelta [3]float64
	limit := 1
	for i := 0; i < 3; i++ {
		startV := start[i] / resolution
		dir[i] = (end[i] - start[i]) / resolution
		cell := float64(int64(startKey.region[i])*int64(dim[i]) + int64(startKey.local[i]))
		switch {
		case dir[i] > 0:
			step[i] = 1
			tMax[i] = (cell + 1 - startV) / dir[i]
			tDelta[i] = 1 / dir[i]
		case dir[i] < 0:
			step[i] = -1
			tMax[i] = (cell - startV) / dir[i]
			tDelta[i] = -1 / dir[i]
		default:
			step[i] = 0
			tMax[i] = math.Inf(1)
			tDelta[i] = math.Inf(1)
		}
		limit += int(math.Abs(dir[i])) + 1
	}

	key := startKey
	for iter := 0; key != endKey && iter < limit*3; iter++ {
		if !visit(key) {
			return
		}
		axis := 0
		if tMax[1] < tMax[axis] {
			axis = 1
		}
		if tMax[2] < tMax[axis] {
			axis = 2
		}
		stepGpuKey(&key, axis, step[axis], dim)
		tMax[axis] += tDelta[axis]
	}
}

// applyOccupancy folds one adjustment into a voxel in cache storage.
// Returns the value before adjustment.
func applyOccupancy(b hostKernelBuffers, params KernelParams, key gpuKey, adjustment float32, clearOnly bool) (float32, bool) {
	slot, ok := findRegionSlot(b.regionKeys, b.occupancyOffsets, params.RegionCount, key.region)
	if !ok {
		return 0, false
	}
	index := voxelIndex(key, params.RegionDim)
	value := readVoxelFloat(b.occupancy, slot, index)
	before := value
	unobserved := math.IsInf(float64(value), 1)
	if unobserved {
		if clearOnly {
			return value, true
		}
		value = 0
	}
	next := value + adjustment
	if next < params.MinValue {
		next = params.MinValue
	}
	if next > params.MaxValue {
		next = params.MaxValue
	}
	writeVoxelFloat(b.occupancy, slot, index, next)
	return before, true
}

// regionRayUpdate is the miss pass: every ray walks its segment applying
// misses, then applies its sample adjustment unless the flags exclude it.
func regionRayUpdate(params KernelParams, b hostKernelBuffers) {
	flags := ohm.RayFlags(params.Flags)
	clearOnly := flags&ohm.RayClearOnly != 0
	for ray := uint32(0); ray < params.RayCount; ray++ {
		startKey := getGpuKey(b.rayKeys[ray*2*gpuKeySize:])
		endKey := getGpuKey(b.rayKeys[(ray*2+1)*gpuKeySize:])
		start := rayPosition(b.rays, ray, 0)
		end := rayPosition(b.rays, ray, 1)

		blocked := false
		walkRayVoxels(start, end, startKey, endKey, params.RegionDim, float64(params.Resolution), func(key gpuKey) bool {
			value, ok := applyOccupancy(b, params, key, params.MissValue, clearOnly)
			if !ok {
				return true
			}
			if flags&ohm.RayStopOnFirstOccupied != 0 &&
				!math.IsInf(float64(value), 1) && value >= params.Threshold {
				blocked = true
				return false
			}
			return true
		})

		if blocked || flags&ohm.RayExcludeSample != 0 {
			continue
		}
		adjustment := params.HitValue
		if flags&ohm.RayEndPointAsFree != 0 {
			adjustment = params.MissValue
		}
		applyOccupancy(b, params, endKey, adjustment, clearOnly)
	}
}

// ndtHitUpdate is the sample pass: occupancy hit plus mean, covariance and
// hit count updates at each sample voxel. Runs serially per voxel so that
// concurrent rays aimed at the same sample cannot interleave their
// read-modify-write sequences.
func ndtHitUpdate(params KernelParams, b hostKernelBuffers) {
	resolution := float64(params.Resolution)
	for ray := uint32(0); ray < params.RayCount; ray++ {
		key := getGpuKey(b.rayKeys[(ray*2+1)*gpuKeySize:])
		sample := rayPosition(b.rays, ray, 1)

		if _, ok := applyOccupancy(b, params, key, params.HitValue, false); !ok {
			continue
		}

		meanSlot, okMean := findRegionSlot(b.regionKeys, b.meanOffsets, params.RegionCount, key.region)
		covSlot, okCov := findRegionSlot(b.regionKeys, b.covarianceOffset, params.RegionCount, key.region)
		if !okMean || !okCov {
			continue
		}
		index := voxelIndex(key, params.RegionDim)

		// Sample relative to the voxel centre in origin-relative space.
		var rel [3]float64
		for i := 0; i < 3; i++ {
			centre := (float64(key.region[i])*float64(params.RegionDim[i]) +
				float64(key.local[i]) + 0.5) * resolution
			rel[i] = sample[i] - centre
		}

		meanBase := int(meanSlot) + index*8
		mean := ohm.VoxelMean{
			Coord: binary.LittleEndian.Uint32(b.mean[meanBase:]),
			Count: binary.LittleEndian.Uint32(b.mean[meanBase+4:]),
		}
		covBase := int(covSlot) + index*24
		var cov ohm.CovarianceVoxel
		for t := 0; t < 6; t++ {
			cov.P[t] = math.Float32frombits(binary.LittleEndian.Uint32(b.covariance[covBase+t*4:]))
		}
		cov = ohm.UpdateCovariance(cov, mean, rel, resolution)
		mean = ohm.UpdateMean(mean, rel, resolution)
		for t := 0; t < 6; t++ {
			binary.LittleEndian.PutUint32(b.covariance[covBase+t*4:], math.Float32bits(cov.P[t]))
		}
		binary.LittleEndian.PutUint32(b.mean[meanBase:], mean.Coord)
		binary.LittleEndian.PutUint32(b.mean[meanBase+4:], mean.Count)

		if b.hitMiss != nil && b.hitMissOffsets != nil {
			if hmSlot, okHm := findRegionSlot(b.regionKeys, b.hitMissOffsets, params.RegionCount, key.region); okHm {
				hmBase := int(hmSlot) + index*8
				hits := binary.LittleEndian.Uint32(b.hitMiss[hmBase:])
				binary.LittleEndian.PutUint32(b.hitMiss[hmBase:], hits+1)
			}
		}
	}
}

func rayPosition(rays []byte, ray uint32, which int) [3]float64 {
	base := int(ray)*rayStride + which*12
	var p [3]float64
	for i := 0; i < 3; i++ {
		p[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(rays[base+i*4:])))
	}
	return p
}
