package gpumap

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabioruetz/ohm"
)

func integrateOnHost(t *testing.T, m *ohm.OccupancyMap, rays []mgl64.Vec3) {
	t.Helper()
	require.NoError(t, m.IntegrateRays(rays, ohm.RayDefault))
}

// compareMaps asserts the device-backed map converges on the reference
// host map: at most 1% of observed voxels may differ by more than half a
// hit.
func compareMaps(t *testing.T, reference, test *ohm.OccupancyMap) {
	t.Helper()
	const allowedFailureRatio = 0.01
	tolerance := reference.HitValue() * 0.5

	processed := 0
	failures := 0
	reference.ForEachVoxel(func(key ohm.Key, chunk *ohm.MapChunk, index int) bool {
		voxel, err := reference.Voxel(key, false)
		require.NoError(t, err)
		if voxel.OccupancyType() == ohm.OccupancyUnobserved {
			return true
		}
		processed++
		other, err := test.Voxel(key, false)
		require.NoError(t, err)
		if float32(math.Abs(float64(voxel.Occupancy()-other.Occupancy()))) >= tolerance {
			failures++
		}
		return true
	})

	require.Greater(t, processed, 0, "reference map must hold observations")
	ratio := float64(failures) / float64(processed)
	assert.LessOrEqual(t, ratio, allowedFailureRatio,
		"%d of %d voxels diverged", failures, processed)
}

func newDeviceMap(t *testing.T, resolution float64, regionDim [3]int, opts ...GpuMapOption) *GpuMap {
	t.Helper()
	m, err := ohm.NewOccupancyMap(resolution, regionDim)
	require.NoError(t, err)
	device := NewHostDevice()
	t.Cleanup(device.Release)
	g, err := NewGpuMap(m, device, opts...)
	require.NoError(t, err)
	t.Cleanup(g.Release)
	require.True(t, g.GpuOK())
	return g
}

func TestGpuMapPopulateTiny(t *testing.T) {
	const resolution = 0.25
	regionDim := [3]int{32, 32, 32}

	rays := []mgl64.Vec3{
		{0.3, 0.3, 0.3}, {1.1, 1.1, 1.1},
		{-5, -5, -5}, {0.3, 0.3, 0.3},
	}

	cpuMap, err := ohm.NewOccupancyMap(resolution, regionDim)
	require.NoError(t, err)
	gpu := newDeviceMap(t, resolution, regionDim)

	// One ray per batch exercises the double buffer flip.
	for i := 0; i+1 < len(rays); i += 2 {
		require.NoError(t, gpu.IntegrateRays(rays[i:i+2], ohm.RayDefault))
	}
	require.NoError(t, gpu.SyncOccupancy())
	integrateOnHost(t, cpuMap, rays)

	compareMaps(t, cpuMap, gpu.Map())
}

func TestGpuMapPopulateSmall(t *testing.T) {
	const resolution = 0.25
	const rayCount = 64
	const batchSize = 32
	regionDim := [3]int{32, 32, 32}

	rng := rand.New(rand.NewSource(17))
	var rays []mgl64.Vec3
	for len(rays) < rayCount*2 {
		rays = append(rays,
			mgl64.Vec3{0.05, 0.05, 0.05},
			mgl64.Vec3{rng.Float64()*100 - 50, rng.Float64()*100 - 50, rng.Float64()*100 - 50})
	}

	cpuMap, err := ohm.NewOccupancyMap(resolution, regionDim)
	require.NoError(t, err)
	gpu := newDeviceMap(t, resolution, regionDim)

	for i := 0; i < len(rays); i += batchSize * 2 {
		end := i + batchSize*2
		if end > len(rays) {
			end = len(rays)
		}
		require.NoError(t, gpu.IntegrateRays(rays[i:end], ohm.RayDefault))
	}
	require.NoError(t, gpu.SyncOccupancy())
	integrateOnHost(t, cpuMap, rays)

	compareMaps(t, cpuMap, gpu.Map())
}

func TestGpuMapPopulateLarge(t *testing.T) {
	if testing.Short() {
		t.Skip("large population test")
	}
	const resolution = 0.25
	const rayCount = 1024 * 8
	const batchSize = 1024
	regionDim := [3]int{32, 32, 32}

	rng := rand.New(rand.NewSource(23))
	var rays []mgl64.Vec3
	for len(rays) < rayCount*2 {
		rays = append(rays,
			mgl64.Vec3{0.05, 0.05, 0.05},
			mgl64.Vec3{rng.Float64()*100 - 50, rng.Float64()*100 - 50, rng.Float64()*100 - 50})
	}

	cpuMap, err := ohm.NewOccupancyMap(resolution, regionDim)
	require.NoError(t, err)
	gpu := newDeviceMap(t, resolution, regionDim)

	for i := 0; i < len(rays); i += batchSize * 2 {
		end := i + batchSize*2
		if end > len(rays) {
			end = len(rays)
		}
		require.NoError(t, gpu.IntegrateRays(rays[i:end], ohm.RayDefault))
	}
	require.NoError(t, gpu.SyncOccupancy())
	integrateOnHost(t, cpuMap, rays)

	compareMaps(t, cpuMap, gpu.Map())
}

func TestGpuMapSmallCache(t *testing.T) {
	// A cache far smaller than the touched region set forces eviction
	// traffic mid-stream; results must still converge.
	const resolution = 0.5
	regionDim := [3]int{16, 16, 16}

	rng := rand.New(rand.NewSource(31))
	var rays []mgl64.Vec3
	for len(rays) < 256*2 {
		rays = append(rays,
			mgl64.Vec3{0, 0, 0},
			mgl64.Vec3{rng.Float64()*40 - 20, rng.Float64()*40 - 20, rng.Float64()*40 - 20})
	}

	cpuMap, err := ohm.NewOccupancyMap(resolution, regionDim)
	require.NoError(t, err)
	gpu := newDeviceMap(t, resolution, regionDim, WithCacheSlots(12))

	for i := 0; i < len(rays); i += 64 {
		end := i + 64
		if end > len(rays) {
			end = len(rays)
		}
		require.NoError(t, gpu.IntegrateRays(rays[i:end], ohm.RayDefault))
	}
	require.NoError(t, gpu.SyncOccupancy())
	integrateOnHost(t, cpuMap, rays)

	compareMaps(t, cpuMap, gpu.Map())
}

func TestGpuMapClearPass(t *testing.T) {
	// Populate a dense block, then clear a column with strong misses and
	// compare against the host path.
	const resolution = 0.25
	regionDim := [3]int{16, 16, 16}

	cpuMap, err := ohm.NewOccupancyMap(resolution, regionDim)
	require.NoError(t, err)
	gpu := newDeviceMap(t, resolution, regionDim)
	gpuMap := gpu.Map()

	var rays []mgl64.Vec3
	var key ohm.Key
	for z := 0; z < regionDim[2]; z++ {
		key.SetLocalAxis(2, uint8(z))
		for y := 0; y < regionDim[1]; y++ {
			key.SetLocalAxis(1, uint8(y))
			for x := 0; x < regionDim[0]; x++ {
				key.SetLocalAxis(0, uint8(x))
				centre := cpuMap.VoxelCentreGlobal(key)
				rays = append(rays, centre, centre)
			}
		}
	}
	require.NoError(t, gpu.IntegrateRays(rays, ohm.RayDefault))
	require.NoError(t, gpu.SyncOccupancy())
	integrateOnHost(t, cpuMap, rays)
	compareMaps(t, cpuMap, gpuMap)

	// Raise the miss magnitude beyond a hit so one pass clears.
	strongMiss := ohm.ValueToProbability(-cpuMap.HitValue() + cpuMap.MissValue())
	cpuMap.SetMissProbability(strongMiss)
	gpuMap.SetMissProbability(strongMiss)

	var clearRays []mgl64.Vec3
	fromKey := ohm.Key{}
	toKey := ohm.Key{Local: [3]uint8{0, uint8(regionDim[1] - 1), 0}}
	for x := 0; x < regionDim[0]; x++ {
		fromKey.SetLocalAxis(0, uint8(x))
		toKey.SetLocalAxis(0, uint8(x))
		clearRays = append(clearRays,
			cpuMap.VoxelCentreGlobal(fromKey), cpuMap.VoxelCentreGlobal(toKey))
	}

	require.NoError(t, gpu.IntegrateRays(clearRays, ohm.RayDefault))
	require.NoError(t, gpu.SyncOccupancy())
	integrateOnHost(t, cpuMap, clearRays)
	compareMaps(t, cpuMap, gpuMap)
}

func TestGpuMapBatchPermutationConverges(t *testing.T) {
	// Within one region and away from saturation, batch order must not
	// change the result beyond rounding.
	const resolution = 0.25
	regionDim := [3]int{16, 16, 16}

	rng := rand.New(rand.NewSource(5))
	var rays []mgl64.Vec3
	for i := 0; i < 128; i++ {
		rays = append(rays,
			mgl64.Vec3{0.1, 0.1, 0.1},
			mgl64.Vec3{rng.Float64() * 3.5, rng.Float64() * 3.5, rng.Float64() * 3.5})
	}

	run := func(batches [][]mgl64.Vec3) *ohm.OccupancyMap {
		gpu := newDeviceMap(t, resolution, regionDim)
		for _, batch := range batches {
			require.NoError(t, gpu.IntegrateRays(batch, ohm.RayDefault))
		}
		require.NoError(t, gpu.SyncOccupancy())
		return gpu.Map()
	}

	forward := run([][]mgl64.Vec3{rays[:64], rays[64:128], rays[128:]})
	reversed := run([][]mgl64.Vec3{rays[128:], rays[64:128], rays[:64]})

	forward.ForEachVoxel(func(key ohm.Key, chunk *ohm.MapChunk, index int) bool {
		a, err := forward.Voxel(key, false)
		require.NoError(t, err)
		if a.OccupancyType() == ohm.OccupancyUnobserved {
			return true
		}
		b, err := reversed.Voxel(key, false)
		require.NoError(t, err)
		// Saturated voxels may legitimately differ; everything else must
		// agree to float rounding.
		saturated := a.Occupancy() <= forward.MinVoxelValue() || a.Occupancy() >= forward.MaxVoxelValue()
		if !saturated {
			assert.InDelta(t, float64(a.Occupancy()), float64(b.Occupancy()), 1e-4, "key %v", key)
		}
		return true
	})
}

func TestGpuMapWithoutDeviceFallsBack(t *testing.T) {
	m, err := ohm.NewOccupancyMap(0.25, [3]int{16, 16, 16})
	require.NoError(t, err)
	g, err := NewGpuMap(m, nil)
	require.NoError(t, err)
	assert.False(t, g.GpuOK())

	rays := []mgl64.Vec3{{0.3, 0.3, 0.3}, {1.1, 1.1, 1.1}}
	require.NoError(t, g.IntegrateRays(rays, ohm.RayDefault))

	// The synchronous path landed on the host map directly.
	voxel, err := m.Voxel(m.VoxelKey(rays[1]), false)
	require.NoError(t, err)
	assert.Equal(t, ohm.OccupancyOccupied, voxel.OccupancyType())

	// The async path refuses.
	assert.ErrorIs(t, g.IntegrateRaysAsync(rays, ohm.RayDefault), ohm.ErrDeviceUnavailable)
	require.NoError(t, g.SyncOccupancy())
}

func TestGpuMapWaitAsync(t *testing.T) {
	gpu := newDeviceMap(t, 0.25, [3]int{16, 16, 16})
	rays := []mgl64.Vec3{{0, 0, 0}, {2, 2, 2}}
	require.NoError(t, gpu.IntegrateRays(rays, ohm.RayDefault))
	assert.True(t, gpu.WaitAsync(5*time.Second))
	require.NoError(t, gpu.SyncOccupancy())
}

func TestGpuNdtMapUpdatesStatistics(t *testing.T) {
	m, err := ohm.NewOccupancyMap(0.25, [3]int{16, 16, 16})
	require.NoError(t, err)
	device := NewHostDevice()
	t.Cleanup(device.Release)
	g, err := NewGpuMap(m, device, WithNdt())
	require.NoError(t, err)
	t.Cleanup(g.Release)

	layout := m.Layout()
	require.GreaterOrEqual(t, layout.MeanLayer(), 0)
	require.GreaterOrEqual(t, layout.CovarianceLayer(), 0)
	require.GreaterOrEqual(t, layout.HitMissCountLayer(), 0)

	sample := mgl64.Vec3{0.31, 0.31, 0.31}
	var rays []mgl64.Vec3
	for i := 0; i < 8; i++ {
		rays = append(rays, mgl64.Vec3{-1, -1, -1}, sample)
	}
	require.NoError(t, g.IntegrateRays(rays, ohm.RayDefault))
	require.NoError(t, g.SyncOccupancy())

	key := m.VoxelKey(sample)
	meanVoxel, err := m.VoxelLayer(key, layout.MeanLayer(), false)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), meanVoxel.Mean().Count)

	hm, err := m.VoxelLayer(key, layout.HitMissCountLayer(), false)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), hm.ReadUint32("hit_count"))

	occ, err := m.Voxel(key, false)
	require.NoError(t, err)
	assert.Equal(t, ohm.OccupancyOccupied, occ.OccupancyType())
}

func TestCacheExhaustedRetriesAfterSync(t *testing.T) {
	// Two slots and rays spanning many regions: every batch needs more
	// residency than the cache holds at once, forcing the internal
	// sync-and-retry path.
	gpu := newDeviceMap(t, 0.5, [3]int{8, 8, 8}, WithCacheSlots(2))

	var rays []mgl64.Vec3
	for i := 0; i < 8; i++ {
		rays = append(rays,
			mgl64.Vec3{float64(i) * 5, 0, 0},
			mgl64.Vec3{float64(i)*5 + 3, 0, 0})
	}
	require.NoError(t, gpu.IntegrateRays(rays, ohm.RayDefault))
	require.NoError(t, gpu.SyncOccupancy())

	// Spot check one sample voxel.
	voxel, err := gpu.Map().Voxel(gpu.Map().VoxelKey(mgl64.Vec3{3, 0, 0}), false)
	require.NoError(t, err)
	assert.Equal(t, ohm.OccupancyOccupied, voxel.OccupancyType())
}
