package gpumap

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"

	"github.com/fabioruetz/ohm"
)

const stagingSetCount = 2

// stagingSet is one half of the double buffer: host staging bytes plus
// their device buffers and the events tracking the batch through upload
// and kernel execution.
type stagingSet struct {
	rayKeys    []byte
	rays       []byte
	regionKeys []byte
	offsets    [][]byte // parallel to GpuMap.caches
	regions    [][3]int16
	rayCount   uint32

	rayKeyBuf    Buffer
	rayBuf       Buffer
	regionKeyBuf Buffer
	offsetBufs   []Buffer

	uploadEvents []Event
	kernelEvent  Event
}

func (s *stagingSet) reset(cacheCount int) {
	s.rayKeys = s.rayKeys[:0]
	s.rays = s.rays[:0]
	s.regionKeys = s.regionKeys[:0]
	s.regions = s.regions[:0]
	s.rayCount = 0
	s.uploadEvents = s.uploadEvents[:0]
	if len(s.offsets) != cacheCount {
		s.offsets = make([][]byte, cacheCount)
		s.offsetBufs = make([]Buffer, cacheCount)
	}
	for i := range s.offsets {
		s.offsets[i] = s.offsets[i][:0]
	}
}

// GpuMap drives batched ray integration through a compute device,
// overlapping host batch assembly with device execution. Without a device
// it degrades to the host updater for synchronous calls.
type GpuMap struct {
	m      *ohm.OccupancyMap
	device Device
	log    ohm.Logger

	gpuOK             bool
	unavailableLogged bool

	caches []*LayerCache
	ndt    bool

	sets        [stagingSetCount]*stagingSet
	current     int
	batchMarker uint32

	scratchRegions [][3]int16
	scratchSeen    map[[3]int16]struct{}
}

// GpuMapOption configures a GpuMap.
type GpuMapOption func(*gpuMapConfig)

type gpuMapConfig struct {
	slotCount int
	log       ohm.Logger
	ndt       bool
}

// WithCacheSlots bounds the device cache to slotCount regions per layer.
func WithCacheSlots(slotCount int) GpuMapOption {
	return func(c *gpuMapConfig) { c.slotCount = slotCount }
}

// WithGpuLogger injects a logger for device path diagnostics.
func WithGpuLogger(log ohm.Logger) GpuMapOption {
	return func(c *gpuMapConfig) { c.log = log }
}

// WithNdt enables the NDT statistics update: mean, covariance and hit
// count layers are added to the map layout if absent and mirrored on the
// device.
func WithNdt() GpuMapOption {
	return func(c *gpuMapConfig) { c.ndt = true }
}

// NewGpuMap wraps a map for device-backed integration. A nil device is
// accepted: the integrator reports unavailable and synchronous calls run
// on the host.
func NewGpuMap(m *ohm.OccupancyMap, device Device, opts ...GpuMapOption) (*GpuMap, error) {
	cfg := gpuMapConfig{
		slotCount: 512,
		log:       ohm.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	g := &GpuMap{
		m:      m,
		device: device,
		log:    cfg.log,
		ndt:    cfg.ndt,
	}
	for i := range g.sets {
		g.sets[i] = &stagingSet{}
	}
	g.scratchSeen = make(map[[3]int16]struct{})

	if device == nil {
		return g, nil
	}

	layout := m.Layout()
	layerIndices := []int{layout.OccupancyLayer()}
	if cfg.ndt {
		ohm.AddMeanLayer(layout)
		ohm.AddCovarianceLayer(layout)
		ohm.AddHitMissCountLayer(layout)
		layerIndices = append(layerIndices,
			layout.MeanLayer(), layout.CovarianceLayer(), layout.HitMissCountLayer())
	}
	for _, layerIndex := range layerIndices {
		cache, err := NewLayerCache(device, m, layerIndex, cfg.slotCount)
		if err != nil {
			return nil, err
		}
		g.caches = append(g.caches, cache)
	}
	for i := range g.sets {
		g.sets[i].reset(len(g.caches))
	}
	g.batchMarker = g.caches[0].BatchMarker()
	g.gpuOK = true
	return g, nil
}

// Map returns the wrapped occupancy map.
func (g *GpuMap) Map() *ohm.OccupancyMap { return g.m }

// GpuOK reports whether a device path is available.
func (g *GpuMap) GpuOK() bool { return g.gpuOK }

// OccupancyCache exposes the occupancy layer cache, primarily for tests
// and diagnostics.
func (g *GpuMap) OccupancyCache() *LayerCache {
	if len(g.caches) == 0 {
		return nil
	}
	return g.caches[0]
}

// IntegrateRays submits one batch of consecutive (origin, sample) pairs.
// The call returns once the batch is enqueued; the next batch can be
// assembled while the device executes this one. Without a device the rays
// integrate synchronously on the host.
func (g *GpuMap) IntegrateRays(rays []mgl64.Vec3, flags ohm.RayFlags) error {
	if len(rays) < 2 {
		return nil
	}
	if !g.gpuOK {
		if !g.unavailableLogged {
			g.log.Warnf("no compute device: integrating on host")
			g.unavailableLogged = true
		}
		return g.m.IntegrateRays(rays, flags)
	}

	set := g.sets[g.current]
	// The staging buffers of this set may still feed an in-flight
	// kernel from two batches ago; wait it out before rewriting them.
	if set.kernelEvent != nil {
		set.kernelEvent.Wait()
	}
	set.reset(len(g.caches))

	g.assembleBatch(set, rays)
	if err := g.finaliseBatch(set, flags); err != nil {
		if !errors.Is(err, ohm.ErrCacheExhausted) || len(rays) < 4 {
			return err
		}
		// The batch touches more regions than the cache can pin at
		// once. Age out the abandoned batch's slot stamps, then split
		// the rays into smaller batches.
		g.rotateBatchMarkers()
		half := (len(rays) / 4) * 2
		if err := g.IntegrateRays(rays[:half], flags); err != nil {
			return err
		}
		return g.IntegrateRays(rays[half:], flags)
	}
	g.current = (g.current + 1) % stagingSetCount
	return nil
}

func (g *GpuMap) rotateBatchMarkers() {
	g.batchMarker = g.caches[0].BeginBatch()
	for _, cache := range g.caches[1:] {
		cache.SyncBatchMarker(g.batchMarker)
	}
}

// IntegrateRaysAsync is IntegrateRays without the host fallback: it fails
// with ErrDeviceUnavailable when no device is present.
func (g *GpuMap) IntegrateRaysAsync(rays []mgl64.Vec3, flags ohm.RayFlags) error {
	if !g.gpuOK {
		return ohm.ErrDeviceUnavailable
	}
	return g.IntegrateRays(rays, flags)
}

// assembleBatch fills the staging set from the ray list: per-ray start and
// end keys, origin-relative positions and the deduplicated region list.
func (g *GpuMap) assembleBatch(set *stagingSet, rays []mgl64.Vec3) {
	origin := g.m.Origin()
	for k := range g.scratchSeen {
		delete(g.scratchSeen, k)
	}

	var keyScratch [gpuKeySize]byte
	for i := 0; i+1 < len(rays); i += 2 {
		start, end := rays[i], rays[i+1]
		startKey := g.m.VoxelKey(start)
		endKey := g.m.VoxelKey(end)

		putGpuKey(keyScratch[:], startKey)
		set.rayKeys = append(set.rayKeys, keyScratch[:]...)
		putGpuKey(keyScratch[:], endKey)
		set.rayKeys = append(set.rayKeys, keyScratch[:]...)

		var pos [4]byte
		for _, p := range []mgl64.Vec3{start, end} {
			for axis := 0; axis < 3; axis++ {
				binary.LittleEndian.PutUint32(pos[:], floatBits(p[axis]-origin[axis]))
				set.rays = append(set.rays, pos[:]...)
			}
		}
		set.rayCount++

		g.scratchRegions = g.m.CalculateSegmentRegions(g.scratchRegions[:0], start, end)
		for _, region := range g.scratchRegions {
			if _, seen := g.scratchSeen[region]; !seen {
				g.scratchSeen[region] = struct{}{}
				set.regions = append(set.regions, region)
			}
		}
	}
}

// finaliseBatch makes every touched region resident, uploads the staging
// buffers and enqueues the update kernel(s).
func (g *GpuMap) finaliseBatch(set *stagingSet, flags ohm.RayFlags) error {
	var slotWaits []Event
	var scratch [offsetSize]byte
	for _, region := range set.regions {
		var regionBytes [regionKeySize]byte
		putRegionKey(regionBytes[:], region)
		set.regionKeys = append(set.regionKeys, regionBytes[:]...)

		for cacheIndex, cache := range g.caches {
			slot, err := g.ensureResidentRetry(cache, region)
			if err != nil {
				return err
			}
			// Overlapping slots from the other set's batch order this
			// kernel after theirs.
			if event := cache.SlotEvent(region); event != nil {
				slotWaits = append(slotWaits, event)
			}
			binary.LittleEndian.PutUint64(scratch[:], cache.SlotOffset(slot))
			set.offsets[cacheIndex] = append(set.offsets[cacheIndex], scratch[:]...)
		}
	}

	if err := g.uploadStaging(set); err != nil {
		return err
	}

	params := KernelParams{
		RegionDim: [3]int32{
			int32(g.m.RegionDimensions()[0]),
			int32(g.m.RegionDimensions()[1]),
			int32(g.m.RegionDimensions()[2]),
		},
		Resolution:  float32(g.m.Resolution()),
		HitValue:    g.m.HitValue(),
		MissValue:   g.m.MissValue(),
		Threshold:   g.m.OccupancyThreshold(),
		MinValue:    g.m.MinVoxelValue(),
		MaxValue:    g.m.MaxVoxelValue(),
		Flags:       uint32(flags),
		RayCount:    set.rayCount,
		RegionCount: uint32(len(set.regions)),
	}

	buffers := g.kernelBuffers(set)
	waits := append(append([]Event{}, set.uploadEvents...), slotWaits...)
	waits = append(waits, g.device.InsertBarrier())

	includeSample := flags&(ohm.RayExcludeSample|ohm.RayEndPointAsFree) == 0
	missFlags := flags
	if g.ndt && includeSample {
		// The NDT sample update runs as a separate serialised pass.
		missFlags |= ohm.RayExcludeSample
	}
	missParams := params
	missParams.Flags = uint32(missFlags)
	kernelEvent, err := g.device.EnqueueKernel(KernelRegionUpdate, missParams, buffers, waits)
	if err != nil {
		return errors.Wrap(ohm.ErrDeviceKernelFailed, err.Error())
	}
	if g.ndt && includeSample {
		kernelEvent, err = g.device.EnqueueKernel(KernelNdtHit, params, buffers, []Event{kernelEvent})
		if err != nil {
			return errors.Wrap(ohm.ErrDeviceKernelFailed, err.Error())
		}
	}
	set.kernelEvent = kernelEvent

	for _, cache := range g.caches {
		cache.UpdateEvents(g.batchMarker, kernelEvent, true)
	}
	g.rotateBatchMarkers()
	return nil
}

// ensureResidentRetry retries a CacheExhausted residency failure once
// after draining in-flight work.
func (g *GpuMap) ensureResidentRetry(cache *LayerCache, region [3]int16) (int, error) {
	slot, err := cache.EnsureResident(region)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, ohm.ErrCacheExhausted) {
		return -1, err
	}
	g.log.Debugf("cache exhausted for region %v: syncing", region)
	if err := g.SyncOccupancy(); err != nil {
		return -1, err
	}
	return cache.EnsureResident(region)
}

func (g *GpuMap) uploadStaging(set *stagingSet) error {
	var err error
	upload := func(buf *Buffer, data []byte) {
		if err != nil || len(data) == 0 {
			return
		}
		if *buf == nil || (*buf).Size() < len(data) {
			if *buf != nil {
				(*buf).Release()
			}
			*buf, err = g.device.CreateBuffer(growSize(len(data)))
			if err != nil {
				return
			}
		}
		set.uploadEvents = append(set.uploadEvents, (*buf).Upload(0, data))
	}

	upload(&set.rayKeyBuf, set.rayKeys)
	upload(&set.rayBuf, set.rays)
	upload(&set.regionKeyBuf, set.regionKeys)
	for i := range set.offsets {
		upload(&set.offsetBufs[i], set.offsets[i])
	}
	return err
}

// growSize pads allocations so steadily growing batches do not
// reallocate every submission.
func growSize(n int) int {
	return n + n/2
}

func (g *GpuMap) kernelBuffers(set *stagingSet) KernelBuffers {
	buffers := KernelBuffers{
		Occupancy:        g.caches[0].Buffer(),
		OccupancyOffsets: set.offsetBufs[0],
		RegionKeys:       set.regionKeyBuf,
		RayKeys:          set.rayKeyBuf,
		Rays:             set.rayBuf,
	}
	if g.ndt && len(g.caches) >= 4 {
		buffers.Mean = g.caches[1].Buffer()
		buffers.MeanOffsets = set.offsetBufs[1]
		buffers.Covariance = g.caches[2].Buffer()
		buffers.CovarianceOffset = set.offsetBufs[2]
		buffers.HitMiss = g.caches[3].Buffer()
		buffers.HitMissOffsets = set.offsetBufs[3]
	}
	return buffers
}

// SyncOccupancy waits for every in-flight batch, downloads dirty slots
// into their host chunks and clears the dirty and in-flight flags. After
// it returns the host map reflects every kernel enqueued before the call.
func (g *GpuMap) SyncOccupancy() error {
	if !g.gpuOK {
		return nil
	}
	for _, set := range g.sets {
		if set.kernelEvent != nil {
			set.kernelEvent.Wait()
		}
		WaitAll(set.uploadEvents)
	}
	for _, cache := range g.caches {
		if err := cache.Flush(nil); err != nil {
			return err
		}
	}
	return nil
}

// WaitAsync polls until all in-flight device work completes or the
// timeout elapses. A negative timeout waits indefinitely. Reports whether
// everything completed.
func (g *GpuMap) WaitAsync(timeout time.Duration) bool {
	var events []Event
	for _, set := range g.sets {
		if set.kernelEvent != nil {
			events = append(events, set.kernelEvent)
		}
		events = append(events, set.uploadEvents...)
	}
	for _, cache := range g.caches {
		events = cache.PendingEvents(events)
	}
	return WaitAllTimeout(events, timeout)
}

// Release syncs and frees device resources.
func (g *GpuMap) Release() {
	if !g.gpuOK {
		return
	}
	_ = g.SyncOccupancy()
	for _, set := range g.sets {
		for _, buf := range []Buffer{set.rayKeyBuf, set.rayBuf, set.regionKeyBuf} {
			if buf != nil {
				buf.Release()
			}
		}
		for _, buf := range set.offsetBufs {
			if buf != nil {
				buf.Release()
			}
		}
	}
	for _, cache := range g.caches {
		cache.Release()
	}
}

func floatBits(v float64) uint32 {
	return math.Float32bits(float32(v))
}
