package ohm

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// OccupancyMap is a spatially chunked probabilistic voxel map. Within one
// map instance all mutating operations are single writer; separate maps
// are independent and may be driven from parallel goroutines.
type OccupancyMap struct {
	id         uuid.UUID
	origin     mgl64.Vec3
	resolution float64
	regionDim  [3]int
	// World-space edge lengths of one region.
	regionSpatial mgl64.Vec3

	layout *MapLayout
	// Region hash bucket -> collision chain. Entries in one bucket may
	// carry different region keys; lookups compare keys before use.
	regions    map[uint32][]*MapChunk
	chunkCount int

	hitValue              float32
	missValue             float32
	minVoxelValue         float32
	maxVoxelValue         float32
	occupancyThreshold    float32
	occupancyThresholdPrb float64

	stamp uint64
	log   Logger
	abort *atomic.Bool

	// Sensor timestamp applied to chunks touched by subsequent rays.
	rayTime float64

	// Called as chunks are destroyed so device mirrors can drop slots.
	chunkRemovedHooks []func(region [3]int16)
}

// MapOption configures an OccupancyMap at construction.
type MapOption func(*OccupancyMap)

// WithOrigin sets the world-space origin of voxel (0,0,0;0,0,0).
func WithOrigin(origin mgl64.Vec3) MapOption {
	return func(m *OccupancyMap) { m.origin = origin }
}

// WithLogger injects a logger. Defaults to a no-op logger.
func WithLogger(log Logger) MapOption {
	return func(m *OccupancyMap) { m.log = log }
}

// WithLayout replaces the default occupancy-only layout.
func WithLayout(layout *MapLayout) MapOption {
	return func(m *OccupancyMap) { m.layout = layout }
}

// WithHitProbability sets the probability applied by a hit.
func WithHitProbability(p float64) MapOption {
	return func(m *OccupancyMap) { m.hitValue = ProbabilityToValue(p) }
}

// WithMissProbability sets the probability applied by a miss.
func WithMissProbability(p float64) MapOption {
	return func(m *OccupancyMap) { m.missValue = ProbabilityToValue(p) }
}

// WithSaturation sets the log-odds saturation bounds as probabilities.
func WithSaturation(minProbability, maxProbability float64) MapOption {
	return func(m *OccupancyMap) {
		m.minVoxelValue = ProbabilityToValue(minProbability)
		m.maxVoxelValue = ProbabilityToValue(maxProbability)
	}
}

// WithAbortFlag injects a cooperative abort flag. Long operations poll it
// between regions and return ErrAborted when set.
func WithAbortFlag(abort *atomic.Bool) MapOption {
	return func(m *OccupancyMap) { m.abort = abort }
}

// NewOccupancyMap creates an empty map with the given voxel resolution in
// metres and region voxel dimensions. Chunks are created lazily on first
// write to their region.
func NewOccupancyMap(resolution float64, regionDim [3]int, opts ...MapOption) (*OccupancyMap, error) {
	if resolution <= 0 {
		return nil, errors.Wrap(ErrBadArgument, "resolution must be positive")
	}
	for i := 0; i < 3; i++ {
		if regionDim[i] < 1 || regionDim[i] > 255 {
			return nil, errors.Wrapf(ErrBadArgument, "region dimension %d out of range", regionDim[i])
		}
	}

	m := &OccupancyMap{
		id:         uuid.New(),
		resolution: resolution,
		regionDim:  regionDim,
		regions:    make(map[uint32][]*MapChunk),
		log:        NewNopLogger(),
	}
	m.regionSpatial = mgl64.Vec3{
		float64(regionDim[0]) * resolution,
		float64(regionDim[1]) * resolution,
		float64(regionDim[2]) * resolution,
	}

	// Probability defaults: hit 0.7, miss 0.4, saturation [0.1, 0.998],
	// occupied at p >= 0.5.
	m.hitValue = ProbabilityToValue(0.7)
	m.missValue = ProbabilityToValue(0.4)
	m.minVoxelValue = ProbabilityToValue(0.1)
	m.maxVoxelValue = ProbabilityToValue(0.998)
	m.occupancyThreshold = 0
	m.occupancyThresholdPrb = 0.5

	for _, opt := range opts {
		opt(m)
	}
	if m.layout == nil {
		m.layout = NewMapLayout()
		AddOccupancyLayer(m.layout)
	}
	if m.layout.OccupancyLayer() < 0 {
		return nil, errors.Wrap(ErrNoSuchLayer, "layout has no occupancy layer")
	}
	return m, nil
}

// ID returns the map's instance identity, used for log correlation.
func (m *OccupancyMap) ID() uuid.UUID { return m.id }

// Origin returns the map origin.
func (m *OccupancyMap) Origin() mgl64.Vec3 { return m.origin }

// Resolution returns the voxel edge length in metres.
func (m *OccupancyMap) Resolution() float64 { return m.resolution }

// RegionDimensions returns the voxel dimensions of a region.
func (m *OccupancyMap) RegionDimensions() [3]int { return m.regionDim }

// RegionSpatialDimensions returns the world-space edge lengths of a region.
func (m *OccupancyMap) RegionSpatialDimensions() mgl64.Vec3 { return m.regionSpatial }

// RegionVoxelVolume returns the number of voxels in one region at
// subsampling level zero.
func (m *OccupancyMap) RegionVoxelVolume() int {
	return m.regionDim[0] * m.regionDim[1] * m.regionDim[2]
}

// Layout returns the map's layer layout.
func (m *OccupancyMap) Layout() *MapLayout { return m.layout }

// ChunkCount returns the number of resident chunks.
func (m *OccupancyMap) ChunkCount() int { return m.chunkCount }

// HitValue returns the log-odds adjustment applied by a hit.
func (m *OccupancyMap) HitValue() float32 { return m.hitValue }

// MissValue returns the log-odds adjustment applied by a miss.
func (m *OccupancyMap) MissValue() float32 { return m.missValue }

// MinVoxelValue returns the lower saturation bound.
func (m *OccupancyMap) MinVoxelValue() float32 { return m.minVoxelValue }

// MaxVoxelValue returns the upper saturation bound.
func (m *OccupancyMap) MaxVoxelValue() float32 { return m.maxVoxelValue }

// OccupancyThreshold returns the log-odds value at and above which a voxel
// counts as occupied.
func (m *OccupancyMap) OccupancyThreshold() float32 { return m.occupancyThreshold }

// OccupancyThresholdProbability returns the occupancy threshold as a
// probability.
func (m *OccupancyMap) OccupancyThresholdProbability() float64 { return m.occupancyThresholdPrb }

// SetOccupancyThresholdProbability sets the occupied threshold. p must lie
// in [0, 1).
func (m *OccupancyMap) SetOccupancyThresholdProbability(p float64) error {
	if p < 0 || p >= 1 {
		return errors.Wrapf(ErrBadArgument, "threshold probability %v outside [0,1)", p)
	}
	m.occupancyThresholdPrb = p
	m.occupancyThreshold = ProbabilityToValue(p)
	return nil
}

// SetMissProbability adjusts the miss probability after construction.
func (m *OccupancyMap) SetMissProbability(p float64) {
	m.missValue = ProbabilityToValue(p)
}

// SetHitProbability adjusts the hit probability after construction.
func (m *OccupancyMap) SetHitProbability(p float64) {
	m.hitValue = ProbabilityToValue(p)
}

// Stamp returns the map's monotonic modification stamp.
func (m *OccupancyMap) Stamp() uint64 { return m.stamp }

// Touch advances and returns the modification stamp.
func (m *OccupancyMap) Touch() uint64 {
	m.stamp++
	return m.stamp
}

// aborted reports whether the injected abort flag is set.
func (m *OccupancyMap) aborted() bool {
	return m.abort != nil && m.abort.Load()
}

// OnChunkRemoved registers a hook invoked with the region coordinate of
// every chunk destroyed. Device mirrors use this to invalidate slots.
func (m *OccupancyMap) OnChunkRemoved(hook func(region [3]int16)) {
	m.chunkRemovedHooks = append(m.chunkRemovedHooks, hook)
}

// VoxelKey maps a world point to the key of the voxel whose half-open cell
// contains it.
func (m *OccupancyMap) VoxelKey(point mgl64.Vec3) Key {
	var key Key
	rel := point.Sub(m.origin)
	for i := 0; i < 3; i++ {
		region := math.Floor(rel[i] / m.regionSpatial[i])
		key.Region[i] = int16(region)
		local := int(math.Floor((rel[i] - region*m.regionSpatial[i]) / m.resolution))
		// Guard the upper edge: accumulated rounding can land exactly on
		// the next region boundary.
		if local < 0 {
			local = 0
		}
		if local >= m.regionDim[i] {
			local = m.regionDim[i] - 1
		}
		key.Local[i] = uint8(local)
	}
	return key
}

// RegionKey returns the region coordinate containing a world point.
func (m *OccupancyMap) RegionKey(point mgl64.Vec3) [3]int16 {
	var region [3]int16
	rel := point.Sub(m.origin)
	for i := 0; i < 3; i++ {
		region[i] = int16(math.Floor(rel[i] / m.regionSpatial[i]))
	}
	return region
}

// RegionOrigin returns the world coordinate of a region's minimum corner.
func (m *OccupancyMap) RegionOrigin(region [3]int16) mgl64.Vec3 {
	return mgl64.Vec3{
		m.origin[0] + float64(region[0])*m.regionSpatial[0],
		m.origin[1] + float64(region[1])*m.regionSpatial[1],
		m.origin[2] + float64(region[2])*m.regionSpatial[2],
	}
}

// RegionCentre returns the world coordinate of a region's centre.
func (m *OccupancyMap) RegionCentre(region [3]int16) mgl64.Vec3 {
	origin := m.RegionOrigin(region)
	return origin.Add(m.regionSpatial.Mul(0.5))
}

// VoxelCentreGlobal returns the world coordinate of the voxel centre.
func (m *OccupancyMap) VoxelCentreGlobal(key Key) mgl64.Vec3 {
	origin := m.RegionOrigin(key.Region)
	return mgl64.Vec3{
		origin[0] + (float64(key.Local[0])+0.5)*m.resolution,
		origin[1] + (float64(key.Local[1])+0.5)*m.resolution,
		origin[2] + (float64(key.Local[2])+0.5)*m.resolution,
	}
}

// VoxelCentreLocal returns the voxel centre relative to the map origin.
func (m *OccupancyMap) VoxelCentreLocal(key Key) mgl64.Vec3 {
	return m.VoxelCentreGlobal(key).Sub(m.origin)
}

// VoxelIndex returns the linear index of a local coordinate within a
// chunk's unsubsampled layers: x varies fastest.
func (m *OccupancyMap) VoxelIndex(key Key) int {
	return int(key.Local[0]) +
		int(key.Local[1])*m.regionDim[0] +
		int(key.Local[2])*m.regionDim[0]*m.regionDim[1]
}

// LocalFromIndex inverts VoxelIndex.
func (m *OccupancyMap) LocalFromIndex(index int) [3]uint8 {
	x := index % m.regionDim[0]
	y := (index / m.regionDim[0]) % m.regionDim[1]
	z := index / (m.regionDim[0] * m.regionDim[1])
	return [3]uint8{uint8(x), uint8(y), uint8(z)}
}

// Region resolves the chunk for a region coordinate. With create set an
// absent chunk is allocated; otherwise nil is returned for absent regions.
func (m *OccupancyMap) Region(region [3]int16, create bool) (*MapChunk, error) {
	hash := RegionHash(region)
	for _, chunk := range m.regions[hash] {
		if chunk.key.Region == region {
			return chunk, nil
		}
	}
	if !create {
		return nil, nil
	}
	key := Key{Region: region}
	chunk, err := newMapChunk(key, m.RegionOrigin(region), m.layout, m.regionDim)
	if err != nil {
		return nil, err
	}
	m.regions[hash] = append(m.regions[hash], chunk)
	m.chunkCount++
	return chunk, nil
}

// removeChunk drops one chunk from its bucket. Returns false if absent.
func (m *OccupancyMap) removeChunk(region [3]int16) bool {
	hash := RegionHash(region)
	bucket := m.regions[hash]
	for i, chunk := range bucket {
		if chunk.key.Region == region {
			bucket[i] = bucket[len(bucket)-1]
			bucket = bucket[:len(bucket)-1]
			if len(bucket) == 0 {
				delete(m.regions, hash)
			} else {
				m.regions[hash] = bucket
			}
			m.chunkCount--
			for _, hook := range m.chunkRemovedHooks {
				hook(region)
			}
			return true
		}
	}
	return false
}

// Clear removes every chunk, leaving layout and parameters intact.
func (m *OccupancyMap) Clear() {
	for _, bucket := range m.regions {
		for _, chunk := range bucket {
			for _, hook := range m.chunkRemovedHooks {
				hook(chunk.key.Region)
			}
		}
	}
	m.regions = make(map[uint32][]*MapChunk)
	m.chunkCount = 0
}

// RemoveDistanceRegions removes every chunk whose centre lies strictly
// beyond distance from point. Returns the number removed.
func (m *OccupancyMap) RemoveDistanceRegions(point mgl64.Vec3, distance float64) (int, error) {
	if distance < 0 {
		return 0, errors.Wrap(ErrBadArgument, "negative cull distance")
	}
	distanceSq := distance * distance
	var doomed [][3]int16
	for _, bucket := range m.regions {
		if m.aborted() {
			return 0, ErrAborted
		}
		for _, chunk := range bucket {
			sep := m.RegionCentre(chunk.key.Region).Sub(point)
			if sep.Dot(sep) > distanceSq {
				doomed = append(doomed, chunk.key.Region)
			}
		}
	}
	for _, region := range doomed {
		m.removeChunk(region)
	}
	if len(doomed) > 0 {
		m.log.Debugf("map %s: culled %d regions beyond %.2fm of %v", m.id, len(doomed), distance, point)
	}
	return len(doomed), nil
}

// ExpireRegions removes every chunk whose touched time is strictly before
// the given time. Returns the number removed.
func (m *OccupancyMap) ExpireRegions(before time.Time) (int, error) {
	var doomed [][3]int16
	for _, bucket := range m.regions {
		if m.aborted() {
			return 0, ErrAborted
		}
		for _, chunk := range bucket {
			if chunk.touchedTime.Before(before) {
				doomed = append(doomed, chunk.key.Region)
			}
		}
	}
	for _, region := range doomed {
		m.removeChunk(region)
	}
	if len(doomed) > 0 {
		m.log.Debugf("map %s: expired %d regions touched before %v", m.id, len(doomed), before)
	}
	return len(doomed), nil
}

// FilterLayers removes every layer not named in preserve from the layout
// and from every resident chunk. Preserved layer buffers are carried over
// byte for byte.
func (m *OccupancyMap) FilterLayers(preserve []string) error {
	// Collect survivors in layout order; FilterLayers keeps that order.
	oldIndices := make([]int, 0, len(preserve))
	for i := 0; i < m.layout.LayerCount(); i++ {
		name := m.layout.Layer(i).Name()
		for _, keep := range preserve {
			if name == keep {
				oldIndices = append(oldIndices, i)
				break
			}
		}
	}
	m.layout.FilterLayers(preserve)
	if m.layout.OccupancyLayer() < 0 {
		return errors.Wrap(ErrNoSuchLayer, "filter removed the occupancy layer")
	}

	for _, bucket := range m.regions {
		for _, chunk := range bucket {
			buffers := make([][]byte, len(oldIndices))
			stamps := make([]uint64, len(oldIndices))
			for newIndex, oldIndex := range oldIndices {
				buffers[newIndex] = chunk.voxelBuffers[oldIndex]
				stamps[newIndex] = chunk.touchedStamps[oldIndex]
			}
			chunk.voxelBuffers = buffers
			chunk.touchedStamps = stamps
		}
	}
	return nil
}

// ForEachChunk visits every resident chunk in unspecified order. Returning
// false stops the walk.
func (m *OccupancyMap) ForEachChunk(visit func(chunk *MapChunk) bool) {
	for _, bucket := range m.regions {
		for _, chunk := range bucket {
			if !visit(chunk) {
				return
			}
		}
	}
}

// ForEachVoxel visits every voxel of every resident chunk: chunk by chunk
// in unspecified chunk order, then by linear voxel index within the chunk.
// Returning false stops the walk.
func (m *OccupancyMap) ForEachVoxel(visit func(key Key, chunk *MapChunk, voxelIndex int) bool) {
	volume := m.RegionVoxelVolume()
	m.ForEachChunk(func(chunk *MapChunk) bool {
		key := Key{Region: chunk.key.Region}
		for index := 0; index < volume; index++ {
			key.Local = m.LocalFromIndex(index)
			if !visit(key, chunk, index) {
				return false
			}
		}
		return true
	})
}

// IntegrateHit applies the hit adjustment to the voxel at key, creating
// its chunk if absent.
func (m *OccupancyMap) IntegrateHit(key Key) error {
	return m.integrateAdjustment(key, m.hitValue, false)
}

// IntegrateMiss applies the miss adjustment to the voxel at key, creating
// its chunk if absent.
func (m *OccupancyMap) IntegrateMiss(key Key) error {
	return m.integrateAdjustment(key, m.missValue, false)
}

// integrateAdjustment folds one log-odds adjustment into a voxel. With
// clearOnly set, unobserved voxels are left untouched.
func (m *OccupancyMap) integrateAdjustment(key Key, adjustment float32, clearOnly bool) error {
	chunk, err := m.Region(key.Region, true)
	if err != nil {
		return err
	}
	occLayer := m.layout.OccupancyLayer()
	buffer := chunk.VoxelBuffer(occLayer)
	index := m.VoxelIndex(key)
	value := readFloat32(buffer, index)
	if isUnobserved(value) {
		if clearOnly {
			return nil
		}
		value = 0
	}
	writeFloat32(buffer, index, clampValue(value+adjustment, m.minVoxelValue, m.maxVoxelValue))
	chunk.updateFirstValid(index)
	if m.rayTime != 0 {
		chunk.SetFirstRayTime(m.rayTime)
	}
	chunk.TouchLayer(occLayer, m.Touch())
	return nil
}

// SetRayTime records the sensor timestamp of the rays being integrated.
// Chunks first touched while it is set remember it as their first ray
// time.
func (m *OccupancyMap) SetRayTime(t float64) {
	m.rayTime = t
}

// isUnobserved reports whether the occupancy value is the unobserved
// sentinel.
func isUnobserved(value float32) bool {
	return math.IsInf(float64(value), 1)
}
