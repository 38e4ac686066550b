package ohm

import (
	"math"
)

// Well known layer names. Layers added through the helpers below carry the
// member layouts the rest of the engine and the serialisation format expect.
const (
	OccupancyLayerName    = "occupancy"
	MeanLayerName         = "mean"
	CovarianceLayerName   = "covariance"
	ClearanceLayerName    = "clearance"
	IntensityLayerName    = "intensity"
	TraversalLayerName    = "traversal"
	HitMissCountLayerName = "hit_miss_count"
	TouchTimeLayerName    = "touch_time"
	SemanticLayerName     = "semantic"
)

// UnobservedValue is the occupancy sentinel for voxels which have never
// been observed. It lies outside any usable log-odds interval.
func UnobservedValue() float32 {
	return float32(math.Inf(1))
}

// VoxelMean packs a sub-voxel mean position plus sample count. Coord holds
// three 10-bit offsets from the voxel centre, each spanning [-r/2, r/2).
type VoxelMean struct {
	Coord uint32
	Count uint32
}

// CovarianceVoxel stores the upper triangular half of a 3x3 covariance
// matrix in row-major order: P00 P01 P11 P02 P12 P22.
type CovarianceVoxel struct {
	P [6]float32
}

// IntensityMeanCov tracks the running mean and covariance of sample
// intensity within a voxel.
type IntensityMeanCov struct {
	Mean float32
	Cov  float32
}

// HitMissCount tracks per-voxel hit and pass-through counts for NDT-TM.
type HitMissCount struct {
	HitCount  uint32
	MissCount uint32
}

// SemanticLabel carries the two most likely labels and the probability of
// the first.
type SemanticLabel struct {
	Label       uint16
	SecondLabel uint16
	Prob        float32
}

// AddOccupancyLayer ensures the occupancy layer exists: one float32 of
// log-odds initialised to the unobserved sentinel.
func AddOccupancyLayer(layout *MapLayout) *MapLayer {
	if index := layout.OccupancyLayer(); index != -1 {
		return layout.Layer(index)
	}
	layer := layout.AddLayer(OccupancyLayerName, 0)
	clearValue := uint64(math.Float32bits(UnobservedValue()))
	layer.VoxelLayout().AddMember(OccupancyLayerName, TypeFloat32, clearValue)
	return layer
}

// AddMeanLayer ensures the voxel mean layer exists.
func AddMeanLayer(layout *MapLayout) *MapLayer {
	if index := layout.MeanLayer(); index != -1 {
		return layout.Layer(index)
	}
	layer := layout.AddLayer(MeanLayerName, 0)
	layer.VoxelLayout().AddMember("coord", TypeUInt32, 0)
	layer.VoxelLayout().AddMember("count", TypeUInt32, 0)
	return layer
}

// AddCovarianceLayer ensures the covariance layer exists: the upper
// triangular half of a 3x3 matrix.
func AddCovarianceLayer(layout *MapLayout) *MapLayer {
	if index := layout.CovarianceLayer(); index != -1 {
		return layout.Layer(index)
	}
	layer := layout.AddLayer(CovarianceLayerName, 0)
	voxel := layer.VoxelLayout()
	voxel.AddMember("P00", TypeFloat32, 0)
	voxel.AddMember("P01", TypeFloat32, 0)
	voxel.AddMember("P11", TypeFloat32, 0)
	voxel.AddMember("P02", TypeFloat32, 0)
	voxel.AddMember("P12", TypeFloat32, 0)
	voxel.AddMember("P22", TypeFloat32, 0)
	return layer
}

// AddClearanceLayer ensures the clearance layer exists. Clearance is the
// distance to the nearest occupied voxel in metres, -1 when not yet
// calculated.
func AddClearanceLayer(layout *MapLayout) *MapLayer {
	if index := layout.ClearanceLayer(); index != -1 {
		return layout.Layer(index)
	}
	layer := layout.AddLayer(ClearanceLayerName, 0)
	clearValue := uint64(math.Float32bits(-1.0))
	layer.VoxelLayout().AddMember(ClearanceLayerName, TypeFloat32, clearValue)
	return layer
}

// AddIntensityLayer ensures the intensity layer exists.
func AddIntensityLayer(layout *MapLayout) *MapLayer {
	if index := layout.IntensityLayer(); index != -1 {
		return layout.Layer(index)
	}
	layer := layout.AddLayer(IntensityLayerName, 0)
	layer.VoxelLayout().AddMember("mean", TypeFloat32, 0)
	layer.VoxelLayout().AddMember("cov", TypeFloat32, 0)
	return layer
}

// AddTraversalLayer ensures the traversal layer exists: accumulated
// distance travelled through each voxel.
func AddTraversalLayer(layout *MapLayout) *MapLayer {
	if index := layout.TraversalLayer(); index != -1 {
		return layout.Layer(index)
	}
	layer := layout.AddLayer(TraversalLayerName, 0)
	layer.VoxelLayout().AddMember(TraversalLayerName, TypeFloat32, 0)
	return layer
}

// AddHitMissCountLayer ensures the hit/miss count layer exists.
func AddHitMissCountLayer(layout *MapLayout) *MapLayer {
	if index := layout.HitMissCountLayer(); index != -1 {
		return layout.Layer(index)
	}
	layer := layout.AddLayer(HitMissCountLayerName, 0)
	layer.VoxelLayout().AddMember("hit_count", TypeUInt32, 0)
	layer.VoxelLayout().AddMember("miss_count", TypeUInt32, 0)
	return layer
}

// AddTouchTimeLayer ensures the touch time layer exists: a quantised
// per-voxel last update time.
func AddTouchTimeLayer(layout *MapLayout) *MapLayer {
	if layer := layout.LayerByName(TouchTimeLayerName); layer != nil {
		return layer
	}
	layer := layout.AddLayer(TouchTimeLayerName, 0)
	layer.VoxelLayout().AddMember("touch", TypeUInt32, 0)
	return layer
}

// AddSemanticLayer ensures the semantic label layer exists.
func AddSemanticLayer(layout *MapLayout) *MapLayer {
	if index := layout.SemanticLayer(); index != -1 {
		return layout.Layer(index)
	}
	layer := layout.AddLayer(SemanticLayerName, 0)
	voxel := layer.VoxelLayout()
	voxel.AddMember("label", TypeUInt16, 0)
	voxel.AddMember("second_label", TypeUInt16, 0)
	voxel.AddMember("label_prob", TypeFloat32, 0)
	return layer
}

const meanCoordBits = 10

// PackMeanCoord quantises a position relative to the voxel centre into the
// packed 10-bit-per-axis form. Offsets are clamped to [-r/2, r/2).
func PackMeanCoord(offset [3]float64, resolution float64) uint32 {
	var packed uint32
	scale := float64(int(1)<<meanCoordBits) / resolution
	for i := 0; i < 3; i++ {
		q := int(math.Floor(offset[i]*scale)) + (1 << (meanCoordBits - 1))
		if q < 0 {
			q = 0
		}
		if q >= 1<<meanCoordBits {
			q = 1<<meanCoordBits - 1
		}
		packed |= uint32(q) << (meanCoordBits * i)
	}
	return packed
}

// UnpackMeanCoord recovers the quantised offset from the voxel centre.
func UnpackMeanCoord(packed uint32, resolution float64) [3]float64 {
	var offset [3]float64
	scale := resolution / float64(int(1)<<meanCoordBits)
	for i := 0; i < 3; i++ {
		q := int(packed>>(meanCoordBits*i)) & (1<<meanCoordBits - 1)
		offset[i] = (float64(q-(1<<(meanCoordBits-1))) + 0.5) * scale
	}
	return offset
}

// UpdateMean folds one sample position (relative to the voxel centre) into
// the packed running mean.
func UpdateMean(mean VoxelMean, sample [3]float64, resolution float64) VoxelMean {
	current := UnpackMeanCoord(mean.Coord, resolution)
	count := float64(mean.Count)
	var next [3]float64
	for i := 0; i < 3; i++ {
		next[i] = (current[i]*count + sample[i]) / (count + 1)
	}
	return VoxelMean{
		Coord: PackMeanCoord(next, resolution),
		Count: mean.Count + 1,
	}
}
