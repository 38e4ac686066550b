package ohm

import (
	"github.com/pkg/errors"
)

// DataType identifies the primitive type of a voxel layout member. The
// numeric values are the serialised type tags and must not be reordered.
type DataType uint8

const (
	TypeUnknown DataType = iota
	TypeInt8
	TypeUInt8
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat32
	TypeFloat64
)

// Size returns the byte size of the type, zero for TypeUnknown.
func (t DataType) Size() int {
	switch t {
	case TypeInt8, TypeUInt8:
		return 1
	case TypeInt16, TypeUInt16:
		return 2
	case TypeInt32, TypeUInt32, TypeFloat32:
		return 4
	case TypeInt64, TypeUInt64, TypeFloat64:
		return 8
	}
	return 0
}

func (t DataType) String() string {
	switch t {
	case TypeInt8:
		return "int8"
	case TypeUInt8:
		return "uint8"
	case TypeInt16:
		return "int16"
	case TypeUInt16:
		return "uint16"
	case TypeInt32:
		return "int32"
	case TypeUInt32:
		return "uint32"
	case TypeInt64:
		return "int64"
	case TypeUInt64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	}
	return "unknown"
}

// VoxelMember is one named primitive inside a voxel. ClearPattern holds the
// little-endian initialisation bytes; only the first Type.Size() bytes are
// used.
type VoxelMember struct {
	Name         string
	Type         DataType
	ClearPattern [8]byte
	offset       int
}

// Offset returns the member's byte offset inside the packed voxel.
func (m *VoxelMember) Offset() int {
	return m.offset
}

// VoxelLayout describes the packed in-memory form of one voxel within a
// layer: an ordered list of named members.
type VoxelLayout struct {
	members []VoxelMember
}

// AddMember appends a member. clearValue supplies the initialisation
// pattern in its low bytes, little-endian.
func (v *VoxelLayout) AddMember(name string, dataType DataType, clearValue uint64) {
	member := VoxelMember{Name: name, Type: dataType}
	for i := 0; i < 8; i++ {
		member.ClearPattern[i] = byte(clearValue >> (8 * i))
	}
	v.members = append(v.members, member)
	v.repack()
}

// repack recomputes member offsets. Members are packed in declaration
// order, each aligned to its own size.
func (v *VoxelLayout) repack() {
	offset := 0
	for i := range v.members {
		size := v.members[i].Type.Size()
		if rem := offset % size; rem != 0 {
			offset += size - rem
		}
		v.members[i].offset = offset
		offset += size
	}
}

// MemberCount returns the number of members.
func (v *VoxelLayout) MemberCount() int {
	return len(v.members)
}

// Member returns the member at index i.
func (v *VoxelLayout) Member(i int) *VoxelMember {
	return &v.members[i]
}

// MemberIndex returns the index of the named member, -1 if absent.
func (v *VoxelLayout) MemberIndex(name string) int {
	for i := range v.members {
		if v.members[i].Name == name {
			return i
		}
	}
	return -1
}

// VoxelByteSize returns the packed size of a single voxel: the sum of the
// aligned member sizes rounded up to the largest member's natural
// alignment.
func (v *VoxelLayout) VoxelByteSize() int {
	if len(v.members) == 0 {
		return 0
	}
	maxAlign := 1
	for i := range v.members {
		if s := v.members[i].Type.Size(); s > maxAlign {
			maxAlign = s
		}
	}
	last := &v.members[len(v.members)-1]
	size := last.offset + last.Type.Size()
	if rem := size % maxAlign; rem != 0 {
		size += maxAlign - rem
	}
	return size
}

// fillClear writes the layout's clear pattern for one voxel into dst, which
// must be at least VoxelByteSize bytes.
func (v *VoxelLayout) fillClear(dst []byte) {
	for i := range v.members {
		m := &v.members[i]
		copy(dst[m.offset:m.offset+m.Type.Size()], m.ClearPattern[:m.Type.Size()])
	}
}

// MapLayer is one named per-voxel data stream. Subsampling halves the
// voxel dimensions of the layer per level; most layers use level zero.
type MapLayer struct {
	name        string
	layerIndex  int
	subsampling uint16
	voxel       VoxelLayout
}

// Name returns the layer name.
func (l *MapLayer) Name() string { return l.name }

// LayerIndex returns the layer's position in its MapLayout.
func (l *MapLayer) LayerIndex() int { return l.layerIndex }

// Subsampling returns the layer's subsampling level.
func (l *MapLayer) Subsampling() uint16 { return l.subsampling }

// VoxelLayout returns the layer's voxel layout for member registration.
func (l *MapLayer) VoxelLayout() *VoxelLayout { return &l.voxel }

// VoxelByteSize returns the packed per-voxel byte size.
func (l *MapLayer) VoxelByteSize() int { return l.voxel.VoxelByteSize() }

// VoxelCount returns the number of voxels this layer stores for a region of
// the given dimensions, accounting for subsampling.
func (l *MapLayer) VoxelCount(regionDim [3]int) int {
	count := 1
	for i := 0; i < 3; i++ {
		d := regionDim[i] >> l.subsampling
		if d < 1 {
			d = 1
		}
		count *= d
	}
	return count
}

// LayerByteSize returns the byte size of this layer's buffer for a region
// of the given dimensions.
func (l *MapLayer) LayerByteSize(regionDim [3]int) int {
	return l.VoxelCount(regionDim) * l.VoxelByteSize()
}

// FillClear initialises buffer to the layer's clear pattern. The buffer
// length must be a multiple of VoxelByteSize.
func (l *MapLayer) FillClear(buffer []byte) {
	stride := l.VoxelByteSize()
	if stride == 0 {
		return
	}
	for offset := 0; offset+stride <= len(buffer); offset += stride {
		l.voxel.fillClear(buffer[offset : offset+stride])
	}
}

// MapLayoutMatch grades the result of comparing two layouts.
type MapLayoutMatch int

const (
	// MatchNone indicates the layouts are incompatible.
	MatchNone MapLayoutMatch = iota
	// MatchStructure indicates identical member types and packing with
	// differing names.
	MatchStructure
	// MatchNames indicates layer and member names align but packing
	// differs.
	MatchNames
	// MatchExact indicates names and structure both match.
	MatchExact
)

// MapLayout is the ordered set of layers shared by every chunk in a map.
// It is fixed once the map holds chunks.
type MapLayout struct {
	layers []*MapLayer

	// Cached indices for the well known layers, -1 when absent.
	occupancyLayer    int
	meanLayer         int
	covarianceLayer   int
	clearanceLayer    int
	intensityLayer    int
	traversalLayer    int
	hitMissCountLayer int
	semanticLayer     int
}

// NewMapLayout returns an empty layout.
func NewMapLayout() *MapLayout {
	layout := &MapLayout{}
	layout.cacheLayerIndices()
	return layout
}

// AddLayer appends a layer with the given subsampling level and returns it
// for member registration.
func (layout *MapLayout) AddLayer(name string, subsampling uint16) *MapLayer {
	layer := &MapLayer{
		name:        name,
		layerIndex:  len(layout.layers),
		subsampling: subsampling,
	}
	layout.layers = append(layout.layers, layer)
	layout.cacheLayerIndex(layer)
	return layer
}

// LayerCount returns the number of layers.
func (layout *MapLayout) LayerCount() int {
	return len(layout.layers)
}

// Layer returns the layer at index i.
func (layout *MapLayout) Layer(i int) *MapLayer {
	return layout.layers[i]
}

// LayerByName returns the named layer or nil.
func (layout *MapLayout) LayerByName(name string) *MapLayer {
	for _, layer := range layout.layers {
		if layer.name == name {
			return layer
		}
	}
	return nil
}

// LayerIndex returns the index of the named layer, -1 if absent.
func (layout *MapLayout) LayerIndex(name string) int {
	for _, layer := range layout.layers {
		if layer.name == name {
			return layer.layerIndex
		}
	}
	return -1
}

// MustLayerIndex returns the index of the named layer or an ErrNoSuchLayer
// error.
func (layout *MapLayout) MustLayerIndex(name string) (int, error) {
	index := layout.LayerIndex(name)
	if index < 0 {
		return -1, errors.Wrap(ErrNoSuchLayer, name)
	}
	return index, nil
}

// FilterLayers removes every layer whose name is not in preserve and
// repacks the remaining indices. Preserved layer content in existing chunks
// is the caller's concern; see OccupancyMap.FilterLayers.
func (layout *MapLayout) FilterLayers(preserve []string) {
	keep := layout.layers[:0]
	for _, layer := range layout.layers {
		preserved := false
		for _, name := range preserve {
			if layer.name == name {
				preserved = true
				break
			}
		}
		if preserved {
			layer.layerIndex = len(keep)
			keep = append(keep, layer)
		}
	}
	for i := len(keep); i < len(layout.layers); i++ {
		layout.layers[i] = nil
	}
	layout.layers = keep
	layout.cacheLayerIndices()
}

// CheckEquivalent compares two layouts and grades the match.
func (layout *MapLayout) CheckEquivalent(other *MapLayout) MapLayoutMatch {
	if layout == other {
		return MatchExact
	}
	if layout.LayerCount() != other.LayerCount() {
		return MatchNone
	}
	match := MatchExact
	for i, layer := range layout.layers {
		layerMatch := layer.checkEquivalent(other.layers[i])
		if layerMatch < match {
			match = layerMatch
		}
		if match == MatchNone {
			return MatchNone
		}
	}
	return match
}

func (l *MapLayer) checkEquivalent(other *MapLayer) MapLayoutMatch {
	if l.voxel.MemberCount() != other.voxel.MemberCount() {
		return MatchNone
	}
	namesMatch := l.name == other.name && l.subsampling == other.subsampling
	structureMatch := l.VoxelByteSize() == other.VoxelByteSize()
	for i := 0; i < l.voxel.MemberCount(); i++ {
		a, b := l.voxel.Member(i), other.voxel.Member(i)
		if a.Type != b.Type || a.offset != b.offset {
			structureMatch = false
		}
		if a.Name != b.Name {
			namesMatch = false
		}
	}

	switch {
	case namesMatch && structureMatch:
		return MatchExact
	case structureMatch:
		return MatchStructure
	case namesMatch:
		return MatchNames
	}
	return MatchNone
}

// Clone returns a deep copy of the layout.
func (layout *MapLayout) Clone() *MapLayout {
	clone := NewMapLayout()
	for _, layer := range layout.layers {
		newLayer := clone.AddLayer(layer.name, layer.subsampling)
		newLayer.voxel.members = append([]VoxelMember(nil), layer.voxel.members...)
	}
	return clone
}

func (layout *MapLayout) cacheLayerIndex(layer *MapLayer) {
	switch layer.name {
	case OccupancyLayerName:
		if layout.occupancyLayer == -1 {
			layout.occupancyLayer = layer.layerIndex
		}
	case MeanLayerName:
		if layout.meanLayer == -1 {
			layout.meanLayer = layer.layerIndex
		}
	case CovarianceLayerName:
		if layout.covarianceLayer == -1 {
			layout.covarianceLayer = layer.layerIndex
		}
	case ClearanceLayerName:
		if layout.clearanceLayer == -1 {
			layout.clearanceLayer = layer.layerIndex
		}
	case IntensityLayerName:
		if layout.intensityLayer == -1 {
			layout.intensityLayer = layer.layerIndex
		}
	case TraversalLayerName:
		if layout.traversalLayer == -1 {
			layout.traversalLayer = layer.layerIndex
		}
	case HitMissCountLayerName:
		if layout.hitMissCountLayer == -1 {
			layout.hitMissCountLayer = layer.layerIndex
		}
	case SemanticLayerName:
		if layout.semanticLayer == -1 {
			layout.semanticLayer = layer.layerIndex
		}
	}
}

func (layout *MapLayout) cacheLayerIndices() {
	layout.occupancyLayer = -1
	layout.meanLayer = -1
	layout.covarianceLayer = -1
	layout.clearanceLayer = -1
	layout.intensityLayer = -1
	layout.traversalLayer = -1
	layout.hitMissCountLayer = -1
	layout.semanticLayer = -1
	for _, layer := range layout.layers {
		layout.cacheLayerIndex(layer)
	}
}

// OccupancyLayer returns the cached occupancy layer index, -1 when absent.
func (layout *MapLayout) OccupancyLayer() int { return layout.occupancyLayer }

// MeanLayer returns the cached mean layer index, -1 when absent.
func (layout *MapLayout) MeanLayer() int { return layout.meanLayer }

// CovarianceLayer returns the cached covariance layer index, -1 when absent.
func (layout *MapLayout) CovarianceLayer() int { return layout.covarianceLayer }

// ClearanceLayer returns the cached clearance layer index, -1 when absent.
func (layout *MapLayout) ClearanceLayer() int { return layout.clearanceLayer }

// IntensityLayer returns the cached intensity layer index, -1 when absent.
func (layout *MapLayout) IntensityLayer() int { return layout.intensityLayer }

// TraversalLayer returns the cached traversal layer index, -1 when absent.
func (layout *MapLayout) TraversalLayer() int { return layout.traversalLayer }

// HitMissCountLayer returns the cached hit/miss count layer index, -1 when
// absent.
func (layout *MapLayout) HitMissCountLayer() int { return layout.hitMissCountLayer }

// SemanticLayer returns the cached semantic layer index, -1 when absent.
func (layout *MapLayout) SemanticLayer() int { return layout.semanticLayer }
