package ohm

import (
	"encoding/binary"
	"math"
)

// OccupancyType classifies a voxel by its occupancy value against the
// map's threshold.
type OccupancyType int

const (
	// OccupancyNull marks an invalid voxel reference.
	OccupancyNull OccupancyType = iota - 1
	// OccupancyUnobserved marks a voxel never touched by a ray.
	OccupancyUnobserved
	// OccupancyFree marks an observed voxel below the threshold.
	OccupancyFree
	// OccupancyOccupied marks an observed voxel at or above the threshold.
	OccupancyOccupied
)

func (t OccupancyType) String() string {
	switch t {
	case OccupancyNull:
		return "null"
	case OccupancyUnobserved:
		return "unobserved"
	case OccupancyFree:
		return "free"
	case OccupancyOccupied:
		return "occupied"
	}
	return "invalid"
}

// readFloat32 reads the i-th float32 from a densely packed float32 buffer.
func readFloat32(buffer []byte, i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buffer[i*4:]))
}

// writeFloat32 writes the i-th float32 in a densely packed float32 buffer.
func writeFloat32(buffer []byte, i int, value float32) {
	binary.LittleEndian.PutUint32(buffer[i*4:], math.Float32bits(value))
}

// Voxel is a handle onto one voxel of one layer. A zero Voxel is invalid.
// Handles remain valid until their chunk is removed from the map.
type Voxel struct {
	m          *OccupancyMap
	chunk      *MapChunk
	key        Key
	layerIndex int
}

// Voxel resolves a handle for the addressed voxel on the occupancy layer.
// With create set, an absent chunk is allocated. Without create, the
// handle for an absent region is invalid.
func (m *OccupancyMap) Voxel(key Key, create bool) (Voxel, error) {
	return m.VoxelLayer(key, m.layout.OccupancyLayer(), create)
}

// VoxelLayer resolves a handle for the addressed voxel on a specific
// layer.
func (m *OccupancyMap) VoxelLayer(key Key, layerIndex int, create bool) (Voxel, error) {
	if key.IsNull() || layerIndex < 0 || layerIndex >= m.layout.LayerCount() {
		return Voxel{}, nil
	}
	chunk, err := m.Region(key.Region, create)
	if err != nil {
		return Voxel{}, err
	}
	if chunk == nil {
		return Voxel{}, nil
	}
	return Voxel{m: m, chunk: chunk, key: key, layerIndex: layerIndex}, nil
}

// IsValid reports whether the handle references voxel storage.
func (v Voxel) IsValid() bool {
	return v.m != nil && v.chunk != nil
}

// Key returns the voxel's key.
func (v Voxel) Key() Key { return v.key }

// Chunk returns the chunk holding the voxel.
func (v Voxel) Chunk() *MapChunk { return v.chunk }

// LayerIndex returns the layer this handle addresses.
func (v Voxel) LayerIndex() int { return v.layerIndex }

// layerSlot returns the voxel's byte slice within the layer buffer.
func (v Voxel) layerSlot() []byte {
	layer := v.m.layout.Layer(v.layerIndex)
	stride := layer.VoxelByteSize()
	index := v.m.layerVoxelIndex(v.key, layer)
	buffer := v.chunk.VoxelBuffer(v.layerIndex)
	return buffer[index*stride : (index+1)*stride]
}

// layerVoxelIndex maps a key to the linear voxel index within a layer,
// honouring the layer's subsampling.
func (m *OccupancyMap) layerVoxelIndex(key Key, layer *MapLayer) int {
	s := layer.Subsampling()
	if s == 0 {
		return m.VoxelIndex(key)
	}
	dim := [3]int{}
	local := [3]int{}
	for i := 0; i < 3; i++ {
		dim[i] = m.regionDim[i] >> s
		if dim[i] < 1 {
			dim[i] = 1
		}
		local[i] = int(key.Local[i]) >> s
		if local[i] >= dim[i] {
			local[i] = dim[i] - 1
		}
	}
	return local[0] + local[1]*dim[0] + local[2]*dim[0]*dim[1]
}

// Occupancy returns the voxel's occupancy value. The handle must address
// the occupancy layer. Invalid handles read as unobserved.
func (v Voxel) Occupancy() float32 {
	if !v.IsValid() {
		return UnobservedValue()
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(v.layerSlot()))
}

// SetOccupancy writes the voxel's occupancy value and updates the chunk
// stamps.
func (v Voxel) SetOccupancy(value float32) {
	if !v.IsValid() {
		return
	}
	binary.LittleEndian.PutUint32(v.layerSlot(), math.Float32bits(value))
	v.chunk.updateFirstValid(v.m.VoxelIndex(v.key))
	v.chunk.TouchLayer(v.layerIndex, v.m.Touch())
}

// OccupancyType classifies the voxel. Invalid handles are OccupancyNull;
// stale or out-of-range values read as unobserved, never as an error.
func (v Voxel) OccupancyType() OccupancyType {
	if !v.IsValid() {
		return OccupancyNull
	}
	value := v.Occupancy()
	switch {
	case isUnobserved(value), math.IsNaN(float64(value)),
		value < v.m.minVoxelValue, value > v.m.maxVoxelValue:
		return OccupancyUnobserved
	case value >= v.m.occupancyThreshold:
		return OccupancyOccupied
	}
	return OccupancyFree
}

// ReadUint32 reads the named uint32 member of the voxel's layer.
func (v Voxel) ReadUint32(member string) uint32 {
	slot, m := v.memberSlot(member)
	if m == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(slot[m.offset:])
}

// WriteUint32 writes the named uint32 member of the voxel's layer.
func (v Voxel) WriteUint32(member string, value uint32) {
	slot, m := v.memberSlot(member)
	if m == nil {
		return
	}
	binary.LittleEndian.PutUint32(slot[m.offset:], value)
	v.chunk.TouchLayer(v.layerIndex, v.m.Touch())
}

// ReadFloat32 reads the named float32 member of the voxel's layer.
func (v Voxel) ReadFloat32(member string) float32 {
	slot, m := v.memberSlot(member)
	if m == nil {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(slot[m.offset:]))
}

// WriteFloat32 writes the named float32 member of the voxel's layer.
func (v Voxel) WriteFloat32(member string, value float32) {
	slot, m := v.memberSlot(member)
	if m == nil {
		return
	}
	binary.LittleEndian.PutUint32(slot[m.offset:], math.Float32bits(value))
	v.chunk.TouchLayer(v.layerIndex, v.m.Touch())
}

func (v Voxel) memberSlot(member string) ([]byte, *VoxelMember) {
	if !v.IsValid() {
		return nil, nil
	}
	voxel := v.m.layout.Layer(v.layerIndex).VoxelLayout()
	index := voxel.MemberIndex(member)
	if index < 0 {
		return nil, nil
	}
	return v.layerSlot(), voxel.Member(index)
}

// Mean reads the voxel mean of a mean-layer handle.
func (v Voxel) Mean() VoxelMean {
	if !v.IsValid() {
		return VoxelMean{}
	}
	slot := v.layerSlot()
	return VoxelMean{
		Coord: binary.LittleEndian.Uint32(slot[0:]),
		Count: binary.LittleEndian.Uint32(slot[4:]),
	}
}

// SetMean writes the voxel mean of a mean-layer handle.
func (v Voxel) SetMean(mean VoxelMean) {
	if !v.IsValid() {
		return
	}
	slot := v.layerSlot()
	binary.LittleEndian.PutUint32(slot[0:], mean.Coord)
	binary.LittleEndian.PutUint32(slot[4:], mean.Count)
	v.chunk.TouchLayer(v.layerIndex, v.m.Touch())
}
