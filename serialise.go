package ohm

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Map file codec. The format is self describing: a header with the map
// geometry and probability parameters, a layout block naming every layer
// and member, then one record per region carrying the raw layer bytes in
// layer order. All integers are little-endian; floats are IEEE-754.

const (
	// MapMagic opens every map file.
	MapMagic = "OHMM"
	// MapVersion is the current file version.
	MapVersion uint32 = 1
)

// SerialiseProgress receives progress callbacks during save and load. The
// codec polls Quit between regions and abandons the operation when it
// reports true.
type SerialiseProgress interface {
	SetTargetProgress(target uint)
	IncrementProgress(step uint)
	Quit() bool
}

type nopProgress struct{}

func (nopProgress) SetTargetProgress(uint) {}
func (nopProgress) IncrementProgress(uint) {}
func (nopProgress) Quit() bool             { return false }

// SaveMap serialises the map to a file.
func SaveMap(filename string, m *OccupancyMap, progress SerialiseProgress) error {
	f, err := os.Create(filename)
	if err != nil {
		m.log.Warnf("map %s: cannot create %s: %v", m.id, filename, err)
		return errors.Wrap(err, "save map")
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := Save(w, m, progress); err != nil {
		return err
	}
	return errors.Wrap(w.Flush(), "save map")
}

// LoadMap deserialises a map from a file. Options (e.g. WithLogger) are
// applied to the reconstructed map.
func LoadMap(filename string, progress SerialiseProgress, opts ...MapOption) (*OccupancyMap, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "load map")
	}
	defer f.Close()
	return Load(bufio.NewReader(f), progress, opts...)
}

// Save writes the map to w.
func Save(w io.Writer, m *OccupancyMap, progress SerialiseProgress) error {
	if progress == nil {
		progress = nopProgress{}
	}

	if _, err := w.Write([]byte(MapMagic)); err != nil {
		return errors.Wrap(err, "write magic")
	}
	if err := writeLE(w, MapVersion); err != nil {
		return err
	}

	// Map header. The map identity trails the header so readers can
	// correlate files with the instance that produced them.
	header := mapFileHeader{
		OriginX:    m.origin[0],
		OriginY:    m.origin[1],
		OriginZ:    m.origin[2],
		Resolution: m.resolution,
		RegionDim: [4]uint8{
			uint8(m.regionDim[0]), uint8(m.regionDim[1]), uint8(m.regionDim[2]), 0,
		},
		HitValue:  m.hitValue,
		MissValue: m.missValue,
		MinValue:  m.minVoxelValue,
		MaxValue:  m.maxVoxelValue,
		Threshold: m.occupancyThreshold,
		Flags:     0,
		ID:        [16]byte(m.id),
	}
	if err := writeLE(w, header); err != nil {
		return err
	}

	if err := saveLayout(w, m.layout); err != nil {
		m.log.Warnf("map %s: layout serialise failed: %v", m.id, err)
		return err
	}
	if err := saveRegions(w, m, progress); err != nil {
		m.log.Warnf("map %s: region serialise failed: %v", m.id, err)
		return err
	}
	return nil
}

type mapFileHeader struct {
	OriginX    float64
	OriginY    float64
	OriginZ    float64
	Resolution float64
	RegionDim  [4]uint8
	HitValue   float32
	MissValue  float32
	MinValue   float32
	MaxValue   float32
	Threshold  float32
	Flags      uint32
	ID         [16]byte
}

func saveLayout(w io.Writer, layout *MapLayout) error {
	if err := writeLE(w, uint32(layout.LayerCount())); err != nil {
		return err
	}
	for i := 0; i < layout.LayerCount(); i++ {
		layer := layout.Layer(i)
		if err := writeString(w, layer.Name()); err != nil {
			return err
		}
		if err := writeLE(w, uint8(layer.Subsampling())); err != nil {
			return err
		}
		voxel := layer.VoxelLayout()
		if err := writeLE(w, uint32(voxel.MemberCount())); err != nil {
			return err
		}
		for j := 0; j < voxel.MemberCount(); j++ {
			member := voxel.Member(j)
			if err := writeString(w, member.Name); err != nil {
				return err
			}
			if err := writeLE(w, uint8(member.Type)); err != nil {
				return err
			}
			if _, err := w.Write(member.ClearPattern[:]); err != nil {
				return errors.Wrap(err, "write clear pattern")
			}
		}
	}
	return nil
}

func saveRegions(w io.Writer, m *OccupancyMap, progress SerialiseProgress) error {
	if err := writeLE(w, uint32(m.chunkCount)); err != nil {
		return err
	}
	progress.SetTargetProgress(uint(m.chunkCount))

	var failed error
	m.ForEachChunk(func(chunk *MapChunk) bool {
		if progress.Quit() {
			failed = ErrAborted
			return false
		}
		record := regionRecord{
			Region:       chunk.key.Region,
			OriginX:      chunk.origin[0],
			OriginY:      chunk.origin[1],
			OriginZ:      chunk.origin[2],
			TouchedTime:  timeToStamp(chunk.touchedTime),
			FirstRayTime: chunk.firstRayTime,
		}
		if failed = writeLE(w, record); failed != nil {
			return false
		}
		for layerIndex := range chunk.voxelBuffers {
			if _, err := w.Write(chunk.voxelBuffers[layerIndex]); err != nil {
				failed = errors.Wrap(err, "write layer bytes")
				return false
			}
		}
		progress.IncrementProgress(1)
		return true
	})
	return failed
}

type regionRecord struct {
	Region       [3]int16
	_            int16
	OriginX      float64
	OriginY      float64
	OriginZ      float64
	TouchedTime  float64
	FirstRayTime float64
}

// Load reads a map from r. Options (e.g. WithLogger) are applied to the
// reconstructed map.
func Load(r io.Reader, progress SerialiseProgress, opts ...MapOption) (*OccupancyMap, error) {
	if progress == nil {
		progress = nopProgress{}
	}

	magic := make([]byte, len(MapMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrap(ErrSerialiseFormat, "short magic")
	}
	if string(magic) != MapMagic {
		return nil, errors.Wrap(ErrSerialiseFormat, "bad magic")
	}
	var version uint32
	if err := readLE(r, &version); err != nil {
		return nil, err
	}
	if version != MapVersion {
		return nil, errors.Wrapf(ErrSerialiseVersion, "version %d", version)
	}

	var header mapFileHeader
	if err := readLE(r, &header); err != nil {
		return nil, err
	}
	layout, err := loadLayout(r)
	if err != nil {
		return nil, err
	}

	mapOpts := append([]MapOption{
		WithOrigin(mgl64.Vec3{header.OriginX, header.OriginY, header.OriginZ}),
		WithLayout(layout),
	}, opts...)
	m, err := NewOccupancyMap(
		header.Resolution,
		[3]int{int(header.RegionDim[0]), int(header.RegionDim[1]), int(header.RegionDim[2])},
		mapOpts...,
	)
	if err != nil {
		return nil, err
	}
	// Restore the identity of the instance that wrote the file.
	m.id = uuid.UUID(header.ID)
	m.hitValue = header.HitValue
	m.missValue = header.MissValue
	m.minVoxelValue = header.MinValue
	m.maxVoxelValue = header.MaxValue
	m.occupancyThreshold = header.Threshold
	m.occupancyThresholdPrb = ValueToProbability(header.Threshold)

	if err := loadRegions(r, m, progress); err != nil {
		m.log.Warnf("map %s: region deserialise failed: %v", m.id, err)
		return nil, err
	}
	return m, nil
}

func loadLayout(r io.Reader) (*MapLayout, error) {
	var layerCount uint32
	if err := readLE(r, &layerCount); err != nil {
		return nil, err
	}
	layout := NewMapLayout()
	for i := uint32(0); i < layerCount; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var subsampling uint8
		if err := readLE(r, &subsampling); err != nil {
			return nil, err
		}
		layer := layout.AddLayer(name, uint16(subsampling))
		var memberCount uint32
		if err := readLE(r, &memberCount); err != nil {
			return nil, err
		}
		for j := uint32(0); j < memberCount; j++ {
			memberName, err := readString(r)
			if err != nil {
				return nil, err
			}
			var typeTag uint8
			if err := readLE(r, &typeTag); err != nil {
				return nil, err
			}
			dataType := DataType(typeTag)
			if dataType.Size() == 0 {
				return nil, errors.Wrapf(ErrSerialiseFormat, "member %q has unknown type tag %d", memberName, typeTag)
			}
			var clear [8]byte
			if _, err := io.ReadFull(r, clear[:]); err != nil {
				return nil, errors.Wrap(ErrSerialiseFormat, "short clear pattern")
			}
			layer.VoxelLayout().AddMember(memberName, dataType, binary.LittleEndian.Uint64(clear[:]))
		}
	}
	return layout, nil
}

func loadRegions(r io.Reader, m *OccupancyMap, progress SerialiseProgress) error {
	var regionCount uint32
	if err := readLE(r, &regionCount); err != nil {
		return err
	}
	progress.SetTargetProgress(uint(regionCount))

	for i := uint32(0); i < regionCount; i++ {
		if progress.Quit() {
			return ErrAborted
		}
		var record regionRecord
		if err := readLE(r, &record); err != nil {
			return err
		}
		chunk, err := m.Region(record.Region, true)
		if err != nil {
			return err
		}
		chunk.touchedTime = stampToTime(record.TouchedTime)
		chunk.firstRayTime = record.FirstRayTime
		for layerIndex := range chunk.voxelBuffers {
			if _, err := io.ReadFull(r, chunk.voxelBuffers[layerIndex]); err != nil {
				return errors.Wrap(ErrSerialiseFormat, "short layer bytes")
			}
		}
		progress.IncrementProgress(1)
	}
	return nil
}

func writeLE(w io.Writer, value any) error {
	return errors.Wrap(binary.Write(w, binary.LittleEndian, value), "serialise")
}

func readLE(r io.Reader, value any) error {
	if err := binary.Read(r, binary.LittleEndian, value); err != nil {
		return errors.Wrap(ErrSerialiseFormat, err.Error())
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := writeLE(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return errors.Wrap(err, "write string")
}

func readString(r io.Reader) (string, error) {
	var length uint32
	if err := readLE(r, &length); err != nil {
		return "", err
	}
	if length > 4096 {
		return "", errors.Wrap(ErrSerialiseFormat, "string length out of range")
	}
	buffer := make([]byte, length)
	if _, err := io.ReadFull(r, buffer); err != nil {
		return "", errors.Wrap(ErrSerialiseFormat, "short string")
	}
	return string(buffer), nil
}

// timeToStamp converts a wall clock time to seconds since the epoch.
func timeToStamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// stampToTime inverts timeToStamp.
func stampToTime(stamp float64) time.Time {
	seconds := math.Floor(stamp)
	nanos := (stamp - seconds) * float64(time.Second)
	return time.Unix(int64(seconds), int64(nanos))
}
