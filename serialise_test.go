package ohm

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPopulatedMap(t *testing.T) *OccupancyMap {
	t.Helper()
	layout := NewMapLayout()
	AddOccupancyLayer(layout)
	AddMeanLayer(layout)
	AddClearanceLayer(layout)
	m, err := NewOccupancyMap(0.25, [3]int{16, 16, 16},
		WithOrigin(mgl64.Vec3{1, 2, 3}),
		WithLayout(layout))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	var rays []mgl64.Vec3
	for i := 0; i < 64; i++ {
		rays = append(rays,
			mgl64.Vec3{1, 2, 3},
			mgl64.Vec3{
				1 + rng.Float64()*20 - 10,
				2 + rng.Float64()*20 - 10,
				3 + rng.Float64()*20 - 10,
			})
	}
	require.NoError(t, m.IntegrateRays(rays, RayDefault))
	require.Greater(t, m.ChunkCount(), 1)
	return m
}

func TestSerialiseRoundTrip(t *testing.T) {
	m := buildPopulatedMap(t)

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m, nil))

	loaded, err := Load(&buf, nil)
	require.NoError(t, err)

	assert.Equal(t, m.ID(), loaded.ID(), "identity travels in the header trailer")
	assert.Equal(t, m.Resolution(), loaded.Resolution())
	assert.Equal(t, m.Origin(), loaded.Origin())
	assert.Equal(t, m.RegionDimensions(), loaded.RegionDimensions())
	assert.Equal(t, m.HitValue(), loaded.HitValue())
	assert.Equal(t, m.MissValue(), loaded.MissValue())
	assert.Equal(t, m.OccupancyThreshold(), loaded.OccupancyThreshold())
	assert.Equal(t, MatchExact, m.Layout().CheckEquivalent(loaded.Layout()))
	require.Equal(t, m.ChunkCount(), loaded.ChunkCount())

	// Every voxel byte of every layer must match.
	m.ForEachChunk(func(chunk *MapChunk) bool {
		other, err := loaded.Region(chunk.Region(), false)
		require.NoError(t, err)
		require.NotNil(t, other, "region %v missing after round trip", chunk.Region())
		for layer := 0; layer < m.Layout().LayerCount(); layer++ {
			if diff := cmp.Diff(chunk.VoxelBuffer(layer), other.VoxelBuffer(layer)); diff != "" {
				t.Errorf("region %v layer %d bytes differ (-want +got):\n%s", chunk.Region(), layer, diff)
			}
		}
		return true
	})
}

func TestSerialiseFileRoundTrip(t *testing.T) {
	m := buildPopulatedMap(t)
	path := filepath.Join(t.TempDir(), "map.ohm")
	require.NoError(t, SaveMap(path, m, nil))
	loaded, err := LoadMap(path, nil)
	require.NoError(t, err)
	assert.Equal(t, m.ChunkCount(), loaded.ChunkCount())
}

func TestLoadRejectsBadMagic(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("nope")), nil)
	assert.ErrorIs(t, err, ErrSerialiseFormat)
}

func TestLoadRejectsBadVersion(t *testing.T) {
	m := buildPopulatedMap(t)
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m, nil))

	data := buf.Bytes()
	// Corrupt the version word following the magic.
	data[len(MapMagic)] = 0xff
	_, err := Load(bytes.NewReader(data), nil)
	assert.ErrorIs(t, err, ErrSerialiseVersion)
}

func TestLoadRejectsTruncated(t *testing.T) {
	m := buildPopulatedMap(t)
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m, nil))
	data := buf.Bytes()
	// Truncation lands inside the region block: the injected logger sees
	// the failure with the writing map's identity.
	log := &recordingLogger{}
	_, err := Load(bytes.NewReader(data[:len(data)/2]), nil, WithLogger(log))
	assert.ErrorIs(t, err, ErrSerialiseFormat)
	require.Len(t, log.warns, 1)
	assert.Contains(t, log.warns[0], m.ID().String())
}

type countingProgress struct {
	target     uint
	increments uint
	quitAfter  uint
}

func (p *countingProgress) SetTargetProgress(target uint) { p.target = target }
func (p *countingProgress) IncrementProgress(step uint)   { p.increments += step }
func (p *countingProgress) Quit() bool {
	return p.quitAfter > 0 && p.increments >= p.quitAfter
}

func TestSerialiseProgressCallbacks(t *testing.T) {
	m := buildPopulatedMap(t)
	progress := &countingProgress{}
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m, progress))
	assert.Equal(t, uint(m.ChunkCount()), progress.target)
	assert.Equal(t, uint(m.ChunkCount()), progress.increments)
}

func TestSerialiseQuitAborts(t *testing.T) {
	m := buildPopulatedMap(t)
	progress := &countingProgress{quitAfter: 1}
	var buf bytes.Buffer
	err := Save(&buf, m, progress)
	assert.ErrorIs(t, err, ErrAborted)
}
